package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/circuitbreaker"
	"github.com/dekapay/gateway/internal/config"
	"github.com/dekapay/gateway/internal/metrics"
	"github.com/dekapay/gateway/internal/money"
	"github.com/dekapay/gateway/internal/rpcutil"
	"github.com/dekapay/gateway/pkg/x402"
)

// transferTopic is keccak256("Transfer(address,address,uint256)"), the
// topic0 of every ERC-20 Transfer event.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ErrReverted reports a mined but failed transaction. It never settles
// anything.
var ErrReverted = errors.New("oracle: transaction reverted")

// rpcClient is the slice of ethclient the oracle uses, split out so tests
// can substitute a fake.
type rpcClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// EVMOracle reads settlements from an EVM chain. A settlement is the
// ERC-20 Transfer event paying the gateway's recipient address inside the
// referenced transaction.
type EVMOracle struct {
	client    rpcClient
	recipient common.Address
	chainID   int64
	timeout   time.Duration
	breakers  *circuitbreaker.Manager
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewEVMOracle dials the RPC endpoint and resolves the chain id once.
func NewEVMOracle(cfg config.OracleConfig, recipient string, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger zerolog.Logger) (*EVMOracle, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("oracle: dial rpc: %w", err)
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("oracle: resolve chain id: %w", err)
	}

	return &EVMOracle{
		client:    client,
		recipient: common.HexToAddress(recipient),
		chainID:   chainID.Int64(),
		timeout:   timeout,
		breakers:  breakers,
		metrics:   m,
		logger:    logger.With().Str("component", "evm_oracle").Logger(),
	}, nil
}

// Settlement looks up a transaction and extracts the Transfer paying the
// recipient. Unknown transactions map to ErrSettlementNotFound so the
// verifier can tell "not settled yet" apart from RPC trouble.
func (o *EVMOracle) Settlement(ctx context.Context, txHash string) (x402.Settlement, error) {
	start := time.Now()
	result, err := o.execute(ctx, txHash)
	o.observe("settlement", err, time.Since(start))
	return result, err
}

func (o *EVMOracle) execute(ctx context.Context, txHash string) (x402.Settlement, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	call := func() (x402.Settlement, error) {
		receipt, err := o.client.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return x402.Settlement{}, x402.ErrSettlementNotFound
		}
		if err != nil {
			return x402.Settlement{}, fmt.Errorf("oracle: transaction receipt: %w", err)
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			return x402.Settlement{}, ErrReverted
		}

		head, err := o.client.BlockNumber(ctx)
		if err != nil {
			return x402.Settlement{}, fmt.Errorf("oracle: block number: %w", err)
		}
		settlement, err := o.settlementFromReceipt(receipt, head)
		if err != nil {
			return x402.Settlement{}, err
		}
		settlement.TxHash = strings.ToLower(txHash)
		return settlement, nil
	}

	if o.breakers == nil {
		return rpcutil.WithRetry(ctx, call)
	}
	result, err := o.breakers.Execute(circuitbreaker.ServiceOracle, func() (interface{}, error) {
		return rpcutil.WithRetry(ctx, call)
	})
	if err != nil {
		return x402.Settlement{}, err
	}
	return result.(x402.Settlement), nil
}

// settlementFromReceipt finds the Transfer event paying the recipient.
// When several logs pay the recipient in one transaction, the first wins:
// one transaction settles one challenge.
func (o *EVMOracle) settlementFromReceipt(receipt *types.Receipt, head uint64) (x402.Settlement, error) {
	for _, log := range receipt.Logs {
		settlement, ok := parseTransfer(log, o.recipient)
		if !ok {
			continue
		}
		settlement.ChainID = o.chainID
		settlement.BlockNumber = receipt.BlockNumber.Uint64()
		if head >= settlement.BlockNumber {
			settlement.Confirmations = head - settlement.BlockNumber + 1
		}
		return settlement, nil
	}
	return x402.Settlement{}, fmt.Errorf("%w: no transfer to recipient in transaction", x402.ErrSettlementNotFound)
}

// parseTransfer decodes one ERC-20 Transfer log when it pays recipient.
// Amounts beyond the safe integer bound are rejected rather than silently
// truncated.
func parseTransfer(log *types.Log, recipient common.Address) (x402.Settlement, bool) {
	if len(log.Topics) != 3 || log.Topics[0] != transferTopic {
		return x402.Settlement{}, false
	}
	to := common.BytesToAddress(log.Topics[2].Bytes())
	if to != recipient {
		return x402.Settlement{}, false
	}
	amount := new(big.Int).SetBytes(log.Data)
	if !amount.IsInt64() || amount.Int64() > money.MaxSafeInt {
		return x402.Settlement{}, false
	}
	from := common.BytesToAddress(log.Topics[1].Bytes())
	return x402.Settlement{
		From:         strings.ToLower(from.Hex()),
		To:           strings.ToLower(to.Hex()),
		Token:        strings.ToLower(log.Address.Hex()),
		AmountAtomic: amount.Int64(),
	}, true
}

func (o *EVMOracle) observe(method string, err error, elapsed time.Duration) {
	if o.metrics == nil {
		return
	}
	// "Not found" is a normal outcome, not an RPC failure.
	if errors.Is(err, x402.ErrSettlementNotFound) {
		err = nil
	}
	o.metrics.ObserveRPCCall(method, "evm", elapsed, err)
}
