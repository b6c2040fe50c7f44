package x402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Header names for the receipt path. Both must be present together;
// combining them with an Authorization header is rejected as ambiguous.
const (
	HeaderReceipt = "X-Payment-Receipt"
	HeaderNonce   = "X-Payment-Nonce"
)

// Challenge is the wire form of a payment challenge embedded in 402
// responses. Amounts are integers in token base units, rendered as base-10
// strings so JSON round-trips never touch floating point.
type Challenge struct {
	Nonce          string    `json:"nonce"`
	Amount         string    `json:"amount"`
	Recipient      string    `json:"recipient"`
	ChainID        int64     `json:"chain_id"`
	Token          string    `json:"token"`
	ExpiresAt      time.Time `json:"expires_at"`
	RequestPath    string    `json:"request_path"`
	RequestMethod  string    `json:"request_method"`
	RequestBinding string    `json:"request_binding"`
	HMAC           string    `json:"hmac"`
}

// SigningFields flattens the challenge into the field map consumed by the
// HMAC signer: expiry as unix seconds, numbers base-10, addresses
// lowercased. The signature itself is not a field.
func (c Challenge) SigningFields() map[string]string {
	return map[string]string{
		"amount":          c.Amount,
		"chain_id":        strconv.FormatInt(c.ChainID, 10),
		"expiry":          strconv.FormatInt(c.ExpiresAt.Unix(), 10),
		"nonce":           c.Nonce,
		"recipient":       strings.ToLower(c.Recipient),
		"request_binding": c.RequestBinding,
		"request_method":  c.RequestMethod,
		"request_path":    c.RequestPath,
		"token":           strings.ToLower(c.Token),
	}
}

// AmountAtomic parses the challenge amount into base units.
func (c Challenge) AmountAtomic() (int64, error) {
	v, err := strconv.ParseInt(c.Amount, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("x402: malformed challenge amount %q", c.Amount)
	}
	return v, nil
}

// PaymentRequired is the full 402 response envelope.
type PaymentRequired struct {
	Error     string    `json:"error"`
	Code      string    `json:"code"`
	Challenge Challenge `json:"challenge"`
}

// NewPaymentRequired wraps a challenge in the 402 envelope.
func NewPaymentRequired(ch Challenge) PaymentRequired {
	return PaymentRequired{
		Error:     "Payment required",
		Code:      "PAYMENT_REQUIRED",
		Challenge: ch,
	}
}

// RequestBinding hashes the request tuple a challenge is bound to. The
// tuple is lowercased and pipe-joined before hashing so client and gateway
// agree byte for byte.
func RequestBinding(path, method, tokenID, model string, maxTokens int) string {
	tuple := strings.Join([]string{path, method, tokenID, model, strconv.Itoa(maxTokens)}, "|")
	sum := sha256.Sum256([]byte(strings.ToLower(tuple)))
	return hex.EncodeToString(sum[:])
}

// Receipt is the client's proof of settlement presented on the receipt path.
type Receipt struct {
	TxHash string
	Nonce  string
}

var (
	txHashRE = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	nonceRE  = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
)

// ParseReceipt validates the receipt header pair and normalizes casing.
func ParseReceipt(txHash, nonce string) (Receipt, error) {
	txHash = strings.TrimSpace(txHash)
	nonce = strings.ToLower(strings.TrimSpace(nonce))
	if txHash == "" || nonce == "" {
		return Receipt{}, errors.New("x402: receipt requires both tx hash and nonce")
	}
	if !txHashRE.MatchString(txHash) {
		return Receipt{}, errors.New("x402: malformed tx hash")
	}
	if !nonceRE.MatchString(nonce) {
		return Receipt{}, errors.New("x402: malformed nonce")
	}
	return Receipt{TxHash: strings.ToLower(txHash), Nonce: nonce}, nil
}

// VerifiedReceipt captures a successful verification outcome.
type VerifiedReceipt struct {
	Nonce         string
	TxHash        string
	Payer         string
	AmountAtomic  int64  // settled amount in token base units
	CreditApplied int64  // base units drawn from the payer's credit balance
	Overpayment   int64  // base units above the challenge amount
	CreditNoteID  string // set when the overpayment produced a credit note
}

// Settlement is the oracle's view of an on-chain transfer.
type Settlement struct {
	TxHash        string
	From          string
	To            string
	Token         string
	ChainID       int64
	AmountAtomic  int64
	BlockNumber   uint64
	Confirmations uint64
}

// ErrSettlementNotFound reports a transaction the chain does not know about
// (not mined yet, dropped, or never sent).
var ErrSettlementNotFound = errors.New("x402: settlement not found")

// SettlementOracle reports on-chain transfers for receipt verification.
type SettlementOracle interface {
	Settlement(ctx context.Context, txHash string) (Settlement, error)
}
