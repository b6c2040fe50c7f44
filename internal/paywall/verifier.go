package paywall

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/clock"
	apperrors "github.com/dekapay/gateway/internal/errors"
	"github.com/dekapay/gateway/internal/creditnote"
	"github.com/dekapay/gateway/internal/kv"
	"github.com/dekapay/gateway/internal/metrics"
	"github.com/dekapay/gateway/internal/signer"
	"github.com/dekapay/gateway/internal/storage"
	"github.com/dekapay/gateway/pkg/x402"
)

func nonceConsumedKey(nonce string) string {
	return "nonce_consumed:" + nonce
}

// Verifier redeems settlement receipts against issued challenges. The
// pipeline is strict and ordered: existence, integrity, freshness,
// binding, single use, settlement, and finally overpayment handling.
// Binding mismatches and replays are fraud signals; everything else is
// routine client error.
type Verifier struct {
	issuer      *Issuer
	kv          kv.Store
	signer      *signer.Signer
	oracle      x402.SettlementOracle
	creditNotes *creditnote.Service
	store       storage.Store
	clock       clock.Clock
	minConfirms uint64
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// VerifierOptions wires a Verifier.
type VerifierOptions struct {
	Issuer           *Issuer
	KV               kv.Store
	Signer           *signer.Signer
	Oracle           x402.SettlementOracle
	CreditNotes      *creditnote.Service
	Store            storage.Store
	Clock            clock.Clock
	MinConfirmations uint64
	Metrics          *metrics.Metrics
	Logger           zerolog.Logger
}

// NewVerifier creates a Verifier.
func NewVerifier(opts VerifierOptions) *Verifier {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	minConfirms := opts.MinConfirmations
	if minConfirms == 0 {
		minConfirms = 1
	}
	return &Verifier{
		issuer:      opts.Issuer,
		kv:          opts.KV,
		signer:      opts.Signer,
		oracle:      opts.Oracle,
		creditNotes: opts.CreditNotes,
		store:       opts.Store,
		clock:       clk,
		minConfirms: minConfirms,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With().Str("component", "receipt_verifier").Logger(),
	}
}

// Verify runs the receipt through the full pipeline. req must be the
// request the receipt is presented on, not the one the client claims it
// was issued for.
func (v *Verifier) Verify(ctx context.Context, receipt x402.Receipt, req ChallengeRequest) (x402.VerifiedReceipt, error) {
	// 1. The challenge must exist. Expired challenges age out of the KV
	// store, so "unknown" covers both never-issued and long-gone.
	ch, found, err := v.issuer.load(ctx, receipt.Nonce)
	if err != nil {
		return x402.VerifiedReceipt{}, fmt.Errorf("paywall: load challenge: %w", err)
	}
	if !found {
		return x402.VerifiedReceipt{}, v.reject(ctx, receipt, apperrors.ErrCodeChallengeUnknown, false, nil)
	}

	// 2. Integrity. The stored copy could only differ from what we signed
	// if someone rewrote the store.
	if !v.signer.Verify(ch.SigningFields(), ch.HMAC) {
		return x402.VerifiedReceipt{}, v.reject(ctx, receipt, apperrors.ErrCodeChallengeTampered, false, nil)
	}

	// 3. Freshness, against the signed expiry rather than the TTL.
	if !v.clock.Now().Before(ch.ExpiresAt) {
		return x402.VerifiedReceipt{}, v.reject(ctx, receipt, apperrors.ErrCodeChallengeExpired, false, nil)
	}

	// 4. Binding: the receipt only pays for the exact request tuple the
	// challenge was issued against.
	binding := x402.RequestBinding(req.Path, req.Method, req.TokenID, req.Model, req.MaxTokens)
	if subtle.ConstantTimeCompare([]byte(binding), []byte(ch.RequestBinding)) != 1 {
		return x402.VerifiedReceipt{}, v.reject(ctx, receipt, apperrors.ErrCodeBindingInvalid, true, nil)
	}

	// 5. Single use. The SETNX is the serialization point: of two
	// concurrent presenters, exactly one passes.
	ok, err := v.kv.SetNX(ctx, nonceConsumedKey(receipt.Nonce), receipt.TxHash, 24*time.Hour)
	if err != nil {
		return x402.VerifiedReceipt{}, fmt.Errorf("paywall: consume nonce: %w", err)
	}
	if !ok {
		return x402.VerifiedReceipt{}, v.reject(ctx, receipt, apperrors.ErrCodeNonceReplayed, true, nil)
	}

	// 6. Settlement. A failed check releases the nonce: nothing was
	// granted, so an honest client may retry once the transfer confirms.
	verified, vErr := v.checkSettlement(ctx, receipt, ch)
	if vErr != nil {
		if delErr := v.kv.Del(ctx, nonceConsumedKey(receipt.Nonce)); delErr != nil {
			v.logger.Error().Err(delErr).Str("nonce", receipt.Nonce).Msg("nonce release failed after settlement rejection")
		}
		return x402.VerifiedReceipt{}, vErr
	}

	// 7. Overpayment becomes a credit note; issuance failures (including
	// the cap) forfeit the surplus but never fail the paid request.
	if verified.Overpayment > 0 && v.creditNotes != nil {
		note, err := v.creditNotes.Issue(ctx, verified.Payer, verified.Overpayment, receipt.Nonce)
		if err != nil && !errors.Is(err, creditnote.ErrCapExceeded) {
			v.logger.Error().Err(err).Str("nonce", receipt.Nonce).Msg("credit note issuance failed")
		}
		if err == nil {
			verified.CreditNoteID = note.NoteID
		}
	}

	if v.metrics != nil {
		v.metrics.ObserveReceipt("verified")
	}
	v.logger.Info().
		Str("nonce", verified.Nonce).
		Str("tx_hash", verified.TxHash).
		Int64("amount_atomic", verified.AmountAtomic).
		Int64("credit_applied", verified.CreditApplied).
		Int64("overpayment", verified.Overpayment).
		Msg("receipt verified")
	return verified, nil
}

func (v *Verifier) checkSettlement(ctx context.Context, receipt x402.Receipt, ch x402.Challenge) (x402.VerifiedReceipt, error) {
	required, err := ch.AmountAtomic()
	if err != nil {
		return x402.VerifiedReceipt{}, fmt.Errorf("paywall: %w", err)
	}

	settlement, err := v.oracle.Settlement(ctx, receipt.TxHash)
	if errors.Is(err, x402.ErrSettlementNotFound) {
		return x402.VerifiedReceipt{}, v.reject(ctx, receipt, apperrors.ErrCodeSettlementInsufficient, false, err)
	}
	if err != nil {
		// RPC trouble is not the client's fault and must not read as a
		// payment failure.
		return x402.VerifiedReceipt{}, x402.NewVerificationError(apperrors.ErrCodeOracleError, err)
	}

	switch {
	case !strings.EqualFold(settlement.Token, ch.Token):
		return x402.VerifiedReceipt{}, v.reject(ctx, receipt, apperrors.ErrCodeSettlementInsufficient, false,
			fmt.Errorf("token %s, challenge wants %s", settlement.Token, ch.Token))
	case settlement.ChainID != ch.ChainID:
		return x402.VerifiedReceipt{}, v.reject(ctx, receipt, apperrors.ErrCodeSettlementInsufficient, false,
			fmt.Errorf("chain %d, challenge wants %d", settlement.ChainID, ch.ChainID))
	case !strings.EqualFold(settlement.To, ch.Recipient):
		return x402.VerifiedReceipt{}, v.reject(ctx, receipt, apperrors.ErrCodeSettlementInsufficient, false,
			fmt.Errorf("paid %s, challenge wants %s", settlement.To, ch.Recipient))
	case settlement.Confirmations < v.minConfirms:
		return x402.VerifiedReceipt{}, v.reject(ctx, receipt, apperrors.ErrCodeSettlementInsufficient, false,
			fmt.Errorf("%d confirmations, need %d", settlement.Confirmations, v.minConfirms))
	}

	verified := x402.VerifiedReceipt{
		Nonce:        receipt.Nonce,
		TxHash:       receipt.TxHash,
		Payer:        settlement.From,
		AmountAtomic: settlement.AmountAtomic,
	}

	// A short settlement draws the payer's credit balance before it is
	// rejected. Credit drawn for a rejected receipt is restored: the
	// rejection releases the nonce, so a retry must see the same balance.
	if settlement.AmountAtomic < required {
		shortfall := required - settlement.AmountAtomic
		used := v.drawCredit(ctx, settlement.From, shortfall)
		if used < shortfall {
			if used > 0 {
				if err := v.creditNotes.Restore(ctx, settlement.From, used); err != nil {
					v.logger.Error().Err(err).
						Str("payer", settlement.From).
						Int64("amount", used).
						Msg("credit restore failed after settlement rejection")
				}
			}
			return x402.VerifiedReceipt{}, v.reject(ctx, receipt, apperrors.ErrCodeSettlementInsufficient, false,
				fmt.Errorf("settled %d plus credit %d, challenge wants %d", settlement.AmountAtomic, used, required))
		}
		verified.CreditApplied = used
		return verified, nil
	}

	verified.Overpayment = settlement.AmountAtomic - required
	return verified, nil
}

// drawCredit consumes up to shortfall from the payer's credit balance and
// reports how much it covered. Draw-down trouble reads as no credit.
func (v *Verifier) drawCredit(ctx context.Context, payer string, shortfall int64) int64 {
	if v.creditNotes == nil {
		return 0
	}
	used, _, err := v.creditNotes.Apply(ctx, payer, shortfall)
	if err != nil {
		v.logger.Warn().Err(err).Str("payer", payer).Msg("credit draw-down failed")
		return 0
	}
	return used
}

// reject records the failure best-effort and returns the typed error.
// Fraud signals (replay, binding mismatch) are flagged for escalation.
func (v *Verifier) reject(ctx context.Context, receipt x402.Receipt, code apperrors.ErrorCode, fraudSignal bool, cause error) error {
	if v.metrics != nil {
		v.metrics.ObserveReceipt(string(code))
	}
	if v.store != nil {
		failure := storage.VerificationFailure{
			Nonce:       receipt.Nonce,
			TxHash:      receipt.TxHash,
			Reason:      string(code),
			FraudSignal: fraudSignal,
			CreatedAt:   v.clock.Now(),
		}
		if err := v.store.RecordVerificationFailure(ctx, failure); err != nil {
			v.logger.Debug().Err(err).Msg("verification failure record write failed")
		}
	}
	event := v.logger.Warn().
		Str("nonce", receipt.Nonce).
		Str("tx_hash", receipt.TxHash).
		Str("code", string(code)).
		Bool("fraud_signal", fraudSignal)
	if cause != nil {
		event = event.Err(cause)
	}
	event.Msg("receipt rejected")
	return x402.NewVerificationError(code, cause)
}
