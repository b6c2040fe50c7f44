package paywall

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/apikey"
	"github.com/dekapay/gateway/internal/clock"
	apperrors "github.com/dekapay/gateway/internal/errors"
	"github.com/dekapay/gateway/internal/kv"
	"github.com/dekapay/gateway/internal/ledger"
	"github.com/dekapay/gateway/internal/metrics"
	"github.com/dekapay/gateway/internal/pricing"
	"github.com/dekapay/gateway/internal/ratelimit"
	"github.com/dekapay/gateway/internal/storage"
	"github.com/dekapay/gateway/pkg/x402"
)

// DecisionKind tags the branch a request was routed down.
type DecisionKind string

const (
	DecisionFree         DecisionKind = "free"
	DecisionKeyAuth      DecisionKind = "key_auth"
	DecisionReceipt      DecisionKind = "receipt"
	DecisionNeedsPayment DecisionKind = "needs_payment"
	DecisionAmbiguous    DecisionKind = "ambiguous"
	DecisionDenied       DecisionKind = "denied"
)

// Decision is the tagged outcome of the payment decision. Exactly the
// fields for its kind are set: Key for key_auth, Receipt for receipt,
// Challenge for needs_payment, Code (and maybe RetryAfter) for ambiguous
// and denied.
type Decision struct {
	Kind       DecisionKind
	Key        *apikey.ValidatedApiKey
	Receipt    *x402.VerifiedReceipt
	Challenge  *x402.Challenge
	Code       apperrors.ErrorCode
	Message    string
	RetryAfter int
	Cost       pricing.Cost
	RequestID  string
}

// BillingRecorder accepts fire-and-forget billing events.
type BillingRecorder interface {
	Record(ctx context.Context, event storage.BillingEvent)
}

// Request is the payment-relevant slice of an inbound request.
type Request struct {
	Path          string
	Method        string
	Authorization string // bearer credential, empty when absent
	ReceiptTxHash string
	ReceiptNonce  string
	Model         string
	Prompt        string
	MaxTokens     int
	RequestID     string
	ClientIP      string // admission identity for anonymous callers
}

func (r Request) hasReceiptHeaders() bool {
	return r.ReceiptTxHash != "" || r.ReceiptNonce != ""
}

// EngineOptions wires a decision Engine.
type EngineOptions struct {
	FreeEndpoints []string
	Validator     *apikey.Validator
	Pricing       *pricing.Calculator
	Ledger        *ledger.Ledger
	Issuer        *Issuer
	Verifier      *Verifier
	Billing       BillingRecorder
	Admission     *ratelimit.AdmissionLimiter
	TokenID       string // stablecoin identifier bound into challenges
	Clock         clock.Clock
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
}

// Engine routes each request down exactly one payment branch.
type Engine struct {
	free      map[string]bool
	validator *apikey.Validator
	pricing   *pricing.Calculator
	ledger    *ledger.Ledger
	issuer    *Issuer
	verifier  *Verifier
	billing   BillingRecorder
	admission *ratelimit.AdmissionLimiter
	tokenID   string
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewEngine creates a decision Engine.
func NewEngine(opts EngineOptions) *Engine {
	free := make(map[string]bool, len(opts.FreeEndpoints))
	for _, path := range opts.FreeEndpoints {
		free[path] = true
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Engine{
		free:      free,
		validator: opts.Validator,
		pricing:   opts.Pricing,
		ledger:    opts.Ledger,
		issuer:    opts.Issuer,
		verifier:  opts.Verifier,
		billing:   opts.Billing,
		admission: opts.Admission,
		tokenID:   opts.TokenID,
		clock:     clk,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With().Str("component", "payment_decision").Logger(),
	}
}

// Decide runs the branch ladder. Order matters: the free set wins
// unconditionally, ambiguity beats both payment paths, keys beat
// receipts, and the challenge is the fallthrough.
func (e *Engine) Decide(ctx context.Context, req Request) Decision {
	start := e.clock.Now()
	decision := e.decide(ctx, req)
	decision.RequestID = req.RequestID
	if e.metrics != nil {
		e.metrics.ObserveDecision(string(decision.Kind), outcome(decision), e.clock.Now().Sub(start))
	}
	return decision
}

func outcome(d Decision) string {
	if d.Code != "" {
		return string(d.Code)
	}
	return "ok"
}

func (e *Engine) decide(ctx context.Context, req Request) Decision {
	// B1: the free set needs no payment evidence at all.
	if e.free[req.Path] {
		return Decision{Kind: DecisionFree}
	}

	// B2: presenting a key and a receipt together is unresolvable; guessing
	// which one the caller meant would bill the wrong party.
	if req.Authorization != "" && req.hasReceiptHeaders() {
		return Decision{
			Kind:    DecisionAmbiguous,
			Code:    apperrors.ErrCodeAmbiguousPayment,
			Message: "Provide either an API key or a payment receipt, not both",
		}
	}

	// B3: API key path.
	if apikey.IsKey(req.Authorization) {
		return e.decideKey(ctx, req)
	}
	if req.Authorization != "" {
		return Decision{
			Kind:    DecisionDenied,
			Code:    apperrors.ErrCodeUnauthorized,
			Message: "Unrecognized credential",
		}
	}

	// B4: receipt path. Both headers or neither; one alone is malformed.
	if req.hasReceiptHeaders() {
		if req.ReceiptTxHash == "" || req.ReceiptNonce == "" {
			return Decision{
				Kind:    DecisionDenied,
				Code:    apperrors.ErrCodeInvalidRequest,
				Message: "A receipt needs both " + x402.HeaderReceipt + " and " + x402.HeaderNonce,
			}
		}
		if denied := e.admitAnonymous(ctx, req); denied != nil {
			return *denied
		}
		return e.decideReceipt(ctx, req)
	}

	// B5: no payment evidence; answer with a challenge.
	if denied := e.admitAnonymous(ctx, req); denied != nil {
		return *denied
	}
	return e.decideChallenge(ctx, req)
}

// admitAnonymous runs the daily admission tiers for callers with no key,
// counted per client IP. Nil means admitted.
func (e *Engine) admitAnonymous(ctx context.Context, req Request) *Decision {
	if e.admission == nil || req.ClientIP == "" {
		return nil
	}
	id := ratelimit.Identity{Kind: ratelimit.IdentityIP, Value: req.ClientIP}
	result, err := e.admission.Check(ctx, id)
	if err != nil {
		return &Decision{Kind: DecisionDenied, Code: apperrors.ErrCodeLimiterUnhealthy}
	}
	if !result.Allowed {
		return &Decision{
			Kind:       DecisionDenied,
			Code:       admissionCode(result.Reason),
			RetryAfter: result.RetryAfter,
		}
	}
	return nil
}

// decideKey authenticates, prices, and debits in one pass. All
// authentication failures collapse to one 401; all funding failures are
// 402s that advertise the x402 fallback. A 401 is never about money and a
// 402 never about identity.
func (e *Engine) decideKey(ctx context.Context, req Request) Decision {
	if e.admission != nil {
		id := ratelimit.Identity{Kind: ratelimit.IdentityKey, Value: keyIdentity(req.Authorization)}
		result, err := e.admission.Check(ctx, id)
		if err != nil {
			return Decision{Kind: DecisionDenied, Code: apperrors.ErrCodeLimiterUnhealthy}
		}
		if !result.Allowed {
			return Decision{
				Kind:       DecisionDenied,
				Code:       admissionCode(result.Reason),
				RetryAfter: result.RetryAfter,
			}
		}
	}

	validated, err := e.validator.Validate(ctx, req.Authorization)
	if err != nil {
		switch {
		case errors.Is(err, apikey.ErrMalformedKey),
			errors.Is(err, apikey.ErrUnknownKey),
			errors.Is(err, apikey.ErrBadSecret),
			errors.Is(err, apikey.ErrRevoked):
			return Decision{Kind: DecisionDenied, Code: apperrors.ErrCodeUnauthorized, Message: "Invalid API key"}
		default:
			e.logger.Error().Err(err).Msg("key validation failed")
			return Decision{Kind: DecisionDenied, Code: apperrors.ErrCodeInternalError}
		}
	}

	cost, err := e.pricing.Quote(ctx, req.Model, req.Prompt, req.MaxTokens)
	if err != nil {
		e.logger.Error().Err(err).Str("model", req.Model).Msg("pricing quote failed")
		return Decision{Kind: DecisionDenied, Code: apperrors.ErrCodeInternalError}
	}

	err = e.ledger.Debit(ctx, validated.AccountKey(), req.RequestID, cost.Total.Micros())
	switch {
	case err == nil, errors.Is(err, ledger.ErrDuplicateRequest):
		// A duplicate request id means this exact request already paid.
	case errors.Is(err, ledger.ErrCreditsLocked):
		return Decision{
			Kind:    DecisionDenied,
			Code:    apperrors.ErrCodeCreditsLocked,
			Message: x402.GetUserFriendlyMessage(apperrors.ErrCodeCreditsLocked),
			Cost:    cost,
		}
	case errors.Is(err, ledger.ErrNoBalance), errors.Is(err, ledger.ErrInsufficient):
		return Decision{
			Kind:    DecisionDenied,
			Code:    apperrors.ErrCodeInsufficientBalance,
			Message: x402.GetUserFriendlyMessage(apperrors.ErrCodeInsufficientBalance),
			Cost:    cost,
		}
	default:
		e.logger.Error().Err(err).Str("key_id", validated.KeyID).Msg("ledger debit failed")
		return Decision{Kind: DecisionDenied, Code: apperrors.ErrCodeInternalError}
	}

	if e.billing != nil {
		e.billing.Record(ctx, storage.BillingEvent{
			RequestID:  req.RequestID,
			TenantID:   validated.TenantID,
			EventType:  "key_debit",
			Method:     "api_key",
			AccountKey: validated.AccountKey(),
			Amount:     cost.Total.Micros(),
			Model:      req.Model,
			CreatedAt:  e.clock.Now(),
		})
	}
	return Decision{Kind: DecisionKeyAuth, Key: &validated, Cost: cost}
}

func (e *Engine) decideReceipt(ctx context.Context, req Request) Decision {
	receipt, err := x402.ParseReceipt(req.ReceiptTxHash, req.ReceiptNonce)
	if err != nil {
		return Decision{Kind: DecisionDenied, Code: apperrors.ErrCodeInvalidRequest, Message: err.Error()}
	}

	verified, err := e.verifier.Verify(ctx, receipt, ChallengeRequest{
		Path:      req.Path,
		Method:    req.Method,
		TokenID:   e.tokenID,
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		var vErr x402.VerificationError
		if errors.As(err, &vErr) {
			return Decision{Kind: DecisionDenied, Code: vErr.Code, Message: vErr.Message}
		}
		e.logger.Error().Err(err).Msg("receipt verification failed")
		return Decision{Kind: DecisionDenied, Code: apperrors.ErrCodeInternalError}
	}

	if e.billing != nil {
		e.billing.Record(ctx, storage.BillingEvent{
			RequestID:  req.RequestID,
			EventType:  "x402_receipt",
			Method:     "x402",
			AccountKey: "wallet:" + verified.Payer,
			Amount:     verified.AmountAtomic,
			Model:      req.Model,
			CreatedAt:  e.clock.Now(),
		})
	}
	return Decision{Kind: DecisionReceipt, Receipt: &verified}
}

func (e *Engine) decideChallenge(ctx context.Context, req Request) Decision {
	cost, err := e.pricing.Quote(ctx, req.Model, req.Prompt, req.MaxTokens)
	if err != nil {
		e.logger.Error().Err(err).Str("model", req.Model).Msg("pricing quote failed")
		return Decision{Kind: DecisionDenied, Code: apperrors.ErrCodeInternalError}
	}
	ch, err := e.issuer.Issue(ctx, ChallengeRequest{
		Path:      req.Path,
		Method:    req.Method,
		TokenID:   e.tokenID,
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Amount:    cost.Total,
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("challenge issuance failed")
		return Decision{Kind: DecisionDenied, Code: apperrors.ErrCodeInternalError}
	}
	return Decision{Kind: DecisionNeedsPayment, Challenge: &ch, Cost: cost, Code: apperrors.ErrCodePaymentRequired}
}

// keyIdentity is the admission-counter identity for a presented key: a
// fixed-length prefix, never the secret half.
func keyIdentity(token string) string {
	if len(token) > 32 {
		return token[:32]
	}
	return token
}

// admissionCode maps a denial reason onto the response taxonomy: shared
// daily budgets (the global cap and the cost ceiling) are 503s, the
// per-identity tier is a 429.
func admissionCode(reason kv.Status) apperrors.ErrorCode {
	switch reason {
	case kv.StatusGlobalCapExceeded, kv.StatusCostCeilingExceeded:
		return apperrors.ErrCodeGlobalLimit
	default:
		return apperrors.ErrCodeRateLimited
	}
}
