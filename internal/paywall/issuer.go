// Package paywall decides how a request pays. The issuer mints signed
// x402 challenges for unauthenticated callers; the verifier redeems the
// settlement receipts that come back; the decision engine routes every
// request down exactly one branch: free, API key, receipt, challenge, or
// rejection.
package paywall

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/config"
	"github.com/dekapay/gateway/internal/kv"
	"github.com/dekapay/gateway/internal/money"
	"github.com/dekapay/gateway/internal/signer"
	"github.com/dekapay/gateway/pkg/x402"
)

// challengeKey is where an issued challenge waits for its receipt.
func challengeKey(nonce string) string {
	return "challenge:" + nonce
}

// Issuer mints payment challenges. Each challenge binds to the exact
// request tuple it was issued for, carries a fresh nonce, and is signed so
// the gateway can later verify its own issuance without a database read.
type Issuer struct {
	kv        kv.Store
	signer    *signer.Signer
	clock     clock.Clock
	ids       *clock.IDGenerator
	ttl       time.Duration
	recipient string
	chainID   int64
	token     string
	logger    zerolog.Logger
}

// IssuerOptions wires an Issuer.
type IssuerOptions struct {
	KV     kv.Store
	Signer *signer.Signer
	Clock  clock.Clock
	IDs    *clock.IDGenerator
	Config config.PaywallConfig
	Logger zerolog.Logger
}

// NewIssuer creates an Issuer.
func NewIssuer(opts IssuerOptions) *Issuer {
	ttl := opts.Config.ChallengeTTL.Duration
	if ttl <= 0 {
		ttl = x402.DefaultChallengeTTL
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	ids := opts.IDs
	if ids == nil {
		ids = clock.NewIDGenerator(clk)
	}
	return &Issuer{
		kv:        opts.KV,
		signer:    opts.Signer,
		clock:     clk,
		ids:       ids,
		ttl:       ttl,
		recipient: strings.ToLower(opts.Config.Recipient),
		chainID:   opts.Config.ChainID,
		token:     strings.ToLower(opts.Config.Token),
		logger:    opts.Logger.With().Str("component", "challenge_issuer").Logger(),
	}
}

// ChallengeRequest is the request tuple a challenge binds to.
type ChallengeRequest struct {
	Path      string
	Method    string
	TokenID   string // stablecoin identifier bound into the request hash
	Model     string
	MaxTokens int
	Amount    money.MicroUSD
}

// Issue mints, signs, and stores a challenge for the request.
func (i *Issuer) Issue(ctx context.Context, req ChallengeRequest) (x402.Challenge, error) {
	now := i.clock.Now()
	ch := x402.Challenge{
		Nonce:          i.ids.Nonce(),
		Amount:         req.Amount.Atomic(),
		Recipient:      i.recipient,
		ChainID:        i.chainID,
		Token:          i.token,
		ExpiresAt:      now.Add(i.ttl).Truncate(time.Second),
		RequestPath:    req.Path,
		RequestMethod:  strings.ToUpper(req.Method),
		RequestBinding: x402.RequestBinding(req.Path, req.Method, req.TokenID, req.Model, req.MaxTokens),
	}
	ch.HMAC = i.signer.Sign(ch.SigningFields())

	encoded, err := json.Marshal(ch)
	if err != nil {
		return x402.Challenge{}, fmt.Errorf("paywall: encode challenge: %w", err)
	}
	if err := i.kv.Set(ctx, challengeKey(ch.Nonce), string(encoded), i.ttl); err != nil {
		return x402.Challenge{}, fmt.Errorf("paywall: store challenge: %w", err)
	}
	i.logger.Debug().
		Str("nonce", ch.Nonce).
		Str("amount", ch.Amount).
		Str("request_binding", ch.RequestBinding).
		Msg("challenge issued")
	return ch, nil
}

// load retrieves a stored challenge by nonce.
func (i *Issuer) load(ctx context.Context, nonce string) (x402.Challenge, bool, error) {
	raw, found, err := i.kv.Get(ctx, challengeKey(nonce))
	if err != nil || !found {
		return x402.Challenge{}, false, err
	}
	var ch x402.Challenge
	if err := json.Unmarshal([]byte(raw), &ch); err != nil {
		return x402.Challenge{}, false, fmt.Errorf("paywall: corrupt stored challenge: %w", err)
	}
	return ch, true, nil
}
