// Package dispatch forwards admitted chat requests to inference
// providers. Providers form an ordered chain; each dispatch walks the
// chain and hands the request to the first provider whose circuit breaker
// and rate limiter both admit it. LLM adapters are out of scope here: the
// Dispatcher interface is the boundary, and the shipped Echo
// implementation exists for local runs and tests.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/circuitbreaker"
	"github.com/dekapay/gateway/internal/pricing"
	"github.com/dekapay/gateway/internal/ratelimit"
)

var (
	// ErrAllProvidersOpen means every provider in the chain was held back
	// by its breaker or limiter. Maps to 503.
	ErrAllProvidersOpen = errors.New("dispatch: all providers unavailable")

	// ErrUpstream wraps a provider-side failure. Maps to 502.
	ErrUpstream = errors.New("dispatch: upstream provider error")
)

// ChatRequest is one admitted inference request.
type ChatRequest struct {
	Model     string
	Prompt    string
	MaxTokens int
	RequestID string
}

// ChatResponse is the provider's answer plus measured usage.
type ChatResponse struct {
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Output       string        `json:"output"`
	Usage        pricing.Usage `json:"usage"`
	FinishReason string        `json:"finish_reason"`
}

// Dispatcher executes one request against one provider.
type Dispatcher interface {
	Dispatch(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// Provider pairs a chain position with its adapter.
type Provider struct {
	Name       string
	Dispatcher Dispatcher
}

// Chain walks providers in order under breaker and limiter control.
type Chain struct {
	providers []Provider
	breaker   *circuitbreaker.Breaker
	limiter   *ratelimit.ProviderLimiter
	logger    zerolog.Logger
}

// NewChain builds a provider chain. The limiter may be nil.
func NewChain(providers []Provider, breaker *circuitbreaker.Breaker, limiter *ratelimit.ProviderLimiter, logger zerolog.Logger) *Chain {
	return &Chain{
		providers: providers,
		breaker:   breaker,
		limiter:   limiter,
		logger:    logger.With().Str("component", "dispatch").Logger(),
	}
}

// Dispatch sends the request to the first admissible provider. A provider
// failure records against its breaker and does not fail over: the caller
// already holds a debit for this request, and retrying a possibly
// side-effecting inference call is the client's decision.
func (c *Chain) Dispatch(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	for _, p := range c.providers {
		if c.limiter != nil {
			ok, err := c.limiter.Allow(ctx, p.Name, int64(req.MaxTokens))
			if err != nil {
				c.logger.Warn().Err(err).Str("provider", p.Name).Msg("provider limiter check failed")
			}
			if err == nil && !ok {
				continue
			}
		}
		if !c.breaker.Allow(p.Name) {
			continue
		}

		resp, err := p.Dispatcher.Dispatch(ctx, req)
		if err != nil {
			c.breaker.RecordFailure(p.Name)
			return ChatResponse{}, fmt.Errorf("%w: %s: %v", ErrUpstream, p.Name, err)
		}
		c.breaker.RecordSuccess(p.Name)
		resp.Provider = p.Name
		return resp, nil
	}
	return ChatResponse{}, ErrAllProvidersOpen
}

// Echo is the stub dispatcher shipped for local runs: it reflects the
// prompt back and reports estimated usage.
type Echo struct{}

// Dispatch implements Dispatcher.
func (Echo) Dispatch(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return ChatResponse{}, err
	}
	return ChatResponse{
		Model:  req.Model,
		Output: req.Prompt,
		Usage: pricing.Usage{
			InputTokens:  pricing.EstimateTokens(req.Prompt),
			OutputTokens: pricing.EstimateTokens(req.Prompt),
		},
		FinishReason: "stop",
	}, nil
}
