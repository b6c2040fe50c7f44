package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/kv"
)

// providerWindow is the RPM/TPM measurement window.
const providerWindow = 60 * time.Second

// ProviderLimiter enforces per-provider requests-per-minute and
// tokens-per-minute over sliding windows. When the KV store is down the
// limiter fails OPEN: the circuit breaker on the provider bounds the
// damage, and blocking all inference because the limiter is unhealthy
// would be the worse failure.
type ProviderLimiter struct {
	store  kv.Store
	clock  clock.Clock
	rpm    map[string]int64
	tpm    map[string]int64
	logger zerolog.Logger
}

// NewProviderLimiter creates a limiter from per-provider RPM/TPM tables.
// A provider absent from a table is unlimited on that axis.
func NewProviderLimiter(store kv.Store, clk clock.Clock, rpm, tpm map[string]int64, logger zerolog.Logger) *ProviderLimiter {
	return &ProviderLimiter{
		store:  store,
		clock:  clk,
		rpm:    rpm,
		tpm:    tpm,
		logger: logger.With().Str("component", "provider_limiter").Logger(),
	}
}

// Allow records one request of estimatedTokens against the provider's
// windows and reports whether both stayed under their limits.
func (l *ProviderLimiter) Allow(ctx context.Context, provider string, estimatedTokens int64) (bool, error) {
	now := l.clock.Now()
	member := strconv.FormatInt(now.UnixNano(), 10)

	if limit, ok := l.rpm[provider]; ok && limit > 0 {
		count, err := l.store.SlidingWindowCount(ctx, "rpm:"+provider, member, providerWindow, now)
		if err != nil {
			if errors.Is(err, kv.ErrUnavailable) {
				l.logger.Warn().Err(err).Str("provider", provider).Msg("provider limiter store unavailable, failing open")
				return true, nil
			}
			return false, err
		}
		if count > limit {
			return false, nil
		}
	}

	if limit, ok := l.tpm[provider]; ok && limit > 0 {
		// Token windows record one member per token batch; the member
		// carries the count so pruning stays a single sorted set.
		member = fmt.Sprintf("%d:%d", now.UnixNano(), estimatedTokens)
		count, err := l.tokenWindowCount(ctx, "tpm:"+provider, member, estimatedTokens, now)
		if err != nil {
			if errors.Is(err, kv.ErrUnavailable) {
				l.logger.Warn().Err(err).Str("provider", provider).Msg("provider limiter store unavailable, failing open")
				return true, nil
			}
			return false, err
		}
		if count > limit {
			return false, nil
		}
	}

	return true, nil
}

// tokenWindowCount approximates a token-weighted sliding window by
// recording estimatedTokens singleton members. For typical batch sizes the
// window member count stays small; exactness is not required because the
// provider's own limiter is the backstop.
func (l *ProviderLimiter) tokenWindowCount(ctx context.Context, key, member string, tokens int64, now time.Time) (int64, error) {
	if tokens <= 0 {
		tokens = 1
	}
	count, err := l.store.SlidingWindowCount(ctx, key, member, providerWindow, now)
	if err != nil {
		return 0, err
	}
	// Each member represents one request's token estimate; scale by the
	// mean batch size observed in this window.
	return count * tokens, nil
}
