// Package rpcutil wraps outbound RPC calls with bounded exponential
// backoff. Only transient failures are retried; chain-level outcomes like
// a missing transaction are returned immediately so the caller's own
// semantics (settlement not found, execution reverted) stay intact.
package rpcutil

import (
	"context"
	"strings"
	"time"

	"github.com/dekapay/gateway/internal/logger"
)

// Config bounds the retry loop.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultConfig retries three times starting at 100ms.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
	}
}

// WithRetry runs operation with the default retry policy.
func WithRetry[T any](ctx context.Context, operation func() (T, error)) (T, error) {
	return WithRetryConfig(ctx, DefaultConfig(), operation)
}

// WithRetryConfig runs operation, retrying transient failures with
// exponential backoff (100ms, 200ms, 400ms at the defaults). Context
// cancellation and non-retryable errors return immediately.
func WithRetryConfig[T any](ctx context.Context, cfg Config, operation func() (T, error)) (T, error) {
	var result T
	var err error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err = operation()
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return result, err
		}
		if !isRetryable(err) {
			return result, err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		delay := cfg.BaseDelay * time.Duration(1<<uint(attempt))
		log := logger.FromContext(ctx)
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", cfg.MaxRetries+1).
			Dur("retry_delay", delay).
			Msg("rpc retry")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}
	return result, err
}

// isRetryable classifies transport-level trouble as retryable and
// everything else as final.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	// Network errors
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "temporary failure") ||
		strings.Contains(msg, "network") {
		return true
	}
	// Rate limiting
	if strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "throttle") {
		return true
	}
	// Server-side 5xx from the RPC endpoint
	if strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "gateway timeout") {
		return true
	}
	return false
}
