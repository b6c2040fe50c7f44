package ratelimit

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/dekapay/gateway/internal/errors"
)

// EdgeConfig tunes the HTTP-edge per-IP limiter placed in front of cheap
// unauthenticated endpoints (challenge issuance, auth nonce). This is a
// coarse in-process guard; the daily admission tiers run separately inside
// the payment decision.
type EdgeConfig struct {
	Enabled           bool
	RequestsPerMinute int
}

// DefaultEdgeConfig returns generous defaults that stop obvious spam
// without restricting legitimate clients.
func DefaultEdgeConfig() EdgeConfig {
	return EdgeConfig{Enabled: true, RequestsPerMinute: 120}
}

// EdgeLimiter creates a per-IP limiter middleware for the HTTP edge.
func EdgeLimiter(cfg EdgeConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		cfg.RequestsPerMinute,
		time.Minute,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			errors.WriteErrorRetryAfter(w, errors.ErrCodeRateLimited,
				"Rate limit exceeded. Please try again later.", 60)
		}),
	)
}
