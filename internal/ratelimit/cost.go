package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/kv"
	"github.com/dekapay/gateway/internal/metrics"
)

// ErrCostCeiling reports that the daily cost ceiling cannot admit the
// estimated spend.
var ErrCostCeiling = errors.New("ratelimit: daily cost ceiling exceeded")

// ErrCostUnavailable reports that the reservation store was unreachable.
// Cost reservation fails CLOSED: spend must never silently pass the
// ceiling just because the counter is down.
var ErrCostUnavailable = errors.New("ratelimit: cost reservation store unavailable")

// CostLimiter reserves forecast request cost against a daily ceiling
// before dispatch, and reconciles the reservation against actual cost
// afterwards.
type CostLimiter struct {
	store        kv.Store
	clock        clock.Clock
	ids          *clock.IDGenerator
	ceilingCents int64
	metrics      *metrics.Metrics
	logger       zerolog.Logger
}

// NewCostLimiter creates a cost limiter with the given daily ceiling.
func NewCostLimiter(store kv.Store, clk clock.Clock, ids *clock.IDGenerator, ceilingCents int64, m *metrics.Metrics, logger zerolog.Logger) *CostLimiter {
	return &CostLimiter{
		store:        store,
		clock:        clk,
		ids:          ids,
		ceilingCents: ceilingCents,
		metrics:      m,
		logger:       logger.With().Str("component", "cost_limiter").Logger(),
	}
}

// CostReservation is a successfully reserved slice of the daily ceiling.
// Release reconciles it against the actual cost exactly once.
type CostReservation struct {
	ID             string
	EstimatedCents int64

	limiter *CostLimiter
	key     string

	mu       sync.Mutex
	released bool
}

// Reserve atomically adds estimatedCents to today's cost counter iff the
// result stays at or under the ceiling.
func (l *CostLimiter) Reserve(ctx context.Context, estimatedCents int64) (*CostReservation, error) {
	if estimatedCents < 0 {
		return nil, fmt.Errorf("ratelimit: negative cost estimate %d", estimatedCents)
	}
	key := costCounterKey(clock.UTCDate(l.clock.Now()))

	status, _, err := l.store.ConditionalIncrBy(ctx, key, estimatedCents, l.ceilingCents, 48*time.Hour)
	if err != nil {
		if errors.Is(err, kv.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrCostUnavailable, err)
		}
		return nil, err
	}
	if status != kv.StatusOK {
		if l.metrics != nil {
			l.metrics.ObserveAdmission("cost_ceiling", "denied")
		}
		return nil, ErrCostCeiling
	}

	if l.metrics != nil {
		l.metrics.CostReservedTotal.Add(float64(estimatedCents))
	}
	return &CostReservation{
		ID:             l.ids.Nonce(),
		EstimatedCents: estimatedCents,
		limiter:        l,
		key:            key,
	}, nil
}

// Release reconciles the reservation against the actual cost. A positive
// delta (actual above estimate) is added unconditionally; a negative delta
// is clamped so the counter never goes below zero. Release is idempotent:
// the first call wins and later calls are no-ops.
func (r *CostReservation) Release(ctx context.Context, actualCents int64) error {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return nil
	}
	r.released = true
	r.mu.Unlock()

	delta := actualCents - r.EstimatedCents
	if delta == 0 {
		return nil
	}

	l := r.limiter
	if delta > 0 {
		_, err := l.store.IncrBy(ctx, r.key, delta)
		return err
	}

	// Refund: clamp to the current counter so concurrent refunds cannot
	// drive it negative.
	raw, ok, err := l.store.Get(ctx, r.key)
	if err != nil || !ok {
		return err
	}
	var current int64
	if _, scanErr := fmt.Sscanf(raw, "%d", &current); scanErr != nil {
		return fmt.Errorf("ratelimit: corrupt cost counter %q", raw)
	}
	refund := -delta
	if refund > current {
		refund = current
	}
	if refund == 0 {
		return nil
	}
	if _, err := l.store.IncrBy(ctx, r.key, -refund); err != nil {
		return err
	}
	if l.metrics != nil {
		l.metrics.CostReleasedTotal.Add(float64(refund))
	}
	return nil
}
