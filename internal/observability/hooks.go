// Package observability fans domain events out to pluggable hooks. Hooks
// run synchronously but are isolated: a panicking hook is recovered and
// logged, and hook return values cannot influence the request path.
package observability

import (
	"context"
	"time"
)

// PaymentObservedEvent fires once per completed paid request, after the
// response has been committed.
type PaymentObservedEvent struct {
	Method      string // api_key, x402, free
	Model       string
	AmountMicro int64
	Outcome     string // "ok" or the error code returned to the client
	Duration    time.Duration
}

// BreakerTransitionEvent fires on every provider breaker state change.
type BreakerTransitionEvent struct {
	Provider string
	From     string
	To       string
	At       time.Time
}

// DivergenceEvent fires for each account whose cached balance disagreed
// with the journal during reconciliation.
type DivergenceEvent struct {
	Account      string
	CachedMicro  int64
	DerivedMicro int64
	Trigger      string
}

// PaymentHook observes completed paid requests.
type PaymentHook interface {
	Name() string
	OnPaymentObserved(ctx context.Context, event PaymentObservedEvent)
}

// BreakerHook observes provider breaker transitions.
type BreakerHook interface {
	Name() string
	OnBreakerTransition(ctx context.Context, event BreakerTransitionEvent)
}

// DivergenceHook observes reconciliation divergences.
type DivergenceHook interface {
	Name() string
	OnDivergence(ctx context.Context, event DivergenceEvent)
}
