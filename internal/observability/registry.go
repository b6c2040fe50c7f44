package observability

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Registry dispatches events to registered hooks. A nil *Registry is
// valid and drops every event, so callers never need to guard emits.
type Registry struct {
	mu              sync.RWMutex
	paymentHooks    []PaymentHook
	breakerHooks    []BreakerHook
	divergenceHooks []DivergenceHook
	logger          zerolog.Logger
}

// NewRegistry creates an empty hook registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{logger: logger}
}

// RegisterPaymentHook adds a payment hook.
func (r *Registry) RegisterPaymentHook(hook PaymentHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paymentHooks = append(r.paymentHooks, hook)
	r.logger.Info().Str("hook", hook.Name()).Msg("registered payment hook")
}

// RegisterBreakerHook adds a breaker transition hook.
func (r *Registry) RegisterBreakerHook(hook BreakerHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakerHooks = append(r.breakerHooks, hook)
	r.logger.Info().Str("hook", hook.Name()).Msg("registered breaker hook")
}

// RegisterDivergenceHook adds a divergence hook.
func (r *Registry) RegisterDivergenceHook(hook DivergenceHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.divergenceHooks = append(r.divergenceHooks, hook)
	r.logger.Info().Str("hook", hook.Name()).Msg("registered divergence hook")
}

// EmitPaymentObserved dispatches to all payment hooks.
func (r *Registry) EmitPaymentObserved(ctx context.Context, event PaymentObservedEvent) {
	if r == nil {
		return
	}
	r.mu.RLock()
	hooks := r.paymentHooks
	r.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer r.recoverPanic("OnPaymentObserved", hook.Name())
			hook.OnPaymentObserved(ctx, event)
		}()
	}
}

// EmitBreakerTransition dispatches to all breaker hooks.
func (r *Registry) EmitBreakerTransition(ctx context.Context, event BreakerTransitionEvent) {
	if r == nil {
		return
	}
	r.mu.RLock()
	hooks := r.breakerHooks
	r.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer r.recoverPanic("OnBreakerTransition", hook.Name())
			hook.OnBreakerTransition(ctx, event)
		}()
	}
}

// EmitDivergence dispatches to all divergence hooks.
func (r *Registry) EmitDivergence(ctx context.Context, event DivergenceEvent) {
	if r == nil {
		return
	}
	r.mu.RLock()
	hooks := r.divergenceHooks
	r.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer r.recoverPanic("OnDivergence", hook.Name())
			hook.OnDivergence(ctx, event)
		}()
	}
}

// recoverPanic keeps one bad hook from taking down the request path.
func (r *Registry) recoverPanic(method, hookName string) {
	if err := recover(); err != nil {
		r.logger.Error().
			Str("hook", hookName).
			Str("method", method).
			Interface("panic", err).
			Msg("observability hook panicked (recovered)")
	}
}
