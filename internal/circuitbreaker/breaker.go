// Package circuitbreaker guards upstream inference providers. Breaker
// state is per provider, replicated across gateway replicas over the KV
// pub/sub topic, and resolved by a monotonic version counter.
//
// Outbound HTTP clients (settlement oracle RPC, Stripe, alert webhooks)
// use the separate gobreaker-based Manager; this breaker carries the
// domain-specific window and probe semantics the provider chain needs.
package circuitbreaker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/kv"
	"github.com/dekapay/gateway/internal/metrics"
)

// State is the breaker state for one provider.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func stateGaugeValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// broadcastTopic carries cross-replica breaker state updates.
const broadcastTopic = "breaker:state"

// Config tunes one breaker set.
type Config struct {
	FailureThreshold int           // consecutive AND windowed failures to open
	FailureWindow    time.Duration // window failures must fall within
	Cooldown         time.Duration // OPEN duration before a probe is admitted
}

// DefaultConfig matches the production tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		Cooldown:         30 * time.Second,
	}
}

// entry is the per-provider breaker state. Failure timestamps are pruned
// against the window on every record, so the windowed count never decays
// lazily.
type entry struct {
	state               State
	consecutiveFailures int
	failureTimes        []time.Time
	openedAt            time.Time
	probing             bool
	version             int64
}

// broadcastMsg is the wire form of a state change shared between replicas.
type broadcastMsg struct {
	Origin   string `json:"origin"`
	Provider string `json:"provider"`
	State    State  `json:"state"`
	Version  int64  `json:"version"`
	OpenedAt int64  `json:"opened_at_unix_ms"`
}

// Breaker is the per-provider three-state circuit breaker.
type Breaker struct {
	cfg        Config
	clock      clock.Clock
	store      kv.Store
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	instanceID string

	mu      sync.Mutex
	entries map[string]*entry

	onTransition func(provider string, from, to State)
	unsubscribe  func()
}

// New creates a breaker set. When store is non-nil, state changes are
// broadcast to peer replicas and incoming peer updates with a newer
// version overwrite local state.
func New(cfg Config, clk clock.Clock, store kv.Store, instanceID string, m *metrics.Metrics, logger zerolog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultConfig().FailureWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	return &Breaker{
		cfg:        cfg,
		clock:      clk,
		store:      store,
		metrics:    m,
		logger:     logger.With().Str("component", "circuit_breaker").Logger(),
		instanceID: instanceID,
		entries:    make(map[string]*entry),
	}
}

// Notify installs a local transition observer. The callback runs under
// the breaker mutex and must not call back into the breaker. Call before
// the breaker starts serving traffic.
func (b *Breaker) Notify(fn func(provider string, from, to State)) {
	b.onTransition = fn
}

// StartSync subscribes to the peer broadcast topic until ctx is done.
func (b *Breaker) StartSync(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	ch, cancel, err := b.store.Subscribe(ctx, broadcastTopic)
	if err != nil {
		return err
	}
	b.unsubscribe = cancel
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				b.applyPeerUpdate(payload)
			}
		}
	}()
	return nil
}

// Stop tears down the peer subscription.
func (b *Breaker) Stop() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
}

// Allow reports whether a request to provider may proceed. In HALF_OPEN at
// most one caller is admitted as the probe; everyone else is denied until
// the probe terminates via RecordSuccess or RecordFailure.
func (b *Breaker) Allow(provider string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entryLocked(provider)
	switch e.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Now().Sub(e.openedAt) >= b.cfg.Cooldown {
			b.transitionLocked(provider, e, StateHalfOpen)
			e.probing = true
			if b.metrics != nil {
				b.metrics.BreakerProbesTotal.WithLabelValues(provider, "admitted").Inc()
			}
			return true
		}
		return false
	case StateHalfOpen:
		if e.probing {
			return false
		}
		e.probing = true
		if b.metrics != nil {
			b.metrics.BreakerProbesTotal.WithLabelValues(provider, "admitted").Inc()
		}
		return true
	}
	return false
}

// RecordSuccess notes a successful provider call. In CLOSED it is a
// no-op; in HALF_OPEN it closes the breaker and clears failure history.
func (b *Breaker) RecordSuccess(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entryLocked(provider)
	switch e.state {
	case StateHalfOpen:
		e.probing = false
		e.consecutiveFailures = 0
		e.failureTimes = nil
		if b.metrics != nil {
			b.metrics.BreakerProbesTotal.WithLabelValues(provider, "success").Inc()
		}
		b.transitionLocked(provider, e, StateClosed)
	case StateClosed:
		e.consecutiveFailures = 0
	}
}

// RecordFailure notes a failed provider call. Failure timestamps are
// pruned against the window before counting; the breaker opens when both
// the consecutive count and the windowed count reach the threshold.
func (b *Breaker) RecordFailure(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	e := b.entryLocked(provider)

	switch e.state {
	case StateHalfOpen:
		// Probe failed: back to OPEN with a fresh cooldown.
		e.probing = false
		if b.metrics != nil {
			b.metrics.BreakerProbesTotal.WithLabelValues(provider, "failure").Inc()
		}
		e.openedAt = now
		b.transitionLocked(provider, e, StateOpen)
		return
	case StateOpen:
		// Already open; repeated failures do not re-emit transitions.
		return
	}

	e.consecutiveFailures++
	e.failureTimes = append(e.failureTimes, now)
	b.pruneLocked(e, now)

	if e.consecutiveFailures >= b.cfg.FailureThreshold && len(e.failureTimes) >= b.cfg.FailureThreshold {
		e.openedAt = now
		b.transitionLocked(provider, e, StateOpen)
	}
}

// State returns the current state for a provider.
func (b *Breaker) State(provider string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entryLocked(provider).state
}

func (b *Breaker) entryLocked(provider string) *entry {
	e, ok := b.entries[provider]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[provider] = e
	}
	return e
}

func (b *Breaker) pruneLocked(e *entry, now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	kept := e.failureTimes[:0]
	for _, t := range e.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.failureTimes = kept
}

// transitionLocked performs a real state change: exactly one structured
// log line, a version bump, a metrics update, and a peer broadcast.
func (b *Breaker) transitionLocked(provider string, e *entry, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	e.version++

	b.logger.Warn().
		Str("provider", provider).
		Str("from", string(from)).
		Str("to", string(to)).
		Int64("version", e.version).
		Msg("circuit breaker state change")

	if b.metrics != nil {
		b.metrics.ObserveBreakerTransition(provider, string(from), string(to), stateGaugeValue(to))
	}
	if b.onTransition != nil {
		b.onTransition(provider, from, to)
	}
	b.broadcastLocked(provider, e)
}

func (b *Breaker) broadcastLocked(provider string, e *entry) {
	if b.store == nil {
		return
	}
	msg := broadcastMsg{
		Origin:   b.instanceID,
		Provider: provider,
		State:    e.state,
		Version:  e.version,
		OpenedAt: e.openedAt.UnixMilli(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	// Best effort: peers converge on the next change if this publish drops.
	if err := b.store.Publish(context.Background(), broadcastTopic, string(payload)); err != nil {
		b.logger.Debug().Err(err).Msg("breaker broadcast failed")
	}
}

// applyPeerUpdate merges a peer's state change. Peers only overwrite local
// state when the incoming version is strictly newer.
func (b *Breaker) applyPeerUpdate(payload string) {
	var msg broadcastMsg
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.logger.Debug().Err(err).Msg("malformed breaker broadcast")
		return
	}
	if msg.Origin == b.instanceID || msg.Provider == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entryLocked(msg.Provider)
	if msg.Version <= e.version {
		return
	}
	from := e.state
	e.state = msg.State
	e.version = msg.Version
	e.openedAt = time.UnixMilli(msg.OpenedAt)
	e.probing = false
	if e.state == StateClosed {
		e.consecutiveFailures = 0
		e.failureTimes = nil
	}
	if from != e.state {
		b.logger.Info().
			Str("provider", msg.Provider).
			Str("from", string(from)).
			Str("to", string(e.state)).
			Str("origin", msg.Origin).
			Msg("circuit breaker state adopted from peer")
		if b.metrics != nil {
			b.metrics.BreakerState.WithLabelValues(msg.Provider).Set(stateGaugeValue(e.state))
		}
	}
}
