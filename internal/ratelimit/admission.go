// Package ratelimit implements the three admission-control surfaces in
// front of paid inference: the daily three-tier admission check, the
// atomic daily cost reservation, and the per-provider RPM/TPM sliding
// windows. Each surface carries its own unavailability policy: admission
// fails open onto a strict in-process fallback, cost reservation fails
// closed, and provider windows fail open.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/kv"
	"github.com/dekapay/gateway/internal/metrics"
)

// IdentityKind distinguishes anonymous callers from key-authenticated ones.
type IdentityKind string

const (
	IdentityIP  IdentityKind = "ip"
	IdentityKey IdentityKind = "key"
)

// Identity names one admission subject. For keys the value is a prefix of
// the key hash, never the full secret.
type Identity struct {
	Kind  IdentityKind
	Value string
}

func (id Identity) counterKey(date string) string {
	return fmt.Sprintf("%s:%s:%s", id.Kind, id.Value, date)
}

// Result is the admission verdict for one request.
type Result struct {
	Allowed    bool
	Reason     kv.Status // set when denied
	RetryAfter int       // seconds until the daily window resets
}

// AdmissionConfig tunes the daily three-tier check.
type AdmissionConfig struct {
	PublicDailyLimit        int64
	AuthenticatedDailyLimit int64
	DailyCap                int64 // global requests per UTC day
	CostCeilingCents        int64
	FallbackCacheSize       int // LRU entries for the fail-open path
}

// AdmissionLimiter runs the three-tier recipe: daily cost ceiling, then
// per-identity daily count, then the global daily cap, incrementing the
// last two only when all three pass.
//
// When the KV store is unreachable the limiter fails OPEN through an
// in-process fallback that admits at most one request per second per
// identity. The fallback is strictly tighter than any configured daily
// limit (86400/day), so an outage never grants more than the policy would.
type AdmissionLimiter struct {
	store    kv.Store
	clock    clock.Clock
	cfg      AdmissionConfig
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	fallback *fallbackLimiter
}

// NewAdmissionLimiter creates an admission limiter.
func NewAdmissionLimiter(store kv.Store, clk clock.Clock, cfg AdmissionConfig, m *metrics.Metrics, logger zerolog.Logger) (*AdmissionLimiter, error) {
	if cfg.FallbackCacheSize <= 0 {
		cfg.FallbackCacheSize = 10_000
	}
	fb, err := newFallbackLimiter(cfg.FallbackCacheSize, clk)
	if err != nil {
		return nil, err
	}
	return &AdmissionLimiter{
		store:    store,
		clock:    clk,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With().Str("component", "admission_limiter").Logger(),
		fallback: fb,
	}, nil
}

// Check admits or denies one request for the given identity.
func (l *AdmissionLimiter) Check(ctx context.Context, id Identity) (Result, error) {
	now := l.clock.Now()
	date := clock.UTCDate(now)
	retryAfter := clock.SecondsUntilUTCMidnight(now)

	identityCap := l.cfg.PublicDailyLimit
	if id.Kind == IdentityKey {
		identityCap = l.cfg.AuthenticatedDailyLimit
	}

	req := kv.TieredRequest{
		CostKey:     costCounterKey(date),
		CostCeiling: l.cfg.CostCeilingCents,
		IdentityKey: id.counterKey(date),
		IdentityCap: identityCap,
		GlobalKey:   "global:" + date,
		GlobalCap:   l.cfg.DailyCap,
		TTL:         48 * time.Hour,
	}

	result, err := l.store.TieredAllow(ctx, req)
	if err != nil {
		if !errors.Is(err, kv.ErrUnavailable) {
			return Result{}, err
		}
		// Store down: strict in-process fallback, never an outage free-for-all.
		l.logger.Warn().Err(err).Msg("admission store unavailable, using in-process fallback")
		if l.metrics != nil {
			l.metrics.LimiterFallbackTotal.Inc()
		}
		if l.fallback.allow(id) {
			return Result{Allowed: true}, nil
		}
		return Result{Allowed: false, Reason: kv.StatusIdentityLimited, RetryAfter: 1}, nil
	}

	switch result.Status {
	case kv.StatusAllowed:
		l.observe("identity", "allowed")
		return Result{Allowed: true}, nil
	case kv.StatusCostCeilingExceeded:
		l.observe("cost_ceiling", "denied")
		return Result{Allowed: false, Reason: result.Status, RetryAfter: retryAfter}, nil
	case kv.StatusIdentityLimited:
		l.observe("identity", "denied")
		return Result{Allowed: false, Reason: result.Status, RetryAfter: retryAfter}, nil
	case kv.StatusGlobalCapExceeded:
		l.observe("global", "denied")
		return Result{Allowed: false, Reason: result.Status, RetryAfter: retryAfter}, nil
	default:
		return Result{}, fmt.Errorf("ratelimit: unexpected admission status %q", result.Status)
	}
}

func (l *AdmissionLimiter) observe(tier, outcome string) {
	if l.metrics != nil {
		l.metrics.ObserveAdmission(tier, outcome)
	}
}

func costCounterKey(date string) string {
	return "cost:" + date
}

// fallbackLimiter is the fail-open path: a bounded LRU of last-seen times
// admitting one request per second per identity.
type fallbackLimiter struct {
	mu    sync.Mutex
	seen  *lru.Cache
	clock clock.Clock
}

func newFallbackLimiter(size int, clk clock.Clock) (*fallbackLimiter, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &fallbackLimiter{seen: cache, clock: clk}, nil
}

func (f *fallbackLimiter) allow(id Identity) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock.Now()
	key := string(id.Kind) + ":" + id.Value
	if last, ok := f.seen.Get(key); ok {
		if now.Sub(last.(time.Time)) < time.Second {
			return false
		}
	}
	f.seen.Add(key, now)
	return true
}
