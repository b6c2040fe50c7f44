package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/kv"
)

func testClock() *clock.Manual {
	return clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func newAdmission(t *testing.T, store kv.Store, clk clock.Clock, cfg AdmissionConfig) *AdmissionLimiter {
	t.Helper()
	l, err := NewAdmissionLimiter(store, clk, cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAdmissionLimiter: %v", err)
	}
	return l
}

func TestAdmissionIdentityLimit(t *testing.T) {
	ctx := context.Background()
	clk := testClock()
	store := kv.NewMemoryStore(clk)
	defer store.Close()

	limiter := newAdmission(t, store, clk, AdmissionConfig{
		PublicDailyLimit:        2,
		AuthenticatedDailyLimit: 5,
		DailyCap:                100,
		CostCeilingCents:        1000,
	})

	id := Identity{Kind: IdentityIP, Value: "203.0.113.7"}
	for i := 0; i < 2; i++ {
		res, err := limiter.Check(ctx, id)
		if err != nil || !res.Allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i, res.Allowed, err)
		}
	}

	res, err := limiter.Check(ctx, id)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Allowed || res.Reason != kv.StatusIdentityLimited {
		t.Fatalf("expected identity denial, got %+v", res)
	}
	if res.RetryAfter != clock.SecondsUntilUTCMidnight(clk.Now()) {
		t.Fatalf("retry_after=%d, want seconds to UTC midnight", res.RetryAfter)
	}

	// A different identity is unaffected.
	other, _ := limiter.Check(ctx, Identity{Kind: IdentityIP, Value: "203.0.113.8"})
	if !other.Allowed {
		t.Fatal("unrelated identity denied")
	}
}

func TestAdmissionWindowResetsAtMidnight(t *testing.T) {
	ctx := context.Background()
	clk := testClock()
	store := kv.NewMemoryStore(clk)
	defer store.Close()

	limiter := newAdmission(t, store, clk, AdmissionConfig{
		PublicDailyLimit: 1,
		DailyCap:         100,
		CostCeilingCents: 1000,
	})

	id := Identity{Kind: IdentityIP, Value: "198.51.100.4"}
	if res, _ := limiter.Check(ctx, id); !res.Allowed {
		t.Fatal("first request denied")
	}
	if res, _ := limiter.Check(ctx, id); res.Allowed {
		t.Fatal("second request allowed over daily limit")
	}

	clk.Advance(13 * time.Hour) // past midnight UTC
	if res, _ := limiter.Check(ctx, id); !res.Allowed {
		t.Fatal("request denied after window reset")
	}
}

func TestAdmissionGlobalCap(t *testing.T) {
	ctx := context.Background()
	clk := testClock()
	store := kv.NewMemoryStore(clk)
	defer store.Close()

	limiter := newAdmission(t, store, clk, AdmissionConfig{
		PublicDailyLimit: 100,
		DailyCap:         3,
		CostCeilingCents: 1000,
	})

	for i := 0; i < 3; i++ {
		id := Identity{Kind: IdentityIP, Value: fmt.Sprintf("10.0.0.%d", i)}
		if res, _ := limiter.Check(ctx, id); !res.Allowed {
			t.Fatalf("request %d denied before cap", i)
		}
	}
	res, _ := limiter.Check(ctx, Identity{Kind: IdentityIP, Value: "10.0.0.99"})
	if res.Allowed || res.Reason != kv.StatusGlobalCapExceeded {
		t.Fatalf("expected global cap denial, got %+v", res)
	}
}

// unavailableStore wraps the memory store and makes every recipe report
// transport failure.
type unavailableStore struct {
	*kv.MemoryStore
}

func (s unavailableStore) TieredAllow(context.Context, kv.TieredRequest) (kv.TieredResult, error) {
	return kv.TieredResult{}, fmt.Errorf("%w: connection refused", kv.ErrUnavailable)
}

func (s unavailableStore) ConditionalIncrBy(context.Context, string, int64, int64, time.Duration) (kv.Status, int64, error) {
	return "", 0, fmt.Errorf("%w: connection refused", kv.ErrUnavailable)
}

func TestAdmissionFailsOpenAtOneRPS(t *testing.T) {
	ctx := context.Background()
	clk := testClock()
	mem := kv.NewMemoryStore(clk)
	defer mem.Close()

	limiter := newAdmission(t, unavailableStore{mem}, clk, AdmissionConfig{
		PublicDailyLimit: 100,
		DailyCap:         100,
		CostCeilingCents: 1000,
	})

	id := Identity{Kind: IdentityIP, Value: "192.0.2.1"}
	if res, err := limiter.Check(ctx, id); err != nil || !res.Allowed {
		t.Fatalf("fallback should admit first request: %+v %v", res, err)
	}
	if res, _ := limiter.Check(ctx, id); res.Allowed {
		t.Fatal("fallback admitted a second request within one second")
	}
	clk.Advance(time.Second)
	if res, _ := limiter.Check(ctx, id); !res.Allowed {
		t.Fatal("fallback denied after one second")
	}
}

func TestCostReserveFailsClosedWhenUnavailable(t *testing.T) {
	ctx := context.Background()
	clk := testClock()
	mem := kv.NewMemoryStore(clk)
	defer mem.Close()

	limiter := NewCostLimiter(unavailableStore{mem}, clk, clock.NewIDGenerator(clk), 1000, nil, zerolog.Nop())
	if _, err := limiter.Reserve(ctx, 10); !errors.Is(err, ErrCostUnavailable) {
		t.Fatalf("expected ErrCostUnavailable, got %v", err)
	}
}

func TestCostReserveCeilingAndRelease(t *testing.T) {
	ctx := context.Background()
	clk := testClock()
	store := kv.NewMemoryStore(clk)
	defer store.Close()

	limiter := NewCostLimiter(store, clk, clock.NewIDGenerator(clk), 100, nil, zerolog.Nop())

	res1, err := limiter.Reserve(ctx, 60)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := limiter.Reserve(ctx, 60); !errors.Is(err, ErrCostCeiling) {
		t.Fatalf("expected ErrCostCeiling, got %v", err)
	}

	// Actual cost was 40: the 20-cent difference is refunded.
	if err := res1.Release(ctx, 40); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := limiter.Reserve(ctx, 60); err != nil {
		t.Fatalf("Reserve after refund: %v", err)
	}
}

func TestCostReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clk := testClock()
	store := kv.NewMemoryStore(clk)
	defer store.Close()

	limiter := NewCostLimiter(store, clk, clock.NewIDGenerator(clk), 100, nil, zerolog.Nop())
	res, err := limiter.Reserve(ctx, 50)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := res.Release(ctx, 0); err != nil {
			t.Fatalf("Release %d: %v", i, err)
		}
	}

	// All 50 cents refunded exactly once: a fresh 100-cent reserve fits.
	if _, err := limiter.Reserve(ctx, 100); err != nil {
		t.Fatalf("Reserve after idempotent release: %v", err)
	}
}

func TestCostReleaseClampsRefundToCounter(t *testing.T) {
	ctx := context.Background()
	clk := testClock()
	store := kv.NewMemoryStore(clk)
	defer store.Close()

	limiter := NewCostLimiter(store, clk, clock.NewIDGenerator(clk), 1000, nil, zerolog.Nop())
	res, err := limiter.Reserve(ctx, 30)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// Drain the counter behind the reservation's back; the refund must
	// clamp to zero rather than driving the counter negative.
	key := costCounterKey(clock.UTCDate(clk.Now()))
	if _, err := store.IncrBy(ctx, key, -30); err != nil {
		t.Fatalf("IncrBy: %v", err)
	}
	if err := res.Release(ctx, 0); err != nil {
		t.Fatalf("Release: %v", err)
	}
	raw, ok, _ := store.Get(ctx, key)
	if ok && raw != "0" {
		t.Fatalf("counter went negative or nonzero: %q", raw)
	}
}

func TestProviderLimiterRPM(t *testing.T) {
	ctx := context.Background()
	clk := testClock()
	store := kv.NewMemoryStore(clk)
	defer store.Close()

	limiter := NewProviderLimiter(store, clk, map[string]int64{"openai": 2}, nil, zerolog.Nop())

	for i := 0; i < 2; i++ {
		clk.Advance(time.Millisecond)
		ok, err := limiter.Allow(ctx, "openai", 0)
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	clk.Advance(time.Millisecond)
	if ok, _ := limiter.Allow(ctx, "openai", 0); ok {
		t.Fatal("third request within window allowed")
	}

	clk.Advance(2 * time.Minute)
	if ok, _ := limiter.Allow(ctx, "openai", 0); !ok {
		t.Fatal("request denied after window passed")
	}

	// Unlimited provider is never blocked.
	for i := 0; i < 10; i++ {
		clk.Advance(time.Millisecond)
		if ok, _ := limiter.Allow(ctx, "anthropic", 0); !ok {
			t.Fatal("unlimited provider denied")
		}
	}
}
