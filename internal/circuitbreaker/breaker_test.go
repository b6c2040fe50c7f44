package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/kv"
)

func newTestBreaker(clk clock.Clock, store kv.Store, instance string) *Breaker {
	return New(Config{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		Cooldown:         30 * time.Second,
	}, clk, store, instance, nil, zerolog.Nop())
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	b := newTestBreaker(clk, nil, "a")

	for i := 0; i < 2; i++ {
		b.RecordFailure("openai")
		if b.State("openai") != StateClosed {
			t.Fatalf("opened before threshold at failure %d", i+1)
		}
	}
	b.RecordFailure("openai")
	if b.State("openai") != StateOpen {
		t.Fatal("breaker not open after threshold failures")
	}
	if b.Allow("openai") {
		t.Fatal("open breaker admitted a request")
	}

	// Repeated failures while OPEN do not change version (no re-emission).
	v := b.entries["openai"].version
	b.RecordFailure("openai")
	if b.entries["openai"].version != v {
		t.Fatal("failure while OPEN re-emitted a transition")
	}
}

func TestBreakerWindowPruningPreventsSlowFailures(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	b := newTestBreaker(clk, nil, "a")

	// Three failures, but spread beyond the window: pruning keeps the
	// windowed count below threshold even though the consecutive count
	// reaches it.
	b.RecordFailure("openai")
	clk.Advance(45 * time.Second)
	b.RecordFailure("openai")
	clk.Advance(45 * time.Second)
	b.RecordFailure("openai")

	if b.State("openai") != StateClosed {
		t.Fatal("breaker opened on failures outside the window")
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	b := newTestBreaker(clk, nil, "a")

	for i := 0; i < 3; i++ {
		b.RecordFailure("openai")
	}
	clk.Advance(30 * time.Second)

	if !b.Allow("openai") {
		t.Fatal("probe not admitted after cooldown")
	}
	if b.State("openai") != StateHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", b.State("openai"))
	}
	if b.Allow("openai") {
		t.Fatal("second request admitted while probe in flight")
	}

	b.RecordSuccess("openai")
	if b.State("openai") != StateClosed {
		t.Fatal("probe success did not close breaker")
	}
	if !b.Allow("openai") {
		t.Fatal("closed breaker denied a request")
	}

	// Failures were cleared: it takes a full threshold to open again.
	b.RecordFailure("openai")
	if b.State("openai") != StateClosed {
		t.Fatal("breaker reopened on a single failure after reset")
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	b := newTestBreaker(clk, nil, "a")

	for i := 0; i < 3; i++ {
		b.RecordFailure("openai")
	}
	clk.Advance(30 * time.Second)
	if !b.Allow("openai") {
		t.Fatal("probe not admitted")
	}
	b.RecordFailure("openai")

	if b.State("openai") != StateOpen {
		t.Fatal("probe failure did not reopen breaker")
	}
	// Fresh cooldown from the probe failure.
	clk.Advance(15 * time.Second)
	if b.Allow("openai") {
		t.Fatal("request admitted mid-cooldown after probe failure")
	}
	clk.Advance(15 * time.Second)
	if !b.Allow("openai") {
		t.Fatal("probe not admitted after fresh cooldown")
	}
}

func TestBreakerPeerSyncNewerVersionWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	store := kv.NewMemoryStore(clk)
	defer store.Close()

	a := newTestBreaker(clk, store, "replica-a")
	peer := newTestBreaker(clk, store, "replica-b")
	if err := peer.StartSync(ctx); err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	defer peer.Stop()

	for i := 0; i < 3; i++ {
		a.RecordFailure("openai")
	}

	deadline := time.After(2 * time.Second)
	for peer.State("openai") != StateOpen {
		select {
		case <-deadline:
			t.Fatal("peer did not adopt OPEN state")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// A stale (lower-version) update must not win.
	peer.applyPeerUpdate(`{"origin":"replica-a","provider":"openai","state":"CLOSED","version":0}`)
	if peer.State("openai") != StateOpen {
		t.Fatal("stale peer update overwrote newer state")
	}
}
