package reconcile

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/config"
	"github.com/dekapay/gateway/internal/kv"
	"github.com/dekapay/gateway/internal/ledger"
	"github.com/dekapay/gateway/internal/storage"
	"github.com/dekapay/gateway/internal/wal"
)

type alertRecorder struct {
	mu     sync.Mutex
	alerts []string
}

func (a *alertRecorder) Publish(_ context.Context, alertType string, _ interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alertType)
	return nil
}

func setup(t *testing.T) (*ledger.Ledger, kv.Store, string, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	kvStore := kv.NewMemoryStore(clk)
	t.Cleanup(func() { kvStore.Close() })

	dir := t.TempDir()
	journal, err := wal.Open(wal.Options{
		Dir:    dir,
		IDs:    clock.NewIDGenerator(clk),
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	l := ledger.New(ledger.Options{
		Store:   store,
		KV:      kvStore,
		Journal: journal,
		Clock:   clk,
		IDs:     clock.NewIDGenerator(clk),
		Logger:  zerolog.Nop(),
	})
	return l, kvStore, dir, clk
}

func TestRunRepairsCorruptedCache(t *testing.T) {
	ctx := context.Background()
	l, kvStore, dir, clk := setup(t)

	if err := l.Grant(ctx, "key:abc", 1000, "manual", ""); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := l.Debit(ctx, "key:abc", "req_1", 300); err != nil {
		t.Fatalf("Debit: %v", err)
	}

	// Corrupt the cache behind the ledger's back.
	if err := kvStore.Set(ctx, "balance:key:abc", "999999", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	alerts := &alertRecorder{}
	r := New(Options{
		WALDir: dir,
		KV:     kvStore,
		Clock:  clk,
		Alerts: alerts,
		Config: config.ReconcileConfig{},
		Logger: zerolog.Nop(),
	})

	summary, err := r.Run(ctx, "on_demand")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(summary.Divergences) != 1 {
		t.Fatalf("divergences = %d, want 1", len(summary.Divergences))
	}
	d := summary.Divergences[0]
	if d.Account != "key:abc" || d.Cached != 999999 || d.Derived != 700 {
		t.Fatalf("divergence = %+v", d)
	}

	raw, found, err := kvStore.Get(ctx, "balance:key:abc")
	if err != nil || !found {
		t.Fatalf("Get after repair: %q %v %v", raw, found, err)
	}
	if got, _ := strconv.ParseInt(raw, 10, 64); got != 700 {
		t.Fatalf("cache after repair = %d, want 700", got)
	}
	if len(alerts.alerts) != 1 || alerts.alerts[0] != "balance_divergence" {
		t.Fatalf("alerts = %v", alerts.alerts)
	}
}

func TestRunCleanCacheNoAlerts(t *testing.T) {
	ctx := context.Background()
	l, kvStore, dir, clk := setup(t)

	if err := l.Grant(ctx, "key:abc", 500, "manual", ""); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	res, err := l.Reserve(ctx, "key:abc", 200)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := l.Finalize(ctx, res.ID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	alerts := &alertRecorder{}
	r := New(Options{
		WALDir: dir,
		KV:     kvStore,
		Clock:  clk,
		Alerts: alerts,
		Config: config.ReconcileConfig{},
		Logger: zerolog.Nop(),
	})
	summary, err := r.Run(ctx, "on_demand")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(summary.Divergences) != 0 {
		t.Fatalf("clean cache reported divergences: %+v", summary.Divergences)
	}
	if summary.DriftMicroUSD != 0 || summary.DriftExceeded {
		t.Fatalf("clean cache reported drift: %+v", summary)
	}
	if len(alerts.alerts) != 0 {
		t.Fatalf("clean run published alerts: %v", alerts.alerts)
	}
}

func TestDriftThreshold(t *testing.T) {
	ctx := context.Background()
	l, kvStore, dir, clk := setup(t)

	if err := l.Grant(ctx, "key:abc", 10000, "manual", ""); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	// Nudge the cache by more than the tolerated rounding drift.
	if err := kvStore.Set(ctx, "balance:key:abc", "8000", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	r := New(Options{
		WALDir: dir,
		KV:     kvStore,
		Clock:  clk,
		Config: config.ReconcileConfig{DriftThresholdMicros: 1000},
		Logger: zerolog.Nop(),
	})
	summary, err := r.Run(ctx, "on_demand")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.DriftMicroUSD != 2000 {
		t.Fatalf("drift = %d, want 2000", summary.DriftMicroUSD)
	}
	if !summary.DriftExceeded {
		t.Fatal("drift beyond threshold not flagged")
	}
}
