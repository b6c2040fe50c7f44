package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/kv"
	"github.com/dekapay/gateway/internal/storage"
	"github.com/dekapay/gateway/internal/wal"
)

type journalRecorder struct {
	mu      sync.Mutex
	entries []JournalEntry
}

func (j *journalRecorder) Append(_ context.Context, _ int64, _ string, payload interface{}) (wal.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, payload.(JournalEntry))
	return wal.Entry{}, nil
}

func testLedger(t *testing.T) (*Ledger, storage.Store, *journalRecorder, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	kvStore := kv.NewMemoryStore(clk)
	t.Cleanup(func() { kvStore.Close() })
	journal := &journalRecorder{}
	l := New(Options{
		Store:   store,
		KV:      kvStore,
		Journal: journal,
		Clock:   clk,
		IDs:     clock.NewIDGenerator(clk),
		Logger:  zerolog.Nop(),
	})
	return l, store, journal, clk
}

func fund(t *testing.T, l *Ledger, key string, amount int64) {
	t.Helper()
	if err := l.Grant(context.Background(), key, amount, "manual", ""); err != nil {
		t.Fatalf("Grant: %v", err)
	}
}

func TestReserveFinalizeMovesValue(t *testing.T) {
	ctx := context.Background()
	l, _, journal, _ := testLedger(t)
	fund(t, l, "key:abc", 1000)

	res, err := l.Reserve(ctx, "key:abc", 300)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	account, _ := l.Balance(ctx, "key:abc")
	if account.Unlocked != 700 || account.Reserved != 300 {
		t.Fatalf("after reserve: unlocked=%d reserved=%d", account.Unlocked, account.Reserved)
	}

	if err := l.Finalize(ctx, res.ID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	account, _ = l.Balance(ctx, "key:abc")
	if account.Unlocked != 700 || account.Reserved != 0 || account.Consumed != 300 {
		t.Fatalf("after finalize: %+v", account)
	}

	// Every journal entry is zero-sum.
	for _, entry := range journal.entries {
		if !entry.ZeroSum() {
			t.Fatalf("non-zero-sum journal entry: %+v", entry)
		}
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	ctx := context.Background()
	l, _, _, _ := testLedger(t)
	fund(t, l, "key:abc", 1000)

	res, err := l.Reserve(ctx, "key:abc", 400)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := l.Finalize(ctx, res.ID); err != nil {
		t.Fatalf("first Finalize: %v", err)
	}
	if err := l.Finalize(ctx, res.ID); !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("second Finalize err = %v, want ErrReservationNotFound", err)
	}
	if err := l.Rollback(ctx, res.ID); !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("Rollback after Finalize err = %v, want ErrReservationNotFound", err)
	}

	account, _ := l.Balance(ctx, "key:abc")
	if account.Consumed != 400 || account.Total() != 1000 {
		t.Fatalf("repeat terminations changed balances: %+v", account)
	}
}

func TestRollbackRestoresUnlocked(t *testing.T) {
	ctx := context.Background()
	l, _, _, _ := testLedger(t)
	fund(t, l, "key:abc", 500)

	res, err := l.Reserve(ctx, "key:abc", 500)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := l.Rollback(ctx, res.ID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	account, _ := l.Balance(ctx, "key:abc")
	if account.Unlocked != 500 || account.Reserved != 0 {
		t.Fatalf("after rollback: %+v", account)
	}
}

func TestReservePrecedence(t *testing.T) {
	ctx := context.Background()
	l, store, _, _ := testLedger(t)

	// Locked credits beat empty.
	if err := store.PutAccount(ctx, storage.Account{Key: "key:locked", Allocated: 900}); err != nil {
		t.Fatalf("PutAccount: %v", err)
	}
	if _, err := l.Reserve(ctx, "key:locked", 100); !errors.Is(err, ErrCreditsLocked) {
		t.Fatalf("locked account err = %v, want ErrCreditsLocked", err)
	}

	// Empty beats partial.
	if _, err := l.Reserve(ctx, "key:empty", 100); !errors.Is(err, ErrNoBalance) {
		t.Fatalf("empty account err = %v, want ErrNoBalance", err)
	}

	fund(t, l, "key:partial", 50)
	if _, err := l.Reserve(ctx, "key:partial", 100); !errors.Is(err, ErrInsufficient) {
		t.Fatalf("partial account err = %v, want ErrInsufficient", err)
	}
}

func TestReservationExpiresOnRead(t *testing.T) {
	ctx := context.Background()
	l, _, _, clk := testLedger(t)
	fund(t, l, "key:abc", 1000)

	res, err := l.Reserve(ctx, "key:abc", 250)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	clk.Advance(DefaultReservationTTL + time.Second)

	if err := l.Finalize(ctx, res.ID); !errors.Is(err, ErrReservationExpired) {
		t.Fatalf("Finalize past TTL err = %v, want ErrReservationExpired", err)
	}
	account, _ := l.Balance(ctx, "key:abc")
	if account.Unlocked != 1000 || account.Reserved != 0 {
		t.Fatalf("expiry did not release the hold: %+v", account)
	}
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	l, _, _, clk := testLedger(t)
	fund(t, l, "key:abc", 1000)

	if _, err := l.Reserve(ctx, "key:abc", 100); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	clk.Advance(time.Minute)
	if _, err := l.Reserve(ctx, "key:abc", 200); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	clk.Advance(DefaultReservationTTL - time.Minute)

	// Only the first reservation has lapsed.
	swept, err := l.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept %d reservations, want 1", swept)
	}
	account, _ := l.Balance(ctx, "key:abc")
	if account.Unlocked != 800 || account.Reserved != 200 {
		t.Fatalf("after sweep: %+v", account)
	}
}

func TestDebitIdempotentOnRequestID(t *testing.T) {
	ctx := context.Background()
	l, _, _, _ := testLedger(t)
	fund(t, l, "key:abc", 1000)

	if err := l.Debit(ctx, "key:abc", "req_1", 300); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if err := l.Debit(ctx, "key:abc", "req_1", 300); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("retried Debit err = %v, want ErrDuplicateRequest", err)
	}
	account, _ := l.Balance(ctx, "key:abc")
	if account.Unlocked != 700 || account.Consumed != 300 {
		t.Fatalf("retry double-billed: %+v", account)
	}
}

func TestDebitRetryAfterInsufficientIsNotDuplicate(t *testing.T) {
	ctx := context.Background()
	l, _, _, _ := testLedger(t)
	fund(t, l, "key:abc", 100)

	// The failed attempt must not burn the request id.
	if err := l.Debit(ctx, "key:abc", "req_1", 300); !errors.Is(err, ErrInsufficient) {
		t.Fatalf("Debit err = %v, want ErrInsufficient", err)
	}

	// After a top-up the same request retries and bills exactly once.
	fund(t, l, "key:abc", 900)
	if err := l.Debit(ctx, "key:abc", "req_1", 300); err != nil {
		t.Fatalf("retried Debit: %v", err)
	}
	account, _ := l.Balance(ctx, "key:abc")
	if account.Unlocked != 700 || account.Consumed != 300 {
		t.Fatalf("after retry: %+v", account)
	}

	// The guard holds once the debit lands.
	if err := l.Debit(ctx, "key:abc", "req_1", 300); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("third Debit err = %v, want ErrDuplicateRequest", err)
	}
}

func TestGrantIdempotentOnEventID(t *testing.T) {
	ctx := context.Background()
	l, _, _, _ := testLedger(t)

	if err := l.Grant(ctx, "key:abc", 500, "stripe", "evt_1"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := l.Grant(ctx, "key:abc", 500, "stripe", "evt_1"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("replayed Grant err = %v, want ErrDuplicateRequest", err)
	}
	account, _ := l.Balance(ctx, "key:abc")
	if account.Unlocked != 500 {
		t.Fatalf("replayed grant double-credited: %+v", account)
	}
}

func TestConcurrentReservesNeverOverspend(t *testing.T) {
	ctx := context.Background()
	l, _, _, _ := testLedger(t)
	fund(t, l, "key:abc", 1000)

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve(ctx, "key:abc", 101); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 9 {
		t.Fatalf("wins = %d, want exactly 9 (1000 / 101)", wins)
	}
	account, _ := l.Balance(ctx, "key:abc")
	if account.Unlocked != 1000-9*101 || account.Reserved != 9*101 {
		t.Fatalf("balances after race: %+v", account)
	}
	if account.Total() != 1000 {
		t.Fatalf("total drifted to %d", account.Total())
	}
}

func TestConservationRejectsUnbalancedEntry(t *testing.T) {
	ctx := context.Background()
	l, _, _, clk := testLedger(t)
	fund(t, l, "key:abc", 100)

	account, _ := l.Balance(ctx, "key:abc")
	entry := JournalEntry{
		EventType:  EventDebit,
		AccountKey: "key:abc",
		At:         clk.Now(),
		Legs: []Leg{
			{Account: "key:abc", Counter: CounterUnlocked, Delta: -60},
			{Account: "key:abc", Counter: CounterConsumed, Delta: 50},
		},
	}
	l.mu.Lock()
	err := l.commitLocked(ctx, account, entry)
	l.mu.Unlock()
	if !errors.Is(err, ErrConservation) {
		t.Fatalf("err = %v, want ErrConservation", err)
	}

	account, _ = l.Balance(ctx, "key:abc")
	if account.Unlocked != 100 || account.Consumed != 0 {
		t.Fatalf("violating entry mutated balances: %+v", account)
	}
}
