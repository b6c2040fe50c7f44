package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreAtomicDebit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.PutAccount(ctx, Account{Key: "key:abc", Unlocked: 1000}); err != nil {
		t.Fatalf("PutAccount: %v", err)
	}

	account, err := store.AtomicDebit(ctx, "key:abc", 400)
	if err != nil {
		t.Fatalf("AtomicDebit: %v", err)
	}
	if account.Unlocked != 600 || account.Reserved != 400 {
		t.Fatalf("unexpected balances: unlocked=%d reserved=%d", account.Unlocked, account.Reserved)
	}

	if _, err := store.AtomicDebit(ctx, "key:abc", 700); !errors.Is(err, ErrInsufficient) {
		t.Fatalf("expected ErrInsufficient, got %v", err)
	}
	if _, err := store.AtomicDebit(ctx, "key:missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreConcurrentDebitsNeverOverspend(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.PutAccount(ctx, Account{Key: "key:race", Unlocked: 1000}); err != nil {
		t.Fatalf("PutAccount: %v", err)
	}

	const workers = 20
	const amount = 101 // at most 9 of 20 can win

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.AtomicDebit(ctx, "key:race", amount); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1000/amount {
		t.Fatalf("expected %d winners, got %d", 1000/amount, wins)
	}
	account, _ := store.GetAccount(ctx, "key:race")
	if account.Unlocked < 0 {
		t.Fatalf("unlocked went negative: %d", account.Unlocked)
	}
	if account.Unlocked+account.Reserved != 1000 {
		t.Fatalf("balance not conserved: unlocked=%d reserved=%d", account.Unlocked, account.Reserved)
	}
}

func TestMemoryStoreBillingDuplicateRequestID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	event := BillingEvent{EventID: "e1", RequestID: "req-1", EventType: "key_debit", CreatedAt: time.Now()}
	if err := store.AppendBillingEvent(ctx, event); err != nil {
		t.Fatalf("first append: %v", err)
	}
	event.EventID = "e2"
	if err := store.AppendBillingEvent(ctx, event); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	events, err := store.ListBillingEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListBillingEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
}

func TestMemoryStoreAlertQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	id, err := store.EnqueueAlert(ctx, PendingAlert{AlertType: "divergence", Payload: []byte(`{}`), NextAttemptAt: now, CreatedAt: now})
	if err != nil {
		t.Fatalf("EnqueueAlert: %v", err)
	}

	ready, err := store.DequeueAlerts(ctx, now, 10)
	if err != nil || len(ready) != 1 {
		t.Fatalf("DequeueAlerts: %v (%d alerts)", err, len(ready))
	}

	if err := store.MarkAlertProcessing(ctx, id); err != nil {
		t.Fatalf("MarkAlertProcessing: %v", err)
	}
	// Processing alerts are not dequeued again.
	if ready, _ = store.DequeueAlerts(ctx, now, 10); len(ready) != 0 {
		t.Fatalf("processing alert re-dequeued")
	}

	if err := store.MarkAlertFailed(ctx, id, "connection refused", now.Add(time.Minute), false); err != nil {
		t.Fatalf("MarkAlertFailed: %v", err)
	}
	if ready, _ = store.DequeueAlerts(ctx, now, 10); len(ready) != 0 {
		t.Fatalf("backed-off alert dequeued early")
	}
	if ready, _ = store.DequeueAlerts(ctx, now.Add(2*time.Minute), 10); len(ready) != 1 {
		t.Fatalf("alert not requeued after backoff")
	}

	if err := store.MarkAlertFailed(ctx, id, "still failing", now, true); err != nil {
		t.Fatalf("MarkAlertFailed to DLQ: %v", err)
	}
	dlq, err := store.ListAlerts(ctx, AlertDLQ, 10)
	if err != nil || len(dlq) != 1 {
		t.Fatalf("expected 1 DLQ alert, got %d (%v)", len(dlq), err)
	}

	if err := store.RequeueAlert(ctx, id); err != nil {
		t.Fatalf("RequeueAlert: %v", err)
	}
	if ready, _ = store.DequeueAlerts(ctx, now, 10); len(ready) != 1 {
		t.Fatalf("requeued alert not pending")
	}

	if err := store.MarkAlertDelivered(ctx, id); err != nil {
		t.Fatalf("MarkAlertDelivered: %v", err)
	}
	if all, _ := store.ListAlerts(ctx, "", 10); len(all) != 0 {
		t.Fatalf("delivered alert still queued")
	}
}

func TestMemoryStoreAPIKeyLookup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	key := APIKey{KeyID: "k1", Wallet: "0xabc", LookupHash: "lh1", SecretHash: "sh1", CreatedAt: time.Now()}
	if err := store.SaveAPIKey(ctx, key); err != nil {
		t.Fatalf("SaveAPIKey: %v", err)
	}

	got, err := store.GetAPIKeyByLookupHash(ctx, "lh1")
	if err != nil || got.KeyID != "k1" {
		t.Fatalf("GetAPIKeyByLookupHash: %v %+v", err, got)
	}

	if err := store.RevokeAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}
	got, _ = store.GetAPIKey(ctx, "k1")
	if !got.Revoked {
		t.Fatal("key not revoked")
	}

	keys, _ := store.ListAPIKeysByWallet(ctx, "0xabc")
	if len(keys) != 1 {
		t.Fatalf("expected 1 key for wallet, got %d", len(keys))
	}
}
