package grants

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/config"
	"github.com/dekapay/gateway/internal/kv"
	"github.com/dekapay/gateway/internal/ledger"
	"github.com/dekapay/gateway/internal/storage"
)

func newService(t *testing.T) (*Service, *ledger.Ledger) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	kvStore := kv.NewMemoryStore(clk)
	t.Cleanup(func() { kvStore.Close() })
	led := ledger.New(ledger.Options{
		Store:  storage.NewMemoryStore(),
		KV:     kvStore,
		Clock:  clk,
		Logger: zerolog.Nop(),
	})
	s := NewService(config.StripeConfig{WebhookSecret: "whsec_test"}, led, nil, nil, zerolog.Nop())
	return s, led
}

func TestApplyGrantsBalance(t *testing.T) {
	ctx := context.Background()
	s, led := newService(t)

	err := s.Apply(ctx, GrantEvent{
		EventID:     "evt_1",
		SessionID:   "cs_1",
		AccountKey:  "key:abc123",
		AmountCents: 2500,
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	account, err := led.Balance(ctx, "key:abc123")
	if err != nil || account.Unlocked != 25_000_000 {
		t.Fatalf("unlocked = %d, %v, want $25 in micros", account.Unlocked, err)
	}
}

func TestApplyRedeliveredEventCreditsOnce(t *testing.T) {
	ctx := context.Background()
	s, led := newService(t)

	event := GrantEvent{EventID: "evt_1", SessionID: "cs_1", AccountKey: "wallet:0xabc", AmountCents: 1000}
	for i := 0; i < 3; i++ {
		if err := s.Apply(ctx, event); err != nil {
			t.Fatalf("Apply %d: %v", i, err)
		}
	}

	account, err := led.Balance(ctx, "wallet:0xabc")
	if err != nil || account.Unlocked != 10_000_000 {
		t.Fatalf("unlocked = %d, %v (webhook redelivery double-credited)", account.Unlocked, err)
	}
}

func TestApplyRejectsMissingAccount(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)

	err := s.Apply(ctx, GrantEvent{EventID: "evt_1", AmountCents: 1000})
	if !errors.Is(err, ErrNoAccountKey) {
		t.Fatalf("err = %v", err)
	}
}

func TestApplyRejectsNonPositiveAmount(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)

	if err := s.Apply(ctx, GrantEvent{EventID: "evt_1", AccountKey: "key:abc", AmountCents: 0}); err == nil {
		t.Fatal("zero amount accepted")
	}
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)

	err := s.HandleWebhook(ctx, []byte(`{}`), "t=1,v1=bad")
	if err == nil {
		t.Fatal("unsigned webhook accepted")
	}
}
