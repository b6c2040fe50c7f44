package paywall

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/config"
	"github.com/dekapay/gateway/internal/creditnote"
	apperrors "github.com/dekapay/gateway/internal/errors"
	"github.com/dekapay/gateway/internal/kv"
	"github.com/dekapay/gateway/internal/money"
	"github.com/dekapay/gateway/internal/oracle"
	"github.com/dekapay/gateway/internal/signer"
	"github.com/dekapay/gateway/internal/storage"
	"github.com/dekapay/gateway/pkg/x402"
)

const (
	testRecipient = "0x1111111111111111111111111111111111111111"
	testToken     = "0x2222222222222222222222222222222222222222"
	testPayer     = "0x3333333333333333333333333333333333333333"
	testTxHash    = "0x" + "ab12" + "ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12"
	testChainID   = int64(8453)
)

type verifierFixture struct {
	clk      *clock.Manual
	kvStore  *kv.MemoryStore
	store    *storage.MemoryStore
	issuer   *Issuer
	verifier *Verifier
	oracle   *oracle.StaticOracle
	notes    *creditnote.Service
}

func newVerifierFixture(t *testing.T, noteCap int64) *verifierFixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC))
	kvStore := kv.NewMemoryStore(clk)
	t.Cleanup(func() { kvStore.Close() })
	store := storage.NewMemoryStore()

	sgn, err := signer.New("verifier-test-secret")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	issuer := NewIssuer(IssuerOptions{
		KV:     kvStore,
		Signer: sgn,
		Clock:  clk,
		Config: config.PaywallConfig{
			ChallengeTTL: config.Duration{Duration: 5 * time.Minute},
			Recipient:    testRecipient,
			ChainID:      testChainID,
			Token:        testToken,
		},
		Logger: zerolog.Nop(),
	})
	chainOracle := oracle.NewStaticOracle()
	notes := creditnote.New(creditnote.Options{
		KV:     kvStore,
		Store:  store,
		Clock:  clk,
		Cap:    noteCap,
		Logger: zerolog.Nop(),
	})
	verifier := NewVerifier(VerifierOptions{
		Issuer:      issuer,
		KV:          kvStore,
		Signer:      sgn,
		Oracle:      chainOracle,
		CreditNotes: notes,
		Store:       store,
		Clock:       clk,
		Logger:      zerolog.Nop(),
	})
	return &verifierFixture{
		clk:      clk,
		kvStore:  kvStore,
		store:    store,
		issuer:   issuer,
		verifier: verifier,
		oracle:   chainOracle,
		notes:    notes,
	}
}

func (f *verifierFixture) request() ChallengeRequest {
	return ChallengeRequest{
		Path:      "/agent/chat",
		Method:    "POST",
		TokenID:   testToken,
		Model:     "openai/gpt-4o",
		MaxTokens: 1000,
		Amount:    money.MicroUSD(10_000),
	}
}

func (f *verifierFixture) issue(t *testing.T) x402.Challenge {
	t.Helper()
	ch, err := f.issuer.Issue(context.Background(), f.request())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return ch
}

func (f *verifierFixture) settle(amount int64) {
	f.oracle.Add(x402.Settlement{
		TxHash:        testTxHash,
		From:          testPayer,
		To:            testRecipient,
		Token:         testToken,
		ChainID:       testChainID,
		AmountAtomic:  amount,
		Confirmations: 3,
	})
}

func verificationCode(t *testing.T, err error) apperrors.ErrorCode {
	t.Helper()
	var vErr x402.VerificationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want VerificationError", err)
	}
	return vErr.Code
}

func TestVerifyHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newVerifierFixture(t, 0)
	ch := f.issue(t)
	f.settle(10_000)

	verified, err := f.verifier.Verify(ctx, x402.Receipt{TxHash: testTxHash, Nonce: ch.Nonce}, f.request())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verified.Payer != testPayer || verified.AmountAtomic != 10_000 {
		t.Fatalf("verified = %+v", verified)
	}
	if verified.Overpayment != 0 || verified.CreditNoteID != "" {
		t.Fatalf("exact payment produced surplus: %+v", verified)
	}
}

func TestVerifyUnknownChallenge(t *testing.T) {
	ctx := context.Background()
	f := newVerifierFixture(t, 0)
	f.settle(10_000)

	receipt := x402.Receipt{TxHash: testTxHash, Nonce: "00000000-0000-4000-8000-000000000000"}
	_, err := f.verifier.Verify(ctx, receipt, f.request())
	if code := verificationCode(t, err); code != apperrors.ErrCodeChallengeUnknown {
		t.Fatalf("code = %s", code)
	}
}

func TestVerifyTamperedChallenge(t *testing.T) {
	ctx := context.Background()
	f := newVerifierFixture(t, 0)
	ch := f.issue(t)
	f.settle(10_000)

	// Rewrite the stored challenge to demand less than was signed.
	ch.Amount = "1"
	tampered, _ := json.Marshal(ch)
	if err := f.kvStore.Set(ctx, challengeKey(ch.Nonce), string(tampered), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	_, err := f.verifier.Verify(ctx, x402.Receipt{TxHash: testTxHash, Nonce: ch.Nonce}, f.request())
	if code := verificationCode(t, err); code != apperrors.ErrCodeChallengeTampered {
		t.Fatalf("code = %s", code)
	}
}

func TestVerifyExpiredChallenge(t *testing.T) {
	ctx := context.Background()
	f := newVerifierFixture(t, 0)
	ch := f.issue(t)
	f.settle(10_000)

	f.clk.Advance(5 * time.Minute)
	_, err := f.verifier.Verify(ctx, x402.Receipt{TxHash: testTxHash, Nonce: ch.Nonce}, f.request())
	if code := verificationCode(t, err); code != apperrors.ErrCodeChallengeExpired {
		t.Fatalf("code = %s", code)
	}
}

func TestVerifyBindingMismatchIsFraudSignal(t *testing.T) {
	ctx := context.Background()
	f := newVerifierFixture(t, 0)
	ch := f.issue(t)
	f.settle(10_000)

	// Present the receipt on a different request tuple than it paid for.
	other := f.request()
	other.Model = "openai/gpt-4o-mini"
	_, err := f.verifier.Verify(ctx, x402.Receipt{TxHash: testTxHash, Nonce: ch.Nonce}, other)
	if code := verificationCode(t, err); code != apperrors.ErrCodeBindingInvalid {
		t.Fatalf("code = %s", code)
	}

	failures, err := f.store.ListVerificationFailures(ctx, 10)
	if err != nil || len(failures) != 1 {
		t.Fatalf("failures = %v, %v", failures, err)
	}
	if !failures[0].FraudSignal {
		t.Fatal("binding mismatch not flagged as fraud signal")
	}
}

func TestVerifyNonceReplay(t *testing.T) {
	ctx := context.Background()
	f := newVerifierFixture(t, 0)
	ch := f.issue(t)
	f.settle(10_000)

	receipt := x402.Receipt{TxHash: testTxHash, Nonce: ch.Nonce}
	if _, err := f.verifier.Verify(ctx, receipt, f.request()); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	_, err := f.verifier.Verify(ctx, receipt, f.request())
	if code := verificationCode(t, err); code != apperrors.ErrCodeNonceReplayed {
		t.Fatalf("code = %s", code)
	}
}

func TestVerifyRetriesAfterSettlementCatchesUp(t *testing.T) {
	ctx := context.Background()
	f := newVerifierFixture(t, 0)
	ch := f.issue(t)
	receipt := x402.Receipt{TxHash: testTxHash, Nonce: ch.Nonce}

	// Not mined yet: rejected, but the nonce is released for a retry.
	_, err := f.verifier.Verify(ctx, receipt, f.request())
	if code := verificationCode(t, err); code != apperrors.ErrCodeSettlementInsufficient {
		t.Fatalf("code = %s", code)
	}

	f.settle(10_000)
	if _, err := f.verifier.Verify(ctx, receipt, f.request()); err != nil {
		t.Fatalf("retry after settlement: %v", err)
	}
}

func TestVerifySettlementChecks(t *testing.T) {
	base := x402.Settlement{
		TxHash:        testTxHash,
		From:          testPayer,
		To:            testRecipient,
		Token:         testToken,
		ChainID:       testChainID,
		AmountAtomic:  10_000,
		Confirmations: 3,
	}
	cases := []struct {
		name   string
		mutate func(*x402.Settlement)
	}{
		{"wrong recipient", func(s *x402.Settlement) { s.To = testPayer }},
		{"wrong token", func(s *x402.Settlement) { s.Token = "0x9999999999999999999999999999999999999999" }},
		{"wrong chain", func(s *x402.Settlement) { s.ChainID = 1 }},
		{"unconfirmed", func(s *x402.Settlement) { s.Confirmations = 0 }},
		{"underpaid", func(s *x402.Settlement) { s.AmountAtomic = 9_999 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newVerifierFixture(t, 0)
			ch := f.issue(t)
			s := base
			tc.mutate(&s)
			f.oracle.Add(s)

			_, err := f.verifier.Verify(ctx, x402.Receipt{TxHash: testTxHash, Nonce: ch.Nonce}, f.request())
			if code := verificationCode(t, err); code != apperrors.ErrCodeSettlementInsufficient {
				t.Fatalf("code = %s", code)
			}
		})
	}
}

func TestVerifyConcurrentReplayAdmitsExactlyOne(t *testing.T) {
	ctx := context.Background()
	f := newVerifierFixture(t, 0)
	ch := f.issue(t)
	f.settle(10_000)

	receipt := x402.Receipt{TxHash: testTxHash, Nonce: ch.Nonce}
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.verifier.Verify(ctx, receipt, f.request())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	// Consuming the nonce is first-write-wins: one caller gets the
	// response, the other a replay rejection, never two successes.
	var successes, replays int
	for err := range errs {
		if err == nil {
			successes++
			continue
		}
		if verificationCode(t, err) == apperrors.ErrCodeNonceReplayed {
			replays++
		}
	}
	if successes != 1 || replays != 1 {
		t.Fatalf("successes = %d, replays = %d, want exactly one of each", successes, replays)
	}
}

func TestVerifyShortSettlementDrawsCreditBalance(t *testing.T) {
	ctx := context.Background()
	f := newVerifierFixture(t, 0)
	ch := f.issue(t)
	if _, err := f.notes.Issue(ctx, testPayer, 10_000, "prior-quote"); err != nil {
		t.Fatalf("Issue note: %v", err)
	}
	f.settle(9_500)

	verified, err := f.verifier.Verify(ctx, x402.Receipt{TxHash: testTxHash, Nonce: ch.Nonce}, f.request())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verified.AmountAtomic != 9_500 || verified.CreditApplied != 500 {
		t.Fatalf("verified = %+v", verified)
	}
	if verified.Overpayment != 0 || verified.CreditNoteID != "" {
		t.Fatalf("short settlement produced surplus: %+v", verified)
	}
	balance, err := f.notes.Balance(ctx, testPayer)
	if err != nil || balance != 9_500 {
		t.Fatalf("credit balance = %d, %v, want 9500", balance, err)
	}
}

func TestVerifyShortSettlementBeyondCreditRestoresBalance(t *testing.T) {
	ctx := context.Background()
	f := newVerifierFixture(t, 0)
	ch := f.issue(t)
	if _, err := f.notes.Issue(ctx, testPayer, 300, "prior-quote"); err != nil {
		t.Fatalf("Issue note: %v", err)
	}
	f.settle(9_500)

	// Credit covers only 300 of the 500 shortfall: rejected, and the
	// partial draw is put back so a retry sees the same balance.
	receipt := x402.Receipt{TxHash: testTxHash, Nonce: ch.Nonce}
	_, err := f.verifier.Verify(ctx, receipt, f.request())
	if code := verificationCode(t, err); code != apperrors.ErrCodeSettlementInsufficient {
		t.Fatalf("code = %s", code)
	}
	balance, err := f.notes.Balance(ctx, testPayer)
	if err != nil || balance != 300 {
		t.Fatalf("credit balance = %d, %v, want 300 restored", balance, err)
	}

	// Once more credit lands, the same receipt clears on retry.
	if _, err := f.notes.Issue(ctx, testPayer, 200, "prior-quote-2"); err != nil {
		t.Fatalf("Issue note: %v", err)
	}
	verified, err := f.verifier.Verify(ctx, receipt, f.request())
	if err != nil {
		t.Fatalf("retry Verify: %v", err)
	}
	if verified.CreditApplied != 500 {
		t.Fatalf("credit applied = %d, want 500", verified.CreditApplied)
	}
	balance, err = f.notes.Balance(ctx, testPayer)
	if err != nil || balance != 0 {
		t.Fatalf("credit balance = %d, %v, want 0", balance, err)
	}
}

func TestVerifyOverpaymentIssuesCreditNote(t *testing.T) {
	ctx := context.Background()
	f := newVerifierFixture(t, 0)
	ch := f.issue(t)
	f.settle(10_500)

	verified, err := f.verifier.Verify(ctx, x402.Receipt{TxHash: testTxHash, Nonce: ch.Nonce}, f.request())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verified.Overpayment != 500 || verified.CreditNoteID == "" {
		t.Fatalf("verified = %+v", verified)
	}
	balance, err := f.notes.Balance(ctx, testPayer)
	if err != nil || balance != 500 {
		t.Fatalf("credit balance = %d, %v", balance, err)
	}
}

func TestVerifyOverpaymentBeyondCapIsForfeited(t *testing.T) {
	ctx := context.Background()
	f := newVerifierFixture(t, 100)
	ch := f.issue(t)
	f.settle(10_500)

	// The surplus exceeds the wallet credit cap. The paid request still
	// succeeds; the surplus is simply not credited.
	verified, err := f.verifier.Verify(ctx, x402.Receipt{TxHash: testTxHash, Nonce: ch.Nonce}, f.request())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verified.CreditNoteID != "" {
		t.Fatalf("capped surplus produced note %q", verified.CreditNoteID)
	}
	balance, err := f.notes.Balance(ctx, testPayer)
	if err != nil || balance != 0 {
		t.Fatalf("credit balance = %d, %v", balance, err)
	}
}
