package httpserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/apikey"
	"github.com/dekapay/gateway/internal/auth"
	"github.com/dekapay/gateway/internal/billing"
	"github.com/dekapay/gateway/internal/circuitbreaker"
	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/config"
	"github.com/dekapay/gateway/internal/creditnote"
	"github.com/dekapay/gateway/internal/dispatch"
	"github.com/dekapay/gateway/internal/grants"
	"github.com/dekapay/gateway/internal/kv"
	"github.com/dekapay/gateway/internal/ledger"
	"github.com/dekapay/gateway/internal/oracle"
	"github.com/dekapay/gateway/internal/paywall"
	"github.com/dekapay/gateway/internal/pricing"
	"github.com/dekapay/gateway/internal/reconcile"
	"github.com/dekapay/gateway/internal/signer"
	"github.com/dekapay/gateway/internal/storage"
)

const (
	serverCatalog = `
default:
  input_per_million: 1000000
  output_per_million: 3000000
models:
  openai/gpt-4o:
    input_per_million: 2500000
    output_per_million: 10000000
`
	serverRecipient = "0x1111111111111111111111111111111111111111"
	serverToken     = "0x2222222222222222222222222222222222222222"
	serverAdmin     = "admin-hmac-secret"
	serverSeed      = "4f6e65207365656420746f2072756c65207468656d20616c6c2e2e2e2e2e2e2e"
)

type serverFixture struct {
	srv      *Server
	clk      *clock.Manual
	kvStore  *kv.MemoryStore
	store    *storage.MemoryStore
	ledger   *ledger.Ledger
	keys     *apikey.Validator
	breaker  *circuitbreaker.Breaker
	recorder *billing.Recorder
}

// failingDispatcher always errors, for breaker tests.
type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, dispatch.ChatRequest) (dispatch.ChatResponse, error) {
	return dispatch.ChatResponse{}, errors.New("upstream down")
}

func newServerFixture(t *testing.T, inner dispatch.Dispatcher) *serverFixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC))
	kvStore := kv.NewMemoryStore(clk)
	t.Cleanup(func() { kvStore.Close() })
	store := storage.NewMemoryStore()
	ids := clock.NewIDGenerator(clk)
	nop := zerolog.Nop()

	sgn, err := signer.New("server-test-secret")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	validator, err := apikey.NewValidator(store, []byte("test-pepper"), 64, nop)
	if err != nil {
		t.Fatalf("validator: %v", err)
	}

	catalogPath := filepath.Join(t.TempDir(), "pricing.yaml")
	if err := os.WriteFile(catalogPath, []byte(serverCatalog), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	calc, err := pricing.NewCalculator(config.PricingConfig{
		Path:         catalogPath,
		DefaultModel: "openai/gpt-4o",
		MaxTokensCap: 8192,
	}, nop)
	if err != nil {
		t.Fatalf("calculator: %v", err)
	}

	led := ledger.New(ledger.Options{Store: store, KV: kvStore, Clock: clk, Logger: nop})

	paywallCfg := config.PaywallConfig{
		ChallengeTTL: config.Duration{Duration: 5 * time.Minute},
		Recipient:    serverRecipient,
		ChainID:      8453,
		Token:        serverToken,
	}
	issuer := paywall.NewIssuer(paywall.IssuerOptions{
		KV: kvStore, Signer: sgn, Clock: clk, Config: paywallCfg, Logger: nop,
	})
	notes := creditnote.New(creditnote.Options{KV: kvStore, Store: store, Clock: clk, Logger: nop})
	verifier := paywall.NewVerifier(paywall.VerifierOptions{
		Issuer: issuer, KV: kvStore, Signer: sgn, Oracle: oracle.NewStaticOracle(),
		CreditNotes: notes, Store: store, Clock: clk, Logger: nop,
	})

	recorder := billing.NewRecorder(billing.Options{Store: store, IDs: ids, Logger: nop})
	t.Cleanup(recorder.Close)

	engine := paywall.NewEngine(paywall.EngineOptions{
		FreeEndpoints: []string{"/health", "/.well-known/jwks.json"},
		Validator:     validator,
		Pricing:       calc,
		Ledger:        led,
		Issuer:        issuer,
		Verifier:      verifier,
		Billing:       recorder,
		TokenID:       serverToken,
		Clock:         clk,
		Logger:        nop,
	})

	authSvc, err := auth.NewService(
		config.AuthConfig{SessionTTL: config.Duration{Duration: time.Hour}, Issuer: "dekapay-test"},
		config.SecretsConfig{SessionSeed: serverSeed},
		kvStore, clk, ids, nop,
	)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		Cooldown:         30 * time.Second,
	}, clk, nil, "test", nil, nop)
	if inner == nil {
		inner = dispatch.Echo{}
	}
	chain := dispatch.NewChain(
		[]dispatch.Provider{{Name: "primary", Dispatcher: inner}},
		breaker, nil, nop,
	)

	reconciler := reconcile.New(reconcile.Options{
		WALDir: t.TempDir(),
		KV:     kvStore,
		Clock:  clk,
		Logger: nop,
	})

	cfg := &config.Config{
		Server:  config.ServerConfig{Address: ":0"},
		Secrets: config.SecretsConfig{AdminToken: serverAdmin, SessionSeed: serverSeed},
	}

	srv := New(Options{
		Config:     cfg,
		Engine:     engine,
		Auth:       authSvc,
		Keys:       validator,
		Ledger:     led,
		Grants:     grants.NewService(config.StripeConfig{WebhookSecret: "whsec_test"}, led, nil, nil, nop),
		Dispatcher: chain,
		Pricing:    calc,
		Reconciler: reconciler,
		Store:      store,
		Clock:      clk,
		Logger:     nop,
	})
	return &serverFixture{
		srv:      srv,
		clk:      clk,
		kvStore:  kvStore,
		store:    store,
		ledger:   led,
		keys:     validator,
		breaker:  breaker,
		recorder: recorder,
	}
}

func (f *serverFixture) do(t *testing.T, method, path string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	detail, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("no error envelope in %q", rec.Body.String())
	}
	code, _ := detail["code"].(string)
	return code
}

func (f *serverFixture) fundedKey(t *testing.T, micros int64) string {
	t.Helper()
	plain, record, err := f.keys.Issue(context.Background(), "0xwallet", "tenant-1", "test")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := f.ledger.Grant(context.Background(), "key:"+record.KeyID, micros, "manual", "seed-"+record.KeyID); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	return plain.Token()
}

func chatBody() map[string]interface{} {
	return map[string]interface{}{
		"model":      "openai/gpt-4o",
		"prompt":     "Summarize the mempool activity today",
		"max_tokens": 1000,
	}
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" || body["recovery_state"] != "RUNNING" {
		t.Fatalf("body = %v", body)
	}
}

func TestChatWithoutPaymentGetsChallenge(t *testing.T) {
	f := newServerFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/agent/chat", chatBody(), nil)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["code"] != "PAYMENT_REQUIRED" {
		t.Fatalf("code = %v", body["code"])
	}
	challenge, ok := body["challenge"].(map[string]interface{})
	if !ok || challenge["nonce"] == "" || challenge["amount"] == "" {
		t.Fatalf("challenge = %v", body["challenge"])
	}
}

func TestChatWithFundedKey(t *testing.T) {
	f := newServerFixture(t, nil)
	token := f.fundedKey(t, 1_000_000)

	rec := f.do(t, http.MethodPost, "/agent/chat", chatBody(), map[string]string{
		"Authorization": token,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["payment"] != "api_key" || body["provider"] != "primary" {
		t.Fatalf("body = %v", body)
	}
	if body["output"] == "" {
		t.Fatal("no output")
	}
}

func TestChatAmbiguousCredentials(t *testing.T) {
	f := newServerFixture(t, nil)
	token := f.fundedKey(t, 1_000_000)

	rec := f.do(t, http.MethodPost, "/agent/chat", chatBody(), map[string]string{
		"Authorization":     token,
		"X-Payment-Receipt": "0x" + strings.Repeat("ab", 32),
		"X-Payment-Nonce":   "4fa2c1be-77d4-4a3f-9a31-0d5f3c2c9a11",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "AMBIGUOUS_PAYMENT" {
		t.Fatalf("code = %s", code)
	}
}

func TestChatEmptyBalanceIs402(t *testing.T) {
	f := newServerFixture(t, nil)
	plain, _, err := f.keys.Issue(context.Background(), "0xwallet", "tenant-1", "empty")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	rec := f.do(t, http.MethodPost, "/agent/chat", chatBody(), map[string]string{
		"Authorization": plain.Token(),
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "INSUFFICIENT_BALANCE" {
		t.Fatalf("code = %s", code)
	}
}

func TestChatBreakerOpensAfterUpstreamFailures(t *testing.T) {
	f := newServerFixture(t, failingDispatcher{})
	token := f.fundedKey(t, 10_000_000)
	headers := map[string]string{"Authorization": token}

	for i := 0; i < 3; i++ {
		rec := f.do(t, http.MethodPost, "/agent/chat", chatBody(), headers)
		if rec.Code != http.StatusBadGateway {
			t.Fatalf("call %d status = %d", i, rec.Code)
		}
		if code := errorCode(t, rec); code != "PROVIDER_UNAVAILABLE" {
			t.Fatalf("call %d code = %s", i, code)
		}
	}

	// Threshold reached: the breaker holds the chain open.
	rec := f.do(t, http.MethodPost, "/agent/chat", chatBody(), headers)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "BUDGET_CIRCUIT_OPEN" {
		t.Fatalf("code = %s", code)
	}
}

func walletLogin(t *testing.T, f *serverFixture) (string, string) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	wallet := ethcrypto.PubkeyToAddress(key.PublicKey).Hex()

	rec := f.do(t, http.MethodPost, "/auth/nonce", map[string]string{"wallet_address": wallet}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("nonce status = %d body=%s", rec.Code, rec.Body.String())
	}
	message, _ := decodeBody(t, rec)["message"].(string)

	rec = f.do(t, http.MethodPost, "/auth/verify", map[string]string{
		"wallet_address": wallet,
		"signature":      signPersonal(t, key, message),
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d body=%s", rec.Code, rec.Body.String())
	}
	token, _ := decodeBody(t, rec)["token"].(string)
	if token == "" {
		t.Fatal("no session token")
	}
	return token, wallet
}

func signPersonal(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	digest := ethcrypto.Keccak256(
		[]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)),
	)
	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig)
}

func TestKeyLifecycleOverSession(t *testing.T) {
	f := newServerFixture(t, nil)
	session, _ := walletLogin(t, f)
	bearer := map[string]string{"Authorization": "Bearer " + session}

	rec := f.do(t, http.MethodPost, "/keys", map[string]string{"name": "ci"}, bearer)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	created := decodeBody(t, rec)
	keyID, _ := created["key_id"].(string)
	token, _ := created["token"].(string)
	if keyID == "" || !strings.HasPrefix(token, "dk_") {
		t.Fatalf("created = %v", created)
	}

	rec = f.do(t, http.MethodGet, "/keys/"+keyID+"/balance", nil, bearer)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance status = %d", rec.Code)
	}
	balance := decodeBody(t, rec)
	if balance["unlocked_micro_usd"] != float64(0) {
		t.Fatalf("balance = %v", balance)
	}

	rec = f.do(t, http.MethodDelete, "/keys/"+keyID, nil, bearer)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d", rec.Code)
	}

	// The revoked key must stop authenticating immediately.
	f.ledger.Grant(context.Background(), "key:"+keyID, 1_000_000, "manual", "seed-after-revoke")
	rec = f.do(t, http.MethodPost, "/agent/chat", chatBody(), map[string]string{"Authorization": token})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked key status = %d", rec.Code)
	}
}

func TestKeysRejectForeignWallet(t *testing.T) {
	f := newServerFixture(t, nil)
	sessionA, _ := walletLogin(t, f)
	sessionB, _ := walletLogin(t, f)

	rec := f.do(t, http.MethodPost, "/keys", map[string]string{"name": "a"}, map[string]string{"Authorization": "Bearer " + sessionA})
	keyID, _ := decodeBody(t, rec)["key_id"].(string)

	rec = f.do(t, http.MethodGet, "/keys/"+keyID+"/balance", nil, map[string]string{"Authorization": "Bearer " + sessionB})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestKeysRequireSession(t *testing.T) {
	f := newServerFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/keys", map[string]string{"name": "x"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestJWKSIsServed(t *testing.T) {
	f := newServerFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/.well-known/jwks.json", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var set struct {
		Keys []map[string]string `json:"keys"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &set); err != nil || len(set.Keys) != 1 {
		t.Fatalf("jwks = %s (%v)", rec.Body.String(), err)
	}
	if set.Keys[0]["kty"] != "OKP" {
		t.Fatalf("kty = %s", set.Keys[0]["kty"])
	}
}

func (f *serverFixture) adminHeaders(method, path string, body []byte) map[string]string {
	ts := strconv.FormatInt(f.clk.Now().Unix(), 10)
	return map[string]string{
		"X-Admin-Timestamp": ts,
		"X-Admin-Signature": adminSignature(serverAdmin, method, path, ts, body),
	}
}

func TestAdminReconcileRequiresSignature(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/admin/reconcile", nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unsigned status = %d", rec.Code)
	}

	headers := f.adminHeaders(http.MethodPost, "/admin/reconcile", nil)
	rec = f.do(t, http.MethodPost, "/admin/reconcile", nil, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("signed status = %d body=%s", rec.Code, rec.Body.String())
	}
	summary := decodeBody(t, rec)
	if summary["trigger"] != "on_demand" {
		t.Fatalf("summary = %v", summary)
	}
}

func TestAdminRejectsStaleTimestamp(t *testing.T) {
	f := newServerFixture(t, nil)
	ts := strconv.FormatInt(f.clk.Now().Add(-10*time.Minute).Unix(), 10)
	rec := f.do(t, http.MethodPost, "/admin/reconcile", nil, map[string]string{
		"X-Admin-Timestamp": ts,
		"X-Admin-Signature": adminSignature(serverAdmin, http.MethodPost, "/admin/reconcile", ts, nil),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAdminDLQListAndRequeue(t *testing.T) {
	f := newServerFixture(t, nil)
	ctx := context.Background()
	id, err := f.store.EnqueueAlert(ctx, storage.PendingAlert{
		AlertType:     "balance_divergence",
		Payload:       []byte(`{"accounts":1}`),
		Status:        storage.AlertDLQ,
		NextAttemptAt: f.clk.Now(),
		CreatedAt:     f.clk.Now(),
		UpdatedAt:     f.clk.Now(),
	})
	if err != nil {
		t.Fatalf("EnqueueAlert: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/admin/alerts/dlq", nil, f.adminHeaders(http.MethodGet, "/admin/alerts/dlq", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d body=%s", rec.Code, rec.Body.String())
	}
	listed := decodeBody(t, rec)
	alerts, _ := listed["alerts"].([]interface{})
	if len(alerts) != 1 {
		t.Fatalf("alerts = %v", listed)
	}

	body, _ := json.Marshal(map[string]string{"alert_id": id})
	rec = f.do(t, http.MethodPost, "/admin/alerts/dlq/requeue",
		map[string]string{"alert_id": id},
		f.adminHeaders(http.MethodPost, "/admin/alerts/dlq/requeue", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("requeue status = %d body=%s", rec.Code, rec.Body.String())
	}
	pending, err := f.store.ListAlerts(ctx, storage.AlertPending, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %v, %v", pending, err)
	}
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	f := newServerFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/webhooks/stripe", map[string]string{}, map[string]string{
		"Stripe-Signature": "t=1,v1=bad",
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}
