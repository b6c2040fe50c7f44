package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialization(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	if m == nil {
		t.Fatal("metrics collector should not be nil")
	}

	// Spot-check one metric per group
	if m.DecisionsTotal == nil {
		t.Error("DecisionsTotal should be initialized")
	}
	if m.ChallengesIssuedTotal == nil {
		t.Error("ChallengesIssuedTotal should be initialized")
	}
	if m.AdmissionChecksTotal == nil {
		t.Error("AdmissionChecksTotal should be initialized")
	}
	if m.ReservesTotal == nil {
		t.Error("ReservesTotal should be initialized")
	}
	if m.BreakerState == nil {
		t.Error("BreakerState should be initialized")
	}
	if m.WALAppendsTotal == nil {
		t.Error("WALAppendsTotal should be initialized")
	}
	if m.RPCCallsTotal == nil {
		t.Error("RPCCallsTotal should be initialized")
	}
	if m.ReconcileRunsTotal == nil {
		t.Error("ReconcileRunsTotal should be initialized")
	}
	if m.RecoveryRunsTotal == nil {
		t.Error("RecoveryRunsTotal should be initialized")
	}
	if m.AuditRecordsTotal == nil {
		t.Error("AuditRecordsTotal should be initialized")
	}
	if m.AlertsTotal == nil {
		t.Error("AlertsTotal should be initialized")
	}
}

func TestObserveDecision(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveDecision("api_key", "allowed", 5*time.Millisecond)

	count := promtest.ToFloat64(m.DecisionsTotal.WithLabelValues("api_key", "allowed"))
	if count != 1 {
		t.Errorf("expected 1 decision, got %.0f", count)
	}
}

func TestObserveReceipt(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveReceipt("ok")
	m.ObserveReceipt("NONCE_REPLAYED")
	m.ObserveReceipt("NONCE_REPLAYED")

	ok := promtest.ToFloat64(m.ReceiptsVerifiedTotal.WithLabelValues("ok"))
	if ok != 1 {
		t.Errorf("expected 1 ok verification, got %.0f", ok)
	}
	replays := promtest.ToFloat64(m.ReplayAttemptsTotal)
	if replays != 2 {
		t.Errorf("expected 2 replay attempts, got %.0f", replays)
	}
}

func TestObserveAdmission(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveAdmission("identity", "allowed")
	m.ObserveAdmission("identity", "denied")
	m.ObserveAdmission("global", "denied")

	allowed := promtest.ToFloat64(m.AdmissionChecksTotal.WithLabelValues("identity", "allowed"))
	if allowed != 1 {
		t.Errorf("expected 1 allowed check, got %.0f", allowed)
	}

	// Denials also count as rate limit hits
	hits := promtest.ToFloat64(m.RateLimitHitsTotal.WithLabelValues("identity"))
	if hits != 1 {
		t.Errorf("expected 1 identity rate limit hit, got %.0f", hits)
	}
	globalHits := promtest.ToFloat64(m.RateLimitHitsTotal.WithLabelValues("global"))
	if globalHits != 1 {
		t.Errorf("expected 1 global rate limit hit, got %.0f", globalHits)
	}
}

func TestObserveBreakerTransition(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveBreakerTransition("openai", "CLOSED", "OPEN", 2)

	transitions := promtest.ToFloat64(m.BreakerTransitionsTotal.WithLabelValues("openai", "CLOSED", "OPEN"))
	if transitions != 1 {
		t.Errorf("expected 1 transition, got %.0f", transitions)
	}
	state := promtest.ToFloat64(m.BreakerState.WithLabelValues("openai"))
	if state != 2 {
		t.Errorf("expected state gauge 2 (open), got %.0f", state)
	}
}

func TestObserveRPCCall(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		chain      string
		duration   time.Duration
		err        error
		wantCalls  float64
		wantErrors float64
	}{
		{
			name:      "successful RPC call",
			method:    "eth_getTransactionReceipt",
			chain:     "base",
			duration:  100 * time.Millisecond,
			err:       nil,
			wantCalls: 1,
		},
		{
			name:       "failed RPC call with connection error",
			method:     "eth_getTransactionReceipt",
			chain:      "base",
			duration:   100 * time.Millisecond,
			err:        &testError{msg: "connection reset"},
			wantCalls:  1,
			wantErrors: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := prometheus.NewRegistry()
			m := New(registry)

			m.ObserveRPCCall(tt.method, tt.chain, tt.duration, tt.err)

			calls := promtest.ToFloat64(m.RPCCallsTotal.WithLabelValues(tt.method, tt.chain))
			if calls != tt.wantCalls {
				t.Errorf("expected %.0f RPC calls, got %.0f", tt.wantCalls, calls)
			}

			if tt.err != nil {
				errors := promtest.ToFloat64(m.RPCErrorsTotal.WithLabelValues(tt.method, tt.chain, "connection"))
				if errors != tt.wantErrors {
					t.Errorf("expected %.0f RPC errors, got %.0f", tt.wantErrors, errors)
				}
			}
		})
	}
}

func TestObserveReconcileRun(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveReconcileRun("scheduled", "completed", 3, 42, 2*time.Second)

	runs := promtest.ToFloat64(m.ReconcileRunsTotal.WithLabelValues("scheduled", "completed"))
	if runs != 1 {
		t.Errorf("expected 1 reconcile run, got %.0f", runs)
	}
	divergences := promtest.ToFloat64(m.ReconcileDivergencesTotal)
	if divergences != 3 {
		t.Errorf("expected 3 divergences, got %.0f", divergences)
	}
	drift := promtest.ToFloat64(m.LedgerDriftMicroUSD)
	if drift != 42 {
		t.Errorf("expected drift gauge 42, got %.0f", drift)
	}
}

func TestObserveAlert(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	// First attempt succeeds
	m.ObserveAlert("breaker.opened", "success", 500*time.Millisecond, 1, false)

	alerts := promtest.ToFloat64(m.AlertsTotal.WithLabelValues("breaker.opened", "success"))
	if alerts != 1 {
		t.Errorf("expected 1 alert delivery, got %.0f", alerts)
	}

	// Exhausted retries land in the DLQ
	m.ObserveAlert("reconcile.drift", "failed", 2*time.Second, 5, true)

	retries := promtest.ToFloat64(m.AlertRetriesTotal.WithLabelValues("reconcile.drift", "5"))
	if retries != 1 {
		t.Errorf("expected 1 alert retry record, got %.0f", retries)
	}

	dlq := promtest.ToFloat64(m.AlertDLQTotal.WithLabelValues("reconcile.drift"))
	if dlq != 1 {
		t.Errorf("expected 1 alert in DLQ, got %.0f", dlq)
	}
}

func TestObserveCreditNote(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveCreditNote(250000)

	issued := promtest.ToFloat64(m.CreditNotesIssuedTotal)
	if issued != 1 {
		t.Errorf("expected 1 credit note, got %.0f", issued)
	}
	amount := promtest.ToFloat64(m.CreditNoteAmountTotal)
	if amount != 250000 {
		t.Errorf("expected amount 250000, got %.0f", amount)
	}
}

func TestObserveDBQuery(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveDBQuery("SELECT", "postgres", 50*time.Millisecond)

	// For histograms, verify the metric exists and was created successfully
	if m.DBQueryDuration == nil {
		t.Error("DBQueryDuration should be initialized")
	}
}

// testError is a simple error type for testing
type testError struct {
	msg string
}

func (e *testError) Error() string {
	return e.msg
}
