package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Payment decision metrics
	DecisionsTotal   *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec

	// Challenge / receipt metrics
	ChallengesIssuedTotal  prometheus.Counter
	ReceiptsVerifiedTotal  *prometheus.CounterVec
	ReplayAttemptsTotal    prometheus.Counter
	CreditNotesIssuedTotal prometheus.Counter
	CreditNoteAmountTotal  prometheus.Counter

	// Admission control metrics
	AdmissionChecksTotal *prometheus.CounterVec
	RateLimitHitsTotal   *prometheus.CounterVec
	LimiterFallbackTotal prometheus.Counter
	CostReservedTotal    prometheus.Counter
	CostReleasedTotal    prometheus.Counter

	// Ledger metrics
	ReservesTotal             *prometheus.CounterVec
	FinalizesTotal            prometheus.Counter
	RollbacksTotal            prometheus.Counter
	ReservationsExpiredTotal  prometheus.Counter
	ConservationFailuresTotal prometheus.Counter
	LedgerDriftMicroUSD       prometheus.Gauge

	// Budget breaker metrics
	BreakerState            *prometheus.GaugeVec
	BreakerTransitionsTotal *prometheus.CounterVec
	BreakerProbesTotal      *prometheus.CounterVec

	// WAL metrics
	WALAppendsTotal         *prometheus.CounterVec
	WALFenceRejectionsTotal *prometheus.CounterVec
	WALLockHeld             prometheus.Gauge
	WALLockLostTotal        prometheus.Counter

	// RPC call metrics
	RPCCallsTotal   *prometheus.CounterVec
	RPCCallDuration *prometheus.HistogramVec
	RPCErrorsTotal  *prometheus.CounterVec

	// Billing metrics
	BillingEventsTotal *prometheus.CounterVec

	// Observability hook metrics
	PaymentsObservedTotal *prometheus.CounterVec

	// Reconciliation metrics
	ReconcileRunsTotal        *prometheus.CounterVec
	ReconcileDivergencesTotal prometheus.Counter
	ReconcileDuration         prometheus.Histogram

	// Recovery metrics
	RecoveryRunsTotal *prometheus.CounterVec
	RecoveryDuration  *prometheus.HistogramVec

	// Audit metrics
	AuditRecordsTotal    *prometheus.CounterVec
	FirewallDenialsTotal *prometheus.CounterVec

	// Alert delivery metrics
	AlertsTotal       *prometheus.CounterVec
	AlertRetriesTotal *prometheus.CounterVec
	AlertDLQTotal     *prometheus.CounterVec
	AlertDuration     *prometheus.HistogramVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Payment decision metrics
		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dekapay_decisions_total",
				Help: "Total number of payment decisions by branch and outcome",
			},
			[]string{"branch", "outcome"},
		),
		DecisionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dekapay_decision_duration_seconds",
				Help:    "Time taken to reach a payment decision (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"branch"},
		),

		// Challenge / receipt metrics
		ChallengesIssuedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dekapay_challenges_issued_total",
				Help: "Total number of payment challenges issued",
			},
		),
		ReceiptsVerifiedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dekapay_receipts_verified_total",
				Help: "Total number of receipt verifications by result",
			},
			[]string{"result"},
		),
		ReplayAttemptsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dekapay_replay_attempts_total",
				Help: "Total number of nonce replay attempts",
			},
		),
		CreditNotesIssuedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dekapay_credit_notes_issued_total",
				Help: "Total number of credit notes issued for overpayment",
			},
		),
		CreditNoteAmountTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dekapay_credit_note_amount_total",
				Help: "Total credit note amount in token base units",
			},
		),

		// Admission control metrics
		AdmissionChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dekapay_admission_checks_total",
				Help: "Total number of admission checks by tier and outcome",
			},
			[]string{"tier", "outcome"},
		),
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dekapay_rate_limit_hits_total",
				Help: "Total number of rate limit denials",
			},
			[]string{"limit_type"},
		),
		LimiterFallbackTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dekapay_limiter_fallback_total",
				Help: "Total number of requests served by the in-process fallback limiter",
			},
		),
		CostReservedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dekapay_cost_reserved_cents_total",
				Help: "Total estimated cost reserved against the daily ceiling, in cents",
			},
		),
		CostReleasedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dekapay_cost_released_cents_total",
				Help: "Total reserved cost released back after completion, in cents",
			},
		),

		// Ledger metrics
		ReservesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dekapay_ledger_reserves_total",
				Help: "Total number of ledger reservations by outcome",
			},
			[]string{"outcome"},
		),
		FinalizesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dekapay_ledger_finalizes_total",
				Help: "Total number of finalized reservations",
			},
		),
		RollbacksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dekapay_ledger_rollbacks_total",
				Help: "Total number of rolled back reservations",
			},
		),
		ReservationsExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dekapay_ledger_reservations_expired_total",
				Help: "Total number of reservations that expired unfinalized",
			},
		),
		ConservationFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dekapay_ledger_conservation_failures_total",
				Help: "Total number of conservation checkpoint failures",
			},
		),
		LedgerDriftMicroUSD: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dekapay_ledger_drift_micro_usd",
				Help: "Absolute drift between cache and WAL balances at last reconciliation, in micro-USD",
			},
		),

		// Budget breaker metrics
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dekapay_breaker_state",
				Help: "Budget breaker state per provider (0=closed, 1=half-open, 2=open)",
			},
			[]string{"provider"},
		),
		BreakerTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dekapay_breaker_transitions_total",
				Help: "Total number of breaker state transitions",
			},
			[]string{"provider", "from", "to"},
		),
		BreakerProbesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dekapay_breaker_probes_total",
				Help: "Total number of half-open probe requests by result",
			},
			[]string{"provider", "result"},
		),

		// WAL metrics
		WALAppendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dekapay_wal_appends_total",
				Help: "Total number of WAL append attempts by status",
			},
			[]string{"status"},
		),
		WALFenceRejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dekapay_wal_fence_rejections_total",
				Help: "Total number of fencing token rejections by status",
			},
			[]string{"status"},
		),
		WALLockHeld: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dekapay_wal_lock_held",
				Help: "Whether this instance currently holds the WAL writer lock",
			},
		),
		WALLockLostTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dekapay_wal_lock_lost_total",
				Help: "Total number of times the WAL writer lock was lost",
			},
		),

		// RPC call metrics
		RPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dekapay_rpc_calls_total",
				Help: "Total number of RPC calls to the settlement chain",
			},
			[]string{"method", "chain"},
		),
		RPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dekapay_rpc_call_duration_seconds",
				Help:    "Duration of RPC calls to the settlement chain (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "chain"},
		),
		RPCErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dekapay_rpc_errors_total",
				Help: "Total number of RPC errors",
			},
			[]string{"method", "chain", "error_type"},
		),

		// Billing metrics
		BillingEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dekapay_billing_events_total",
				Help: "Total number of billing events recorded",
			},
			[]string{"event_type", "status"},
		),

		// Observability hook metrics
		PaymentsObservedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dekapay_payments_observed_total",
				Help: "Total number of completed paid requests by method and outcome",
			},
			[]string{"method", "outcome"},
		),

		// Reconciliation metrics
		ReconcileRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dekapay_reconcile_runs_total",
				Help: "Total number of reconciliation runs by trigger and status",
			},
			[]string{"trigger", "status"},
		),
		ReconcileDivergencesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dekapay_reconcile_divergences_total",
				Help: "Total number of accounts where cache diverged from the WAL",
			},
		),
		ReconcileDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dekapay_reconcile_duration_seconds",
				Help:    "Duration of reconciliation runs",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
		),

		// Recovery metrics
		RecoveryRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dekapay_recovery_runs_total",
				Help: "Total number of recovery runs by source and final state",
			},
			[]string{"source", "state"},
		),
		RecoveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dekapay_recovery_duration_seconds",
				Help:    "Duration of recovery runs",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"source"},
		),

		// Audit metrics
		AuditRecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dekapay_audit_records_total",
				Help: "Total number of audit records appended",
			},
			[]string{"operation"},
		),
		FirewallDenialsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dekapay_firewall_denials_total",
				Help: "Total number of write intents denied by the firewall",
			},
			[]string{"rule"},
		),

		// Alert delivery metrics
		AlertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dekapay_alerts_total",
				Help: "Total number of alert deliveries",
			},
			[]string{"alert_type", "status"},
		),
		AlertRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dekapay_alert_retries_total",
				Help: "Total number of alert delivery retry attempts",
			},
			[]string{"alert_type", "attempt"},
		),
		AlertDLQTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dekapay_alert_dlq_total",
				Help: "Total number of alerts pushed to the dead-letter queue",
			},
			[]string{"alert_type"},
		),
		AlertDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dekapay_alert_duration_seconds",
				Help:    "Time taken for alert delivery",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"alert_type"},
		),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dekapay_db_query_duration_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dekapay_db_connections_active",
				Help: "Number of active database connections",
			},
		),
	}
}

// ObserveDecision records a payment decision outcome.
func (m *Metrics) ObserveDecision(branch, outcome string, duration time.Duration) {
	m.DecisionsTotal.WithLabelValues(branch, outcome).Inc()
	m.DecisionDuration.WithLabelValues(branch).Observe(duration.Seconds())
}

// ObserveReceipt records a receipt verification result.
func (m *Metrics) ObserveReceipt(result string) {
	m.ReceiptsVerifiedTotal.WithLabelValues(result).Inc()
	if result == "NONCE_REPLAYED" {
		m.ReplayAttemptsTotal.Inc()
	}
}

// ObserveCreditNote records an issued credit note.
func (m *Metrics) ObserveCreditNote(amountAtomic int64) {
	m.CreditNotesIssuedTotal.Inc()
	m.CreditNoteAmountTotal.Add(float64(amountAtomic))
}

// ObserveAdmission records an admission check outcome for one tier.
func (m *Metrics) ObserveAdmission(tier, outcome string) {
	m.AdmissionChecksTotal.WithLabelValues(tier, outcome).Inc()
	if outcome != "allowed" {
		m.RateLimitHitsTotal.WithLabelValues(tier).Inc()
	}
}

// ObserveReserve records a ledger reservation outcome.
func (m *Metrics) ObserveReserve(outcome string) {
	m.ReservesTotal.WithLabelValues(outcome).Inc()
}

// ObserveBreakerTransition records a breaker state change and updates the state gauge.
func (m *Metrics) ObserveBreakerTransition(provider, from, to string, stateValue float64) {
	m.BreakerTransitionsTotal.WithLabelValues(provider, from, to).Inc()
	m.BreakerState.WithLabelValues(provider).Set(stateValue)
}

// ObserveRPCCall records an RPC call to the settlement chain.
func (m *Metrics) ObserveRPCCall(method, chain string, duration time.Duration, err error) {
	m.RPCCallsTotal.WithLabelValues(method, chain).Inc()
	m.RPCCallDuration.WithLabelValues(method, chain).Observe(duration.Seconds())

	if err != nil {
		errorType := "unknown"
		if errStr := err.Error(); errStr != "" {
			switch {
			case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline"):
				errorType = "timeout"
			case strings.Contains(errStr, "rate limit"):
				errorType = "rate_limit"
			case strings.Contains(errStr, "connection"):
				errorType = "connection"
			case strings.Contains(errStr, "not found"):
				errorType = "not_found"
			default:
				errorType = "other"
			}
		}
		m.RPCErrorsTotal.WithLabelValues(method, chain, errorType).Inc()
	}
}

// ObserveBillingEvent records an appended billing event.
func (m *Metrics) ObserveBillingEvent(eventType, status string) {
	m.BillingEventsTotal.WithLabelValues(eventType, status).Inc()
}

// ObservePaymentOutcome records a completed paid request.
func (m *Metrics) ObservePaymentOutcome(method, outcome string) {
	m.PaymentsObservedTotal.WithLabelValues(method, outcome).Inc()
}

// ObserveReconcileRun records a reconciliation run.
func (m *Metrics) ObserveReconcileRun(trigger, status string, divergences int, driftMicros int64, duration time.Duration) {
	m.ReconcileRunsTotal.WithLabelValues(trigger, status).Inc()
	m.ReconcileDivergencesTotal.Add(float64(divergences))
	m.LedgerDriftMicroUSD.Set(float64(driftMicros))
	m.ReconcileDuration.Observe(duration.Seconds())
}

// ObserveRecovery records a recovery run.
func (m *Metrics) ObserveRecovery(source, state string, duration time.Duration) {
	m.RecoveryRunsTotal.WithLabelValues(source, state).Inc()
	m.RecoveryDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveAlert records an alert delivery.
func (m *Metrics) ObserveAlert(alertType, status string, duration time.Duration, attempt int, sentToDLQ bool) {
	m.AlertsTotal.WithLabelValues(alertType, status).Inc()
	m.AlertDuration.WithLabelValues(alertType).Observe(duration.Seconds())

	if attempt > 1 {
		m.AlertRetriesTotal.WithLabelValues(alertType, formatAttempt(attempt)).Inc()
	}

	if sentToDLQ {
		m.AlertDLQTotal.WithLabelValues(alertType).Inc()
	}
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

func formatAttempt(attempt int) string {
	if attempt <= 5 {
		return string(rune('0' + attempt))
	}
	return "5+"
}
