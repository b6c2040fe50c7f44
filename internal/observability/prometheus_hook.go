package observability

import (
	"context"

	"github.com/dekapay/gateway/internal/metrics"
)

// PrometheusHook exports payment observations as Prometheus counters.
// Breaker transitions and divergences already have direct metric paths in
// their components, so the hook covers only the payment dimension.
type PrometheusHook struct {
	metrics *metrics.Metrics
}

// NewPrometheusHook creates a hook backed by the shared metrics set.
func NewPrometheusHook(m *metrics.Metrics) *PrometheusHook {
	return &PrometheusHook{metrics: m}
}

func (h *PrometheusHook) Name() string {
	return "prometheus"
}

func (h *PrometheusHook) OnPaymentObserved(ctx context.Context, event PaymentObservedEvent) {
	h.metrics.ObservePaymentOutcome(event.Method, event.Outcome)
}
