package circuitbreaker

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/dekapay/gateway/internal/config"
)

// ServiceType identifies outbound clients for breaker isolation. Each
// service gets its own breaker so a Stripe brownout never blocks
// settlement verification, and vice versa.
type ServiceType string

const (
	ServiceOracle ServiceType = "settlement_oracle"
	ServiceStripe ServiceType = "stripe_api"
	ServiceAlerts ServiceType = "alert_webhook"
)

// Manager manages gobreaker circuit breakers for outbound clients.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	logger   zerolog.Logger
}

// NewManager creates breakers for the configured outbound services.
func NewManager(cfg config.OutboundConfig, logger zerolog.Logger) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		logger:   logger.With().Str("component", "outbound_breaker").Logger(),
	}
	m.breakers[ServiceOracle] = gobreaker.NewCircuitBreaker(m.settings(ServiceOracle, cfg.Oracle))
	m.breakers[ServiceStripe] = gobreaker.NewCircuitBreaker(m.settings(ServiceStripe, cfg.Stripe))
	m.breakers[ServiceAlerts] = gobreaker.NewCircuitBreaker(m.settings(ServiceAlerts, cfg.Alerts))
	return m
}

// Execute wraps a call with the service's breaker. Unknown services pass
// through.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}
	return breaker.Execute(fn)
}

// State returns the current state string of a service breaker.
func (m *Manager) State(service ServiceType) string {
	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}
	return breaker.State().String()
}

func (m *Manager) settings(service ServiceType, cfg config.OutboundServiceConfig) gobreaker.Settings {
	maxRequests := cfg.MaxRequests
	if maxRequests == 0 {
		maxRequests = 3
	}
	interval := cfg.Interval.Duration
	if interval == 0 {
		interval = 60 * time.Second
	}
	timeout := cfg.Timeout.Duration
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	consecutive := cfg.ConsecutiveFailures
	if consecutive == 0 {
		consecutive = 5
	}

	return gobreaker.Settings{
		Name:        string(service),
		MaxRequests: maxRequests,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= consecutive {
				return true
			}
			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests {
				failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
				if failureRate >= cfg.FailureRatio {
					return true
				}
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn().
				Str("service", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("outbound breaker state change")
		},
	}
}
