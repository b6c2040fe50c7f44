// Package alerts delivers operator alerts (balance divergences, fraud
// signals, conservation failures) to a webhook. Alerts are queued durably,
// delivered by a background worker with exponential backoff and jitter,
// and parked in a dead-letter queue when retries are exhausted. Delivery
// goes through the alert-webhook circuit breaker so a dead endpoint does
// not soak up worker time.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/circuitbreaker"
	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/config"
	"github.com/dekapay/gateway/internal/metrics"
	"github.com/dekapay/gateway/internal/storage"
)

const (
	defaultMaxAttempts     = 5
	defaultInitialInterval = 30 * time.Second
	defaultMaxInterval     = 30 * time.Minute
	defaultMultiplier      = 2.0
	defaultPollInterval    = 5 * time.Second
	defaultTimeout         = 10 * time.Second
	dequeueBatch           = 32
)

// Service queues and delivers alerts.
type Service struct {
	store    storage.Store
	breakers *circuitbreaker.Manager
	client   *http.Client
	url      string
	headers  map[string]string
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	maxAttempts     int
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
	poll            time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Options wires a Service.
type Options struct {
	Store        storage.Store
	Breakers     *circuitbreaker.Manager
	Config       config.AlertsConfig
	Client       *http.Client
	PollInterval time.Duration
	Clock        clock.Clock
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
}

// New creates a Service. Call Start to begin delivering.
func New(opts Options) *Service {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	retry := opts.Config.Retry
	maxAttempts := retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	initial := retry.InitialInterval.Duration
	if initial <= 0 {
		initial = defaultInitialInterval
	}
	maxInterval := retry.MaxInterval.Duration
	if maxInterval <= 0 {
		maxInterval = defaultMaxInterval
	}
	multiplier := retry.Multiplier
	if multiplier < 1 {
		multiplier = defaultMultiplier
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Config.Timeout.Duration
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Service{
		store:           opts.Store,
		breakers:        opts.Breakers,
		client:          client,
		url:             opts.Config.URL,
		headers:         opts.Config.Headers,
		clock:           clk,
		metrics:         opts.Metrics,
		logger:          opts.Logger.With().Str("component", "alerts").Logger(),
		maxAttempts:     maxAttempts,
		initialInterval: initial,
		maxInterval:     maxInterval,
		multiplier:      multiplier,
		poll:            poll,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Publish enqueues one alert for asynchronous delivery. This is the
// reconciler's Alerter.
func (s *Service) Publish(ctx context.Context, alertType string, payload interface{}) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("alerts: encode payload: %w", err)
	}
	now := s.clock.Now().UTC()
	_, err = s.store.EnqueueAlert(ctx, storage.PendingAlert{
		AlertType:     alertType,
		Payload:       encoded,
		Status:        storage.AlertPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return fmt.Errorf("alerts: enqueue: %w", err)
	}
	return nil
}

// Start launches the delivery worker.
func (s *Service) Start() {
	go s.run()
}

// Stop halts the worker and waits for it to exit.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Service) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Drain(context.Background())
		}
	}
}

// Drain delivers every due alert once. Exposed so tests and the admin
// requeue endpoint can pump the queue synchronously.
func (s *Service) Drain(ctx context.Context) {
	due, err := s.store.DequeueAlerts(ctx, s.clock.Now(), dequeueBatch)
	if err != nil {
		s.logger.Error().Err(err).Msg("alert dequeue failed")
		return
	}
	for _, alert := range due {
		s.deliverOne(ctx, alert)
	}
}

func (s *Service) deliverOne(ctx context.Context, alert storage.PendingAlert) {
	if err := s.store.MarkAlertProcessing(ctx, alert.ID); err != nil {
		s.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("alert claim failed")
		return
	}
	attempt := alert.Attempts + 1
	start := s.clock.Now()
	err := s.deliver(ctx, alert)
	elapsed := s.clock.Now().Sub(start)

	if err == nil {
		if s.metrics != nil {
			s.metrics.ObserveAlert(alert.AlertType, "delivered", elapsed, attempt, false)
		}
		if err := s.store.MarkAlertDelivered(ctx, alert.ID); err != nil {
			s.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("alert ack failed")
		}
		return
	}

	toDLQ := attempt >= s.maxAttempts
	next := s.clock.Now().Add(s.backoff(attempt))
	if s.metrics != nil {
		s.metrics.ObserveAlert(alert.AlertType, "failed", elapsed, attempt, toDLQ)
	}
	event := s.logger.Warn().Err(err).
		Str("alert_id", alert.ID).
		Str("alert_type", alert.AlertType).
		Int("attempt", attempt)
	if toDLQ {
		event.Msg("alert delivery exhausted, parking in DLQ")
	} else {
		event.Time("next_attempt_at", next).Msg("alert delivery failed, will retry")
	}
	if err := s.store.MarkAlertFailed(ctx, alert.ID, err.Error(), next, toDLQ); err != nil {
		s.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("alert failure record failed")
	}
}

// deliver posts one alert through the webhook breaker.
func (s *Service) deliver(ctx context.Context, alert storage.PendingAlert) error {
	if s.url == "" {
		return fmt.Errorf("alerts: no webhook configured")
	}
	do := func() (interface{}, error) {
		body, err := json.Marshal(map[string]interface{}{
			"alert_type": alert.AlertType,
			"alert_id":   alert.ID,
			"payload":    json.RawMessage(alert.Payload),
			"created_at": alert.CreatedAt.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range s.headers {
			req.Header.Set(k, v)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("alerts: webhook status %d", resp.StatusCode)
		}
		return nil, nil
	}
	var err error
	if s.breakers != nil {
		_, err = s.breakers.Execute(circuitbreaker.ServiceAlerts, do)
	} else {
		_, err = do()
	}
	return err
}

// backoff is exponential with jitter in [d/2, d], capped at maxInterval.
func (s *Service) backoff(attempt int) time.Duration {
	d := float64(s.initialInterval)
	for i := 1; i < attempt; i++ {
		d *= s.multiplier
		if d >= float64(s.maxInterval) {
			d = float64(s.maxInterval)
			break
		}
	}
	half := int64(d) / 2
	return time.Duration(half + rand.Int63n(half+1))
}
