// Package billing appends usage events to the durable billing log without
// ever blocking the request path. Events are queued to a bounded channel
// and written by a background worker; the log is unique on request id, so
// a retried request's second event is dropped as a duplicate rather than
// double-billed.
package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/metrics"
	"github.com/dekapay/gateway/internal/storage"
)

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 5 * time.Second
)

// Recorder is the asynchronous billing writer.
type Recorder struct {
	store   storage.Store
	ids     *clock.IDGenerator
	queue   chan storage.BillingEvent
	timeout time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Options wires a Recorder.
type Options struct {
	Store        storage.Store
	IDs          *clock.IDGenerator
	QueueSize    int
	WriteTimeout time.Duration
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
}

// NewRecorder creates a Recorder and starts its worker.
func NewRecorder(opts Options) *Recorder {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	ids := opts.IDs
	if ids == nil {
		ids = clock.NewIDGenerator(clock.System{})
	}
	r := &Recorder{
		store:   opts.Store,
		ids:     ids,
		queue:   make(chan storage.BillingEvent, size),
		timeout: timeout,
		metrics: opts.Metrics,
		logger:  opts.Logger.With().Str("component", "billing").Logger(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues one event. It never blocks: when the queue is full the
// event is dropped with a metric, because stalling paid traffic to
// preserve a billing row is the wrong trade.
func (r *Recorder) Record(_ context.Context, event storage.BillingEvent) {
	if event.EventID == "" {
		event.EventID = r.ids.ULID()
	}
	select {
	case r.queue <- event:
	default:
		r.observe(event.EventType, "dropped")
		r.logger.Error().
			Str("request_id", event.RequestID).
			Str("event_type", event.EventType).
			Msg("billing queue full, event dropped")
	}
}

// Close drains the queue and stops the worker.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for {
		select {
		case event := <-r.queue:
			r.write(event)
		case <-r.stop:
			for {
				select {
				case event := <-r.queue:
					r.write(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(event storage.BillingEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	err := r.store.AppendBillingEvent(ctx, event)
	switch {
	case err == nil:
		r.observe(event.EventType, "written")
	case errors.Is(err, storage.ErrDuplicate):
		// The request already has an event: a retry, not a loss.
		r.observe(event.EventType, "duplicate")
	default:
		r.observe(event.EventType, "error")
		r.logger.Error().Err(err).
			Str("request_id", event.RequestID).
			Str("event_type", event.EventType).
			Msg("billing append failed")
	}
}

func (r *Recorder) observe(eventType, status string) {
	if r.metrics != nil {
		r.metrics.ObserveBillingEvent(eventType, status)
	}
}
