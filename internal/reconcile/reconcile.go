// Package reconcile audits the balance cache against the journal. The
// journal is the source of truth: balances are rederived by replaying
// every ledger entry, compared with the cached values, and the cache is
// overwritten wherever the two disagree. Divergences raise operator
// alerts; small aggregate drift from rounding is tolerated up to a
// threshold.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/config"
	"github.com/dekapay/gateway/internal/kv"
	"github.com/dekapay/gateway/internal/ledger"
	"github.com/dekapay/gateway/internal/metrics"
	"github.com/dekapay/gateway/internal/wal"
)

// DefaultDriftThresholdMicros tolerates one thousandth of a dollar of
// aggregate rounding drift before escalating.
const DefaultDriftThresholdMicros = 1000

// SummaryEventType tags the run summary appended to the WAL. It is not a
// ledger journal event, so replays skip it.
const SummaryEventType = "reconcile.summary"

// Alerter receives divergence and drift alerts. The alerts queue
// implements it.
type Alerter interface {
	Publish(ctx context.Context, alertType string, payload interface{}) error
}

// Divergence is one account whose cached balance disagreed with the
// journal-derived value.
type Divergence struct {
	Account string `json:"account"`
	Cached  int64  `json:"cached"`
	Derived int64  `json:"derived"`
}

// Summary is the outcome of one reconciliation run.
type Summary struct {
	StartedAt        time.Time    `json:"started_at"`
	Duration         string       `json:"duration"`
	AccountsAudited  int          `json:"accounts_audited"`
	EntriesReplayed  int          `json:"entries_replayed"`
	Divergences      []Divergence `json:"divergences,omitempty"`
	DriftMicroUSD    int64        `json:"drift_micro_usd"`
	DriftExceeded    bool         `json:"drift_exceeded"`
	Trigger          string       `json:"trigger"` // scheduled | on_demand
}

// Options wires a Reconciler.
type Options struct {
	WALDir         string
	KV             kv.Store
	Journal        ledger.Journal // summary destination; nil skips the summary entry
	Tokens         ledger.TokenSource
	Clock          clock.Clock
	Alerts         Alerter
	Config         config.ReconcileConfig
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
}

// Reconciler rederives balances from the journal and repairs the cache.
type Reconciler struct {
	walDir    string
	kv        kv.Store
	journal   ledger.Journal
	tokens    ledger.TokenSource
	clock     clock.Clock
	alerts    Alerter
	threshold int64
	runAt     string
	enabled   bool
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	stop chan struct{}
}

// New creates a Reconciler.
func New(opts Options) *Reconciler {
	threshold := opts.Config.DriftThresholdMicros
	if threshold <= 0 {
		threshold = DefaultDriftThresholdMicros
	}
	runAt := opts.Config.RunAt
	if runAt == "" {
		runAt = "02:00"
	}
	timeout := opts.Config.Timeout.Duration
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Reconciler{
		walDir:    opts.WALDir,
		kv:        opts.KV,
		journal:   opts.Journal,
		tokens:    opts.Tokens,
		clock:     clk,
		alerts:    opts.Alerts,
		threshold: threshold,
		runAt:     runAt,
		enabled:   opts.Config.Enabled,
		timeout:   timeout,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With().Str("component", "reconcile").Logger(),
		stop:      make(chan struct{}),
	}
}

// Run performs one reconciliation pass.
func (r *Reconciler) Run(ctx context.Context, trigger string) (Summary, error) {
	start := r.clock.Now()
	summary := Summary{StartedAt: start, Trigger: trigger}

	derived := make(map[string]int64)
	replayed, err := wal.Replay(ctx, r.walDir, func(entry wal.Entry) error {
		if !ledger.IsJournalEvent(entry.EventType) {
			return nil
		}
		journalEntry, err := ledger.DecodeJournalEntry(entry.Payload)
		if err != nil {
			return fmt.Errorf("reconcile: decode journal entry %s: %w", entry.EntryID, err)
		}
		for _, leg := range journalEntry.Legs {
			if leg.Counter != ledger.CounterUnlocked {
				continue
			}
			derived[leg.Account] += leg.Delta
		}
		return nil
	})
	summary.EntriesReplayed = replayed
	if err != nil {
		return summary, err
	}

	accounts := make([]string, 0, len(derived))
	for account := range derived {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)

	var drift int64
	for _, account := range accounts {
		want := derived[account]
		raw, found, err := r.kv.Get(ctx, "balance:"+account)
		if err != nil {
			return summary, fmt.Errorf("reconcile: read cache for %s: %w", account, err)
		}
		cached := int64(0)
		if found {
			cached, err = strconv.ParseInt(raw, 10, 64)
			if err != nil {
				// Unparseable cache entries count as divergent.
				cached = 0
				found = false
			}
		}
		summary.AccountsAudited++
		if cached == want {
			continue
		}

		delta := want - cached
		if delta < 0 {
			drift -= delta
		} else {
			drift += delta
		}
		summary.Divergences = append(summary.Divergences, Divergence{
			Account: account,
			Cached:  cached,
			Derived: want,
		})
		if err := r.kv.Set(ctx, "balance:"+account, strconv.FormatInt(want, 10), 0); err != nil {
			return summary, fmt.Errorf("reconcile: repair cache for %s: %w", account, err)
		}
		r.logger.Warn().
			Str("account", account).
			Int64("cached", cached).
			Int64("derived", want).
			Bool("was_present", found).
			Msg("balance divergence repaired")
	}

	summary.DriftMicroUSD = drift
	summary.DriftExceeded = drift > r.threshold
	summary.Duration = r.clock.Now().Sub(start).String()

	if len(summary.Divergences) > 0 && r.alerts != nil {
		if err := r.alerts.Publish(ctx, "balance_divergence", summary); err != nil {
			r.logger.Error().Err(err).Msg("divergence alert publish failed")
		}
	}
	if summary.DriftExceeded {
		r.logger.Error().
			Int64("drift_micro_usd", drift).
			Int64("threshold", r.threshold).
			Msg("aggregate drift beyond rounding tolerance")
	}

	if r.journal != nil {
		var token int64
		if r.tokens != nil {
			token = r.tokens.Token()
		}
		if _, err := r.journal.Append(ctx, token, SummaryEventType, summary); err != nil {
			r.logger.Error().Err(err).Msg("summary journal entry failed")
		}
	}
	if r.metrics != nil {
		r.metrics.ObserveReconcileRun(trigger, "ok", len(summary.Divergences), drift, r.clock.Now().Sub(start))
	}
	r.logger.Info().
		Str("trigger", trigger).
		Int("accounts", summary.AccountsAudited).
		Int("entries", summary.EntriesReplayed).
		Int("divergences", len(summary.Divergences)).
		Int64("drift_micro_usd", drift).
		Msg("reconciliation complete")
	return summary, nil
}

// Start runs the daily schedule until ctx is done. Run errors are
// swallowed: one bad pass must not kill the schedule.
func (r *Reconciler) Start(ctx context.Context) {
	if !r.enabled {
		return
	}
	go func() {
		for {
			wait := r.untilNextRun()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-r.stop:
				timer.Stop()
				return
			case <-timer.C:
			}

			runCtx, cancel := context.WithTimeout(ctx, r.timeout)
			if _, err := r.Run(runCtx, "scheduled"); err != nil {
				if r.metrics != nil {
					r.metrics.ObserveReconcileRun("scheduled", "error", 0, 0, 0)
				}
				r.logger.Error().Err(err).Msg("scheduled reconciliation failed")
			}
			cancel()
		}
	}()
}

// Stop halts the schedule.
func (r *Reconciler) Stop() {
	close(r.stop)
}

func (r *Reconciler) untilNextRun() time.Duration {
	now := r.clock.Now().UTC()
	target, err := time.Parse("15:04", r.runAt)
	if err != nil {
		target, _ = time.Parse("15:04", "02:00")
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), target.Hour(), target.Minute(), 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
