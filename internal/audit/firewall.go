package audit

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/config"
	"github.com/dekapay/gateway/internal/metrics"
)

// ErrDenied reports a write intent the firewall refused. The audit trail
// carries the denied record; the wrapped operation never ran.
var ErrDenied = errors.New("audit: write intent denied")

// WriteIntent describes a provider mutation before it happens.
type WriteIntent struct {
	JobID      string
	TemplateID string
	Action     string
	Files      []string // paths the mutation will touch
	DiffBytes  int64
}

// Firewall gates provider mutations. Every intent is audited before the
// operation runs; the outcome is audited after. Denials stop at the first
// violated rule.
type Firewall struct {
	trail   *Trail
	cfg     config.FirewallConfig
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewFirewall creates a Firewall writing through the given trail.
func NewFirewall(trail *Trail, cfg config.FirewallConfig, m *metrics.Metrics, logger zerolog.Logger) *Firewall {
	return &Firewall{
		trail:   trail,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("component", "firewall").Logger(),
	}
}

// excluded matches file against the exclude patterns. Patterns ending in
// "/**" exclude a whole subtree; anything else is a path.Match glob.
func (f *Firewall) excluded(file string) (string, bool) {
	for _, pattern := range f.cfg.ExcludePatterns {
		if ok, _ := path.Match(pattern, file); ok {
			return pattern, true
		}
		if strings.HasSuffix(pattern, "/**") && strings.HasPrefix(file, strings.TrimSuffix(pattern, "**")) {
			return pattern, true
		}
	}
	return "", false
}

// check returns the first violated rule, or "".
func (f *Firewall) check(intent WriteIntent) (rule, detail string) {
	for _, file := range intent.Files {
		if pattern, ok := f.excluded(file); ok {
			return "exclude_pattern", fmt.Sprintf("%s matches %s", file, pattern)
		}
	}
	if f.cfg.MaxFilesPerPR > 0 && len(intent.Files) > f.cfg.MaxFilesPerPR {
		return "max_files", fmt.Sprintf("%d files, limit %d", len(intent.Files), f.cfg.MaxFilesPerPR)
	}
	if f.cfg.MaxDiffBytes > 0 && intent.DiffBytes > f.cfg.MaxDiffBytes {
		return "max_diff_bytes", fmt.Sprintf("%d bytes, limit %d", intent.DiffBytes, f.cfg.MaxDiffBytes)
	}
	return "", ""
}

// Execute audits and runs one mutation. The intent record is written
// before op runs; ok or err after; denied intents never run op.
func (f *Firewall) Execute(ctx context.Context, intent WriteIntent, op func(context.Context) error) error {
	data := map[string]string{
		"files":      strings.Join(intent.Files, ","),
		"diff_bytes": fmt.Sprintf("%d", intent.DiffBytes),
	}
	entry := Entry{
		JobID:      intent.JobID,
		TemplateID: intent.TemplateID,
		Action:     intent.Action,
		Data:       data,
	}

	if rule, detail := f.check(intent); rule != "" {
		entry.Phase = PhaseDenied
		entry.Data["rule"] = rule
		entry.Data["detail"] = detail
		if _, err := f.trail.Append(ctx, entry); err != nil {
			return err
		}
		if f.metrics != nil {
			f.metrics.FirewallDenialsTotal.WithLabelValues(rule).Inc()
		}
		f.logger.Warn().
			Str("job_id", intent.JobID).
			Str("action", intent.Action).
			Str("rule", rule).
			Str("detail", detail).
			Msg("write intent denied")
		return fmt.Errorf("%w: %s (%s)", ErrDenied, rule, detail)
	}

	entry.Phase = PhaseIntent
	if _, err := f.trail.Append(ctx, entry); err != nil {
		return err
	}

	opErr := op(ctx)

	outcome := Entry{
		JobID:      intent.JobID,
		TemplateID: intent.TemplateID,
		Action:     intent.Action,
		Phase:      PhaseOK,
	}
	if opErr != nil {
		outcome.Phase = PhaseErr
		outcome.Data = map[string]string{"error": opErr.Error()}
	}
	if _, err := f.trail.Append(ctx, outcome); err != nil {
		f.logger.Error().Err(err).Str("job_id", intent.JobID).Msg("audit outcome append failed")
	}
	return opErr
}
