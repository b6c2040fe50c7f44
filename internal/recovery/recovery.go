// Package recovery restores durable state at boot. Sources are tried in
// priority order: the local WAL directory, an object-store snapshot, a git
// snapshot, and finally the built-in template. Every non-template source is
// bounded by per-operation timeouts and the whole cascade by an overall
// deadline; when the deadline passes, the template is forced so the process
// always comes up with *some* state. After restore the WAL is replayed
// through a caller-supplied apply callback.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/config"
	"github.com/dekapay/gateway/internal/metrics"
	"github.com/dekapay/gateway/internal/wal"
)

// States of the process after recovery.
const (
	StateRunning      = "RUNNING"
	StateDegraded     = "DEGRADED"
	StateLoopDetected = "LOOP_DETECTED"
)

const (
	defaultProbeTimeout   = 5 * time.Second
	defaultRestoreTimeout = 30 * time.Second
	defaultOverallTimeout = 120 * time.Second

	// Boot loop detection: this many boots inside the window means the
	// process is crash-cycling and operators need to know.
	loopBootCount = 3
	loopWindow    = 10 * time.Minute

	bootMarkerFile = "boot-marker.json"
)

// Source is one place state can be restored from.
type Source interface {
	Name() string
	// IsAvailable probes the source without restoring anything.
	IsAvailable(ctx context.Context) (bool, error)
	// Restore materializes state into destDir, returning files written.
	Restore(ctx context.Context, destDir string) (int, error)
}

// Report is the outcome of one recovery run.
type Report struct {
	Source          string        `json:"source"`
	State           string        `json:"state"`
	FilesRestored   int           `json:"files_restored"`
	EntriesReplayed int           `json:"entries_replayed"`
	Duration        time.Duration `json:"duration"`
}

// Engine runs the cascade.
type Engine struct {
	sources        []Source
	walDir         string
	probeTimeout   time.Duration
	restoreTimeout time.Duration
	overallTimeout time.Duration
	clock          clock.Clock
	metrics        *metrics.Metrics
	logger         zerolog.Logger
}

// Options wires an Engine. Sources override the cascade built from Config;
// leave nil to get local WAL → object store → git → template.
type Options struct {
	Config  config.RecoveryConfig
	Sources []Source
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// NewEngine creates a recovery Engine.
func NewEngine(opts Options) *Engine {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	probe := opts.Config.ProbeTimeout.Duration
	if probe <= 0 {
		probe = defaultProbeTimeout
	}
	restore := opts.Config.RestoreTimeout.Duration
	if restore <= 0 {
		restore = defaultRestoreTimeout
	}
	overall := opts.Config.OverallTimeout.Duration
	if overall <= 0 {
		overall = defaultOverallTimeout
	}
	sources := opts.Sources
	if sources == nil {
		sources = defaultCascade(opts.Config)
	}
	return &Engine{
		sources:        sources,
		walDir:         opts.Config.WALDir,
		probeTimeout:   probe,
		restoreTimeout: restore,
		overallTimeout: overall,
		clock:          clk,
		metrics:        opts.Metrics,
		logger:         opts.Logger.With().Str("component", "recovery").Logger(),
	}
}

func defaultCascade(cfg config.RecoveryConfig) []Source {
	var sources []Source
	sources = append(sources, &LocalWALSource{Dir: cfg.WALDir})
	if cfg.ObjectStoreURL != "" {
		sources = append(sources, &ObjectStoreSource{URL: cfg.ObjectStoreURL})
	}
	if cfg.GitRemote != "" {
		sources = append(sources, &GitSource{Remote: cfg.GitRemote})
	}
	sources = append(sources, &TemplateSource{Path: cfg.TemplatePath})
	return sources
}

// Run executes the cascade and replays the WAL through apply.
func (e *Engine) Run(ctx context.Context, apply func(wal.Entry) error) (Report, error) {
	start := e.clock.Now()
	deadline := start.Add(e.overallTimeout)

	var chosen Source
	files := 0
	for _, src := range e.sources {
		if _, isTemplate := src.(*TemplateSource); !isTemplate && !e.clock.Now().Before(deadline) {
			e.logger.Warn().Str("source", src.Name()).Msg("overall recovery deadline passed, forcing template")
			continue
		}
		n, err := e.try(ctx, src)
		if err != nil {
			e.logger.Warn().Err(err).Str("source", src.Name()).Msg("recovery source failed, trying next")
			continue
		}
		chosen = src
		files = n
		break
	}
	if chosen == nil {
		return Report{}, errors.New("recovery: no source could restore state")
	}
	e.logger.Info().
		Str("source", chosen.Name()).
		Int("files_restored", files).
		Msg("source_selected")

	replayed := 0
	if e.walDir != "" {
		n, err := wal.Replay(ctx, e.walDir, apply)
		if err != nil {
			return Report{}, fmt.Errorf("recovery: wal replay: %w", err)
		}
		replayed = n
	}

	report := Report{
		Source:          chosen.Name(),
		State:           e.state(chosen),
		FilesRestored:   files,
		EntriesReplayed: replayed,
		Duration:        e.clock.Now().Sub(start),
	}
	if e.metrics != nil {
		e.metrics.ObserveRecovery(report.Source, report.State, report.Duration)
	}
	e.logger.Info().
		Str("source", report.Source).
		Str("state", report.State).
		Int("entries_replayed", report.EntriesReplayed).
		Dur("duration", report.Duration).
		Msg("recovery complete")
	return report, nil
}

func (e *Engine) try(ctx context.Context, src Source) (int, error) {
	probeCtx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	ok, err := src.IsAvailable(probeCtx)
	cancel()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("recovery: %s not available", src.Name())
	}

	restoreCtx, cancel := context.WithTimeout(ctx, e.restoreTimeout)
	defer cancel()
	return src.Restore(restoreCtx, e.walDir)
}

// state classifies the outcome. Coming up from the local WAL is normal
// operation; anything else is degraded. A crash loop overrides both.
func (e *Engine) state(chosen Source) string {
	if e.loopDetected() {
		return StateLoopDetected
	}
	if _, ok := chosen.(*LocalWALSource); ok {
		return StateRunning
	}
	return StateDegraded
}

type bootMarker struct {
	Boots []time.Time `json:"boots"`
}

// loopDetected records this boot in the marker file and reports whether
// the process has been cycling.
func (e *Engine) loopDetected() bool {
	if e.walDir == "" {
		return false
	}
	path := filepath.Join(e.walDir, bootMarkerFile)
	now := e.clock.Now().UTC()

	var marker bootMarker
	if raw, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(raw, &marker)
	}
	recent := marker.Boots[:0]
	for _, b := range marker.Boots {
		if now.Sub(b) < loopWindow {
			recent = append(recent, b)
		}
	}
	marker.Boots = append(recent, now)

	if encoded, err := json.Marshal(marker); err == nil {
		if err := os.WriteFile(path, encoded, 0o644); err != nil {
			e.logger.Warn().Err(err).Msg("boot marker write failed")
		}
	}
	return len(marker.Boots) >= loopBootCount
}
