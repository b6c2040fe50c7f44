package recovery

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/config"
	"github.com/dekapay/gateway/internal/wal"
)

// seedWAL writes n entries into dir and returns the directory.
func seedWAL(t *testing.T, dir string, n int) {
	t.Helper()
	log, err := wal.Open(wal.Options{Dir: dir, IDs: clock.NewIDGenerator(clock.System{}), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	defer log.Close()
	for i := 0; i < n; i++ {
		if _, err := log.Append(context.Background(), 1, "ledger.grant", []byte(`{"n":1}`)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func newEngine(t *testing.T, cfg config.RecoveryConfig, sources []Source) *Engine {
	t.Helper()
	return NewEngine(Options{
		Config:  cfg,
		Sources: sources,
		Clock:   clock.System{},
		Logger:  zerolog.Nop(),
	})
}

func TestRunRestoresFromLocalWAL(t *testing.T) {
	dir := t.TempDir()
	seedWAL(t, dir, 4)

	engine := newEngine(t, config.RecoveryConfig{WALDir: dir}, nil)
	applied := 0
	report, err := engine.Run(context.Background(), func(wal.Entry) error {
		applied++
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Source != "local_wal" || report.State != StateRunning {
		t.Fatalf("report = %+v", report)
	}
	if report.EntriesReplayed != 4 || applied != 4 {
		t.Fatalf("replayed = %d (applied %d)", report.EntriesReplayed, applied)
	}
}

func TestRunFallsBackToTemplate(t *testing.T) {
	dir := t.TempDir()

	engine := newEngine(t, config.RecoveryConfig{WALDir: dir}, nil)
	report, err := engine.Run(context.Background(), func(wal.Entry) error { return nil })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Source != "template" || report.State != StateDegraded {
		t.Fatalf("report = %+v", report)
	}
	if report.EntriesReplayed != 0 {
		t.Fatalf("replayed = %d", report.EntriesReplayed)
	}
}

// snapshotTarball tars up every WAL segment in dir.
func snapshotTarball(t *testing.T, dir string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	matches, err := filepath.Glob(filepath.Join(dir, "wal-*.log"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		if err := tw.WriteHeader(&tar.Header{
			Name:     filepath.Base(path),
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(raw)),
		}); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write(raw); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestRunRestoresFromObjectStore(t *testing.T) {
	seed := t.TempDir()
	seedWAL(t, seed, 3)
	snapshot := snapshotTarball(t, seed)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(snapshot)
	}))
	defer server.Close()

	dest := t.TempDir()
	cfg := config.RecoveryConfig{WALDir: dest}
	sources := []Source{
		&LocalWALSource{Dir: dest}, // empty, will be skipped
		&ObjectStoreSource{URL: server.URL},
		&TemplateSource{},
	}
	engine := newEngine(t, cfg, sources)
	report, err := engine.Run(context.Background(), func(wal.Entry) error { return nil })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Source != "object_store" || report.State != StateDegraded {
		t.Fatalf("report = %+v", report)
	}
	if report.FilesRestored == 0 || report.EntriesReplayed != 3 {
		t.Fatalf("report = %+v", report)
	}
}

// hangingSource never answers its probe inside the timeout.
type hangingSource struct{}

func (hangingSource) Name() string { return "hanging" }
func (hangingSource) IsAvailable(ctx context.Context) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}
func (hangingSource) Restore(context.Context, string) (int, error) { return 0, nil }

func TestRunSkipsSourceThatTimesOut(t *testing.T) {
	dest := t.TempDir()
	cfg := config.RecoveryConfig{
		WALDir:       dest,
		ProbeTimeout: config.Duration{Duration: 20 * time.Millisecond},
	}
	engine := newEngine(t, cfg, []Source{hangingSource{}, &TemplateSource{}})

	start := time.Now()
	report, err := engine.Run(context.Background(), func(wal.Entry) error { return nil })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Source != "template" {
		t.Fatalf("report = %+v", report)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("probe timeout not enforced, took %v", elapsed)
	}
}

func TestLoopDetection(t *testing.T) {
	dir := t.TempDir()
	seedWAL(t, dir, 1)
	cfg := config.RecoveryConfig{WALDir: dir}

	var last Report
	for i := 0; i < 3; i++ {
		engine := newEngine(t, cfg, nil)
		report, err := engine.Run(context.Background(), func(wal.Entry) error { return nil })
		if err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
		last = report
	}
	if last.State != StateLoopDetected {
		t.Fatalf("state after 3 rapid boots = %s", last.State)
	}
}
