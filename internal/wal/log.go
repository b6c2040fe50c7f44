package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/kv"
	"github.com/dekapay/gateway/internal/metrics"
	"github.com/dekapay/gateway/internal/money"
)

// Entry is one WAL record. Entries are ordered by EntryID (monotonic
// ULID); PrevOffset chains each entry to the byte offset of its
// predecessor within the segment; Checksum is stamped at append and
// verified at replay.
type Entry struct {
	EntryID      string          `json:"entry_id"`
	PrevOffset   int64           `json:"prev_offset"`
	FencingToken int64           `json:"fencing_token"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	Checksum     uint32          `json:"checksum"`
}

// checksum covers every field except the checksum itself.
func (e Entry) checksum() uint32 {
	h := crc32.NewIEEE()
	fmt.Fprintf(h, "%s|%d|%d|%s|", e.EntryID, e.PrevOffset, e.FencingToken, e.EventType)
	h.Write(e.Payload)
	return h.Sum32()
}

// ErrStaleToken is returned when an append's fencing token has been
// superseded by a newer writer. The caller must stop writing immediately.
var ErrStaleToken = fmt.Errorf("wal: stale fencing token")

// ErrCorruptFence is returned when the fence CAS key holds an
// uninterpretable value. Appends fail closed.
var ErrCorruptFence = fmt.Errorf("wal: corrupt fence state")

// Log is the append-only journal. One segment file is active at a time;
// when it passes SegmentBytes a new segment starts. Appends are
// serialized by a mutex; readers replay completed state without touching
// writer internals.
type Log struct {
	dir          string
	segmentBytes int64
	store        kv.Store
	fenceCASKey  string
	ids          *clock.IDGenerator
	metrics      *metrics.Metrics
	logger       zerolog.Logger

	mu         sync.Mutex
	file       *os.File
	segment    int
	offset     int64
	prevOffset int64
}

// Options configures a Log.
type Options struct {
	Dir          string
	SegmentBytes int64    // 0 means a single unbounded segment
	Store        kv.Store // fence CAS; nil disables fencing (single-node)
	FenceCASKey  string
	IDs          *clock.IDGenerator
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
}

// Open opens (or creates) the log directory and positions the writer at
// the end of the newest segment.
func Open(opts Options) (*Log, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}
	if opts.FenceCASKey == "" {
		opts.FenceCASKey = "wal:fence:applied"
	}

	l := &Log{
		dir:          opts.Dir,
		segmentBytes: opts.SegmentBytes,
		store:        opts.Store,
		fenceCASKey:  opts.FenceCASKey,
		ids:          opts.IDs,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With().Str("component", "wal").Logger(),
	}

	segments, err := l.segments()
	if err != nil {
		return nil, err
	}
	if len(segments) > 0 {
		l.segment = segmentNumber(segments[len(segments)-1])
	} else {
		l.segment = 1
	}
	if err := l.openSegment(); err != nil {
		return nil, err
	}
	return l, nil
}

func segmentName(n int) string {
	return fmt.Sprintf("wal-%06d.log", n)
}

func segmentNumber(name string) int {
	base := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(name), "wal-"), ".log")
	n, _ := strconv.Atoi(base)
	return n
}

func (l *Log) segments() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, "wal-*.log"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (l *Log) openSegment() error {
	path := filepath.Join(l.dir, segmentName(l.segment))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open segment: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	if l.file != nil {
		l.file.Close()
	}
	l.file = file
	l.offset = info.Size()
	l.prevOffset = 0
	return nil
}

// Append stamps, fences, and durably writes one entry. The fencing token
// is validated through the fence CAS before any byte reaches disk: STALE
// aborts the append, CORRUPT fails closed.
func (l *Log) Append(ctx context.Context, token int64, eventType string, payload interface{}) (Entry, error) {
	if token < 0 || token > money.MaxSafeInt {
		return Entry{}, fmt.Errorf("wal: invalid fencing token %d", token)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("wal: marshal payload: %w", err)
	}

	if l.store != nil {
		status, err := l.store.FenceCAS(ctx, l.fenceCASKey, token)
		if err != nil {
			l.observeAppend("error")
			return Entry{}, fmt.Errorf("wal: fence validation: %w", err)
		}
		switch status {
		case kv.StatusOK:
		case kv.StatusStale:
			l.observeFenceRejection("STALE")
			return Entry{}, ErrStaleToken
		default:
			l.observeFenceRejection("CORRUPT")
			return Entry{}, ErrCorruptFence
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		EntryID:      l.ids.ULID(),
		PrevOffset:   l.prevOffset,
		FencingToken: token,
		EventType:    eventType,
		Payload:      raw,
	}
	entry.Checksum = entry.checksum()

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, err
	}
	line = append(line, '\n')

	startOffset := l.offset
	if _, err := l.file.Write(line); err != nil {
		l.observeAppend("error")
		return Entry{}, fmt.Errorf("wal: write: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.observeAppend("error")
		return Entry{}, fmt.Errorf("wal: sync: %w", err)
	}
	l.prevOffset = startOffset
	l.offset += int64(len(line))
	l.observeAppend("ok")

	if l.segmentBytes > 0 && l.offset >= l.segmentBytes {
		l.segment++
		if err := l.openSegment(); err != nil {
			return entry, err
		}
	}
	return entry, nil
}

// Replay streams every entry in order to apply, verifying checksums. A
// checksum mismatch stops the replay with an error naming the entry.
func (l *Log) Replay(ctx context.Context, apply func(Entry) error) (int, error) {
	return Replay(ctx, l.dir, apply)
}

// Replay reads a WAL directory without opening it for writes. Recovery
// uses this before the writer election has happened.
func Replay(ctx context.Context, dir string, apply func(Entry) error) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "wal-*.log"))
	if err != nil {
		return 0, err
	}
	sort.Strings(matches)

	applied := 0
	for _, path := range matches {
		n, err := replaySegment(ctx, path, apply)
		applied += n
		if err != nil {
			return applied, err
		}
	}
	return applied, nil
}

func replaySegment(ctx context.Context, path string, apply func(Entry) error) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	applied := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return applied, fmt.Errorf("wal: malformed entry in %s: %w", filepath.Base(path), err)
		}
		if entry.checksum() != entry.Checksum {
			return applied, fmt.Errorf("wal: checksum mismatch at entry %s", entry.EntryID)
		}
		if err := apply(entry); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, scanner.Err()
}

// Close flushes and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Log) observeAppend(status string) {
	if l.metrics != nil {
		l.metrics.WALAppendsTotal.WithLabelValues(status).Inc()
	}
}

func (l *Log) observeFenceRejection(status string) {
	if l.metrics != nil {
		l.metrics.WALFenceRejectionsTotal.WithLabelValues(status).Inc()
	}
	l.observeAppend("rejected")
}
