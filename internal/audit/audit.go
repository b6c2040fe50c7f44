// Package audit keeps a tamper-evident record of provider mutations. Every
// record hashes the previous record's hash together with its own canonical
// form, so rewriting history breaks the chain at the first altered entry.
// Envelopes are pre-redacted: callers must never put secrets in Data.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/metrics"
)

// Phases of an audited mutation.
const (
	PhaseIntent = "intent"
	PhaseOK     = "ok"
	PhaseErr    = "err"
	PhaseDenied = "denied"
)

// genesisHash anchors the chain before the first record.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Record is one link in the audit chain.
type Record struct {
	Seq        int64             `json:"seq"`
	PrevHash   string            `json:"prev_hash"`
	RecordHash string            `json:"record_hash"`
	Timestamp  time.Time         `json:"timestamp"`
	JobID      string            `json:"job_id"`
	TemplateID string            `json:"template_id"`
	Action     string            `json:"action"`
	Phase      string            `json:"phase"`
	Data       map[string]string `json:"data,omitempty"`
}

// canonical renders the hashable form: sorted-key compact JSON of every
// field except the two hashes. encoding/json sorts map keys, so marshaling
// a map gives the canonical ordering for free.
func (r Record) canonical() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"action":      r.Action,
		"data":        r.Data,
		"job_id":      r.JobID,
		"phase":       r.Phase,
		"seq":         r.Seq,
		"template_id": r.TemplateID,
		"timestamp":   r.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

func (r Record) hash() (string, error) {
	body, err := r.canonical()
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(r.PrevHash))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Trail is the append-only chain. Appends are serialized; reads copy.
type Trail struct {
	mu      sync.Mutex
	records []Record
	tip     string
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewTrail creates an empty Trail.
func NewTrail(clk clock.Clock, m *metrics.Metrics, logger zerolog.Logger) *Trail {
	if clk == nil {
		clk = clock.System{}
	}
	return &Trail{
		tip:     genesisHash,
		clock:   clk,
		metrics: m,
		logger:  logger.With().Str("component", "audit").Logger(),
	}
}

// Entry is what callers append; the Trail assigns seq, timestamp, and hashes.
type Entry struct {
	JobID      string
	TemplateID string
	Action     string
	Phase      string
	Data       map[string]string
}

// Append links a new record onto the chain.
func (t *Trail) Append(_ context.Context, e Entry) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record := Record{
		Seq:        int64(len(t.records)) + 1,
		PrevHash:   t.tip,
		Timestamp:  t.clock.Now().UTC(),
		JobID:      e.JobID,
		TemplateID: e.TemplateID,
		Action:     e.Action,
		Phase:      e.Phase,
		Data:       e.Data,
	}
	sum, err := record.hash()
	if err != nil {
		return Record{}, fmt.Errorf("audit: hash record: %w", err)
	}
	record.RecordHash = sum

	t.records = append(t.records, record)
	t.tip = sum
	if t.metrics != nil {
		t.metrics.AuditRecordsTotal.WithLabelValues(e.Action).Inc()
	}
	return record, nil
}

// Records returns a copy of the chain.
func (t *Trail) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.records))
	copy(out, t.records)
	return out
}

// Verify rolls the hashes forward over a chain. It returns the sequence
// number of the first broken record, or 0 when the chain is intact.
func Verify(records []Record) (int64, error) {
	prev := genesisHash
	for i, r := range records {
		want := int64(i) + 1
		if r.Seq != want {
			return want, fmt.Errorf("audit: seq %d out of order (have %d)", want, r.Seq)
		}
		if r.PrevHash != prev {
			return r.Seq, fmt.Errorf("audit: seq %d prev_hash mismatch", r.Seq)
		}
		sum, err := r.hash()
		if err != nil {
			return r.Seq, err
		}
		if sum != r.RecordHash {
			return r.Seq, fmt.Errorf("audit: seq %d record_hash mismatch", r.Seq)
		}
		prev = r.RecordHash
	}
	return 0, nil
}
