// Package versioning stores records as immutable version chains. Every
// update writes a new version under its own key and then moves a latest
// pointer with a compare-and-set, so concurrent writers cannot silently
// overwrite each other: the loser retries once against the fresh head and
// then surfaces a version conflict.
package versioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/kv"
)

// ErrVersionConflict reports a CAS loss that persisted through the retry.
var ErrVersionConflict = errors.New("versioning: version conflict")

// ErrNotFound reports a record with no versions.
var ErrNotFound = errors.New("versioning: record not found")

// VersionedRecord is one immutable version of a record.
type VersionedRecord struct {
	RecordID  string          `json:"record_id"`
	Version   int64           `json:"version"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store keeps version chains in the KV store. Versions live forever under
// "ver:{id}:{n}"; "ver:{id}:latest" points at the head.
type Store struct {
	kv    kv.Store
	clock clock.Clock
}

// NewStore creates a versioned record store.
func NewStore(kvStore kv.Store, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.System{}
	}
	return &Store{kv: kvStore, clock: clk}
}

func versionKey(recordID string, version int64) string {
	return fmt.Sprintf("ver:%s:%d", recordID, version)
}

func latestKey(recordID string) string {
	return "ver:" + recordID + ":latest"
}

// Latest returns the head version of a record.
func (s *Store) Latest(ctx context.Context, recordID string) (VersionedRecord, error) {
	raw, found, err := s.kv.Get(ctx, latestKey(recordID))
	if err != nil {
		return VersionedRecord{}, err
	}
	if !found {
		return VersionedRecord{}, ErrNotFound
	}
	var head int64
	if _, err := fmt.Sscanf(raw, "%d", &head); err != nil {
		return VersionedRecord{}, fmt.Errorf("versioning: corrupt latest pointer for %s: %w", recordID, err)
	}
	return s.Version(ctx, recordID, head)
}

// Version returns one specific version of a record.
func (s *Store) Version(ctx context.Context, recordID string, version int64) (VersionedRecord, error) {
	raw, found, err := s.kv.Get(ctx, versionKey(recordID, version))
	if err != nil {
		return VersionedRecord{}, err
	}
	if !found {
		return VersionedRecord{}, ErrNotFound
	}
	var record VersionedRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return VersionedRecord{}, fmt.Errorf("versioning: corrupt version %d of %s: %w", version, recordID, err)
	}
	return record, nil
}

// Update applies mutate to the head payload and writes the result as a new
// version. On a CAS loss it reloads the head and retries exactly once; a
// second loss is ErrVersionConflict. A nil head is passed to mutate when
// the record does not exist yet.
func (s *Store) Update(ctx context.Context, recordID string, mutate func(current json.RawMessage) (json.RawMessage, error)) (VersionedRecord, error) {
	record, err := s.tryUpdate(ctx, recordID, mutate)
	if err == nil || !errors.Is(err, errCASLost) {
		return record, err
	}
	record, err = s.tryUpdate(ctx, recordID, mutate)
	if errors.Is(err, errCASLost) {
		return VersionedRecord{}, ErrVersionConflict
	}
	return record, err
}

var errCASLost = errors.New("versioning: cas lost")

func (s *Store) tryUpdate(ctx context.Context, recordID string, mutate func(json.RawMessage) (json.RawMessage, error)) (VersionedRecord, error) {
	head, err := s.Latest(ctx, recordID)
	var expected string
	switch {
	case errors.Is(err, ErrNotFound):
		expected = "" // matches an absent latest pointer
	case err != nil:
		return VersionedRecord{}, err
	default:
		expected = fmt.Sprintf("%d", head.Version)
	}

	var current json.RawMessage
	if expected != "" {
		current = head.Payload
	}
	next, err := mutate(current)
	if err != nil {
		return VersionedRecord{}, err
	}

	record := VersionedRecord{
		RecordID:  recordID,
		Version:   head.Version + 1,
		Payload:   next,
		UpdatedAt: s.clock.Now(),
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return VersionedRecord{}, err
	}

	// Versions are immutable: claim the slot first, then move the pointer.
	// Losing either write means a concurrent update won this version.
	ok, err := s.kv.SetNX(ctx, versionKey(recordID, record.Version), string(encoded), 0)
	if err != nil {
		return VersionedRecord{}, err
	}
	if !ok {
		return VersionedRecord{}, errCASLost
	}
	ok, err = s.kv.CompareAndSet(ctx, latestKey(recordID), expected, fmt.Sprintf("%d", record.Version), 0)
	if err != nil {
		return VersionedRecord{}, err
	}
	if !ok {
		return VersionedRecord{}, errCASLost
	}
	return record, nil
}

// History returns all versions from 1 through the head, oldest first.
func (s *Store) History(ctx context.Context, recordID string) ([]VersionedRecord, error) {
	head, err := s.Latest(ctx, recordID)
	if err != nil {
		return nil, err
	}
	out := make([]VersionedRecord, 0, head.Version)
	for v := int64(1); v <= head.Version; v++ {
		record, err := s.Version(ctx, recordID, v)
		if errors.Is(err, ErrNotFound) {
			// A stranded gap from a lost CAS; skip it.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}
