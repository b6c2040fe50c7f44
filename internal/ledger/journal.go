package ledger

import (
	"encoding/json"
	"time"
)

// Journal event types written to the WAL. Reconciliation replays these to
// rederive balances.
const (
	EventReserve      = "ledger.reserve"
	EventFinalize     = "ledger.finalize"
	EventRollback     = "ledger.rollback"
	EventExpire       = "ledger.expire"
	EventDebit        = "ledger.debit"
	EventGrant        = "ledger.grant"
	EventCompensation = "ledger.compensation"
)

// Account counter names used by journal legs.
const (
	CounterUnlocked  = "unlocked"
	CounterReserved  = "reserved"
	CounterConsumed  = "consumed"
	CounterAllocated = "allocated"
	CounterExpired   = "expired"
	CounterFunding   = "funding" // external side of grants
)

// ExternalPrefix marks the synthetic accounts that balance grants and other
// value entering or leaving the system. Rederivation skips them.
const ExternalPrefix = "external:"

// Leg is one counter movement inside a journal entry.
type Leg struct {
	Account string `json:"account"`
	Counter string `json:"counter"`
	Delta   int64  `json:"delta"` // micro-USD
}

// JournalEntry is the durable record of one ledger mutation. Legs always
// sum to zero: value never appears or vanishes inside an entry, it only
// moves between counters, with external accounts carrying the funding side
// of grants.
type JournalEntry struct {
	EventType     string    `json:"event_type"`
	AccountKey    string    `json:"account_key"`
	ReservationID string    `json:"reservation_id,omitempty"`
	RequestID     string    `json:"request_id,omitempty"`
	Legs          []Leg     `json:"legs"`
	At            time.Time `json:"at"`
}

// ZeroSum reports whether the entry's legs cancel out.
func (j JournalEntry) ZeroSum() bool {
	var sum int64
	for _, leg := range j.Legs {
		sum += leg.Delta
	}
	return sum == 0
}

// externalDelta is the net value entering the accounted system: the
// negation of what the external legs carry.
func (j JournalEntry) externalDelta() int64 {
	var ext int64
	for _, leg := range j.Legs {
		if isExternal(leg.Account) {
			ext += leg.Delta
		}
	}
	return -ext
}

func isExternal(account string) bool {
	return len(account) > len(ExternalPrefix) && account[:len(ExternalPrefix)] == ExternalPrefix
}

// DecodeJournalEntry parses a journal payload as written to the WAL.
func DecodeJournalEntry(payload []byte) (JournalEntry, error) {
	var entry JournalEntry
	err := json.Unmarshal(payload, &entry)
	return entry, err
}

// IsJournalEvent reports whether a WAL event type belongs to the ledger
// journal.
func IsJournalEvent(eventType string) bool {
	switch eventType {
	case EventReserve, EventFinalize, EventRollback, EventExpire, EventDebit, EventGrant, EventCompensation:
		return true
	}
	return false
}
