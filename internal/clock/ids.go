package clock

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// IDGenerator mints ULIDs and v4 UUID nonces. ULIDs are 26-character,
// lexicographically sortable, and strictly monotonic within one process;
// the journal relies on that ordering.
type IDGenerator struct {
	clock Clock

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewIDGenerator creates a generator backed by the given clock and
// crypto/rand entropy.
func NewIDGenerator(c Clock) *IDGenerator {
	return &IDGenerator{
		clock:   c,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// ULID returns a fresh monotonic ULID. Safe for concurrent use.
func (g *IDGenerator) ULID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	id, err := ulid.New(ulid.Timestamp(now), g.entropy)
	if err != nil {
		// Monotonic overflow within one millisecond; retry on the next tick.
		id = ulid.MustNew(ulid.Timestamp(now.Add(time.Millisecond)), g.entropy)
	}
	return id.String()
}

// Nonce returns a random v4 UUID string.
func (g *IDGenerator) Nonce() string {
	return uuid.NewString()
}

// ParseULID validates a ULID string.
func ParseULID(s string) (ulid.ULID, error) {
	return ulid.ParseStrict(s)
}
