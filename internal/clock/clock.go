// Package clock provides time and identifier generation. Time is always
// injected so that journal ordering, TTL expiry, and window pruning are
// testable without sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// System is the wall clock.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time { return time.Now().UTC() }

// Manual is a hand-advanced clock for tests.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a manual clock pinned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the pinned time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set pins the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}

// NextUTCMidnight returns the first midnight strictly after t. Daily rate
// windows reset there, and Retry-After headers count down to it.
func NextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// SecondsUntilUTCMidnight returns the whole seconds from t to the next UTC
// midnight, at least 1.
func SecondsUntilUTCMidnight(t time.Time) int {
	secs := int(NextUTCMidnight(t).Sub(t.UTC()).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// UTCDate renders t as the YYYY-MM-DD key fragment used by daily counters.
func UTCDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
