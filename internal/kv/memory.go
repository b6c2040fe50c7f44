package kv

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dekapay/gateway/internal/clock"
)

// maxSafeInteger mirrors the bound hardcoded in the Lua recipes: values
// beyond it cannot round-trip a JSON number and mark the key corrupt.
const maxSafeInteger = int64(1)<<53 - 1

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type windowEntry struct {
	score  int64 // unix milliseconds
	member string
}

// MemoryStore is the in-process Store. A single mutex makes every recipe
// atomic, which is exactly the property the Lua scripts provide on Redis.
type MemoryStore struct {
	mu    sync.Mutex
	data  map[string]memoryEntry
	zsets map[string][]windowEntry
	subs  map[string][]chan string

	clock clock.Clock

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// NewMemoryStore creates a MemoryStore. A nil clk falls back to the system
// clock. A background goroutine prunes expired entries every minute.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.System{}
	}
	s := &MemoryStore{
		data:        make(map[string]memoryEntry),
		zsets:       make(map[string][]windowEntry),
		subs:        make(map[string][]chan string),
		clock:       clk,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.removeExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) removeExpired() {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.data {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(s.data, k)
		}
	}
}

// live returns the entry for key if present and unexpired, deleting it lazily
// otherwise. Callers hold s.mu.
func (s *MemoryStore) live(key string) (memoryEntry, bool) {
	e, ok := s.data[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && s.clock.Now().After(e.expiresAt) {
		delete(s.data, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) put(key, value string, ttl time.Duration) {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.clock.Now().Add(ttl)
	}
	s.data[key] = e
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, value, ttl)
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

func (s *MemoryStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.IncrBy(ctx, key, 1)
}

func (s *MemoryStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incrByLocked(key, delta)
}

func (s *MemoryStore) incrByLocked(key string, delta int64) (int64, error) {
	current := int64(0)
	if e, ok := s.live(key); ok {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("kv: value at %s is not an integer", key)
		}
		current = v
	}
	next := current + delta
	// Preserve any existing expiry.
	e := s.data[key]
	e.value = strconv.FormatInt(next, 10)
	s.data[key] = e
	return next, nil
}

func (s *MemoryStore) CompareAndSet(_ context.Context, key, expected, next string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if (!ok && expected == "") || (ok && e.value == expected) {
		s.put(key, next, ttl)
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.live(key); ok && e.value == expected {
		delete(s.data, key)
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) CompareAndExpire(_ context.Context, key, expected string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.live(key); ok && e.value == expected {
		e.expiresAt = s.clock.Now().Add(ttl)
		s.data[key] = e
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) FenceCAS(_ context.Context, key string, token int64) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		s.put(key, strconv.FormatInt(token, 10), 0)
		return StatusOK, nil
	}
	stored, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil || stored < 0 || stored > maxSafeInteger {
		return StatusCorrupt, nil
	}
	if token > stored {
		s.put(key, strconv.FormatInt(token, 10), 0)
		return StatusOK, nil
	}
	return StatusStale, nil
}

func (s *MemoryStore) SlidingWindowCount(_ context.Context, key, member string, window time.Duration, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-window).UnixMilli()
	kept := s.zsets[key][:0]
	for _, we := range s.zsets[key] {
		if we.score > cutoff {
			kept = append(kept, we)
		}
	}
	kept = append(kept, windowEntry{score: now.UnixMilli(), member: member})
	s.zsets[key] = kept
	return int64(len(kept)), nil
}

func (s *MemoryStore) TieredAllow(_ context.Context, req TieredRequest) (TieredResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.counterLocked(req.CostKey) >= req.CostCeiling {
		return TieredResult{Status: StatusCostCeilingExceeded}, nil
	}
	if s.counterLocked(req.IdentityKey) >= req.IdentityCap {
		return TieredResult{Status: StatusIdentityLimited}, nil
	}
	if s.counterLocked(req.GlobalKey) >= req.GlobalCap {
		return TieredResult{Status: StatusGlobalCapExceeded}, nil
	}

	ident, err := s.incrByLocked(req.IdentityKey, 1)
	if err != nil {
		return TieredResult{}, err
	}
	if ident == 1 {
		s.expireLocked(req.IdentityKey, req.TTL)
	}
	global, err := s.incrByLocked(req.GlobalKey, 1)
	if err != nil {
		return TieredResult{}, err
	}
	if global == 1 {
		s.expireLocked(req.GlobalKey, req.TTL)
	}
	return TieredResult{Status: StatusAllowed, IdentityCount: ident, GlobalCount: global}, nil
}

func (s *MemoryStore) counterLocked(key string) int64 {
	e, ok := s.live(key)
	if !ok {
		return 0
	}
	v, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func (s *MemoryStore) expireLocked(key string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if e, ok := s.data[key]; ok {
		e.expiresAt = s.clock.Now().Add(ttl)
		s.data[key] = e
	}
}

func (s *MemoryStore) ConditionalIncrBy(_ context.Context, key string, delta, ceiling int64, ttl time.Duration) (Status, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.counterLocked(key)
	if current+delta > ceiling {
		return StatusCostCeilingExceeded, current, nil
	}
	next, err := s.incrByLocked(key, delta)
	if err != nil {
		return "", 0, err
	}
	if next == delta {
		s.expireLocked(key, ttl)
	}
	return StatusOK, next, nil
}

func (s *MemoryStore) AddCapped(_ context.Context, key string, delta, cap int64, ttl time.Duration) (Status, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.counterLocked(key)
	if current+delta > cap {
		return StatusCapExceeded, current, nil
	}
	next, err := s.incrByLocked(key, delta)
	if err != nil {
		return "", 0, err
	}
	s.expireLocked(key, ttl)
	return StatusOK, next, nil
}

func (s *MemoryStore) DrawDown(_ context.Context, key string, required int64) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance := s.counterLocked(key)
	used := required
	if balance < used {
		used = balance
	}
	if used > 0 {
		if _, err := s.incrByLocked(key, -used); err != nil {
			return 0, 0, err
		}
	}
	return used, balance - used, nil
}

func (s *MemoryStore) Publish(_ context.Context, topic, payload string) error {
	s.mu.Lock()
	subs := make([]chan string, len(s.subs[topic]))
	copy(subs, s.subs[topic])
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
			// Slow subscriber; broadcast is best-effort and versioned, so
			// a dropped message is recovered by the next one.
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, topic string) (<-chan string, func(), error) {
	ch := make(chan string, 16)
	s.mu.Lock()
	s.subs[topic] = append(s.subs[topic], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[topic]
		for i, c := range subs {
			if c == ch {
				s.subs[topic] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, cancel, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close stops the cleanup goroutine. Subscribers are not closed; their
// cancel funcs own that.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}
