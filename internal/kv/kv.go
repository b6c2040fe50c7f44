// Package kv abstracts the one external capability the admission core
// depends on: a key-value store that can run a small deterministic recipe
// against a set of keys atomically and return a single result.
//
// Two implementations exist. RedisStore executes the recipes as Lua
// scripts; MemoryStore executes them under one process-local lock with
// identical semantics and backs tests and single-node deployments.
package kv

import (
	"context"
	"errors"
	"time"
)

// Status is the enumerated result of a scripted recipe.
type Status string

const (
	StatusOK                  Status = "OK"
	StatusStale               Status = "STALE"
	StatusCorrupt             Status = "CORRUPT"
	StatusCapExceeded         Status = "CAP_EXCEEDED"
	StatusAllowed             Status = "ALLOWED"
	StatusCostCeilingExceeded Status = "COST_CEILING_EXCEEDED"
	StatusIdentityLimited     Status = "IDENTITY_LIMIT_EXCEEDED"
	StatusGlobalCapExceeded   Status = "GLOBAL_CAP_EXCEEDED"
)

// ErrUnavailable wraps transport-level failures so callers can apply their
// fail-open or fail-closed policy without inspecting driver errors.
var ErrUnavailable = errors.New("kv: store unavailable")

// TieredRequest names the three counters consulted by one admission check.
// The cost counter is read-only here; it is advanced by cost reservations.
type TieredRequest struct {
	CostKey     string
	CostCeiling int64
	IdentityKey string
	IdentityCap int64
	GlobalKey   string
	GlobalCap   int64
	TTL         time.Duration
}

// TieredResult reports the admission branch taken and the counters as of
// this check. Counts are only meaningful when Status is ALLOWED.
type TieredResult struct {
	Status        Status
	IdentityCount int64
	GlobalCount   int64
}

// Store is the atomic KV capability.
//
// Every method that mutates more than one value, or that branches on a
// read before writing, is atomic with respect to all other Store calls.
type Store interface {
	// Plain operations.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// CompareAndSet sets key to next (with ttl) iff the current value
	// equals expected; expected == "" matches an absent key.
	CompareAndSet(ctx context.Context, key, expected, next string, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key iff the current value equals expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// CompareAndExpire refreshes key's ttl iff the current value equals
	// expected. Lock keepalives are built on this.
	CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)

	// FenceCAS advances the fence key to token. Absent key: token is
	// installed. Stored value numeric and below token: token is installed.
	// Stored value at or above token: STALE. Stored value non-numeric or
	// outside [0, 2^53-1]: CORRUPT.
	FenceCAS(ctx context.Context, key string, token int64) (Status, error)

	// SlidingWindowCount removes window entries older than now-window,
	// records member at now, and returns the new cardinality.
	SlidingWindowCount(ctx context.Context, key, member string, window time.Duration, now time.Time) (int64, error)

	// TieredAllow runs the three-tier admission recipe: deny on the first
	// exceeded tier, otherwise increment identity and global together.
	TieredAllow(ctx context.Context, req TieredRequest) (TieredResult, error)

	// ConditionalIncrBy adds delta to a counter iff the result stays at or
	// under ceiling, refreshing ttl when the counter is created. Returns
	// the post-operation value (or the untouched value on denial).
	ConditionalIncrBy(ctx context.Context, key string, delta, ceiling int64, ttl time.Duration) (Status, int64, error)

	// AddCapped adds delta to a balance iff the result stays at or under
	// cap, always refreshing ttl on success. CAP_EXCEEDED leaves the
	// balance untouched.
	AddCapped(ctx context.Context, key string, delta, cap int64, ttl time.Duration) (Status, int64, error)

	// DrawDown consumes min(balance, required) from a balance and returns
	// (used, remaining).
	DrawDown(ctx context.Context, key string, required int64) (used, remaining int64, err error)

	// Publish broadcasts payload on topic; Subscribe yields payloads until
	// the returned cancel func runs.
	Publish(ctx context.Context, topic, payload string) error
	Subscribe(ctx context.Context, topic string) (<-chan string, func(), error)

	Ping(ctx context.Context) error
	Close() error
}
