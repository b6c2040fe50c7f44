// Package cacheutil holds the read-through cache helper shared by cached
// lookups.
package cacheutil

import (
	"sync"
	"time"
)

// CachedValue is a cached value with its fetch timestamp.
type CachedValue[T any] struct {
	Value     T
	FetchedAt time.Time
}

// ReadThrough checks the cache under a read lock and falls back to
// fetchAndCache under the write lock. The cache is re-checked after the
// write lock is acquired, with a fresh timestamp, so a concurrent fill is
// not treated as expired and fetched twice.
func ReadThrough[T any](
	mu *sync.RWMutex,
	checkCache func(now time.Time) (T, bool),
	fetchAndCache func(now time.Time) (T, error),
) (T, error) {
	now := time.Now()
	mu.RLock()
	if value, ok := checkCache(now); ok {
		mu.RUnlock()
		return value, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	nowAfterLock := time.Now()
	if value, ok := checkCache(nowAfterLock); ok {
		return value, nil
	}

	return fetchAndCache(nowAfterLock)
}
