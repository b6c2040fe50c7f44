// Package wal implements the write-ahead log and its single-writer
// election. At most one gateway process appends to the journal at a time;
// the election hands the winner a strictly monotonic fencing token, and
// every append revalidates that token so a deposed writer can never
// corrupt the log after a failover.
package wal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/kv"
	"github.com/dekapay/gateway/internal/metrics"
	"github.com/dekapay/gateway/internal/money"
)

// ErrNotHeld is returned when an operation requires the writer lock and
// this instance does not hold it.
var ErrNotHeld = fmt.Errorf("wal: writer lock not held")

// ErrTokenExhausted is returned when the fence counter would exceed the
// safe integer bound. At one acquisition per second the bound lasts over
// 285 million years, so reaching it means counter corruption.
var ErrTokenExhausted = fmt.Errorf("wal: fencing token beyond safe bound")

// WriterLock elects a single WAL writer via the KV store. The lock key
// holds the instance id with a TTL; a keepalive refreshes the TTL at
// ttl/3 and declares the lock lost the moment a refresh fails.
type WriterLock struct {
	store      kv.Store
	lockKey    string
	fenceKey   string
	instanceID string
	ttl        time.Duration
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu        sync.Mutex
	token     int64
	held      bool
	lostOnce  sync.Once
	onLost    func()
	stopKeep  chan struct{}
	keepDone  chan struct{}
}

// NewWriterLock creates an unacquired writer lock.
func NewWriterLock(store kv.Store, lockKey, instanceID string, ttl time.Duration, m *metrics.Metrics, logger zerolog.Logger) *WriterLock {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &WriterLock{
		store:      store,
		lockKey:    lockKey,
		fenceKey:   lockKey + ":fence",
		instanceID: instanceID,
		ttl:        ttl,
		metrics:    m,
		logger:     logger.With().Str("component", "wal_writer_lock").Logger(),
	}
}

// Acquire attempts to take the writer lock. On success it mints the next
// fencing token and starts the keepalive; onLost fires exactly once if the
// lock is later lost. Returns (false, nil) when another writer holds it.
func (l *WriterLock) Acquire(ctx context.Context, onLost func()) (bool, error) {
	ok, err := l.store.SetNX(ctx, l.lockKey, l.instanceID, l.ttl)
	if err != nil {
		return false, fmt.Errorf("wal: acquire lock: %w", err)
	}
	if !ok {
		return false, nil
	}

	token, err := l.store.Incr(ctx, l.fenceKey)
	if err != nil {
		_, _ = l.store.CompareAndDelete(ctx, l.lockKey, l.instanceID)
		return false, fmt.Errorf("wal: mint fencing token: %w", err)
	}
	if token < 0 || token > money.MaxSafeInt {
		// Refuse to write under an unrepresentable token.
		l.logger.Error().Int64("token", token).Msg("fencing token beyond safe bound, refusing acquisition")
		_, _ = l.store.CompareAndDelete(ctx, l.lockKey, l.instanceID)
		return false, ErrTokenExhausted
	}

	l.mu.Lock()
	l.token = token
	l.held = true
	l.onLost = onLost
	l.lostOnce = sync.Once{}
	l.stopKeep = make(chan struct{})
	l.keepDone = make(chan struct{})
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.WALLockHeld.Set(1)
	}
	l.logger.Info().Int64("fencing_token", token).Msg("wal writer lock acquired")

	go l.keepalive()
	return true, nil
}

// Token returns the current fencing token, or 0 when the lock is not held.
func (l *WriterLock) Token() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return 0
	}
	return l.token
}

// Held reports whether this instance believes it holds the lock.
func (l *WriterLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Release drops the lock if held. The conditional delete only removes the
// key when it still carries our instance id.
func (l *WriterLock) Release(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return nil
	}
	l.held = false
	l.token = 0
	stop := l.stopKeep
	done := l.keepDone
	l.mu.Unlock()

	close(stop)
	<-done

	if l.metrics != nil {
		l.metrics.WALLockHeld.Set(0)
	}
	_, err := l.store.CompareAndDelete(ctx, l.lockKey, l.instanceID)
	return err
}

func (l *WriterLock) keepalive() {
	defer close(l.keepDone)
	interval := l.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopKeep:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			ok, err := l.store.CompareAndExpire(ctx, l.lockKey, l.instanceID, l.ttl)
			cancel()
			if err == nil && ok {
				continue
			}
			l.declareLost(err)
			return
		}
	}
}

func (l *WriterLock) declareLost(cause error) {
	l.mu.Lock()
	wasHeld := l.held
	l.held = false
	l.token = 0
	onLost := l.onLost
	l.mu.Unlock()

	if !wasHeld {
		return
	}
	l.logger.Error().Err(cause).Msg("wal writer lock lost")
	if l.metrics != nil {
		l.metrics.WALLockHeld.Set(0)
		l.metrics.WALLockLostTotal.Inc()
	}
	if onLost != nil {
		l.lostOnce.Do(onLost)
	}
}
