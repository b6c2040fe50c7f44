// Package ledger is the credit accounting core. Every balance mutation
// moves value between the counters of an account (unlocked, reserved,
// consumed, allocated, expired), is journaled to the WAL as a zero-sum
// entry, and passes a conservation checkpoint before it sticks. In-flight
// spend is held by time-boxed reservations that terminate in exactly one
// of finalize or rollback; a reservation past its TTL is rolled back the
// moment anyone reads it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/kv"
	"github.com/dekapay/gateway/internal/metrics"
	"github.com/dekapay/gateway/internal/storage"
	"github.com/dekapay/gateway/internal/wal"
)

// Typed failures the decision layer maps onto payment responses.
var (
	// ErrCreditsLocked: the account has granted credits but none unlocked.
	ErrCreditsLocked = errors.New("ledger: credits locked")
	// ErrNoBalance: no unlocked credits at all; the caller should fall back
	// to on-chain payment.
	ErrNoBalance = errors.New("ledger: no unlocked balance")
	// ErrInsufficient: some unlocked balance, but less than the amount.
	ErrInsufficient = errors.New("ledger: insufficient unlocked balance")
	// ErrReservationNotFound: the reservation already terminated. Finalize
	// and rollback return this on repeats; callers may treat it as success.
	ErrReservationNotFound = errors.New("ledger: reservation not found")
	// ErrReservationExpired: the reservation lapsed and was rolled back.
	ErrReservationExpired = errors.New("ledger: reservation expired")
	// ErrDuplicateRequest: this request id already debited.
	ErrDuplicateRequest = errors.New("ledger: duplicate request")
	// ErrConservation: a mutation violated the conservation invariant and
	// was reversed.
	ErrConservation = errors.New("ledger: conservation violation")
)

// Journal is where the ledger records mutations before they reach storage.
type Journal interface {
	Append(ctx context.Context, token int64, eventType string, payload interface{}) (wal.Entry, error)
}

// TokenSource supplies the current fencing token. The WAL writer lock
// implements it; a nil source journals with token 0 (single-node mode).
type TokenSource interface {
	Token() int64
}

// DefaultReservationTTL bounds how long a reservation may stay pending.
const DefaultReservationTTL = 5 * time.Minute

// Options wires a Ledger.
type Options struct {
	Store          storage.Store
	KV             kv.Store // balance cache + idempotency guards; nil disables both
	Journal        Journal  // nil disables journaling
	Tokens         TokenSource
	Clock          clock.Clock
	IDs            *clock.IDGenerator
	ReservationTTL time.Duration
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
}

// Ledger serializes all mutations behind one mutex. The WAL writer
// election guarantees a single writing process, so a process-wide mutex is
// the whole story: under it, read-check-write is atomic on every backend.
type Ledger struct {
	store   storage.Store
	kv      kv.Store
	journal Journal
	tokens  TokenSource
	clock   clock.Clock
	ids     *clock.IDGenerator
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu sync.Mutex
}

// New creates a Ledger.
func New(opts Options) *Ledger {
	ttl := opts.ReservationTTL
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	ids := opts.IDs
	if ids == nil {
		ids = clock.NewIDGenerator(clk)
	}
	return &Ledger{
		store:   opts.Store,
		kv:      opts.KV,
		journal: opts.Journal,
		tokens:  opts.Tokens,
		clock:   clk,
		ids:     ids,
		ttl:     ttl,
		metrics: opts.Metrics,
		logger:  opts.Logger.With().Str("component", "ledger").Logger(),
	}
}

// Balance returns the account for a balance key, zero-valued when the
// account has never been funded.
func (l *Ledger) Balance(ctx context.Context, accountKey string) (storage.Account, error) {
	account, err := l.store.GetAccount(ctx, accountKey)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Account{Key: accountKey}, nil
	}
	return account, err
}

// Reserve holds amount of the account's unlocked balance for an in-flight
// request. Precedence when unlocked cannot cover it: all credits locked
// beats empty, empty beats partial.
func (l *Ledger) Reserve(ctx context.Context, accountKey string, amount int64) (storage.Reservation, error) {
	if amount <= 0 {
		return storage.Reservation{}, fmt.Errorf("ledger: non-positive reserve amount %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	account, err := l.Balance(ctx, accountKey)
	if err != nil {
		return storage.Reservation{}, err
	}
	if account.Unlocked < amount {
		switch {
		case account.Unlocked == 0 && account.Allocated > 0:
			l.observeReserve("credits_locked")
			return storage.Reservation{}, ErrCreditsLocked
		case account.Unlocked == 0:
			l.observeReserve("no_balance")
			return storage.Reservation{}, ErrNoBalance
		default:
			l.observeReserve("insufficient")
			return storage.Reservation{}, ErrInsufficient
		}
	}

	now := l.clock.Now()
	res := storage.Reservation{
		ID:         l.ids.Nonce(),
		AccountKey: accountKey,
		Amount:     amount,
		CreatedAt:  now,
		ExpiresAt:  now.Add(l.ttl),
	}

	entry := JournalEntry{
		EventType:     EventReserve,
		AccountKey:    accountKey,
		ReservationID: res.ID,
		At:            now,
		Legs: []Leg{
			{Account: accountKey, Counter: CounterUnlocked, Delta: -amount},
			{Account: accountKey, Counter: CounterReserved, Delta: amount},
		},
	}
	if l.store.SupportsAtomicDebit() {
		after, err := l.store.AtomicDebit(ctx, accountKey, amount)
		if errors.Is(err, storage.ErrInsufficient) {
			// A concurrent writer drained the balance between read and debit.
			l.observeReserve("insufficient")
			return storage.Reservation{}, ErrInsufficient
		}
		if err != nil {
			l.observeReserve("error")
			return storage.Reservation{}, err
		}
		if err := l.finishAppliedLocked(ctx, account, after, entry); err != nil {
			l.observeReserve("error")
			return storage.Reservation{}, err
		}
	} else if err := l.commitLocked(ctx, account, entry); err != nil {
		l.observeReserve("error")
		return storage.Reservation{}, err
	}
	if err := l.store.SaveReservation(ctx, res); err != nil {
		// Undo the hold; the reservation record is what finalize needs.
		revert := reversed(entry, EventCompensation)
		if undoErr := l.commitLocked(ctx, mustAccount(l, ctx, accountKey), revert); undoErr != nil {
			l.logger.Error().Err(undoErr).Str("account", accountKey).Msg("failed to revert reserve after save failure")
		}
		l.observeReserve("error")
		return storage.Reservation{}, fmt.Errorf("ledger: save reservation: %w", err)
	}
	l.observeReserve("reserved")
	return res, nil
}

// Finalize converts a reservation's hold into consumed spend. Repeat calls
// and calls after rollback return ErrReservationNotFound.
func (l *Ledger) Finalize(ctx context.Context, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.resolveLocked(ctx, reservationID)
	if err != nil {
		return err
	}
	entry := JournalEntry{
		EventType:     EventFinalize,
		AccountKey:    res.AccountKey,
		ReservationID: res.ID,
		At:            l.clock.Now(),
		Legs: []Leg{
			{Account: res.AccountKey, Counter: CounterReserved, Delta: -res.Amount},
			{Account: res.AccountKey, Counter: CounterConsumed, Delta: res.Amount},
		},
	}
	if err := l.terminateLocked(ctx, res, entry); err != nil {
		return err
	}
	if l.metrics != nil {
		l.metrics.FinalizesTotal.Inc()
	}
	return nil
}

// Rollback returns a reservation's hold to the unlocked balance. Repeat
// calls return ErrReservationNotFound.
func (l *Ledger) Rollback(ctx context.Context, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.resolveLocked(ctx, reservationID)
	if err != nil {
		return err
	}
	if err := l.terminateLocked(ctx, res, releaseEntry(res, EventRollback, l.clock.Now())); err != nil {
		return err
	}
	if l.metrics != nil {
		l.metrics.RollbacksTotal.Inc()
	}
	return nil
}

// Debit moves amount straight from unlocked to consumed, keyed by request
// id so a retried request never double-bills. The API-key payment path
// uses this; there is no reservation because the spend is final at
// decision time.
func (l *Ledger) Debit(ctx context.Context, accountKey, requestID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: non-positive debit amount %d", amount)
	}
	guardKey := ""
	if l.kv != nil && requestID != "" {
		guardKey = "debit:" + requestID
		ok, err := l.kv.SetNX(ctx, guardKey, accountKey, 24*time.Hour)
		if err != nil {
			// Fail closed: without the replay guard a retry could double-bill.
			return fmt.Errorf("ledger: debit idempotency guard: %w", err)
		}
		if !ok {
			return ErrDuplicateRequest
		}
	}
	// The guard marks billed requests only. On any failure it is released
	// so the same request id can retry after a top-up instead of reading
	// as already paid.
	releaseGuard := func() {
		if guardKey == "" {
			return
		}
		if err := l.kv.Del(ctx, guardKey); err != nil {
			l.logger.Warn().Err(err).Str("request_id", requestID).Msg("debit guard release failed")
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	account, err := l.Balance(ctx, accountKey)
	if err != nil {
		releaseGuard()
		return err
	}
	if account.Unlocked < amount {
		releaseGuard()
		switch {
		case account.Unlocked == 0 && account.Allocated > 0:
			return ErrCreditsLocked
		case account.Unlocked == 0:
			return ErrNoBalance
		default:
			return ErrInsufficient
		}
	}
	entry := JournalEntry{
		EventType:  EventDebit,
		AccountKey: accountKey,
		RequestID:  requestID,
		At:         l.clock.Now(),
		Legs: []Leg{
			{Account: accountKey, Counter: CounterUnlocked, Delta: -amount},
			{Account: accountKey, Counter: CounterConsumed, Delta: amount},
		},
	}
	if err := l.commitLocked(ctx, account, entry); err != nil {
		releaseGuard()
		return err
	}
	return nil
}

// Grant credits amount of unlocked balance to an account, funded by an
// external source ("stripe", "x402", "manual"). Idempotent on eventID.
func (l *Ledger) Grant(ctx context.Context, accountKey string, amount int64, source, eventID string) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: non-positive grant amount %d", amount)
	}
	guardKey := ""
	if l.kv != nil && eventID != "" {
		guardKey = "grant:" + eventID
		ok, err := l.kv.SetNX(ctx, guardKey, accountKey, 30*24*time.Hour)
		if err != nil {
			return fmt.Errorf("ledger: grant idempotency guard: %w", err)
		}
		if !ok {
			return ErrDuplicateRequest
		}
	}
	releaseGuard := func() {
		if guardKey == "" {
			return
		}
		if err := l.kv.Del(ctx, guardKey); err != nil {
			l.logger.Warn().Err(err).Str("event_id", eventID).Msg("grant guard release failed")
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	account, err := l.Balance(ctx, accountKey)
	if err != nil {
		releaseGuard()
		return err
	}
	entry := JournalEntry{
		EventType:  EventGrant,
		AccountKey: accountKey,
		RequestID:  eventID,
		At:         l.clock.Now(),
		Legs: []Leg{
			{Account: accountKey, Counter: CounterUnlocked, Delta: amount},
			{Account: ExternalPrefix + source, Counter: CounterFunding, Delta: -amount},
		},
	}
	if err := l.commitLocked(ctx, account, entry); err != nil {
		releaseGuard()
		return err
	}
	return nil
}

// SweepExpired rolls back every reservation past its TTL. The lifecycle
// runner calls this periodically; reads through resolve catch stragglers
// in between.
func (l *Ledger) SweepExpired(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := l.store.ListReservations(ctx)
	if err != nil {
		return 0, err
	}
	now := l.clock.Now()
	swept := 0
	for _, res := range all {
		if now.Before(res.ExpiresAt) {
			continue
		}
		if err := l.expireLocked(ctx, res); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

// resolveLocked loads a reservation, expiring it on read when past TTL.
func (l *Ledger) resolveLocked(ctx context.Context, id string) (storage.Reservation, error) {
	res, err := l.store.GetReservation(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Reservation{}, ErrReservationNotFound
	}
	if err != nil {
		return storage.Reservation{}, err
	}
	if !l.clock.Now().Before(res.ExpiresAt) {
		if err := l.expireLocked(ctx, res); err != nil {
			return storage.Reservation{}, err
		}
		return storage.Reservation{}, ErrReservationExpired
	}
	return res, nil
}

func (l *Ledger) expireLocked(ctx context.Context, res storage.Reservation) error {
	if err := l.terminateLocked(ctx, res, releaseEntry(res, EventExpire, l.clock.Now())); err != nil {
		return err
	}
	if l.metrics != nil {
		l.metrics.ReservationsExpiredTotal.Inc()
	}
	l.logger.Info().
		Str("reservation_id", res.ID).
		Str("account", res.AccountKey).
		Int64("amount", res.Amount).
		Msg("reservation expired, hold released")
	return nil
}

// terminateLocked applies a reservation-ending mutation and deletes the
// reservation record.
func (l *Ledger) terminateLocked(ctx context.Context, res storage.Reservation, entry JournalEntry) error {
	account, err := l.Balance(ctx, res.AccountKey)
	if err != nil {
		return err
	}
	if err := l.commitLocked(ctx, account, entry); err != nil {
		return err
	}
	if err := l.store.DeleteReservation(ctx, res.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("ledger: delete reservation: %w", err)
	}
	return nil
}

// commitLocked is the single write path: journal the entry, apply its legs,
// run the conservation checkpoint, persist, refresh the balance cache. A
// checkpoint violation reverses the mutation in memory, writes the prior
// state back, and surfaces ErrConservation.
func (l *Ledger) commitLocked(ctx context.Context, before storage.Account, entry JournalEntry) error {
	if !entry.ZeroSum() {
		return fmt.Errorf("%w: journal legs do not sum to zero", ErrConservation)
	}

	if l.journal != nil {
		var token int64
		if l.tokens != nil {
			token = l.tokens.Token()
		}
		if _, err := l.journal.Append(ctx, token, entry.EventType, entry); err != nil {
			return fmt.Errorf("ledger: journal append: %w", err)
		}
	}

	after := before
	for _, leg := range entry.Legs {
		if leg.Account != before.Key {
			continue
		}
		applyLeg(&after, leg)
	}
	after.UpdatedAt = entry.At

	if violation := checkpointViolation(before, after, entry); violation != "" {
		return l.compensateLocked(ctx, before, entry, violation)
	}

	if err := l.store.PutAccount(ctx, after); err != nil {
		return fmt.Errorf("ledger: put account: %w", err)
	}
	l.cacheBalance(ctx, after)
	return nil
}

// finishAppliedLocked journals and checkpoints a mutation the storage
// backend already applied atomically (the SQL reserve path).
func (l *Ledger) finishAppliedLocked(ctx context.Context, before, after storage.Account, entry JournalEntry) error {
	if l.journal != nil {
		var token int64
		if l.tokens != nil {
			token = l.tokens.Token()
		}
		if _, err := l.journal.Append(ctx, token, entry.EventType, entry); err != nil {
			// The debit landed but the journal did not: undo the debit so
			// storage and journal agree.
			if putErr := l.store.PutAccount(ctx, before); putErr != nil {
				l.logger.Error().Err(putErr).Str("account", before.Key).Msg("revert after journal failure also failed")
			}
			return fmt.Errorf("ledger: journal append: %w", err)
		}
	}
	if violation := checkpointViolation(before, after, entry); violation != "" {
		return l.compensateLocked(ctx, before, entry, violation)
	}
	l.cacheBalance(ctx, after)
	return nil
}

// compensateLocked reverses a violating mutation: prior state back in
// storage, a compensation entry in the journal, a metric and one error log.
func (l *Ledger) compensateLocked(ctx context.Context, before storage.Account, entry JournalEntry, violation string) error {
	if err := l.store.PutAccount(ctx, before); err != nil {
		l.logger.Error().Err(err).Str("account", before.Key).Msg("compensating write failed after conservation violation")
	}
	if l.journal != nil {
		var token int64
		if l.tokens != nil {
			token = l.tokens.Token()
		}
		if _, err := l.journal.Append(ctx, token, EventCompensation, reversed(entry, EventCompensation)); err != nil {
			l.logger.Error().Err(err).Str("account", before.Key).Msg("compensation journal entry failed")
		}
	}
	if l.metrics != nil {
		l.metrics.ConservationFailuresTotal.Inc()
	}
	l.logger.Error().
		Str("account", before.Key).
		Str("event_type", entry.EventType).
		Str("violation", violation).
		Msg("conservation checkpoint failed, mutation reversed")
	return fmt.Errorf("%w: %s", ErrConservation, violation)
}

func applyLeg(account *storage.Account, leg Leg) {
	switch leg.Counter {
	case CounterUnlocked:
		account.Unlocked += leg.Delta
	case CounterReserved:
		account.Reserved += leg.Delta
	case CounterConsumed:
		account.Consumed += leg.Delta
	case CounterAllocated:
		account.Allocated += leg.Delta
	case CounterExpired:
		account.Expired += leg.Delta
	}
}

// checkpointViolation returns a description of the first conservation
// breach, or "" when the mutation is sound: no counter below zero, and the
// grand total moved exactly by the external inflow.
func checkpointViolation(before, after storage.Account, entry JournalEntry) string {
	switch {
	case after.Unlocked < 0:
		return "unlocked below zero"
	case after.Reserved < 0:
		return "reserved below zero"
	case after.Consumed < 0:
		return "consumed below zero"
	case after.Allocated < 0:
		return "allocated below zero"
	case after.Expired < 0:
		return "expired below zero"
	}
	if after.Total() != before.Total()+entry.externalDelta() {
		return fmt.Sprintf("total moved %d, external inflow %d", after.Total()-before.Total(), entry.externalDelta())
	}
	return ""
}

// releaseEntry builds the reserved-back-to-unlocked entry used by both
// rollback and expiry.
func releaseEntry(res storage.Reservation, eventType string, at time.Time) JournalEntry {
	return JournalEntry{
		EventType:     eventType,
		AccountKey:    res.AccountKey,
		ReservationID: res.ID,
		At:            at,
		Legs: []Leg{
			{Account: res.AccountKey, Counter: CounterReserved, Delta: -res.Amount},
			{Account: res.AccountKey, Counter: CounterUnlocked, Delta: res.Amount},
		},
	}
}

// reversed flips every leg of an entry.
func reversed(entry JournalEntry, eventType string) JournalEntry {
	out := entry
	out.EventType = eventType
	out.Legs = make([]Leg, len(entry.Legs))
	for i, leg := range entry.Legs {
		leg.Delta = -leg.Delta
		out.Legs[i] = leg
	}
	return out
}

func mustAccount(l *Ledger, ctx context.Context, key string) storage.Account {
	account, err := l.Balance(ctx, key)
	if err != nil {
		return storage.Account{Key: key}
	}
	return account
}

// cacheBalance mirrors the unlocked balance into the KV cache that
// reconciliation audits. Best effort.
func (l *Ledger) cacheBalance(ctx context.Context, account storage.Account) {
	if l.kv == nil {
		return
	}
	if err := l.kv.Set(ctx, "balance:"+account.Key, strconv.FormatInt(account.Unlocked, 10), 0); err != nil {
		l.logger.Debug().Err(err).Str("account", account.Key).Msg("balance cache write failed")
	}
}

func (l *Ledger) observeReserve(outcome string) {
	if l.metrics != nil {
		l.metrics.ObserveReserve(outcome)
	}
}
