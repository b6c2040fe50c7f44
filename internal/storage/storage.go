// Package storage provides the durable stores behind the ledger, key
// validator, billing recorder, and alert queue. Three backends implement
// the same interface: an in-process memory store for tests and single-node
// development, Postgres for production SQL deployments, and MongoDB where
// a document store is already operated.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dekapay/gateway/internal/config"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when a uniqueness constraint rejects a write,
// most importantly the unique-on-request-id billing index.
var ErrDuplicate = errors.New("storage: duplicate")

// ErrInsufficient is returned by AtomicDebit when the account's unlocked
// balance cannot cover the requested amount.
var ErrInsufficient = errors.New("storage: insufficient unlocked balance")

// Store captures the persistence requirements of the admission core.
//
// Accounts and reservations belong to the ledger: nothing else may write
// them. AtomicDebit is the single-statement conditional decrement the
// ledger prefers; SupportsAtomicDebit reports whether the backend can run
// it atomically (SQL) or whether the ledger must fall back to
// read-check-write under its own serialization (memory, document stores).
type Store interface {
	// Account operations (ledger-owned).
	GetAccount(ctx context.Context, key string) (Account, error)
	PutAccount(ctx context.Context, account Account) error
	ListAccounts(ctx context.Context) ([]Account, error)

	// AtomicDebit decrements unlocked and increments reserved by amount in
	// one conditional statement: UPDATE ... SET unlocked = unlocked-$1,
	// reserved = reserved+$1 WHERE key=$2 AND unlocked >= $1. Zero affected
	// rows means a concurrent debit won the race: ErrInsufficient.
	AtomicDebit(ctx context.Context, key string, amount int64) (Account, error)
	SupportsAtomicDebit() bool

	// Reservation operations (ledger-owned).
	SaveReservation(ctx context.Context, res Reservation) error
	GetReservation(ctx context.Context, id string) (Reservation, error)
	DeleteReservation(ctx context.Context, id string) error
	ListReservations(ctx context.Context) ([]Reservation, error)

	// API key operations. The validator reads by lookup hash; the issuing
	// handler writes; revocation flips a boolean.
	SaveAPIKey(ctx context.Context, key APIKey) error
	GetAPIKey(ctx context.Context, keyID string) (APIKey, error)
	GetAPIKeyByLookupHash(ctx context.Context, lookupHash string) (APIKey, error)
	ListAPIKeysByWallet(ctx context.Context, wallet string) ([]APIKey, error)
	RevokeAPIKey(ctx context.Context, keyID string) error

	// Billing events: append-only, unique on RequestID (ErrDuplicate).
	AppendBillingEvent(ctx context.Context, event BillingEvent) error
	ListBillingEvents(ctx context.Context, accountKey string, limit int) ([]BillingEvent, error)

	// Credit notes: the durable records behind the capped KV balances.
	SaveCreditNote(ctx context.Context, note CreditNote) error
	ListCreditNotes(ctx context.Context, wallet string) ([]CreditNote, error)

	// Verification failures: best-effort fraud telemetry.
	RecordVerificationFailure(ctx context.Context, failure VerificationFailure) error
	ListVerificationFailures(ctx context.Context, limit int) ([]VerificationFailure, error)

	// Alert queue for asynchronous operator alert delivery.
	EnqueueAlert(ctx context.Context, alert PendingAlert) (string, error)
	DequeueAlerts(ctx context.Context, now time.Time, limit int) ([]PendingAlert, error)
	MarkAlertProcessing(ctx context.Context, alertID string) error
	MarkAlertDelivered(ctx context.Context, alertID string) error
	MarkAlertFailed(ctx context.Context, alertID, errorMsg string, nextAttemptAt time.Time, toDLQ bool) error
	ListAlerts(ctx context.Context, status AlertStatus, limit int) ([]PendingAlert, error)
	RequeueAlert(ctx context.Context, alertID string) error

	Close() error
}

// StoreConfig selects and tunes a backend.
type StoreConfig struct {
	Backend         string // "memory", "postgres", or "mongodb"
	PostgresURL     string
	PostgresPool    config.PostgresPoolConfig
	MongoDBURL      string
	MongoDBDatabase string
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(cfg, nil)
}

// NewStoreWithDB creates a Store, reusing sharedDB for the postgres
// backend when non-nil so the process holds a single connection pool.
func NewStoreWithDB(cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		// Memory loses every balance and replay guard on restart. It is
		// for tests and local development only.
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresURL == "" && sharedDB == nil {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		if sharedDB != nil {
			return NewPostgresStoreWithDB(sharedDB)
		}
		return NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool)
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		db := cfg.MongoDBDatabase
		if db == "" {
			db = "dekapay"
		}
		return NewMongoDBStore(cfg.MongoDBURL, db)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
