package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/dekapay/gateway/internal/config"
	"github.com/dekapay/gateway/internal/metrics"
)

// PostgresStore implements Store on PostgreSQL. The account debit is a
// single conditional UPDATE, and the billing request-id guard is a unique
// index, so both hold under full cross-process concurrency.
type PostgresStore struct {
	db      *sql.DB
	ownsDB  bool
	metrics *metrics.Metrics
}

// SetMetrics enables query timing on the request-path operations.
func (s *PostgresStore) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// NewPostgresStore connects to PostgreSQL and prepares the schema.
func NewPostgresStore(url string, pool config.PostgresPoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime.Duration)
	}
	if pool.ConnMaxIdleTime.Duration > 0 {
		db.SetConnMaxIdleTime(pool.ConnMaxIdleTime.Duration)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: db, ownsDB: true}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB wraps an existing pool; the caller keeps
// ownership and Close becomes a no-op on the connection.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			key TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT 'default',
			unlocked BIGINT NOT NULL DEFAULT 0 CHECK (unlocked >= 0),
			reserved BIGINT NOT NULL DEFAULT 0 CHECK (reserved >= 0),
			consumed BIGINT NOT NULL DEFAULT 0 CHECK (consumed >= 0),
			allocated BIGINT NOT NULL DEFAULT 0 CHECK (allocated >= 0),
			expired BIGINT NOT NULL DEFAULT 0 CHECK (expired >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS reservations (
			id TEXT PRIMARY KEY,
			account_key TEXT NOT NULL,
			amount BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			key_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT 'default',
			wallet TEXT NOT NULL DEFAULT '',
			lookup_hash TEXT NOT NULL,
			secret_hash TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			revoked BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS api_keys_lookup_hash ON api_keys (lookup_hash)`,
		`CREATE INDEX IF NOT EXISTS api_keys_wallet ON api_keys (wallet)`,
		`CREATE TABLE IF NOT EXISTS billing_events (
			event_id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT 'default',
			event_type TEXT NOT NULL,
			method TEXT NOT NULL,
			account_key TEXT NOT NULL,
			amount BIGINT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS billing_events_request_id ON billing_events (request_id)`,
		`CREATE INDEX IF NOT EXISTS billing_events_account ON billing_events (account_key, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS credit_notes (
			note_id TEXT PRIMARY KEY,
			wallet TEXT NOT NULL,
			amount BIGINT NOT NULL,
			source_quote_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS credit_notes_wallet ON credit_notes (wallet)`,
		`CREATE TABLE IF NOT EXISTS verification_failures (
			id TEXT PRIMARY KEY,
			nonce TEXT NOT NULL DEFAULT '',
			tx_hash TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL,
			fraud_signal BOOLEAN NOT NULL DEFAULT FALSE,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alert_queue (
			id TEXT PRIMARY KEY,
			alert_type TEXT NOT NULL,
			payload BYTEA NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			next_attempt_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS alert_queue_dispatch ON alert_queue (status, next_attempt_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *PostgresStore) GetAccount(ctx context.Context, key string) (Account, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_account", "postgres")()
	row := s.db.QueryRowContext(ctx,
		`SELECT key, tenant_id, unlocked, reserved, consumed, allocated, expired, updated_at
		 FROM accounts WHERE key = $1`, key)
	var a Account
	err := row.Scan(&a.Key, &a.TenantID, &a.Unlocked, &a.Reserved, &a.Consumed, &a.Allocated, &a.Expired, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return a, err
}

func (s *PostgresStore) PutAccount(ctx context.Context, a Account) error {
	defer metrics.MeasureDBQuery(s.metrics, "put_account", "postgres")()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (key, tenant_id, unlocked, reserved, consumed, allocated, expired, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (key) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			unlocked = EXCLUDED.unlocked,
			reserved = EXCLUDED.reserved,
			consumed = EXCLUDED.consumed,
			allocated = EXCLUDED.allocated,
			expired = EXCLUDED.expired,
			updated_at = now()`,
		a.Key, a.TenantID, a.Unlocked, a.Reserved, a.Consumed, a.Allocated, a.Expired)
	return err
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, tenant_id, unlocked, reserved, consumed, allocated, expired, updated_at
		 FROM accounts ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.Key, &a.TenantID, &a.Unlocked, &a.Reserved, &a.Consumed, &a.Allocated, &a.Expired, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AtomicDebit(ctx context.Context, key string, amount int64) (Account, error) {
	defer metrics.MeasureDBQuery(s.metrics, "atomic_debit", "postgres")()
	row := s.db.QueryRowContext(ctx,
		`UPDATE accounts
		 SET unlocked = unlocked - $1, reserved = reserved + $1, updated_at = now()
		 WHERE key = $2 AND unlocked >= $1
		 RETURNING key, tenant_id, unlocked, reserved, consumed, allocated, expired, updated_at`,
		amount, key)
	var a Account
	err := row.Scan(&a.Key, &a.TenantID, &a.Unlocked, &a.Reserved, &a.Consumed, &a.Allocated, &a.Expired, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the account is missing or a concurrent debit won.
		if _, getErr := s.GetAccount(ctx, key); errors.Is(getErr, ErrNotFound) {
			return Account{}, ErrNotFound
		}
		return Account{}, ErrInsufficient
	}
	return a, err
}

func (s *PostgresStore) SupportsAtomicDebit() bool { return true }

func (s *PostgresStore) SaveReservation(ctx context.Context, res Reservation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reservations (id, account_key, amount, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		res.ID, res.AccountKey, res.Amount, res.CreatedAt, res.ExpiresAt)
	return err
}

func (s *PostgresStore) GetReservation(ctx context.Context, id string) (Reservation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, account_key, amount, created_at, expires_at FROM reservations WHERE id = $1`, id)
	var r Reservation
	err := row.Scan(&r.ID, &r.AccountKey, &r.Amount, &r.CreatedAt, &r.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Reservation{}, ErrNotFound
	}
	return r, err
}

func (s *PostgresStore) DeleteReservation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM reservations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListReservations(ctx context.Context) ([]Reservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_key, amount, created_at, expires_at FROM reservations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.ID, &r.AccountKey, &r.Amount, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveAPIKey(ctx context.Context, key APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (key_id, tenant_id, wallet, lookup_hash, secret_hash, name, revoked, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (key_id) DO UPDATE SET revoked = EXCLUDED.revoked, name = EXCLUDED.name`,
		key.KeyID, key.TenantID, key.Wallet, key.LookupHash, key.SecretHash, key.Name, key.Revoked, key.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, keyID string) (APIKey, error) {
	return s.scanAPIKey(s.db.QueryRowContext(ctx,
		`SELECT key_id, tenant_id, wallet, lookup_hash, secret_hash, name, revoked, created_at
		 FROM api_keys WHERE key_id = $1`, keyID))
}

func (s *PostgresStore) GetAPIKeyByLookupHash(ctx context.Context, lookupHash string) (APIKey, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_api_key_by_lookup_hash", "postgres")()
	return s.scanAPIKey(s.db.QueryRowContext(ctx,
		`SELECT key_id, tenant_id, wallet, lookup_hash, secret_hash, name, revoked, created_at
		 FROM api_keys WHERE lookup_hash = $1`, lookupHash))
}

func (s *PostgresStore) scanAPIKey(row *sql.Row) (APIKey, error) {
	var k APIKey
	err := row.Scan(&k.KeyID, &k.TenantID, &k.Wallet, &k.LookupHash, &k.SecretHash, &k.Name, &k.Revoked, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return APIKey{}, ErrNotFound
	}
	return k, err
}

func (s *PostgresStore) ListAPIKeysByWallet(ctx context.Context, wallet string) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key_id, tenant_id, wallet, lookup_hash, secret_hash, name, revoked, created_at
		 FROM api_keys WHERE wallet = $1 ORDER BY key_id`, wallet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.KeyID, &k.TenantID, &k.Wallet, &k.LookupHash, &k.SecretHash, &k.Name, &k.Revoked, &k.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, keyID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked = TRUE WHERE key_id = $1`, keyID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendBillingEvent(ctx context.Context, event BillingEvent) error {
	defer metrics.MeasureDBQuery(s.metrics, "append_billing_event", "postgres")()
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO billing_events (event_id, request_id, tenant_id, event_type, method, account_key, amount, model, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.EventID, event.RequestID, event.TenantID, event.EventType, event.Method,
		event.AccountKey, event.Amount, event.Model, metadata, event.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) ListBillingEvents(ctx context.Context, accountKey string, limit int) ([]BillingEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, request_id, tenant_id, event_type, method, account_key, amount, model, metadata, created_at
		 FROM billing_events
		 WHERE ($1 = '' OR account_key = $1)
		 ORDER BY created_at DESC LIMIT $2`, accountKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BillingEvent
	for rows.Next() {
		var e BillingEvent
		var metadata []byte
		if err := rows.Scan(&e.EventID, &e.RequestID, &e.TenantID, &e.EventType, &e.Method, &e.AccountKey, &e.Amount, &e.Model, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveCreditNote(ctx context.Context, note CreditNote) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_notes (note_id, wallet, amount, source_quote_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		note.NoteID, note.Wallet, note.Amount, note.SourceQuoteID, note.CreatedAt, note.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) ListCreditNotes(ctx context.Context, wallet string) ([]CreditNote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT note_id, wallet, amount, source_quote_id, created_at, expires_at
		 FROM credit_notes WHERE ($1 = '' OR wallet = $1) ORDER BY created_at`, wallet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CreditNote
	for rows.Next() {
		var n CreditNote
		if err := rows.Scan(&n.NoteID, &n.Wallet, &n.Amount, &n.SourceQuoteID, &n.CreatedAt, &n.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordVerificationFailure(ctx context.Context, failure VerificationFailure) error {
	metadata, err := json.Marshal(failure.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO verification_failures (id, nonce, tx_hash, reason, fraud_signal, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		failure.ID, failure.Nonce, failure.TxHash, failure.Reason, failure.FraudSignal, metadata, failure.CreatedAt)
	return err
}

func (s *PostgresStore) ListVerificationFailures(ctx context.Context, limit int) ([]VerificationFailure, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, nonce, tx_hash, reason, fraud_signal, metadata, created_at
		 FROM verification_failures ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VerificationFailure
	for rows.Next() {
		var f VerificationFailure
		var metadata []byte
		if err := rows.Scan(&f.ID, &f.Nonce, &f.TxHash, &f.Reason, &f.FraudSignal, &metadata, &f.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &f.Metadata)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EnqueueAlert(ctx context.Context, alert PendingAlert) (string, error) {
	if alert.Status == "" {
		alert.Status = AlertPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_queue (id, alert_type, payload, status, attempts, last_error, next_attempt_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		alert.ID, alert.AlertType, alert.Payload, alert.Status, alert.Attempts, alert.LastError,
		alert.NextAttemptAt, alert.CreatedAt, alert.UpdatedAt)
	return alert.ID, err
}

func (s *PostgresStore) DequeueAlerts(ctx context.Context, now time.Time, limit int) ([]PendingAlert, error) {
	defer metrics.MeasureDBQuery(s.metrics, "dequeue_alerts", "postgres")()
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, alert_type, payload, status, attempts, last_error, next_attempt_at, created_at, updated_at
		 FROM alert_queue
		 WHERE status = 'pending' AND next_attempt_at <= $1
		 ORDER BY next_attempt_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAlerts(rows)
}

func (s *PostgresStore) MarkAlertProcessing(ctx context.Context, alertID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE alert_queue SET status = 'processing', updated_at = now()
		 WHERE id = $1 AND status = 'pending'`, alertID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkAlertDelivered(ctx context.Context, alertID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM alert_queue WHERE id = $1`, alertID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkAlertFailed(ctx context.Context, alertID, errorMsg string, nextAttemptAt time.Time, toDLQ bool) error {
	status := string(AlertPending)
	if toDLQ {
		status = string(AlertDLQ)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE alert_queue
		 SET status = $2, attempts = attempts + 1, last_error = $3, next_attempt_at = $4, updated_at = now()
		 WHERE id = $1`, alertID, status, errorMsg, nextAttemptAt)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, status AlertStatus, limit int) ([]PendingAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, alert_type, payload, status, attempts, last_error, next_attempt_at, created_at, updated_at
		 FROM alert_queue WHERE ($1 = '' OR status = $1) ORDER BY created_at LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAlerts(rows)
}

func (s *PostgresStore) RequeueAlert(ctx context.Context, alertID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE alert_queue
		 SET status = 'pending', last_error = '', next_attempt_at = now(), updated_at = now()
		 WHERE id = $1`, alertID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAlerts(rows *sql.Rows) ([]PendingAlert, error) {
	var out []PendingAlert
	for rows.Next() {
		var a PendingAlert
		var status string
		if err := rows.Scan(&a.ID, &a.AlertType, &a.Payload, &status, &a.Attempts, &a.LastError, &a.NextAttemptAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Status = AlertStatus(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
