package storage

import "time"

// Account holds the MicroUSD counters for one balance holder. The key is
// either "key:{key_id}" for the API-key path or "wallet:{address}" for
// x402 payers. All counters are non-negative at rest; the ledger's
// conservation checkpoint enforces that on every mutation.
type Account struct {
	Key       string    `json:"key" bson:"key"`
	TenantID  string    `json:"tenant_id" bson:"tenant_id"`
	Unlocked  int64     `json:"unlocked" bson:"unlocked"`  // spendable micro-USD
	Reserved  int64     `json:"reserved" bson:"reserved"`  // held by in-flight reservations
	Consumed  int64     `json:"consumed" bson:"consumed"`  // finalized spend
	Allocated int64     `json:"allocated" bson:"allocated"` // granted but locked
	Expired   int64     `json:"expired" bson:"expired"`   // lapsed grants
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Total is the conserved grand total across all counters.
func (a Account) Total() int64 {
	return a.Unlocked + a.Reserved + a.Consumed + a.Allocated + a.Expired
}

// Reservation is a time-boxed hold on an account balance. It terminates in
// exactly one of finalize or rollback; passing ExpiresAt is equivalent to
// rollback at read time.
type Reservation struct {
	ID         string    `json:"id" bson:"id"`
	AccountKey string    `json:"account_key" bson:"account_key"`
	Amount     int64     `json:"amount" bson:"amount"` // micro-USD
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
	ExpiresAt  time.Time `json:"expires_at" bson:"expires_at"`
}

// APIKey is the stored form of an issued key. The plaintext secret is never
// stored: LookupHash is an HMAC of the plaintext under a process-wide
// pepper (usable as an index), SecretHash is an argon2id hash (usable only
// for verification). The spendable balance lives in the ledger account
// "key:{key_id}", not here.
type APIKey struct {
	KeyID      string    `json:"key_id" bson:"key_id"`
	TenantID   string    `json:"tenant_id" bson:"tenant_id"`
	Wallet     string    `json:"wallet" bson:"wallet"` // owning wallet (session identity)
	LookupHash string    `json:"lookup_hash" bson:"lookup_hash"`
	SecretHash string    `json:"secret_hash" bson:"secret_hash"`
	Name       string    `json:"name" bson:"name"`
	Revoked    bool      `json:"revoked" bson:"revoked"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
}

// BillingEvent is one append-only billing record. RequestID is unique
// across the log; a second append with the same RequestID is a duplicate
// and must be rejected so retried requests never double-bill.
type BillingEvent struct {
	EventID   string            `json:"event_id" bson:"event_id"`
	RequestID string            `json:"request_id" bson:"request_id"`
	TenantID  string            `json:"tenant_id" bson:"tenant_id"`
	EventType string            `json:"event_type" bson:"event_type"` // key_debit | x402_receipt | grant | credit_note
	Method    string            `json:"method" bson:"method"`     // api_key | x402 | stripe
	AccountKey string           `json:"account_key" bson:"account_key"`
	Amount    int64             `json:"amount" bson:"amount"` // micro-USD
	Model     string            `json:"model" bson:"model"`
	Metadata  map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at" bson:"created_at"`
}

// CreditNote records one overpayment refund-in-kind. The spendable balance
// is the capped KV counter; the note is the durable audit record behind it.
type CreditNote struct {
	NoteID        string    `json:"note_id" bson:"note_id"`
	Wallet        string    `json:"wallet" bson:"wallet"`
	Amount        int64     `json:"amount" bson:"amount"` // token base units
	SourceQuoteID string    `json:"source_quote_id" bson:"source_quote_id"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
	ExpiresAt     time.Time `json:"expires_at" bson:"expires_at"`
}

// VerificationFailure captures a rejected receipt for fraud analysis.
// Recording is best-effort; failures to record never fail the request.
type VerificationFailure struct {
	ID          string            `json:"id" bson:"id"`
	Nonce       string            `json:"nonce" bson:"nonce"`
	TxHash      string            `json:"tx_hash" bson:"tx_hash"`
	Reason      string            `json:"reason" bson:"reason"`
	FraudSignal bool              `json:"fraud_signal" bson:"fraud_signal"`
	Metadata    map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at" bson:"created_at"`
}

// AlertStatus tracks a pending alert through the delivery queue.
type AlertStatus string

const (
	AlertPending    AlertStatus = "pending"
	AlertProcessing AlertStatus = "processing"
	AlertDelivered  AlertStatus = "delivered"
	AlertDLQ        AlertStatus = "dlq"
)

// PendingAlert is one queued operator alert (divergence, fraud signal,
// credit-note event). Delivery is asynchronous with retries; exhausted
// alerts land in the dead-letter queue for manual requeue.
type PendingAlert struct {
	ID            string      `json:"id" bson:"id"`
	AlertType     string      `json:"alert_type" bson:"alert_type"`
	Payload       []byte      `json:"payload" bson:"payload"`
	Status        AlertStatus `json:"status" bson:"status"`
	Attempts      int         `json:"attempts" bson:"attempts"`
	LastError     string      `json:"last_error,omitempty" bson:"last_error,omitempty"`
	NextAttemptAt time.Time   `json:"next_attempt_at" bson:"next_attempt_at"`
	CreatedAt     time.Time   `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" bson:"updated_at"`
}
