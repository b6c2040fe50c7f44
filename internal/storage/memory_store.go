package storage

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is the in-process Store. A single mutex serializes every
// operation, which gives AtomicDebit the same winner-takes-the-balance
// semantics the SQL conditional update has.
type MemoryStore struct {
	mu sync.Mutex

	accounts     map[string]Account
	reservations map[string]Reservation
	keys         map[string]APIKey
	keysByLookup map[string]string // lookup hash -> key id
	billing      []BillingEvent
	billingByReq map[string]struct{}
	creditNotes  []CreditNote
	failures     []VerificationFailure
	alerts       map[string]PendingAlert
	alertSeq     int64
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]Account),
		reservations: make(map[string]Reservation),
		keys:         make(map[string]APIKey),
		keysByLookup: make(map[string]string),
		billingByReq: make(map[string]struct{}),
		alerts:       make(map[string]PendingAlert),
	}
}

func (s *MemoryStore) GetAccount(_ context.Context, key string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[key]
	if !ok {
		return Account{}, ErrNotFound
	}
	return account, nil
}

func (s *MemoryStore) PutAccount(_ context.Context, account Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.Key] = account
	return nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) AtomicDebit(_ context.Context, key string, amount int64) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[key]
	if !ok {
		return Account{}, ErrNotFound
	}
	if account.Unlocked < amount {
		return Account{}, ErrInsufficient
	}
	account.Unlocked -= amount
	account.Reserved += amount
	account.UpdatedAt = time.Now().UTC()
	s.accounts[key] = account
	return account, nil
}

// SupportsAtomicDebit is true for the memory store: the store mutex makes
// the read-check-write in AtomicDebit indivisible.
func (s *MemoryStore) SupportsAtomicDebit() bool { return true }

func (s *MemoryStore) SaveReservation(_ context.Context, res Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[res.ID] = res
	return nil
}

func (s *MemoryStore) GetReservation(_ context.Context, id string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	return res, nil
}

func (s *MemoryStore) DeleteReservation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[id]; !ok {
		return ErrNotFound
	}
	delete(s.reservations, id)
	return nil
}

func (s *MemoryStore) ListReservations(_ context.Context) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Reservation, 0, len(s.reservations))
	for _, r := range s.reservations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveAPIKey(_ context.Context, key APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.KeyID] = key
	s.keysByLookup[key.LookupHash] = key.KeyID
	return nil
}

func (s *MemoryStore) GetAPIKey(_ context.Context, keyID string) (APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok {
		return APIKey{}, ErrNotFound
	}
	return key, nil
}

func (s *MemoryStore) GetAPIKeyByLookupHash(_ context.Context, lookupHash string) (APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keyID, ok := s.keysByLookup[lookupHash]
	if !ok {
		return APIKey{}, ErrNotFound
	}
	return s.keys[keyID], nil
}

func (s *MemoryStore) ListAPIKeysByWallet(_ context.Context, wallet string) ([]APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []APIKey
	for _, k := range s.keys {
		if k.Wallet == wallet {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out, nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok {
		return ErrNotFound
	}
	key.Revoked = true
	s.keys[keyID] = key
	return nil
}

func (s *MemoryStore) AppendBillingEvent(_ context.Context, event BillingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.billingByReq[event.RequestID]; seen {
		return ErrDuplicate
	}
	s.billingByReq[event.RequestID] = struct{}{}
	s.billing = append(s.billing, event)
	return nil
}

func (s *MemoryStore) ListBillingEvents(_ context.Context, accountKey string, limit int) ([]BillingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []BillingEvent
	for i := len(s.billing) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if accountKey == "" || s.billing[i].AccountKey == accountKey {
			out = append(out, s.billing[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveCreditNote(_ context.Context, note CreditNote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creditNotes = append(s.creditNotes, note)
	return nil
}

func (s *MemoryStore) ListCreditNotes(_ context.Context, wallet string) ([]CreditNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CreditNote
	for _, n := range s.creditNotes {
		if wallet == "" || n.Wallet == wallet {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *MemoryStore) RecordVerificationFailure(_ context.Context, failure VerificationFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure)
	return nil
}

func (s *MemoryStore) ListVerificationFailures(_ context.Context, limit int) ([]VerificationFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []VerificationFailure
	for i := len(s.failures) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, s.failures[i])
	}
	return out, nil
}

func (s *MemoryStore) EnqueueAlert(_ context.Context, alert PendingAlert) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if alert.ID == "" {
		s.alertSeq++
		alert.ID = "alert-" + strconv.FormatInt(s.alertSeq, 10)
	}
	if alert.Status == "" {
		alert.Status = AlertPending
	}
	s.alerts[alert.ID] = alert
	return alert.ID, nil
}

func (s *MemoryStore) DequeueAlerts(_ context.Context, now time.Time, limit int) ([]PendingAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingAlert
	for _, a := range s.alerts {
		if a.Status == AlertPending && !a.NextAttemptAt.After(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkAlertProcessing(_ context.Context, alertID string) error {
	return s.setAlertStatus(alertID, AlertProcessing, "", time.Time{})
}

func (s *MemoryStore) MarkAlertDelivered(_ context.Context, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[alertID]; !ok {
		return ErrNotFound
	}
	delete(s.alerts, alertID)
	return nil
}

func (s *MemoryStore) MarkAlertFailed(_ context.Context, alertID, errorMsg string, nextAttemptAt time.Time, toDLQ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[alertID]
	if !ok {
		return ErrNotFound
	}
	alert.Attempts++
	alert.LastError = errorMsg
	alert.UpdatedAt = time.Now().UTC()
	if toDLQ {
		alert.Status = AlertDLQ
	} else {
		alert.Status = AlertPending
		alert.NextAttemptAt = nextAttemptAt
	}
	s.alerts[alertID] = alert
	return nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, status AlertStatus, limit int) ([]PendingAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingAlert
	for _, a := range s.alerts {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RequeueAlert(_ context.Context, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[alertID]
	if !ok {
		return ErrNotFound
	}
	alert.Status = AlertPending
	alert.NextAttemptAt = time.Time{}
	alert.LastError = ""
	alert.UpdatedAt = time.Now().UTC()
	s.alerts[alertID] = alert
	return nil
}

func (s *MemoryStore) setAlertStatus(alertID string, status AlertStatus, errorMsg string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[alertID]
	if !ok {
		return ErrNotFound
	}
	alert.Status = status
	if errorMsg != "" {
		alert.LastError = errorMsg
	}
	if !next.IsZero() {
		alert.NextAttemptAt = next
	}
	alert.UpdatedAt = time.Now().UTC()
	s.alerts[alertID] = alert
	return nil
}

func (s *MemoryStore) Close() error { return nil }
