// Package creditnote holds overpayment balances. When a settlement pays
// more than a challenge asked for, the surplus becomes a credit note: a
// capped per-wallet KV balance that future payments draw down, backed by a
// durable note record. The cap bounds how much float a single wallet can
// accumulate; issuance beyond it is refused and the surplus forfeited with
// an audit record.
package creditnote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/kv"
	"github.com/dekapay/gateway/internal/metrics"
	"github.com/dekapay/gateway/internal/storage"
	"github.com/dekapay/gateway/pkg/x402"
)

// ErrCapExceeded is returned when issuing a note would push the wallet's
// credit balance past the cap.
var ErrCapExceeded = errors.New("creditnote: wallet credit cap exceeded")

// Service issues and applies credit notes.
type Service struct {
	kv      kv.Store
	store   storage.Store
	clock   clock.Clock
	ids     *clock.IDGenerator
	cap     int64
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// Options wires a Service. Cap and TTL fall back to the protocol defaults.
type Options struct {
	KV      kv.Store
	Store   storage.Store
	Clock   clock.Clock
	IDs     *clock.IDGenerator
	Cap     int64
	TTL     time.Duration
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// New creates a Service.
func New(opts Options) *Service {
	capAtomic := opts.Cap
	if capAtomic <= 0 {
		capAtomic = x402.MaxCreditNoteAtomic
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = x402.CreditNoteTTL
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	ids := opts.IDs
	if ids == nil {
		ids = clock.NewIDGenerator(clk)
	}
	return &Service{
		kv:      opts.KV,
		store:   opts.Store,
		clock:   clk,
		ids:     ids,
		cap:     capAtomic,
		ttl:     ttl,
		metrics: opts.Metrics,
		logger:  opts.Logger.With().Str("component", "creditnote").Logger(),
	}
}

func balanceKey(wallet string) string {
	return "credit:" + strings.ToLower(wallet)
}

// Issue credits a wallet with an overpayment surplus. The KV balance moves
// first under the cap; the note record is written only when the credit
// landed, so a refused issue leaves no trace beyond the audit log.
func (s *Service) Issue(ctx context.Context, wallet string, amount int64, sourceQuoteID string) (storage.CreditNote, error) {
	if amount <= 0 {
		return storage.CreditNote{}, fmt.Errorf("creditnote: non-positive amount %d", amount)
	}

	status, balance, err := s.kv.AddCapped(ctx, balanceKey(wallet), amount, s.cap, s.ttl)
	if err != nil {
		return storage.CreditNote{}, fmt.Errorf("creditnote: credit balance: %w", err)
	}
	if status == kv.StatusCapExceeded {
		s.logger.Warn().
			Str("wallet", wallet).
			Int64("amount", amount).
			Int64("balance", balance).
			Int64("cap", s.cap).
			Str("source_quote_id", sourceQuoteID).
			Msg("credit note refused, wallet at cap")
		return storage.CreditNote{}, ErrCapExceeded
	}

	now := s.clock.Now()
	note := storage.CreditNote{
		NoteID:        s.ids.Nonce(),
		Wallet:        strings.ToLower(wallet),
		Amount:        amount,
		SourceQuoteID: sourceQuoteID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	}
	if s.store != nil {
		if err := s.store.SaveCreditNote(ctx, note); err != nil {
			// Balance is live; the record is audit trail. Log and carry on.
			s.logger.Error().Err(err).Str("wallet", wallet).Msg("credit note record write failed")
		}
	}
	if s.metrics != nil {
		s.metrics.ObserveCreditNote(amount)
	}
	s.logger.Info().
		Str("wallet", note.Wallet).
		Int64("amount", amount).
		Int64("balance", balance).
		Str("source_quote_id", sourceQuoteID).
		Msg("credit note issued")
	return note, nil
}

// Apply draws down up to required from the wallet's credit balance and
// returns how much was covered and what remains due.
func (s *Service) Apply(ctx context.Context, wallet string, required int64) (used, remainingDue int64, err error) {
	if required <= 0 {
		return 0, 0, nil
	}
	used, _, err = s.kv.DrawDown(ctx, balanceKey(wallet), required)
	if err != nil {
		return 0, required, fmt.Errorf("creditnote: draw down: %w", err)
	}
	return used, required - used, nil
}

// Restore returns previously drawn credit after the payment it was drawn
// for was rejected. The cap can only refuse here if a concurrent issue
// refilled the balance in between; the refused amount is then forfeited
// like any over-cap surplus.
func (s *Service) Restore(ctx context.Context, wallet string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	status, _, err := s.kv.AddCapped(ctx, balanceKey(wallet), amount, s.cap, s.ttl)
	if err != nil {
		return fmt.Errorf("creditnote: restore: %w", err)
	}
	if status == kv.StatusCapExceeded {
		s.logger.Warn().
			Str("wallet", wallet).
			Int64("amount", amount).
			Msg("credit restore refused, wallet at cap")
	}
	return nil
}

// Balance returns the wallet's live credit balance.
func (s *Service) Balance(ctx context.Context, wallet string) (int64, error) {
	raw, found, err := s.kv.Get(ctx, balanceKey(wallet))
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	var balance int64
	if _, err := fmt.Sscanf(raw, "%d", &balance); err != nil {
		return 0, fmt.Errorf("creditnote: corrupt balance for %s: %w", wallet, err)
	}
	return balance, nil
}
