// Package grants turns Stripe checkout completions into ledger credit.
// The flow is one-directional: a top-up session carries the target account
// key in its metadata; when the signed webhook confirms completion, the
// paid amount is granted to that account, idempotently on the Stripe event
// id so webhook redelivery never double-credits.
package grants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/checkout/session"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/dekapay/gateway/internal/circuitbreaker"
	"github.com/dekapay/gateway/internal/config"
	"github.com/dekapay/gateway/internal/ledger"
	"github.com/dekapay/gateway/internal/logger"
	"github.com/dekapay/gateway/internal/metrics"
	"github.com/dekapay/gateway/internal/money"
)

const metadataAccountKey = "account_key"

// ErrNoAccountKey reports a completed checkout with no target account.
var ErrNoAccountKey = errors.New("grants: checkout metadata missing account_key")

// Ledger is the slice of the ledger the grant path needs.
type Ledger interface {
	Grant(ctx context.Context, accountKey string, amount int64, source, eventID string) error
}

// Service creates top-up sessions and applies completion webhooks.
type Service struct {
	cfg      config.StripeConfig
	ledger   Ledger
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewService configures stripe-go and returns a Service.
func NewService(cfg config.StripeConfig, led Ledger, breakers *circuitbreaker.Manager, m *metrics.Metrics, log zerolog.Logger) *Service {
	stripeapi.Key = cfg.SecretKey
	return &Service{
		cfg:      cfg,
		ledger:   led,
		breakers: breakers,
		metrics:  m,
		logger:   log.With().Str("component", "grants").Logger(),
	}
}

// TopUpRequest describes one credit purchase.
type TopUpRequest struct {
	AccountKey    string // "key:{id}" or "wallet:{address}"
	AmountCents   int64
	CustomerEmail string
}

// CreateTopUpSession builds a Stripe Checkout session whose completion
// webhook will credit the account.
func (s *Service) CreateTopUpSession(ctx context.Context, req TopUpRequest) (*stripeapi.CheckoutSession, error) {
	if req.AccountKey == "" {
		return nil, errors.New("grants: account key required")
	}
	if req.AmountCents <= 0 {
		return nil, errors.New("grants: positive amount required")
	}
	params := &stripeapi.CheckoutSessionParams{
		Mode:               stripeapi.String(string(stripeapi.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripeapi.StringSlice([]string{"card"}),
		SuccessURL:         stripeapi.String(s.cfg.SuccessURL),
		CancelURL:          stripeapi.String(s.cfg.CancelURL),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{
			{
				Quantity: stripeapi.Int64(1),
				PriceData: &stripeapi.CheckoutSessionLineItemPriceDataParams{
					Currency: stripeapi.String("usd"),
					ProductData: &stripeapi.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripeapi.String("Inference credits"),
					},
					UnitAmount: stripeapi.Int64(req.AmountCents),
				},
			},
		},
	}
	params.Metadata = map[string]string{metadataAccountKey: req.AccountKey}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripeapi.String(req.CustomerEmail)
	}

	create := func() (interface{}, error) { return session.New(params) }
	var (
		result interface{}
		err    error
	)
	if s.breakers != nil {
		result, err = s.breakers.Execute(circuitbreaker.ServiceStripe, create)
	} else {
		result, err = create()
	}
	if err != nil {
		return nil, fmt.Errorf("grants: create checkout session: %w", err)
	}
	return result.(*stripeapi.CheckoutSession), nil
}

// GrantEvent is a normalized checkout completion.
type GrantEvent struct {
	EventID     string
	SessionID   string
	AccountKey  string
	AmountCents int64
	Customer    string
}

// HandleWebhook verifies the signature and applies the event. Event types
// other than checkout completion are acknowledged and ignored.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if s.cfg.WebhookSecret == "" {
		return errors.New("grants: webhook secret not configured")
	}
	event, err := webhook.ConstructEvent(payload, signature, s.cfg.WebhookSecret)
	if err != nil {
		return fmt.Errorf("grants: webhook signature: %w", err)
	}
	if event.Type != "checkout.session.completed" {
		log := logger.FromContext(ctx)
		log.Debug().Str("event_type", event.Type).Msg("ignoring stripe event")
		return nil
	}

	var checkout stripeapi.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &checkout); err != nil {
		return fmt.Errorf("grants: decode checkout session: %w", err)
	}
	accountKey := ""
	if checkout.Metadata != nil {
		accountKey = checkout.Metadata[metadataAccountKey]
	}
	return s.Apply(ctx, GrantEvent{
		EventID:     event.ID,
		SessionID:   checkout.ID,
		AccountKey:  accountKey,
		AmountCents: checkout.AmountTotal,
		Customer:    checkout.CustomerEmail,
	})
}

// Apply grants the paid amount to the target account. Redelivered events
// are recognized by the ledger's idempotency guard and acknowledged.
func (s *Service) Apply(ctx context.Context, event GrantEvent) error {
	if event.AccountKey == "" {
		return ErrNoAccountKey
	}
	amount, err := money.FromCents(event.AmountCents)
	if err != nil {
		return fmt.Errorf("grants: bad amount %d cents: %w", event.AmountCents, err)
	}
	if amount <= 0 {
		return fmt.Errorf("grants: non-positive amount %d cents", event.AmountCents)
	}

	err = s.ledger.Grant(ctx, event.AccountKey, amount.Micros(), "stripe", event.EventID)
	switch {
	case err == nil:
		s.observe("granted")
		s.logger.Info().
			Str("account_key", event.AccountKey).
			Str("session_id", event.SessionID).
			Int64("amount_micro_usd", amount.Micros()).
			Msg("stripe grant applied")
		return nil
	case errors.Is(err, ledger.ErrDuplicateRequest):
		s.observe("duplicate")
		s.logger.Debug().Str("event_id", event.EventID).Msg("stripe event already applied")
		return nil
	default:
		s.observe("error")
		return fmt.Errorf("grants: apply grant: %w", err)
	}
}

func (s *Service) observe(status string) {
	if s.metrics != nil {
		s.metrics.ObserveBillingEvent("grant", status)
	}
}
