package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apierrors "github.com/dekapay/gateway/internal/errors"
	"github.com/dekapay/gateway/internal/grants"
	"github.com/dekapay/gateway/internal/logger"
	"github.com/dekapay/gateway/pkg/responders"
)

// Stripe caps webhook payloads at 64KB; allow some slack.
const maxWebhookBody = 128 << 10

// stripeWebhook applies Stripe checkout completions to the ledger. Always
// 200 on handled events, including redeliveries, so Stripe stops retrying.
func (s *Server) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "Unreadable payload")
		return
	}

	err = s.grants.HandleWebhook(ctx, payload, r.Header.Get("Stripe-Signature"))
	switch {
	case err == nil:
		responders.JSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, grants.ErrNoAccountKey):
		// Signed and well-formed but not ours to credit; acknowledging
		// would hide a misconfigured checkout flow.
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "Checkout session has no account key")
	default:
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("stripe webhook rejected")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeStripeError, "Webhook verification failed")
	}
}

type topUpRequest struct {
	KeyID         string `json:"key_id"`
	AmountCents   int64  `json:"amount_cents"`
	CustomerEmail string `json:"customer_email"`
}

// createTopUp starts a Stripe Checkout session crediting one of the
// session wallet's keys.
func (s *Server) createTopUp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.KeyID == "" || body.AmountCents <= 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "key_id and a positive amount_cents are required")
		return
	}

	session, err := s.grants.CreateTopUpSession(ctx, grants.TopUpRequest{
		AccountKey:    "key:" + body.KeyID,
		AmountCents:   body.AmountCents,
		CustomerEmail: body.CustomerEmail,
	})
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("top-up session creation failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeStripeError, "Could not create checkout session")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]string{
		"session_id":   session.ID,
		"checkout_url": session.URL,
	})
}
