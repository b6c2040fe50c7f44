package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/dekapay/gateway/internal/dispatch"
	apierrors "github.com/dekapay/gateway/internal/errors"
	"github.com/dekapay/gateway/internal/logger"
	"github.com/dekapay/gateway/internal/observability"
	"github.com/dekapay/gateway/internal/paywall"
	"github.com/dekapay/gateway/internal/pricing"
	"github.com/dekapay/gateway/internal/ratelimit"
	"github.com/dekapay/gateway/pkg/responders"
)

const maxChatBody = 1 << 20

type chatRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

type chatResponse struct {
	RequestID    string        `json:"request_id"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Output       string        `json:"output"`
	FinishReason string        `json:"finish_reason"`
	Usage        pricing.Usage `json:"usage"`
	Cost         pricing.Cost  `json:"cost"`
	Payment      string        `json:"payment"`
}

func paymentMethod(kind paywall.DecisionKind) string {
	switch kind {
	case paywall.DecisionKeyAuth:
		return "api_key"
	case paywall.DecisionReceipt:
		return "x402"
	default:
		return "free"
	}
}

// chat is the paid inference endpoint: decision, cost reservation,
// dispatch, response.
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	started := s.clock.Now()

	var body chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&body); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "Malformed JSON body")
		return
	}
	if body.Prompt == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "prompt is required", map[string]interface{}{"field": "prompt"})
		return
	}

	decision := s.engine.Decide(ctx, paywall.Request{
		Path:          r.URL.Path,
		Method:        r.Method,
		Authorization: r.Header.Get("Authorization"),
		ReceiptTxHash: r.Header.Get("X-Payment-Receipt"),
		ReceiptNonce:  r.Header.Get("X-Payment-Nonce"),
		Model:         body.Model,
		Prompt:        body.Prompt,
		MaxTokens:     body.MaxTokens,
		RequestID:     middleware.GetReqID(ctx),
		ClientIP:      clientIP(r),
	})

	switch decision.Kind {
	case paywall.DecisionNeedsPayment:
		writeChallenge(w, *decision.Challenge)
		return
	case paywall.DecisionAmbiguous, paywall.DecisionDenied:
		writeDecisionError(w, decision)
		return
	}

	// Forecast spend is reserved against the daily ceiling before dispatch
	// and reconciled with the actual cost after. Fail closed: unreachable
	// counter means no dispatch.
	var reservation *ratelimit.CostReservation
	if s.cost != nil {
		var err error
		reservation, err = s.cost.Reserve(ctx, decision.Cost.Total.Cents())
		switch {
		case err == nil:
		case errors.Is(err, ratelimit.ErrCostCeiling):
			apierrors.WriteErrorRetryAfter(w, apierrors.ErrCodeGlobalLimit,
				"Daily spend ceiling reached", secondsToUTCMidnight(s.clock.Now()))
			return
		case errors.Is(err, ratelimit.ErrCostUnavailable):
			apierrors.WriteSimpleError(w, apierrors.ErrCodeLimiterUnhealthy, "Spend controls unavailable")
			return
		default:
			log.Error().Err(err).Msg("cost reservation failed")
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "Internal error")
			return
		}
	}

	resp, err := s.dispatcher.Dispatch(ctx, dispatch.ChatRequest{
		Model:     body.Model,
		Prompt:    body.Prompt,
		MaxTokens: body.MaxTokens,
		RequestID: decision.RequestID,
	})
	if err != nil {
		// The request context may be gone; the reservation release must
		// still run, detached and fire-and-forget.
		if reservation != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := reservation.Release(ctx, 0); err != nil {
					s.logger.Warn().Err(err).Msg("cost reservation release failed")
				}
			}()
		}
		outcome := string(apierrors.ErrCodeProviderUnavailable)
		switch {
		case errors.Is(err, dispatch.ErrAllProvidersOpen):
			outcome = string(apierrors.ErrCodeBudgetCircuitOpen)
			apierrors.WriteSimpleError(w, apierrors.ErrCodeBudgetCircuitOpen, "All providers unavailable")
		case errors.Is(err, context.Canceled):
			// Client went away mid-dispatch; nothing left to write.
			outcome = "canceled"
			log.Debug().Msg("chat request canceled by client")
		default:
			log.Warn().Err(err).Msg("provider dispatch failed")
			apierrors.WriteSimpleError(w, apierrors.ErrCodeProviderUnavailable, "Upstream provider error")
		}
		s.hooks.EmitPaymentObserved(ctx, observability.PaymentObservedEvent{
			Method:      paymentMethod(decision.Kind),
			Model:       body.Model,
			AmountMicro: decision.Cost.Total.Micros(),
			Outcome:     outcome,
			Duration:    s.clock.Now().Sub(started),
		})
		return
	}

	actual := decision.Cost
	if s.pricing != nil {
		actual = s.pricing.Actual(ctx, resp.Model, resp.Usage)
	}
	if reservation != nil {
		if err := reservation.Release(ctx, actual.Total.Cents()); err != nil {
			log.Warn().Err(err).Msg("cost reservation release failed")
		}
	}

	s.hooks.EmitPaymentObserved(ctx, observability.PaymentObservedEvent{
		Method:      paymentMethod(decision.Kind),
		Model:       resp.Model,
		AmountMicro: actual.Total.Micros(),
		Outcome:     "ok",
		Duration:    s.clock.Now().Sub(started),
	})

	paymentResponseHeader(w, decision.Receipt)
	responders.JSON(w, http.StatusOK, chatResponse{
		RequestID:    decision.RequestID,
		Provider:     resp.Provider,
		Model:        resp.Model,
		Output:       resp.Output,
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
		Cost:         actual,
		Payment:      paymentMethod(decision.Kind),
	})
}

// clientIP is the admission identity for anonymous requests. RealIP has
// already rewritten RemoteAddr from the forwarding headers.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// secondsToUTCMidnight is the Retry-After for daily windows.
func secondsToUTCMidnight(now time.Time) int {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return int(midnight.Sub(now).Seconds())
}
