package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/dekapay/gateway/internal/audit"
	apierrors "github.com/dekapay/gateway/internal/errors"
	"github.com/dekapay/gateway/internal/logger"
	"github.com/dekapay/gateway/internal/storage"
	"github.com/dekapay/gateway/internal/tenant"
	"github.com/dekapay/gateway/pkg/responders"
)

// auditAdmin records an admin mutation on the hash chain: an intent entry
// before the action and an ok or err entry after. Audit failures are
// logged, never surfaced; the action itself already ran or was refused on
// its own terms.
func (s *Server) auditAdmin(r *http.Request, action string, data map[string]string, fn func() error) error {
	ctx := r.Context()
	if s.audit == nil {
		return fn()
	}
	if data == nil {
		data = map[string]string{}
	}
	data["tenant"] = tenant.FromContext(ctx)
	entry := audit.Entry{
		JobID:  middleware.GetReqID(ctx),
		Action: action,
		Phase:  audit.PhaseIntent,
		Data:   data,
	}
	if _, err := s.audit.Append(ctx, entry); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("audit intent append failed")
	}

	actionErr := fn()

	entry.Phase = audit.PhaseOK
	if actionErr != nil {
		entry.Phase = audit.PhaseErr
		entry.Data = map[string]string{"error": actionErr.Error(), "tenant": data["tenant"]}
	}
	if _, err := s.audit.Append(ctx, entry); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("audit outcome append failed")
	}
	return actionErr
}

// adminReconcile runs one on-demand reconciliation pass and returns its
// summary.
func (s *Server) adminReconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var summary interface{}
	err := s.auditAdmin(r, "admin.reconcile", map[string]string{"trigger": "on_demand"}, func() error {
		var err error
		summary, err = s.reconciler.Run(ctx, "on_demand")
		return err
	})
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("on-demand reconciliation failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "Reconciliation failed")
		return
	}
	responders.JSON(w, http.StatusOK, summary)
}

const dlqListLimit = 100

// adminListDLQ lists dead-lettered alerts.
func (s *Server) adminListDLQ(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	parked, err := s.store.ListAlerts(ctx, storage.AlertDLQ, dlqListLimit)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("dlq list failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeStorageError, "Storage unavailable")
		return
	}
	items := make([]map[string]interface{}, 0, len(parked))
	for _, alert := range parked {
		items = append(items, map[string]interface{}{
			"id":         alert.ID,
			"alert_type": alert.AlertType,
			"payload":    json.RawMessage(alert.Payload),
			"attempts":   alert.Attempts,
			"last_error": alert.LastError,
			"created_at": alert.CreatedAt,
		})
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{"alerts": items})
}

type requeueRequest struct {
	AlertID string `json:"alert_id"`
}

// adminRequeueDLQ moves one dead-lettered alert back to the pending queue
// and pumps delivery once.
func (s *Server) adminRequeueDLQ(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body requeueRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AlertID == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "alert_id is required", map[string]interface{}{"field": "alert_id"})
		return
	}
	err := s.auditAdmin(r, "admin.alerts.requeue", map[string]string{"alert_id": body.AlertID}, func() error {
		return s.store.RequeueAlert(ctx, body.AlertID)
	})
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeNotFound, "Unknown alert")
		return
	}
	if s.alerts != nil {
		s.alerts.Drain(ctx)
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"alert_id": body.AlertID,
		"requeued": true,
	})
}
