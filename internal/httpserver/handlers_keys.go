package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/dekapay/gateway/internal/errors"
	"github.com/dekapay/gateway/internal/logger"
	"github.com/dekapay/gateway/internal/storage"
	"github.com/dekapay/gateway/internal/tenant"
	"github.com/dekapay/gateway/pkg/responders"
)

type createKeyRequest struct {
	Name string `json:"name"`
}

// createKey issues a new API key for the session wallet. The plaintext
// token appears in this response and never again.
func (s *Server) createKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wallet := sessionWallet(ctx)

	var body createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "Malformed JSON body")
		return
	}

	plain, record, err := s.keys.Issue(ctx, wallet, tenant.FromContext(ctx), body.Name)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("key issue failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "Could not issue key")
		return
	}
	responders.JSON(w, http.StatusCreated, map[string]interface{}{
		"key_id":     record.KeyID,
		"name":       record.Name,
		"token":      plain.Token(),
		"created_at": record.CreatedAt,
	})
}

// ownedKey loads a key and checks the session wallet owns it.
func (s *Server) ownedKey(w http.ResponseWriter, r *http.Request) (storage.APIKey, bool) {
	ctx := r.Context()
	keyID := chi.URLParam(r, "id")

	record, err := s.store.GetAPIKey(ctx, keyID)
	if errors.Is(err, storage.ErrNotFound) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeKeyNotFound, "Unknown key")
		return storage.APIKey{}, false
	}
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("key lookup failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeStorageError, "Storage unavailable")
		return storage.APIKey{}, false
	}
	if !strings.EqualFold(record.Wallet, sessionWallet(ctx)) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeTenantMismatch, "Key belongs to a different wallet")
		return storage.APIKey{}, false
	}
	return record, true
}

// revokeKey revokes a key owned by the session wallet.
func (s *Server) revokeKey(w http.ResponseWriter, r *http.Request) {
	record, ok := s.ownedKey(w, r)
	if !ok {
		return
	}
	if err := s.keys.Revoke(r.Context(), record.KeyID); err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("key revoke failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeStorageError, "Could not revoke key")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"key_id":  record.KeyID,
		"revoked": true,
	})
}

// keyBalance reports the ledger account backing a key.
func (s *Server) keyBalance(w http.ResponseWriter, r *http.Request) {
	record, ok := s.ownedKey(w, r)
	if !ok {
		return
	}
	account, err := s.ledger.Balance(r.Context(), "key:"+record.KeyID)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("balance lookup failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeStorageError, "Storage unavailable")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"key_id":             record.KeyID,
		"unlocked_micro_usd": account.Unlocked,
		"reserved_micro_usd": account.Reserved,
		"consumed_micro_usd": account.Consumed,
		"total_micro_usd":    account.Total(),
	})
}
