package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dekapay/gateway/internal/auth"
	apierrors "github.com/dekapay/gateway/internal/errors"
	"github.com/dekapay/gateway/internal/logger"
	"github.com/dekapay/gateway/pkg/responders"
)

type nonceRequest struct {
	WalletAddress string `json:"wallet_address"`
}

// authNonce starts a wallet login: it returns the message the wallet must
// sign.
func (s *Server) authNonce(w http.ResponseWriter, r *http.Request) {
	var body nonceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.WalletAddress == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "wallet_address is required", map[string]interface{}{"field": "wallet_address"})
		return
	}
	message, err := s.auth.Nonce(r.Context(), body.WalletAddress)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "Invalid wallet address")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]string{"message": message})
}

type verifyRequest struct {
	WalletAddress string `json:"wallet_address"`
	Signature     string `json:"signature"`
}

// authVerify completes a wallet login and returns the session token.
func (s *Server) authVerify(w http.ResponseWriter, r *http.Request) {
	var body verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.WalletAddress == "" || body.Signature == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "wallet_address and signature are required")
		return
	}

	session, err := s.auth.Verify(r.Context(), body.WalletAddress, body.Signature)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrNonceUnknown):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeNonceReplayed, "No outstanding login nonce; request a new one")
		return
	case errors.Is(err, auth.ErrBadSignature):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "Signature verification failed")
		return
	default:
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("wallet verify failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "Internal error")
		return
	}

	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"token":          session.Token,
		"expires_in":     session.ExpiresIn,
		"wallet_address": session.Wallet,
	})
}

// jwks publishes the session verification key.
func (s *Server) jwks(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, s.auth.JWKS())
}
