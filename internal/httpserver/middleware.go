package httpserver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	apierrors "github.com/dekapay/gateway/internal/errors"
)

type contextKey string

const sessionWalletKey contextKey = "session-wallet"

// adminClockSkew bounds how stale an admin request timestamp may be.
const adminClockSkew = 5 * time.Minute

// maxAdminBody caps how much of an admin request body is read for
// signature verification.
const maxAdminBody = 1 << 20

// sessionWallet returns the wallet authenticated for this request.
func sessionWallet(ctx context.Context) string {
	wallet, _ := ctx.Value(sessionWalletKey).(string)
	return wallet
}

// sessionAuth requires a valid session token and stores the wallet in the
// request context.
func (s *Server) sessionAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeSessionInvalid, "Session token required")
			return
		}
		wallet, err := s.auth.ParseSession(token)
		if err != nil {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeSessionInvalid, "Invalid or expired session")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionWalletKey, wallet)))
	})
}

// adminAuth verifies the HMAC over admin requests. The canonical string is
// method, path, timestamp, and the body's SHA-256, newline-joined; the
// signature is hex HMAC-SHA-256 under the admin token. Requests outside
// the timestamp window are rejected to stop replays.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := s.cfg.Secrets.AdminToken
		if secret == "" {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeAdminForbidden, "Admin surface disabled")
			return
		}

		tsHeader := r.Header.Get("X-Admin-Timestamp")
		sigHeader := r.Header.Get("X-Admin-Signature")
		if tsHeader == "" || sigHeader == "" {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeAdminForbidden, "Admin signature required")
			return
		}
		ts, err := strconv.ParseInt(tsHeader, 10, 64)
		if err != nil {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeAdminForbidden, "Malformed admin timestamp")
			return
		}
		now := s.clock.Now()
		if drift := now.Sub(time.Unix(ts, 0)); drift > adminClockSkew || drift < -adminClockSkew {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeAdminForbidden, "Admin timestamp outside window")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
		if err != nil {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "Unreadable request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if !hmac.Equal([]byte(adminSignature(secret, r.Method, r.URL.Path, tsHeader, body)), []byte(sigHeader)) {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeAdminForbidden, "Admin signature mismatch")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminSignature computes the expected signature for an admin request.
// The canonical string is part of the public admin contract.
func adminSignature(secret, method, path, timestamp string, body []byte) string {
	bodySum := sha256.Sum256(body)
	canonical := strings.Join([]string{method, path, timestamp, hex.EncodeToString(bodySum[:])}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}
