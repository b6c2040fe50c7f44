package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	apierrors "github.com/dekapay/gateway/internal/errors"
	"github.com/dekapay/gateway/internal/paywall"
	"github.com/dekapay/gateway/pkg/responders"
	"github.com/dekapay/gateway/pkg/x402"
)

// writeDecisionError translates a denied or ambiguous decision into its
// HTTP response. The decision carries the code; the code carries the
// status.
func writeDecisionError(w http.ResponseWriter, d paywall.Decision) {
	if d.RetryAfter > 0 {
		apierrors.WriteErrorRetryAfter(w, d.Code, d.Message, d.RetryAfter)
		return
	}
	apierrors.WriteSimpleError(w, d.Code, d.Message)
}

// writeChallenge sends the 402 challenge envelope.
func writeChallenge(w http.ResponseWriter, ch x402.Challenge) {
	responders.JSON(w, http.StatusPaymentRequired, x402.NewPaymentRequired(ch))
}

// paymentResponseHeader attaches the base64 settlement acknowledgement for
// receipt-paid requests.
func paymentResponseHeader(w http.ResponseWriter, receipt *x402.VerifiedReceipt) {
	if receipt == nil {
		return
	}
	ack, err := json.Marshal(map[string]interface{}{
		"nonce":          receipt.Nonce,
		"tx_hash":        receipt.TxHash,
		"amount_atomic":  receipt.AmountAtomic,
		"credit_note_id": receipt.CreditNoteID,
	})
	if err != nil {
		return
	}
	w.Header().Set("X-Payment-Response", base64.StdEncoding.EncodeToString(ack))
}
