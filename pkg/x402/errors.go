package x402

import (
	"fmt"

	"github.com/dekapay/gateway/internal/errors"
)

// VerificationError classifies failures encountered during receipt verification.
type VerificationError struct {
	Code    errors.ErrorCode // Machine-readable error code
	Message string           // User-friendly message
	Err     error            // Technical error for logging
}

func (e VerificationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e VerificationError) Unwrap() error {
	return e.Err
}

// NewVerificationError creates a new verification error with a user-friendly message.
func NewVerificationError(code errors.ErrorCode, err error) VerificationError {
	return VerificationError{
		Code:    code,
		Message: GetUserFriendlyMessage(code),
		Err:     err,
	}
}

// GetUserFriendlyMessage converts error codes to user-friendly messages.
// Messages never reveal whether a nonce exists or how verification is
// implemented; enumeration and probing get the same flat answers.
func GetUserFriendlyMessage(code errors.ErrorCode) string {
	switch code {
	case errors.ErrCodeChallengeUnknown:
		return "Unknown payment challenge. Request a new challenge and settle against it."
	case errors.ErrCodeChallengeTampered:
		return "Challenge failed integrity checks. Request a new challenge; do not modify its fields."
	case errors.ErrCodeChallengeExpired:
		return "Challenge expired. Request a new challenge and settle within its validity window."
	case errors.ErrCodeBindingInvalid:
		return "Receipt does not match the request it was issued for. Replay the exact request the challenge was bound to."
	case errors.ErrCodeNonceReplayed:
		return "This payment has already been redeemed. Each receipt can only be used once."
	case errors.ErrCodeSettlementInsufficient:
		return "Settlement not found or below the required amount. Confirm the transaction and the exact amount, then retry."
	case errors.ErrCodeOracleError:
		return "Settlement verification is temporarily unavailable. Please retry shortly."
	case errors.ErrCodeInsufficientBalance:
		return "Insufficient credit balance. Top up your account or pay per request via x402."
	case errors.ErrCodeCreditsLocked:
		return "Credits are allocated but locked. Contact support to unlock, or pay per request via x402."
	default:
		return fmt.Sprintf("Payment verification failed: %s", code)
	}
}
