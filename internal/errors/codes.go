package errors

// ErrorCode represents a machine-readable error identifier surfaced to clients.
type ErrorCode string

// Payment errors (x402 challenge/receipt flow and key-credit path)
const (
	ErrCodePaymentRequired        ErrorCode = "PAYMENT_REQUIRED"
	ErrCodeInsufficientBalance    ErrorCode = "INSUFFICIENT_BALANCE"
	ErrCodeCreditsLocked          ErrorCode = "CREDITS_LOCKED"
	ErrCodeAmbiguousPayment       ErrorCode = "AMBIGUOUS_PAYMENT"
	ErrCodeChallengeUnknown       ErrorCode = "CHALLENGE_UNKNOWN"
	ErrCodeChallengeTampered      ErrorCode = "CHALLENGE_TAMPERED"
	ErrCodeChallengeExpired       ErrorCode = "CHALLENGE_EXPIRED"
	ErrCodeSettlementInsufficient ErrorCode = "SETTLEMENT_INSUFFICIENT"
)

// Request conflicts and integrity failures
const (
	ErrCodeBindingInvalid  ErrorCode = "BINDING_INVALID"
	ErrCodeNonceReplayed   ErrorCode = "NONCE_REPLAYED"
	ErrCodeVersionConflict ErrorCode = "VERSION_CONFLICT"
	ErrCodeCapExceeded     ErrorCode = "CAP_EXCEEDED"
)

// Authentication errors. These never fire for cost reasons; an
// authenticated key without funds is a payment error, not an auth error.
const (
	ErrCodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrCodeKeyRevoked      ErrorCode = "KEY_REVOKED"
	ErrCodeSessionInvalid  ErrorCode = "SESSION_INVALID"
	ErrCodeAdminForbidden  ErrorCode = "ADMIN_FORBIDDEN"
	ErrCodeTenantMismatch  ErrorCode = "TENANT_MISMATCH"
	ErrCodeInvalidAudience ErrorCode = "INVALID_AUDIENCE"
)

// Validation errors
const (
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrCodeMissingField   ErrorCode = "MISSING_FIELD"
	ErrCodeInvalidAmount  ErrorCode = "INVALID_AMOUNT"
)

// Rate limiting and capacity
const (
	ErrCodeRateLimited      ErrorCode = "RATE_LIMITED"
	ErrCodeGlobalLimit      ErrorCode = "GLOBAL_LIMIT"
	ErrCodeLimiterUnhealthy ErrorCode = "LIMITER_UNHEALTHY"
)

// Upstream health
const (
	ErrCodeBudgetCircuitOpen   ErrorCode = "BUDGET_CIRCUIT_OPEN"
	ErrCodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrCodeOracleError         ErrorCode = "ORACLE_ERROR"
	ErrCodeStripeError         ErrorCode = "STRIPE_ERROR"
)

// Resource state
const (
	ErrCodeKeyNotFound         ErrorCode = "KEY_NOT_FOUND"
	ErrCodeReservationNotFound ErrorCode = "RESERVATION_NOT_FOUND"
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
)

// Internal/system errors
const (
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrCodeStorageError  ErrorCode = "STORAGE_ERROR"
	ErrCodeConfigError   ErrorCode = "CONFIG_ERROR"
)

// IsRetryable returns whether an error code represents a retryable condition.
// Transient upstream and capacity states retry; validation, auth, and
// replay failures never do.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeProviderUnavailable,
		ErrCodeOracleError,
		ErrCodeStripeError,
		ErrCodeBudgetCircuitOpen,
		ErrCodeLimiterUnhealthy,
		ErrCodeRateLimited,
		ErrCodeGlobalLimit:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the HTTP status code for this error.
//
// Two invariants hold across the admission pipeline: 401 is only ever an
// authentication failure (never a cost failure), and 402 is only ever a
// payment failure (never an auth failure).
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeAmbiguousPayment,
		ErrCodeBindingInvalid,
		ErrCodeInvalidRequest,
		ErrCodeMissingField,
		ErrCodeInvalidAmount:
		return 400

	case ErrCodeUnauthorized,
		ErrCodeKeyRevoked,
		ErrCodeSessionInvalid,
		ErrCodeInvalidAudience:
		return 401

	case ErrCodePaymentRequired,
		ErrCodeInsufficientBalance,
		ErrCodeCreditsLocked,
		ErrCodeChallengeUnknown,
		ErrCodeChallengeTampered,
		ErrCodeChallengeExpired,
		ErrCodeSettlementInsufficient:
		return 402

	case ErrCodeAdminForbidden,
		ErrCodeTenantMismatch:
		return 403

	case ErrCodeKeyNotFound,
		ErrCodeReservationNotFound,
		ErrCodeNotFound:
		return 404

	case ErrCodeNonceReplayed,
		ErrCodeVersionConflict,
		ErrCodeCapExceeded:
		return 409

	case ErrCodeRateLimited:
		return 429

	case ErrCodeProviderUnavailable,
		ErrCodeOracleError,
		ErrCodeStripeError:
		return 502

	case ErrCodeGlobalLimit,
		ErrCodeLimiterUnhealthy,
		ErrCodeBudgetCircuitOpen:
		return 503

	default:
		return 500
	}
}
