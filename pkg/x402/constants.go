package x402

import "time"

// Challenge and credit-note lifetimes
const (
	// DefaultChallengeTTL bounds how long an issued challenge may be redeemed.
	DefaultChallengeTTL = 5 * time.Minute

	// CreditNoteTTL expires unredeemed overpayment balances.
	CreditNoteTTL = 7 * 24 * time.Hour
)

// Amount handling. All amounts travel as integers in token base units;
// there is no floating point anywhere on the wire.
const (
	// TokenDecimals is the decimal scale of supported settlement tokens.
	TokenDecimals = 6

	// MaxCreditNoteAtomic caps the accumulated credit-note balance per
	// wallet: 1M USDC in base units.
	MaxCreditNoteAtomic = int64(1_000_000) * 1_000_000
)
