package money

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// MicroUSD is a monetary amount in integer millionths of a US dollar.
// All internal accounting is performed on this type; floating point only
// appears at the conversion boundary.
//
// Examples:
//   - $1.00      = MicroUSD(1_000_000)
//   - $0.001     = MicroUSD(1_000)
//   - 1 micro    = MicroUSD(1)
type MicroUSD int64

// MaxSafeInt is the largest integer that survives a round trip through a
// JSON number (2^53 - 1). Amounts and fencing tokens that cross the wire
// as numbers are bounded by it.
const MaxSafeInt = int64(1)<<53 - 1

// MicrosPerUSD is the scaling factor between USD and MicroUSD.
const MicrosPerUSD = 1_000_000

var (
	// ErrOverflow occurs when an operation would exceed int64 capacity.
	ErrOverflow = errors.New("money: arithmetic overflow")

	// ErrUnsafeAmount occurs when a USD value converts beyond MaxSafeInt micros.
	ErrUnsafeAmount = errors.New("money: amount exceeds safe integer range")

	// ErrInvalidFormat occurs when parsing fails.
	ErrInvalidFormat = errors.New("money: invalid format")

	// ErrNegativeAmount occurs when a negative amount is invalid for an operation.
	ErrNegativeAmount = errors.New("money: negative amount not allowed")
)

// FromUSD converts a floating-point USD value to MicroUSD using banker's
// rounding (round half to even) at the sixth decimal place. Values whose
// magnitude would exceed MaxSafeInt micros are rejected before conversion,
// as are NaN and infinities. Rounding error per conversion is at most
// 0.5 micro-USD.
func FromUSD(usd float64) (MicroUSD, error) {
	if math.IsNaN(usd) || math.IsInf(usd, 0) {
		return 0, fmt.Errorf("%w: non-finite value", ErrInvalidFormat)
	}
	scaled := usd * MicrosPerUSD
	if math.Abs(scaled) > float64(MaxSafeInt) {
		return 0, fmt.Errorf("%w: %v USD", ErrUnsafeAmount, usd)
	}
	return MicroUSD(math.RoundToEven(scaled)), nil
}

// FromCents converts an integer cent amount to MicroUSD.
func FromCents(cents int64) (MicroUSD, error) {
	if cents > math.MaxInt64/10_000 || cents < math.MinInt64/10_000 {
		return 0, ErrOverflow
	}
	return MicroUSD(cents * 10_000), nil
}

// ParseMicros parses a base-10 micro-USD string as emitted on the wire.
func ParseMicros(s string) (MicroUSD, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return MicroUSD(v), nil
}

// Add returns m + other with overflow detection.
func (m MicroUSD) Add(other MicroUSD) (MicroUSD, error) {
	result := m + other
	if (result > m) != (other > 0) {
		return 0, ErrOverflow
	}
	return result, nil
}

// Sub returns m - other with underflow detection.
func (m MicroUSD) Sub(other MicroUSD) (MicroUSD, error) {
	result := m - other
	if (result < m) != (other > 0) {
		return 0, ErrOverflow
	}
	return result, nil
}

// USD converts back to floating-point dollars. Display only; never feed
// the result back into accounting.
func (m MicroUSD) USD() float64 {
	return float64(m) / MicrosPerUSD
}

// Micros returns the raw integer value.
func (m MicroUSD) Micros() int64 {
	return int64(m)
}

// Atomic returns the amount as a base-10 string, the wire form used in
// challenge envelopes and journal payloads.
func (m MicroUSD) Atomic() string {
	return strconv.FormatInt(int64(m), 10)
}

// Cents rounds to whole cents, half up. Used when comparing against
// cent-denominated ceilings.
func (m MicroUSD) Cents() int64 {
	v := int64(m)
	if v >= 0 {
		return (v + 5_000) / 10_000
	}
	return (v - 5_000) / 10_000
}

// IsSafe reports whether the magnitude fits a JSON number exactly.
func (m MicroUSD) IsSafe() bool {
	v := int64(m)
	if v < 0 {
		v = -v
	}
	return v <= MaxSafeInt
}

// IsPositive returns true if the amount is greater than zero.
func (m MicroUSD) IsPositive() bool { return m > 0 }

// IsNegative returns true if the amount is less than zero.
func (m MicroUSD) IsNegative() bool { return m < 0 }

// IsZero returns true if the amount is exactly zero.
func (m MicroUSD) IsZero() bool { return m == 0 }

// String renders a human-readable dollar figure, e.g. "1.500000 USD".
func (m MicroUSD) String() string {
	v := int64(m)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d USD", sign, v/MicrosPerUSD, v%MicrosPerUSD)
}
