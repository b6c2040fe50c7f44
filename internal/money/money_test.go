package money

import (
	"errors"
	"math"
	"testing"
)

func TestFromUSD(t *testing.T) {
	tests := []struct {
		name    string
		usd     float64
		want    MicroUSD
		wantErr error
	}{
		{name: "one dollar", usd: 1.0, want: 1_000_000},
		{name: "tenth of a cent", usd: 0.001, want: 1_000},
		{name: "single micro", usd: 0.000001, want: 1},
		{name: "zero", usd: 0, want: 0},
		{name: "negative", usd: -2.5, want: -2_500_000},
		{name: "half micro rounds to even down", usd: 0.0000025, want: 2},
		{name: "half micro rounds to even up", usd: 0.0000035, want: 4},
		{name: "just under safe bound", usd: 9007199254.0, want: 9_007_199_254_000_000},
		{name: "beyond safe bound", usd: 9007199255.0, wantErr: ErrUnsafeAmount},
		{name: "nan rejected", usd: math.NaN(), wantErr: ErrInvalidFormat},
		{name: "inf rejected", usd: math.Inf(1), wantErr: ErrInvalidFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromUSD(tt.usd)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("FromUSD(%v) error = %v, want %v", tt.usd, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("FromUSD(%v) unexpected error: %v", tt.usd, err)
			}
			if got != tt.want {
				t.Errorf("FromUSD(%v) = %d, want %d", tt.usd, got, tt.want)
			}
		})
	}
}

func TestFromUSDRoundingBound(t *testing.T) {
	// Conversion error must stay within 0.5 micro per entry.
	values := []float64{0.1, 0.123456789, 1.0 / 3.0, 19.99, 1234.567891}
	for _, usd := range values {
		got, err := FromUSD(usd)
		if err != nil {
			t.Fatalf("FromUSD(%v): %v", usd, err)
		}
		diff := math.Abs(float64(got) - usd*MicrosPerUSD)
		if diff > 0.5 {
			t.Errorf("FromUSD(%v) error %v micros exceeds 0.5", usd, diff)
		}
	}
}

func TestFromCents(t *testing.T) {
	tests := []struct {
		name    string
		cents   int64
		want    MicroUSD
		wantErr bool
	}{
		{name: "one cent", cents: 1, want: 10_000},
		{name: "ten dollars", cents: 1000, want: 10_000_000},
		{name: "negative", cents: -250, want: -2_500_000},
		{name: "overflow", cents: math.MaxInt64, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromCents(tt.cents)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("FromCents(%d) expected error", tt.cents)
				}
				return
			}
			if err != nil {
				t.Fatalf("FromCents(%d): %v", tt.cents, err)
			}
			if got != tt.want {
				t.Errorf("FromCents(%d) = %d, want %d", tt.cents, got, tt.want)
			}
		})
	}
}

func TestAddSubOverflow(t *testing.T) {
	if _, err := MicroUSD(math.MaxInt64).Add(1); !errors.Is(err, ErrOverflow) {
		t.Errorf("Add overflow not detected: %v", err)
	}
	if _, err := MicroUSD(math.MinInt64).Sub(1); !errors.Is(err, ErrOverflow) {
		t.Errorf("Sub underflow not detected: %v", err)
	}
	sum, err := MicroUSD(1_000_000).Add(500_000)
	if err != nil || sum != 1_500_000 {
		t.Errorf("Add = %d, %v; want 1500000, nil", sum, err)
	}
	diff, err := MicroUSD(1_000_000).Sub(250_000)
	if err != nil || diff != 750_000 {
		t.Errorf("Sub = %d, %v; want 750000, nil", diff, err)
	}
}

func TestCents(t *testing.T) {
	tests := []struct {
		name   string
		micros MicroUSD
		want   int64
	}{
		{name: "exact cent", micros: 10_000, want: 1},
		{name: "half cent rounds up", micros: 5_000, want: 1},
		{name: "under half rounds down", micros: 4_999, want: 0},
		{name: "negative half rounds away", micros: -5_000, want: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.micros.Cents(); got != tt.want {
				t.Errorf("Cents() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAtomicAndParse(t *testing.T) {
	m := MicroUSD(1_234_567)
	if m.Atomic() != "1234567" {
		t.Errorf("Atomic() = %q", m.Atomic())
	}
	back, err := ParseMicros(m.Atomic())
	if err != nil || back != m {
		t.Errorf("ParseMicros round trip = %d, %v", back, err)
	}
	if _, err := ParseMicros("not-a-number"); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("ParseMicros accepted garbage: %v", err)
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		micros MicroUSD
		want   string
	}{
		{1_500_000, "1.500000 USD"},
		{-250_000, "-0.250000 USD"},
		{0, "0.000000 USD"},
	}
	for _, tt := range tests {
		if got := tt.micros.String(); got != tt.want {
			t.Errorf("String(%d) = %q, want %q", tt.micros, got, tt.want)
		}
	}
}
