// Package money implements the fixed-point Amount type used everywhere a
// monetary value crosses an engine boundary. It exists so no balance,
// deposit, or on-chain value is ever represented as a float64: every
// arithmetic operation goes through decimal.Decimal, and every trip to the
// chain boundary (wei-scale integers) goes through an explicit, named
// conversion rather than an implicit cast.
package money

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits stored for off-chain balances
// (spec: "8 fractional digits for balances").
const Scale = 8

// Token decimal places, per spec §6.
const (
	USDTDecimals   = 18
	PLEXDecimals   = 9
	NativeDecimals = 18
)

// Amount is a non-negative-by-convention fixed-point decimal value. Callers
// that need to allow negative intermediates (none do in this codebase) must
// say so explicitly. The type itself does not reject negative values;
// boundaries that require non-negativity check IsNegative.
type Amount struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Amount{d: decimal.Zero}

// New builds an Amount from a decimal string, e.g. "10.5". It never parses
// a float64 literal, by design: callers must not round-trip through IEEE 754.
func New(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	return Amount{d: d.Truncate(Scale)}, nil
}

// MustNew is New that panics on error; reserved for constant-like literals
// in tests and default settings, never for user-supplied input.
func MustNew(s string) Amount {
	a, err := New(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromInt builds an integral Amount, e.g. FromInt(10) == Amount("10").
func FromInt(n int64) Amount {
	return Amount{d: decimal.NewFromInt(n)}
}

func (a Amount) IsZero() bool       { return a.d.IsZero() }
func (a Amount) IsNegative() bool   { return a.d.Sign() < 0 }
func (a Amount) IsPositive() bool   { return a.d.Sign() > 0 }
func (a Amount) String() string     { return a.d.StringFixed(Scale) }
func (a Amount) Decimal() decimal.Decimal { return a.d }

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d).Truncate(Scale)} }
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d).Truncate(Scale)} }
func (a Amount) Mul(b Amount) Amount { return Amount{d: a.d.Mul(b.d).Truncate(Scale)} }

// MulPercent returns a * pct / 100, truncated toward zero at Scale digits
// (used for roi_cap_amount = amount * roi_cap_percent / 100 and for referral
// rates expressed as percentages).
func (a Amount) MulPercent(pct Amount) Amount {
	hundred := decimal.NewFromInt(100)
	return Amount{d: a.d.Mul(pct.d).Div(hundred).Truncate(Scale)}
}

// Cmp is decimal.Decimal.Cmp: -1, 0, 1.
func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }

func (a Amount) GreaterThanOrEqual(b Amount) bool { return a.d.Cmp(b.d) >= 0 }
func (a Amount) LessThan(b Amount) bool           { return a.d.Cmp(b.d) < 0 }
func (a Amount) Equal(b Amount) bool              { return a.d.Equal(b.d) }

// Min returns the smaller of a and b — used pervasively by ROI cap clipping
// (spec §4.5.3: new_paid = min(roi_paid_amount + accrual, roi_cap_amount)).
func Min(a, b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// ToWei converts a decimal Amount to its integer wei-scale representation
// at the given token decimals, rounding DOWN (truncation toward zero) as
// mandated by spec §6. This is the one place floats are never involved.
func (a Amount) ToWei(decimals int32) *big.Int {
	scaled := a.d.Shift(decimals)
	return scaled.Truncate(0).BigInt()
}

// FromWei converts an integer wei-scale value back to a decimal Amount at
// the given token decimals.
func FromWei(wei *big.Int, decimals int32) Amount {
	d := decimal.NewFromBigInt(wei, -decimals)
	return Amount{d: d.Truncate(Scale)}
}

// WithinTolerance reports whether a is within ±tolerance*expected of
// expected, compared in wei at the given decimals to avoid float drift
// (spec §4.4.2 deposit amount matching).
func WithinTolerance(got, expected Amount, tolerance Amount, decimals int32) bool {
	gotWei := got.ToWei(decimals)
	expWei := expected.ToWei(decimals)
	tolWei := expected.Mul(tolerance).ToWei(decimals)

	diff := new(big.Int).Sub(gotWei, expWei)
	diff.Abs(diff)
	return diff.Cmp(tolWei) <= 0
}
