// Package money implements fixed-point nano-USD arithmetic for billing.
// All amounts use scale 9: 1_000_000_000 units == 1.00 USD. Floats are
// never used for monetary values -- every operation here is checked and
// returns an error instead of silently wrapping or losing precision.
package money

import (
	"errors"
	"fmt"
	"math"
)

// Scale is the fixed-point exponent applied to every Amount: one USD is
// 10^Scale nano-units.
const Scale = 9

// unit is 10^Scale, the number of Amount units per whole USD.
const unit = 1_000_000_000

// Currency is always USD for now; kept as a named constant rather than a
// field so call sites don't carry a string they can typo.
const Currency = "USD"

// ErrOverflow is returned when an arithmetic operation would overflow
// int64. Overflow aborts the operation rather than saturating, because a
// saturated billing amount silently hides the bug that produced it.
var ErrOverflow = errors.New("money: overflow")

// Amount is a signed integer count of nano-USD (10^-9 USD).
type Amount int64

// Zero is the additive identity.
const Zero Amount = 0

// FromUSD constructs an Amount from a whole-and-fractional USD value given
// as integer dollars and nano-dollars, avoiding any float conversion.
func FromUSD(dollars int64, nanos int64) (Amount, error) {
	d, ok := mulOverflow(dollars, unit)
	if !ok {
		return 0, ErrOverflow
	}
	sum, ok := addOverflow(d, nanos)
	if !ok {
		return 0, ErrOverflow
	}
	return Amount(sum), nil
}

// Add returns a+b, or ErrOverflow if the sum overflows int64.
func (a Amount) Add(b Amount) (Amount, error) {
	sum, ok := addOverflow(int64(a), int64(b))
	if !ok {
		return 0, ErrOverflow
	}
	return Amount(sum), nil
}

// MulTokens multiplies a per-token price (this Amount, nano-USD per token)
// by a token count, used to compute input_cost/output_cost from
// Model.InputCostAmount/OutputCostAmount.
func (a Amount) MulTokens(tokens int64) (Amount, error) {
	if tokens < 0 {
		return 0, fmt.Errorf("money: negative token count %d", tokens)
	}
	prod, ok := mulOverflow(int64(a), tokens)
	if !ok {
		return 0, ErrOverflow
	}
	return Amount(prod), nil
}

// Sub returns a-b, or ErrOverflow if the difference overflows int64.
func (a Amount) Sub(b Amount) (Amount, error) {
	diff, ok := addOverflow(int64(a), -int64(b))
	if !ok {
		return 0, ErrOverflow
	}
	return Amount(diff), nil
}

// Cmp returns -1, 0, or 1 as a is less than, equal to, or greater than b.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Int64 returns the raw nano-USD integer value, for storage/serialization.
func (a Amount) Int64() int64 { return int64(a) }

// FromInt64 wraps a raw nano-USD integer value (e.g. read back from a
// database column) as an Amount.
func FromInt64(v int64) Amount { return Amount(v) }

// Float64 converts to a float64 USD value for API-surface display only.
// Never use the result for further arithmetic or storage.
func (a Amount) Float64() float64 {
	return float64(a) / float64(unit)
}

// String renders as "$D.DDDDDDDDD" for logs and debugging.
func (a Amount) String() string {
	whole := int64(a) / unit
	frac := int64(a) % unit
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("$%d.%09d", whole, frac)
}

func addOverflow(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

func mulOverflow(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	prod := a * b
	if prod/b != a {
		return 0, false
	}
	// Guard the int64 min-value edge case that the quotient check above
	// does not catch (math.MinInt64 / -1 overflows in two's complement).
	if a == math.MinInt64 && b == -1 {
		return 0, false
	}
	return prod, true
}
