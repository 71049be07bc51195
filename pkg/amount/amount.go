// Package amount converts between human-readable and base-unit asset amounts.
package amount

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultSignificant is the significant-digit budget used by Humanize.
const DefaultSignificant = 4

var hundred = decimal.NewFromInt(100)

// Amount is a base-unit quantity together with the precision of its asset.
type Amount struct {
	Value    *big.Int `json:"value"`
	Decimals int32    `json:"decimals"`
}

// NewAmount builds an Amount from a base-unit value.
func NewAmount(value *big.Int, decimals int32) Amount {
	if value == nil {
		value = new(big.Int)
	}
	return Amount{Value: value, Decimals: decimals}
}

// Decimal returns the human-readable value.
func (a Amount) Decimal() decimal.Decimal {
	if a.Value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(a.Value, -a.Decimals)
}

// Human returns the human-readable value as a string.
func (a Amount) Human() string {
	return a.Decimal().String()
}

// IsZero reports whether the amount is unset or zero.
func (a Amount) IsZero() bool {
	return a.Value == nil || a.Value.Sign() == 0
}

// Parse parses a human-readable amount.
func Parse(value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return d, nil
}

// IsEmpty reports whether value is empty or parses to zero.
func IsEmpty(value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return true
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return false
	}
	return d.IsZero()
}

// ToBase scales a human-readable amount to base units, rounding down.
func ToBase(value string, decimals int32) (decimal.Decimal, error) {
	d, err := Parse(value)
	if err != nil {
		return decimal.Zero, err
	}
	return d.Shift(decimals).RoundDown(0), nil
}

// ToBigInt scales a human-readable amount to a base-unit integer.
func ToBigInt(value string, decimals int32) (*big.Int, error) {
	d, err := ToBase(value, decimals)
	if err != nil {
		return nil, err
	}
	return d.BigInt(), nil
}

// Format shifts a base-unit value back by decimals.
func Format(base decimal.Decimal, decimals int32) string {
	return base.Shift(-decimals).String()
}

// FormatBig is Format for big integers.
func FormatBig(base *big.Int, decimals int32) string {
	if base == nil {
		return "0"
	}
	return Format(decimal.NewFromBigInt(base, 0), decimals)
}

// Exchange converts value to the quote asset at rate.
func Exchange(rate Amount, value decimal.Decimal) decimal.Decimal {
	return rate.Decimal().Mul(value)
}

// ExchangeNative converts a native-asset value into base units of an asset
// with the given decimals, rounding down. A zero rate yields zero.
func ExchangeNative(rate Amount, decimals int32, native decimal.Decimal) decimal.Decimal {
	r := rate.Decimal()
	if r.IsZero() {
		return decimal.Zero
	}
	return native.Div(r).Shift(decimals).RoundDown(0)
}

// DiffToRef returns the percentage difference of value against ref.
func DiffToRef(value, ref decimal.Decimal) decimal.Decimal {
	if ref.IsZero() {
		return decimal.Zero
	}
	return value.Sub(ref).Div(ref).Mul(hundred).Round(2)
}

// Humanize renders value with a bounded number of significant digits and
// space-separated thousands. Values above one get extra digits for their
// integer part.
func Humanize(value string, significant int) string {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return ""
	}
	if significant <= 0 {
		significant = DefaultSignificant
	}
	if f := d.InexactFloat64(); f > 1 {
		if math.IsInf(f, 0) {
			return ""
		}
		significant += int(math.Ceil(math.Log10(f + 1)))
	}
	if significant > 21 {
		significant = 21
	}

	rounded := roundSignificant(d, significant)
	return groupThousands(rounded.String())
}

func roundSignificant(d decimal.Decimal, digits int) decimal.Decimal {
	if d.IsZero() {
		return d
	}
	// exponent of the leading digit
	exp := int32(d.NumDigits()) - 1 + d.Exponent()
	return d.Round(int32(digits) - 1 - exp)
}

func groupThousands(s string) string {
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	whole, frac, hasFrac := strings.Cut(s, ".")

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	out := sign + b.String()
	if hasFrac {
		out += "." + frac
	}
	return out
}
