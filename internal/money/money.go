// Package money provides the currency-exact amount helpers used across the
// marketplace. Amounts are decimal values with two fractional digits.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits every stored amount carries.
const Places = 2

var (
	// ErrInvalid is returned for strings that are not plain decimal amounts.
	ErrInvalid = errors.New("invalid amount")
	// ErrPrecision is returned when an amount has more than two fractional digits.
	ErrPrecision = errors.New("amount has more than 2 decimal places")
)

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string such as "19.99" into an amount.
//
// Rules:
//   - leading/trailing whitespace is ignored
//   - negative amounts, exponents and more than two decimals are rejected
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.ContainsAny(s, "eE") {
		return Zero, ErrInvalid
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, ErrInvalid
	}
	if !d.Equal(d.Truncate(Places)) {
		return Zero, ErrPrecision
	}
	return d, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic("money: " + err.Error() + ": " + s)
	}
	return d
}

// Round rounds half away from zero to two places.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Format renders an amount with exactly two decimals ("95.50").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// Positive reports whether d > 0.
func Positive(d decimal.Decimal) bool {
	return d.Sign() > 0
}
