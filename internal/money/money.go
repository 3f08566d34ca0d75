// Package money holds the fixed-point helpers used for every amount in the
// plan. Amounts are int64 minor units; rates are decimals and results are
// always truncated toward zero, so rounding never creates money.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MinorUnitExponent is the number of decimal places in one currency unit.
const MinorUnitExponent = 2

// ApplyRate returns amount*rate truncated to whole minor units.
func ApplyRate(amount int64, rate decimal.Decimal) int64 {
	if amount == 0 || rate.IsZero() {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(rate).Truncate(0).IntPart()
}

// Split divides amount into the withheld share at rate and the remainder.
// withheld+rest always equals amount.
func Split(amount int64, rate decimal.Decimal) (withheld, rest int64) {
	withheld = ApplyRate(amount, rate)
	return withheld, amount - withheld
}

// Format renders minor units as a human readable amount, e.g. "15.00 USD".
func Format(amount int64, currency string) string {
	return fmt.Sprintf("%s %s", decimal.New(amount, -MinorUnitExponent).StringFixed(MinorUnitExponent), currency)
}

// MustRate parses a literal rate such as "0.05"; it panics on bad input and
// is meant for built-in defaults.
func MustRate(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
