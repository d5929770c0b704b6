package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	pkgerrors "github.com/holisticpeople/funnel-bridge/pkg/errors"
)

var hundred = decimal.NewFromInt(100)

// FromDecimal converts a major-unit amount to cents, rounding half away
// from zero the way the host platform rounds money.
func FromDecimal(d decimal.Decimal) int64 {
	return d.Mul(hundred).Round(0).IntPart()
}

// ToDecimal converts cents back to a two-place major-unit amount.
func ToDecimal(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Div(hundred)
}

// ParseAmount reads a client-supplied decimal string into cents.
func ParseAmount(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "amount is required")
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeValidation, err, fmt.Sprintf("invalid amount %q", raw))
	}
	return FromDecimal(d), nil
}

// Format renders cents as a plain two-place decimal string.
func Format(cents int64) string {
	return ToDecimal(cents).StringFixed(2)
}

// ApplyPercent returns round(cents * percent / 100), half away from zero.
// Percent is clamped to [0, 100] so no caller can produce a discount
// larger than the amount itself.
func ApplyPercent(cents int64, percent float64) int64 {
	if percent <= 0 || cents == 0 {
		return 0
	}
	if percent > 100 {
		percent = 100
	}
	p := decimal.NewFromFloat(percent)
	return decimal.NewFromInt(cents).Mul(p).Div(hundred).Round(0).IntPart()
}

// DiscountedUnitPrice applies an item percent discount to a unit price in
// cents, rounding the resulting unit price to a whole cent.
func DiscountedUnitPrice(unitCents int64, percent float64) int64 {
	if percent <= 0 {
		return unitCents
	}
	return unitCents - ApplyPercent(unitCents, percent)
}
