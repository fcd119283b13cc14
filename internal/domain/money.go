package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Prices are stored as NUMERIC(14,2): at most two fractional digits and
// twelve integer digits.
const (
	PriceScale         = 2
	PriceIntegerDigits = 12
)

// MaxPrice is the largest amount a price column can hold.
var MaxPrice = decimal.New(1, PriceIntegerDigits).Sub(decimal.New(1, -PriceScale))

// ValidatePrice returns a wrapped ErrValidation unless d is positive and
// representable without rounding. field names the offending input.
func ValidatePrice(field string, d decimal.Decimal) error {
	switch {
	case !d.IsPositive():
		return fmt.Errorf("%w: %s must be positive", ErrValidation, field)
	case d.Exponent() < -PriceScale && !d.Equal(d.Round(PriceScale)):
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrValidation, field, PriceScale)
	case d.GreaterThan(MaxPrice):
		return fmt.Errorf("%w: %s exceeds %s", ErrValidation, field, MaxPrice.StringFixed(PriceScale))
	}
	return nil
}
