// Package money holds the fixed-precision arithmetic shared by the ledger:
// every amount carries two fractional digits, the minor unit of the
// currencies the ledger deals with.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits kept for every amount.
const Places = 2

// QuantityPlaces is the number of fractional digits kept for quantities and
// shares.
const QuantityPlaces = 4

var ErrValidation = errors.New("validation failed")

// ValidationError reports an input that violates a domain invariant.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

func (e ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Positive fails with a ValidationError when value is not strictly greater than zero.
func Positive(field string, value decimal.Decimal) error {
	if !value.IsPositive() {
		return ValidationError{Field: field, Message: "the value must be positive"}
	}
	return nil
}

// Round rounds half away from zero to Places digits.
func Round(value decimal.Decimal) decimal.Decimal {
	return value.Round(Places)
}

// HasMinorPrecision reports whether value fits in Places fractional digits.
func HasMinorPrecision(value decimal.Decimal) bool {
	return HasPrecision(value, Places)
}

// HasPrecision reports whether value fits in places fractional digits.
func HasPrecision(value decimal.Decimal, places int32) bool {
	return value.Equal(value.Truncate(places))
}

// Precision fails with a ValidationError when value has more than places
// fractional digits.
func Precision(field string, value decimal.Decimal, places int32) error {
	if !HasPrecision(value, places) {
		return ValidationError{Field: field, Message: fmt.Sprintf("can't have more than %d decimal places", places)}
	}
	return nil
}

// Parse reads a user supplied amount. A comma is accepted in place of the
// decimal point.
func Parse(raw string) (decimal.Decimal, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), ",", ".")
	if s == "" {
		return decimal.Zero, ValidationError{Field: "amount", Message: "can't be blank"}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ValidationError{Field: "amount", Message: fmt.Sprintf("%q is not a number", raw)}
	}
	return d, nil
}

// Format renders value with exactly Places fractional digits.
func Format(value decimal.Decimal) string {
	return value.StringFixed(Places)
}
