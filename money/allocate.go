package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

var ErrNoWeights = errors.New("nothing to allocate to")

// Allocate splits total across weights proportionally. Each part is the
// exact proportional share truncated to Places digits; whatever is left over
// goes to the entry with the largest weight (the first one on ties). The
// returned parts line up with weights and always sum to total.
func Allocate(total decimal.Decimal, weights []decimal.Decimal) ([]decimal.Decimal, error) {
	if len(weights) == 0 {
		return nil, ErrNoWeights
	}
	if !HasMinorPrecision(total) {
		return nil, ValidationError{Field: "total", Message: "must not have more than two decimal places"}
	}

	sum := decimal.Zero
	largest := 0
	for i, w := range weights {
		if err := Positive("share", w); err != nil {
			return nil, err
		}
		sum = sum.Add(w)
		if w.GreaterThan(weights[largest]) {
			largest = i
		}
	}

	parts := make([]decimal.Decimal, len(weights))
	allocated := decimal.Zero
	for i, w := range weights {
		// QuoRem truncates at Places, which keeps the quotient exact instead of
		// going through the 16 digit division precision.
		part, _ := total.Mul(w).QuoRem(sum, Places)
		parts[i] = part
		allocated = allocated.Add(part)
	}
	parts[largest] = parts[largest].Add(total.Sub(allocated))

	return parts, nil
}
