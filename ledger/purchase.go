package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/billbatista/acasinha-purchases/money"
)

// PriceSnapshot is the catalog price a purchase was made at. The catalog
// never changes a price record once a purchase points at it; a new price is
// recorded instead.
type PriceSnapshot struct {
	ID       uuid.UUID       `json:"id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type Purchase struct {
	ID       uuid.UUID       `json:"id"`
	Price    PriceSnapshot   `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Payer    uuid.UUID       `json:"payer"`
	Date     time.Time       `json:"date"`
	// Frozen is set the first time one of the purchase's debts is settled.
	// From then on adding a benefit no longer re-derives debts.
	Frozen bool `json:"frozen"`
}

// NewPurchase validates the input and builds an unsaved Purchase. A zero date
// means now.
func NewPurchase(price PriceSnapshot, quantity decimal.Decimal, payer uuid.UUID, date time.Time) (Purchase, error) {
	if price.ID == uuid.Nil {
		return Purchase{}, ValidationError{Field: "price", Message: "is not an available price"}
	}
	if err := money.Positive("price", price.Amount); err != nil {
		return Purchase{}, err
	}
	if err := money.Precision("price", price.Amount, money.Places); err != nil {
		return Purchase{}, err
	}
	if price.Currency == "" {
		return Purchase{}, ValidationError{Field: "currency", Message: "can't be empty"}
	}
	if err := money.Positive("quantity", quantity); err != nil {
		return Purchase{}, err
	}
	if err := money.Precision("quantity", quantity, money.QuantityPlaces); err != nil {
		return Purchase{}, err
	}
	if payer == uuid.Nil {
		return Purchase{}, ValidationError{Field: "payer", Message: "is required"}
	}
	if date.IsZero() {
		date = time.Now()
	}

	return Purchase{
		ID:       uuid.New(),
		Price:    price,
		Quantity: quantity,
		Payer:    payer,
		Date:     date.UTC(),
	}, nil
}

// TotalCost is the unit price times the quantity, in minor units.
func (p Purchase) TotalCost() decimal.Decimal {
	return money.Round(p.Price.Amount.Mul(p.Quantity))
}

func (p Purchase) Currency() string {
	return p.Price.Currency
}
