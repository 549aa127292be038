// Package catalog holds the products, shops and dated prices purchases are
// made at. Price records are never updated: a price change records a new one.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/billbatista/acasinha-purchases/ledger"
)

var ErrNotFound = errors.New("not found")

type Shop struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
}

type Product struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Section     string    `json:"section"`
}

type Price struct {
	ID        uuid.UUID       `json:"id"`
	ProductID uuid.UUID       `json:"product_id"`
	ShopID    uuid.UUID       `json:"shop_id"`
	Value     decimal.Decimal `json:"value"`
	Currency  string          `json:"currency"`
	Since     time.Time       `json:"since"`
}

// Snapshot is the part of the price a purchase keeps.
func (p Price) Snapshot() ledger.PriceSnapshot {
	return ledger.PriceSnapshot{ID: p.ID, Amount: p.Value, Currency: p.Currency}
}

type Repository interface {
	CreateShop(ctx context.Context, shop Shop) error
	GetShop(ctx context.Context, id uuid.UUID) (Shop, error)
	ListShops(ctx context.Context) ([]Shop, error)
	CreateProduct(ctx context.Context, product Product) error
	GetProduct(ctx context.Context, id uuid.UUID) (Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
	InsertPrice(ctx context.Context, price Price) error
	// PriceAt returns the latest price recorded at or before at, or nil.
	PriceAt(ctx context.Context, productID, shopID uuid.UUID, at time.Time) (*Price, error)
	// ShopsWithPrices lists the shops that ever priced the product.
	ShopsWithPrices(ctx context.Context, productID uuid.UUID) ([]uuid.UUID, error)
}
