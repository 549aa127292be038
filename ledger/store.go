package ledger

import (
	"context"

	"github.com/google/uuid"
)

// Store persists the ledger. InTx runs fn in a single transaction; when fn
// returns an error nothing written through tx is kept.
type Store interface {
	InTx(ctx context.Context, fn func(tx Queries) error) error
}

// Queries are the reads and writes available inside a transaction. Lookups
// return ErrNotFound when the row does not exist.
type Queries interface {
	InsertPurchase(ctx context.Context, p Purchase) error
	GetPurchase(ctx context.Context, id uuid.UUID) (Purchase, error)
	// LockPurchase reads the purchase and holds it until the transaction ends.
	LockPurchase(ctx context.Context, id uuid.UUID) (Purchase, error)
	FreezePurchase(ctx context.Context, id uuid.UUID) error
	DeletePurchase(ctx context.Context, id uuid.UUID) error
	ListPurchasesByPayer(ctx context.Context, payer uuid.UUID) ([]Purchase, error)

	InsertBenefit(ctx context.Context, b Benefit) error
	GetBenefit(ctx context.Context, id uuid.UUID) (Benefit, error)
	// ListBenefits returns the purchase's benefits in insertion order.
	ListBenefits(ctx context.Context, purchaseID uuid.UUID) ([]Benefit, error)
	UpdateBenefitDebt(ctx context.Context, b Benefit) error
	DeleteBenefits(ctx context.Context, purchaseID uuid.UUID) error
	ListUnpaidBenefits(ctx context.Context, payer, beneficiary uuid.UUID) ([]Benefit, error)

	// LookupOrCreateBalance returns the balance for pair and currency,
	// creating an even one when missing, and holds it until the transaction
	// ends.
	LookupOrCreateBalance(ctx context.Context, pair Pair, currency string) (Balance, error)
	UpdateBalance(ctx context.Context, b Balance) error
	ListBalancesInvolving(ctx context.Context, user uuid.UUID) ([]Balance, error)
}

// Locker serializes work on one key. lock.Local and lock.Redis implement it.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}
