package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const (
	foreignKeyViolation = "23503"
	checkViolation      = "23514"
)

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository is the Postgres Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) InTx(ctx context.Context, fn func(tx Queries) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{db: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type queries struct {
	db dbtx
}

const selectPurchase = `SELECT p.id, p.price_id, pr.amount, pr.currency, p.quantity, p.payer_id, p.purchased_at, p.frozen
FROM purchases p
JOIN prices pr ON pr.id = p.price_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row scanner) (Purchase, error) {
	var p Purchase
	err := row.Scan(
		&p.ID,
		&p.Price.ID,
		&p.Price.Amount,
		&p.Price.Currency,
		&p.Quantity,
		&p.Payer,
		&p.Date,
		&p.Frozen,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Purchase{}, ErrNotFound
		}
		return Purchase{}, err
	}
	p.Date = p.Date.UTC()
	return p, nil
}

func (q *queries) InsertPurchase(ctx context.Context, p Purchase) error {
	query := `INSERT INTO purchases (id, price_id, quantity, payer_id, purchased_at, frozen) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := q.db.ExecContext(ctx, query, p.ID, p.Price.ID, p.Quantity, p.Payer, p.Date, p.Frozen)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == checkViolation {
			return ValidationError{Field: "quantity", Message: "is out of range"}
		}
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			if strings.Contains(pqErr.Constraint, "price") {
				return ValidationError{Field: "price", Message: "is not an available price"}
			}
			return ValidationError{Field: "payer", Message: "is not a registered user"}
		}
		return fmt.Errorf("inserting purchase: %w", err)
	}
	return nil
}

func (q *queries) GetPurchase(ctx context.Context, id uuid.UUID) (Purchase, error) {
	return scanPurchase(q.db.QueryRowContext(ctx, selectPurchase+` WHERE p.id = $1`, id))
}

func (q *queries) LockPurchase(ctx context.Context, id uuid.UUID) (Purchase, error) {
	return scanPurchase(q.db.QueryRowContext(ctx, selectPurchase+` WHERE p.id = $1 FOR UPDATE OF p`, id))
}

func (q *queries) FreezePurchase(ctx context.Context, id uuid.UUID) error {
	return q.execOne(ctx, `UPDATE purchases SET frozen = TRUE WHERE id = $1`, id)
}

func (q *queries) DeletePurchase(ctx context.Context, id uuid.UUID) error {
	return q.execOne(ctx, `DELETE FROM purchases WHERE id = $1`, id)
}

func (q *queries) ListPurchasesByPayer(ctx context.Context, payer uuid.UUID) ([]Purchase, error) {
	rows, err := q.db.QueryContext(ctx, selectPurchase+` WHERE p.payer_id = $1 ORDER BY p.purchased_at, p.id`, payer)
	if err != nil {
		return nil, fmt.Errorf("querying purchases: %w", err)
	}
	defer rows.Close()

	purchases := make([]Purchase, 0)
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning purchase: %w", err)
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

const selectBenefit = `SELECT b.id, b.purchase_id, b.beneficiary_id, b.share, b.debt, b.paid FROM benefits b`

func scanBenefit(row scanner) (Benefit, error) {
	var b Benefit
	var debt decimal.Decimal
	var paid bool
	err := row.Scan(&b.ID, &b.PurchaseID, &b.Beneficiary, &b.Share, &debt, &paid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Benefit{}, ErrNotFound
		}
		return Benefit{}, err
	}
	if paid {
		b.Debt = Paid{Debt: debt}
	} else {
		b.Debt = Unpaid{Debt: debt}
	}
	return b, nil
}

func (q *queries) listBenefits(ctx context.Context, query string, args ...any) ([]Benefit, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying benefits: %w", err)
	}
	defer rows.Close()

	benefits := make([]Benefit, 0)
	for rows.Next() {
		b, err := scanBenefit(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning benefit: %w", err)
		}
		benefits = append(benefits, b)
	}
	return benefits, rows.Err()
}

func (q *queries) InsertBenefit(ctx context.Context, b Benefit) error {
	query := `INSERT INTO benefits (id, purchase_id, beneficiary_id, share, debt, paid) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := q.db.ExecContext(ctx, query, b.ID, b.PurchaseID, b.Beneficiary, b.Share, b.DebtAmount(), b.PaidOff())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == checkViolation {
			return ValidationError{Field: "share", Message: "is out of range"}
		}
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			if strings.Contains(pqErr.Constraint, "beneficiary") {
				return ValidationError{Field: "beneficiary", Message: "is not a registered user"}
			}
			return ErrNotFound
		}
		return fmt.Errorf("inserting benefit: %w", err)
	}
	return nil
}

func (q *queries) GetBenefit(ctx context.Context, id uuid.UUID) (Benefit, error) {
	return scanBenefit(q.db.QueryRowContext(ctx, selectBenefit+` WHERE b.id = $1`, id))
}

func (q *queries) ListBenefits(ctx context.Context, purchaseID uuid.UUID) ([]Benefit, error) {
	return q.listBenefits(ctx, selectBenefit+` WHERE b.purchase_id = $1 ORDER BY b.seq`, purchaseID)
}

func (q *queries) UpdateBenefitDebt(ctx context.Context, b Benefit) error {
	return q.execOne(ctx, `UPDATE benefits SET debt = $1, paid = $2 WHERE id = $3`, b.DebtAmount(), b.PaidOff(), b.ID)
}

func (q *queries) DeleteBenefits(ctx context.Context, purchaseID uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM benefits WHERE purchase_id = $1`, purchaseID)
	if err != nil {
		return fmt.Errorf("deleting benefits: %w", err)
	}
	return nil
}

func (q *queries) ListUnpaidBenefits(ctx context.Context, payer, beneficiary uuid.UUID) ([]Benefit, error) {
	query := selectBenefit + `
JOIN purchases p ON p.id = b.purchase_id
WHERE p.payer_id = $1 AND b.beneficiary_id = $2 AND NOT b.paid
ORDER BY p.purchased_at, b.seq`
	return q.listBenefits(ctx, query, payer, beneficiary)
}

const selectBalance = `SELECT id, currency, user_a, user_b, a_owes_b, b_owes_a FROM balances`

func scanBalance(row scanner) (Balance, error) {
	var b Balance
	err := row.Scan(&b.ID, &b.Currency, &b.UserA, &b.UserB, &b.AOwesB, &b.BOwesA)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Balance{}, ErrNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

func (q *queries) LookupOrCreateBalance(ctx context.Context, pair Pair, currency string) (Balance, error) {
	fresh := NewBalance(pair, currency)
	insert := `INSERT INTO balances (id, currency, user_a, user_b, a_owes_b, b_owes_a)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (currency, user_a, user_b) DO NOTHING`
	_, err := q.db.ExecContext(ctx, insert, fresh.ID, fresh.Currency, fresh.UserA, fresh.UserB, fresh.AOwesB, fresh.BOwesA)
	if err != nil {
		return Balance{}, fmt.Errorf("inserting balance: %w", err)
	}

	row := q.db.QueryRowContext(ctx, selectBalance+` WHERE currency = $1 AND user_a = $2 AND user_b = $3 FOR UPDATE`,
		currency, pair.First(), pair.Second())
	return scanBalance(row)
}

func (q *queries) UpdateBalance(ctx context.Context, b Balance) error {
	return q.execOne(ctx, `UPDATE balances SET a_owes_b = $1, b_owes_a = $2 WHERE id = $3`, b.AOwesB, b.BOwesA, b.ID)
}

func (q *queries) ListBalancesInvolving(ctx context.Context, user uuid.UUID) ([]Balance, error) {
	rows, err := q.db.QueryContext(ctx, selectBalance+` WHERE user_a = $1 OR user_b = $1 ORDER BY currency, user_a, user_b`, user)
	if err != nil {
		return nil, fmt.Errorf("querying balances: %w", err)
	}
	defer rows.Close()

	balances := make([]Balance, 0)
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// execOne runs a statement that must touch exactly one row.
func (q *queries) execOne(ctx context.Context, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
