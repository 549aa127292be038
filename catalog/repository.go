package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *repository {
	return &repository{db: db}
}

func (r *repository) CreateShop(ctx context.Context, shop Shop) error {
	query := `INSERT INTO shops (id, name, description) VALUES ($1, $2, $3)`
	if _, err := r.db.ExecContext(ctx, query, shop.ID, shop.Name, shop.Description); err != nil {
		return fmt.Errorf("inserting shop: %w", err)
	}
	return nil
}

func (r *repository) GetShop(ctx context.Context, id uuid.UUID) (Shop, error) {
	var shop Shop
	err := r.db.QueryRowContext(ctx, `SELECT id, name, description FROM shops WHERE id = $1`, id).
		Scan(&shop.ID, &shop.Name, &shop.Description)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Shop{}, ErrNotFound
		}
		return Shop{}, fmt.Errorf("querying shop: %w", err)
	}
	return shop, nil
}

func (r *repository) ListShops(ctx context.Context) ([]Shop, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, description FROM shops ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying shops: %w", err)
	}
	defer rows.Close()

	shops := make([]Shop, 0)
	for rows.Next() {
		var shop Shop
		if err := rows.Scan(&shop.ID, &shop.Name, &shop.Description); err != nil {
			return nil, err
		}
		shops = append(shops, shop)
	}
	return shops, rows.Err()
}

func (r *repository) CreateProduct(ctx context.Context, product Product) error {
	query := `INSERT INTO products (id, name, description, section) VALUES ($1, $2, $3, $4)`
	if _, err := r.db.ExecContext(ctx, query, product.ID, product.Name, product.Description, product.Section); err != nil {
		return fmt.Errorf("inserting product: %w", err)
	}
	return nil
}

func (r *repository) GetProduct(ctx context.Context, id uuid.UUID) (Product, error) {
	var p Product
	err := r.db.QueryRowContext(ctx, `SELECT id, name, description, section FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.Section)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, fmt.Errorf("querying product: %w", err)
	}
	return p, nil
}

func (r *repository) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, description, section FROM products ORDER BY section, name`)
	if err != nil {
		return nil, fmt.Errorf("querying products: %w", err)
	}
	defer rows.Close()

	products := make([]Product, 0)
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Section); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (r *repository) InsertPrice(ctx context.Context, price Price) error {
	query := `INSERT INTO prices (id, product_id, shop_id, amount, currency, since) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, query, price.ID, price.ProductID, price.ShopID, price.Value, price.Currency, price.Since)
	if err != nil {
		return fmt.Errorf("inserting price: %w", err)
	}
	return nil
}

func (r *repository) PriceAt(ctx context.Context, productID, shopID uuid.UUID, at time.Time) (*Price, error) {
	query := `SELECT id, product_id, shop_id, amount, currency, since
FROM prices
WHERE product_id = $1 AND shop_id = $2 AND since <= $3
ORDER BY since DESC, seq DESC
LIMIT 1`

	var p Price
	err := r.db.QueryRowContext(ctx, query, productID, shopID, at).
		Scan(&p.ID, &p.ProductID, &p.ShopID, &p.Value, &p.Currency, &p.Since)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying price: %w", err)
	}
	p.Since = p.Since.UTC()
	return &p, nil
}

func (r *repository) ShopsWithPrices(ctx context.Context, productID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT shop_id FROM prices WHERE product_id = $1`, productID)
	if err != nil {
		return nil, fmt.Errorf("querying price shops: %w", err)
	}
	defer rows.Close()

	var shops []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		shops = append(shops, id)
	}
	return shops, rows.Err()
}
