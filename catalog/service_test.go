package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/billbatista/acasinha-purchases/ledger"
)

type stubRepo struct {
	mu       sync.Mutex
	shops    map[uuid.UUID]Shop
	products map[uuid.UUID]Product
	prices   []Price
	lookups  int

	// afterLookup runs once PriceAt has read, before it returns.
	afterLookup func()
}

func newStubRepo() *stubRepo {
	return &stubRepo{shops: map[uuid.UUID]Shop{}, products: map[uuid.UUID]Product{}}
}

func (r *stubRepo) CreateShop(_ context.Context, shop Shop) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shops[shop.ID] = shop
	return nil
}

func (r *stubRepo) GetShop(_ context.Context, id uuid.UUID) (Shop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	shop, ok := r.shops[id]
	if !ok {
		return Shop{}, ErrNotFound
	}
	return shop, nil
}

func (r *stubRepo) ListShops(context.Context) ([]Shop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	shops := make([]Shop, 0, len(r.shops))
	for _, s := range r.shops {
		shops = append(shops, s)
	}
	return shops, nil
}

func (r *stubRepo) CreateProduct(_ context.Context, p Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[p.ID] = p
	return nil
}

func (r *stubRepo) GetProduct(_ context.Context, id uuid.UUID) (Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

func (r *stubRepo) ListProducts(context.Context) ([]Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	products := make([]Product, 0, len(r.products))
	for _, p := range r.products {
		products = append(products, p)
	}
	return products, nil
}

func (r *stubRepo) InsertPrice(_ context.Context, p Price) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices = append(r.prices, p)
	return nil
}

func (r *stubRepo) PriceAt(_ context.Context, productID, shopID uuid.UUID, at time.Time) (*Price, error) {
	found := r.priceAt(productID, shopID, at)
	if r.afterLookup != nil {
		r.afterLookup()
	}
	return found, nil
}

func (r *stubRepo) priceAt(productID, shopID uuid.UUID, at time.Time) *Price {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	var found *Price
	for i, p := range r.prices {
		if p.ProductID != productID || p.ShopID != shopID || p.Since.After(at) {
			continue
		}
		if found == nil || !p.Since.Before(found.Since) {
			found = &r.prices[i]
		}
	}
	if found == nil {
		return nil
	}
	cp := *found
	return &cp
}

func (r *stubRepo) ShopsWithPrices(_ context.Context, productID uuid.UUID) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[uuid.UUID]bool{}
	var shops []uuid.UUID
	for _, p := range r.prices {
		if p.ProductID == productID && !seen[p.ShopID] {
			seen[p.ShopID] = true
			shops = append(shops, p.ShopID)
		}
	}
	return shops, nil
}

type fixture struct {
	svc     *Service
	repo    *stubRepo
	product Product
	shop    Shop
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{repo: newStubRepo(), clock: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	f.svc = NewService(f.repo, NewCache(client, time.Minute), zerolog.Nop())
	f.svc.now = func() time.Time { return f.clock }

	ctx := context.Background()
	f.product, err = f.svc.CreateProduct(ctx, "Milk", "1l carton", "Dairy")
	require.NoError(t, err)
	f.shop, err = f.svc.CreateShop(ctx, "Corner shop", "")
	require.NoError(t, err)
	return f
}

func TestCurrentPriceIsCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	none, err := f.svc.CurrentPrice(ctx, f.product.ID, f.shop.ID)
	require.NoError(t, err)
	require.Nil(t, none)

	changed, err := f.svc.ChangeCurrentPrice(ctx, f.product.ID, f.shop.ID, decimal.RequireFromString("1.25"), "eur")
	require.NoError(t, err)
	require.Equal(t, "EUR", changed.Currency)

	lookups := f.repo.lookups
	for range 3 {
		current, err := f.svc.CurrentPrice(ctx, f.product.ID, f.shop.ID)
		require.NoError(t, err)
		require.Equal(t, changed.ID, current.ID)
		require.True(t, changed.Value.Equal(current.Value))
	}
	require.Equal(t, lookups+1, f.repo.lookups)

	f.clock = f.clock.Add(time.Hour)
	newer, err := f.svc.ChangeCurrentPrice(ctx, f.product.ID, f.shop.ID, decimal.RequireFromString("1.40"), "EUR")
	require.NoError(t, err)
	current, err := f.svc.CurrentPrice(ctx, f.product.ID, f.shop.ID)
	require.NoError(t, err)
	require.Equal(t, newer.ID, current.ID)

	past, err := f.svc.PriceAt(ctx, f.product.ID, f.shop.ID, f.clock.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Equal(t, changed.ID, past.ID)
}

func TestPriceChangeDuringCacheFillIsNotServed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	old, err := f.svc.ChangeCurrentPrice(ctx, f.product.ID, f.shop.ID, decimal.RequireFromString("1.00"), "EUR")
	require.NoError(t, err)

	// a reader fetches the old price, then the price changes before the
	// reader fills the cache
	var newer Price
	f.repo.afterLookup = func() {
		f.repo.afterLookup = nil
		f.clock = f.clock.Add(time.Minute)
		newer, err = f.svc.ChangeCurrentPrice(ctx, f.product.ID, f.shop.ID, decimal.RequireFromString("1.20"), "EUR")
		require.NoError(t, err)
	}
	stale, err := f.svc.CurrentPrice(ctx, f.product.ID, f.shop.ID)
	require.NoError(t, err)
	require.Equal(t, old.ID, stale.ID)

	current, err := f.svc.CurrentPrice(ctx, f.product.ID, f.shop.ID)
	require.NoError(t, err)
	require.Equal(t, newer.ID, current.ID)

	snapshot, err := f.svc.SnapshotForPurchase(ctx, f.product.ID, f.shop.ID, decimal.RequireFromString("1.20"), "EUR")
	require.NoError(t, err)
	require.Equal(t, newer.ID, snapshot.ID)
}

func TestSnapshotForPurchase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.SnapshotForPurchase(ctx, f.product.ID, f.shop.ID, decimal.RequireFromString("2.50"), "EUR")
	require.NoError(t, err)
	require.Len(t, f.repo.prices, 1)

	f.clock = f.clock.Add(time.Minute)
	same, err := f.svc.SnapshotForPurchase(ctx, f.product.ID, f.shop.ID, decimal.RequireFromString("2.5"), "eur")
	require.NoError(t, err)
	require.Equal(t, first.ID, same.ID)
	require.Len(t, f.repo.prices, 1)

	f.clock = f.clock.Add(time.Minute)
	otherCurrency, err := f.svc.SnapshotForPurchase(ctx, f.product.ID, f.shop.ID, decimal.RequireFromString("2.50"), "USD")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, otherCurrency.ID)
	require.Equal(t, "USD", otherCurrency.Currency)
	require.Len(t, f.repo.prices, 2)
}

func TestChangeCurrentPriceValidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tests := []struct {
		name     string
		product  uuid.UUID
		value    string
		currency string
		field    string
	}{
		{"zero", f.product.ID, "0", "EUR", "price"},
		{"negative", f.product.ID, "-3", "EUR", "price"},
		{"sub cent", f.product.ID, "1.005", "EUR", "price"},
		{"bad currency", f.product.ID, "1.00", "EURO", "currency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.ChangeCurrentPrice(ctx, tt.product, f.shop.ID, decimal.RequireFromString(tt.value), tt.currency)
			var verr ledger.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tt.field, verr.Field)
		})
	}

	_, err := f.svc.ChangeCurrentPrice(ctx, uuid.New(), f.shop.ID, decimal.NewFromInt(1), "EUR")
	require.ErrorIs(t, err, ErrNotFound)
	require.Empty(t, f.repo.prices)
}

func TestCheapestCurrentPrices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	second, err := f.svc.CreateShop(ctx, "Market", "")
	require.NoError(t, err)
	third, err := f.svc.CreateShop(ctx, "Supermarket", "")
	require.NoError(t, err)

	for shop, value := range map[uuid.UUID]string{f.shop.ID: "0.99", second.ID: "0.89", third.ID: "0.89"} {
		_, err := f.svc.ChangeCurrentPrice(ctx, f.product.ID, shop, decimal.RequireFromString(value), "EUR")
		require.NoError(t, err)
	}

	cheapest, err := f.svc.CheapestCurrentPrices(ctx, f.product.ID)
	require.NoError(t, err)
	require.Len(t, cheapest, 2)
	for _, p := range cheapest {
		require.Equal(t, "0.89", p.Value.StringFixed(2))
		require.NotEqual(t, f.shop.ID, p.ShopID)
	}
}

func TestNilCacheIsANoop(t *testing.T) {
	ctx := context.Background()
	var c *Cache
	var dst Price
	hit, err := c.GetJSON(ctx, "k", &dst)
	require.NoError(t, err)
	require.False(t, hit)
	require.NoError(t, c.SetJSON(ctx, "k", dst))
	require.NoError(t, c.Delete(ctx, "k"))
	require.NoError(t, c.Bump(ctx, "k"))
	gen, err := c.Generation(ctx, "k")
	require.NoError(t, err)
	require.Zero(t, gen)
}
