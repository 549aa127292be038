package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/billbatista/acasinha-purchases/ledger"
	"github.com/billbatista/acasinha-purchases/money"
)

type Service struct {
	repo   Repository
	cache  *Cache
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, cache *Cache, logger zerolog.Logger) *Service {
	return &Service{repo: repo, cache: cache, logger: logger, now: time.Now}
}

func currentPriceKey(productID, shopID uuid.UUID) string {
	return "catalog:price:" + productID.String() + ":" + shopID.String()
}

// priceGenerationKey counts price changes of the product at the shop. A
// cached price is only served while it was read under the current count.
func priceGenerationKey(productID, shopID uuid.UUID) string {
	return currentPriceKey(productID, shopID) + ":gen"
}

type cachedPrice struct {
	Generation int64 `json:"generation"`
	Price      Price `json:"price"`
}

func (s *Service) CreateShop(ctx context.Context, name, description string) (Shop, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Shop{}, ledger.ValidationError{Field: "name", Message: "can't be blank"}
	}
	shop := Shop{ID: uuid.New(), Name: name, Description: description}
	if err := s.repo.CreateShop(ctx, shop); err != nil {
		return Shop{}, err
	}
	return shop, nil
}

func (s *Service) ListShops(ctx context.Context) ([]Shop, error) {
	return s.repo.ListShops(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, name, description, section string) (Product, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Product{}, ledger.ValidationError{Field: "name", Message: "can't be blank"}
	}
	p := Product{ID: uuid.New(), Name: name, Description: description, Section: strings.TrimSpace(section)}
	if err := s.repo.CreateProduct(ctx, p); err != nil {
		return Product{}, err
	}
	return p, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]Product, error) {
	return s.repo.ListProducts(ctx)
}

// PriceAt is the price the shop charged for the product at the given time,
// or nil when it had none yet.
func (s *Service) PriceAt(ctx context.Context, productID, shopID uuid.UUID, at time.Time) (*Price, error) {
	return s.repo.PriceAt(ctx, productID, shopID, at)
}

// CurrentPrice is the price a purchase made now would snapshot, or nil.
func (s *Service) CurrentPrice(ctx context.Context, productID, shopID uuid.UUID) (*Price, error) {
	key := currentPriceKey(productID, shopID)
	gen, genErr := s.cache.Generation(ctx, priceGenerationKey(productID, shopID))
	if genErr != nil {
		s.logger.Warn().Err(genErr).Str("key", key).Msg("reading price generation")
	} else {
		var cached cachedPrice
		hit, err := s.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("reading price cache")
		}
		if hit && cached.Generation == gen {
			return &cached.Price, nil
		}
	}

	price, err := s.repo.PriceAt(ctx, productID, shopID, s.now())
	if err != nil {
		return nil, err
	}
	if price != nil && genErr == nil {
		if err := s.cache.SetJSON(ctx, key, cachedPrice{Generation: gen, Price: *price}); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("writing price cache")
		}
	}
	return price, nil
}

// ChangeCurrentPrice records a new price for the product at the shop,
// effective now.
func (s *Service) ChangeCurrentPrice(ctx context.Context, productID, shopID uuid.UUID, value decimal.Decimal, currency string) (Price, error) {
	if err := money.Positive("price", value); err != nil {
		return Price{}, err
	}
	if !money.HasMinorPrecision(value) {
		return Price{}, ledger.ValidationError{Field: "price", Message: "can't have more than two decimal places"}
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return Price{}, ledger.ValidationError{Field: "currency", Message: "must be a three letter code"}
	}
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return Price{}, fmt.Errorf("getting product: %w", err)
	}
	if _, err := s.repo.GetShop(ctx, shopID); err != nil {
		return Price{}, fmt.Errorf("getting shop: %w", err)
	}

	price := Price{
		ID:        uuid.New(),
		ProductID: productID,
		ShopID:    shopID,
		Value:     value,
		Currency:  currency,
		Since:     s.now().UTC(),
	}
	if err := s.repo.InsertPrice(ctx, price); err != nil {
		return Price{}, err
	}
	if err := s.cache.Bump(ctx, priceGenerationKey(productID, shopID)); err != nil {
		s.logger.Warn().Err(err).Str("product_id", productID.String()).Msg("bumping price generation")
		if err := s.cache.Delete(ctx, currentPriceKey(productID, shopID)); err != nil {
			s.logger.Warn().Err(err).Str("product_id", productID.String()).Msg("invalidating price cache")
		}
	}

	s.logger.Info().
		Str("product_id", productID.String()).
		Str("shop_id", shopID.String()).
		Str("value", money.Format(value)).
		Str("currency", currency).
		Msg("price changed")
	return price, nil
}

// SnapshotForPurchase returns the price a purchase paid at value should
// point at. When the shop's current price differs, in value or currency, the
// paid value becomes the new current price.
func (s *Service) SnapshotForPurchase(ctx context.Context, productID, shopID uuid.UUID, value decimal.Decimal, currency string) (ledger.PriceSnapshot, error) {
	current, err := s.CurrentPrice(ctx, productID, shopID)
	if err != nil {
		return ledger.PriceSnapshot{}, err
	}
	if current != nil && current.Value.Equal(value) && strings.EqualFold(current.Currency, strings.TrimSpace(currency)) {
		return current.Snapshot(), nil
	}

	price, err := s.ChangeCurrentPrice(ctx, productID, shopID, value, currency)
	if err != nil {
		return ledger.PriceSnapshot{}, err
	}
	return price.Snapshot(), nil
}

// CheapestCurrentPrices returns the lowest current prices of the product
// across shops; several when shops tie.
func (s *Service) CheapestCurrentPrices(ctx context.Context, productID uuid.UUID) ([]Price, error) {
	shops, err := s.repo.ShopsWithPrices(ctx, productID)
	if err != nil {
		return nil, err
	}

	cheapest := make([]Price, 0)
	for _, shopID := range shops {
		price, err := s.CurrentPrice(ctx, productID, shopID)
		if err != nil {
			return nil, err
		}
		if price == nil {
			continue
		}
		switch {
		case len(cheapest) == 0:
			cheapest = append(cheapest, *price)
		case price.Value.LessThan(cheapest[0].Value):
			cheapest = []Price{*price}
		case price.Value.Equal(cheapest[0].Value):
			cheapest = append(cheapest, *price)
		}
	}
	return cheapest, nil
}
