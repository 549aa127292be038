package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/billbatista/acasinha-purchases/catalog"
	"github.com/billbatista/acasinha-purchases/ledger"
	"github.com/billbatista/acasinha-purchases/money"
)

type createShopRequest struct {
	Name        string `json:"name" validate:"required,max=50"`
	Description string `json:"description"`
}

type createProductRequest struct {
	Name        string `json:"name" validate:"required,max=50"`
	Description string `json:"description"`
	Section     string `json:"section" validate:"max=50"`
}

func (h *Handler) ListShops(w http.ResponseWriter, r *http.Request) {
	shops, err := h.catalog.ListShops(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"data": shops})
}

func (h *Handler) CreateShop(w http.ResponseWriter, r *http.Request) {
	var req createShopRequest
	if !h.decode(w, r, &req) {
		return
	}
	shop, err := h.catalog.CreateShop(r.Context(), req.Name, req.Description)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, shop)
}

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.catalog.ListProducts(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"data": products})
}

func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.catalog.CreateProduct(r.Context(), req.Name, req.Description, req.Section)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, p)
}

type priceView struct {
	ID       uuid.UUID `json:"id"`
	ShopID   uuid.UUID `json:"shop_id"`
	Value    string    `json:"value"`
	Currency string    `json:"currency"`
	Since    string    `json:"since"`
}

func newPriceView(p catalog.Price) priceView {
	return priceView{
		ID:       p.ID,
		ShopID:   p.ShopID,
		Value:    money.Format(p.Value),
		Currency: p.Currency,
		Since:    p.Since.UTC().Format(time.RFC3339),
	}
}

// CurrentPrice answers GET /products/{id}/price?shop=<shop id>.
func (h *Handler) CurrentPrice(w http.ResponseWriter, r *http.Request) {
	productID, err := uuidParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	shopID, err := uuid.Parse(r.URL.Query().Get("shop"))
	if err != nil {
		h.writeError(w, r, ledger.ValidationError{Field: "shop", Message: "must be a UUID"})
		return
	}

	price, err := h.catalog.CurrentPrice(r.Context(), productID, shopID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if price == nil {
		JSONError(w, http.StatusNotFound, "NOT_FOUND", "the shop has no price for this product", nil)
		return
	}
	JSON(w, http.StatusOK, newPriceView(*price))
}

func (h *Handler) CheapestPrices(w http.ResponseWriter, r *http.Request) {
	productID, err := uuidParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	prices, err := h.catalog.CheapestCurrentPrices(r.Context(), productID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	views := make([]priceView, len(prices))
	for i, p := range prices {
		views[i] = newPriceView(p)
	}
	JSON(w, http.StatusOK, map[string]any{"data": views})
}
