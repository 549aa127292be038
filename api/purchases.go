package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/billbatista/acasinha-purchases/ledger"
	"github.com/billbatista/acasinha-purchases/money"
)

type createPurchaseRequest struct {
	ProductID     string     `json:"product_id" validate:"required,uuid"`
	ShopID        string     `json:"shop_id" validate:"required,uuid"`
	PriceValue    string     `json:"price_value" validate:"required"`
	PriceCurrency string     `json:"price_currency" validate:"required,len=3,alpha"`
	Quantity      string     `json:"quantity" validate:"required"`
	Date          *time.Time `json:"date"`
}

type addBenefitRequest struct {
	BeneficiaryID string `json:"beneficiary_id" validate:"required,uuid"`
	Share         string `json:"share" validate:"required"`
}

type purchaseView struct {
	ID        uuid.UUID `json:"id"`
	PriceID   uuid.UUID `json:"price_id"`
	UnitPrice string    `json:"unit_price"`
	Currency  string    `json:"currency"`
	Quantity  string    `json:"quantity"`
	TotalCost string    `json:"total_cost"`
	PayerID   uuid.UUID `json:"payer_id"`
	Date      time.Time `json:"date"`
	Frozen    bool      `json:"frozen"`
}

func newPurchaseView(p ledger.Purchase) purchaseView {
	return purchaseView{
		ID:        p.ID,
		PriceID:   p.Price.ID,
		UnitPrice: money.Format(p.Price.Amount),
		Currency:  p.Currency(),
		Quantity:  p.Quantity.String(),
		TotalCost: money.Format(p.TotalCost()),
		PayerID:   p.Payer,
		Date:      p.Date,
		Frozen:    p.Frozen,
	}
}

type benefitView struct {
	ID            uuid.UUID `json:"id"`
	PurchaseID    uuid.UUID `json:"purchase_id"`
	BeneficiaryID uuid.UUID `json:"beneficiary_id"`
	Share         string    `json:"share"`
	Debt          string    `json:"debt"`
	PaidOff       bool      `json:"paid_off"`
	// ShareOfAmount is the beneficiary's proportional part of the total
	// cost, for display. Debt is what is actually owed.
	ShareOfAmount string `json:"share_of_amount,omitempty"`
}

func newBenefitView(b ledger.Benefit) benefitView {
	return benefitView{
		ID:            b.ID,
		PurchaseID:    b.PurchaseID,
		BeneficiaryID: b.Beneficiary,
		Share:         b.Share.String(),
		Debt:          money.Format(b.DebtAmount()),
		PaidOff:       b.PaidOff(),
	}
}

func parseAmount(field, raw string) (decimal.Decimal, error) {
	d, err := money.Parse(raw)
	if err != nil {
		return decimal.Zero, ledger.ValidationError{Field: field, Message: "is not a number"}
	}
	return d, nil
}

// CreatePurchase records a purchase at the price the user paid. When that
// differs from the shop's current price, it becomes the new current price.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req createPurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	value, err := parseAmount("price_value", req.PriceValue)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	quantity, err := parseAmount("quantity", req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := money.Positive("quantity", quantity); err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	price, err := h.catalog.SnapshotForPurchase(ctx, uuid.MustParse(req.ProductID), uuid.MustParse(req.ShopID), value, req.PriceCurrency)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var date time.Time
	if req.Date != nil {
		date = *req.Date
	}
	p, err := h.engine.CreatePurchase(ctx, price, quantity, currentUser(r), date)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, newPurchaseView(p))
}

func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	purchases, err := h.engine.PurchasesPaidBy(r.Context(), currentUser(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	views := make([]purchaseView, len(purchases))
	for i, p := range purchases {
		views[i] = newPurchaseView(p)
	}
	JSON(w, http.StatusOK, map[string]any{"data": views})
}

func (h *Handler) ShowPurchase(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	p, err := h.engine.GetPurchase(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	benefits, err := h.engine.Benefits(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	total := p.TotalCost()
	shareSum := ledger.ShareSum(benefits)
	views := make([]benefitView, len(benefits))
	for i, b := range benefits {
		views[i] = newBenefitView(b)
		views[i].ShareOfAmount = money.Format(b.ShareOfAmount(total, shareSum))
	}
	JSON(w, http.StatusOK, map[string]any{
		"purchase": newPurchaseView(p),
		"benefits": views,
	})
}

// payerOnly loads the purchase and fails with errNotPayer unless the current
// user paid for it.
func (h *Handler) payerOnly(r *http.Request) (ledger.Purchase, error) {
	id, err := uuidParam(r, "id")
	if err != nil {
		return ledger.Purchase{}, err
	}
	p, err := h.engine.GetPurchase(r.Context(), id)
	if err != nil {
		return ledger.Purchase{}, err
	}
	if p.Payer != currentUser(r) {
		return ledger.Purchase{}, errNotPayer
	}
	return p, nil
}

func (h *Handler) DeletePurchase(w http.ResponseWriter, r *http.Request) {
	p, err := h.payerOnly(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.engine.DeletePurchase(r.Context(), p.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) AddBenefit(w http.ResponseWriter, r *http.Request) {
	p, err := h.payerOnly(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req addBenefitRequest
	if !h.decode(w, r, &req) {
		return
	}
	share, err := parseAmount("share", req.Share)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	b, err := h.engine.AddBenefit(r.Context(), p.ID, uuid.MustParse(req.BeneficiaryID), share)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, newBenefitView(b))
}
