package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/billbatista/acasinha-purchases/ledger"
	"github.com/billbatista/acasinha-purchases/money"
)

type positionView struct {
	BalanceID      uuid.UUID `json:"balance_id"`
	Currency       string    `json:"currency"`
	CounterpartyID uuid.UUID `json:"counterparty_id"`
	// NetOwed is what the current user owes the counterparty; negative when
	// the counterparty owes the user.
	NetOwed string `json:"net_owed"`
}

type settleRequest struct {
	BenefitIDs []string `json:"benefit_ids" validate:"required,min=1,dive,uuid"`
}

func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	me := currentUser(r)
	balances, err := h.engine.BalancesInvolving(r.Context(), me)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	views := make([]positionView, 0, len(balances))
	for _, b := range balances {
		pos, err := ledger.PositionOf(b, me)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		views = append(views, positionView{
			BalanceID:      b.ID,
			Currency:       b.Currency,
			CounterpartyID: pos.Second,
			NetOwed:        money.Format(pos.NetOwedByFirst()),
		})
	}
	JSON(w, http.StatusOK, map[string]any{"data": views})
}

// ListDebts lists what the obligor still owes the current user.
func (h *Handler) ListDebts(w http.ResponseWriter, r *http.Request) {
	obligor, err := uuidParam(r, "obligorID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	benefits, err := h.engine.UnpaidDebts(r.Context(), currentUser(r), obligor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	views := make([]benefitView, len(benefits))
	for i, b := range benefits {
		views[i] = newBenefitView(b)
	}
	JSON(w, http.StatusOK, map[string]any{"data": views})
}

// SettleDebts marks the selected debts of the obligor to the current user as
// paid.
func (h *Handler) SettleDebts(w http.ResponseWriter, r *http.Request) {
	obligor, err := uuidParam(r, "obligorID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req settleRequest
	if !h.decode(w, r, &req) {
		return
	}
	ids := make([]uuid.UUID, len(req.BenefitIDs))
	for i, raw := range req.BenefitIDs {
		ids[i] = uuid.MustParse(raw)
	}

	settled, err := h.engine.SettleDebts(r.Context(), currentUser(r), obligor, ids)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int{"settled": settled})
}
