package ledger

import (
	"time"

	"github.com/billbatista/acasinha-purchases/eventlogger"
)

const (
	EventPurchaseCreated = "ledger.purchase_created"
	EventBenefitAdded    = "ledger.benefit_added"
	EventDebtSettled     = "ledger.debt_settled"
	EventPurchaseDeleted = "ledger.purchase_deleted"
)

// Recorder receives the ledger's events once their transaction committed.
// eventlogger.Worker satisfies it.
type Recorder interface {
	Log(event eventlogger.Event)
}

type PurchaseCreatedEvent struct {
	PurchaseID string    `json:"purchase_id"`
	PriceID    string    `json:"price_id"`
	PayerID    string    `json:"payer_id"`
	Quantity   string    `json:"quantity"`
	TotalCost  string    `json:"total_cost"`
	Currency   string    `json:"currency"`
	Date       time.Time `json:"date"`
}

type BenefitAddedEvent struct {
	PurchaseID    string `json:"purchase_id"`
	BenefitID     string `json:"benefit_id"`
	BeneficiaryID string `json:"beneficiary_id"`
	Share         string `json:"share"`
	// Reallocated is false when the purchase was frozen and no debt moved.
	Reallocated bool              `json:"reallocated"`
	Debts       map[string]string `json:"debts,omitempty"` // benefit id -> debt
}

type DebtSettledEvent struct {
	PurchaseID    string `json:"purchase_id"`
	BenefitID     string `json:"benefit_id"`
	BeneficiaryID string `json:"beneficiary_id"`
	PayerID       string `json:"payer_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

type PurchaseDeletedEvent struct {
	PurchaseID       string `json:"purchase_id"`
	ReversedBenefits int    `json:"reversed_benefits"`
}
