package ledger

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DebtState is either Unpaid, whose amount the engine re-derives whenever the
// purchase's shares change, or Paid, whose amount is final.
type DebtState interface {
	Amount() decimal.Decimal
	debtState()
}

type Unpaid struct {
	Debt decimal.Decimal
}

func (u Unpaid) Amount() decimal.Decimal { return u.Debt }
func (Unpaid) debtState()                {}

type Paid struct {
	Debt decimal.Decimal
}

func (p Paid) Amount() decimal.Decimal { return p.Debt }
func (Paid) debtState()                {}

// Benefit is a beneficiary's weighted claim on a purchase.
type Benefit struct {
	ID          uuid.UUID
	PurchaseID  uuid.UUID
	Beneficiary uuid.UUID
	Share       decimal.Decimal
	Debt        DebtState
}

func (b Benefit) PaidOff() bool {
	_, ok := b.Debt.(Paid)
	return ok
}

// DebtAmount is what the beneficiary owes (or owed) the payer.
func (b Benefit) DebtAmount() decimal.Decimal {
	if b.Debt == nil {
		return decimal.Zero
	}
	return b.Debt.Amount()
}

// ShareOfAmount is share * amount / shareSum. It is a display helper only:
// the authoritative figure is the debt.
func (b Benefit) ShareOfAmount(amount, shareSum decimal.Decimal) decimal.Decimal {
	if !shareSum.IsPositive() {
		return decimal.Zero
	}
	return b.Share.Mul(amount).Div(shareSum)
}

// ShareSum adds up the shares of benefits.
func ShareSum(benefits []Benefit) decimal.Decimal {
	sum := decimal.Zero
	for _, b := range benefits {
		sum = sum.Add(b.Share)
	}
	return sum
}
