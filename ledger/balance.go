package ledger

import (
	"bytes"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Pair is an unordered pair of users in canonical order. The only way to get
// one is CanonicalPair, so a balance key can never be stored twice.
type Pair struct {
	first  uuid.UUID
	second uuid.UUID
}

// CanonicalPair orders x and y by the byte order of their ids.
func CanonicalPair(x, y uuid.UUID) (Pair, error) {
	if x == uuid.Nil || y == uuid.Nil {
		return Pair{}, invalidArgument("a balance needs two users")
	}
	switch c := bytes.Compare(x[:], y[:]); {
	case c < 0:
		return Pair{first: x, second: y}, nil
	case c > 0:
		return Pair{first: y, second: x}, nil
	default:
		return Pair{}, ErrSelfBalance
	}
}

func (p Pair) First() uuid.UUID  { return p.first }
func (p Pair) Second() uuid.UUID { return p.second }

func (p Pair) less(o Pair) bool {
	if c := bytes.Compare(p.first[:], o.first[:]); c != 0 {
		return c < 0
	}
	return bytes.Compare(p.second[:], o.second[:]) < 0
}

// Balance is the running amount owed between two users in one currency.
// UserA always sorts before UserB.
type Balance struct {
	ID       uuid.UUID
	Currency string
	UserA    uuid.UUID
	UserB    uuid.UUID
	AOwesB   decimal.Decimal
	BOwesA   decimal.Decimal
}

// NewBalance starts an even balance for pair.
func NewBalance(pair Pair, currency string) Balance {
	return Balance{
		ID:       uuid.New(),
		Currency: currency,
		UserA:    pair.first,
		UserB:    pair.second,
		AOwesB:   decimal.Zero,
		BOwesA:   decimal.Zero,
	}
}

func (b Balance) Pair() Pair {
	return Pair{first: b.UserA, second: b.UserB}
}

// ChargeTo adds amount to what who owes the other user. A negative amount
// reverses an earlier charge.
func (b *Balance) ChargeTo(who uuid.UUID, amount decimal.Decimal) error {
	switch who {
	case b.UserA:
		b.AOwesB = b.AOwesB.Add(amount)
	case b.UserB:
		b.BOwesA = b.BOwesA.Add(amount)
	default:
		return ErrNotLinkedToBalance
	}
	return nil
}

// NetOwedByFirst is what UserA owes UserB once both directions are netted.
func (b Balance) NetOwedByFirst() decimal.Decimal {
	return b.AOwesB.Sub(b.BOwesA)
}

func (b Balance) NetOwedBySecond() decimal.Decimal {
	return b.NetOwedByFirst().Neg()
}

func (b Balance) NetOwedBy(user uuid.UUID) (decimal.Decimal, error) {
	switch user {
	case b.UserA:
		return b.NetOwedByFirst(), nil
	case b.UserB:
		return b.NetOwedBySecond(), nil
	default:
		return decimal.Zero, ErrNotLinkedToBalance
	}
}

func (b Balance) Counterparty(user uuid.UUID) (uuid.UUID, error) {
	switch user {
	case b.UserA:
		return b.UserB, nil
	case b.UserB:
		return b.UserA, nil
	default:
		return uuid.Nil, ErrNotLinkedToBalance
	}
}

func (b Balance) Even() bool {
	return b.NetOwedByFirst().IsZero()
}

// Position is a balance seen from one of its users.
type Position struct {
	Balance Balance
	First   uuid.UUID
	Second  uuid.UUID
}

// PositionOf views b from user's side.
func PositionOf(b Balance, user uuid.UUID) (Position, error) {
	other, err := b.Counterparty(user)
	if err != nil {
		return Position{}, err
	}
	return Position{Balance: b, First: user, Second: other}, nil
}

// NetOwedByFirst is what First owes Second; negative when Second owes First.
func (p Position) NetOwedByFirst() decimal.Decimal {
	if p.First == p.Balance.UserA {
		return p.Balance.NetOwedByFirst()
	}
	return p.Balance.NetOwedBySecond()
}

func (p Position) NetOwedBySecond() decimal.Decimal {
	return p.NetOwedByFirst().Neg()
}
