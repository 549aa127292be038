// Package memory keeps the ledger in process memory. Transactions are
// serialized and roll back by restoring a copy of the state taken when they
// began.
package memory

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/billbatista/acasinha-purchases/ledger"
)

var errHasBenefits = errors.New("purchase still has benefits")

type balanceKey struct {
	currency string
	userA    uuid.UUID
	userB    uuid.UUID
}

type storedBenefit struct {
	benefit ledger.Benefit
	seq     int64
}

type state struct {
	purchases map[uuid.UUID]ledger.Purchase
	benefits  map[uuid.UUID]storedBenefit
	balances  map[balanceKey]ledger.Balance
	seq       int64
}

func (s state) clone() state {
	return state{
		purchases: cloneMap(s.purchases),
		benefits:  cloneMap(s.benefits),
		balances:  cloneMap(s.balances),
		seq:       s.seq,
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type Store struct {
	mu    sync.Mutex
	state state
}

func NewStore() *Store {
	return &Store{state: state{
		purchases: make(map[uuid.UUID]ledger.Purchase),
		benefits:  make(map[uuid.UUID]storedBenefit),
		balances:  make(map[balanceKey]ledger.Balance),
	}}
}

func (s *Store) InTx(ctx context.Context, fn func(tx ledger.Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(&tx{st: &s.state}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

type tx struct {
	st *state
}

func (t *tx) InsertPurchase(_ context.Context, p ledger.Purchase) error {
	if _, ok := t.st.purchases[p.ID]; ok {
		return fmt.Errorf("purchase %s already exists", p.ID)
	}
	t.st.purchases[p.ID] = p
	return nil
}

func (t *tx) GetPurchase(_ context.Context, id uuid.UUID) (ledger.Purchase, error) {
	p, ok := t.st.purchases[id]
	if !ok {
		return ledger.Purchase{}, ledger.ErrNotFound
	}
	return p, nil
}

func (t *tx) LockPurchase(ctx context.Context, id uuid.UUID) (ledger.Purchase, error) {
	return t.GetPurchase(ctx, id)
}

func (t *tx) FreezePurchase(_ context.Context, id uuid.UUID) error {
	p, ok := t.st.purchases[id]
	if !ok {
		return ledger.ErrNotFound
	}
	p.Frozen = true
	t.st.purchases[id] = p
	return nil
}

func (t *tx) DeletePurchase(_ context.Context, id uuid.UUID) error {
	if _, ok := t.st.purchases[id]; !ok {
		return ledger.ErrNotFound
	}
	for _, sb := range t.st.benefits {
		if sb.benefit.PurchaseID == id {
			return errHasBenefits
		}
	}
	delete(t.st.purchases, id)
	return nil
}

func (t *tx) ListPurchasesByPayer(_ context.Context, payer uuid.UUID) ([]ledger.Purchase, error) {
	purchases := make([]ledger.Purchase, 0)
	for _, p := range t.st.purchases {
		if p.Payer == payer {
			purchases = append(purchases, p)
		}
	}
	slices.SortFunc(purchases, func(a, b ledger.Purchase) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	return purchases, nil
}

func (t *tx) InsertBenefit(_ context.Context, b ledger.Benefit) error {
	if _, ok := t.st.purchases[b.PurchaseID]; !ok {
		return ledger.ErrNotFound
	}
	if _, ok := t.st.benefits[b.ID]; ok {
		return fmt.Errorf("benefit %s already exists", b.ID)
	}
	t.st.seq++
	t.st.benefits[b.ID] = storedBenefit{benefit: b, seq: t.st.seq}
	return nil
}

func (t *tx) GetBenefit(_ context.Context, id uuid.UUID) (ledger.Benefit, error) {
	sb, ok := t.st.benefits[id]
	if !ok {
		return ledger.Benefit{}, ledger.ErrNotFound
	}
	return sb.benefit, nil
}

func (t *tx) ListBenefits(_ context.Context, purchaseID uuid.UUID) ([]ledger.Benefit, error) {
	return t.benefitsWhere(func(b ledger.Benefit) bool {
		return b.PurchaseID == purchaseID
	}), nil
}

func (t *tx) UpdateBenefitDebt(_ context.Context, b ledger.Benefit) error {
	sb, ok := t.st.benefits[b.ID]
	if !ok {
		return ledger.ErrNotFound
	}
	sb.benefit.Debt = b.Debt
	t.st.benefits[b.ID] = sb
	return nil
}

func (t *tx) DeleteBenefits(_ context.Context, purchaseID uuid.UUID) error {
	for id, sb := range t.st.benefits {
		if sb.benefit.PurchaseID == purchaseID {
			delete(t.st.benefits, id)
		}
	}
	return nil
}

func (t *tx) ListUnpaidBenefits(_ context.Context, payer, beneficiary uuid.UUID) ([]ledger.Benefit, error) {
	benefits := t.benefitsWhere(func(b ledger.Benefit) bool {
		return b.Beneficiary == beneficiary && !b.PaidOff() && t.st.purchases[b.PurchaseID].Payer == payer
	})
	slices.SortStableFunc(benefits, func(a, b ledger.Benefit) int {
		return t.st.purchases[a.PurchaseID].Date.Compare(t.st.purchases[b.PurchaseID].Date)
	})
	return benefits, nil
}

// benefitsWhere returns the matching benefits in insertion order.
func (t *tx) benefitsWhere(match func(ledger.Benefit) bool) []ledger.Benefit {
	stored := make([]storedBenefit, 0)
	for _, sb := range t.st.benefits {
		if match(sb.benefit) {
			stored = append(stored, sb)
		}
	}
	slices.SortFunc(stored, func(a, b storedBenefit) int {
		return cmp.Compare(a.seq, b.seq)
	})
	benefits := make([]ledger.Benefit, len(stored))
	for i, sb := range stored {
		benefits[i] = sb.benefit
	}
	return benefits
}

func (t *tx) LookupOrCreateBalance(_ context.Context, pair ledger.Pair, currency string) (ledger.Balance, error) {
	key := balanceKey{currency: currency, userA: pair.First(), userB: pair.Second()}
	if b, ok := t.st.balances[key]; ok {
		return b, nil
	}
	b := ledger.NewBalance(pair, currency)
	t.st.balances[key] = b
	return b, nil
}

func (t *tx) UpdateBalance(_ context.Context, b ledger.Balance) error {
	key := balanceKey{currency: b.Currency, userA: b.UserA, userB: b.UserB}
	current, ok := t.st.balances[key]
	if !ok || current.ID != b.ID {
		return ledger.ErrNotFound
	}
	t.st.balances[key] = b
	return nil
}

func (t *tx) ListBalancesInvolving(_ context.Context, user uuid.UUID) ([]ledger.Balance, error) {
	balances := make([]ledger.Balance, 0)
	for _, b := range t.st.balances {
		if b.UserA == user || b.UserB == user {
			balances = append(balances, b)
		}
	}
	slices.SortFunc(balances, func(a, b ledger.Balance) int {
		if c := cmp.Compare(a.Currency, b.Currency); c != 0 {
			return c
		}
		if c := bytes.Compare(a.UserA[:], b.UserA[:]); c != 0 {
			return c
		}
		return bytes.Compare(a.UserB[:], b.UserB[:])
	})
	return balances, nil
}
