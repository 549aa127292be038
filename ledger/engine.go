package ledger

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/billbatista/acasinha-purchases/eventlogger"
	"github.com/billbatista/acasinha-purchases/lock"
	"github.com/billbatista/acasinha-purchases/money"
	"github.com/billbatista/acasinha-purchases/obs"
)

// PreDeleteHook runs inside the transaction that deletes p, before the
// purchase row goes away. Returning an error aborts the deletion. Hooks must
// only use tx; calling back into the Engine deadlocks.
type PreDeleteHook func(ctx context.Context, tx Queries, p Purchase) error

// Engine owns every mutation of purchases, benefits and balances. Each
// operation runs in one store transaction while holding the lock of the
// purchases it touches.
type Engine struct {
	store    Store
	locker   Locker
	recorder Recorder
	logger   zerolog.Logger
	metrics  *obs.LedgerMetrics
	now      func() time.Time

	mu    sync.RWMutex
	hooks []PreDeleteHook
}

type Option func(*Engine)

func WithLocker(l Locker) Option {
	return func(e *Engine) {
		e.locker = l
	}
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func WithMetrics(m *obs.LedgerMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		locker: lock.NewLocal(),
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.hooks = []PreDeleteHook{reverseBenefits(e)}
	return e
}

// RegisterPreDelete adds a hook run by DeletePurchase after the built-in one.
func (e *Engine) RegisterPreDelete(hook PreDeleteHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, hook)
}

func (e *Engine) CreatePurchase(ctx context.Context, price PriceSnapshot, quantity decimal.Decimal, payer uuid.UUID, date time.Time) (Purchase, error) {
	if date.IsZero() {
		date = e.now()
	}
	p, err := NewPurchase(price, quantity, payer, date)
	if err != nil {
		return Purchase{}, err
	}

	err = e.store.InTx(ctx, func(tx Queries) error {
		return tx.InsertPurchase(ctx, p)
	})
	if err != nil {
		return Purchase{}, fmt.Errorf("inserting purchase: %w", err)
	}

	e.logger.Info().
		Str("purchase_id", p.ID.String()).
		Str("payer_id", p.Payer.String()).
		Str("total_cost", money.Format(p.TotalCost())).
		Str("currency", p.Currency()).
		Msg("purchase created")
	e.emit(EventPurchaseCreated, p.ID, PurchaseCreatedEvent{
		PurchaseID: p.ID.String(),
		PriceID:    p.Price.ID.String(),
		PayerID:    p.Payer.String(),
		Quantity:   p.Quantity.String(),
		TotalCost:  money.Format(p.TotalCost()),
		Currency:   p.Currency(),
		Date:       p.Date,
	})
	return p, nil
}

// AddBenefit gives beneficiary a share of the purchase. Unless the purchase
// is frozen, every unpaid debt is re-derived from the new set of shares and
// the payer's balances move by the difference.
func (e *Engine) AddBenefit(ctx context.Context, purchaseID, beneficiary uuid.UUID, share decimal.Decimal) (Benefit, error) {
	if err := money.Positive("share", share); err != nil {
		return Benefit{}, err
	}
	if err := money.Precision("share", share, money.QuantityPlaces); err != nil {
		return Benefit{}, err
	}
	if beneficiary == uuid.Nil {
		return Benefit{}, ValidationError{Field: "beneficiary", Message: "is required"}
	}

	var added Benefit
	var evt BenefitAddedEvent
	err := e.withPurchaseLocks(ctx, []uuid.UUID{purchaseID}, func(ctx context.Context) error {
		return e.store.InTx(ctx, func(tx Queries) error {
			p, err := tx.LockPurchase(ctx, purchaseID)
			if err != nil {
				return fmt.Errorf("locking purchase: %w", err)
			}

			added = Benefit{
				ID:          uuid.New(),
				PurchaseID:  p.ID,
				Beneficiary: beneficiary,
				Share:       share,
				Debt:        Unpaid{Debt: decimal.Zero},
			}
			evt = BenefitAddedEvent{
				PurchaseID:    p.ID.String(),
				BenefitID:     added.ID.String(),
				BeneficiaryID: beneficiary.String(),
				Share:         share.String(),
			}

			if p.Frozen {
				if err := tx.InsertBenefit(ctx, added); err != nil {
					return fmt.Errorf("inserting benefit: %w", err)
				}
				return nil
			}

			existing, err := tx.ListBenefits(ctx, p.ID)
			if err != nil {
				return fmt.Errorf("listing benefits: %w", err)
			}
			charges := newChargeSet(p)
			unpaid := make([]Benefit, 0, len(existing)+1)
			for _, b := range existing {
				if b.PaidOff() {
					continue
				}
				charges.add(b.Beneficiary, b.DebtAmount().Neg())
				unpaid = append(unpaid, b)
			}
			unpaid = append(unpaid, added)

			start := time.Now()
			weights := make([]decimal.Decimal, len(unpaid))
			for i, b := range unpaid {
				weights[i] = b.Share
			}
			parts, err := money.Allocate(p.TotalCost(), weights)
			if err != nil {
				return err
			}
			e.metrics.ObserveAllocation(time.Since(start))

			evt.Reallocated = true
			evt.Debts = make(map[string]string, len(unpaid))
			for i := range unpaid {
				unpaid[i].Debt = Unpaid{Debt: parts[i]}
				charges.add(unpaid[i].Beneficiary, parts[i])
				evt.Debts[unpaid[i].ID.String()] = money.Format(parts[i])
			}

			last := len(unpaid) - 1
			for _, b := range unpaid[:last] {
				if err := tx.UpdateBenefitDebt(ctx, b); err != nil {
					return fmt.Errorf("updating benefit debt: %w", err)
				}
			}
			added = unpaid[last]
			if err := tx.InsertBenefit(ctx, added); err != nil {
				return fmt.Errorf("inserting benefit: %w", err)
			}

			return charges.apply(ctx, tx, e.metrics)
		})
	})
	if err != nil {
		return Benefit{}, err
	}

	e.metrics.BenefitAdded(evt.Reallocated)
	e.logger.Info().
		Str("purchase_id", evt.PurchaseID).
		Str("benefit_id", evt.BenefitID).
		Bool("reallocated", evt.Reallocated).
		Msg("benefit added")
	e.emit(EventBenefitAdded, added.PurchaseID, evt)
	return added, nil
}

// Settle marks the benefit's debt as paid and freezes its purchase. It
// reports false, changing nothing, when the debt was already paid.
func (e *Engine) Settle(ctx context.Context, benefitID uuid.UUID) (bool, error) {
	b, err := e.getBenefit(ctx, benefitID)
	if err != nil {
		return false, err
	}

	var evt *DebtSettledEvent
	err = e.withPurchaseLocks(ctx, []uuid.UUID{b.PurchaseID}, func(ctx context.Context) error {
		return e.store.InTx(ctx, func(tx Queries) error {
			evt, err = e.settle(ctx, tx, benefitID, nil)
			return err
		})
	})
	if err != nil {
		return false, err
	}
	if evt == nil {
		return false, nil
	}
	e.settled(*evt)
	return true, nil
}

// SettleDebts settles the selected debts the obligor owes the creditor, all
// or none. A benefit outside that pair fails the call with ErrInvalidArgument.
// It returns how many debts changed state.
func (e *Engine) SettleDebts(ctx context.Context, creditor, obligor uuid.UUID, benefitIDs []uuid.UUID) (int, error) {
	ids := slices.Clone(benefitIDs)
	slices.SortFunc(ids, compareIDs)
	ids = slices.Compact(ids)

	var purchaseIDs []uuid.UUID
	for _, id := range ids {
		b, err := e.getBenefit(ctx, id)
		if err != nil {
			return 0, err
		}
		purchaseIDs = append(purchaseIDs, b.PurchaseID)
	}
	slices.SortFunc(purchaseIDs, compareIDs)
	purchaseIDs = slices.Compact(purchaseIDs)

	owedByObligor := func(p Purchase, b Benefit) error {
		if p.Payer != creditor || b.Beneficiary != obligor {
			return invalidArgument(fmt.Sprintf("benefit %s is not a debt of this user to this creditor", b.ID))
		}
		return nil
	}

	var events []DebtSettledEvent
	err := e.withPurchaseLocks(ctx, purchaseIDs, func(ctx context.Context) error {
		return e.store.InTx(ctx, func(tx Queries) error {
			events = events[:0]
			for _, id := range ids {
				evt, err := e.settle(ctx, tx, id, owedByObligor)
				if err != nil {
					return err
				}
				if evt != nil {
					events = append(events, *evt)
				}
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	for _, evt := range events {
		e.settled(evt)
	}
	return len(events), nil
}

func (e *Engine) settle(ctx context.Context, tx Queries, benefitID uuid.UUID, check func(Purchase, Benefit) error) (*DebtSettledEvent, error) {
	b, err := tx.GetBenefit(ctx, benefitID)
	if err != nil {
		return nil, fmt.Errorf("getting benefit: %w", err)
	}
	p, err := tx.LockPurchase(ctx, b.PurchaseID)
	if err != nil {
		return nil, fmt.Errorf("locking purchase: %w", err)
	}
	if check != nil {
		if err := check(p, b); err != nil {
			return nil, err
		}
	}
	if b.PaidOff() {
		return nil, nil
	}

	debt := b.DebtAmount()
	charges := newChargeSet(p)
	charges.add(b.Beneficiary, debt.Neg())
	if err := charges.apply(ctx, tx, e.metrics); err != nil {
		return nil, err
	}

	b.Debt = Paid{Debt: debt}
	if err := tx.UpdateBenefitDebt(ctx, b); err != nil {
		return nil, fmt.Errorf("updating benefit debt: %w", err)
	}
	if !p.Frozen {
		if err := tx.FreezePurchase(ctx, p.ID); err != nil {
			return nil, fmt.Errorf("freezing purchase: %w", err)
		}
	}

	return &DebtSettledEvent{
		PurchaseID:    p.ID.String(),
		BenefitID:     b.ID.String(),
		BeneficiaryID: b.Beneficiary.String(),
		PayerID:       p.Payer.String(),
		Amount:        money.Format(debt),
		Currency:      p.Currency(),
	}, nil
}

func (e *Engine) settled(evt DebtSettledEvent) {
	e.metrics.DebtSettled()
	e.logger.Info().
		Str("purchase_id", evt.PurchaseID).
		Str("benefit_id", evt.BenefitID).
		Str("amount", evt.Amount).
		Str("currency", evt.Currency).
		Msg("debt settled")
	if id, err := uuid.Parse(evt.PurchaseID); err == nil {
		e.emit(EventDebtSettled, id, evt)
	}
}

// DeletePurchase removes the purchase after running every pre-delete hook in
// the same transaction.
func (e *Engine) DeletePurchase(ctx context.Context, purchaseID uuid.UUID) error {
	e.mu.RLock()
	hooks := slices.Clone(e.hooks)
	e.mu.RUnlock()

	var reversed int
	err := e.withPurchaseLocks(ctx, []uuid.UUID{purchaseID}, func(ctx context.Context) error {
		return e.store.InTx(ctx, func(tx Queries) error {
			p, err := tx.LockPurchase(ctx, purchaseID)
			if err != nil {
				return fmt.Errorf("locking purchase: %w", err)
			}
			benefits, err := tx.ListBenefits(ctx, p.ID)
			if err != nil {
				return fmt.Errorf("listing benefits: %w", err)
			}
			reversed = 0
			for _, b := range benefits {
				if !b.PaidOff() {
					reversed++
				}
			}

			for _, hook := range hooks {
				if err := hook(ctx, tx, p); err != nil {
					return err
				}
			}
			if err := tx.DeletePurchase(ctx, p.ID); err != nil {
				return fmt.Errorf("deleting purchase: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	e.logger.Info().
		Str("purchase_id", purchaseID.String()).
		Int("reversed_benefits", reversed).
		Msg("purchase deleted")
	e.emit(EventPurchaseDeleted, purchaseID, PurchaseDeletedEvent{
		PurchaseID:       purchaseID.String(),
		ReversedBenefits: reversed,
	})
	return nil
}

// reverseBenefits takes back the charge of every unpaid benefit and deletes
// all of the purchase's benefits. Paid debts were already taken back when
// they were settled.
func reverseBenefits(e *Engine) PreDeleteHook {
	return func(ctx context.Context, tx Queries, p Purchase) error {
		benefits, err := tx.ListBenefits(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("listing benefits: %w", err)
		}
		charges := newChargeSet(p)
		for _, b := range benefits {
			if !b.PaidOff() {
				charges.add(b.Beneficiary, b.DebtAmount().Neg())
			}
		}
		if err := charges.apply(ctx, tx, e.metrics); err != nil {
			return err
		}
		if err := tx.DeleteBenefits(ctx, p.ID); err != nil {
			return fmt.Errorf("deleting benefits: %w", err)
		}
		return nil
	}
}

func (e *Engine) GetPurchase(ctx context.Context, id uuid.UUID) (Purchase, error) {
	var p Purchase
	err := e.store.InTx(ctx, func(tx Queries) error {
		var err error
		p, err = tx.GetPurchase(ctx, id)
		return err
	})
	if err != nil {
		return Purchase{}, fmt.Errorf("getting purchase: %w", err)
	}
	return p, nil
}

// Benefits lists the purchase's benefits in the order they were added.
func (e *Engine) Benefits(ctx context.Context, purchaseID uuid.UUID) ([]Benefit, error) {
	var benefits []Benefit
	err := e.store.InTx(ctx, func(tx Queries) error {
		if _, err := tx.GetPurchase(ctx, purchaseID); err != nil {
			return fmt.Errorf("getting purchase: %w", err)
		}
		var err error
		benefits, err = tx.ListBenefits(ctx, purchaseID)
		if err != nil {
			return fmt.Errorf("listing benefits: %w", err)
		}
		return nil
	})
	return benefits, err
}

// PurchasesPaidBy lists the payer's purchases, oldest first.
func (e *Engine) PurchasesPaidBy(ctx context.Context, payer uuid.UUID) ([]Purchase, error) {
	var purchases []Purchase
	err := e.store.InTx(ctx, func(tx Queries) error {
		var err error
		purchases, err = tx.ListPurchasesByPayer(ctx, payer)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing purchases: %w", err)
	}
	return purchases, nil
}

// UnpaidDebts lists the unpaid benefits the obligor holds on purchases paid
// by the creditor.
func (e *Engine) UnpaidDebts(ctx context.Context, creditor, obligor uuid.UUID) ([]Benefit, error) {
	var benefits []Benefit
	err := e.store.InTx(ctx, func(tx Queries) error {
		var err error
		benefits, err = tx.ListUnpaidBenefits(ctx, creditor, obligor)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing unpaid benefits: %w", err)
	}
	return benefits, nil
}

// LookupOrCreateBalance returns the balance between x and y in currency,
// whichever order they are given in.
func (e *Engine) LookupOrCreateBalance(ctx context.Context, x, y uuid.UUID, currency string) (Balance, error) {
	pair, err := CanonicalPair(x, y)
	if err != nil {
		return Balance{}, err
	}
	if currency == "" {
		return Balance{}, ValidationError{Field: "currency", Message: "can't be empty"}
	}

	var b Balance
	err = e.store.InTx(ctx, func(tx Queries) error {
		var err error
		b, err = tx.LookupOrCreateBalance(ctx, pair, currency)
		return err
	})
	if err != nil {
		return Balance{}, fmt.Errorf("looking up balance: %w", err)
	}
	return b, nil
}

// BalanceBetween is the balance between x and y seen from x's side.
func (e *Engine) BalanceBetween(ctx context.Context, x, y uuid.UUID, currency string) (Position, error) {
	b, err := e.LookupOrCreateBalance(ctx, x, y, currency)
	if err != nil {
		return Position{}, err
	}
	return PositionOf(b, x)
}

func (e *Engine) BalancesInvolving(ctx context.Context, user uuid.UUID) ([]Balance, error) {
	var balances []Balance
	err := e.store.InTx(ctx, func(tx Queries) error {
		var err error
		balances, err = tx.ListBalancesInvolving(ctx, user)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing balances: %w", err)
	}
	return balances, nil
}

func (e *Engine) getBenefit(ctx context.Context, id uuid.UUID) (Benefit, error) {
	var b Benefit
	err := e.store.InTx(ctx, func(tx Queries) error {
		var err error
		b, err = tx.GetBenefit(ctx, id)
		return err
	})
	if err != nil {
		return Benefit{}, fmt.Errorf("getting benefit: %w", err)
	}
	return b, nil
}

// withPurchaseLocks holds the lock of every purchase in ids, taken in the
// given order, while fn runs.
func (e *Engine) withPurchaseLocks(ctx context.Context, ids []uuid.UUID, fn func(context.Context) error) error {
	if len(ids) == 0 {
		return fn(ctx)
	}
	return e.locker.WithLock(ctx, purchaseKey(ids[0]), func(ctx context.Context) error {
		return e.withPurchaseLocks(ctx, ids[1:], fn)
	})
}

func (e *Engine) emit(eventType string, purchaseID uuid.UUID, data any) {
	if e.recorder == nil {
		return
	}
	e.recorder.Log(eventlogger.NewEvent(
		eventlogger.WithType(eventType),
		eventlogger.WithData(data),
		eventlogger.WithMetadata(map[string]string{"purchase_id": purchaseID.String()}),
	))
}

func purchaseKey(id uuid.UUID) string {
	return "purchase:" + id.String()
}

func compareIDs(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}

// chargeSet collects the net charge per beneficiary of one purchase so each
// balance is read and written once, in canonical pair order.
type chargeSet struct {
	payer    uuid.UUID
	currency string
	deltas   map[uuid.UUID]decimal.Decimal
}

func newChargeSet(p Purchase) *chargeSet {
	return &chargeSet{
		payer:    p.Payer,
		currency: p.Currency(),
		deltas:   make(map[uuid.UUID]decimal.Decimal),
	}
}

// add charges amount to beneficiary on their balance with the payer. The
// payer's own benefits never move a balance.
func (c *chargeSet) add(beneficiary uuid.UUID, amount decimal.Decimal) {
	if beneficiary == c.payer {
		return
	}
	if d, ok := c.deltas[beneficiary]; ok {
		c.deltas[beneficiary] = d.Add(amount)
		return
	}
	c.deltas[beneficiary] = amount
}

func (c *chargeSet) apply(ctx context.Context, tx Queries, metrics *obs.LedgerMetrics) error {
	type charge struct {
		pair        Pair
		beneficiary uuid.UUID
		amount      decimal.Decimal
	}
	charges := make([]charge, 0, len(c.deltas))
	for beneficiary, amount := range c.deltas {
		pair, err := CanonicalPair(c.payer, beneficiary)
		if err != nil {
			return err
		}
		charges = append(charges, charge{pair: pair, beneficiary: beneficiary, amount: amount})
	}
	slices.SortFunc(charges, func(a, b charge) int {
		switch {
		case a.pair.less(b.pair):
			return -1
		case b.pair.less(a.pair):
			return 1
		}
		return 0
	})

	for _, ch := range charges {
		bal, err := tx.LookupOrCreateBalance(ctx, ch.pair, c.currency)
		if err != nil {
			return fmt.Errorf("looking up balance: %w", err)
		}
		if ch.amount.IsZero() {
			continue
		}
		if err := bal.ChargeTo(ch.beneficiary, ch.amount); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, bal); err != nil {
			return fmt.Errorf("updating balance: %w", err)
		}
		metrics.BalanceCharged(c.currency)
	}
	return nil
}
