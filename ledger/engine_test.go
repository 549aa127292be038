package ledger_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/billbatista/acasinha-purchases/eventlogger"
	"github.com/billbatista/acasinha-purchases/ledger"
	"github.com/billbatista/acasinha-purchases/ledger/memory"
	"github.com/billbatista/acasinha-purchases/money"
	"github.com/billbatista/acasinha-purchases/obs"
)

type recorder struct {
	mu     sync.Mutex
	events []eventlogger.Event
}

func (r *recorder) Log(e eventlogger.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func eur(amount string) ledger.PriceSnapshot {
	return ledger.PriceSnapshot{ID: uuid.New(), Amount: dec(amount), Currency: "EUR"}
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Equal(t, want, money.Format(got))
}

func newEngine(t *testing.T, opts ...ledger.Option) *ledger.Engine {
	t.Helper()
	return ledger.NewEngine(memory.NewStore(), opts...)
}

func createPurchase(t *testing.T, e *ledger.Engine, amount string, payer uuid.UUID) ledger.Purchase {
	t.Helper()
	p, err := e.CreatePurchase(context.Background(), eur(amount), decimal.NewFromInt(1), payer, time.Time{})
	require.NoError(t, err)
	return p
}

func addBenefit(t *testing.T, e *ledger.Engine, p ledger.Purchase, beneficiary uuid.UUID, share string) ledger.Benefit {
	t.Helper()
	b, err := e.AddBenefit(context.Background(), p.ID, beneficiary, dec(share))
	require.NoError(t, err)
	return b
}

func owes(t *testing.T, e *ledger.Engine, debtor, creditor uuid.UUID) decimal.Decimal {
	t.Helper()
	pos, err := e.BalanceBetween(context.Background(), debtor, creditor, "EUR")
	require.NoError(t, err)
	return pos.NetOwedByFirst()
}

func debtsOf(t *testing.T, e *ledger.Engine, p ledger.Purchase) map[uuid.UUID]string {
	t.Helper()
	benefits, err := e.Benefits(context.Background(), p.ID)
	require.NoError(t, err)
	debts := make(map[uuid.UUID]string, len(benefits))
	for _, b := range benefits {
		debts[b.ID] = money.Format(b.DebtAmount())
	}
	return debts
}

func TestSplitAndReallocate(t *testing.T) {
	e := newEngine(t)
	payer, b1, b2 := uuid.New(), uuid.New(), uuid.New()
	p := createPurchase(t, e, "9.00", payer)

	first := addBenefit(t, e, p, b1, "1")
	requireAmount(t, "9.00", first.DebtAmount())
	requireAmount(t, "9.00", owes(t, e, b1, payer))

	second := addBenefit(t, e, p, b2, "1")
	requireAmount(t, "4.50", second.DebtAmount())
	require.Equal(t, map[uuid.UUID]string{first.ID: "4.50", second.ID: "4.50"}, debtsOf(t, e, p))
	requireAmount(t, "4.50", owes(t, e, b1, payer))
	requireAmount(t, "4.50", owes(t, e, b2, payer))
	requireAmount(t, "-4.50", owes(t, e, payer, b2))
}

func TestSettleFreezesPurchase(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	payer, b1, b2, b3 := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	p := createPurchase(t, e, "9.00", payer)
	first := addBenefit(t, e, p, b1, "1")
	second := addBenefit(t, e, p, b2, "1")

	settled, err := e.Settle(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, settled)

	requireAmount(t, "0.00", owes(t, e, b1, payer))
	frozen, err := e.GetPurchase(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, frozen.Frozen)

	third := addBenefit(t, e, p, b3, "1")
	require.False(t, third.PaidOff())
	requireAmount(t, "0.00", third.DebtAmount())
	require.Equal(t, map[uuid.UUID]string{first.ID: "4.50", second.ID: "4.50", third.ID: "0.00"}, debtsOf(t, e, p))
	requireAmount(t, "4.50", owes(t, e, b2, payer))
	requireAmount(t, "0.00", owes(t, e, b3, payer))

	benefits, err := e.Benefits(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, benefits[0].PaidOff())
	require.False(t, benefits[1].PaidOff())
}

func TestResidualGoesToFirstLargestShare(t *testing.T) {
	e := newEngine(t)
	payer := uuid.New()
	p := createPurchase(t, e, "10.00", payer)

	var ids []uuid.UUID
	for range 3 {
		ids = append(ids, addBenefit(t, e, p, uuid.New(), "1").ID)
	}

	debts := debtsOf(t, e, p)
	require.Equal(t, "3.34", debts[ids[0]])
	require.Equal(t, "3.33", debts[ids[1]])
	require.Equal(t, "3.33", debts[ids[2]])
}

func TestConservationBeforeSettlement(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	e := newEngine(t)
	payer := uuid.New()
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}

	p, err := e.CreatePurchase(ctx, eur("37.19"), dec("3"), payer, time.Time{})
	require.NoError(t, err)

	for range 25 {
		who := users[rng.Intn(len(users))]
		share := decimal.New(int64(rng.Intn(400)+1), -2)
		_, err := e.AddBenefit(ctx, p.ID, who, share)
		require.NoError(t, err)

		benefits, err := e.Benefits(ctx, p.ID)
		require.NoError(t, err)
		sum := decimal.Zero
		for _, b := range benefits {
			sum = sum.Add(b.DebtAmount())
		}
		requireAmount(t, money.Format(p.TotalCost()), sum)

		owed := decimal.Zero
		for _, u := range users {
			owed = owed.Add(owes(t, e, u, payer))
		}
		requireAmount(t, money.Format(p.TotalCost()), owed)
	}
}

func TestBalanceSymmetry(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	a, b := uuid.New(), uuid.New()
	p := createPurchase(t, e, "12.00", a)
	addBenefit(t, e, p, b, "1")

	ab, err := e.BalanceBetween(ctx, a, b, "EUR")
	require.NoError(t, err)
	ba, err := e.BalanceBetween(ctx, b, a, "EUR")
	require.NoError(t, err)

	require.Equal(t, ab.Balance.ID, ba.Balance.ID)
	require.True(t, ab.NetOwedByFirst().Equal(ba.NetOwedByFirst().Neg()))
	requireAmount(t, "12.00", ba.NetOwedByFirst())

	direct, err := e.LookupOrCreateBalance(ctx, b, a, "EUR")
	require.NoError(t, err)
	require.Equal(t, ab.Balance.ID, direct.ID)

	other, err := e.LookupOrCreateBalance(ctx, a, b, "USD")
	require.NoError(t, err)
	require.NotEqual(t, direct.ID, other.ID)
	require.True(t, other.Even())
}

func TestSettleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	e := newEngine(t, ledger.WithRecorder(rec))
	payer, b1, b2 := uuid.New(), uuid.New(), uuid.New()
	p := createPurchase(t, e, "9.00", payer)
	first := addBenefit(t, e, p, b1, "2")
	addBenefit(t, e, p, b2, "1")

	settled, err := e.Settle(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, settled)
	after := owes(t, e, b1, payer)

	settled, err = e.Settle(ctx, first.ID)
	require.NoError(t, err)
	require.False(t, settled)
	require.True(t, after.Equal(owes(t, e, b1, payer)))
	requireAmount(t, "3.00", owes(t, e, b2, payer))

	require.Equal(t, []string{
		ledger.EventPurchaseCreated,
		ledger.EventBenefitAdded,
		ledger.EventBenefitAdded,
		ledger.EventDebtSettled,
	}, rec.types())
}

func TestPayerAsBeneficiary(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	payer, friend := uuid.New(), uuid.New()
	p := createPurchase(t, e, "9.00", payer)

	own := addBenefit(t, e, p, payer, "1")
	requireAmount(t, "9.00", own.DebtAmount())
	balances, err := e.BalancesInvolving(ctx, payer)
	require.NoError(t, err)
	require.Empty(t, balances)

	addBenefit(t, e, p, friend, "1")
	requireAmount(t, "4.50", owes(t, e, friend, payer))

	balances, err = e.BalancesInvolving(ctx, payer)
	require.NoError(t, err)
	require.Len(t, balances, 1)

	settled, err := e.Settle(ctx, own.ID)
	require.NoError(t, err)
	require.True(t, settled)
	requireAmount(t, "4.50", owes(t, e, friend, payer))
}

func TestDeletePurchaseReversesCharges(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	e := newEngine(t, ledger.WithRecorder(rec))
	payer, b1, b2 := uuid.New(), uuid.New(), uuid.New()

	keep := createPurchase(t, e, "5.00", payer)
	addBenefit(t, e, keep, b2, "1")

	p := createPurchase(t, e, "9.00", payer)
	first := addBenefit(t, e, p, b1, "1")
	addBenefit(t, e, p, b2, "1")
	_, err := e.Settle(ctx, first.ID)
	require.NoError(t, err)

	require.NoError(t, e.DeletePurchase(ctx, p.ID))

	requireAmount(t, "0.00", owes(t, e, b1, payer))
	requireAmount(t, "5.00", owes(t, e, b2, payer))

	_, err = e.GetPurchase(ctx, p.ID)
	require.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = e.Benefits(ctx, p.ID)
	require.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = e.Settle(ctx, first.ID)
	require.ErrorIs(t, err, ledger.ErrNotFound)

	last := rec.events[len(rec.events)-1]
	require.Equal(t, ledger.EventPurchaseDeleted, last.Type)
	require.Equal(t, ledger.PurchaseDeletedEvent{PurchaseID: p.ID.String(), ReversedBenefits: 1}, last.Data)
}

func TestPreDeleteHookAbortsDeletion(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	payer, b1 := uuid.New(), uuid.New()
	p := createPurchase(t, e, "9.00", payer)
	addBenefit(t, e, p, b1, "1")

	var seen uuid.UUID
	e.RegisterPreDelete(func(ctx context.Context, tx ledger.Queries, p ledger.Purchase) error {
		seen = p.ID
		benefits, err := tx.ListBenefits(ctx, p.ID)
		if err != nil {
			return err
		}
		if len(benefits) != 0 {
			return errors.New("built-in hook did not run first")
		}
		return errors.New("purchase is referenced by a report")
	})

	err := e.DeletePurchase(ctx, p.ID)
	require.EqualError(t, err, "purchase is referenced by a report")
	require.Equal(t, p.ID, seen)

	_, err = e.GetPurchase(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, debtsOf(t, e, p), 1)
	requireAmount(t, "9.00", owes(t, e, b1, payer))
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	payer := uuid.New()
	p := createPurchase(t, e, "9.00", payer)

	tests := []struct {
		name  string
		call  func() error
		field string
	}{
		{"zero quantity", func() error {
			_, err := e.CreatePurchase(ctx, eur("1.00"), decimal.Zero, payer, time.Time{})
			return err
		}, "quantity"},
		{"negative price", func() error {
			_, err := e.CreatePurchase(ctx, eur("-1.00"), decimal.NewFromInt(1), payer, time.Time{})
			return err
		}, "price"},
		{"missing price", func() error {
			_, err := e.CreatePurchase(ctx, ledger.PriceSnapshot{Amount: dec("1"), Currency: "EUR"}, decimal.NewFromInt(1), payer, time.Time{})
			return err
		}, "price"},
		{"zero share", func() error {
			_, err := e.AddBenefit(ctx, p.ID, uuid.New(), decimal.Zero)
			return err
		}, "share"},
		{"negative share", func() error {
			_, err := e.AddBenefit(ctx, p.ID, uuid.New(), dec("-2"))
			return err
		}, "share"},
		{"share finer than four places", func() error {
			_, err := e.AddBenefit(ctx, p.ID, uuid.New(), dec("0.33333"))
			return err
		}, "share"},
		{"share that rounds to zero", func() error {
			_, err := e.AddBenefit(ctx, p.ID, uuid.New(), dec("0.00001"))
			return err
		}, "share"},
		{"quantity finer than four places", func() error {
			_, err := e.CreatePurchase(ctx, eur("1.00"), dec("0.00001"), payer, time.Time{})
			return err
		}, "quantity"},
		{"price finer than cents", func() error {
			_, err := e.CreatePurchase(ctx, eur("1.001"), decimal.NewFromInt(1), payer, time.Time{})
			return err
		}, "price"},
		{"missing beneficiary", func() error {
			_, err := e.AddBenefit(ctx, p.ID, uuid.Nil, dec("1"))
			return err
		}, "beneficiary"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.ErrorIs(t, err, ledger.ErrValidation)
			var verr ledger.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tt.field, verr.Field)
		})
	}

	require.Empty(t, debtsOf(t, e, p))
	_, err := e.AddBenefit(ctx, uuid.New(), uuid.New(), dec("1"))
	require.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = e.LookupOrCreateBalance(ctx, payer, payer, "EUR")
	require.ErrorIs(t, err, ledger.ErrInvalidArgument)
}

type failingStore struct {
	*memory.Store
}

func (s failingStore) InTx(ctx context.Context, fn func(tx ledger.Queries) error) error {
	return s.Store.InTx(ctx, func(tx ledger.Queries) error {
		return fn(failingBalances{Queries: tx})
	})
}

type failingBalances struct {
	ledger.Queries
}

func (failingBalances) UpdateBalance(context.Context, ledger.Balance) error {
	return errors.New("disk full")
}

func TestFailedChargeLeavesNoPartialAllocation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	e := ledger.NewEngine(store)
	payer, b1 := uuid.New(), uuid.New()
	p := createPurchase(t, e, "9.00", payer)
	first := addBenefit(t, e, p, b1, "1")

	broken := ledger.NewEngine(failingStore{Store: store})
	_, err := broken.AddBenefit(ctx, p.ID, uuid.New(), dec("1"))
	require.ErrorContains(t, err, "disk full")

	require.Equal(t, map[uuid.UUID]string{first.ID: "9.00"}, debtsOf(t, e, p))
	requireAmount(t, "9.00", owes(t, e, b1, payer))
}

func TestSettleDebts(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	payer, friend, stranger := uuid.New(), uuid.New(), uuid.New()

	p1 := createPurchase(t, e, "10.00", payer)
	d1 := addBenefit(t, e, p1, friend, "1")
	p2 := createPurchase(t, e, "6.00", payer)
	d2 := addBenefit(t, e, p2, friend, "1")
	other := addBenefit(t, e, p2, stranger, "1")

	unpaid, err := e.UnpaidDebts(ctx, payer, friend)
	require.NoError(t, err)
	require.Len(t, unpaid, 2)
	requireAmount(t, "13.00", owes(t, e, friend, payer))

	_, err = e.SettleDebts(ctx, payer, friend, []uuid.UUID{d1.ID, other.ID})
	require.ErrorIs(t, err, ledger.ErrInvalidArgument)
	requireAmount(t, "13.00", owes(t, e, friend, payer))

	n, err := e.SettleDebts(ctx, payer, friend, []uuid.UUID{d1.ID, d2.ID, d1.ID})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	requireAmount(t, "0.00", owes(t, e, friend, payer))
	requireAmount(t, "3.00", owes(t, e, stranger, payer))

	unpaid, err = e.UnpaidDebts(ctx, payer, friend)
	require.NoError(t, err)
	require.Empty(t, unpaid)

	n, err = e.SettleDebts(ctx, payer, friend, []uuid.UUID{d1.ID})
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestConcurrentAddBenefit(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	payer := uuid.New()
	p := createPurchase(t, e, "10.00", payer)
	other := createPurchase(t, e, "7.00", payer)

	users := make([]uuid.UUID, 8)
	for i := range users {
		users[i] = uuid.New()
	}

	errs := make([]error, 40)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			target := p
			if i%2 == 1 {
				target = other
			}
			_, errs[i] = e.AddBenefit(ctx, target.ID, users[i%len(users)], decimal.NewFromInt(int64(i%3+1)))
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	for _, purchase := range []ledger.Purchase{p, other} {
		benefits, err := e.Benefits(ctx, purchase.ID)
		require.NoError(t, err)
		require.Len(t, benefits, 20)
		requireAmount(t, money.Format(purchase.TotalCost()), sumDebts(benefits))
	}

	owed := decimal.Zero
	for _, u := range users {
		owed = owed.Add(owes(t, e, u, payer))
	}
	requireAmount(t, "17.00", owed)
}

func sumDebts(benefits []ledger.Benefit) decimal.Decimal {
	sum := decimal.Zero
	for _, b := range benefits {
		sum = sum.Add(b.DebtAmount())
	}
	return sum
}

func TestPurchasesPaidByOrdersByDate(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	e := newEngine(t, ledger.WithClock(func() time.Time { return base }))
	payer := uuid.New()

	later, err := e.CreatePurchase(ctx, eur("2.00"), dec("1"), payer, base.Add(48*time.Hour))
	require.NoError(t, err)
	defaulted, err := e.CreatePurchase(ctx, eur("1.00"), dec("1"), payer, time.Time{})
	require.NoError(t, err)
	require.True(t, base.Equal(defaulted.Date))
	createPurchase(t, e, "3.00", uuid.New())

	purchases, err := e.PurchasesPaidBy(ctx, payer)
	require.NoError(t, err)
	require.Len(t, purchases, 2)
	require.Equal(t, defaulted.ID, purchases[0].ID)
	require.Equal(t, later.ID, purchases[1].ID)
}

func TestEngineMetrics(t *testing.T) {
	ctx := context.Background()
	metrics := obs.NewLedgerMetrics("test", prometheus.NewRegistry())
	e := newEngine(t, ledger.WithMetrics(metrics))
	payer, b1, b2 := uuid.New(), uuid.New(), uuid.New()
	p := createPurchase(t, e, "9.00", payer)
	first := addBenefit(t, e, p, b1, "1")
	addBenefit(t, e, p, b2, "1")
	_, err := e.Settle(ctx, first.ID)
	require.NoError(t, err)
	addBenefit(t, e, p, uuid.New(), "1")

	require.Equal(t, 2.0, testutil.ToFloat64(metrics.BenefitsAdded.WithLabelValues("true")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.BenefitsAdded.WithLabelValues("false")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.DebtsSettled))
	// 9.00 to b1, then -4.50 to b1 and +4.50 to b2, then -4.50 to b1.
	require.Equal(t, 4.0, testutil.ToFloat64(metrics.BalanceCharges.WithLabelValues("EUR")))
}
