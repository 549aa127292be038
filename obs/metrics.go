package obs

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics counts ledger mutations. A nil *LedgerMetrics records nothing.
type LedgerMetrics struct {
	BenefitsAdded      *prometheus.CounterVec
	DebtsSettled       prometheus.Counter
	BalanceCharges     *prometheus.CounterVec
	AllocationDuration prometheus.Histogram
}

// NewLedgerMetrics registers the ledger collectors on reg, reusing collectors
// that are already registered.
func NewLedgerMetrics(namespace string, reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &LedgerMetrics{
		BenefitsAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "benefits_added_total",
			Help:      "Benefits added to purchases, by whether debts were reallocated.",
		}, []string{"reallocated"}),
		DebtsSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debts_settled_total",
			Help:      "Benefits whose debt was settled.",
		}),
		BalanceCharges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_charges_total",
			Help:      "Charges applied to pairwise balances.",
		}, []string{"currency"}),
		AllocationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "allocation_duration_ms",
			Help:      "Time spent reallocating a purchase's debts, in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}

	mustRegister(reg, m.BenefitsAdded, func(c prometheus.Collector) {
		if v, ok := c.(*prometheus.CounterVec); ok {
			m.BenefitsAdded = v
		}
	})
	mustRegister(reg, m.DebtsSettled, func(c prometheus.Collector) {
		if v, ok := c.(prometheus.Counter); ok {
			m.DebtsSettled = v
		}
	})
	mustRegister(reg, m.BalanceCharges, func(c prometheus.Collector) {
		if v, ok := c.(*prometheus.CounterVec); ok {
			m.BalanceCharges = v
		}
	})
	mustRegister(reg, m.AllocationDuration, func(c prometheus.Collector) {
		if v, ok := c.(prometheus.Histogram); ok {
			m.AllocationDuration = v
		}
	})
	return m
}

func (m *LedgerMetrics) BenefitAdded(reallocated bool) {
	if m == nil {
		return
	}
	label := "false"
	if reallocated {
		label = "true"
	}
	m.BenefitsAdded.WithLabelValues(label).Inc()
}

func (m *LedgerMetrics) DebtSettled() {
	if m == nil {
		return
	}
	m.DebtsSettled.Inc()
}

func (m *LedgerMetrics) BalanceCharged(currency string) {
	if m == nil {
		return
	}
	m.BalanceCharges.WithLabelValues(currency).Inc()
}

func (m *LedgerMetrics) ObserveAllocation(d time.Duration) {
	if m == nil {
		return
	}
	m.AllocationDuration.Observe(float64(d) / float64(time.Millisecond))
}

func mustRegister(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			reuse(are.ExistingCollector)
			return
		}
		panic(fmt.Errorf("register ledger metric: %w", err))
	}
}
