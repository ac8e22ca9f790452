package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"lendpool/core/events"
	"lendpool/native/pool"
)

// PoolMetrics tracks committed ledger operations and the pool-wide counters.
type PoolMetrics struct {
	events    *prometheus.CounterVec
	volume    *prometheus.CounterVec
	openLoans prometheus.Gauge
	halts     prometheus.Counter
	totals    *prometheus.GaugeVec
	rejected  *prometheus.CounterVec
}

var (
	poolMetricsOnce sync.Once
	poolRegistry    *PoolMetrics
)

// Pool returns the metrics registry tracking pool events.
func Pool() *PoolMetrics {
	poolMetricsOnce.Do(func() {
		poolRegistry = &PoolMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "events",
				Name:      "total",
				Help:      "Count of committed pool events segmented by type.",
			}, []string{"type"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "events",
				Name:      "volume_base_units_total",
				Help:      "Sum of the primary amount of committed pool events in asset base units.",
			}, []string{"type"}),
			openLoans: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lendpool",
				Subsystem: "loans",
				Name:      "open",
				Help:      "Loans originated and not yet repaid since process start.",
			}),
			halts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "engine",
				Name:      "halts_total",
				Help:      "Count of invariant violations that halted the engine.",
			}),
			totals: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendpool",
				Subsystem: "pool",
				Name:      "total",
				Help:      "Pool-wide counters expressed in whole asset units.",
			}, []string{"field"}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "engine",
				Name:      "rejected_total",
				Help:      "Operations rejected by the ledger segmented by action and reason.",
			}, []string{"action", "reason"}),
		}
		prometheus.MustRegister(
			poolRegistry.events,
			poolRegistry.volume,
			poolRegistry.openLoans,
			poolRegistry.halts,
			poolRegistry.totals,
			poolRegistry.rejected,
		)
	})
	return poolRegistry
}

// Emit implements events.Emitter.
func (m *PoolMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	kind := strings.TrimSpace(evt.EventType())
	if kind == "" {
		kind = "unknown"
	}
	m.events.WithLabelValues(kind).Inc()

	body := events.Unwrap(evt)
	switch kind {
	case pool.EventTypeLoanOpened:
		m.openLoans.Inc()
		m.addVolume(kind, body.Attribute("principal"))
	case pool.EventTypeLoanRepaid:
		m.openLoans.Dec()
		m.addVolume(kind, body.Attribute("repayAmount"))
	case pool.EventTypeInvariantHalted:
		m.halts.Inc()
	default:
		m.addVolume(kind, body.Attribute("amount"))
	}
}

func (m *PoolMetrics) addVolume(kind, raw string) {
	if raw == "" {
		return
	}
	value, ok := new(big.Float).SetString(raw)
	if !ok {
		return
	}
	f, _ := value.Float64()
	if f > 0 {
		m.volume.WithLabelValues(kind).Add(f)
	}
}

// RecordRejection counts an operation the ledger refused.
func (m *PoolMetrics) RecordRejection(action, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(action, reason).Inc()
}

// ObservePool publishes the pool counters in whole units of their asset.
func (m *PoolMetrics) ObservePool(state *pool.PoolState, cfg pool.Config) {
	if m == nil || state == nil {
		return
	}
	lend := cfg.LendAsset.Decimals
	collateral := cfg.CollateralAsset.Decimals
	m.totals.WithLabelValues("deposits").Set(units(state.TotalDeposits, lend))
	m.totals.WithLabelValues("borrowed").Set(units(state.TotalBorrowed, lend))
	m.totals.WithLabelValues("interest_owed").Set(units(state.InterestOwed, lend))
	m.totals.WithLabelValues("interest_collected").Set(units(state.InterestCollected, lend))
	m.totals.WithLabelValues("interest_paid").Set(units(state.InterestPaid, lend))
	m.totals.WithLabelValues("collateral_locked").Set(units(state.TotalLocked, collateral))
	m.totals.WithLabelValues("collateral_unlocked").Set(units(state.TotalUnlocked, collateral))
	m.totals.WithLabelValues("loans_originated").Set(float64(state.LastLoanID))
}

func units(amount *uint256.Int, decimals uint8) float64 {
	if amount == nil {
		return 0
	}
	return bigToFloat(amount.ToBig()) / math.Pow10(int(decimals))
}
