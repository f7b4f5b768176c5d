package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	loanSyncMetricsOnce sync.Once
	loanSyncRegistry    *LoanSyncMetrics
)

// LoanSyncMetrics wraps collectors tracking ledger access, registry refreshes
// and lifecycle actions.
type LoanSyncMetrics struct {
	ledgerCalls     *prometheus.CounterVec
	ledgerLatency   *prometheus.HistogramVec
	refreshes       *prometheus.CounterVec
	refreshLatency  prometheus.Histogram
	refreshRequests *prometheus.CounterVec
	loansTracked    prometheus.Gauge
	poolBalance     prometheus.Gauge
	events          *prometheus.CounterVec
	actions         *prometheus.CounterVec
	actionLatency   *prometheus.HistogramVec
	subscriptions   prometheus.Gauge
}

// LoanSync exposes the lazily initialised metrics registry for loansyncd.
func LoanSync() *LoanSyncMetrics {
	loanSyncMetricsOnce.Do(func() {
		loanSyncRegistry = &LoanSyncMetrics{
			ledgerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendearn",
				Subsystem: "ledger",
				Name:      "calls_total",
				Help:      "Ledger reads and submissions segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			ledgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lendearn",
				Subsystem: "ledger",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution for ledger calls, including finality waits for submissions.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendearn",
				Subsystem: "sync",
				Name:      "passes_total",
				Help:      "Full registry resync passes segmented by outcome.",
			}, []string{"outcome"}),
			refreshLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "lendearn",
				Subsystem: "sync",
				Name:      "pass_duration_seconds",
				Help:      "Latency distribution for full registry resync passes.",
				Buckets:   prometheus.DefBuckets,
			}),
			refreshRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendearn",
				Subsystem: "sync",
				Name:      "requests_total",
				Help:      "Refresh requests segmented by whether they started, joined or coalesced onto a pass.",
			}, []string{"disposition"}),
			loansTracked: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lendearn",
				Subsystem: "sync",
				Name:      "loans_tracked",
				Help:      "Number of loan records in the current registry snapshot.",
			}),
			poolBalance: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lendearn",
				Subsystem: "pool",
				Name:      "balance_wei",
				Help:      "Reward pool balance reported by the last successful read.",
			}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendearn",
				Subsystem: "sync",
				Name:      "events_total",
				Help:      "Ledger events received segmented by event name.",
			}, []string{"event"}),
			actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendearn",
				Subsystem: "lifecycle",
				Name:      "actions_total",
				Help:      "Lifecycle actions segmented by action and result class.",
			}, []string{"action", "result"}),
			actionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lendearn",
				Subsystem: "lifecycle",
				Name:      "action_duration_seconds",
				Help:      "Latency distribution for submitted lifecycle actions.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			}, []string{"action"}),
			subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lendearn",
				Subsystem: "sync",
				Name:      "subscriptions_open",
				Help:      "Ledger event subscriptions currently held by the sync engine.",
			}),
		}
		prometheus.MustRegister(
			loanSyncRegistry.ledgerCalls,
			loanSyncRegistry.ledgerLatency,
			loanSyncRegistry.refreshes,
			loanSyncRegistry.refreshLatency,
			loanSyncRegistry.refreshRequests,
			loanSyncRegistry.loansTracked,
			loanSyncRegistry.poolBalance,
			loanSyncRegistry.events,
			loanSyncRegistry.actions,
			loanSyncRegistry.actionLatency,
			loanSyncRegistry.subscriptions,
		)
	})
	return loanSyncRegistry
}

// ObserveLedgerCall records the outcome and latency of a ledger call.
func (m *LoanSyncMetrics) ObserveLedgerCall(method string, err error, d time.Duration) {
	if m == nil {
		return
	}
	method = label(method)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.ledgerCalls.WithLabelValues(method, outcome).Inc()
	m.ledgerLatency.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveRefresh records a completed resync pass.
func (m *LoanSyncMetrics) ObserveRefresh(err error, loans int, d time.Duration) {
	if m == nil {
		return
	}
	if err != nil {
		m.refreshes.WithLabelValues("error").Inc()
		return
	}
	m.refreshes.WithLabelValues("success").Inc()
	m.refreshLatency.Observe(d.Seconds())
	m.loansTracked.Set(float64(loans))
}

// RecordRefreshRequest counts a refresh request. Dispositions should be one of
// "started", "joined" or "coalesced".
func (m *LoanSyncMetrics) RecordRefreshRequest(disposition string) {
	if m == nil {
		return
	}
	m.refreshRequests.WithLabelValues(label(disposition)).Inc()
}

// SetPoolBalance updates the pool balance gauge.
func (m *LoanSyncMetrics) SetPoolBalance(wei *big.Int) {
	if m == nil {
		return
	}
	m.poolBalance.Set(bigToFloat(wei))
}

// RecordEvent counts a ledger event notification.
func (m *LoanSyncMetrics) RecordEvent(name string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(label(name)).Inc()
}

// ObserveAction records the result class of a lifecycle action. Latency is
// only recorded for actions that reached the ledger.
func (m *LoanSyncMetrics) ObserveAction(action, result string, submitted bool, d time.Duration) {
	if m == nil {
		return
	}
	action = label(action)
	m.actions.WithLabelValues(action, label(result)).Inc()
	if submitted {
		m.actionLatency.WithLabelValues(action).Observe(d.Seconds())
	}
}

// SetSubscriptions updates the open subscription gauge.
func (m *LoanSyncMetrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
