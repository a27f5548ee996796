package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greencandle_decisions_total",
		Help: "Signal engine decisions by action",
	}, []string{"pair", "action"})

	RuleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greencandle_rule_errors_total",
		Help: "Rule evaluations that failed at runtime",
	}, []string{"rule"})

	TradesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greencandle_trades_opened_total",
		Help: "Trades opened by type and direction",
	}, []string{"trade_type", "direction"})

	TradesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greencandle_trades_closed_total",
		Help: "Trades closed by type and direction",
	}, []string{"trade_type", "direction"})

	LifecycleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greencandle_lifecycle_failures_total",
		Help: "Failed lifecycle steps",
	}, []string{"stage"})

	OpenTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "greencandle_open_trades",
		Help: "Open trades of this strategy",
	})

	TickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "greencandle_tick_latency_seconds",
		Help: "Duration of one analysis tick",
	})
)

// Failure stages.
const (
	StageBalance = "balance"
	StageBorrow  = "borrow"
	StageOrder   = "order"
	StageRepay   = "repay"
	StageLedger  = "ledger"
	StagePanic   = "panic"
)
