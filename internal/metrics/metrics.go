// Package metrics exposes Prometheus instrumentation and rolling
// latency/slippage windows consumed by the risk escalation controller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// GuardRejections counts guard pipeline rejections by guard name.
	GuardRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_guard_rejections_total",
			Help: "Guard pipeline rejections by guard",
		},
		[]string{"guard"},
	)

	// OrderRetries counts order placement retry attempts.
	OrderRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_order_retries_total",
			Help: "Order placement retries",
		},
	)

	// OrdersPlaced counts accepted orders by side.
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Orders placed by side",
		},
		[]string{"side"},
	)

	// TradesClosed counts closed trades by result (win|loss).
	TradesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_trades_closed_total",
			Help: "Closed trades by result",
		},
		[]string{"result"},
	)

	// StateViolations counts rejected FSM transitions.
	StateViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_state_violations_total",
			Help: "Illegal order state transitions",
		},
	)

	// RiskLevel exposes the current escalation level as a gauge (0-3).
	RiskLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_risk_level",
			Help: "Current risk escalation level (0=normal 1=warning 2=critical 3=emergency)",
		},
	)

	// OrderLatency reports the rolling average order latency in ms.
	OrderLatency = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_order_latency_ms",
			Help: "Rolling average order placement latency",
		},
	)

	// Slippage reports the rolling average absolute slippage in bps.
	Slippage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_slippage_bps",
			Help: "Rolling average absolute entry slippage",
		},
	)

	// ReconcileAnomalies counts reconciliation findings by kind.
	ReconcileAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_reconcile_anomalies_total",
			Help: "Reconciliation anomalies by kind",
		},
		[]string{"kind"},
	)
)

// Register installs all collectors on the given registry. Called once from
// main with prometheus.DefaultRegisterer.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		GuardRejections,
		OrderRetries,
		OrdersPlaced,
		TradesClosed,
		StateViolations,
		RiskLevel,
		OrderLatency,
		Slippage,
		ReconcileAnomalies,
	)
}
