// Package metrics exposes the agent's Prometheus counters and gauges.
//
// Metrics exported:
//   mmagent_orders_placed_total{purpose,side}    – orders successfully placed
//   mmagent_orders_cancelled_total{purpose,cause} – orders cancelled, by closure cause
//   mmagent_orders_filled_total{purpose,side}    – orders observed filled by the reconciler
//   mmagent_open_orders{purpose}                 – current open order count (gauge)
//   mmagent_reconcile_unknown_total              – ledger orders the reconciler closed under the two-strike unknown rule
//   mmagent_price_anomalies_total                – price-watcher samples flagged as anomalous
//   mmagent_commands_total{verb}                 – command-surface invocations, by verb
//   mmagent_active                                – 1 when the agent is running, 0 when paused
//
// Registered in init() and served by promhttp.Handler() at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ordersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mmagent_orders_placed_total",
			Help: "Orders placed, by purpose and side.",
		},
		[]string{"purpose", "side"},
	)

	ordersCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mmagent_orders_cancelled_total",
			Help: "Orders cancelled, by purpose and closure cause.",
		},
		[]string{"purpose", "cause"},
	)

	ordersFilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mmagent_orders_filled_total",
			Help: "Orders observed filled by the reconciler, by purpose and side.",
		},
		[]string{"purpose", "side"},
	)

	openOrders = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mmagent_open_orders",
			Help: "Current open order count, by purpose.",
		},
		[]string{"purpose"},
	)

	reconcileUnknown = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mmagent_reconcile_unknown_total",
			Help: "Ledger orders the reconciler closed after the exchange twice reported them unknown.",
		},
	)

	priceAnomalies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mmagent_price_anomalies_total",
			Help: "Price-watcher samples flagged as anomalous jumps.",
		},
	)

	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mmagent_commands_total",
			Help: "Command-surface invocations, by verb.",
		},
		[]string{"verb"},
	)

	active = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mmagent_active",
			Help: "1 when the agent is actively trading, 0 while paused.",
		},
	)
)

func init() {
	prometheus.MustRegister(ordersPlaced, ordersCancelled, ordersFilled, openOrders)
	prometheus.MustRegister(reconcileUnknown, priceAnomalies, commands, active)
}

// IncOrderPlaced records a successfully placed order.
func IncOrderPlaced(purpose, side string) { ordersPlaced.WithLabelValues(purpose, side).Inc() }

// IncOrderCancelled records an order cancellation.
func IncOrderCancelled(purpose, cause string) { ordersCancelled.WithLabelValues(purpose, cause).Inc() }

// IncOrderFilled records a fill observed by the reconciler.
func IncOrderFilled(purpose, side string) { ordersFilled.WithLabelValues(purpose, side).Inc() }

// SetOpenOrders reports the current open order count for a purpose.
func SetOpenOrders(purpose string, n int) { openOrders.WithLabelValues(purpose).Set(float64(n)) }

// IncReconcileUnknown records a ledger order closed by the two-strike unknown rule.
func IncReconcileUnknown() { reconcileUnknown.Inc() }

// IncPriceAnomaly records a price sample flagged as anomalous.
func IncPriceAnomaly() { priceAnomalies.Inc() }

// IncCommand records a command-surface invocation.
func IncCommand(verb string) { commands.WithLabelValues(verb).Inc() }

// SetActive reports the top-level pause/resume state.
func SetActive(isActive bool) {
	if isActive {
		active.Set(1)
	} else {
		active.Set(0)
	}
}
