package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Execution metrics
	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perp_agent_orders_total",
			Help: "Total number of orders recorded",
		},
		[]string{"symbol", "side", "status"},
	)

	orderAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "perp_agent_order_attempts",
			Help:    "Attempts needed per order placement",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)

	closesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perp_agent_position_closes_total",
			Help: "Total number of position closures by reason",
		},
		[]string{"symbol", "reason"},
	)

	realizedPnL = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perp_agent_realized_pnl_abs_total",
			Help: "Absolute realized P&L split by sign",
		},
		[]string{"sign"},
	)

	// Account metrics
	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perp_agent_open_positions",
			Help: "Number of open positions",
		},
	)

	accountBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perp_agent_account_balance",
			Help: "Account balance components",
		},
		[]string{"component"},
	)

	// Market data metrics
	currentPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perp_agent_current_price",
			Help: "Current price of a tracked symbol",
		},
		[]string{"symbol"},
	)

	// Signal metrics
	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perp_agent_signals_total",
			Help: "Signals seen by validation outcome",
		},
		[]string{"outcome"},
	)

	// Error metrics
	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perp_agent_errors_total",
			Help: "Total number of errors",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(ordersTotal)
	prometheus.MustRegister(orderAttempts)
	prometheus.MustRegister(closesTotal)
	prometheus.MustRegister(realizedPnL)
	prometheus.MustRegister(openPositions)
	prometheus.MustRegister(accountBalance)
	prometheus.MustRegister(currentPrice)
	prometheus.MustRegister(signalsTotal)
	prometheus.MustRegister(errorsTotal)
}

// Handler serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOrder records an order that reached the ledger.
func RecordOrder(symbol, side, status string, attempts int) {
	ordersTotal.WithLabelValues(symbol, side, status).Inc()
	if attempts > 0 {
		orderAttempts.Observe(float64(attempts))
	}
}

// RecordClose records a position closure and its realized P&L.
func RecordClose(symbol, reason string, pnl float64) {
	closesTotal.WithLabelValues(symbol, reason).Inc()
	if pnl >= 0 {
		realizedPnL.WithLabelValues("profit").Add(pnl)
	} else {
		realizedPnL.WithLabelValues("loss").Add(-pnl)
	}
}

// UpdateAccount publishes the latest account snapshot.
func UpdateAccount(total, available, margin, unrealized float64, positions int) {
	accountBalance.WithLabelValues("total").Set(total)
	accountBalance.WithLabelValues("available").Set(available)
	accountBalance.WithLabelValues("margin").Set(margin)
	accountBalance.WithLabelValues("unrealized_pnl").Set(unrealized)
	openPositions.Set(float64(positions))
}

// UpdatePrice updates the current price metric
func UpdatePrice(symbol string, price float64) {
	currentPrice.WithLabelValues(symbol).Set(price)
}

// RecordSignal counts a validated signal by outcome.
func RecordSignal(outcome string) {
	signalsTotal.WithLabelValues(outcome).Inc()
}

// RecordError records an error metric
func RecordError(errorType string) {
	errorsTotal.WithLabelValues(errorType).Inc()
}
