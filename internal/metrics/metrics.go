// Package metrics holds the Prometheus collectors for the engine and the
// gateway, plus the gin middleware for the admin HTTP surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersTotal counts order-mutating requests by action and symbol.
	OrdersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_total",
			Help: "Total number of order requests by action",
		},
		[]string{"action", "symbol"},
	)

	// TradesTotal counts executed trades.
	TradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_trades_total",
			Help: "Total number of trades by symbol",
		},
		[]string{"symbol"},
	)

	// TradedVolume counts executed quantity.
	TradedVolume = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_traded_volume_total",
			Help: "Total executed quantity by symbol",
		},
		[]string{"symbol"},
	)

	// RejectsTotal counts user-visible rejections by reason.
	RejectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_rejects_total",
			Help: "Total number of rejected requests by reason",
		},
		[]string{"reason"},
	)

	// BookDepth tracks resting order counts per side.
	BookDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_orderbook_depth",
			Help: "Current resting order count",
		},
		[]string{"symbol", "side"},
	)

	// ArenaInUse tracks allocated arena slots.
	ArenaInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_arena_slots_in_use",
			Help: "Currently allocated order arena slots",
		},
	)

	// ActiveSessions tracks connected client sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_sessions",
			Help: "Currently connected client sessions",
		},
	)

	// RequestDuration tracks gateway dispatch latency by message type.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request dispatch duration in seconds",
			Buckets: []float64{0.000001, 0.00001, 0.0001, 0.001, 0.01, 0.1},
		},
		[]string{"type"},
	)

	// HTTPRequestDuration tracks admin HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "path", "status"},
	)
)

// PrometheusMiddleware records admin HTTP request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start).Seconds()

		HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(c.Writer.Status()),
		).Observe(duration)
	}
}
