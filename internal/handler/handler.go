// Package handler exposes the read-only admin and market-data HTTP
// surface. Order entry happens only over the TCP gateway; this API exists
// for operators and dashboards.
package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nathanyu/matching-engine/internal/domain"
	"github.com/nathanyu/matching-engine/internal/gateway"
)

// Handler holds the HTTP handler dependencies.
type Handler struct {
	gw *gateway.Gateway
}

// NewHandler creates a new Handler over the gateway.
func NewHandler(gw *gateway.Gateway) *Handler {
	return &Handler{gw: gw}
}

// RegisterRoutes sets up the Gin routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	v1 := r.Group("/v1")
	{
		v1.GET("/symbols", h.GetSymbols)
		v1.GET("/marketdata/orderBook/L1", h.GetL1Quote)
		v1.GET("/marketdata/orderBook/L2", h.GetL2OrderBook)
		v1.GET("/trades", h.GetTrades)
		v1.GET("/stats", h.GetStats)
	}
}

// Health returns a health check response.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "matching-engine",
	})
}

// GetSymbols handles GET /v1/symbols.
func (h *Handler) GetSymbols(c *gin.Context) {
	symbols := h.gw.Symbols()
	if symbols == nil {
		symbols = []string{}
	}
	c.JSON(http.StatusOK, symbols)
}

// GetL1Quote handles GET /v1/marketdata/orderBook/L1.
func (h *Handler) GetL1Quote(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	quote, ok := h.gw.L1Snapshot(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no order book for symbol"})
		return
	}
	c.JSON(http.StatusOK, quote)
}

// GetL2OrderBook handles GET /v1/marketdata/orderBook/L2.
func (h *Handler) GetL2OrderBook(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	depthStr := c.DefaultQuery("depth", "10")
	depth, err := strconv.Atoi(depthStr)
	if err != nil || depth <= 0 {
		depth = 10
	}

	c.JSON(http.StatusOK, h.gw.L2Snapshot(symbol, depth))
}

// GetTrades handles GET /v1/trades.
func (h *Handler) GetTrades(c *gin.Context) {
	symbol := c.Query("symbol")

	limitStr := c.DefaultQuery("limit", "100")
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		limit = 100
	}

	trades := h.gw.Trades(symbol, limit)
	if trades == nil {
		trades = []domain.Trade{}
	}
	c.JSON(http.StatusOK, trades)
}

// GetStats handles GET /v1/stats.
func (h *Handler) GetStats(c *gin.Context) {
	stats := h.gw.Engine().Stats()
	inUse, capacity := h.gw.ArenaUsage()
	c.JSON(http.StatusOK, gin.H{
		"total_orders":   stats.TotalOrders.Load(),
		"total_trades":   stats.TotalTrades.Load(),
		"total_volume":   stats.TotalVolume.Load(),
		"arena_in_use":   inUse,
		"arena_capacity": capacity,
	})
}
