// Package matching implements the matching engine: order validation, the
// price-time priority matching loop, type-specific residual policies, and
// engine-wide stats. The engine owns the order arena and the per-symbol
// books. All methods must be called from a single goroutine; only the
// stats counters are safe to read concurrently.
package matching

import (
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nathanyu/matching-engine/internal/arena"
	"github.com/nathanyu/matching-engine/internal/domain"
	"github.com/nathanyu/matching-engine/internal/orderbook"
)

// Stats are monotonically increasing engine counters. They are
// atomic-width so a monitoring goroutine can read them without a lock;
// writes happen only on the engine goroutine.
type Stats struct {
	TotalOrders atomic.Uint64 // resting insertions
	TotalTrades atomic.Uint64
	TotalVolume atomic.Uint64
}

// Engine validates incoming orders, routes them to the right book, runs
// the matching loop, and records trades.
type Engine struct {
	log     *zap.Logger
	arena   *arena.Arena
	books   map[string]*orderbook.OrderBook
	history []domain.Trade
	stats   Stats
	execSeq uint64
}

// NewEngine creates an engine with an arena of the given capacity.
func NewEngine(arenaCapacity int, log *zap.Logger) *Engine {
	return &Engine{
		log:   log,
		arena: arena.New(arenaCapacity),
		books: make(map[string]*orderbook.OrderBook),
	}
}

// Submit runs the canonical pipeline for a new order: allocate, validate,
// FOK feasibility, match, residual policy. It returns the trades executed
// and the final disposition of the order.
func (e *Engine) Submit(payload domain.Order) ([]domain.Trade, domain.SubmitStatus) {
	h, err := e.arena.Allocate()
	if err != nil {
		e.log.Error("order arena exhausted",
			zap.Uint64("order_id", payload.ID),
			zap.Int("capacity", e.arena.Capacity()))
		return nil, domain.SubmitRejectedCapacity
	}

	o := e.arena.Get(h)
	*o = payload
	o.Filled = 0
	o.Status = domain.OrderStatusNew
	o.Timestamp = time.Now().UnixNano()

	if !e.validate(o) {
		e.arena.Deallocate(h)
		return nil, domain.SubmitRejectedValidation
	}
	if o.Type == domain.OrderTypeMarket {
		o.Price = 0
	}

	book := e.getOrCreateBook(o.Symbol)

	if o.Type == domain.OrderTypeFOK && !e.canFillCompletely(book, o) {
		e.log.Info("fok order infeasible, cancelling",
			zap.Uint64("order_id", o.ID),
			zap.String("symbol", o.Symbol),
			zap.Uint64("quantity", o.Quantity))
		e.arena.Deallocate(h)
		return nil, domain.SubmitCancelledUnfilled
	}

	trades := e.match(book, o)

	// Residual policy by order type.
	if o.Remaining() > 0 {
		if !o.Type.Restable() {
			e.log.Info("discarding unfilled residual",
				zap.Uint64("order_id", o.ID),
				zap.String("type", o.Type.String()),
				zap.Uint64("remaining", o.Remaining()))
			e.arena.Deallocate(h)
			return trades, domain.SubmitCancelledUnfilled
		}
		if err := book.Add(h); err != nil {
			// Duplicate id on insert is a programmer error upstream.
			e.log.Error("failed to rest order",
				zap.Uint64("order_id", o.ID), zap.Error(err))
			e.arena.Deallocate(h)
			return trades, domain.SubmitRejectedValidation
		}
		e.stats.TotalOrders.Add(1)
		if len(trades) > 0 {
			return trades, domain.SubmitPartial
		}
		return trades, domain.SubmitNew
	}

	e.arena.Deallocate(h)
	return trades, domain.SubmitFilled
}

// validate applies pre-trade checks: positive quantity, non-empty symbol,
// a non-NaN price for every type, and a positive price for every type
// except market.
func (e *Engine) validate(o *domain.Order) bool {
	if o.Quantity == 0 {
		e.log.Warn("rejecting order with zero quantity", zap.Uint64("order_id", o.ID))
		return false
	}
	if o.Symbol == "" {
		e.log.Warn("rejecting order with empty symbol", zap.Uint64("order_id", o.ID))
		return false
	}
	if math.IsNaN(o.Price) {
		e.log.Warn("rejecting order with NaN price", zap.Uint64("order_id", o.ID))
		return false
	}
	if o.Type != domain.OrderTypeMarket && o.Price <= 0 {
		e.log.Warn("rejecting order with non-positive price",
			zap.Uint64("order_id", o.ID),
			zap.Float64("price", o.Price),
			zap.String("type", o.Type.String()))
		return false
	}
	return true
}

// crossable reports whether the taker may trade at the maker price.
func crossable(taker *domain.Order, makerPrice float64) bool {
	if taker.Type == domain.OrderTypeMarket {
		return true
	}
	if taker.Side == domain.SideBuy {
		return makerPrice <= taker.Price
	}
	return makerPrice >= taker.Price
}

// canFillCompletely walks the opposite side best-price-first, summing
// remaining quantity at crossable levels, until the order's quantity is
// covered or the price bound fails.
func (e *Engine) canFillCompletely(book *orderbook.OrderBook, o *domain.Order) bool {
	needed := o.Quantity
	book.WalkLevels(o.Side.Opposite(), func(price float64, qty uint64) bool {
		if !crossable(o, price) {
			return false
		}
		if qty >= needed {
			needed = 0
			return false
		}
		needed -= qty
		return true
	})
	return needed == 0
}

// match executes the taker against the opposite side while quantity
// remains and the best resting price is crossable. Trades always execute
// at the maker's price; within a level, strictly in FIFO order.
func (e *Engine) match(book *orderbook.OrderBook, taker *domain.Order) []domain.Trade {
	var trades []domain.Trade
	opposite := taker.Side.Opposite()

	for taker.Remaining() > 0 {
		makerH, ok := book.Best(opposite)
		if !ok {
			break
		}
		maker := e.arena.Get(makerH)
		if !crossable(taker, maker.Price) {
			break
		}

		qty := min(taker.Remaining(), maker.Remaining())
		trade := e.createTrade(taker, maker, qty, maker.Price)
		trades = append(trades, trade)

		taker.Fill(qty)
		maker.Fill(qty)
		book.ApplyFill(maker.ID, qty)

		e.log.Debug("trade executed",
			zap.Uint64("exec_id", trade.ExecID),
			zap.String("symbol", trade.Symbol),
			zap.Float64("price", trade.Price),
			zap.Uint64("quantity", trade.Quantity),
			zap.Uint64("buy_order_id", trade.BuyOrderID),
			zap.Uint64("sell_order_id", trade.SellOrderID))

		if maker.IsFilled() {
			book.Cancel(maker.ID)
			e.arena.Deallocate(makerH)
		}
	}
	return trades
}

// createTrade builds the trade record, stamps the execution id and
// timestamp, and updates stats and history.
func (e *Engine) createTrade(taker, maker *domain.Order, qty uint64, price float64) domain.Trade {
	var buy, sell *domain.Order
	if taker.Side == domain.SideBuy {
		buy, sell = taker, maker
	} else {
		buy, sell = maker, taker
	}

	e.execSeq++
	trade := domain.Trade{
		ExecID:      e.execSeq,
		BuyOrderID:  buy.ID,
		BuyUserID:   buy.UserID,
		SellOrderID: sell.ID,
		SellUserID:  sell.UserID,
		Symbol:      taker.Symbol,
		Price:       price,
		Quantity:    qty,
		Timestamp:   time.Now().UnixNano(),
		TakerSide:   taker.Side,
	}

	e.stats.TotalTrades.Add(1)
	e.stats.TotalVolume.Add(qty)
	e.history = append(e.history, trade)
	return trade
}

// Cancel removes a resting order from its book and releases its arena
// slot. It returns a by-value copy of the cancelled order for the
// execution report, or false if the order is not resting.
func (e *Engine) Cancel(orderID uint64, symbol string) (domain.Order, bool) {
	book := e.GetBook(symbol)
	if book == nil {
		return domain.Order{}, false
	}
	h, ok := book.Cancel(orderID)
	if !ok {
		return domain.Order{}, false
	}
	cancelled := *e.arena.Get(h)
	cancelled.Status = domain.OrderStatusCancelled
	e.arena.Deallocate(h)
	e.log.Info("order cancelled",
		zap.Uint64("order_id", orderID),
		zap.String("symbol", symbol),
		zap.Uint64("remaining", cancelled.Remaining()))
	return cancelled, true
}

// getOrCreateBook returns the book for symbol, creating it on first use.
func (e *Engine) getOrCreateBook(symbol string) *orderbook.OrderBook {
	book, ok := e.books[symbol]
	if !ok {
		book = orderbook.New(symbol, e.arena)
		e.books[symbol] = book
		e.log.Info("order book created", zap.String("symbol", symbol))
	}
	return book
}

// GetBook returns the book for symbol, or nil if none exists.
func (e *Engine) GetBook(symbol string) *orderbook.OrderBook {
	return e.books[symbol]
}

// Symbols returns the symbols with an order book, in no particular order.
func (e *Engine) Symbols() []string {
	out := make([]string, 0, len(e.books))
	for s := range e.books {
		out = append(out, s)
	}
	return out
}

// L2Snapshot returns an aggregated depth snapshot for symbol. A symbol
// with no book yields empty sides.
func (e *Engine) L2Snapshot(symbol string, depth int) domain.L2Quote {
	book := e.GetBook(symbol)
	if book == nil {
		return domain.L2Quote{Symbol: symbol, Bids: []domain.PriceLevel{}, Asks: []domain.PriceLevel{}}
	}
	return book.L2Quote(depth)
}

// Stats returns the engine counters.
func (e *Engine) Stats() *Stats {
	return &e.stats
}

// ResetStats zeroes the counters. Test harness use only; must not be
// called while a Submit is in flight.
func (e *Engine) ResetStats() {
	e.stats.TotalOrders.Store(0)
	e.stats.TotalTrades.Store(0)
	e.stats.TotalVolume.Store(0)
}

// TradeHistory returns the append-only trade log.
func (e *Engine) TradeHistory() []domain.Trade {
	return e.history
}

// ArenaInUse returns the number of live arena slots.
func (e *Engine) ArenaInUse() int {
	return e.arena.InUse()
}

// ArenaCapacity returns the fixed arena capacity.
func (e *Engine) ArenaCapacity() int {
	return e.arena.Capacity()
}
