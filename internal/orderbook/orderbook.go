// Package orderbook implements a two-sided limit order book for a single
// symbol. Price levels live in a B-tree keyed by price; each level holds a
// FIFO queue of arena handles. An id-keyed map gives O(1) cancel from the
// middle of a level. The book does not own order storage; orders live in
// the arena and are referenced by handle.
package orderbook

import (
	"container/list"
	"errors"

	"github.com/tidwall/btree"

	"github.com/nathanyu/matching-engine/internal/arena"
	"github.com/nathanyu/matching-engine/internal/domain"
)

// ErrDuplicateOrderID is returned by Add when an entry already exists for
// the order's id. Silent aliasing would corrupt the id lookup.
var ErrDuplicateOrderID = errors.New("orderbook: duplicate order id")

// bookLevel is a price level on one side: a FIFO of handles plus the
// aggregated remaining quantity across them.
type bookLevel struct {
	price  float64
	orders *list.List // of arena.Handle
	volume uint64
}

// orderEntry locates a resting order: its handle, its list element, and
// the level it sits in.
type orderEntry struct {
	handle arena.Handle
	elem   *list.Element
	level  *bookLevel
	side   domain.Side
}

// OrderBook holds both sides of the book for one symbol.
type OrderBook struct {
	symbol  string
	arena   *arena.Arena
	bids    *btree.Map[float64, *bookLevel]
	asks    *btree.Map[float64, *bookLevel]
	entries map[uint64]*orderEntry
}

// New creates an empty order book backed by the given arena.
func New(symbol string, a *arena.Arena) *OrderBook {
	return &OrderBook{
		symbol:  symbol,
		arena:   a,
		bids:    btree.NewMap[float64, *bookLevel](32),
		asks:    btree.NewMap[float64, *bookLevel](32),
		entries: make(map[uint64]*orderEntry),
	}
}

// Symbol returns the symbol this book serves.
func (b *OrderBook) Symbol() string {
	return b.symbol
}

func (b *OrderBook) tree(side domain.Side) *btree.Map[float64, *bookLevel] {
	if side == domain.SideBuy {
		return b.bids
	}
	return b.asks
}

// Add inserts the referenced order at the tail of its (side, price) FIFO.
// The order must have remaining quantity and a restable type.
func (b *OrderBook) Add(h arena.Handle) error {
	o := b.arena.Get(h)
	if _, exists := b.entries[o.ID]; exists {
		return ErrDuplicateOrderID
	}

	tree := b.tree(o.Side)
	level, ok := tree.Get(o.Price)
	if !ok {
		level = &bookLevel{price: o.Price, orders: list.New()}
		tree.Set(o.Price, level)
	}

	elem := level.orders.PushBack(h)
	level.volume += o.Remaining()
	b.entries[o.ID] = &orderEntry{handle: h, elem: elem, level: level, side: o.Side}
	return nil
}

// Cancel detaches the order from the book and the id lookup. It returns
// the handle so the caller can release or inspect the slot; the book does
// not deallocate. Unknown ids return (None, false).
func (b *OrderBook) Cancel(orderID uint64) (arena.Handle, bool) {
	entry, ok := b.entries[orderID]
	if !ok {
		return arena.None, false
	}

	o := b.arena.Get(entry.handle)
	entry.level.orders.Remove(entry.elem)
	entry.level.volume -= o.Remaining()
	if entry.level.orders.Len() == 0 {
		b.tree(entry.side).Delete(entry.level.price)
	}
	delete(b.entries, orderID)
	return entry.handle, true
}

// ApplyFill reduces the aggregated volume of the level holding orderID by
// qty. The caller has already decremented the order's remaining quantity.
func (b *OrderBook) ApplyFill(orderID uint64, qty uint64) {
	if entry, ok := b.entries[orderID]; ok {
		entry.level.volume -= qty
	}
}

// BestBid returns the handle at the head of the highest-priced bid level.
func (b *OrderBook) BestBid() (arena.Handle, bool) {
	_, level, ok := b.bids.Max()
	if !ok {
		return arena.None, false
	}
	return level.orders.Front().Value.(arena.Handle), true
}

// BestAsk returns the handle at the head of the lowest-priced ask level.
func (b *OrderBook) BestAsk() (arena.Handle, bool) {
	_, level, ok := b.asks.Min()
	if !ok {
		return arena.None, false
	}
	return level.orders.Front().Value.(arena.Handle), true
}

// Best returns the head handle of the given side's best level.
func (b *OrderBook) Best(side domain.Side) (arena.Handle, bool) {
	if side == domain.SideBuy {
		return b.BestBid()
	}
	return b.BestAsk()
}

// Spread returns best ask minus best bid, or 0 if either side is empty.
func (b *OrderBook) Spread() float64 {
	bidH, bidOK := b.BestBid()
	askH, askOK := b.BestAsk()
	if !bidOK || !askOK {
		return 0
	}
	return b.arena.Get(askH).Price - b.arena.Get(bidH).Price
}

// L1Quote returns the best bid and ask with the remaining quantity of the
// head order on each side.
func (b *OrderBook) L1Quote() domain.L1Quote {
	var q domain.L1Quote
	if h, ok := b.BestBid(); ok {
		o := b.arena.Get(h)
		q.BidPrice = o.Price
		q.BidQty = o.Remaining()
	}
	if h, ok := b.BestAsk(); ok {
		o := b.arena.Get(h)
		q.AskPrice = o.Price
		q.AskQty = o.Remaining()
	}
	return q
}

// L2Quote returns up to depth aggregated levels per side, bids descending
// and asks ascending. depth <= 0 means all levels.
func (b *OrderBook) L2Quote(depth int) domain.L2Quote {
	q := domain.L2Quote{
		Symbol: b.symbol,
		Bids:   []domain.PriceLevel{},
		Asks:   []domain.PriceLevel{},
	}
	b.WalkLevels(domain.SideBuy, func(price float64, qty uint64) bool {
		q.Bids = append(q.Bids, domain.PriceLevel{Price: price, Quantity: qty})
		return depth <= 0 || len(q.Bids) < depth
	})
	b.WalkLevels(domain.SideSell, func(price float64, qty uint64) bool {
		q.Asks = append(q.Asks, domain.PriceLevel{Price: price, Quantity: qty})
		return depth <= 0 || len(q.Asks) < depth
	})
	return q
}

// WalkLevels visits (price, aggregated remaining quantity) per level in
// best-price-first order: bids descending, asks ascending. The walk stops
// when fn returns false. This is the public feasibility walk used for FOK
// liquidity checks, so the engine never reaches into book internals.
func (b *OrderBook) WalkLevels(side domain.Side, fn func(price float64, qty uint64) bool) {
	visit := func(price float64, level *bookLevel) bool {
		return fn(price, level.volume)
	}
	if side == domain.SideBuy {
		b.bids.Reverse(visit)
	} else {
		b.asks.Scan(visit)
	}
}

// Counts returns the total, buy-side, and sell-side resting order counts.
func (b *OrderBook) Counts() (total, buys, sells int) {
	for _, entry := range b.entries {
		if entry.side == domain.SideBuy {
			buys++
		} else {
			sells++
		}
	}
	return buys + sells, buys, sells
}
