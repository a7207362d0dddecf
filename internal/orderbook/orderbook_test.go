package orderbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/matching-engine/internal/arena"
	"github.com/nathanyu/matching-engine/internal/domain"
)

func alloc(t *testing.T, a *arena.Arena, id uint64, side domain.Side, price float64, qty uint64) arena.Handle {
	t.Helper()
	h, err := a.Allocate()
	require.NoError(t, err)
	*a.Get(h) = domain.Order{
		ID:       id,
		Symbol:   "AAPL",
		UserID:   1,
		Side:     side,
		Type:     domain.OrderTypeLimit,
		Price:    price,
		Quantity: qty,
	}
	return h
}

func TestAddOrder(t *testing.T) {
	a := arena.New(16)
	ob := New("AAPL", a)

	require.NoError(t, ob.Add(alloc(t, a, 1, domain.SideSell, 150, 100)))

	h, ok := ob.BestAsk()
	require.True(t, ok)
	assert.Equal(t, uint64(1), a.Get(h).ID)

	q := ob.L2Quote(5)
	require.Len(t, q.Asks, 1)
	assert.Equal(t, 150.0, q.Asks[0].Price)
	assert.Equal(t, uint64(100), q.Asks[0].Quantity)
	assert.Empty(t, q.Bids)
}

func TestAddDuplicateID(t *testing.T) {
	a := arena.New(16)
	ob := New("AAPL", a)

	require.NoError(t, ob.Add(alloc(t, a, 1, domain.SideSell, 150, 100)))
	err := ob.Add(alloc(t, a, 1, domain.SideSell, 151, 100))
	assert.ErrorIs(t, err, ErrDuplicateOrderID)
}

func TestSamePriceAggregation(t *testing.T) {
	a := arena.New(16)
	ob := New("AAPL", a)

	require.NoError(t, ob.Add(alloc(t, a, 1, domain.SideSell, 150, 500)))
	require.NoError(t, ob.Add(alloc(t, a, 2, domain.SideSell, 150, 300)))

	q := ob.L2Quote(5)
	require.Len(t, q.Asks, 1)
	assert.Equal(t, uint64(800), q.Asks[0].Quantity)
}

func TestBestPriceTracking(t *testing.T) {
	a := arena.New(16)
	ob := New("AAPL", a)

	require.NoError(t, ob.Add(alloc(t, a, 1, domain.SideBuy, 99.90, 100)))
	require.NoError(t, ob.Add(alloc(t, a, 2, domain.SideBuy, 100.00, 100)))
	require.NoError(t, ob.Add(alloc(t, a, 3, domain.SideBuy, 99.80, 100)))

	h, ok := ob.BestBid()
	require.True(t, ok)
	assert.Equal(t, 100.00, a.Get(h).Price)

	require.NoError(t, ob.Add(alloc(t, a, 4, domain.SideSell, 100.10, 100)))
	require.NoError(t, ob.Add(alloc(t, a, 5, domain.SideSell, 100.20, 100)))

	h, ok = ob.BestAsk()
	require.True(t, ok)
	assert.Equal(t, 100.10, a.Get(h).Price)

	assert.InDelta(t, 0.10, ob.Spread(), 1e-9)
}

func TestL1HeadQuantityOnly(t *testing.T) {
	a := arena.New(16)
	ob := New("AAPL", a)

	require.NoError(t, ob.Add(alloc(t, a, 1, domain.SideSell, 150, 100)))
	require.NoError(t, ob.Add(alloc(t, a, 2, domain.SideSell, 150, 900)))

	q := ob.L1Quote()
	assert.Equal(t, 150.0, q.AskPrice)
	// Head-of-queue remaining, not the 1000 aggregate.
	assert.Equal(t, uint64(100), q.AskQty)
	assert.Zero(t, q.BidPrice)
	assert.Zero(t, q.BidQty)
}

func TestCancel(t *testing.T) {
	a := arena.New(16)
	ob := New("AAPL", a)

	h := alloc(t, a, 1, domain.SideSell, 150, 100)
	require.NoError(t, ob.Add(h))

	got, ok := ob.Cancel(1)
	require.True(t, ok)
	assert.Equal(t, h, got)

	// Ownership of the slot returned to the caller; the book is empty.
	_, ok = ob.BestAsk()
	assert.False(t, ok)
	total, _, _ := ob.Counts()
	assert.Zero(t, total)

	// Cancel is idempotent: a second cancel finds nothing.
	_, ok = ob.Cancel(1)
	assert.False(t, ok)
}

func TestCancelUnknownID(t *testing.T) {
	ob := New("AAPL", arena.New(16))
	_, ok := ob.Cancel(99)
	assert.False(t, ok)
}

func TestCancelMiddleOfLevelKeepsFIFO(t *testing.T) {
	a := arena.New(16)
	ob := New("AAPL", a)

	require.NoError(t, ob.Add(alloc(t, a, 1, domain.SideSell, 150, 100)))
	require.NoError(t, ob.Add(alloc(t, a, 2, domain.SideSell, 150, 200)))
	require.NoError(t, ob.Add(alloc(t, a, 3, domain.SideSell, 150, 300)))

	_, ok := ob.Cancel(2)
	require.True(t, ok)

	// Head is still the earliest surviving insertion.
	h, ok := ob.BestAsk()
	require.True(t, ok)
	assert.Equal(t, uint64(1), a.Get(h).ID)

	q := ob.L2Quote(5)
	require.Len(t, q.Asks, 1)
	assert.Equal(t, uint64(400), q.Asks[0].Quantity)
}

func TestEmptyLevelRemoved(t *testing.T) {
	a := arena.New(16)
	ob := New("AAPL", a)

	require.NoError(t, ob.Add(alloc(t, a, 1, domain.SideSell, 150, 100)))
	require.NoError(t, ob.Add(alloc(t, a, 2, domain.SideSell, 151, 100)))

	_, ok := ob.Cancel(1)
	require.True(t, ok)

	// The 150 level is gone; 151 is now best.
	h, ok := ob.BestAsk()
	require.True(t, ok)
	assert.Equal(t, 151.0, a.Get(h).Price)

	var prices []float64
	ob.WalkLevels(domain.SideSell, func(price float64, _ uint64) bool {
		prices = append(prices, price)
		return true
	})
	assert.Equal(t, []float64{151}, prices)
}

func TestWalkLevelsOrdering(t *testing.T) {
	a := arena.New(16)
	ob := New("AAPL", a)

	require.NoError(t, ob.Add(alloc(t, a, 1, domain.SideBuy, 99, 100)))
	require.NoError(t, ob.Add(alloc(t, a, 2, domain.SideBuy, 101, 100)))
	require.NoError(t, ob.Add(alloc(t, a, 3, domain.SideBuy, 100, 100)))
	require.NoError(t, ob.Add(alloc(t, a, 4, domain.SideSell, 103, 100)))
	require.NoError(t, ob.Add(alloc(t, a, 5, domain.SideSell, 102, 100)))

	var bidPrices, askPrices []float64
	ob.WalkLevels(domain.SideBuy, func(price float64, _ uint64) bool {
		bidPrices = append(bidPrices, price)
		return true
	})
	ob.WalkLevels(domain.SideSell, func(price float64, _ uint64) bool {
		askPrices = append(askPrices, price)
		return true
	})

	assert.Equal(t, []float64{101, 100, 99}, bidPrices)
	assert.Equal(t, []float64{102, 103}, askPrices)
}

func TestWalkLevelsEarlyStop(t *testing.T) {
	a := arena.New(16)
	ob := New("AAPL", a)

	require.NoError(t, ob.Add(alloc(t, a, 1, domain.SideSell, 150, 100)))
	require.NoError(t, ob.Add(alloc(t, a, 2, domain.SideSell, 151, 100)))
	require.NoError(t, ob.Add(alloc(t, a, 3, domain.SideSell, 152, 100)))

	visited := 0
	ob.WalkLevels(domain.SideSell, func(float64, uint64) bool {
		visited++
		return false
	})
	assert.Equal(t, 1, visited)
}

func TestCounts(t *testing.T) {
	a := arena.New(16)
	ob := New("AAPL", a)

	require.NoError(t, ob.Add(alloc(t, a, 1, domain.SideBuy, 100, 100)))
	require.NoError(t, ob.Add(alloc(t, a, 2, domain.SideBuy, 99, 100)))
	require.NoError(t, ob.Add(alloc(t, a, 3, domain.SideSell, 101, 100)))

	total, buys, sells := ob.Counts()
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, buys)
	assert.Equal(t, 1, sells)
}

func TestL2Depth(t *testing.T) {
	a := arena.New(32)
	ob := New("AAPL", a)

	for i := 0; i < 8; i++ {
		require.NoError(t, ob.Add(alloc(t, a, uint64(i+1), domain.SideSell, 150+float64(i), 100)))
	}

	q := ob.L2Quote(5)
	require.Len(t, q.Asks, 5)
	assert.Equal(t, 150.0, q.Asks[0].Price)
	assert.Equal(t, 154.0, q.Asks[4].Price)
}
