// Package gateway bridges client sessions and the matching engine. All
// order flow funnels through one dispatch goroutine: connection readers
// enqueue decoded frames, and the loop writes the event log, invokes the
// engine, encodes responses, and fans out trade updates. The engine and
// its books are therefore touched by exactly one goroutine.
package gateway

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nathanyu/matching-engine/internal/domain"
	"github.com/nathanyu/matching-engine/internal/eventlog"
	"github.com/nathanyu/matching-engine/internal/matching"
	"github.com/nathanyu/matching-engine/internal/metrics"
	"github.com/nathanyu/matching-engine/internal/protocol"
)

// Session is one connected client. Out is drained by the connection's
// writer goroutine; the dispatch loop only ever does non-blocking sends
// into it.
type Session struct {
	ID       string
	UserID   uint64
	LoggedIn bool
	Out      chan []byte

	seq uint16 // outbound seq_num, owned by the dispatch loop
}

type request struct {
	sess   *Session
	header protocol.Header
	frame  []byte
}

// Gateway owns the sessions, the subscription table, and the event log,
// and serializes all engine access.
type Gateway struct {
	log    *zap.Logger
	engine *matching.Engine
	events *eventlog.Log
	depth  int

	requests chan request
	queries  chan func()
	done     chan struct{}
	stopped  chan struct{}

	sessions map[string]*Session
	subs     map[string]map[string]*Session // symbol -> session id -> session
	nextUser uint64
}

// New creates a gateway over the given engine and event log. depth is the
// number of levels per side in market data snapshots; bufferSize sizes
// the request channel.
func New(engine *matching.Engine, events *eventlog.Log, depth, bufferSize int, log *zap.Logger) *Gateway {
	if depth <= 0 || depth > protocol.SnapshotDepth {
		depth = protocol.SnapshotDepth
	}
	return &Gateway{
		log:      log,
		engine:   engine,
		events:   events,
		depth:    depth,
		requests: make(chan request, bufferSize),
		queries:  make(chan func(), 64),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		sessions: make(map[string]*Session),
		subs:     make(map[string]map[string]*Session),
	}
}

// Start launches the dispatch loop.
func (g *Gateway) Start() {
	go g.run()
}

// Stop shuts the dispatch loop down and waits for it to drain.
func (g *Gateway) Stop() {
	close(g.done)
	<-g.stopped
}

func (g *Gateway) run() {
	g.log.Info("gateway dispatch loop started")
	defer close(g.stopped)
	for {
		select {
		case req := <-g.requests:
			start := time.Now()
			g.handle(req)
			metrics.RequestDuration.WithLabelValues(string(rune(req.header.Type))).
				Observe(time.Since(start).Seconds())
		case fn := <-g.queries:
			fn()
		case <-g.done:
			// Finish requests already queued before exiting.
			for {
				select {
				case req := <-g.requests:
					g.handle(req)
				default:
					g.log.Info("gateway dispatch loop stopped")
					return
				}
			}
		}
	}
}

// do runs fn on the dispatch loop and waits for it, so callers on other
// goroutines observe a quiescent engine.
func (g *Gateway) do(fn func()) {
	donech := make(chan struct{})
	select {
	case g.queries <- func() { fn(); close(donech) }:
		<-donech
	case <-g.done:
	}
}

// Connect registers a new session whose outbound frames go to out.
func (g *Gateway) Connect(out chan []byte) *Session {
	sess := &Session{ID: uuid.New().String(), Out: out}
	g.do(func() {
		g.sessions[sess.ID] = sess
		metrics.ActiveSessions.Set(float64(len(g.sessions)))
	})
	g.log.Info("client connected", zap.String("session", sess.ID))
	return sess
}

// Disconnect removes the session and its subscriptions. Resting orders
// are unaffected; they persist across session loss.
func (g *Gateway) Disconnect(sess *Session) {
	g.do(func() {
		delete(g.sessions, sess.ID)
		for _, subscribers := range g.subs {
			delete(subscribers, sess.ID)
		}
		metrics.ActiveSessions.Set(float64(len(g.sessions)))
	})
	g.log.Info("client disconnected", zap.String("session", sess.ID))
}

// Dispatch enqueues a decoded frame for the loop. It blocks when the
// request channel is full, applying backpressure to the connection.
func (g *Gateway) Dispatch(sess *Session, header protocol.Header, frame []byte) {
	select {
	case g.requests <- request{sess: sess, header: header, frame: frame}:
	case <-g.done:
	}
}

func (g *Gateway) handle(req request) {
	switch req.header.Type {
	case protocol.MsgLoginRequest:
		g.handleLogin(req)
	case protocol.MsgNewOrder:
		g.handleNewOrder(req)
	case protocol.MsgOrderCancel:
		g.handleCancel(req)
	case protocol.MsgMarketDataRequest:
		g.handleMarketData(req)
	case protocol.MsgSubscriptionRequest:
		g.handleSubscription(req)
	default:
		g.log.Warn("unknown message type",
			zap.String("session", req.sess.ID),
			zap.Uint8("type", req.header.Type))
	}
}

func (g *Gateway) handleLogin(req request) {
	msg, err := protocol.UnmarshalLoginRequest(req.frame)
	if err != nil {
		g.log.Warn("malformed login request", zap.Error(err))
		return
	}
	if !req.sess.LoggedIn {
		g.nextUser++
		req.sess.UserID = g.nextUser
		req.sess.LoggedIn = true
	}
	resp := protocol.LoginResponse{Status: 1, Message: "Login successful"}
	g.send(req.sess, resp.Marshal())
	g.log.Info("client logged in",
		zap.String("session", req.sess.ID),
		zap.String("username", msg.Username),
		zap.Uint64("user_id", req.sess.UserID))
}

func (g *Gateway) handleNewOrder(req request) {
	if !req.sess.LoggedIn {
		g.log.Warn("order before login dropped", zap.String("session", req.sess.ID))
		metrics.RejectsTotal.WithLabelValues("unauthenticated").Inc()
		return
	}
	msg, err := protocol.UnmarshalNewOrderRequest(req.frame)
	if err != nil {
		g.log.Warn("malformed new order request", zap.Error(err))
		return
	}

	// Persist before the engine call so any crash downstream is
	// recoverable by replay.
	if err := g.events.Append(req.frame); err != nil {
		g.log.Error("event log append failed", zap.Error(err))
	}

	metrics.OrdersTotal.WithLabelValues("new", msg.Symbol).Inc()
	order := orderFromRequest(msg, req.sess.UserID)
	trades, status := g.engine.Submit(order)
	g.log.Info("order processed",
		zap.Uint64("order_id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("status", status.String()),
		zap.Int("trades", len(trades)))
	g.reportSubmit(req.sess, order, trades, status)
	g.broadcastTrades(trades)
	g.observeBook(order.Symbol)
}

// orderFromRequest maps a wire order onto the engine's domain order.
func orderFromRequest(msg protocol.NewOrderRequest, userID uint64) domain.Order {
	return domain.Order{
		ID:       msg.ClientOrderID,
		Symbol:   msg.Symbol,
		UserID:   userID,
		Side:     domain.Side(msg.Side),
		Type:     domain.OrderType(msg.Type),
		Price:    msg.Price,
		Quantity: msg.Quantity,
	}
}

// reportSubmit sends one execution report per trade, then a final report
// for dispositions the trade reports do not cover.
func (g *Gateway) reportSubmit(sess *Session, order domain.Order, trades []domain.Trade, status domain.SubmitStatus) {
	var filled uint64
	for _, tr := range trades {
		filled += tr.Quantity
		st := protocol.StatusPartiallyFilled
		if filled == order.Quantity {
			st = protocol.StatusFilled
		}
		report := protocol.ExecutionReport{
			ClientOrderID:  order.ID,
			ExecutionID:    tr.ExecID,
			Symbol:         order.Symbol,
			Side:           uint8(order.Side),
			Price:          tr.Price,
			Quantity:       tr.Quantity,
			FilledQuantity: filled,
			Status:         st,
		}
		g.send(sess, report.Marshal())
	}

	final := protocol.ExecutionReport{
		ClientOrderID:  order.ID,
		Symbol:         order.Symbol,
		Side:           uint8(order.Side),
		Price:          order.Price,
		Quantity:       order.Quantity,
		FilledQuantity: filled,
	}
	switch status {
	case domain.SubmitNew:
		final.Status = protocol.StatusNew
		g.send(sess, final.Marshal())
	case domain.SubmitCancelledUnfilled:
		final.Status = protocol.StatusCancelled
		g.send(sess, final.Marshal())
		metrics.RejectsTotal.WithLabelValues("cancelled_unfilled").Inc()
	case domain.SubmitRejectedValidation:
		final.Status = protocol.StatusRejected
		g.send(sess, final.Marshal())
		metrics.RejectsTotal.WithLabelValues("validation").Inc()
	case domain.SubmitRejectedCapacity:
		final.Status = protocol.StatusRejected
		g.send(sess, final.Marshal())
		metrics.RejectsTotal.WithLabelValues("capacity").Inc()
	}
}

func (g *Gateway) handleCancel(req request) {
	if !req.sess.LoggedIn {
		g.log.Warn("cancel before login dropped", zap.String("session", req.sess.ID))
		metrics.RejectsTotal.WithLabelValues("unauthenticated").Inc()
		return
	}
	msg, err := protocol.UnmarshalOrderCancelRequest(req.frame)
	if err != nil {
		g.log.Warn("malformed cancel request", zap.Error(err))
		return
	}

	if err := g.events.Append(req.frame); err != nil {
		g.log.Error("event log append failed", zap.Error(err))
	}

	metrics.OrdersTotal.WithLabelValues("cancel", msg.Symbol).Inc()
	report := protocol.ExecutionReport{
		ClientOrderID: msg.ClientOrderID,
		Symbol:        msg.Symbol,
		Side:          msg.Side,
	}
	if cancelled, ok := g.engine.Cancel(msg.ClientOrderID, msg.Symbol); ok {
		report.Side = uint8(cancelled.Side)
		report.Price = cancelled.Price
		report.Quantity = cancelled.Quantity
		report.FilledQuantity = cancelled.Filled
		report.Status = protocol.StatusCancelled
	} else {
		report.Status = protocol.StatusRejected
		metrics.RejectsTotal.WithLabelValues("order_not_found").Inc()
		g.log.Warn("cancel of unknown order",
			zap.Uint64("order_id", msg.ClientOrderID),
			zap.String("symbol", msg.Symbol))
	}
	g.send(req.sess, report.Marshal())
	g.observeBook(msg.Symbol)
}

func (g *Gateway) handleMarketData(req request) {
	if !req.sess.LoggedIn {
		g.log.Warn("market data request before login dropped", zap.String("session", req.sess.ID))
		return
	}
	msg, err := protocol.UnmarshalMarketDataRequest(req.frame)
	if err != nil {
		g.log.Warn("malformed market data request", zap.Error(err))
		return
	}

	quote := g.engine.L2Snapshot(msg.Symbol, g.depth)
	snap := protocol.MarketDataSnapshot{Symbol: msg.Symbol}
	for _, lvl := range quote.Bids {
		snap.Bids = append(snap.Bids, protocol.SnapshotLevel{Price: lvl.Price, Quantity: lvl.Quantity})
	}
	for _, lvl := range quote.Asks {
		snap.Asks = append(snap.Asks, protocol.SnapshotLevel{Price: lvl.Price, Quantity: lvl.Quantity})
	}
	g.send(req.sess, snap.Marshal())
}

func (g *Gateway) handleSubscription(req request) {
	if !req.sess.LoggedIn {
		g.log.Warn("subscription before login dropped", zap.String("session", req.sess.ID))
		return
	}
	msg, err := protocol.UnmarshalSubscriptionRequest(req.frame)
	if err != nil {
		g.log.Warn("malformed subscription request", zap.Error(err))
		return
	}

	if msg.Subscribe {
		if g.subs[msg.Symbol] == nil {
			g.subs[msg.Symbol] = make(map[string]*Session)
		}
		g.subs[msg.Symbol][req.sess.ID] = req.sess
		g.log.Info("subscribed to trade stream",
			zap.String("session", req.sess.ID), zap.String("symbol", msg.Symbol))
	} else {
		delete(g.subs[msg.Symbol], req.sess.ID)
		g.log.Info("unsubscribed from trade stream",
			zap.String("session", req.sess.ID), zap.String("symbol", msg.Symbol))
	}
}

// broadcastTrades fans each trade out to the symbol's logged-in
// subscribers.
func (g *Gateway) broadcastTrades(trades []domain.Trade) {
	for _, tr := range trades {
		metrics.TradesTotal.WithLabelValues(tr.Symbol).Inc()
		metrics.TradedVolume.WithLabelValues(tr.Symbol).Add(float64(tr.Quantity))

		subscribers := g.subs[tr.Symbol]
		if len(subscribers) == 0 {
			continue
		}
		update := protocol.TradeUpdate{
			Symbol:      tr.Symbol,
			Price:       tr.Price,
			Quantity:    tr.Quantity,
			TimestampMS: uint64(tr.Timestamp / int64(time.Millisecond)),
			MakerSide:   uint8(tr.MakerSide()),
		}
		for _, sess := range subscribers {
			if !sess.LoggedIn {
				continue
			}
			g.send(sess, update.Marshal())
		}
	}
}

// send stamps the session's outbound sequence number and hands the frame
// to the session writer without blocking. Full channels drop the frame;
// engine state is unaffected by slow consumers.
func (g *Gateway) send(sess *Session, frame []byte) {
	sess.seq++
	binary.LittleEndian.PutUint16(frame[0:2], sess.seq)
	select {
	case sess.Out <- frame:
	default:
		g.log.Warn("outbound channel full, dropping frame",
			zap.String("session", sess.ID),
			zap.Uint8("type", frame[2]))
	}
}

func (g *Gateway) observeBook(symbol string) {
	if book := g.engine.GetBook(symbol); book != nil {
		_, buys, sells := book.Counts()
		metrics.BookDepth.WithLabelValues(symbol, "buy").Set(float64(buys))
		metrics.BookDepth.WithLabelValues(symbol, "sell").Set(float64(sells))
	}
	metrics.ArenaInUse.Set(float64(g.engine.ArenaInUse()))
}

// Replay drains the event log into the engine before the loop starts. No
// execution reports, trade updates, or snapshots are emitted; the only
// side effects are engine state and stats.
func (g *Gateway) Replay(path string) (int, error) {
	return eventlog.Replay(path, g.log, func(h protocol.Header, frame []byte) error {
		switch h.Type {
		case protocol.MsgNewOrder:
			msg, err := protocol.UnmarshalNewOrderRequest(frame)
			if err != nil {
				return err
			}
			// User ids are session-scoped and not persisted; replayed
			// orders reuse the client order id as owner.
			order := orderFromRequest(msg, msg.ClientOrderID)
			trades, status := g.engine.Submit(order)
			g.log.Debug("replayed order",
				zap.Uint64("order_id", order.ID),
				zap.Int("trades", len(trades)),
				zap.String("status", status.String()))
		case protocol.MsgOrderCancel:
			msg, err := protocol.UnmarshalOrderCancelRequest(frame)
			if err != nil {
				return err
			}
			g.engine.Cancel(msg.ClientOrderID, msg.Symbol)
		default:
			g.log.Warn("skipping unexpected record in event log",
				zap.Uint8("type", h.Type))
		}
		return nil
	})
}

// L2Snapshot reads a depth snapshot through the dispatch loop, so the
// admin surface never observes a book mid-match.
func (g *Gateway) L2Snapshot(symbol string, depth int) domain.L2Quote {
	var quote domain.L2Quote
	g.do(func() { quote = g.engine.L2Snapshot(symbol, depth) })
	return quote
}

// L1Snapshot reads the top of book through the dispatch loop.
func (g *Gateway) L1Snapshot(symbol string) (domain.L1Quote, bool) {
	var (
		quote domain.L1Quote
		ok    bool
	)
	g.do(func() {
		if book := g.engine.GetBook(symbol); book != nil {
			quote = book.L1Quote()
			ok = true
		}
	})
	return quote, ok
}

// Trades returns up to limit most recent trades, optionally filtered by
// symbol.
func (g *Gateway) Trades(symbol string, limit int) []domain.Trade {
	var out []domain.Trade
	g.do(func() {
		history := g.engine.TradeHistory()
		for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
			if symbol == "" || history[i].Symbol == symbol {
				out = append(out, history[i])
			}
		}
	})
	return out
}

// Symbols lists the symbols with an active book.
func (g *Gateway) Symbols() []string {
	var out []string
	g.do(func() { out = g.engine.Symbols() })
	return out
}

// ArenaUsage reads the arena occupancy through the dispatch loop.
func (g *Gateway) ArenaUsage() (inUse, capacity int) {
	g.do(func() {
		inUse = g.engine.ArenaInUse()
		capacity = g.engine.ArenaCapacity()
	})
	return inUse, capacity
}

// Engine exposes the engine for stats reads; the counters are atomics.
func (g *Gateway) Engine() *matching.Engine {
	return g.engine
}
