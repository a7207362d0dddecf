// Package protocol defines the framed wire records exchanged with
// clients and the event log. Every record is a fixed-layout, little-endian
// struct with no padding, prefixed by a 5-byte header carrying the record
// type and total length.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

// Message type bytes.
const (
	MsgLoginRequest        byte = 'L'
	MsgLoginResponse       byte = 'R'
	MsgNewOrder            byte = 'N'
	MsgExecutionReport     byte = 'E'
	MsgOrderCancel         byte = 'C'
	MsgMarketDataRequest   byte = 'M'
	MsgMarketDataSnapshot  byte = 'S'
	MsgSubscriptionRequest byte = 'Q'
	MsgTradeUpdate         byte = 'T'
	MsgClientDisconnect    byte = 'X'
)

// Record sizes, header included.
const (
	HeaderSize              = 5
	SymbolSize              = 10
	SnapshotDepth           = 5
	LoginRequestSize        = HeaderSize + 20 + 20
	LoginResponseSize       = HeaderSize + 1 + 50
	NewOrderRequestSize     = HeaderSize + 8 + SymbolSize + 1 + 1 + 8 + 8
	ExecutionReportSize     = HeaderSize + 8 + 8 + SymbolSize + 1 + 8 + 8 + 8 + 1
	OrderCancelRequestSize  = HeaderSize + 8 + SymbolSize + 1
	MarketDataRequestSize   = HeaderSize + SymbolSize
	MarketDataSnapshotSize  = HeaderSize + SymbolSize + 1 + 1 + 2*SnapshotDepth*16
	SubscriptionRequestSize = HeaderSize + SymbolSize + 1
	TradeUpdateSize         = HeaderSize + SymbolSize + 8 + 8 + 8 + 1

	// MaxFrameSize bounds msg_len when reading from an untrusted peer.
	MaxFrameSize = 512
)

// Execution report status codes.
const (
	StatusNew             byte = 0
	StatusPartiallyFilled byte = 1
	StatusFilled          byte = 2
	StatusCancelled       byte = 3
	StatusRejected        byte = 4
)

// Header prefixes every record.
type Header struct {
	SeqNum uint16
	Type   byte
	MsgLen uint16
}

// ParseHeader decodes the 5-byte header at the front of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("protocol: short header: %d bytes", len(b))
	}
	return Header{
		SeqNum: binary.LittleEndian.Uint16(b[0:2]),
		Type:   b[2],
		MsgLen: binary.LittleEndian.Uint16(b[3:5]),
	}, nil
}

func putHeader(b []byte, seq uint16, typ byte, size int) {
	binary.LittleEndian.PutUint16(b[0:2], seq)
	b[2] = typ
	binary.LittleEndian.PutUint16(b[3:5], uint16(size))
}

// PutSymbol writes s into a fixed field, NUL-padded on the right.
func PutSymbol(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, s)
}

// ParseSymbol returns the symbol field with trailing NUL bytes and ASCII
// whitespace stripped.
func ParseSymbol(b []byte) string {
	return strings.TrimRight(string(b), "\x00 \t\r\n")
}

// ReadFrame reads exactly one framed record from r and returns the parsed
// header and the full record bytes (header included). It fails on short
// reads and on msg_len outside [HeaderSize, MaxFrameSize].
func ReadFrame(r io.Reader) (Header, []byte, error) {
	head := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return Header{}, nil, err
	}
	h, err := ParseHeader(head)
	if err != nil {
		return Header{}, nil, err
	}
	if h.MsgLen < HeaderSize || h.MsgLen > MaxFrameSize {
		return Header{}, nil, fmt.Errorf("protocol: bad msg_len %d", h.MsgLen)
	}
	frame := make([]byte, h.MsgLen)
	copy(frame, head)
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		return Header{}, nil, err
	}
	return h, frame, nil
}

// LoginRequest authenticates a session.
type LoginRequest struct {
	SeqNum   uint16
	Username string
	Password string
}

func (m *LoginRequest) Marshal() []byte {
	b := make([]byte, LoginRequestSize)
	putHeader(b, m.SeqNum, MsgLoginRequest, LoginRequestSize)
	copy(b[5:25], m.Username)
	copy(b[25:45], m.Password)
	return b
}

func UnmarshalLoginRequest(b []byte) (LoginRequest, error) {
	if len(b) < LoginRequestSize {
		return LoginRequest{}, fmt.Errorf("protocol: short login request: %d bytes", len(b))
	}
	return LoginRequest{
		SeqNum:   binary.LittleEndian.Uint16(b[0:2]),
		Username: strings.TrimRight(string(b[5:25]), "\x00"),
		Password: strings.TrimRight(string(b[25:45]), "\x00"),
	}, nil
}

// LoginResponse reports login success or failure.
type LoginResponse struct {
	SeqNum  uint16
	Status  byte // 0=fail, 1=success
	Message string
}

func (m *LoginResponse) Marshal() []byte {
	b := make([]byte, LoginResponseSize)
	putHeader(b, m.SeqNum, MsgLoginResponse, LoginResponseSize)
	b[5] = m.Status
	copy(b[6:56], m.Message)
	return b
}

func UnmarshalLoginResponse(b []byte) (LoginResponse, error) {
	if len(b) < LoginResponseSize {
		return LoginResponse{}, fmt.Errorf("protocol: short login response: %d bytes", len(b))
	}
	return LoginResponse{
		SeqNum:  binary.LittleEndian.Uint16(b[0:2]),
		Status:  b[5],
		Message: strings.TrimRight(string(b[6:56]), "\x00"),
	}, nil
}

// NewOrderRequest submits an order. Type: 0=market, 1=limit, 2=ioc,
// 3=fok, 4=gfd.
type NewOrderRequest struct {
	SeqNum        uint16
	ClientOrderID uint64
	Symbol        string
	Side          uint8
	Type          uint8
	Price         float64
	Quantity      uint64
}

func (m *NewOrderRequest) Marshal() []byte {
	b := make([]byte, NewOrderRequestSize)
	putHeader(b, m.SeqNum, MsgNewOrder, NewOrderRequestSize)
	binary.LittleEndian.PutUint64(b[5:13], m.ClientOrderID)
	PutSymbol(b[13:23], m.Symbol)
	b[23] = m.Side
	b[24] = m.Type
	binary.LittleEndian.PutUint64(b[25:33], math.Float64bits(m.Price))
	binary.LittleEndian.PutUint64(b[33:41], m.Quantity)
	return b
}

func UnmarshalNewOrderRequest(b []byte) (NewOrderRequest, error) {
	if len(b) < NewOrderRequestSize {
		return NewOrderRequest{}, fmt.Errorf("protocol: short new order request: %d bytes", len(b))
	}
	return NewOrderRequest{
		SeqNum:        binary.LittleEndian.Uint16(b[0:2]),
		ClientOrderID: binary.LittleEndian.Uint64(b[5:13]),
		Symbol:        ParseSymbol(b[13:23]),
		Side:          b[23],
		Type:          b[24],
		Price:         math.Float64frombits(binary.LittleEndian.Uint64(b[25:33])),
		Quantity:      binary.LittleEndian.Uint64(b[33:41]),
	}, nil
}

// OrderCancelRequest cancels a resting order.
type OrderCancelRequest struct {
	SeqNum        uint16
	ClientOrderID uint64
	Symbol        string
	Side          uint8
}

func (m *OrderCancelRequest) Marshal() []byte {
	b := make([]byte, OrderCancelRequestSize)
	putHeader(b, m.SeqNum, MsgOrderCancel, OrderCancelRequestSize)
	binary.LittleEndian.PutUint64(b[5:13], m.ClientOrderID)
	PutSymbol(b[13:23], m.Symbol)
	b[23] = m.Side
	return b
}

func UnmarshalOrderCancelRequest(b []byte) (OrderCancelRequest, error) {
	if len(b) < OrderCancelRequestSize {
		return OrderCancelRequest{}, fmt.Errorf("protocol: short cancel request: %d bytes", len(b))
	}
	return OrderCancelRequest{
		SeqNum:        binary.LittleEndian.Uint16(b[0:2]),
		ClientOrderID: binary.LittleEndian.Uint64(b[5:13]),
		Symbol:        ParseSymbol(b[13:23]),
		Side:          b[23],
	}, nil
}

// ExecutionReport notifies a client of an order's disposition.
type ExecutionReport struct {
	SeqNum         uint16
	ClientOrderID  uint64
	ExecutionID    uint64
	Symbol         string
	Side           uint8
	Price          float64
	Quantity       uint64
	FilledQuantity uint64
	Status         byte
}

func (m *ExecutionReport) Marshal() []byte {
	b := make([]byte, ExecutionReportSize)
	putHeader(b, m.SeqNum, MsgExecutionReport, ExecutionReportSize)
	binary.LittleEndian.PutUint64(b[5:13], m.ClientOrderID)
	binary.LittleEndian.PutUint64(b[13:21], m.ExecutionID)
	PutSymbol(b[21:31], m.Symbol)
	b[31] = m.Side
	binary.LittleEndian.PutUint64(b[32:40], math.Float64bits(m.Price))
	binary.LittleEndian.PutUint64(b[40:48], m.Quantity)
	binary.LittleEndian.PutUint64(b[48:56], m.FilledQuantity)
	b[56] = m.Status
	return b
}

func UnmarshalExecutionReport(b []byte) (ExecutionReport, error) {
	if len(b) < ExecutionReportSize {
		return ExecutionReport{}, fmt.Errorf("protocol: short execution report: %d bytes", len(b))
	}
	return ExecutionReport{
		SeqNum:         binary.LittleEndian.Uint16(b[0:2]),
		ClientOrderID:  binary.LittleEndian.Uint64(b[5:13]),
		ExecutionID:    binary.LittleEndian.Uint64(b[13:21]),
		Symbol:         ParseSymbol(b[21:31]),
		Side:           b[31],
		Price:          math.Float64frombits(binary.LittleEndian.Uint64(b[32:40])),
		Quantity:       binary.LittleEndian.Uint64(b[40:48]),
		FilledQuantity: binary.LittleEndian.Uint64(b[48:56]),
		Status:         b[56],
	}, nil
}

// MarketDataRequest asks for a depth snapshot of one symbol.
type MarketDataRequest struct {
	SeqNum uint16
	Symbol string
}

func (m *MarketDataRequest) Marshal() []byte {
	b := make([]byte, MarketDataRequestSize)
	putHeader(b, m.SeqNum, MsgMarketDataRequest, MarketDataRequestSize)
	PutSymbol(b[5:15], m.Symbol)
	return b
}

func UnmarshalMarketDataRequest(b []byte) (MarketDataRequest, error) {
	if len(b) < MarketDataRequestSize {
		return MarketDataRequest{}, fmt.Errorf("protocol: short market data request: %d bytes", len(b))
	}
	return MarketDataRequest{
		SeqNum: binary.LittleEndian.Uint16(b[0:2]),
		Symbol: ParseSymbol(b[5:15]),
	}, nil
}

// SnapshotLevel is one aggregated price level in a snapshot.
type SnapshotLevel struct {
	Price    float64
	Quantity uint64
}

// MarketDataSnapshot carries up to SnapshotDepth levels per side.
type MarketDataSnapshot struct {
	SeqNum uint16
	Symbol string
	Bids   []SnapshotLevel
	Asks   []SnapshotLevel
}

func (m *MarketDataSnapshot) Marshal() []byte {
	b := make([]byte, MarketDataSnapshotSize)
	putHeader(b, m.SeqNum, MsgMarketDataSnapshot, MarketDataSnapshotSize)
	PutSymbol(b[5:15], m.Symbol)
	b[15] = byte(min(len(m.Bids), SnapshotDepth))
	b[16] = byte(min(len(m.Asks), SnapshotDepth))
	off := 17
	for i := 0; i < SnapshotDepth; i++ {
		var lvl SnapshotLevel
		if i < len(m.Bids) {
			lvl = m.Bids[i]
		}
		binary.LittleEndian.PutUint64(b[off:off+8], math.Float64bits(lvl.Price))
		binary.LittleEndian.PutUint64(b[off+8:off+16], lvl.Quantity)
		off += 16
	}
	for i := 0; i < SnapshotDepth; i++ {
		var lvl SnapshotLevel
		if i < len(m.Asks) {
			lvl = m.Asks[i]
		}
		binary.LittleEndian.PutUint64(b[off:off+8], math.Float64bits(lvl.Price))
		binary.LittleEndian.PutUint64(b[off+8:off+16], lvl.Quantity)
		off += 16
	}
	return b
}

func UnmarshalMarketDataSnapshot(b []byte) (MarketDataSnapshot, error) {
	if len(b) < MarketDataSnapshotSize {
		return MarketDataSnapshot{}, fmt.Errorf("protocol: short snapshot: %d bytes", len(b))
	}
	m := MarketDataSnapshot{
		SeqNum: binary.LittleEndian.Uint16(b[0:2]),
		Symbol: ParseSymbol(b[5:15]),
	}
	numBids := min(int(b[15]), SnapshotDepth)
	numAsks := min(int(b[16]), SnapshotDepth)
	off := 17
	for i := 0; i < SnapshotDepth; i++ {
		price := math.Float64frombits(binary.LittleEndian.Uint64(b[off : off+8]))
		qty := binary.LittleEndian.Uint64(b[off+8 : off+16])
		if i < numBids {
			m.Bids = append(m.Bids, SnapshotLevel{Price: price, Quantity: qty})
		}
		off += 16
	}
	for i := 0; i < SnapshotDepth; i++ {
		price := math.Float64frombits(binary.LittleEndian.Uint64(b[off : off+8]))
		qty := binary.LittleEndian.Uint64(b[off+8 : off+16])
		if i < numAsks {
			m.Asks = append(m.Asks, SnapshotLevel{Price: price, Quantity: qty})
		}
		off += 16
	}
	return m, nil
}

// SubscriptionRequest subscribes or unsubscribes the session to a
// symbol's trade stream.
type SubscriptionRequest struct {
	SeqNum    uint16
	Symbol    string
	Subscribe bool
}

func (m *SubscriptionRequest) Marshal() []byte {
	b := make([]byte, SubscriptionRequestSize)
	putHeader(b, m.SeqNum, MsgSubscriptionRequest, SubscriptionRequestSize)
	PutSymbol(b[5:15], m.Symbol)
	if m.Subscribe {
		b[15] = 1
	}
	return b
}

func UnmarshalSubscriptionRequest(b []byte) (SubscriptionRequest, error) {
	if len(b) < SubscriptionRequestSize {
		return SubscriptionRequest{}, fmt.Errorf("protocol: short subscription request: %d bytes", len(b))
	}
	return SubscriptionRequest{
		SeqNum:    binary.LittleEndian.Uint16(b[0:2]),
		Symbol:    ParseSymbol(b[5:15]),
		Subscribe: b[15] != 0,
	}, nil
}

// TradeUpdate is broadcast to a symbol's subscribers for every trade.
// TimestampMS is milliseconds since epoch; MakerSide is the side of the
// resting order.
type TradeUpdate struct {
	SeqNum      uint16
	Symbol      string
	Price       float64
	Quantity    uint64
	TimestampMS uint64
	MakerSide   uint8
}

func (m *TradeUpdate) Marshal() []byte {
	b := make([]byte, TradeUpdateSize)
	putHeader(b, m.SeqNum, MsgTradeUpdate, TradeUpdateSize)
	PutSymbol(b[5:15], m.Symbol)
	binary.LittleEndian.PutUint64(b[15:23], math.Float64bits(m.Price))
	binary.LittleEndian.PutUint64(b[23:31], m.Quantity)
	binary.LittleEndian.PutUint64(b[31:39], m.TimestampMS)
	b[39] = m.MakerSide
	return b
}

func UnmarshalTradeUpdate(b []byte) (TradeUpdate, error) {
	if len(b) < TradeUpdateSize {
		return TradeUpdate{}, fmt.Errorf("protocol: short trade update: %d bytes", len(b))
	}
	return TradeUpdate{
		SeqNum:      binary.LittleEndian.Uint16(b[0:2]),
		Symbol:      ParseSymbol(b[5:15]),
		Price:       math.Float64frombits(binary.LittleEndian.Uint64(b[15:23])),
		Quantity:    binary.LittleEndian.Uint64(b[23:31]),
		TimestampMS: binary.LittleEndian.Uint64(b[31:39]),
		MakerSide:   b[39],
	}, nil
}
