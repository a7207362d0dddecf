package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFrameStream(t *testing.T) {
	order := NewOrderRequest{
		SeqNum:        1,
		ClientOrderID: 42,
		Symbol:        "AAPL",
		Side:          0,
		Type:          1,
		Price:         150.25,
		Quantity:      100,
	}
	cancel := OrderCancelRequest{SeqNum: 2, ClientOrderID: 42, Symbol: "AAPL"}

	var stream bytes.Buffer
	stream.Write(order.Marshal())
	stream.Write(cancel.Marshal())

	h, frame, err := ReadFrame(&stream)
	require.NoError(t, err)
	assert.Equal(t, MsgNewOrder, h.Type)
	assert.Equal(t, uint16(NewOrderRequestSize), h.MsgLen)

	got, err := UnmarshalNewOrderRequest(frame)
	require.NoError(t, err)
	assert.Equal(t, order, got)

	h, frame, err = ReadFrame(&stream)
	require.NoError(t, err)
	assert.Equal(t, MsgOrderCancel, h.Type)
	gotCancel, err := UnmarshalOrderCancelRequest(frame)
	require.NoError(t, err)
	assert.Equal(t, cancel, gotCancel)

	_, _, err = ReadFrame(&stream)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFramePartialRecord(t *testing.T) {
	order := NewOrderRequest{ClientOrderID: 1, Symbol: "AAPL", Quantity: 10}
	full := order.Marshal()

	// A record truncated mid-payload is a short read, not garbage.
	stream := bytes.NewReader(full[:NewOrderRequestSize-3])
	_, _, err := ReadFrame(stream)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadFrameRejectsBadLength(t *testing.T) {
	b := make([]byte, HeaderSize)
	putHeader(b, 0, MsgNewOrder, MaxFrameSize+1)
	_, _, err := ReadFrame(bytes.NewReader(b))
	assert.Error(t, err)

	putHeader(b, 0, MsgNewOrder, HeaderSize-1)
	_, _, err = ReadFrame(bytes.NewReader(b))
	assert.Error(t, err)
}

func TestSymbolPadding(t *testing.T) {
	field := make([]byte, SymbolSize)
	PutSymbol(field, "AAPL")
	assert.Equal(t, []byte{'A', 'A', 'P', 'L', 0, 0, 0, 0, 0, 0}, field)
	assert.Equal(t, "AAPL", ParseSymbol(field))

	// Space padding and trailing whitespace are stripped too.
	copy(field, "IBM       ")
	assert.Equal(t, "IBM", ParseSymbol(field))
}

func TestSnapshotPartialDepth(t *testing.T) {
	snap := MarketDataSnapshot{
		Symbol: "AAPL",
		Bids:   []SnapshotLevel{{Price: 150, Quantity: 100}, {Price: 149.5, Quantity: 250}},
		Asks:   []SnapshotLevel{{Price: 150.5, Quantity: 75}},
	}
	b := snap.Marshal()
	assert.Len(t, b, MarketDataSnapshotSize)

	got, err := UnmarshalMarketDataSnapshot(b)
	require.NoError(t, err)
	assert.Equal(t, snap.Bids, got.Bids)
	assert.Equal(t, snap.Asks, got.Asks)
	assert.Equal(t, "AAPL", got.Symbol)
}

func TestExecutionReportRoundTrip(t *testing.T) {
	report := ExecutionReport{
		SeqNum:         3,
		ClientOrderID:  7,
		ExecutionID:    12,
		Symbol:         "MSFT",
		Side:           1,
		Price:          99.99,
		Quantity:       50,
		FilledQuantity: 150,
		Status:         StatusPartiallyFilled,
	}
	got, err := UnmarshalExecutionReport(report.Marshal())
	require.NoError(t, err)
	assert.Equal(t, report, got)
}

func TestLoginRoundTrip(t *testing.T) {
	req := LoginRequest{SeqNum: 1, Username: "alice", Password: "s3cret"}
	got, err := UnmarshalLoginRequest(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, req, got)

	resp := LoginResponse{Status: 1, Message: "Login successful"}
	gotResp, err := UnmarshalLoginResponse(resp.Marshal())
	require.NoError(t, err)
	assert.Equal(t, resp, gotResp)
}
