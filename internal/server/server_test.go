package server

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nathanyu/matching-engine/internal/eventlog"
	"github.com/nathanyu/matching-engine/internal/gateway"
	"github.com/nathanyu/matching-engine/internal/matching"
	"github.com/nathanyu/matching-engine/internal/protocol"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	events, err := eventlog.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })

	engine := matching.NewEngine(64, zap.NewNop())
	gw := gateway.New(engine, events, 5, 64, zap.NewNop())
	gw.Start()
	t.Cleanup(gw.Stop)

	srv := New(gw, 64, zap.NewNop())
	require.NoError(t, srv.Listen(0))
	go srv.Serve()
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestEndToEndOverTCP(t *testing.T) {
	srv := startServer(t)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	// Login.
	loginReq := protocol.LoginRequest{Username: "trader", Password: "pw"}
	_, err = conn.Write(loginReq.Marshal())
	require.NoError(t, err)

	h, frame, err := protocol.ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgLoginResponse, h.Type)
	resp, err := protocol.UnmarshalLoginResponse(frame)
	require.NoError(t, err)
	assert.Equal(t, byte(1), resp.Status)

	// Rest a sell, then cross it.
	sell := protocol.NewOrderRequest{ClientOrderID: 1, Symbol: "AAPL", Side: 1, Type: 1, Price: 150, Quantity: 100}
	_, err = conn.Write(sell.Marshal())
	require.NoError(t, err)

	h, frame, err = protocol.ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgExecutionReport, h.Type)
	report, err := protocol.UnmarshalExecutionReport(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusNew, report.Status)

	buy := protocol.NewOrderRequest{ClientOrderID: 2, Symbol: "AAPL", Side: 0, Type: 1, Price: 150, Quantity: 100}
	_, err = conn.Write(buy.Marshal())
	require.NoError(t, err)

	_, frame, err = protocol.ReadFrame(r)
	require.NoError(t, err)
	report, err = protocol.UnmarshalExecutionReport(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusFilled, report.Status)
	assert.Equal(t, uint64(100), report.FilledQuantity)
	assert.Equal(t, 150.0, report.Price)

	// Outbound seq numbers increase per session.
	assert.Equal(t, uint16(3), report.SeqNum)
}

func TestSnapshotOverTCP(t *testing.T) {
	srv := startServer(t)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	loginReq := protocol.LoginRequest{Username: "trader", Password: "pw"}
	_, err = conn.Write(loginReq.Marshal())
	require.NoError(t, err)
	_, _, err = protocol.ReadFrame(r)
	require.NoError(t, err)

	sell := protocol.NewOrderRequest{ClientOrderID: 1, Symbol: "AAPL", Side: 1, Type: 1, Price: 150.5, Quantity: 25}
	_, err = conn.Write(sell.Marshal())
	require.NoError(t, err)
	_, _, err = protocol.ReadFrame(r)
	require.NoError(t, err)

	md := protocol.MarketDataRequest{Symbol: "AAPL"}
	_, err = conn.Write(md.Marshal())
	require.NoError(t, err)

	h, frame, err := protocol.ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgMarketDataSnapshot, h.Type)
	snap, err := protocol.UnmarshalMarketDataSnapshot(frame)
	require.NoError(t, err)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, 150.5, snap.Asks[0].Price)
	assert.Equal(t, uint64(25), snap.Asks[0].Quantity)
}

func TestDisconnectMessageClosesSession(t *testing.T) {
	srv := startServer(t)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	disconnect := make([]byte, protocol.HeaderSize)
	disconnect[2] = protocol.MsgClientDisconnect
	disconnect[3] = protocol.HeaderSize
	_, err = conn.Write(disconnect)
	require.NoError(t, err)

	// The server closes its side; the next read reports EOF.
	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	assert.Error(t, err)
}
