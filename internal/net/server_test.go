package net_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	. "matchcore/internal/common"
	"matchcore/internal/engine"
	ordernet "matchcore/internal/net"
	"matchcore/internal/sequencer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tomb "gopkg.in/tomb.v2"
)

const reportTimeout = 2 * time.Second

type testExchange struct {
	engine *engine.Engine
	server *ordernet.Server
	addr   string
}

func startExchange(t *testing.T, opts ...ordernet.Option) *testExchange {
	t.Helper()

	var ids atomic.Int64
	eng := engine.New()
	seq := sequencer.New(eng, sequencer.WithQueueSize(16))
	srv := ordernet.New("127.0.0.1", 0, seq,
		ordernet.WithWorkers(4),
		ordernet.WithReadTimeout(5*time.Second),
		ordernet.WithIDGenerator(func() string {
			return fmt.Sprintf("o-%d", ids.Add(1))
		}),
	)
	for _, opt := range opts {
		opt(srv)
	}
	eng.AddListener(srv)

	tb := &tomb.Tomb{}
	seq.Start(tb)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- srv.Run(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-errs:
		t.Fatalf("server failed to start: %v", err)
	}
	addr, err := srv.Addr()
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errs)
		tb.Kill(nil)
		assert.NoError(t, tb.Wait())
	})
	return &testExchange{engine: eng, server: srv, addr: addr.String()}
}

func (x *testExchange) dial(t *testing.T) *ordernet.Client {
	t.Helper()
	client, err := ordernet.Dial(context.Background(), x.addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func readReport(t *testing.T, client *ordernet.Client) ordernet.Report {
	t.Helper()
	report, err := client.ReadReport(reportTimeout)
	require.NoError(t, err)
	return report
}

func TestServer_PlaceMatchCancel(t *testing.T) {
	x := startExchange(t)
	maker := x.dial(t)
	taker := x.dial(t)

	require.NoError(t, maker.PlaceOrder(LimitOrder, Sell, "101", 10))
	ack := readReport(t, maker)
	assert.Equal(t, ordernet.AckReport, ack.MessageType)
	assert.Equal(t, Resting, ack.Status)
	assert.Equal(t, "o-1", ack.OrderID)
	assert.Equal(t, int64(10), ack.Remaining)

	require.NoError(t, taker.PlaceOrder(LimitOrder, Buy, "102", 4))
	ack = readReport(t, taker)
	assert.Equal(t, ordernet.AckReport, ack.MessageType)
	assert.Equal(t, Filled, ack.Status)
	assert.Equal(t, "o-2", ack.OrderID)
	assert.Equal(t, int64(4), ack.Quantity)
	assert.Equal(t, int64(0), ack.Remaining)

	exec := readReport(t, taker)
	assert.Equal(t, ordernet.ExecutionReport, exec.MessageType)
	assert.Equal(t, Buy, exec.Side)
	assert.Equal(t, "o-2", exec.OrderID)
	assert.Equal(t, "o-1", exec.Counterparty)
	assert.Equal(t, "101", exec.Price, "trades at the maker's price")
	assert.Equal(t, int64(4), exec.Quantity)

	exec = readReport(t, maker)
	assert.Equal(t, ordernet.ExecutionReport, exec.MessageType)
	assert.Equal(t, Sell, exec.Side)
	assert.Equal(t, "o-1", exec.OrderID)
	assert.Equal(t, "o-2", exec.Counterparty)
	assert.Equal(t, int64(4), exec.Quantity)

	require.NoError(t, maker.Cancel("o-1"))
	cancelled := readReport(t, maker)
	assert.Equal(t, ordernet.CancelReport, cancelled.MessageType)
	assert.Equal(t, Cancelled, cancelled.Status)
	assert.Equal(t, int64(4), cancelled.Quantity)
	assert.Equal(t, int64(6), cancelled.Remaining)

	require.Eventually(t, func() bool { return x.engine.Book().Size() == 0 }, reportTimeout, time.Millisecond)
	assert.Equal(t, 1, x.engine.TradeCount())
}

func TestServer_Rejections(t *testing.T) {
	x := startExchange(t)
	client := x.dial(t)

	tests := []struct {
		name string
		send func() error
		err  error
	}{
		{"zero quantity", func() error { return client.PlaceOrder(LimitOrder, Buy, "100", 0) }, ErrInvalidQuantity},
		{"negative quantity", func() error { return client.PlaceOrder(LimitOrder, Buy, "100", -1) }, ErrInvalidQuantity},
		{"zero price", func() error { return client.PlaceOrder(LimitOrder, Sell, "0", 5) }, ErrInvalidPrice},
		{"extreme exponent", func() error { return client.PlaceOrder(LimitOrder, Buy, "1e-100000000", 1) }, ErrInvalidPrice},
		{"market order", func() error { return client.PlaceOrder(MarketOrder, Buy, "100", 5) }, ErrUnsupportedOrderType},
		{"bad side", func() error { return client.PlaceOrder(LimitOrder, Side(7), "100", 5) }, ErrInvalidSide},
		{"malformed price", func() error { return client.PlaceOrder(LimitOrder, Buy, "abc", 5) }, ordernet.ErrMalformedPrice},
		{"unknown cancel", func() error { return client.Cancel("nope") }, ErrOrderNotFound},
		{"unknown message", func() error { return client.WriteRaw([]byte{0, 42}) }, ordernet.ErrInvalidMessageType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.send())
			report := readReport(t, client)
			assert.Equal(t, ordernet.RejectReport, report.MessageType)
			assert.Equal(t, Rejected, report.Status)
			assert.Contains(t, report.Err, tt.err.Error())
		})
	}

	assert.Equal(t, 0, x.engine.Book().Size())
	assert.Equal(t, 0, x.engine.TradeCount())
}

func TestServer_HeartbeatKeepsSessionOpen(t *testing.T) {
	x := startExchange(t)
	client := x.dial(t)

	require.NoError(t, client.Heartbeat())
	require.NoError(t, client.PlaceOrder(LimitOrder, Buy, "99.5", 3))

	ack := readReport(t, client)
	assert.Equal(t, ordernet.AckReport, ack.MessageType, "heartbeats are not answered")
	assert.Equal(t, 1, x.server.Sessions())

	bid, ok := x.engine.Book().BestBid()
	require.True(t, ok)
	assert.Equal(t, "99.5", bid.String())
}

func TestServer_SessionRemovedOnDisconnect(t *testing.T) {
	x := startExchange(t)
	client := x.dial(t)

	require.NoError(t, client.Heartbeat())
	require.Eventually(t, func() bool { return x.server.Sessions() == 1 }, reportTimeout, time.Millisecond)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return x.server.Sessions() == 0 }, reportTimeout, time.Millisecond)
}

func dialRaw(t *testing.T, addr string) *net.TCPConn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(reportTimeout)))
	return conn.(*net.TCPConn)
}

func readRawReport(t *testing.T, conn net.Conn) ordernet.Report {
	t.Helper()
	frame, err := ordernet.ReadFrame(conn)
	require.NoError(t, err)
	report, err := ordernet.ParseReport(frame)
	require.NoError(t, err)
	return report
}

func TestServer_OversizedFrameIsRejectedBeforeClose(t *testing.T) {
	x := startExchange(t)

	for i := 0; i < 10; i++ {
		conn := dialRaw(t, x.addr)
		require.NoError(t, ordernet.WriteFrame(conn, nil))
		var header [ordernet.FrameHeaderLen]byte
		binary.BigEndian.PutUint32(header[:], ordernet.MaxFrameLen+1)
		_, err := conn.Write(header[:])
		require.NoError(t, err)

		report := readRawReport(t, conn)
		assert.Equal(t, ordernet.RejectReport, report.MessageType)
		assert.Contains(t, report.Err, ordernet.ErrMessageTooShort.Error())

		report = readRawReport(t, conn)
		assert.Equal(t, ordernet.RejectReport, report.MessageType)
		assert.Contains(t, report.Err, ordernet.ErrFrameTooLarge.Error())

		_, err = ordernet.ReadFrame(conn)
		assert.ErrorIs(t, err, io.EOF, "server hangs up after the reject")
	}
}

func TestServer_AckDeliveredAfterClientHalfCloses(t *testing.T) {
	x := startExchange(t)

	const clients = 10
	for i := 0; i < clients; i++ {
		conn := dialRaw(t, x.addr)
		msg := ordernet.NewOrderMessage{OrderType: LimitOrder, Side: Buy, Quantity: 1, PriceLen: 3, Price: "100"}
		buf, err := msg.Serialize()
		require.NoError(t, err)
		require.NoError(t, ordernet.WriteFrame(conn, buf))
		require.NoError(t, conn.CloseWrite())

		report := readRawReport(t, conn)
		assert.Equal(t, ordernet.AckReport, report.MessageType)
		assert.Equal(t, Resting, report.Status)

		_, err = ordernet.ReadFrame(conn)
		assert.ErrorIs(t, err, io.EOF)
	}
	assert.Equal(t, clients, x.engine.Book().BidCount())
}

func TestServer_RefusesClientsBeyondWorkers(t *testing.T) {
	x := startExchange(t, ordernet.WithWorkers(1))
	first := x.dial(t)
	require.NoError(t, first.Heartbeat())
	require.Eventually(t, func() bool { return x.server.Sessions() == 1 }, reportTimeout, time.Millisecond)

	refused := x.dial(t)
	report := readReport(t, refused)
	assert.Equal(t, ordernet.RejectReport, report.MessageType)
	assert.Contains(t, report.Err, ordernet.ErrServerFull.Error())
	_, err := refused.ReadReport(reportTimeout)
	assert.ErrorIs(t, err, io.EOF)

	// The worker is free again once the first client leaves.
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return x.server.Sessions() == 0 }, reportTimeout, time.Millisecond)

	next := x.dial(t)
	require.NoError(t, next.PlaceOrder(LimitOrder, Sell, "101", 1))
	assert.Equal(t, ordernet.AckReport, readReport(t, next).MessageType)
}

func TestServer_CancelOnlyByOwningSession(t *testing.T) {
	x := startExchange(t)
	owner := x.dial(t)
	other := x.dial(t)

	require.NoError(t, owner.PlaceOrder(LimitOrder, Sell, "101", 10))
	ack := readReport(t, owner)
	require.Equal(t, "o-1", ack.OrderID)

	require.NoError(t, other.Cancel("o-1"))
	report := readReport(t, other)
	assert.Equal(t, ordernet.RejectReport, report.MessageType)
	assert.Contains(t, report.Err, ErrOrderNotFound.Error())
	assert.Equal(t, 1, x.engine.Book().AskCount())

	require.NoError(t, owner.Cancel("o-1"))
	assert.Equal(t, ordernet.CancelReport, readReport(t, owner).MessageType)
	assert.Equal(t, 0, x.engine.Book().Size())
}
