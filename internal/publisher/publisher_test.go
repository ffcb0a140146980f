package publisher_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	. "matchcore/internal/common"
	"matchcore/internal/engine"
	"matchcore/internal/publisher"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tomb "gopkg.in/tomb.v2"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	closed   bool
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.messages)
}

func TestMessage_Encoding(t *testing.T) {
	trade := Trade{
		Seq:         12,
		BuyOrderID:  "C",
		SellOrderID: "A",
		Price:       decimal.RequireFromString("101.5"),
		Quantity:    10,
		TakerSide:   Buy,
	}

	msg, err := publisher.Message(trade)
	require.NoError(t, err)
	assert.Equal(t, "A", string(msg.Key), "keyed by maker")
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "12", string(msg.Headers[0].Value))

	var event map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &event))
	assert.Equal(t, "trade", event["type"])
	body := event["trade"].(map[string]any)
	assert.Equal(t, "101.5", body["price"])
	assert.Equal(t, "buy", body["taker_side"])
	assert.Equal(t, "C", body["buy_order_id"])
}

func TestPublisher_PublishesEngineTrades(t *testing.T) {
	writer := &fakeWriter{}
	pub := publisher.NewWithWriter(writer, 16)
	tb := &tomb.Tomb{}
	pub.Start(tb)

	eng := engine.New(engine.WithListener(pub))
	_, err := eng.Process(NewLimitOrder("A", Sell, decimal.NewFromInt(101), 10))
	require.NoError(t, err)
	_, err = eng.Process(NewLimitOrder("B", Sell, decimal.NewFromInt(102), 5))
	require.NoError(t, err)
	_, err = eng.Process(NewLimitOrder("C", Buy, decimal.NewFromInt(102), 12))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return writer.count() == 2 }, time.Second, time.Millisecond)

	tb.Kill(nil)
	require.NoError(t, tb.Wait())
	assert.True(t, writer.closed)
	assert.Equal(t, "A", string(writer.messages[0].Key))
	assert.Equal(t, "B", string(writer.messages[1].Key))
}

func TestPublisher_BufferFull(t *testing.T) {
	pub := publisher.NewWithWriter(&fakeWriter{}, 1)

	// Not started, so nothing drains the buffer.
	require.NoError(t, pub.OnTrade(Trade{Seq: 1}))
	assert.ErrorIs(t, pub.OnTrade(Trade{Seq: 2}), publisher.ErrBufferFull)
}

func TestPublisher_FlushesOnShutdown(t *testing.T) {
	writer := &fakeWriter{}
	pub := publisher.NewWithWriter(writer, 1000)
	// More than fit in one batch.
	for seq := uint64(1); seq <= 250; seq++ {
		require.NoError(t, pub.OnTrade(Trade{Seq: seq, BuyOrderID: "b", SellOrderID: "s", TakerSide: Buy}))
	}

	tb := &tomb.Tomb{}
	tb.Kill(nil)
	require.NoError(t, pub.Run(tb))
	require.Equal(t, 250, writer.count())
	assert.Equal(t, "1", string(writer.messages[0].Headers[0].Value))
	assert.Equal(t, "250", string(writer.messages[249].Headers[0].Value))
	assert.True(t, writer.closed)
}

func TestPublisher_WriteErrorsAreNotFatal(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker down")}
	pub := publisher.NewWithWriter(writer, 8)
	tb := &tomb.Tomb{}
	pub.Start(tb)

	require.NoError(t, pub.OnTrade(Trade{Seq: 1, TakerSide: Buy}))
	time.Sleep(10 * time.Millisecond)

	tb.Kill(nil)
	assert.NoError(t, tb.Wait())
	assert.Equal(t, 0, writer.count())
}
