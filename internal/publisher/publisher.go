// Package publisher streams trades to Kafka off the matching goroutine.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	. "matchcore/internal/common"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	tomb "gopkg.in/tomb.v2"
)

const (
	defaultBufferSize   = 4096
	defaultBatchSize    = 100
	defaultWriteTimeout = 5 * time.Second
)

var ErrBufferFull = errors.New("publisher buffer full")

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// TradeEvent is the JSON payload published for every trade.
type TradeEvent struct {
	Type  string `json:"type"`
	Trade Trade  `json:"trade"`
}

type Publisher struct {
	writer       MessageWriter
	trades       chan Trade
	batchSize    int
	writeTimeout time.Duration
}

// New publishes to topic on the given brokers. Trades are keyed by the
// maker order id so fills against one resting order stay on one partition.
func New(brokers []string, topic string) *Publisher {
	return NewWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}, defaultBufferSize)
}

func NewWithWriter(writer MessageWriter, bufferSize int) *Publisher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Publisher{
		writer:       writer,
		trades:       make(chan Trade, bufferSize),
		batchSize:    defaultBatchSize,
		writeTimeout: defaultWriteTimeout,
	}
}

// Message encodes a trade as a Kafka message.
func Message(trade Trade) (kafka.Message, error) {
	value, err := json.Marshal(TradeEvent{Type: "trade", Trade: trade})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(trade.MakerID()),
		Value: value,
		Time:  trade.Timestamp,
		Headers: []kafka.Header{
			{Key: "seq", Value: []byte(strconv.FormatUint(trade.Seq, 10))},
		},
	}, nil
}

// OnTrade queues a trade for publication. It never blocks the caller.
func (p *Publisher) OnTrade(trade Trade) error {
	select {
	case p.trades <- trade:
		return nil
	default:
		return ErrBufferFull
	}
}

// Start runs the writer loop as a goroutine of t.
func (p *Publisher) Start(t *tomb.Tomb) {
	t.Go(func() error {
		return p.Run(t)
	})
}

// Run writes queued trades in batches until t starts dying, then flushes
// what is left and closes the writer.
func (p *Publisher) Run(t *tomb.Tomb) error {
	defer func() {
		if err := p.writer.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close kafka writer")
		}
	}()

	batch := make([]kafka.Message, 0, p.batchSize)
	for {
		select {
		case <-t.Dying():
			p.drain(batch)
			return nil
		case trade := <-p.trades:
			batch = p.append(batch[:0], trade)
			p.flush(p.collect(batch))
		}
	}
}

// collect drains whatever is already queued, up to the batch size.
func (p *Publisher) collect(batch []kafka.Message) []kafka.Message {
	for len(batch) < p.batchSize {
		select {
		case trade := <-p.trades:
			batch = p.append(batch, trade)
		default:
			return batch
		}
	}
	return batch
}

// drain flushes batch after batch until the buffer is empty.
func (p *Publisher) drain(batch []kafka.Message) {
	for {
		batch = p.collect(batch[:0])
		if len(batch) == 0 {
			return
		}
		p.flush(batch)
	}
}

func (p *Publisher) append(batch []kafka.Message, trade Trade) []kafka.Message {
	msg, err := Message(trade)
	if err != nil {
		log.Error().Err(err).Uint64("trade", trade.Seq).Msg("unable to encode trade")
		return batch
	}
	return append(batch, msg)
}

func (p *Publisher) flush(batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, batch...); err != nil {
		log.Error().Err(err).Int("trades", len(batch)).Msg("failed to publish trades")
		return
	}
	log.Debug().Int("trades", len(batch)).Msg("published trades")
}
