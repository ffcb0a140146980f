package engine

import (
	"time"

	. "matchcore/internal/common"

	"github.com/rs/zerolog/log"
)

// This is the main matching engine. It owns exactly one book and one trade
// ledger and is not safe for concurrent use: every call must come from the
// single sequencer consumer.

// TradeListener is told about every trade, in ledger order, on the matching
// goroutine. A listener error is logged and never undoes the match.
type TradeListener interface {
	OnTrade(trade Trade) error
}

// Result is what the engine reports back for one processed request.
type Result struct {
	OrderID   string
	Side      Side
	Status    OrderStatus
	Filled    int64 // Quantity executed by this request.
	Remaining int64 // Quantity left resting (or cancelled, for Cancel).
	Trades    []Trade
}

type Option func(*Engine)

// WithClock replaces time.Now for trade timestamps.
func WithClock(now func() time.Time) Option {
	return func(engine *Engine) {
		engine.now = now
	}
}

// WithListener registers a trade listener at construction.
func WithListener(listener TradeListener) Option {
	return func(engine *Engine) {
		engine.listeners = append(engine.listeners, listener)
	}
}

type Engine struct {
	book      *OrderBook
	trades    []Trade
	listeners []TradeListener
	now       func() time.Time

	orderSeq uint64 // Last order sequence handed out.
	tradeSeq uint64 // Last trade sequence appended.
}

func New(opts ...Option) *Engine {
	engine := &Engine{
		book: NewOrderBook(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

func (engine *Engine) AddListener(listener TradeListener) {
	engine.listeners = append(engine.listeners, listener)
}

// Book exposes the order book for reads. Mutating it directly bypasses the
// engine's invariants.
func (engine *Engine) Book() *OrderBook { return engine.book }

// Trades returns a copy of the ledger.
func (engine *Engine) Trades() []Trade {
	out := make([]Trade, len(engine.trades))
	copy(out, engine.trades)
	return out
}

func (engine *Engine) TradeCount() int { return len(engine.trades) }

// Restore seeds the ledger with previously journaled trades so that trade
// sequence numbers carry on from where the last session stopped. It must be
// called before the first Process.
func (engine *Engine) Restore(trades []Trade) {
	engine.trades = append(engine.trades[:0], trades...)
	engine.tradeSeq = 0
	for _, trade := range trades {
		engine.tradeSeq = max(engine.tradeSeq, trade.Seq)
	}
}

// Process runs one order through the book. A limit order that crosses is
// matched against the contra side in price-time priority, trading at the
// resting order's price; any remainder rests under the original id.
//
// Rejections happen before the book is touched.
func (engine *Engine) Process(order Order) (Result, error) {
	result := Result{OrderID: order.ID, Side: order.Side, Status: Rejected}
	if err := order.Validate(); err != nil {
		return result, err
	}
	if _, exists := engine.book.Get(order.ID); exists {
		return result, ErrDuplicateOrder
	}

	engine.orderSeq++
	order.Seq = engine.orderSeq
	if order.TotalQuantity < order.Quantity {
		order.TotalQuantity = order.Quantity
	}

	contra, _ := engine.book.levels(order.Side.Opposite())
	remaining := order.Quantity
	for remaining > 0 {
		level, ok := contra.BestLevel()
		if !ok || !order.Crosses(level.Price()) {
			break
		}
		maker, ok := level.Front()
		if !ok {
			// Empty levels are deleted eagerly, so this should not happen.
			break
		}

		matched := min(remaining, maker.Quantity)
		remaining -= matched
		contra.Reduce(maker, matched)
		result.Trades = append(result.Trades, engine.appendTrade(&order, maker, matched))

		// Full consumption of the resting order. A partially filled maker
		// keeps its place at the head of the queue.
		if maker.Quantity == 0 {
			contra.RemoveHead(level.Price())
		}
	}

	result.Filled = order.Quantity - remaining
	result.Remaining = remaining
	switch {
	case remaining == 0:
		result.Status = Filled
	case result.Filled > 0:
		result.Status = PartiallyFilled
	default:
		result.Status = Resting
	}

	if remaining > 0 {
		resting := order
		resting.Quantity = remaining
		// Cannot fail: the id was checked above and the side is valid.
		if err := engine.book.Add(&resting); err != nil {
			log.Error().Err(err).Str("order", order.ID).Msg("failed to rest order")
			return result, err
		}
	}

	log.Debug().
		Str("order", order.ID).
		Stringer("side", order.Side).
		Stringer("price", order.Price).
		Int64("filled", result.Filled).
		Int64("resting", remaining).
		Int("trades", len(result.Trades)).
		Msg("order processed")

	engine.notify(result.Trades)
	return result, nil
}

// Cancel takes a resting order off the book. Orders that were already
// filled, cancelled or never seen are reported as not found.
func (engine *Engine) Cancel(id string) (Result, error) {
	order, err := engine.book.RemoveByID(id)
	if err != nil {
		return Result{OrderID: id, Status: Rejected}, err
	}

	log.Debug().
		Str("order", id).
		Int64("quantity", order.Quantity).
		Msg("order cancelled")

	return Result{
		OrderID:   id,
		Side:      order.Side,
		Status:    Cancelled,
		Filled:    order.TotalQuantity - order.Quantity,
		Remaining: order.Quantity,
	}, nil
}

// appendTrade records a match in the ledger. The maker sets the price.
func (engine *Engine) appendTrade(taker, maker *Order, quantity int64) Trade {
	engine.tradeSeq++
	trade := Trade{
		Seq:       engine.tradeSeq,
		Price:     maker.Price,
		Quantity:  quantity,
		TakerSide: taker.Side,
		Timestamp: engine.now(),
	}
	if taker.Side == Buy {
		trade.BuyOrderID, trade.SellOrderID = taker.ID, maker.ID
	} else {
		trade.BuyOrderID, trade.SellOrderID = maker.ID, taker.ID
	}
	engine.trades = append(engine.trades, trade)
	return trade
}

func (engine *Engine) notify(trades []Trade) {
	for _, trade := range trades {
		for _, listener := range engine.listeners {
			if err := listener.OnTrade(trade); err != nil {
				log.Error().
					Err(err).
					Uint64("trade", trade.Seq).
					Msg("trade listener failed")
			}
		}
	}
}
