package engine

import (
	. "matchcore/internal/common"

	"github.com/shopspring/decimal"
)

type OrderBook struct {
	// Price levels to orders sat on the price level, sorted by time added.
	Bids *PriceLevels
	Asks *PriceLevels
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		Bids: NewPriceLevels(Buy),
		Asks: NewPriceLevels(Sell),
	}
}

// levels returns the index holding orders of the given side.
func (book *OrderBook) levels(side Side) (*PriceLevels, bool) {
	switch side {
	case Buy:
		return book.Bids, true
	case Sell:
		return book.Asks, true
	}
	return nil, false
}

// BestBid is the highest resting buy price, or false if there are no bids.
func (book *OrderBook) BestBid() (decimal.Decimal, bool) { return book.Bids.Best() }

// BestAsk is the lowest resting sell price, or false if there are no asks.
func (book *OrderBook) BestAsk() (decimal.Decimal, bool) { return book.Asks.Best() }

// Spread is best ask minus best bid. It is absent unless both sides rest.
func (book *OrderBook) Spread() (decimal.Decimal, bool) {
	bid, bidOk := book.BestBid()
	ask, askOk := book.BestAsk()
	if !bidOk || !askOk {
		return decimal.Decimal{}, false
	}
	return ask.Sub(bid), true
}

// Add rests the order on its own side. Order ids are unique across the
// whole book, not just per side.
func (book *OrderBook) Add(order *Order) error {
	levels, ok := book.levels(order.Side)
	if !ok {
		return ErrInvalidSide
	}
	if _, exists := book.Get(order.ID); exists {
		return ErrDuplicateOrder
	}
	return levels.Insert(order)
}

// Remove takes a resting order off the book.
func (book *OrderBook) Remove(order *Order) error {
	levels, ok := book.levels(order.Side)
	if !ok {
		return ErrInvalidSide
	}
	_, err := levels.RemoveByID(order.ID)
	return err
}

// RemoveByID takes a resting order off whichever side holds it.
func (book *OrderBook) RemoveByID(id string) (*Order, error) {
	if order, err := book.Bids.RemoveByID(id); err == nil {
		return order, nil
	}
	return book.Asks.RemoveByID(id)
}

func (book *OrderBook) Get(id string) (*Order, bool) {
	if order, ok := book.Bids.Get(id); ok {
		return order, true
	}
	return book.Asks.Get(id)
}

func (book *OrderBook) Size() int     { return book.Bids.Len() + book.Asks.Len() }
func (book *OrderBook) BidCount() int { return book.Bids.Len() }
func (book *OrderBook) AskCount() int { return book.Asks.Len() }

// BookSnapshot is an aggregated top-of-book view.
type BookSnapshot struct {
	Bids []LevelSnapshot `json:"bids"`
	Asks []LevelSnapshot `json:"asks"`
}

// Snapshot aggregates up to depth levels per side. depth <= 0 means all.
func (book *OrderBook) Snapshot(depth int) BookSnapshot {
	return BookSnapshot{
		Bids: book.Bids.Depth(depth),
		Asks: book.Asks.Depth(depth),
	}
}
