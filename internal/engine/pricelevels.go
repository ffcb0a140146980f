package engine

import (
	"container/list"

	. "matchcore/internal/common"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// PriceLevel is every resting order at one price on one side, sorted by time
// added as they are push-back'd.
type PriceLevel struct {
	price  decimal.Decimal
	orders *list.List // of *Order
	volume int64      // Sum of remaining quantity at this level.
}

func newPriceLevel(price decimal.Decimal) *PriceLevel {
	return &PriceLevel{price: price, orders: list.New()}
}

func (level *PriceLevel) Price() decimal.Decimal { return level.price }
func (level *PriceLevel) Volume() int64          { return level.volume }
func (level *PriceLevel) Len() int               { return level.orders.Len() }

// Front is the order with time priority at this level.
func (level *PriceLevel) Front() (*Order, bool) {
	e := level.orders.Front()
	if e == nil {
		return nil, false
	}
	return e.Value.(*Order), true
}

// PriceLevels indexes one side of the book: a btree of occupied prices
// ordered best first, each holding a FIFO queue, plus an id lookup so that
// arbitrary orders can be unlinked without scanning.
type PriceLevels struct {
	side   Side
	levels *btree.BTreeG[*PriceLevel]
	index  map[string]*list.Element
	volume int64
}

func NewPriceLevels(side Side) *PriceLevels {
	var less func(a, b *PriceLevel) bool
	switch side {
	case Buy:
		// Sorted greatest first.
		less = func(a, b *PriceLevel) bool { return a.price.GreaterThan(b.price) }
	default:
		// Sorted least first.
		less = func(a, b *PriceLevel) bool { return a.price.LessThan(b.price) }
	}
	return &PriceLevels{
		side:   side,
		levels: btree.NewBTreeG(less),
		index:  make(map[string]*list.Element),
	}
}

func (l *PriceLevels) Side() Side { return l.side }

// Len is the number of resting orders.
func (l *PriceLevels) Len() int { return len(l.index) }

// LevelCount is the number of occupied prices.
func (l *PriceLevels) LevelCount() int { return l.levels.Len() }

// Volume is the total resting quantity on this side.
func (l *PriceLevels) Volume() int64 { return l.volume }

// Best returns the best price, or false when the side is empty.
func (l *PriceLevels) Best() (decimal.Decimal, bool) {
	level, ok := l.levels.Min()
	if !ok {
		return decimal.Decimal{}, false
	}
	return level.price, true
}

// BestLevel returns the level holding the best price.
func (l *PriceLevels) BestLevel() (*PriceLevel, bool) {
	return l.levels.MinMut()
}

// level looks up the level at price. Levels comparator only accounts for
// price, so a dummy level is used for the search.
func (l *PriceLevels) level(price decimal.Decimal) (*PriceLevel, bool) {
	return l.levels.GetMut(&PriceLevel{price: price})
}

// Insert appends the order to the tail of the queue at its price, creating
// the level if it does not exist yet.
func (l *PriceLevels) Insert(order *Order) error {
	if _, ok := l.index[order.ID]; ok {
		return ErrDuplicateOrder
	}

	level, ok := l.level(order.Price)
	if !ok {
		level = newPriceLevel(order.Price)
		l.levels.Set(level)
	}
	l.index[order.ID] = level.orders.PushBack(order)
	level.volume += order.Quantity
	l.volume += order.Quantity
	return nil
}

// PeekFront returns the head of the queue at price.
func (l *PriceLevels) PeekFront(price decimal.Decimal) (*Order, bool) {
	level, ok := l.level(price)
	if !ok {
		return nil, false
	}
	return level.Front()
}

// RemoveHead pops the head of the queue at price. A level left empty is
// deleted from the index.
func (l *PriceLevels) RemoveHead(price decimal.Decimal) (*Order, bool) {
	level, ok := l.level(price)
	if !ok {
		return nil, false
	}
	e := level.orders.Front()
	if e == nil {
		return nil, false
	}
	return l.unlink(level, e), true
}

// RemoveByID unlinks an arbitrary resting order.
func (l *PriceLevels) RemoveByID(id string) (*Order, error) {
	e, ok := l.index[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	order := e.Value.(*Order)
	level, ok := l.level(order.Price)
	if !ok {
		// The id index and the tree disagree. This should not happen.
		delete(l.index, id)
		return nil, ErrOrderNotFound
	}
	return l.unlink(level, e), nil
}

// Get returns the resting order with the given id.
func (l *PriceLevels) Get(id string) (*Order, bool) {
	e, ok := l.index[id]
	if !ok {
		return nil, false
	}
	return e.Value.(*Order), true
}

// Reduce takes qty off a resting order in place, keeping its queue
// position. The caller removes the order once it reaches zero.
func (l *PriceLevels) Reduce(order *Order, qty int64) {
	order.Quantity -= qty
	l.volume -= qty
	if level, ok := l.level(order.Price); ok {
		level.volume -= qty
	}
}

func (l *PriceLevels) unlink(level *PriceLevel, e *list.Element) *Order {
	order := level.orders.Remove(e).(*Order)
	delete(l.index, order.ID)
	level.volume -= order.Quantity
	l.volume -= order.Quantity
	if level.orders.Len() == 0 {
		l.levels.Delete(level)
	}
	return order
}

// LevelSnapshot is the aggregate view of one price level.
type LevelSnapshot struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth aggregates up to n levels, best first. n <= 0 returns every level.
func (l *PriceLevels) Depth(n int) []LevelSnapshot {
	out := make([]LevelSnapshot, 0, l.levels.Len())
	l.levels.Scan(func(level *PriceLevel) bool {
		if n > 0 && len(out) >= n {
			return false
		}
		out = append(out, LevelSnapshot{
			Price:    level.price,
			Quantity: level.volume,
			Orders:   level.orders.Len(),
		})
		return true
	})
	return out
}

// FlatPriceLevel is a copy of one level with its orders in queue order.
type FlatPriceLevel struct {
	PriceLevel decimal.Decimal
	Orders     []Order
}

// Flatten copies every level, best first, for inspection.
func (l *PriceLevels) Flatten() []FlatPriceLevel {
	out := make([]FlatPriceLevel, 0, l.levels.Len())
	l.levels.Scan(func(level *PriceLevel) bool {
		flat := FlatPriceLevel{
			PriceLevel: level.price,
			Orders:     make([]Order, 0, level.orders.Len()),
		}
		for e := level.orders.Front(); e != nil; e = e.Next() {
			flat.Orders = append(flat.Orders, *e.Value.(*Order))
		}
		out = append(out, flat)
		return true
	})
	return out
}
