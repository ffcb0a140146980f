package common

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Prices are bounded so that comparing any two of them rescales to at most
// a few dozen digits.
const (
	MinPriceExponent = -18
	MaxPriceExponent = 18
	MaxPriceDigits   = 38
)

type Order struct {
	ID            string          // Assigned by the ingestion boundary
	Type          OrderType       //
	Side          Side            // Order side
	Price         decimal.Decimal // Limiting price
	Quantity      int64           // Remaining quantity
	TotalQuantity int64           // Total volume requested
	Owner         string          // Session that submitted the order
	Timestamp     time.Time       // Time of arrival at the boundary
	Seq           uint64          // Engine arrival sequence, informational
}

// NewLimitOrder builds a limit order with TotalQuantity mirroring Quantity.
func NewLimitOrder(id string, side Side, price decimal.Decimal, quantity int64) Order {
	return Order{
		ID:            id,
		Type:          LimitOrder,
		Side:          side,
		Price:         price,
		Quantity:      quantity,
		TotalQuantity: quantity,
		Timestamp:     time.Now(),
	}
}

// Validate checks the fields the matching algorithm relies on. It never
// mutates the order.
func (order Order) Validate() error {
	if order.ID == "" {
		return ErrMissingID
	}
	if order.Type != LimitOrder {
		return fmt.Errorf("%w: %s", ErrUnsupportedOrderType, order.Type)
	}
	if !order.Side.Valid() {
		return ErrInvalidSide
	}
	if err := validPriceRange(order.Price); err != nil {
		return err
	}
	if !order.Price.IsPositive() {
		return fmt.Errorf("%w: got %s", ErrInvalidPrice, order.Price)
	}
	if order.Quantity <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidQuantity, order.Quantity)
	}
	return nil
}

// validPriceRange rejects prices whose exponent or precision is outside
// what the book compares. The price is not formatted here since printing
// it is as expensive as comparing it.
func validPriceRange(price decimal.Decimal) error {
	exp := price.Exponent()
	if exp < MinPriceExponent || exp > MaxPriceExponent {
		return fmt.Errorf("%w: exponent %d out of range", ErrInvalidPrice, exp)
	}
	if digits := price.NumDigits(); digits > MaxPriceDigits {
		return fmt.Errorf("%w: %d digits", ErrInvalidPrice, digits)
	}
	return nil
}

// Crosses reports whether this order may trade against a resting order at
// the given contra price.
func (order Order) Crosses(contra decimal.Decimal) bool {
	switch order.Side {
	case Buy:
		return contra.LessThanOrEqual(order.Price)
	case Sell:
		return contra.GreaterThanOrEqual(order.Price)
	}
	return false
}

func (order Order) String() string {
	return fmt.Sprintf(
		`ID:        %s
Type:      %v
Side:      %v
Price:     %s
Quantity:  %d (Total: %d)
Owner:     %s
Timestamp: %v`,
		order.ID,
		order.Type,
		order.Side,
		order.Price,
		order.Quantity,
		order.TotalQuantity,
		order.Owner,
		order.Timestamp.Format(time.RFC3339),
	)
}
