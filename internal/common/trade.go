package common

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one match between an incoming order and a resting one. Price is
// always the resting order's price. Trades are values and never change once
// appended to the ledger.
type Trade struct {
	Seq         uint64          `json:"seq"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int64           `json:"quantity"`
	TakerSide   Side            `json:"taker_side"`
	Timestamp   time.Time       `json:"timestamp"`
}

// TakerID is the id of the aggressor order.
func (t Trade) TakerID() string {
	if t.TakerSide == Buy {
		return t.BuyOrderID
	}
	return t.SellOrderID
}

// MakerID is the id of the resting order.
func (t Trade) MakerID() string {
	if t.TakerSide == Buy {
		return t.SellOrderID
	}
	return t.BuyOrderID
}

func (t Trade) String() string {
	return fmt.Sprintf(
		`Seq:       %d
Buy:       %s
Sell:      %s
Price:     %s
Quantity:  %d
Taker:     %v
Timestamp: %v`,
		t.Seq,
		t.BuyOrderID,
		t.SellOrderID,
		t.Price,
		t.Quantity,
		t.TakerSide,
		t.Timestamp.Format(time.RFC3339),
	)
}
