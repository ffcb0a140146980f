package common

import "strings"

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	}
	return "unknown"
}

// Opposite returns the contra side. Unknown sides map to themselves.
func (s Side) Opposite() Side {
	switch s {
	case Buy:
		return Sell
	case Sell:
		return Buy
	}
	return s
}

// Valid reports whether the side is one the book can hold.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, ErrInvalidSide
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(text []byte) error {
	side, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = side
	return nil
}

// ParseSide maps the textual record field ("buy"/"sell", any case) to a Side.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return Side(-1), ErrInvalidSide
}

type OrderType int

const (
	// Limit orders are an order to buy or sell a security at a specified
	// price or better. Limit orders may rest on the order book until
	// filled. This is the only type the engine matches.
	LimitOrder OrderType = iota
	// Market orders are instructions to buy or sell immediately. They are
	// recognised on the wire so they can be rejected explicitly.
	MarketOrder
	// Stop orders become active once a trigger price trades. Rejected.
	StopOrder
)

func (t OrderType) String() string {
	switch t {
	case LimitOrder:
		return "limit"
	case MarketOrder:
		return "market"
	case StopOrder:
		return "stop"
	}
	return "unknown"
}

// ParseOrderType maps the textual record field to an OrderType. Unknown
// names are an unsupported type rather than a silent default.
func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "limit":
		return LimitOrder, nil
	case "market":
		return MarketOrder, nil
	case "stop":
		return StopOrder, nil
	}
	return OrderType(-1), ErrUnsupportedOrderType
}

// OrderStatus is where an order sits in its lifecycle once the engine has
// handled a request for it.
type OrderStatus int

const (
	Pending OrderStatus = iota
	Resting
	PartiallyFilled
	Filled
	Cancelled
	Rejected
)

func (s OrderStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resting:
		return "resting"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == Filled || s == Cancelled || s == Rejected
}
