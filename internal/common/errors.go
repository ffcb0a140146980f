package common

import (
	"errors"
	"fmt"
)

// ErrValidation is the root of every rejection raised before an order
// reaches the matching algorithm. Use errors.Is(err, ErrValidation).
var ErrValidation = errors.New("validation error")

var (
	ErrUnsupportedOrderType = fmt.Errorf("%w: unsupported order type", ErrValidation)
	ErrInvalidSide          = fmt.Errorf("%w: unknown side", ErrValidation)
	ErrInvalidPrice         = fmt.Errorf("%w: price must be positive", ErrValidation)
	ErrInvalidQuantity      = fmt.Errorf("%w: quantity must be positive", ErrValidation)
	ErrMissingID            = fmt.Errorf("%w: missing order id", ErrValidation)
	ErrDuplicateOrder       = fmt.Errorf("%w: order id already resting", ErrValidation)
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrQueueOverflow = errors.New("sequencer queue full")
	ErrStopped       = errors.New("sequencer stopped")
)
