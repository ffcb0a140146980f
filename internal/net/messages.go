package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	. "matchcore/internal/common"
	"matchcore/internal/engine"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMessageTooShort    = errors.New("message too short")
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size")
	ErrMalformedPrice     = errors.New("malformed price")
	ErrFieldTooLong       = errors.New("field too long")
)

type MessageType uint16

const (
	Heartbeat MessageType = iota
	NewOrder
	CancelOrder
)

type ReportMessageType uint8

const (
	AckReport ReportMessageType = iota
	RejectReport
	ExecutionReport
	CancelReport
)

func (t ReportMessageType) String() string {
	switch t {
	case AckReport:
		return "ack"
	case RejectReport:
		return "reject"
	case ExecutionReport:
		return "execution"
	case CancelReport:
		return "cancel"
	}
	return "unknown"
}

type Message interface {
	GetType() MessageType
}

// Message format constants
const (
	FrameHeaderLen              = 4
	BaseMessageHeaderLen        = 2
	NewOrderMessageHeaderLen    = 2 + 1 + 8 + 1
	CancelOrderMessageHeaderLen = 1
	MaxFrameLen                 = 4 * 1024
)

// Generic message type.
type BaseMessage struct {
	TypeOf MessageType // 2 bytes
}

func (m BaseMessage) GetType() MessageType {
	return m.TypeOf
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame prefixes payload with its length and writes it in one call.
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(Frame(payload))
	return err
}

// Frame returns payload with its length prefix.
func Frame(payload []byte) []byte {
	buf := make([]byte, FrameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[FrameHeaderLen:], payload)
	return buf
}

func ParseMessage(msg []byte) (Message, error) {
	if len(msg) < BaseMessageHeaderLen {
		return BaseMessage{}, fmt.Errorf("%w: missing header", ErrMessageTooShort)
	}

	typeOf := MessageType(binary.BigEndian.Uint16(msg[0:2]))
	msg = msg[2:]
	switch typeOf {
	case Heartbeat:
		return BaseMessage{TypeOf: Heartbeat}, nil
	case NewOrder:
		return parseNewOrder(msg)
	case CancelOrder:
		return parseCancelOrder(msg)
	default:
		return BaseMessage{}, ErrInvalidMessageType
	}
}

type NewOrderMessage struct {
	BaseMessage
	OrderType OrderType // 2 bytes
	Side      Side      // 1 byte
	Quantity  int64     // 8 bytes
	PriceLen  uint8     // 1 byte
	Price     string    // n bytes, ascii decimal
}

// Order converts the message into an order owned by owner. The id is
// assigned by the caller; the engine never invents ids.
func (m NewOrderMessage) Order(id, owner string) (Order, error) {
	price, err := decimal.NewFromString(m.Price)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %q", ErrMalformedPrice, m.Price)
	}
	return Order{
		ID:            id,
		Type:          m.OrderType,
		Side:          m.Side,
		Price:         price,
		Quantity:      m.Quantity,
		TotalQuantity: m.Quantity,
		Owner:         owner,
		Timestamp:     time.Now(),
	}, nil
}

func (m NewOrderMessage) Serialize() ([]byte, error) {
	if len(m.Price) > 255 {
		return nil, fmt.Errorf("%w: price", ErrFieldTooLong)
	}
	buf := make([]byte, BaseMessageHeaderLen+NewOrderMessageHeaderLen+len(m.Price))
	binary.BigEndian.PutUint16(buf[0:2], uint16(NewOrder))
	binary.BigEndian.PutUint16(buf[2:4], uint16(m.OrderType))
	buf[4] = byte(m.Side)
	binary.BigEndian.PutUint64(buf[5:13], uint64(m.Quantity))
	buf[13] = uint8(len(m.Price))
	copy(buf[14:], m.Price)
	return buf, nil
}

func parseNewOrder(msg []byte) (NewOrderMessage, error) {
	m := NewOrderMessage{BaseMessage: BaseMessage{TypeOf: NewOrder}}
	if len(msg) < NewOrderMessageHeaderLen {
		return NewOrderMessage{}, ErrMessageTooShort
	}

	m.OrderType = OrderType(binary.BigEndian.Uint16(msg[0:2]))
	m.Side = Side(msg[2])
	m.Quantity = int64(binary.BigEndian.Uint64(msg[3:11]))
	m.PriceLen = msg[11]

	// Calculate expected total length.
	expectedTotalLen := NewOrderMessageHeaderLen + int(m.PriceLen)
	if len(msg) < expectedTotalLen {
		return NewOrderMessage{}, ErrMessageTooShort
	}
	m.Price = string(msg[12:expectedTotalLen])

	return m, nil
}

type CancelOrderMessage struct {
	BaseMessage
	IDLen   uint8  // 1 byte
	OrderID string // n bytes
}

func (m CancelOrderMessage) Serialize() ([]byte, error) {
	if len(m.OrderID) > 255 {
		return nil, fmt.Errorf("%w: order id", ErrFieldTooLong)
	}
	buf := make([]byte, BaseMessageHeaderLen+CancelOrderMessageHeaderLen+len(m.OrderID))
	binary.BigEndian.PutUint16(buf[0:2], uint16(CancelOrder))
	buf[2] = uint8(len(m.OrderID))
	copy(buf[3:], m.OrderID)
	return buf, nil
}

func parseCancelOrder(msg []byte) (CancelOrderMessage, error) {
	m := CancelOrderMessage{BaseMessage: BaseMessage{TypeOf: CancelOrder}}
	if len(msg) < CancelOrderMessageHeaderLen {
		return CancelOrderMessage{}, ErrMessageTooShort
	}
	m.IDLen = msg[0]
	if len(msg) < CancelOrderMessageHeaderLen+int(m.IDLen) {
		return CancelOrderMessage{}, ErrMessageTooShort
	}
	m.OrderID = string(msg[1 : 1+m.IDLen])
	return m, nil
}

// Report is sent from the server to a client. Status is only meaningful on
// ack, cancel and reject reports.
type Report struct {
	MessageType  ReportMessageType // 1 byte
	Side         Side              // 1 byte
	Status       OrderStatus       // 1 byte
	Quantity     int64             // 8 bytes
	Remaining    int64             // 8 bytes
	OrderID      string            // 1 + n bytes
	Counterparty string            // 1 + n bytes, contra order id on executions
	Price        string            // 1 + n bytes
	Err          string            // 2 + n bytes
}

const reportFixedHeaderLen = 1 + 1 + 1 + 8 + 8

// Serialize converts the report to be sent on the wire.
func (r *Report) Serialize() ([]byte, error) {
	for _, field := range []string{r.OrderID, r.Counterparty, r.Price} {
		if len(field) > 255 {
			return nil, fmt.Errorf("%w: %.16s...", ErrFieldTooLong, field)
		}
	}
	errStr := r.Err
	if len(errStr) > 0xffff {
		errStr = errStr[:0xffff]
	}

	totalSize := reportFixedHeaderLen + 1 + len(r.OrderID) + 1 + len(r.Counterparty) +
		1 + len(r.Price) + 2 + len(errStr)
	buf := make([]byte, totalSize)
	buf[0] = byte(r.MessageType)
	buf[1] = byte(r.Side)
	buf[2] = byte(r.Status)
	binary.BigEndian.PutUint64(buf[3:11], uint64(r.Quantity))
	binary.BigEndian.PutUint64(buf[11:19], uint64(r.Remaining))

	offset := reportFixedHeaderLen
	for _, field := range []string{r.OrderID, r.Counterparty, r.Price} {
		buf[offset] = uint8(len(field))
		offset++
		offset += copy(buf[offset:], field)
	}
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(errStr)))
	offset += 2
	copy(buf[offset:], errStr)
	return buf, nil
}

// ParseReport decodes a report payload.
func ParseReport(buf []byte) (Report, error) {
	if len(buf) < reportFixedHeaderLen {
		return Report{}, ErrMessageTooShort
	}
	r := Report{
		MessageType: ReportMessageType(buf[0]),
		Side:        Side(buf[1]),
		Status:      OrderStatus(buf[2]),
		Quantity:    int64(binary.BigEndian.Uint64(buf[3:11])),
		Remaining:   int64(binary.BigEndian.Uint64(buf[11:19])),
	}

	offset := reportFixedHeaderLen
	fields := []*string{&r.OrderID, &r.Counterparty, &r.Price}
	for _, field := range fields {
		if len(buf) < offset+1 {
			return Report{}, ErrMessageTooShort
		}
		n := int(buf[offset])
		offset++
		if len(buf) < offset+n {
			return Report{}, ErrMessageTooShort
		}
		*field = string(buf[offset : offset+n])
		offset += n
	}
	if len(buf) < offset+2 {
		return Report{}, ErrMessageTooShort
	}
	n := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
	offset += 2
	if len(buf) < offset+n {
		return Report{}, ErrMessageTooShort
	}
	r.Err = string(buf[offset : offset+n])
	return r, nil
}

// ackReport acknowledges a processed order or cancel.
func ackReport(result engine.Result) Report {
	kind := AckReport
	if result.Status == Cancelled {
		kind = CancelReport
	}
	return Report{
		MessageType: kind,
		Side:        result.Side,
		Status:      result.Status,
		Quantity:    result.Filled,
		Remaining:   result.Remaining,
		OrderID:     result.OrderID,
	}
}

// rejectReport carries the reason an order or cancel was refused.
func rejectReport(orderID string, side Side, err error) Report {
	return Report{
		MessageType: RejectReport,
		Side:        side,
		Status:      Rejected,
		OrderID:     orderID,
		Err:         err.Error(),
	}
}

// executionReport describes one trade from the point of view of party.
func executionReport(trade Trade, party Side) Report {
	r := Report{
		MessageType: ExecutionReport,
		Side:        party,
		Quantity:    trade.Quantity,
		Price:       trade.Price.String(),
	}
	if party == Buy {
		r.OrderID, r.Counterparty = trade.BuyOrderID, trade.SellOrderID
	} else {
		r.OrderID, r.Counterparty = trade.SellOrderID, trade.BuyOrderID
	}
	return r
}
