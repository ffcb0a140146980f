package net

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	. "matchcore/internal/common"
)

// Client speaks the framed order protocol. Writes are safe for concurrent
// use; reports are read by a single reader.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
}

func Dial(ctx context.Context, address string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

func (c *Client) PlaceOrder(orderType OrderType, side Side, price string, qty int64) error {
	msg := NewOrderMessage{
		OrderType: orderType,
		Side:      side,
		Quantity:  qty,
		PriceLen:  uint8(len(price)),
		Price:     price,
	}
	buf, err := msg.Serialize()
	if err != nil {
		return err
	}
	return c.write(buf)
}

func (c *Client) Cancel(id string) error {
	msg := CancelOrderMessage{IDLen: uint8(len(id)), OrderID: id}
	buf, err := msg.Serialize()
	if err != nil {
		return err
	}
	return c.write(buf)
}

func (c *Client) Heartbeat() error {
	return c.write([]byte{0, byte(Heartbeat)})
}

// WriteRaw sends payload as a single frame without interpreting it.
func (c *Client) WriteRaw(payload []byte) error {
	return c.write(payload)
}

func (c *Client) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteFrame(c.conn, payload)
}

// ReadReport blocks for the next report, giving up after timeout when it is
// positive.
func (c *Client) ReadReport(timeout time.Duration) (Report, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return Report{}, err
	}
	frame, err := ReadFrame(c.reader)
	if err != nil {
		return Report{}, err
	}
	return ParseReport(frame)
}

func (c *Client) Close() error {
	return c.conn.Close()
}
