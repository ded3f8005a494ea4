package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// close frame payload is 125 bytes, two of them the code
	maxCloseReason = 123

	// CloseAuthRequired is sent to anonymous handshakes.
	CloseAuthRequired = 4401
)

var (
	ErrClientClosed   = errors.New("client closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Client owns one websocket connection and its outbound queue. Only the write
// pump writes to the connection. Nothing from the queue is written before the
// backlog handed to Preload.
type Client struct {
	conn *websocket.Conn
	id   string
	send chan []byte
	done chan struct{}

	ready     chan struct{}
	readyOnce sync.Once
	backlog   [][]byte

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	maxMessageSize int64
}

// NewClient wraps an upgraded connection. Start WritePump before queueing.
func NewClient(conn *websocket.Conn, id string, buffer int, maxMessageSize int64) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		conn:           conn,
		id:             id,
		send:           make(chan []byte, buffer),
		done:           make(chan struct{}),
		ready:          make(chan struct{}),
		maxMessageSize: maxMessageSize,
	}
}

func (c *Client) ID() string {
	return c.id
}

// Done is closed once the client starts shutting down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Deliver enqueues a broadcast frame without blocking. A client that cannot
// keep up is shut down.
func (c *Client) Deliver(frame []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		c.Close(websocket.ClosePolicyViolation, "send buffer full")
		return ErrSendBufferFull
	}
}

// Send enqueues a frame addressed to this client only, waiting for room in
// the queue until ctx expires.
func (c *Client) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Preload hands the write pump the frames to send ahead of anything queued.
// It never blocks; only the first call counts.
func (c *Client) Preload(frames [][]byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	c.readyOnce.Do(func() {
		c.backlog = frames
		close(c.ready)
	})
	return nil
}

// Close starts shutdown. The first code and reason win.
func (c *Client) Close(code int, reason string) {
	reason = truncateReason(reason)
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// ReadPump feeds every inbound text frame to handle until the connection
// fails, then returns the read error.
func (c *Client) ReadPump(handle func([]byte)) error {
	if c.maxMessageSize > 0 {
		c.conn.SetReadLimit(c.maxMessageSize)
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		handle(payload)
	}
}

// WritePump drains the outbound queue and keeps the connection alive with
// pings. It closes the connection when the client shuts down.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("websocket close error conn_id=%s: %v", c.id, err)
		}
	}()

	select {
	case <-c.ready:
		for _, frame := range c.backlog {
			if !c.write(frame) {
				return
			}
		}
		c.backlog = nil
	case <-c.done:
		c.writeClose()
		return
	}

	for {
		select {
		case frame := <-c.send:
			if !c.write(frame) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-c.done:
			c.flush()
			c.writeClose()
			return
		}
	}
}

func (c *Client) write(frame []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("websocket write error conn_id=%s: %v", c.id, err)
		}
		c.Close(websocket.CloseAbnormalClosure, "write failed")
		return false
	}
	return true
}

func (c *Client) writeClose() {
	msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// flush writes frames already queued ahead of the close, except for clients
// evicted for being too slow.
func (c *Client) flush() {
	if c.closeCode == websocket.ClosePolicyViolation {
		return
	}
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// truncateReason fits reason into a close frame without splitting a rune.
func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	reason = reason[:maxCloseReason]
	for len(reason) > 0 && !utf8.ValidString(reason) {
		reason = reason[:len(reason)-1]
	}
	return reason
}
