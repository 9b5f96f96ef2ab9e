package transport

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Connection is one live duplex stream. It owns a bounded outbound queue and
// a dedicated writer; enqueuing is a non-blocking try-put that synthesizes a
// backpressure shutdown on overflow.
type Connection struct {
	// ConnID correlates log lines for one connection across AWAIT_HELLO,
	// CATCHUP, and RUNNING, since ClientID is unknown until hello arrives.
	ConnID string

	ws       *websocket.Conn
	log      *logrus.Entry
	outbound chan []byte

	// mu guards closed and the outbound send: the channel is only ever
	// closed with mu held and closed set, so Enqueue's try-put can never
	// race a close.
	mu       sync.Mutex
	closed   bool
	DocID    string
	ClientID string
}

// newConnection wraps ws with an outbound queue of the given capacity and
// assigns it a fresh ConnID.
func newConnection(ws *websocket.Conn, capacity int, log *logrus.Entry) *Connection {
	connID := uuid.NewString()
	return &Connection{
		ConnID:   connID,
		ws:       ws,
		log:      log.WithField("conn_id", connID),
		outbound: make(chan []byte, capacity),
	}
}

// Enqueue implements session.Sender: a non-blocking try-put onto the
// outbound queue. On overflow it closes the connection with the
// backpressure code and abandons whatever was queued; a closed connection
// reports false without side effects.
func (c *Connection) Enqueue(payload []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.outbound <- payload:
		c.mu.Unlock()
		return true
	default:
	}
	c.mu.Unlock()

	c.log.Warn("outbound queue full, closing connection")
	c.closeWithCode(websocket.CloseTryAgainLater, "backpressure: outbound queue full")
	return false
}

// closeWithCode tears the connection down exactly once: marks it closed,
// closes the outbound queue so the writer exits, sends a close frame when
// code is non-zero, and closes the socket. Later calls are no-ops.
func (c *Connection) closeWithCode(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.outbound)
	c.mu.Unlock()

	if code != 0 {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadlineNow())
	}
	_ = c.ws.Close()
}

// closeQuiet tears the connection down without a close frame: normal
// disconnects and transport I/O errors, where the peer is already gone.
func (c *Connection) closeQuiet() {
	c.closeWithCode(0, "")
}

// writeLoop drains the outbound queue in FIFO order and writes each payload
// as a single text frame. Any transport write error closes the connection.
// It returns when the outbound channel is closed (teardown) or a write
// fails.
func (c *Connection) writeLoop() {
	for payload := range c.outbound {
		if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.log.WithError(err).Warn("ws write error")
			c.closeQuiet()
			return
		}
	}
}
