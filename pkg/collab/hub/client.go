package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/randalmurphal/collabgraph/pkg/collab/wire"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent. The protocol
	// ping/pong keeps healthy clients well inside it.
	pongWait = 90 * time.Second

	// sendBufferSize is the per-client outbound queue. A client that
	// cannot drain it is too far behind to be useful and is dropped.
	sendBufferSize = 256
)

// client is one WebSocket connection inside a room.
type client struct {
	room *room
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// participant is set by the room goroutine on join and only read
	// there afterwards.
	participant *wire.Participant
}

func newClient(r *room, conn *websocket.Conn) *client {
	return &client{
		room: r,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
}

// joined reports whether the client has announced its identity.
// Room goroutine only.
func (c *client) joined() bool {
	return c.participant != nil
}

// enqueue queues a frame for delivery. A full queue closes the client:
// better to force a reconnect than to let one slow consumer stall the
// room.
func (c *client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.room.logger.Warn("dropping slow client", "buffered", len(c.send))
		c.closed = true
		close(c.send)
	}
}

// close stops outbound delivery. The writeLoop drains what is queued,
// sends a close frame, and tears the socket down; the readLoop then
// unregisters the client from the room. Safe to call repeatedly.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readLoop pumps frames from the socket into the room. It owns all
// reads on the connection.
func (c *client) readLoop() {
	defer func() {
		select {
		case c.room.unregister <- c:
		case <-c.room.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := wire.Decode(data)
		if err != nil {
			c.room.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		select {
		case c.room.inbound <- inboundMessage{from: c, msg: msg}:
		case <-c.room.done:
			return
		}
	}
}

// writeLoop pumps queued frames to the socket. It owns all writes on
// the connection and exits when the send queue closes.
func (c *client) writeLoop() {
	defer c.conn.Close()

	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.close()
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
