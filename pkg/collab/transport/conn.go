package transport

import (
	"context"

	"github.com/gorilla/websocket"
)

// Conn is one open socket. The client reads frames from exactly one
// goroutine and serializes writes itself, so implementations only need
// to be safe for one concurrent reader plus one concurrent writer.
type Conn interface {
	// ReadMessage blocks until the next frame or a transport error.
	ReadMessage() ([]byte, error)

	// WriteMessage transmits one frame.
	WriteMessage(data []byte) error

	// Close tears down the socket. Safe to call more than once.
	Close() error
}

// Dialer opens a Conn to a collaboration endpoint. The context carries
// the connect timeout; implementations must honor its cancellation.
type Dialer func(ctx context.Context, url string) (Conn, error)

// websocketConn adapts a gorilla connection to Conn.
type websocketConn struct {
	ws *websocket.Conn
}

// ReadMessage implements Conn.
func (c *websocketConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// WriteMessage implements Conn.
func (c *websocketConn) WriteMessage(data []byte) error {
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close implements Conn.
func (c *websocketConn) Close() error {
	return c.ws.Close()
}

// WebsocketDialer dials with gorilla/websocket. This is the default
// dialer; tests substitute in-memory conns instead.
func WebsocketDialer(ctx context.Context, url string) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &websocketConn{ws: ws}, nil
}
