// Package transport maintains one logical websocket connection to a
// collaboration endpoint: connect with timeout, automatic reconnection
// with exponential backoff, heartbeats, and an offline FIFO queue so
// Send never fails while disconnected.
//
// The client knows nothing about collaboration semantics. It parses
// inbound frames into wire.Message values and hands them to callbacks;
// everything above that lives in the session package.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/randalmurphal/collabgraph/pkg/collab/observability"
	"github.com/randalmurphal/collabgraph/pkg/collab/wire"
)

// Client is a reconnecting connection to one collaboration endpoint.
// Construct with NewClient, wire callbacks with SetCallbacks, then
// Connect. A Client is safe for concurrent use.
//
// Lifetime: construct -> SetCallbacks -> Connect -> use -> Disconnect.
// After Disconnect no reconnection happens until Connect is called
// again.
type Client struct {
	opts Options

	mu     sync.Mutex
	cbs    Callbacks
	conn   Conn
	status Status
	queue  []wire.Message
	closed bool
	// epoch invalidates read/heartbeat loops left over from a previous
	// connection after a reconnect.
	epoch int
	// done is per-connection: closed when that connection dies.
	done chan struct{}
	// closeCh is per-lifetime: closed by Disconnect to cancel pending
	// reconnect timers.
	closeCh      chan struct{}
	reconnecting bool

	// wmu serializes frame writes; the websocket allows one writer.
	wmu sync.Mutex
}

// NewClient creates a client. It does not connect.
func NewClient(opts Options) (*Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.setDefaults()
	return &Client{
		opts:   opts,
		status: StatusDisconnected,
		closed: true,
	}, nil
}

// SetCallbacks installs the event surface. Call before Connect;
// replacing callbacks on a live connection races with delivery.
func (c *Client) SetCallbacks(cbs Callbacks) {
	c.mu.Lock()
	c.cbs = cbs
	c.mu.Unlock()
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsConnected reports whether the socket is open.
func (c *Client) IsConnected() bool {
	return c.Status() == StatusConnected
}

// Connect opens the socket. It returns once the socket is open and the
// status has advanced to connected, or with a ClientError if the dial
// fails or exceeds ConnectTimeout. Calling Connect while already
// connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.closeCh = make(chan struct{})
	c.mu.Unlock()

	c.setStatus(StatusConnecting)
	return c.establish(ctx)
}

// Disconnect marks the client intentionally closed, cancels pending
// reconnect and heartbeat timers, closes the socket if open, and sets
// the status to disconnected. No reconnection happens afterward.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.closeCh != nil {
		close(c.closeCh)
		c.closeCh = nil
	}
	conn := c.conn
	c.conn = nil
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.epoch++
	cb := c.cbs.OnDisconnect
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
		c.safeCall(cb)
	}
	c.setStatus(StatusDisconnected)
	observability.LogDisconnect(c.opts.Logger, nil)
}

// Send transmits a message if the socket is open, and otherwise
// appends it to the offline queue. The queue is flushed in FIFO order
// on every successful (re)connection, before new sends. The only error
// Send returns is a serialization failure; transport failures surface
// through OnError and the reconnection flow instead.
func (c *Client) Send(msg wire.Message) error {
	// Validate serialization up front so a queued message cannot fail
	// later during a flush.
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.status != StatusConnected || c.conn == nil {
		c.queue = append(c.queue, msg)
		depth := len(c.queue)
		c.mu.Unlock()
		c.opts.Metrics.RecordQueueDepth(context.Background(), depth)
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if err := c.writeFrame(conn, data, msg.Type); err != nil {
		// Socket died mid-send; keep the message for the next flush.
		// The read loop detects the dead socket and reconnects.
		c.mu.Lock()
		c.queue = append(c.queue, msg)
		c.mu.Unlock()
	}
	return nil
}

// establish dials, flushes the queue, flips the status to connected,
// and starts the read and heartbeat loops. Each attempt is one connect
// span.
func (c *Client) establish(ctx context.Context) error {
	sctx, span := c.opts.Spans.StartConnectSpan(ctx, c.opts.URL)

	dctx, cancel := context.WithTimeout(sctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, err := c.opts.Dialer(dctx, c.opts.URL)
	if err != nil {
		code := CodeConnectionFailed
		msg := "dial failed"
		if errors.Is(err, context.DeadlineExceeded) || dctx.Err() == context.DeadlineExceeded {
			code = CodeConnectionTimeout
			msg = fmt.Sprintf("socket did not open within %s", c.opts.ConnectTimeout)
		}
		cerr := &ClientError{Code: code, Message: msg, Recoverable: true, Err: err}
		c.opts.Spans.EndSpanWithError(span, cerr)
		c.emitError(cerr)
		return cerr
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		c.opts.Spans.EndSpanWithError(span, ErrClientClosed)
		return ErrClientClosed
	}
	c.epoch++
	epoch := c.epoch
	done := make(chan struct{})
	c.conn = conn
	c.done = done
	c.mu.Unlock()

	c.flushAndActivate(conn)

	go c.readLoop(conn, epoch)
	go c.heartbeatLoop(conn, done)

	observability.LogConnect(c.opts.Logger, c.opts.URL)
	c.opts.Spans.EndSpanWithError(span, nil)
	c.mu.Lock()
	onConnect := c.cbs.OnConnect
	c.mu.Unlock()
	c.safeCall(onConnect)
	return nil
}

// flushAndActivate drains the offline queue in FIFO order and then
// flips the status to connected. The queue-empty check and the status
// flip happen under one lock acquisition so a concurrent Send cannot
// slip a message behind the flush.
func (c *Client) flushAndActivate(conn Conn) {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.status = StatusConnected
			cb := c.cbs.OnStatusChange
			c.mu.Unlock()
			if cb != nil {
				status := StatusConnected
				c.safeCall(func() { cb(status) })
			}
			return
		}
		pending := c.queue
		c.queue = nil
		c.mu.Unlock()

		for i, m := range pending {
			data, err := wire.Encode(m)
			if err != nil {
				// Was validated on Send; skip rather than wedge the queue.
				continue
			}
			if err := c.writeFrame(conn, data, m.Type); err != nil {
				// Socket died mid-flush. Requeue the unsent suffix so
				// nothing is lost, activate, and let the read loop
				// trigger the reconnect that will flush again.
				c.mu.Lock()
				c.queue = append(pending[i:], c.queue...)
				c.status = StatusConnected
				cb := c.cbs.OnStatusChange
				c.mu.Unlock()
				if cb != nil {
					status := StatusConnected
					c.safeCall(func() { cb(status) })
				}
				return
			}
		}
	}
}

// readLoop pumps inbound frames until the connection dies.
func (c *Client) readLoop(conn Conn, epoch int) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.connLost(epoch, err)
			return
		}
		msg, derr := wire.Decode(data)
		if derr != nil {
			observability.LogMessageDropped(c.opts.Logger, derr)
			c.emitError(&ClientError{
				Code:        CodeInvalidMessage,
				Message:     "dropping unparseable frame",
				Recoverable: true,
				Err:         derr,
			})
			continue
		}
		c.opts.Metrics.RecordMessageReceived(context.Background(), string(msg.Type))
		c.mu.Lock()
		cb := c.cbs.OnMessage
		c.mu.Unlock()
		if cb != nil {
			c.safeCall(func() { cb(msg) })
		}
	}
}

// heartbeatLoop sends pings while the connection is alive. The done
// channel is closed the moment the connection dies or is closed, so no
// ping fires on a dead socket.
func (c *Client) heartbeatLoop(conn Conn, done chan struct{}) {
	if c.opts.HeartbeatInterval < 0 {
		return
	}
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ping, err := wire.NewMessage(wire.TypePing, nil)
			if err != nil {
				return
			}
			data, err := wire.Encode(ping)
			if err != nil {
				return
			}
			if err := c.writeFrame(conn, data, wire.TypePing); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// connLost handles an unintentional connection loss for the given
// epoch. Stale epochs (already superseded by a reconnect or an
// intentional Disconnect) are ignored.
func (c *Client) connLost(epoch int, cause error) {
	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	cb := c.cbs.OnDisconnect
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	observability.LogDisconnect(c.opts.Logger, cause)
	c.safeCall(cb)
	c.setStatus(StatusReconnecting)
	go c.reconnectLoop()
}

// reconnectLoop retries with exponential backoff until a connection
// opens, Disconnect is called, or the attempt budget runs out.
func (c *Client) reconnectLoop() {
	c.mu.Lock()
	if c.reconnecting || c.closed {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	closeCh := c.closeCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	b := newReconnectBackoff(c.opts.InitialReconnectDelay, c.opts.MaxReconnectDelay)
	for attempt := 1; attempt <= c.opts.MaxReconnectAttempts; attempt++ {
		delay := b.NextBackOff()
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-closeCh:
			timer.Stop()
			return
		}

		observability.LogReconnectAttempt(c.opts.Logger, attempt, delay)
		err := c.establish(context.Background())
		c.opts.Metrics.RecordReconnect(context.Background(), attempt, err == nil)
		if err == nil {
			return
		}
		if errors.Is(err, ErrClientClosed) {
			return
		}
	}

	observability.LogReconnectGaveUp(c.opts.Logger, c.opts.MaxReconnectAttempts)
	c.setStatus(StatusDisconnected)
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.emitError(&ClientError{
		Code:        CodeReconnectionFailed,
		Message:     fmt.Sprintf("gave up after %d attempts", c.opts.MaxReconnectAttempts),
		Recoverable: false,
	})
}

// writeFrame transmits one encoded frame, serialized across goroutines.
func (c *Client) writeFrame(conn Conn, data []byte, msgType wire.Type) error {
	c.wmu.Lock()
	err := conn.WriteMessage(data)
	c.wmu.Unlock()
	if err == nil {
		c.opts.Metrics.RecordMessageSent(context.Background(), string(msgType))
	}
	return err
}

// setStatus transitions the status and notifies the observer.
func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	cb := c.cbs.OnStatusChange
	c.mu.Unlock()
	if cb != nil {
		c.safeCall(func() { cb(s) })
	}
}

// emitError reports a transport failure to the observer.
func (c *Client) emitError(err *ClientError) {
	c.mu.Lock()
	cb := c.cbs.OnError
	c.mu.Unlock()
	if cb != nil {
		c.safeCall(func() { cb(err) })
	}
}

// safeCall invokes a callback, recovering panics so a misbehaving
// observer cannot take down the client.
func (c *Client) safeCall(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			observability.LogCallbackPanic(c.opts.Logger, r)
		}
	}()
	fn()
}
