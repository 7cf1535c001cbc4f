package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/collabgraph/pkg/collab/observability"
	"github.com/randalmurphal/collabgraph/pkg/collab/wire"
)

// spanRecorder counts connect spans for tracing assertions.
type spanRecorder struct {
	observability.NoopSpanManager

	mu     sync.Mutex
	starts int
	ends   []error
}

func (r *spanRecorder) StartConnectSpan(ctx context.Context, url string) (context.Context, trace.Span) {
	r.mu.Lock()
	r.starts++
	r.mu.Unlock()
	return r.NoopSpanManager.StartConnectSpan(ctx, url)
}

func (r *spanRecorder) EndSpanWithError(_ trace.Span, err error) {
	r.mu.Lock()
	r.ends = append(r.ends, err)
	r.mu.Unlock()
}

func (r *spanRecorder) snapshot() (int, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ends := make([]error, len(r.ends))
	copy(ends, r.ends)
	return r.starts, ends
}

// fakeConn is an in-memory Conn for deterministic transport tests.
type fakeConn struct {
	in chan []byte

	mu     sync.Mutex
	writes []wire.Message

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("fake conn closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("fake conn closed")
	default:
	}
	msg, err := wire.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// deliver queues an inbound frame.
func (c *fakeConn) deliver(data []byte) {
	c.in <- data
}

// written returns a snapshot of outbound messages.
func (c *fakeConn) written() []wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Message, len(c.writes))
	copy(out, c.writes)
	return out
}

// countType counts outbound messages of one type.
func (c *fakeConn) countType(t wire.Type) int {
	n := 0
	for _, m := range c.written() {
		if m.Type == t {
			n++
		}
	}
	return n
}

// fakeDialer hands out fresh fakeConns and counts dials.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	// failAfter makes dials beyond the first N fail (N = failAfter).
	// Negative means never fail.
	failAfter int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{failAfter: -1}
}

func (d *fakeDialer) dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAfter >= 0 && len(d.conns) >= d.failAfter {
		d.conns = append(d.conns, nil)
		return nil, errors.New("fake dial refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func testOptions(d *fakeDialer) Options {
	return Options{
		URL:                   "ws://test/ws?workflow_id=wf-1",
		ConnectTimeout:        time.Second,
		HeartbeatInterval:     -1, // off unless a test wants it
		InitialReconnectDelay: 5 * time.Millisecond,
		MaxReconnectDelay:     20 * time.Millisecond,
		MaxReconnectAttempts:  10,
		Dialer:                d.dial,
	}
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for: %s", msg)
}

func mustMessage(t *testing.T, typ wire.Type, payload any) wire.Message {
	t.Helper()
	msg, err := wire.NewMessage(typ, payload)
	require.NoError(t, err)
	return msg
}

func TestConnectIsIdempotent(t *testing.T) {
	dialer := newFakeDialer()
	client, err := NewClient(testOptions(dialer))
	require.NoError(t, err)
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Connect(context.Background()))

	assert.Equal(t, StatusConnected, client.Status())
	assert.Equal(t, 1, dialer.dialCount())
}

func TestConnectTimeout(t *testing.T) {
	opts := Options{
		URL:            "ws://test",
		ConnectTimeout: 30 * time.Millisecond,
		Dialer: func(ctx context.Context, _ string) (Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	client, err := NewClient(opts)
	require.NoError(t, err)

	err = client.Connect(context.Background())
	require.Error(t, err)

	var cerr *ClientError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, CodeConnectionTimeout, cerr.Code)
	assert.True(t, cerr.Recoverable)
	assert.False(t, IsTerminal(err))
}

func TestQueueFlushPreservesOrder(t *testing.T) {
	dialer := newFakeDialer()
	client, err := NewClient(testOptions(dialer))
	require.NoError(t, err)
	defer client.Disconnect()

	for _, nodeID := range []string{"a", "b", "c"} {
		msg := mustMessage(t, wire.TypeLockRequest, wire.LockRequest{NodeID: nodeID})
		require.NoError(t, client.Send(msg))
	}

	require.NoError(t, client.Connect(context.Background()))

	conn := dialer.conn(0)
	waitFor(t, time.Second, func() bool {
		return conn.countType(wire.TypeLockRequest) == 3
	}, "queued messages flushed")

	var order []string
	for _, m := range conn.written() {
		if m.Type != wire.TypeLockRequest {
			continue
		}
		var req wire.LockRequest
		require.NoError(t, m.DecodePayload(&req))
		order = append(order, req.NodeID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, order, "FIFO order, nothing lost or duplicated")

	// A post-connect send lands after the flushed queue.
	require.NoError(t, client.Send(mustMessage(t, wire.TypeLockRelease, wire.LockRelease{NodeID: "a"})))
	waitFor(t, time.Second, func() bool {
		return conn.countType(wire.TypeLockRelease) == 1
	}, "live send transmitted")
}

func TestHeartbeatStopsOnDisconnect(t *testing.T) {
	dialer := newFakeDialer()
	opts := testOptions(dialer)
	opts.HeartbeatInterval = 15 * time.Millisecond

	client, err := NewClient(opts)
	require.NoError(t, err)

	require.NoError(t, client.Connect(context.Background()))
	conn := dialer.conn(0)

	waitFor(t, time.Second, func() bool {
		return conn.countType(wire.TypePing) >= 2
	}, "heartbeats while connected")

	client.Disconnect()
	pings := conn.countType(wire.TypePing)

	time.Sleep(4 * opts.HeartbeatInterval)
	assert.Equal(t, pings, conn.countType(wire.TypePing), "no ping after disconnect")
}

func TestReconnectAfterConnLost(t *testing.T) {
	dialer := newFakeDialer()
	client, err := NewClient(testOptions(dialer))
	require.NoError(t, err)
	defer client.Disconnect()

	var statuses []Status
	var mu sync.Mutex
	client.SetCallbacks(Callbacks{
		OnStatusChange: func(s Status) {
			mu.Lock()
			statuses = append(statuses, s)
			mu.Unlock()
		},
	})

	require.NoError(t, client.Connect(context.Background()))

	// Simulate an unintentional drop.
	dialer.conn(0).Close()

	waitFor(t, 2*time.Second, func() bool {
		return dialer.dialCount() == 2 && client.Status() == StatusConnected
	}, "automatic reconnect")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, statuses, StatusReconnecting)
}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	dialer := newFakeDialer()
	dialer.failAfter = 1 // first dial succeeds, all reconnects fail

	opts := testOptions(dialer)
	opts.MaxReconnectAttempts = 2

	client, err := NewClient(opts)
	require.NoError(t, err)

	var mu sync.Mutex
	var terminal []*ClientError
	client.SetCallbacks(Callbacks{
		OnError: func(cerr *ClientError) {
			if cerr.Code == CodeReconnectionFailed {
				mu.Lock()
				terminal = append(terminal, cerr)
				mu.Unlock()
			}
		},
	})

	require.NoError(t, client.Connect(context.Background()))
	dialer.conn(0).Close()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(terminal) == 1
	}, "terminal error emitted")

	mu.Lock()
	require.Len(t, terminal, 1)
	assert.False(t, terminal[0].Recoverable)
	mu.Unlock()

	assert.Equal(t, StatusDisconnected, client.Status())

	// 1 initial success + 2 failed reconnects, then nothing more.
	dials := dialer.dialCount()
	assert.Equal(t, 3, dials)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dials, dialer.dialCount(), "no attempts after giving up")

	mu.Lock()
	assert.Len(t, terminal, 1, "exactly one terminal error")
	mu.Unlock()
}

func TestConnectSpanPerAttempt(t *testing.T) {
	dialer := newFakeDialer()
	spans := &spanRecorder{}
	opts := testOptions(dialer)
	opts.Spans = spans

	client, err := NewClient(opts)
	require.NoError(t, err)
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))
	starts, ends := spans.snapshot()
	require.Equal(t, 1, starts)
	require.Len(t, ends, 1)
	assert.NoError(t, ends[0])

	// A drop and reconnect is a second attempt, hence a second span.
	dialer.conn(0).Close()
	waitFor(t, 2*time.Second, func() bool {
		s, e := spans.snapshot()
		return s == 2 && len(e) == 2 && client.Status() == StatusConnected
	}, "reconnect traced as its own span")

	_, ends = spans.snapshot()
	assert.NoError(t, ends[1])
}

func TestConnectSpanRecordsDialFailure(t *testing.T) {
	dialer := newFakeDialer()
	dialer.failAfter = 0 // every dial refused
	spans := &spanRecorder{}
	opts := testOptions(dialer)
	opts.Spans = spans

	client, err := NewClient(opts)
	require.NoError(t, err)

	require.Error(t, client.Connect(context.Background()))

	starts, ends := spans.snapshot()
	assert.Equal(t, 1, starts)
	require.Len(t, ends, 1)
	assert.Error(t, ends[0])
}

func TestBackoffSchedule(t *testing.T) {
	b := newReconnectBackoff(1000*time.Millisecond, 30000*time.Millisecond)

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	for i, expected := range want {
		assert.Equal(t, expected, b.NextBackOff(), "attempt %d", i)
	}
}

func TestInvalidFrameIsDroppedNotFatal(t *testing.T) {
	dialer := newFakeDialer()
	client, err := NewClient(testOptions(dialer))
	require.NoError(t, err)
	defer client.Disconnect()

	var mu sync.Mutex
	var codes []Code
	var received []wire.Type
	client.SetCallbacks(Callbacks{
		OnMessage: func(msg wire.Message) {
			mu.Lock()
			received = append(received, msg.Type)
			mu.Unlock()
		},
		OnError: func(cerr *ClientError) {
			mu.Lock()
			codes = append(codes, cerr.Code)
			mu.Unlock()
		},
	})

	require.NoError(t, client.Connect(context.Background()))
	conn := dialer.conn(0)

	conn.deliver([]byte("}{ not a frame"))
	conn.deliver([]byte(`{"type":"pong","timestamp":"2026-01-01T00:00:00Z"}`))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, "valid frame after invalid one")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, codes, CodeInvalidMessage)
	assert.Equal(t, []wire.Type{wire.TypePong}, received)
	assert.Equal(t, StatusConnected, client.Status(), "connection survives a bad frame")
}

func TestCallbackPanicDoesNotCrashClient(t *testing.T) {
	dialer := newFakeDialer()
	client, err := NewClient(testOptions(dialer))
	require.NoError(t, err)
	defer client.Disconnect()

	var mu sync.Mutex
	delivered := 0
	client.SetCallbacks(Callbacks{
		OnMessage: func(msg wire.Message) {
			mu.Lock()
			delivered++
			mu.Unlock()
			panic("observer bug")
		},
	})

	require.NoError(t, client.Connect(context.Background()))
	conn := dialer.conn(0)

	conn.deliver([]byte(`{"type":"pong","timestamp":"2026-01-01T00:00:00Z"}`))
	conn.deliver([]byte(`{"type":"pong","timestamp":"2026-01-01T00:00:00Z"}`))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 2
	}, "both frames delivered despite panics")

	assert.Equal(t, StatusConnected, client.Status())
}
