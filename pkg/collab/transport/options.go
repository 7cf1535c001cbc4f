package transport

import (
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/randalmurphal/collabgraph/pkg/collab/observability"
	"github.com/randalmurphal/collabgraph/pkg/collab/wire"
)

// Defaults for Options fields left zero.
const (
	DefaultConnectTimeout        = 30 * time.Second
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultInitialReconnectDelay = 1 * time.Second
	DefaultMaxReconnectDelay     = 30 * time.Second
	DefaultMaxReconnectAttempts  = 10
)

// Options configures a Client.
type Options struct {
	// URL is the collaboration endpoint, including the workflow scope
	// (e.g. "ws://host/ws?workflow_id=wf-1"). Required.
	URL string

	// ConnectTimeout bounds how long a single dial may take before the
	// connect attempt fails with CONNECTION_TIMEOUT. Default: 30s.
	ConnectTimeout time.Duration

	// HeartbeatInterval is the ping cadence while connected.
	// Default: 30s. Set negative to disable heartbeats.
	HeartbeatInterval time.Duration

	// InitialReconnectDelay seeds the backoff schedule. Default: 1s.
	InitialReconnectDelay time.Duration

	// MaxReconnectDelay caps the backoff schedule. Default: 30s.
	MaxReconnectDelay time.Duration

	// MaxReconnectAttempts bounds consecutive failed reconnects before
	// the terminal RECONNECTION_FAILED error. Default: 10.
	MaxReconnectAttempts int

	// Dialer opens the underlying socket. Default: WebsocketDialer.
	Dialer Dialer

	// Logger receives transport lifecycle logs. Nil disables logging.
	Logger *slog.Logger

	// Metrics records transport metrics. Nil means no metrics.
	Metrics observability.MetricsRecorder

	// Spans traces connect attempts. Nil means no tracing.
	Spans observability.SpanManager
}

// setDefaults fills zero fields with defaults.
func (o *Options) setDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.InitialReconnectDelay <= 0 {
		o.InitialReconnectDelay = DefaultInitialReconnectDelay
	}
	if o.MaxReconnectDelay <= 0 {
		o.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer
	}
	if o.Metrics == nil {
		o.Metrics = observability.NoopMetrics{}
	}
	if o.Spans == nil {
		o.Spans = observability.NoopSpanManager{}
	}
}

// validate checks required fields.
func (o *Options) validate() error {
	if o.URL == "" {
		return errors.New("transport: Options.URL is required")
	}
	return nil
}

// Callbacks is the client's event surface. All callbacks are
// best-effort: a panicking callback is recovered and must not crash
// the client. Callbacks run on the client's internal goroutines and
// should return quickly.
type Callbacks struct {
	// OnMessage receives every successfully parsed inbound frame.
	OnMessage func(msg wire.Message)

	// OnStatusChange observes every status transition.
	OnStatusChange func(status Status)

	// OnError receives transport failures, including the terminal
	// RECONNECTION_FAILED. Lock denials are protocol outcomes, not
	// errors, and never arrive here.
	OnError func(err *ClientError)

	// OnConnect fires after each successful open, after the offline
	// queue has been flushed.
	OnConnect func()

	// OnDisconnect fires when an open connection is lost or closed.
	OnDisconnect func()
}

// newReconnectBackoff builds the reconnect delay schedule:
// min(initial * 2^attempt, max), with no jitter so the schedule is
// exact and testable.
func newReconnectBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // attempts are bounded by count, not wall time
	b.Reset()
	return b
}
