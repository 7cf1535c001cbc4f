package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records collaboration metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordMessageSent records one outbound frame by message type.
	RecordMessageSent(ctx context.Context, msgType string)

	// RecordMessageReceived records one inbound frame by message type.
	RecordMessageReceived(ctx context.Context, msgType string)

	// RecordReconnect records a reconnection attempt and its outcome.
	RecordReconnect(ctx context.Context, attempt int, success bool)

	// RecordLockOutcome records a lock request resolution and how long
	// the caller waited for it.
	RecordLockOutcome(ctx context.Context, granted bool, wait time.Duration)

	// RecordQueueDepth records the offline send-queue depth after an
	// enqueue.
	RecordQueueDepth(ctx context.Context, depth int)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	messagesSent     metric.Int64Counter
	messagesReceived metric.Int64Counter
	reconnects       metric.Int64Counter
	lockOutcomes     metric.Int64Counter
	lockWait         metric.Float64Histogram
	queueDepth       metric.Int64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("collabgraph")

	messagesSent, err := meter.Int64Counter("collabgraph.messages.sent",
		metric.WithDescription("Number of outbound frames"),
	)
	if err != nil {
		return nil, err
	}

	messagesReceived, err := meter.Int64Counter("collabgraph.messages.received",
		metric.WithDescription("Number of inbound frames"),
	)
	if err != nil {
		return nil, err
	}

	reconnects, err := meter.Int64Counter("collabgraph.transport.reconnects",
		metric.WithDescription("Number of reconnection attempts"),
	)
	if err != nil {
		return nil, err
	}

	lockOutcomes, err := meter.Int64Counter("collabgraph.locks.outcomes",
		metric.WithDescription("Number of resolved lock requests"),
	)
	if err != nil {
		return nil, err
	}

	lockWait, err := meter.Float64Histogram("collabgraph.locks.wait_ms",
		metric.WithDescription("Lock request round-trip wait in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Histogram("collabgraph.transport.queue_depth",
		metric.WithDescription("Offline send-queue depth after enqueue"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		messagesSent:     messagesSent,
		messagesReceived: messagesReceived,
		reconnects:       reconnects,
		lockOutcomes:     lockOutcomes,
		lockWait:         lockWait,
		queueDepth:       queueDepth,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder backed by the global
// OTel meter provider. Configure the provider before calling this:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
//
// Falls back to NoopMetrics if instrument creation fails.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		return NoopMetrics{}
	}
	return m
}

// RecordMessageSent implements MetricsRecorder.
func (m *otelMetrics) RecordMessageSent(ctx context.Context, msgType string) {
	m.messagesSent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message.type", msgType),
	))
}

// RecordMessageReceived implements MetricsRecorder.
func (m *otelMetrics) RecordMessageReceived(ctx context.Context, msgType string) {
	m.messagesReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message.type", msgType),
	))
}

// RecordReconnect implements MetricsRecorder.
func (m *otelMetrics) RecordReconnect(ctx context.Context, attempt int, success bool) {
	m.reconnects.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("attempt", attempt),
		attribute.Bool("success", success),
	))
}

// RecordLockOutcome implements MetricsRecorder.
func (m *otelMetrics) RecordLockOutcome(ctx context.Context, granted bool, wait time.Duration) {
	m.lockOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("granted", granted),
	))
	m.lockWait.Record(ctx, float64(wait.Milliseconds()), metric.WithAttributes(
		attribute.Bool("granted", granted),
	))
}

// RecordQueueDepth implements MetricsRecorder.
func (m *otelMetrics) RecordQueueDepth(ctx context.Context, depth int) {
	m.queueDepth.Record(ctx, int64(depth))
}
