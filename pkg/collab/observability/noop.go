package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled to avoid overhead.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

// RecordMessageSent does nothing.
func (NoopMetrics) RecordMessageSent(_ context.Context, _ string) {}

// RecordMessageReceived does nothing.
func (NoopMetrics) RecordMessageReceived(_ context.Context, _ string) {}

// RecordReconnect does nothing.
func (NoopMetrics) RecordReconnect(_ context.Context, _ int, _ bool) {}

// RecordLockOutcome does nothing.
func (NoopMetrics) RecordLockOutcome(_ context.Context, _ bool, _ time.Duration) {}

// RecordQueueDepth does nothing.
func (NoopMetrics) RecordQueueDepth(_ context.Context, _ int) {}

// NoopSpanManager is a SpanManager that does nothing.
// Use when tracing is disabled to avoid overhead.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

// noopSpan is a span that does nothing.
// We use the OTel noop package for a proper no-op span implementation.
var noopSpan = noop.Span{}

// StartConnectSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartConnectSpan(ctx context.Context, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartLockSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartLockSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(_ context.Context, _ string, _ ...attribute.KeyValue) {}
