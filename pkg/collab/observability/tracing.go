package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the collabgraph tracer instance.
// Uses the global OTel tracer provider.
var tracer = otel.Tracer("collabgraph")

// SpanManager handles trace span lifecycle for the two operations with
// a meaningful round trip: connecting and lock acquisition.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartConnectSpan starts a span covering a connect attempt.
	StartConnectSpan(ctx context.Context, url string) (context.Context, trace.Span)

	// StartLockSpan starts a span covering a lock request round trip.
	StartLockSpan(ctx context.Context, workflowID, nodeID string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the
// provider before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartConnectSpan starts a span covering a connect attempt.
func (m *otelSpanManager) StartConnectSpan(ctx context.Context, url string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "collabgraph.connect",
		trace.WithAttributes(
			attribute.String("endpoint.url", url),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartLockSpan starts a span covering a lock request round trip.
func (m *otelSpanManager) StartLockSpan(ctx context.Context, workflowID, nodeID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "collabgraph.lock",
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.String("node.id", nodeID),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
