package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestNoopMetrics_ImplementsInterface(t *testing.T) {
	var _ MetricsRecorder = NoopMetrics{}
}

func TestNoopMetrics_AllMethodsAreSafe(t *testing.T) {
	m := NoopMetrics{}
	ctx := context.Background()

	// None of these should panic.
	m.RecordMessageSent(ctx, "join")
	m.RecordMessageReceived(ctx, "welcome")
	m.RecordReconnect(ctx, 1, true)
	m.RecordLockOutcome(ctx, false, time.Second)
	m.RecordQueueDepth(ctx, 0)
}

func TestNoopSpanManager_ImplementsInterface(t *testing.T) {
	var _ SpanManager = NoopSpanManager{}
}

func TestNoopSpanManager_ReturnsContextUnchanged(t *testing.T) {
	sm := NoopSpanManager{}
	ctx := context.Background()

	gotCtx, span := sm.StartConnectSpan(ctx, "ws://example")
	assert.Equal(t, ctx, gotCtx)
	assert.NotNil(t, span)

	gotCtx, span = sm.StartLockSpan(ctx, "wf-1", "n1")
	assert.Equal(t, ctx, gotCtx)
	assert.NotNil(t, span)

	sm.EndSpanWithError(span, errors.New("ignored"))
	sm.EndSpanWithError(span, nil)
	sm.AddSpanEvent(ctx, "event", attribute.String("k", "v"))
}
