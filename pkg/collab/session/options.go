package session

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/randalmurphal/collabgraph/pkg/collab/observability"
)

// DefaultLockTimeout bounds how long LockNode waits for the server's
// lock_acquired/lock_failed response before treating the request as
// denied.
const DefaultLockTimeout = 5 * time.Second

// cursorColors is the palette used when no color is configured. The
// pick is deterministic per user id so a user keeps their color across
// sessions.
var cursorColors = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#008080",
}

// Options configures a Session.
type Options struct {
	// WorkflowID scopes the session to one workflow's collaboration
	// channel. Required.
	WorkflowID string

	// UserID is the stable, caller-supplied identity. Required.
	UserID string

	// UserName is the display name shown to peers. Required.
	UserName string

	// Color is the cursor/lock accent color. Default: deterministic
	// pick from a palette, keyed by UserID.
	Color string

	// LockTimeout bounds the LockNode round-trip wait. Default: 5s.
	LockTimeout time.Duration

	// BusBufferSize is the per-subscription event buffer. Default: 256.
	BusBufferSize int

	// Logger receives session lifecycle logs. Nil disables logging.
	Logger *slog.Logger

	// Metrics records lock outcomes. Nil means no metrics.
	Metrics observability.MetricsRecorder

	// Spans traces lock round trips. Nil means no tracing.
	Spans observability.SpanManager
}

// setDefaults fills zero fields with defaults.
func (o *Options) setDefaults() {
	if o.Color == "" {
		o.Color = colorFor(o.UserID)
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
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
	if o.WorkflowID == "" {
		return errors.New("session: Options.WorkflowID is required")
	}
	if o.UserID == "" {
		return errors.New("session: Options.UserID is required")
	}
	if o.UserName == "" {
		return fmt.Errorf("session: Options.UserName is required for user %q", o.UserID)
	}
	return nil
}

// colorFor deterministically assigns a palette color to a user id.
func colorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return cursorColors[h.Sum32()%uint32(len(cursorColors))]
}
