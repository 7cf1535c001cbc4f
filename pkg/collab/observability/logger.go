// Package observability provides logging, metrics, and tracing helpers
// for the collaboration core: structured logging via slog (Go stdlib),
// metrics and tracing via OpenTelemetry.
//
// All helpers are nil-safe and have no-op implementations, so callers
// can leave observability disabled without guarding every call site.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds collaboration context to a logger.
// Returns a new logger with workflow_id and user_id fields.
func EnrichLogger(logger *slog.Logger, workflowID, userID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("workflow_id", workflowID),
		slog.String("user_id", userID),
	)
}

// LogConnect logs a successful connection.
func LogConnect(logger *slog.Logger, url string) {
	if logger == nil {
		return
	}
	logger.Info("transport connected",
		slog.String("url", url),
	)
}

// LogDisconnect logs a lost or closed connection.
func LogDisconnect(logger *slog.Logger, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Warn("transport disconnected",
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("transport disconnected")
}

// LogReconnectAttempt logs one reconnection attempt after its backoff
// delay has elapsed.
func LogReconnectAttempt(logger *slog.Logger, attempt int, delay time.Duration) {
	if logger == nil {
		return
	}
	logger.Info("reconnecting",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)
}

// LogReconnectGaveUp logs reconnection budget exhaustion.
func LogReconnectGaveUp(logger *slog.Logger, attempts int) {
	if logger == nil {
		return
	}
	logger.Error("reconnection failed",
		slog.Int("attempts", attempts),
	)
}

// LogMessageDropped logs an inbound frame that could not be parsed.
func LogMessageDropped(logger *slog.Logger, err error) {
	if logger == nil {
		return
	}
	logger.Warn("dropping unparseable frame",
		slog.String("error", err.Error()),
	)
}

// LogLockGranted logs a confirmed lock acquisition.
func LogLockGranted(logger *slog.Logger, nodeID, ownerID string) {
	if logger == nil {
		return
	}
	logger.Debug("lock acquired",
		slog.String("node_id", nodeID),
		slog.String("owner_id", ownerID),
	)
}

// LogLockDenied logs a lock denial. Denial is an expected outcome.
func LogLockDenied(logger *slog.Logger, nodeID, reason string) {
	if logger == nil {
		return
	}
	logger.Debug("lock denied",
		slog.String("node_id", nodeID),
		slog.String("reason", reason),
	)
}

// LogCallbackPanic logs a panic recovered from a caller's callback.
func LogCallbackPanic(logger *slog.Logger, recovered any) {
	if logger == nil {
		return
	}
	logger.Error("callback panicked",
		slog.Any("panic", recovered),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
