package transport

import (
	"errors"
	"fmt"
)

// Code classifies a transport failure.
type Code string

// Transport error codes.
const (
	// CodeConnectionTimeout: the socket did not open before the
	// configured connect timeout. Recoverable.
	CodeConnectionTimeout Code = "CONNECTION_TIMEOUT"

	// CodeConnectionFailed: dialing or writing failed. Recoverable.
	CodeConnectionFailed Code = "CONNECTION_FAILED"

	// CodeInvalidMessage: an inbound frame could not be parsed. The
	// frame is dropped; the connection stays up.
	CodeInvalidMessage Code = "INVALID_MESSAGE"

	// CodeReconnectionFailed: the reconnection budget is exhausted.
	// Terminal; the client stays disconnected until Connect is called
	// again explicitly.
	CodeReconnectionFailed Code = "RECONNECTION_FAILED"
)

// ClientError is a transport failure with a typed code and a
// recoverability flag. Recoverable errors are handled by the client's
// own reconnection flow; non-recoverable ones require a new Connect.
type ClientError struct {
	Code        Code
	Message     string
	Recoverable bool
	Err         error
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ClientError) Unwrap() error {
	return e.Err
}

// ErrClientClosed is returned by Connect when the client was
// intentionally disconnected while the dial was in flight.
var ErrClientClosed = errors.New("transport: client closed")

// IsTerminal reports whether err is a non-recoverable transport error.
func IsTerminal(err error) bool {
	var cerr *ClientError
	if errors.As(err, &cerr) {
		return !cerr.Recoverable
	}
	return false
}
