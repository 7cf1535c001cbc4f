package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies a wire message.
type Type string

// Client-to-server message types.
const (
	TypeJoin           Type = "join"
	TypeLeave          Type = "leave"
	TypePing           Type = "ping"
	TypeCursorUpdate   Type = "cursor_update"
	TypeViewportUpdate Type = "viewport_update"
	TypeLockRequest    Type = "lock_request"
	TypeLockRelease    Type = "lock_release"
	TypeChange         Type = "change"
)

// Server-to-client message types.
const (
	TypeWelcome         Type = "welcome"
	TypeUserJoined      Type = "user_joined"
	TypeUserLeft        Type = "user_left"
	TypeCursorMoved     Type = "cursor_moved"
	TypeViewportChanged Type = "viewport_changed"
	TypeLockAcquired    Type = "lock_acquired"
	TypeLockReleased    Type = "lock_released"
	TypeLockFailed      Type = "lock_failed"
	TypeChangeApplied   Type = "change_applied"
	TypeSyncRequired    Type = "sync_required"
	TypeError           Type = "error"
	TypePong            Type = "pong"
)

// Message is the frame envelope. The payload is kept raw so the
// envelope can be routed without knowing every payload schema.
type Message struct {
	Type       Type            `json:"type"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// DecodeError indicates a frame that could not be parsed as a Message.
type DecodeError struct {
	Message string
	Err     error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode frame: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("decode frame: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NewMessage builds an envelope for the given type and payload.
// A nil payload produces an envelope with no payload field.
func NewMessage(t Type, payload any) (Message, error) {
	msg := Message{
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// DecodePayload unmarshals the payload into v.
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return &DecodeError{Message: fmt.Sprintf("%s frame has no payload", m.Type)}
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return &DecodeError{Message: fmt.Sprintf("bad %s payload", m.Type), Err: err}
	}
	return nil
}

// Encode serializes a message to a JSON frame.
func Encode(m Message) ([]byte, error) {
	if m.Type == "" {
		return nil, &DecodeError{Message: "message has no type"}
	}
	return json.Marshal(m)
}

// Decode parses a JSON frame into a Message. Unknown types decode
// successfully; callers decide how to treat them.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, &DecodeError{Message: "not a JSON frame", Err: err}
	}
	if m.Type == "" {
		return Message{}, &DecodeError{Message: "frame has no type"}
	}
	return m, nil
}
