// Package event provides the typed publish/subscribe channel a
// collaboration session uses to notify consumers: participant
// presence, lock changes, relayed workflow changes, connection status,
// and errors all fan out through one Bus scoped to the session.
//
// Delivery is asynchronous and non-blocking: each subscription owns a
// buffered channel and a delivery goroutine, and a slow subscriber
// drops events rather than stalling the session's message handling. A
// stale presence event is worth less than a stalled reducer.
package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/collabgraph/pkg/collab/wire"
)

// Type identifies a session event.
type Type string

// Session event types.
const (
	TypeParticipantJoined Type = "participant_joined"
	TypeParticipantLeft   Type = "participant_left"
	TypeCursorUpdated     Type = "cursor_updated"
	TypeViewportUpdated   Type = "viewport_updated"
	TypeLockChanged       Type = "lock_changed"
	TypeLockDenied        Type = "lock_denied"
	TypeChangeApplied     Type = "change_applied"
	TypeSyncRequired      Type = "sync_required"
	TypeStatusChanged     Type = "status_changed"
	TypeError             Type = "error"
)

// Event is one session notification. Payload holds the typed payload
// for the event type; see the payload structs below.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Payload   any
}

// New creates an event with a fresh id and timestamp.
func New(t Type, payload any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// ParticipantChange is the payload for participant_joined and
// participant_left.
type ParticipantChange struct {
	UserID      string
	Participant *wire.Participant // nil on participant_left
}

// PresenceUpdate is the payload for cursor_updated and
// viewport_updated.
type PresenceUpdate struct {
	UserID   string
	Cursor   *wire.Point
	Viewport *wire.Viewport
}

// LockChange is the payload for lock_changed. Lock is nil when the
// lock was released.
type LockChange struct {
	NodeID string
	Lock   *wire.NodeLock
}

// LockDenied is the payload for lock_denied. Denial is an expected
// protocol outcome surfaced for UI feedback, not an error.
type LockDenied struct {
	NodeID string
	Reason string
}

// ChangeApplied is the payload for change_applied: a journaled
// workflow change, the local session's own or a peer's. The workflow
// store listens for these; the collaboration core never interprets
// the change payload.
type ChangeApplied struct {
	Change  wire.WorkflowChange
	Version int64
}

// SyncRequired is the payload for sync_required.
type SyncRequired struct {
	Reason string
	State  []byte
}

// StatusChange is the payload for status_changed. Status is the
// transport status string (disconnected, connecting, connected,
// reconnecting).
type StatusChange struct {
	Status string
}

// Error is the payload for error events, covering both transport
// failures and server-reported errors.
type Error struct {
	Err error
}
