package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Point is a pointer position in canvas coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Viewport is a participant's visible canvas region.
type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// Participant is one remote collaborator as seen by a session.
// The local user is never represented as a Participant.
type Participant struct {
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	Color        string    `json:"color,omitempty"`
	Cursor       *Point    `json:"cursor,omitempty"`
	Viewport     *Viewport `json:"viewport,omitempty"`
	JoinedAt     time.Time `json:"joined_at"`
	LastActivity time.Time `json:"last_activity"`
}

// NodeLock is an advisory, server-arbitrated claim on one graph node.
type NodeLock struct {
	NodeID     string    `json:"node_id"`
	OwnerID    string    `json:"owner_id"`
	OwnerName  string    `json:"owner_name,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lock's server-side lease has lapsed at t.
func (l NodeLock) Expired(t time.Time) bool {
	return !l.ExpiresAt.IsZero() && l.ExpiresAt.Before(t)
}

// ChangeType tags a graph mutation.
type ChangeType string

// Graph mutation types.
const (
	ChangeNodeAdded   ChangeType = "node_added"
	ChangeNodeRemoved ChangeType = "node_removed"
	ChangeNodeUpdated ChangeType = "node_updated"
	ChangeEdgeAdded   ChangeType = "edge_added"
	ChangeEdgeRemoved ChangeType = "edge_removed"
)

// WorkflowChange is an opaque, versioned description of a graph
// mutation. The collaboration core transports and timestamps changes
// but never interprets the payload.
type WorkflowChange struct {
	ID         string          `json:"id"`
	Type       ChangeType      `json:"type"`
	WorkflowID string          `json:"workflow_id"`
	UserID     string          `json:"user_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NewChange builds a WorkflowChange with a fresh id and timestamp.
// The payload is marshaled as-is; a nil payload is allowed.
func NewChange(changeType ChangeType, workflowID, userID string, payload any) (WorkflowChange, error) {
	ch := WorkflowChange{
		ID:         uuid.New().String(),
		Type:       changeType,
		WorkflowID: workflowID,
		UserID:     userID,
		Timestamp:  time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return WorkflowChange{}, err
		}
		ch.Payload = data
	}
	return ch, nil
}

// Client-to-server payloads.

// Join announces a session on its collaboration channel.
type Join struct {
	WorkflowID string `json:"workflow_id"`
	UserID     string `json:"user_id"`
	UserName   string `json:"user_name"`
	Color      string `json:"color,omitempty"`
}

// Leave announces a clean departure before the socket closes.
type Leave struct {
	WorkflowID string `json:"workflow_id"`
	UserID     string `json:"user_id"`
}

// CursorUpdate broadcasts the local pointer position.
type CursorUpdate struct {
	Position Point `json:"position"`
}

// ViewportUpdate broadcasts the local viewport.
type ViewportUpdate struct {
	Viewport Viewport `json:"viewport"`
}

// LockRequest asks the server for exclusive edit rights on a node.
// RequestID correlates the asynchronous lock_acquired/lock_failed
// response with the request that caused it.
type LockRequest struct {
	NodeID    string `json:"node_id"`
	RequestID string `json:"request_id,omitempty"`
}

// LockRelease gives up a held lock.
type LockRelease struct {
	NodeID string `json:"node_id"`
}

// Change carries a workflow mutation to the server.
type Change struct {
	Change WorkflowChange `json:"change"`
}

// Server-to-client payloads.

// Welcome is the initial state snapshot sent after a join. It replaces
// any participant and lock state the session held before.
type Welcome struct {
	Users []Participant `json:"users"`
	Locks []NodeLock    `json:"locks"`
}

// UserJoined announces a new participant.
type UserJoined struct {
	User Participant `json:"user"`
}

// UserLeft announces a departure.
type UserLeft struct {
	UserID string `json:"user_id"`
}

// CursorMoved relays a participant's pointer position.
type CursorMoved struct {
	UserID   string `json:"user_id"`
	Position Point  `json:"position"`
}

// ViewportChanged relays a participant's viewport.
type ViewportChanged struct {
	UserID   string   `json:"user_id"`
	Viewport Viewport `json:"viewport"`
}

// LockAcquired confirms a granted lock. RequestID echoes the request
// that won the lock, when the server knows it.
type LockAcquired struct {
	NodeID    string   `json:"node_id"`
	RequestID string   `json:"request_id,omitempty"`
	Lock      NodeLock `json:"lock"`
}

// LockReleased announces a lock removal, whether explicit or expired.
type LockReleased struct {
	NodeID string `json:"node_id"`
}

// LockFailed denies a lock request. Denial is an expected protocol
// outcome, not an error.
type LockFailed struct {
	NodeID    string `json:"node_id"`
	RequestID string `json:"request_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ChangeApplied acknowledges a journaled change and relays it to
// peers. Version is the change's position in the workflow journal.
type ChangeApplied struct {
	Change  WorkflowChange `json:"change"`
	Version int64          `json:"version"`
}

// SyncRequired tells a session its view of the graph may be stale and
// a full resynchronization is needed. The collaboration core relays
// this to the workflow store; it does not resync itself.
type SyncRequired struct {
	Reason string          `json:"reason,omitempty"`
	State  json.RawMessage `json:"state,omitempty"`
}

// ServerError carries a server-reported failure.
type ServerError struct {
	Message string `json:"message"`
}
