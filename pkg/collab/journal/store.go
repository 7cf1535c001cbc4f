// Package journal provides persistent, versioned storage for workflow
// change history. Each append assigns the next contiguous version
// number within a workflow, which gives reconnecting clients a stable
// cursor for catch-up reads.
package journal

import (
	"errors"
	"time"

	"github.com/randalmurphal/collabgraph/pkg/collab/wire"
)

// Store persists workflow changes as an append-only, versioned log.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append stores a change and returns its assigned version.
	// Versions are contiguous per workflow, starting at 1.
	Append(workflowID string, change wire.WorkflowChange) (int64, error)

	// List returns entries with version > sinceVersion, ordered by
	// version. Returns an empty slice (not an error) when there is
	// nothing newer.
	List(workflowID string, sinceVersion int64) ([]Entry, error)

	// Latest returns the highest version for a workflow, or 0 when
	// the workflow has no history.
	Latest(workflowID string) (int64, error)

	// DeleteWorkflow removes all history for a workflow.
	// Returns nil if the workflow has no history.
	DeleteWorkflow(workflowID string) error

	// Close releases any resources (connections, files).
	Close() error
}

// Entry is one versioned change in a workflow's history.
type Entry struct {
	Version  int64
	Change   wire.WorkflowChange
	StoredAt time.Time
}

// ErrStoreClosed indicates the store has been closed.
var ErrStoreClosed = errors.New("journal store closed")
