package journal

import (
	"sync"
	"time"

	"github.com/randalmurphal/collabgraph/pkg/collab/wire"
)

// MemoryStore is an in-memory journal for single-process use and
// testing. History is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	logs   map[string][]Entry // workflowID -> entries, version order
	closed bool
}

// NewMemoryStore creates a new in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs: make(map[string][]Entry),
	}
}

// Append implements Store.
func (m *MemoryStore) Append(workflowID string, change wire.WorkflowChange) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	entries := m.logs[workflowID]
	version := int64(len(entries)) + 1
	m.logs[workflowID] = append(entries, Entry{
		Version:  version,
		Change:   change,
		StoredAt: time.Now().UTC(),
	})
	return version, nil
}

// List implements Store.
func (m *MemoryStore) List(workflowID string, sinceVersion int64) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	entries := m.logs[workflowID]
	out := make([]Entry, 0)
	for _, e := range entries {
		if e.Version > sinceVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

// Latest implements Store.
func (m *MemoryStore) Latest(workflowID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	entries := m.logs[workflowID]
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[len(entries)-1].Version, nil
}

// DeleteWorkflow implements Store.
func (m *MemoryStore) DeleteWorkflow(workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delete(m.logs, workflowID)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.logs = nil
	return nil
}

// Len returns the total number of entries across all workflows.
// Useful for testing.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, entries := range m.logs {
		count += len(entries)
	}
	return count
}
