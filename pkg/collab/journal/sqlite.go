package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/collabgraph/pkg/collab/wire"
)

// SQLiteStore persists workflow change history to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a new SQLite journal. The path should be a
// file path (e.g., "./collab.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS changes (
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			change_id TEXT NOT NULL,
			stored_at TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (workflow_id, version)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_changes_workflow_id
		ON changes(workflow_id)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(workflowID string, change wire.WorkflowChange) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	data, err := json.Marshal(change)
	if err != nil {
		return 0, fmt.Errorf("encode change: %w", err)
	}

	// Assign the next version atomically with the insert; the primary
	// key rejects a duplicate if two writers race, and the write lock
	// above prevents the race within this process.
	var version int64
	err = s.db.QueryRow(`
		INSERT INTO changes (workflow_id, version, change_id, stored_at, data)
		VALUES (
			?,
			COALESCE((SELECT MAX(version) FROM changes WHERE workflow_id = ?), 0) + 1,
			?, ?, ?
		)
		RETURNING version
	`, workflowID, workflowID, change.ID,
		time.Now().UTC().Format(time.RFC3339Nano), data).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("append change: %w", err)
	}
	return version, nil
}

// List implements Store.
func (s *SQLiteStore) List(workflowID string, sinceVersion int64) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT version, stored_at, data
		FROM changes
		WHERE workflow_id = ? AND version > ?
		ORDER BY version
	`, workflowID, sinceVersion)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var entry Entry
		var storedAt string
		var data []byte
		if err := rows.Scan(&entry.Version, &storedAt, &data); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		entry.StoredAt, _ = time.Parse(time.RFC3339Nano, storedAt)
		if err := json.Unmarshal(data, &entry.Change); err != nil {
			return nil, fmt.Errorf("decode change at version %d: %w", entry.Version, err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}

	return entries, nil
}

// Latest implements Store.
func (s *SQLiteStore) Latest(workflowID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var version int64
	err := s.db.QueryRow(`
		SELECT COALESCE(MAX(version), 0) FROM changes WHERE workflow_id = ?
	`, workflowID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("latest version: %w", err)
	}
	return version, nil
}

// DeleteWorkflow implements Store.
func (s *SQLiteStore) DeleteWorkflow(workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		DELETE FROM changes WHERE workflow_id = ?
	`, workflowID)
	if err != nil {
		return fmt.Errorf("delete workflow history: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
