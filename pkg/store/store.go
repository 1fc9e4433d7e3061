package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/foreman/pkg/types"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// Store provides atomic, serializable operations over the coordination schema.
// It is backed by a single SQLite file in WAL mode with foreign keys enforced.
// Writes are serialized through a mutex; reads proceed in parallel under WAL.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	"constraint" TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'READY',
	attempts INTEGER NOT NULL DEFAULT 0,
	files TEXT NOT NULL DEFAULT '[]',
	payload BLOB,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	ts INTEGER NOT NULL,
	kind TEXT NOT NULL,
	data_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS leases (
	task_id TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
	agent_id TEXT NOT NULL,
	lease_expires_at INTEGER NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS task_dependencies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	depends_on_task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	dependency_type TEXT NOT NULL CHECK (dependency_type IN ('hard','soft')),
	description TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	UNIQUE (task_id, depends_on_task_id)
);

CREATE TABLE IF NOT EXISTS file_reservations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_path TEXT NOT NULL UNIQUE,
	agent_id TEXT NOT NULL,
	lease_expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('active','expired','released')),
	lease_reason TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS agent_heartbeats (
	agent_id TEXT PRIMARY KEY,
	last_seen INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'idle',
	context_usage_percent REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS quota_windows (
	provider TEXT NOT NULL,
	window_start INTEGER NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (provider, window_start)
);

CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_leases_expiry ON leases(lease_expires_at);
CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id, ts);
CREATE INDEX IF NOT EXISTS idx_deps_task ON task_dependencies(task_id);
CREATE INDEX IF NOT EXISTS idx_deps_depends_on ON task_dependencies(depends_on_task_id);
CREATE INDEX IF NOT EXISTS idx_reservations_status ON file_reservations(status, lease_expires_at);
`

// Open opens (creating if needed) the coordination database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "foreman.db")
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory database. Intended for tests.
func OpenMemory() (*Store, error) {
	// Shared cache keeps the database alive across pooled connections.
	db, err := sql.Open("sqlite3", "file::memory:?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection avoids separate :memory: instances per conn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// withWriteTx runs fn in a serialized write transaction. The transaction is
// rolled back if fn returns an error or the context deadline elapses.
func (s *Store) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr(err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return wrapErr(err)
	}

	if err := tx.Commit(); err != nil {
		return wrapErr(err)
	}
	return nil
}

// wrapErr maps driver errors onto the core error kinds. Uniqueness conflicts
// become ErrContended; deadline aborts become ErrDeadline; everything else
// propagates untouched.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", types.ErrDeadline, err)
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		if serr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %v", types.ErrContended, err)
		}
	}
	return err
}
