// Package storage is the sole authoritative persistence layer for Reclaw
// Core. It wraps a single SQLite database (via modernc.org/sqlite, pure
// Go, no cgo) behind narrow per-entity repositories: base-row CRUD plus
// the handful of derived-order queries the rest of the system needs.
// Secondary indexes are derived from base rows at query time and are
// never themselves authoritative (spec §3 Ownership).
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/reclaw/reclaw-core/pkg/logger"
)

// Store owns the single *sql.DB for an instance. All repository methods
// in this package are defined on *Store.
type Store struct {
	db *DB
}

// DB is a thin indirection over *sql.DB so tests and the rest of the
// package can share one handle without exporting database/sql directly.
type DB = sql.DB

// schemaVersion is the forward-only migration cursor. Bumping it and
// appending to migrations applies new DDL on next Open; no down
// migrations are supported (spec §6 "schema migrations are forward-only").
const schemaVersion = 1

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL);`,

	`CREATE TABLE IF NOT EXISTS config_entries (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		session_key TEXT NOT NULL UNIQUE,
		agent_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at DESC);`,

	`CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		session_key TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		ts INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_session_ts ON chat_messages(session_key, ts ASC);`,

	`CREATE TABLE IF NOT EXISTS agent_runs (
		id TEXT PRIMARY KEY,
		session_key TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		state TEXT NOT NULL,
		deferred INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER,
		idempotency_key TEXT NOT NULL DEFAULT '',
		input_message TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS idx_agent_runs_session_state ON agent_runs(session_key, state);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_runs_idem ON agent_runs(session_key, idempotency_key)
		WHERE idempotency_key != '' AND state IN ('queued','running');`,

	`CREATE TABLE IF NOT EXISTS cron_jobs (
		id TEXT PRIMARY KEY,
		schedule TEXT NOT NULL,
		payload TEXT NOT NULL,
		enabled INTEGER NOT NULL,
		next_fire_at INTEGER NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS cron_runs (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		outcome TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS idx_cron_runs_job_started ON cron_runs(job_id, started_at DESC);`,

	`CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		connection_state TEXT NOT NULL,
		last_seen INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_state_seen ON nodes(connection_state, last_seen DESC);`,

	`CREATE TABLE IF NOT EXISTS node_pair_requests (
		id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		state TEXT NOT NULL,
		verification_code TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_pair_requests_node ON node_pair_requests(node_id, created_at DESC);`,

	`CREATE TABLE IF NOT EXISTS node_invokes (
		id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		method TEXT NOT NULL,
		params TEXT NOT NULL,
		requested_at INTEGER NOT NULL,
		resolved_at INTEGER,
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS idx_node_invokes_node ON node_invokes(node_id, requested_at DESC);`,

	`CREATE TABLE IF NOT EXISTS node_events (
		id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		ts INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_node_events_node_ts ON node_events(node_id, ts DESC);`,
}

// Open opens (creating if absent) the SQLite database at path and applies
// any pending migrations. path may be ":memory:" in tests only when the
// test explicitly wants a single-connection in-process database; callers
// that need persistence across processes must pass a real file path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	// modernc.org/sqlite connections are not safe for concurrent writers;
	// serialize at the pool level and let SQLite's own locking handle the rest.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("storage: migration failed: %w", err)
		}
	}
	var applied int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`)
	if err := row.Scan(&applied); err != nil {
		return fmt.Errorf("storage: read migration state: %w", err)
	}
	if applied == 0 {
		if _, err := s.db.Exec(`INSERT INTO schema_migrations(version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("storage: record migration: %w", err)
		}
		logger.InfoC("storage", fmt.Sprintf("applied schema version %d", schemaVersion))
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the store's database connection is usable,
// backing the /readyz HTTP endpoint.
func (s *Store) Ping() error {
	return s.db.Ping()
}
