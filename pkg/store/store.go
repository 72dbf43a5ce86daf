// Package store is the relational persistence layer: threads, runs,
// messages, scheduled jobs, inbox items and connected accounts, backed by
// SQLite in WAL mode. Checkpoint persistence shares the same database handle
// (see pkg/checkpoint).
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// nullTime is sql.NullTime with a pointer accessor for model fields.
type nullTime struct {
	sql.NullTime
}

func (n nullTime) ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Config holds store configuration.
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) the database and initializes the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for concurrent readers alongside the writer
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: cfg.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.DBPath).Msg("Store opened")
	return s, nil
}

// DB exposes the underlying handle so the checkpoint store can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			goal TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			agent_id TEXT REFERENCES agents(id) ON DELETE SET NULL,
			title TEXT NOT NULL DEFAULT '',
			is_ambient INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_threads_user ON threads(user_id);

		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			finished_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id, started_at);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			sequence INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(thread_id, sequence)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, sequence);

		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			title TEXT NOT NULL DEFAULT '',
			goal TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			toolkit_slug TEXT NOT NULL DEFAULT '',
			trigger_slug TEXT NOT NULL DEFAULT '',
			connected_account_id TEXT NOT NULL DEFAULT '',
			subscription_id TEXT NOT NULL DEFAULT '',
			trigger_config TEXT NOT NULL DEFAULT '{}',
			thread_id TEXT REFERENCES threads(id) ON DELETE SET NULL,
			last_run_at DATETIME,
			next_run_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(status, next_run_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_trigger ON jobs(toolkit_slug, trigger_slug);

		CREATE TABLE IF NOT EXISTS inbox_items (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			agent_id TEXT REFERENCES agents(id) ON DELETE SET NULL,
			thread_id TEXT REFERENCES threads(id) ON DELETE SET NULL,
			run_id TEXT REFERENCES runs(id) ON DELETE SET NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '{}',
			item_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'new',
			read_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_inbox_user ON inbox_items(user_id, status, created_at);

		CREATE TABLE IF NOT EXISTS connections (
			connected_account_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			toolkit_slug TEXT NOT NULL,
			auth_config_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_connections_user ON connections(user_id, toolkit_slug);
	`
	_, err := s.db.Exec(schema)
	return err
}
