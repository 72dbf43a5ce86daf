// Package checkpoint persists engine state snapshots so suspended runs can
// resume exactly where they stopped. Checkpoints form a parent chain per
// thread; pending writes record tool results that arrived after the
// snapshot was taken.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/adiwarna/loom/internal/observability"
	"github.com/adiwarna/loom/pkg/message"
	"github.com/adiwarna/loom/pkg/store"
)

// ErrNoCheckpoint is returned when a thread has no checkpoint to load.
var ErrNoCheckpoint = errors.New("no checkpoint for thread")

// State is the engine snapshot stored in a checkpoint.
type State struct {
	Messages []message.Message `json:"messages"`
	Turn     int               `json:"turn"`
}

// PendingWrite is a buffered channel write appended after the snapshot.
type PendingWrite struct {
	TaskID  string `json:"task_id"`
	Channel string `json:"channel"`
	Value   any    `json:"value"`
}

// Tuple is a loaded checkpoint. When the stored state blob cannot be
// decoded into State, Raw carries the undecoded JSON map and Degraded is
// set; callers decide whether a degraded read is usable.
type Tuple struct {
	ID            string
	ParentID      string
	ThreadID      string
	RunID         string
	State         *State
	Raw           map[string]any
	Metadata      map[string]any
	PendingWrites []PendingWrite
	Degraded      bool
	CreatedAt     time.Time
}

// Store persists checkpoints on the shared SQLite handle.
type Store struct {
	db     *sql.DB
	runs   *store.Store
	logger zerolog.Logger
}

// New creates a checkpoint store sharing the relational store's database.
func New(s *store.Store, logger zerolog.Logger) (*Store, error) {
	cs := &Store{db: s.DB(), runs: s, logger: logger}
	if err := cs.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}
	return cs, nil
}

func (cs *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			pending_writes TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, created_at);
	`
	_, err := cs.db.Exec(schema)
	return err
}

// Put snapshots state for a thread in one transaction: it resolves the
// thread's current run (creating one if none is active), chains the new row
// to the thread's latest checkpoint, and starts with no pending writes.
// Returns the new checkpoint id.
func (cs *Store) Put(ctx context.Context, threadID string, state State, metadata map[string]any) (string, error) {
	observability.RecordCheckpointOp("put")

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode checkpoint state: %w", err)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode checkpoint metadata: %w", err)
	}

	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate checkpoint id: %w", err)
	}

	tx, err := cs.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin checkpoint put: %w", err)
	}
	defer tx.Rollback()

	runID, err := cs.resolveRunTx(ctx, tx, threadID)
	if err != nil {
		return "", err
	}

	var parentID string
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE((
			SELECT id FROM checkpoints WHERE thread_id = ?
			ORDER BY created_at DESC, rowid DESC LIMIT 1
		), '')`, threadID).Scan(&parentID)
	if err != nil {
		return "", fmt.Errorf("resolve parent checkpoint: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (id, thread_id, run_id, parent_id, state, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, threadID, runID, parentID, string(stateJSON), string(metaJSON))
	if err != nil {
		return "", fmt.Errorf("insert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit checkpoint put: %w", err)
	}

	cs.logger.Debug().
		Str("threadId", threadID).
		Str("checkpointId", id).
		Str("parentId", parentID).
		Msg("Checkpoint written")
	return id, nil
}

// resolveRunTx finds the thread's active run (running or waiting_human), or
// creates a running one when the thread has none. Checkpoints written
// outside an explicit run still attach to something resumable.
func (cs *Store) resolveRunTx(ctx context.Context, tx *sql.Tx, threadID string) (string, error) {
	var runID string
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE((
			SELECT id FROM runs
			WHERE thread_id = ? AND status IN (?, ?)
			ORDER BY started_at DESC, rowid DESC LIMIT 1
		), '')`,
		threadID, string(store.RunRunning), string(store.RunWaitingHuman)).Scan(&runID)
	if err != nil {
		return "", fmt.Errorf("resolve current run: %w", err)
	}
	if runID != "" {
		return runID, nil
	}

	runID, err = gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, thread_id, status) VALUES (?, ?, ?)`,
		runID, threadID, string(store.RunRunning))
	if err != nil {
		return "", fmt.Errorf("create implicit run: %w", err)
	}
	return runID, nil
}

// PutWrites appends [task, channel, value] triples to the thread's latest
// checkpoint in arrival order, in one transaction.
func (cs *Store) PutWrites(ctx context.Context, threadID, taskID string, writes []PendingWrite) error {
	observability.RecordCheckpointOp("put_writes")
	if len(writes) == 0 {
		return nil
	}

	tx, err := cs.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put writes: %w", err)
	}
	defer tx.Rollback()

	var id, existing string
	err = tx.QueryRowContext(ctx, `
		SELECT id, pending_writes FROM checkpoints
		WHERE thread_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		threadID).Scan(&id, &existing)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoCheckpoint
	}
	if err != nil {
		return fmt.Errorf("load latest checkpoint: %w", err)
	}

	var merged []PendingWrite
	if err := json.Unmarshal([]byte(existing), &merged); err != nil {
		// Undecodable buffer: start over rather than fail the write.
		cs.logger.Warn().Str("checkpointId", id).Err(err).Msg("Resetting undecodable pending writes")
		merged = nil
	}
	for _, w := range writes {
		w.TaskID = taskID
		merged = append(merged, w)
	}
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode pending writes: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE checkpoints SET pending_writes = ? WHERE id = ?`, string(mergedJSON), id)
	if err != nil {
		return fmt.Errorf("update pending writes: %w", err)
	}
	return tx.Commit()
}

// GetLatest loads the newest checkpoint of a thread, or the identified one
// when checkpointID is non-empty. A state blob that no longer decodes into
// State degrades to the raw JSON map instead of failing.
func (cs *Store) GetLatest(ctx context.Context, threadID, checkpointID string) (*Tuple, error) {
	observability.RecordCheckpointOp("get")

	query := `
		SELECT id, thread_id, run_id, parent_id, state, metadata, pending_writes, created_at
		FROM checkpoints WHERE thread_id = ?`
	args := []any{threadID}
	if checkpointID != "" {
		query += ` AND id = ?`
		args = append(args, checkpointID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT 1`

	t, err := cs.scanTuple(cs.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	if t.Degraded {
		observability.RecordCheckpointDegraded()
		cs.logger.Warn().
			Str("threadId", threadID).
			Str("checkpointId", t.ID).
			Msg("Checkpoint state degraded to raw blob")
	}
	return t, nil
}

// List returns a thread's checkpoints newest first, optionally only those
// created strictly before the named checkpoint, up to limit (0 = all).
func (cs *Store) List(ctx context.Context, threadID, before string, limit int) ([]Tuple, error) {
	observability.RecordCheckpointOp("list")

	query := `
		SELECT id, thread_id, run_id, parent_id, state, metadata, pending_writes, created_at
		FROM checkpoints WHERE thread_id = ?`
	args := []any{threadID}
	if before != "" {
		query += ` AND (created_at, rowid) < (
			SELECT created_at, rowid FROM checkpoints WHERE id = ?)`
		args = append(args, before)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := cs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Tuple
	for rows.Next() {
		t, err := scanTupleRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// DeleteThread removes all checkpoints of a thread.
func (cs *Store) DeleteThread(ctx context.Context, threadID string) error {
	observability.RecordCheckpointOp("delete_thread")
	_, err := cs.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("delete thread checkpoints: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (cs *Store) scanTuple(row *sql.Row) (*Tuple, error) {
	t, err := scanTupleRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCheckpoint
	}
	return t, err
}

func scanTupleRow(row rowScanner) (*Tuple, error) {
	var t Tuple
	var stateJSON, metaJSON, writesJSON string
	err := row.Scan(&t.ID, &t.ThreadID, &t.RunID, &t.ParentID,
		&stateJSON, &metaJSON, &writesJSON, &t.CreatedAt)
	if err != nil {
		return nil, err
	}

	var state State
	if err := json.Unmarshal([]byte(stateJSON), &state); err == nil && validState(stateJSON, state) {
		t.State = &state
	} else {
		t.Degraded = true
		var raw map[string]any
		if err := json.Unmarshal([]byte(stateJSON), &raw); err != nil {
			return nil, fmt.Errorf("checkpoint %s state is not JSON: %w", t.ID, err)
		}
		t.Raw = raw
	}

	if err := json.Unmarshal([]byte(metaJSON), &t.Metadata); err != nil {
		t.Metadata = map[string]any{}
	}
	if err := json.Unmarshal([]byte(writesJSON), &t.PendingWrites); err != nil {
		t.PendingWrites = nil
	}
	return &t, nil
}

// validState rejects decodes that only succeeded structurally: a blob whose
// messages fail role validation is treated as degraded, not silently empty.
func validState(raw string, s State) bool {
	if raw == "" {
		return false
	}
	for _, m := range s.Messages {
		if err := m.Validate(); err != nil {
			return false
		}
	}
	return true
}
