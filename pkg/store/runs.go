package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/adiwarna/loom/internal/tracing"
)

// CreateRun inserts a new run in the given status (usually RunRunning).
func (s *Store) CreateRun(ctx context.Context, r *Run) error {
	ctx, span := tracing.StartSpan(ctx, "loom.store", "store.create_run")
	defer span.End()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.ThreadID == "" {
		return errors.New("run requires a thread id")
	}
	if r.Status == "" {
		r.Status = RunRunning
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, thread_id, status, correlation_id)
		VALUES (?, ?, ?, ?)`,
		r.ID, r.ThreadID, string(r.Status), r.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	span.SetAttributes(attribute.String("run_id", r.ID))
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	return s.scanRun(s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, status, correlation_id, error, started_at, finished_at
		FROM runs WHERE id = ?`, id))
}

// LatestRun returns the most recent run of a thread, optionally filtered by
// status (empty status matches any).
func (s *Store) LatestRun(ctx context.Context, threadID string, status RunStatus) (*Run, error) {
	query := `
		SELECT id, thread_id, status, correlation_id, error, started_at, finished_at
		FROM runs WHERE thread_id = ?`
	args := []any{threadID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT 1`

	return s.scanRun(s.db.QueryRowContext(ctx, query, args...))
}

// UpdateRunStatusCAS transitions a run from one status to another. It
// reports false when the run is not currently in the expected status, which
// serializes concurrent transitions: only one caller wins.
func (s *Store) UpdateRunStatusCAS(ctx context.Context, runID string, from, to RunStatus) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "loom.store", "store.run_status_cas",
		attribute.String("run_id", runID),
		attribute.String("from", string(from)),
		attribute.String("to", string(to)))
	defer span.End()

	finished := to == RunSucceeded || to == RunFailed
	var res sql.Result
	var err error
	if finished {
		res, err = s.db.ExecContext(ctx, `
			UPDATE runs SET status = ?, finished_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?`,
			string(to), runID, string(from))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE runs SET status = ?, finished_at = NULL
			WHERE id = ? AND status = ?`,
			string(to), runID, string(from))
	}
	if err != nil {
		return false, fmt.Errorf("update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishRun marks a run succeeded or failed, recording the error text on
// failure. Unlike the CAS this applies unconditionally.
func (s *Store) FinishRun(ctx context.Context, runID string, status RunStatus, errText string) error {
	if status != RunSucceeded && status != RunFailed {
		return fmt.Errorf("finish run: %q is not a terminal status", status)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, finished_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		string(status), errText, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (s *Store) scanRun(row *sql.Row) (*Run, error) {
	var r Run
	var status string
	var finished sql.NullTime
	err := row.Scan(&r.ID, &r.ThreadID, &status, &r.CorrelationID, &r.Error, &r.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select run: %w", err)
	}
	r.Status = RunStatus(status)
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}
