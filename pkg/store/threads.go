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

// CreateThread inserts a new thread. A zero ID is generated.
func (s *Store) CreateThread(ctx context.Context, t *Thread) error {
	ctx, span := tracing.StartSpan(ctx, "loom.store", "store.create_thread")
	defer span.End()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.UserID == "" {
		return errors.New("thread requires a user id")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, user_id, agent_id, title, is_ambient)
		VALUES (?, ?, NULLIF(?, ''), ?, ?)`,
		t.ID, t.UserID, t.AgentID, t.Title, t.IsAmbient,
	)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}

	span.SetAttributes(attribute.String("thread_id", t.ID))
	return nil
}

// GetThread fetches a thread by id.
func (s *Store) GetThread(ctx context.Context, id string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, COALESCE(agent_id, ''), title, is_ambient, created_at, updated_at
		FROM threads WHERE id = ?`, id)

	var t Thread
	err := row.Scan(&t.ID, &t.UserID, &t.AgentID, &t.Title, &t.IsAmbient, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select thread: %w", err)
	}
	return &t, nil
}

// TouchThread bumps updated_at, keeping thread lists ordered by activity.
func (s *Store) TouchThread(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE threads SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}

// DeleteThread removes a thread; runs and messages cascade via foreign keys.
// Checkpoints are removed separately by the checkpoint store.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "loom.store", "store.delete_thread",
		attribute.String("thread_id", id))
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
