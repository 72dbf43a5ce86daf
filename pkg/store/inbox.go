package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateInboxItem inserts a user-facing notification.
func (s *Store) CreateInboxItem(ctx context.Context, it *InboxItem) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.UserID == "" {
		return errors.New("inbox item requires a user id")
	}
	if it.ItemType != InboxJobResult && it.ItemType != InboxHumanActionRequest {
		return fmt.Errorf("unknown inbox item type: %q", it.ItemType)
	}
	if it.Status == "" {
		it.Status = InboxNew
	}
	if it.Body == "" {
		it.Body = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inbox_items (id, user_id, agent_id, thread_id, run_id,
			correlation_id, title, body, item_type, status)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?)`,
		it.ID, it.UserID, it.AgentID, it.ThreadID, it.RunID,
		it.CorrelationID, it.Title, it.Body, it.ItemType, it.Status,
	)
	if err != nil {
		return fmt.Errorf("insert inbox item: %w", err)
	}

	s.logger.Info().
		Str("itemId", it.ID).
		Str("type", it.ItemType).
		Str("userId", it.UserID).
		Msg("Inbox item created")
	return nil
}

// ListInboxItems returns a user's items, newest first, optionally filtered
// by status.
func (s *Store) ListInboxItems(ctx context.Context, userID, status string) ([]InboxItem, error) {
	query := `
		SELECT id, user_id, COALESCE(agent_id, ''), COALESCE(thread_id, ''),
			COALESCE(run_id, ''), correlation_id, title, body, item_type, status,
			read_at, created_at
		FROM inbox_items WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select inbox items: %w", err)
	}
	defer rows.Close()

	var out []InboxItem
	for rows.Next() {
		var it InboxItem
		var readAt nullTime
		if err := rows.Scan(&it.ID, &it.UserID, &it.AgentID, &it.ThreadID, &it.RunID,
			&it.CorrelationID, &it.Title, &it.Body, &it.ItemType, &it.Status,
			&readAt, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan inbox item: %w", err)
		}
		it.ReadAt = readAt.ptr()
		out = append(out, it)
	}
	return out, rows.Err()
}

// MarkInboxItemRead flips a new item to read, stamping read_at.
func (s *Store) MarkInboxItemRead(ctx context.Context, itemID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inbox_items SET status = ?, read_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?`,
		InboxRead, itemID, InboxNew)
	if err != nil {
		return fmt.Errorf("mark inbox item read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveInboxItem archives an item regardless of its current status.
func (s *Store) ArchiveInboxItem(ctx context.Context, itemID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE inbox_items SET status = ? WHERE id = ?`, InboxArchived, itemID)
	if err != nil {
		return fmt.Errorf("archive inbox item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
