package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/adiwarna/loom/pkg/message"
)

// AppendMessage persists a conversation turn, assigning the next sequence
// number inside the insert transaction so concurrent appends to one thread
// never collide.
func (s *Store) AppendMessage(ctx context.Context, threadID string, m message.Message) (*Message, error) {
	if threadID == "" {
		return nil, errors.New("message requires a thread id")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	rec := &Message{
		ID:         uuid.NewString(),
		ThreadID:   threadID,
		Role:       string(m.Role),
		Content:    m.Content,
		ToolName:   m.ToolName,
		ToolCallID: m.ToolCallID,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append message: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE thread_id = ?`,
		threadID).Scan(&rec.Sequence)
	if err != nil {
		return nil, fmt.Errorf("next sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, role, content, tool_name, tool_call_id, sequence)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ThreadID, rec.Role, rec.Content, rec.ToolName, rec.ToolCallID, rec.Sequence)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE threads SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, threadID)
	if err != nil {
		return nil, fmt.Errorf("touch thread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append message: %w", err)
	}
	return rec, nil
}

// ListMessages returns a thread's messages in sequence order.
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, role, content, tool_name, tool_call_id, sequence, created_at
		FROM messages WHERE thread_id = ? ORDER BY sequence`, threadID)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.ToolName,
			&m.ToolCallID, &m.Sequence, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
