package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertConnection records a connected account, replacing any prior row for
// the same account id.
func (s *Store) UpsertConnection(ctx context.Context, c *Connection) error {
	if c.ConnectedAccountID == "" || c.UserID == "" {
		return errors.New("connection requires account id and user id")
	}
	if c.Status == "" {
		c.Status = "active"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (connected_account_id, user_id, toolkit_slug, auth_config_id, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(connected_account_id) DO UPDATE SET
			user_id = excluded.user_id,
			toolkit_slug = excluded.toolkit_slug,
			auth_config_id = excluded.auth_config_id,
			status = excluded.status`,
		c.ConnectedAccountID, c.UserID, c.ToolkitSlug, c.AuthConfigID, c.Status,
	)
	if err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}
	return nil
}

// GetConnection resolves a connected account. Trigger events carry only the
// account id; this lookup supplies the owning user.
func (s *Store) GetConnection(ctx context.Context, connectedAccountID string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT connected_account_id, user_id, toolkit_slug, auth_config_id, status, created_at
		FROM connections WHERE connected_account_id = ?`, connectedAccountID)

	var c Connection
	err := row.Scan(&c.ConnectedAccountID, &c.UserID, &c.ToolkitSlug, &c.AuthConfigID, &c.Status, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select connection: %w", err)
	}
	return &c, nil
}

// GetAgent fetches an agent row (seeded externally).
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, goal, model, system_prompt, created_at
		FROM agents WHERE id = ?`, id)

	var a Agent
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Goal, &a.Model, &a.SystemPrompt, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select agent: %w", err)
	}
	return &a, nil
}

// SeedAgent inserts an agent row if absent. Used by setup tooling and tests.
func (s *Store) SeedAgent(ctx context.Context, a *Agent) error {
	if a.ID == "" || a.UserID == "" {
		return errors.New("agent requires id and user id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, user_id, name, goal, model, system_prompt)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		a.ID, a.UserID, a.Name, a.Goal, a.Model, a.SystemPrompt,
	)
	if err != nil {
		return fmt.Errorf("seed agent: %w", err)
	}
	return nil
}
