package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/adiwarna/loom/internal/tracing"
)

// CreateJob inserts a new job.
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.AgentID == "" {
		return errors.New("job requires an agent id")
	}
	if j.Status == "" {
		j.Status = JobActive
	}
	if j.TriggerConfig == "" {
		j.TriggerConfig = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, agent_id, title, goal, status, toolkit_slug, trigger_slug,
			connected_account_id, subscription_id, trigger_config, thread_id, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?)`,
		j.ID, j.AgentID, j.Title, j.Goal, string(j.Status), j.ToolkitSlug, j.TriggerSlug,
		j.ConnectedAccountID, j.SubscriptionID, j.TriggerConfig, j.ThreadID, j.NextRunAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.scanJob(s.db.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, id))
}

const jobSelect = `
	SELECT id, agent_id, title, goal, status, toolkit_slug, trigger_slug,
		connected_account_id, subscription_id, trigger_config, COALESCE(thread_id, ''),
		last_run_at, next_run_at, created_at
	FROM jobs`

// ListDueJobs returns active jobs whose next_run_at has passed. Candidates
// only: callers must win ClaimDueJob before executing.
func (s *Store) ListDueJobs(ctx context.Context, now time.Time) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		jobSelect+` WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?`,
		string(JobActive), now)
	if err != nil {
		return nil, fmt.Errorf("select due jobs: %w", err)
	}
	defer rows.Close()
	return s.collectJobs(rows)
}

// ClaimDueJob stamps last_run_at and the recomputed next_run_at in one
// conditional update. It reports true only when this caller won the claim,
// so overlapping scheduler scans fire each due job exactly once.
func (s *Store) ClaimDueJob(ctx context.Context, jobID string, now, nextRunAt time.Time) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "loom.store", "store.claim_due_job",
		attribute.String("job_id", jobID))
	defer span.End()

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET last_run_at = ?, next_run_at = ?
		WHERE id = ? AND status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?`,
		now, nextRunAt, jobID, string(JobActive), now)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MatchActiveJobs finds active jobs bound to a (toolkit, trigger, connected
// account) combination, the matching rule for inbound trigger events.
func (s *Store) MatchActiveJobs(ctx context.Context, toolkitSlug, triggerSlug, connectedAccountID string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		jobSelect+` WHERE status = ? AND toolkit_slug = ? AND trigger_slug = ? AND connected_account_id = ?`,
		string(JobActive), toolkitSlug, triggerSlug, connectedAccountID)
	if err != nil {
		return nil, fmt.Errorf("match jobs: %w", err)
	}
	defer rows.Close()
	return s.collectJobs(rows)
}

// SetJobStatus pauses or resumes a job.
func (s *Store) SetJobStatus(ctx context.Context, jobID string, status JobStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE id = ?`, string(status), jobID)
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetJobThread records the ambient thread a job executes on.
func (s *Store) SetJobThread(ctx context.Context, jobID, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET thread_id = ? WHERE id = ?`, threadID, jobID)
	return err
}

// DeleteJob removes a job row. Unregistering the external trigger
// subscription is the dispatcher's responsibility.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var status string
	var lastRun, nextRun sql.NullTime
	err := row.Scan(&j.ID, &j.AgentID, &j.Title, &j.Goal, &status, &j.ToolkitSlug,
		&j.TriggerSlug, &j.ConnectedAccountID, &j.SubscriptionID, &j.TriggerConfig,
		&j.ThreadID, &lastRun, &nextRun, &j.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}
	j.Status = JobStatus(status)
	if lastRun.Valid {
		t := lastRun.Time
		j.LastRunAt = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		j.NextRunAt = &t
	}
	return &j, nil
}

func (s *Store) collectJobs(rows *sql.Rows) ([]Job, error) {
	var out []Job
	for rows.Next() {
		var j Job
		var status string
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&j.ID, &j.AgentID, &j.Title, &j.Goal, &status, &j.ToolkitSlug,
			&j.TriggerSlug, &j.ConnectedAccountID, &j.SubscriptionID, &j.TriggerConfig,
			&j.ThreadID, &lastRun, &nextRun, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Status = JobStatus(status)
		if lastRun.Valid {
			t := lastRun.Time
			j.LastRunAt = &t
		}
		if nextRun.Valid {
			t := nextRun.Time
			j.NextRunAt = &t
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
