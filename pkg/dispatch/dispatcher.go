// Package dispatch turns schedules and inbound trigger events into ambient
// run executions: it claims due jobs, matches trigger events to jobs, and
// drives each execution through the HITL controller on a queue lane.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/adiwarna/loom/internal/observability"
	"github.com/adiwarna/loom/internal/tracing"
	"github.com/adiwarna/loom/pkg/execqueue"
	"github.com/adiwarna/loom/pkg/hitl"
	"github.com/adiwarna/loom/pkg/message"
	"github.com/adiwarna/loom/pkg/store"
	"github.com/adiwarna/loom/pkg/stream"
	"github.com/adiwarna/loom/pkg/toolkit"
)

// ControllerFactory builds a HITL controller bound to one agent's model and
// tools. The dispatcher calls it once per execution.
type ControllerFactory func(ctx context.Context, agent *store.Agent) (*hitl.Controller, error)

// Dispatcher owns the scheduler scan and trigger-event fan-out.
type Dispatcher struct {
	store    *store.Store
	queue    *execqueue.Queue
	factory  ControllerFactory
	provider toolkit.Provider
	logger   zerolog.Logger
}

// New creates a dispatcher. provider may be nil when trigger subscriptions
// are managed elsewhere.
func New(s *store.Store, q *execqueue.Queue, factory ControllerFactory, provider toolkit.Provider, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    s,
		queue:    q,
		factory:  factory,
		provider: provider,
		logger:   logger,
	}
}

// OnScheduleTick scans for due jobs and fires each at most once. The claim
// stamps last_run_at and the recomputed next_run_at before anything is
// enqueued, so an overlapping scan loses the conditional update and skips
// the job. Per-job failures are logged and the scan continues.
func (d *Dispatcher) OnScheduleTick(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "loom.dispatch", "dispatch.schedule_tick")
	defer span.End()

	now := time.Now().UTC()
	due, err := d.store.ListDueJobs(ctx, now)
	if err != nil {
		d.logger.Error().Err(err).Msg("Due job scan failed")
		return
	}
	span.SetAttributes(attribute.Int("due_jobs", len(due)))

	for i := range due {
		job := due[i]
		next := NextRunAt(job.TriggerConfig, now)
		won, err := d.store.ClaimDueJob(ctx, job.ID, now, next)
		if err != nil {
			d.logger.Error().Err(err).Str("jobId", job.ID).Msg("Job claim failed")
			continue
		}
		if !won {
			continue
		}
		observability.RecordJobClaimed()

		payload := map[string]any{
			"source": "schedule",
			"title":  job.Title,
		}
		go d.enqueueExecution(context.WithoutCancel(ctx), job, payload, true)
	}
}

// OnTriggerEvent matches an inbound platform event to active jobs and fires
// one execution per match, each on a fresh thread. Events whose connected
// account is unknown are dropped without side effects.
func (d *Dispatcher) OnTriggerEvent(ctx context.Context, toolkitSlug, triggerSlug, connectedAccountID string, payload map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "loom.dispatch", "dispatch.trigger_event",
		attribute.String("toolkit", toolkitSlug),
		attribute.String("trigger", triggerSlug))
	defer span.End()

	conn, err := d.store.GetConnection(ctx, connectedAccountID)
	if err != nil {
		observability.RecordTriggerEvent(false)
		d.logger.Warn().
			Str("connectedAccountId", connectedAccountID).
			Str("trigger", triggerSlug).
			Msg("Trigger event for unknown connected account dropped")
		return nil
	}

	jobs, err := d.store.MatchActiveJobs(ctx, toolkitSlug, triggerSlug, connectedAccountID)
	if err != nil {
		return fmt.Errorf("match jobs: %w", err)
	}

	matched := 0
	for i := range jobs {
		job := jobs[i]
		agent, err := d.store.GetAgent(ctx, job.AgentID)
		if err != nil {
			d.logger.Error().Err(err).Str("jobId", job.ID).Msg("Job agent missing")
			continue
		}
		// The event must belong to the same user that owns the job.
		if agent.UserID != conn.UserID {
			continue
		}
		matched++
		go d.enqueueExecution(context.WithoutCancel(ctx), job, payload, false)
	}

	observability.RecordTriggerEvent(matched > 0)
	d.logger.Info().
		Str("toolkit", toolkitSlug).
		Str("trigger", triggerSlug).
		Int("matched", matched).
		Msg("Trigger event dispatched")
	return nil
}

// enqueueExecution runs a job on the ambient lane. The caller passes a
// context detached from the originating request or tick: the execution must
// outlive the webhook handler that triggered it. reuseThread keeps scheduled
// jobs on their dedicated thread; trigger events always get a fresh one.
func (d *Dispatcher) enqueueExecution(ctx context.Context, job store.Job, payload map[string]any, reuseThread bool) {
	_, err := d.queue.Enqueue(ctx, execqueue.AmbientLane, func(taskCtx context.Context) (any, error) {
		return nil, d.runJob(taskCtx, job, payload, reuseThread)
	}, nil)
	if err != nil {
		d.logger.Error().Err(err).Str("jobId", job.ID).Msg("Job execution failed")
	}
}

// seedPayload is the first user message of an ambient run.
type seedPayload struct {
	Type          string         `json:"type"`
	CorrelationID string         `json:"correlationId"`
	Payload       map[string]any `json:"payload"`
	JobGoal       string         `json:"jobGoal"`
}

// runJob executes one job end to end: resolve the thread, persist the seed
// message, drive the controller through a stream bridge, and file the
// result in the inbox. On suspension the controller has already filed the
// review request; no job_result item is written.
func (d *Dispatcher) runJob(ctx context.Context, job store.Job, payload map[string]any, reuseThread bool) error {
	correlationID := uuid.NewString()
	ctx = tracing.WithTraceID(ctx, correlationID)

	agent, err := d.store.GetAgent(ctx, job.AgentID)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}

	threadID := job.ThreadID
	if !reuseThread || threadID == "" {
		thread := &store.Thread{
			UserID:    agent.UserID,
			AgentID:   agent.ID,
			Title:     job.Title,
			IsAmbient: true,
		}
		if err := d.store.CreateThread(ctx, thread); err != nil {
			return fmt.Errorf("create ambient thread: %w", err)
		}
		threadID = thread.ID
		if reuseThread {
			if err := d.store.SetJobThread(ctx, job.ID, threadID); err != nil {
				d.logger.Warn().Err(err).Str("jobId", job.ID).Msg("Failed to pin job thread")
			}
		}
	}

	seed := seedPayload{
		Type:          "ambient_seed",
		CorrelationID: correlationID,
		Payload:       payload,
		JobGoal:       job.Goal,
	}
	seedJSON, err := json.Marshal(seed)
	if err != nil {
		return fmt.Errorf("encode seed: %w", err)
	}
	seedMsg := message.User(string(seedJSON))
	if _, err := d.store.AppendMessage(ctx, threadID, seedMsg); err != nil {
		return fmt.Errorf("persist seed message: %w", err)
	}

	ctl, err := d.factory(ctx, agent)
	if err != nil {
		return fmt.Errorf("build controller: %w", err)
	}

	cfg := parseTriggerConfig(job.TriggerConfig)
	bridge := stream.NewBridge(0)
	bridge.Publish(stream.RunStatus(stream.StatusRunning))
	accumulated := make(chan string, 1)
	go func() {
		accumulated <- stream.Accumulate(bridge.Events())
	}()

	res, runErr := ctl.Start(ctx, hitl.StartParams{
		ThreadID:      threadID,
		CorrelationID: correlationID,
		Messages:      []message.Message{seedMsg},
		ReviewFirst:   cfg.ReviewFirst,
		ReviewPayload: payload,
		Sink:          bridge,
	})
	if runErr != nil {
		bridge.Fail(runErr)
	} else {
		bridge.End()
	}
	transcript := <-accumulated

	if runErr != nil {
		d.fileResult(ctx, agent, threadID, "", correlationID, job, map[string]any{
			"error": runErr.Error(),
		}, "Job failed")
		return runErr
	}

	switch res.Status {
	case store.RunWaitingHuman:
		// Review request already filed by the controller.
		return nil
	case store.RunSucceeded:
		d.fileResult(ctx, agent, threadID, res.RunID, correlationID, job, map[string]any{
			"result":     res.FinalText,
			"transcript": transcript,
		}, "Job completed")
		return nil
	default:
		return fmt.Errorf("unexpected run status %q", res.Status)
	}
}

func (d *Dispatcher) fileResult(ctx context.Context, agent *store.Agent, threadID, runID, correlationID string, job store.Job, body map[string]any, title string) {
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		bodyJSON = []byte("{}")
	}
	item := &store.InboxItem{
		UserID:        agent.UserID,
		AgentID:       agent.ID,
		ThreadID:      threadID,
		RunID:         runID,
		CorrelationID: correlationID,
		Title:         fmt.Sprintf("%s: %s", title, job.Title),
		Body:          string(bodyJSON),
		ItemType:      store.InboxJobResult,
	}
	if err := d.store.CreateInboxItem(ctx, item); err != nil {
		d.logger.Error().Err(err).Str("jobId", job.ID).Msg("Failed to file job result")
	}
}

// PauseJob stops a job from being scheduled or matched.
func (d *Dispatcher) PauseJob(ctx context.Context, jobID string) error {
	return d.store.SetJobStatus(ctx, jobID, store.JobPaused)
}

// ResumeJob reactivates a paused job.
func (d *Dispatcher) ResumeJob(ctx context.Context, jobID string) error {
	return d.store.SetJobStatus(ctx, jobID, store.JobActive)
}

// DeleteJob removes a job, unregistering its trigger subscription first.
// Unregistration is best effort; a platform failure never blocks deletion.
func (d *Dispatcher) DeleteJob(ctx context.Context, jobID string) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if d.provider != nil && job.SubscriptionID != "" {
		if err := d.provider.UnregisterSubscription(ctx, job.SubscriptionID); err != nil {
			d.logger.Warn().Err(err).
				Str("jobId", jobID).
				Str("subscriptionId", job.SubscriptionID).
				Msg("Failed to unregister trigger subscription")
		}
	}
	return d.store.DeleteJob(ctx, jobID)
}
