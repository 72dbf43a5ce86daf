// Package hitl coordinates human-in-the-loop runs: it drives the engine,
// checkpoints suspensions, parks the run as waiting_human with an inbox
// review request, and resumes from the checkpoint when the human answers.
package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/adiwarna/loom/internal/observability"
	"github.com/adiwarna/loom/internal/tracing"
	"github.com/adiwarna/loom/pkg/checkpoint"
	"github.com/adiwarna/loom/pkg/engine"
	"github.com/adiwarna/loom/pkg/message"
	"github.com/adiwarna/loom/pkg/store"
	"github.com/adiwarna/loom/pkg/toolkit"
)

// ErrNoSuspendedRun is returned when a resume finds nothing to resume:
// no checkpoint, or the run is not waiting for a human (including losing a
// concurrent resume race).
var ErrNoSuspendedRun = errors.New("no suspended run")

// ErrResponseNotAllowed is returned when the reviewer's response type is not
// permitted by the approval config captured at suspension time.
var ErrResponseNotAllowed = errors.New("response type not allowed")

// Human response types.
const (
	ResponseAccept  = "accept"
	ResponseEdit    = "edit"
	ResponseRespond = "response"
	ResponseIgnore  = "ignore"
)

// HumanResponse is the reviewer's decision on a suspended run.
type HumanResponse struct {
	Type string         `json:"type"`
	Args map[string]any `json:"args,omitempty"`
}

// Respond wraps free text in a response-typed HumanResponse.
func Respond(text string) HumanResponse {
	return HumanResponse{Type: ResponseRespond, Args: map[string]any{"text": text}}
}

// fold renders the response as history content, matching the
// "HITL response: <type> <args>" shape the model is prompted around.
func (r HumanResponse) fold() string {
	if len(r.Args) == 0 {
		return "HITL response: " + r.Type
	}
	args, err := json.Marshal(r.Args)
	if err != nil {
		return "HITL response: " + r.Type
	}
	return fmt.Sprintf("HITL response: %s %s", r.Type, args)
}

var responseAllowKeys = map[string]string{
	ResponseAccept:  "allow_accept",
	ResponseEdit:    "allow_edit",
	ResponseRespond: "allow_respond",
	ResponseIgnore:  "allow_ignore",
}

// responseAllowed checks a response type against the approval config stored
// with the suspension checkpoint. Checkpoints without one allow all types.
func responseAllowed(meta map[string]any, respType string) bool {
	key, ok := responseAllowKeys[respType]
	if !ok {
		return false
	}
	cfg, ok := meta["config"].(map[string]any)
	if !ok {
		return true
	}
	allowed, ok := cfg[key].(bool)
	return !ok || allowed
}

// Controller wraps an executor with persistence.
type Controller struct {
	store  *store.Store
	ckpt   *checkpoint.Store
	exec   *engine.Executor
	logger zerolog.Logger
}

// New creates a controller.
func New(s *store.Store, cs *checkpoint.Store, exec *engine.Executor, logger zerolog.Logger) *Controller {
	return &Controller{store: s, ckpt: cs, exec: exec, logger: logger}
}

// StartParams describes one run entry.
type StartParams struct {
	ThreadID      string
	RunID         string // empty: the controller creates the run
	AgentID       string
	CorrelationID string
	Messages      []message.Message

	// ReviewFirst suspends before the first model call, asking the human
	// to review the triggering payload. Used by ambient runs.
	ReviewFirst   bool
	ReviewPayload map[string]any

	Sink engine.Sink
}

// Result is the outcome of Start or Resume.
type Result struct {
	RunID        string
	Status       store.RunStatus
	FinalText    string
	CheckpointID string
	Envelope     *engine.ApprovalEnvelope
}

// Start drives a run from fresh history. A suspension is a normal result,
// not an error; engine errors mark the run failed and propagate.
func (c *Controller) Start(ctx context.Context, p StartParams) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "loom.hitl", "hitl.start",
		attribute.String("thread_id", p.ThreadID))
	defer span.End()

	runID := p.RunID
	if runID == "" {
		run := &store.Run{ThreadID: p.ThreadID, CorrelationID: p.CorrelationID}
		if err := c.store.CreateRun(ctx, run); err != nil {
			return nil, err
		}
		runID = run.ID
	}
	ctx = tracing.WithRunID(ctx, runID)
	started := time.Now()

	if p.ReviewFirst {
		env := engine.ReviewEnvelope(p.ReviewPayload)
		return c.suspend(ctx, p.ThreadID, runID, p.AgentID, p.CorrelationID, checkpoint.State{
			Messages: p.Messages,
			Turn:     0,
		}, env, "")
	}

	out, err := c.exec.Run(ctx, engine.Input{Messages: p.Messages, Sink: p.Sink})
	if err != nil {
		c.failRun(ctx, runID, err)
		observability.RecordRun(string(store.RunFailed), time.Since(started))
		return nil, err
	}

	if out.State == engine.Suspended {
		return c.suspend(ctx, p.ThreadID, runID, p.AgentID, p.CorrelationID, checkpoint.State{
			Messages: out.Messages,
			Turn:     out.Turns,
		}, out.Suspension.Envelope, out.Suspension.ToolCallID)
	}

	res, err := c.complete(ctx, p.ThreadID, runID, out)
	if err == nil {
		observability.RecordRun(string(store.RunSucceeded), time.Since(started))
	}
	return res, err
}

// Resume re-enters a suspended run from its latest checkpoint. The human
// response settles the pending approval tool call (or, for review-first
// suspensions, becomes a user message), so the model never sees a tool call
// without a result. Exactly one caller wins a concurrent resume; the rest
// get ErrNoSuspendedRun.
func (c *Controller) Resume(ctx context.Context, threadID, runID string, response HumanResponse, sink engine.Sink) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "loom.hitl", "hitl.resume",
		attribute.String("thread_id", threadID),
		attribute.String("run_id", runID))
	defer span.End()
	ctx = tracing.WithRunID(ctx, runID)

	if response.Type == "" {
		response.Type = ResponseRespond
	}

	tup, err := c.ckpt.GetLatest(ctx, threadID, "")
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		return nil, ErrNoSuspendedRun
	}
	if err != nil {
		return nil, err
	}
	if tup.Degraded {
		return nil, fmt.Errorf("checkpoint %s is degraded and cannot be resumed", tup.ID)
	}
	if !responseAllowed(tup.Metadata, response.Type) {
		return nil, fmt.Errorf("%w: %q", ErrResponseNotAllowed, response.Type)
	}

	ok, err := c.store.UpdateRunStatusCAS(ctx, runID, store.RunWaitingHuman, store.RunRunning)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSuspendedRun
	}
	started := time.Now()
	observability.RecordRunAudit(ctx, runID, "", "run_resumed", "success", nil)

	thread, err := c.store.GetThread(ctx, threadID)
	if err != nil {
		c.failRun(ctx, runID, err)
		return nil, err
	}

	history := append([]message.Message{}, tup.State.Messages...)
	human := foldResponse(tup.Metadata, response)
	history = append(history, human)
	if _, err := c.store.AppendMessage(ctx, threadID, human); err != nil {
		c.failRun(ctx, runID, err)
		return nil, err
	}

	out, err := c.exec.Run(ctx, engine.Input{
		Messages:  history,
		StartTurn: tup.State.Turn,
		Sink:      sink,
	})
	if err != nil {
		c.failRun(ctx, runID, err)
		observability.RecordRun(string(store.RunFailed), time.Since(started))
		if thread.IsAmbient {
			c.fileJobResult(ctx, thread, runID, "Job failed", map[string]any{"error": err.Error()})
		}
		return nil, err
	}

	if out.State == engine.Suspended {
		return c.suspend(ctx, threadID, runID, thread.AgentID, "", checkpoint.State{
			Messages: out.Messages,
			Turn:     out.Turns,
		}, out.Suspension.Envelope, out.Suspension.ToolCallID)
	}

	res, err := c.complete(ctx, threadID, runID, out)
	if err != nil {
		return nil, err
	}
	observability.RecordRun(string(store.RunSucceeded), time.Since(started))

	// Interactive resumes get the result on the live stream; only ambient
	// outcomes land in the inbox.
	if thread.IsAmbient {
		c.fileJobResult(ctx, thread, runID, "Job completed", map[string]any{"result": out.FinalText})
	}
	return res, nil
}

// foldResponse turns the human response into the message the loop re-enters
// with: a tool result settling the pending approval call, or a user message
// when the suspension had none (review-first).
func foldResponse(meta map[string]any, response HumanResponse) message.Message {
	content := response.fold()
	callID, _ := meta["tool_call_id"].(string)
	if callID == "" {
		return message.User(content)
	}
	action, _ := meta["action"].(string)
	if action == "" {
		action = toolkit.RequestHumanToolName
	}
	return message.ToolResult(callID, action, content)
}

func (c *Controller) fileJobResult(ctx context.Context, thread *store.Thread, runID, title string, body map[string]any) {
	item := &store.InboxItem{
		UserID:   thread.UserID,
		AgentID:  thread.AgentID,
		ThreadID: thread.ID,
		RunID:    runID,
		Title:    title,
		Body:     mustJSON(body),
		ItemType: store.InboxJobResult,
	}
	if err := c.store.CreateInboxItem(ctx, item); err != nil {
		c.logger.Warn().Err(err).Str("runId", runID).Msg("Failed to create job result inbox item")
	}
}

// suspend checkpoints state, parks the run, and files the review request.
func (c *Controller) suspend(ctx context.Context, threadID, runID, agentID, correlationID string,
	state checkpoint.State, env engine.ApprovalEnvelope, toolCallID string) (*Result, error) {

	ckptID, err := c.ckpt.Put(ctx, threadID, state, map[string]any{
		"reason":       "human_review",
		"tool_call_id": toolCallID,
		"action":       env.ActionRequest.Action,
		"config":       env.Config,
	})
	if err != nil {
		c.failRun(ctx, runID, err)
		return nil, err
	}

	ok, err := c.store.UpdateRunStatusCAS(ctx, runID, store.RunRunning, store.RunWaitingHuman)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("run %s is not running, cannot suspend", runID)
	}

	thread, err := c.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	title := "Needs Review"
	if t, ok := env.ActionRequest.Args["title"].(string); ok && t != "" {
		title = t
	}
	item := &store.InboxItem{
		UserID:        thread.UserID,
		AgentID:       agentID,
		ThreadID:      threadID,
		RunID:         runID,
		CorrelationID: correlationID,
		Title:         title,
		Body:          mustJSON(env),
		ItemType:      store.InboxHumanActionRequest,
	}
	if err := c.store.CreateInboxItem(ctx, item); err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("runId", runID).
		Str("checkpointId", ckptID).
		Str("action", env.ActionRequest.Action).
		Msg("Run suspended for human review")
	observability.RecordRunAudit(ctx, runID, thread.UserID, "run_suspended", "pending", map[string]any{
		"checkpoint_id": ckptID,
		"action":        env.ActionRequest.Action,
	})

	envCopy := env
	return &Result{
		RunID:        runID,
		Status:       store.RunWaitingHuman,
		CheckpointID: ckptID,
		Envelope:     &envCopy,
	}, nil
}

// complete checkpoints the final state, finishes the run, and persists the
// single final assistant message.
func (c *Controller) complete(ctx context.Context, threadID, runID string, out *engine.Outcome) (*Result, error) {
	ckptID, err := c.ckpt.Put(ctx, threadID, checkpoint.State{
		Messages: out.Messages,
		Turn:     out.Turns,
	}, map[string]any{"reason": "completed"})
	if err != nil {
		c.failRun(ctx, runID, err)
		return nil, err
	}

	ok, err := c.store.UpdateRunStatusCAS(ctx, runID, store.RunRunning, store.RunSucceeded)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("run %s is not running, cannot complete", runID)
	}

	if _, err := c.store.AppendMessage(ctx, threadID, message.Assistant(out.FinalText)); err != nil {
		return nil, err
	}

	return &Result{
		RunID:        runID,
		Status:       store.RunSucceeded,
		FinalText:    out.FinalText,
		CheckpointID: ckptID,
	}, nil
}

func (c *Controller) failRun(ctx context.Context, runID string, cause error) {
	if err := c.store.FinishRun(ctx, runID, store.RunFailed, cause.Error()); err != nil {
		c.logger.Error().Err(err).Str("runId", runID).Msg("Failed to mark run failed")
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
