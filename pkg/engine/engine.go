// Package engine drives the tool-calling conversation loop: call the model,
// execute requested tools, fold results back into the history, repeat until
// the model answers in plain text, the turn budget runs out, or a tool
// requiring human approval suspends the run.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/adiwarna/loom/internal/observability"
	"github.com/adiwarna/loom/internal/tracing"
	"github.com/adiwarna/loom/pkg/llm"
	"github.com/adiwarna/loom/pkg/message"
	"github.com/adiwarna/loom/pkg/stream"
	"github.com/adiwarna/loom/pkg/toolkit"
)

var (
	// ErrEmptyHistory is returned when the loop is entered with no messages.
	ErrEmptyHistory = errors.New("empty message history")

	// ErrMaxTurns is returned when the loop exceeds its turn budget.
	ErrMaxTurns = errors.New("max turns exceeded")
)

// Outcome states.
type OutcomeState string

const (
	Completed OutcomeState = "completed"
	Suspended OutcomeState = "suspended"
)

// ActionRequest names the action a human is asked to review.
type ActionRequest struct {
	Action string         `json:"action"`
	Args   map[string]any `json:"args"`
}

// ApprovalConfig declares which responses the reviewer may choose.
type ApprovalConfig struct {
	AllowIgnore  bool `json:"allow_ignore"`
	AllowRespond bool `json:"allow_respond"`
	AllowEdit    bool `json:"allow_edit"`
	AllowAccept  bool `json:"allow_accept"`
}

// ApprovalEnvelope is the human review request attached to a suspension.
type ApprovalEnvelope struct {
	ActionRequest ActionRequest  `json:"action_request"`
	Config        ApprovalConfig `json:"config"`
	Description   string         `json:"description"`
}

// Suspension records why and where a run paused.
type Suspension struct {
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Envelope   ApprovalEnvelope `json:"envelope"`
}

// Outcome is the result of one loop entry.
type Outcome struct {
	State      OutcomeState
	FinalText  string
	Messages   []message.Message
	Suspension *Suspension
	Turns      int
}

// Config bounds the loop.
type Config struct {
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	MaxTurns     int
	ModelTimeout time.Duration
	ToolTimeout  time.Duration
}

// Defaults for unset config fields.
const (
	DefaultMaxTurns     = 10
	DefaultModelTimeout = 60 * time.Second
	DefaultToolTimeout  = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = DefaultModelTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	return c
}

// Sink receives loop events. *stream.Bridge satisfies it; a nil sink
// discards events.
type Sink interface {
	Publish(stream.Event)
}

// Executor runs the loop against a bound model client and tool registry.
type Executor struct {
	client llm.Client
	tools  *toolkit.Registry
	cfg    Config
	logger zerolog.Logger
}

// New creates an executor.
func New(client llm.Client, tools *toolkit.Registry, cfg Config, logger zerolog.Logger) *Executor {
	return &Executor{
		client: client,
		tools:  tools,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Input is one loop entry. StartTurn carries the turn counter across a
// suspend/resume boundary so resumed runs keep their original budget.
type Input struct {
	Messages  []message.Message
	StartTurn int
	Sink      Sink
}

// Run executes the loop until completion, suspension, or error.
func (e *Executor) Run(ctx context.Context, in Input) (*Outcome, error) {
	if len(in.Messages) == 0 {
		return nil, ErrEmptyHistory
	}

	ctx, span := tracing.StartSpan(ctx, "loom.engine", "engine.run",
		attribute.Int("start_turn", in.StartTurn),
		attribute.String("provider", e.client.Provider()))
	defer span.End()

	history := make([]message.Message, len(in.Messages))
	copy(history, in.Messages)

	sink := in.Sink
	turn := in.StartTurn

	for {
		if turn >= e.cfg.MaxTurns {
			span.SetStatus(codes.Error, ErrMaxTurns.Error())
			return nil, fmt.Errorf("%w after %d turns", ErrMaxTurns, turn)
		}
		turn++

		resp, err := e.callModel(ctx, history, sink)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		assistant := message.Message{
			Role:      message.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			Timestamp: time.Now(),
		}
		history = append(history, assistant)

		if len(resp.ToolCalls) == 0 {
			e.logger.Debug().Int("turns", turn).Msg("Loop completed")
			return &Outcome{
				State:     Completed,
				FinalText: resp.Content,
				Messages:  history,
				Turns:     turn,
			}, nil
		}

		if pending := firstApprovalCall(e.tools, resp.ToolCalls); pending != nil {
			// Settle every other call in the batch before suspending so
			// the checkpointed history leaves only the pending call
			// without a result. The resume injects that result.
			for _, call := range resp.ToolCalls {
				if call.ID == pending.ID {
					continue
				}
				if def := e.tools.Get(call.Name); def != nil && def.RequiresApproval {
					history = append(history, message.ToolResult(call.ID, call.Name,
						"Deferred: another call in this turn is awaiting human review."))
					continue
				}
				history = append(history, e.executeTool(ctx, call, sink))
			}
			e.logger.Info().
				Str("tool", pending.Name).
				Int("turn", turn).
				Msg("Suspending for human approval")
			return &Outcome{
				State:    Suspended,
				Messages: history,
				Turns:    turn,
				Suspension: &Suspension{
					ToolCallID: pending.ID,
					Envelope:   approvalEnvelope(*pending),
				},
			}, nil
		}

		for _, call := range resp.ToolCalls {
			history = append(history, e.executeTool(ctx, call, sink))
		}
	}
}

// callModel streams one completion within the per-call timeout, retrying
// transient failures.
func (e *Executor) callModel(ctx context.Context, history []message.Message, sink Sink) (*llm.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ModelTimeout)
	defer cancel()

	onDelta := func(delta string) {
		if sink != nil {
			sink.Publish(stream.Delta(delta))
		}
	}

	start := time.Now()
	resp, err := llm.WithRetry(callCtx, llm.DefaultMaxAttempts, func() (*llm.Response, error) {
		return e.client.Stream(callCtx, llm.Request{
			Model:        e.cfg.Model,
			SystemPrompt: e.cfg.SystemPrompt,
			Messages:     history,
			Tools:        e.tools.Specs(),
			Temperature:  e.cfg.Temperature,
			MaxTokens:    e.cfg.MaxTokens,
		}, onDelta)
	})
	observability.RecordModelCall(e.client.Provider(), time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}
	return resp, nil
}

// executeTool runs one tool call within the tool timeout. Failures become a
// tool-role message carrying the error text; the loop always continues.
func (e *Executor) executeTool(ctx context.Context, call message.ToolCall, sink Sink) message.Message {
	if sink != nil {
		sink.Publish(stream.NewToolEvent(stream.ToolStart, map[string]any{
			"tool": call.Name,
			"args": call.Args,
		}))
	}

	toolCtx, cancel := context.WithTimeout(ctx, e.cfg.ToolTimeout)
	defer cancel()

	start := time.Now()
	out, err := e.tools.Invoke(toolCtx, call.Name, call.Args)
	observability.RecordToolExecution(call.Name, time.Since(start), err == nil)

	if err != nil {
		e.logger.Warn().Str("tool", call.Name).Err(err).Msg("Tool failed")
		if sink != nil {
			sink.Publish(stream.NewToolEvent(stream.ToolError, map[string]any{
				"tool":  call.Name,
				"error": err.Error(),
			}))
		}
		return message.ToolError(call.ID, call.Name, err)
	}

	content := marshalToolOutput(out)
	if sink != nil {
		sink.Publish(stream.NewToolEvent(stream.ToolEnd, map[string]any{
			"tool":   call.Name,
			"output": out,
		}))
	}
	return message.ToolResult(call.ID, call.Name, content)
}

func marshalToolOutput(out any) string {
	switch v := out.(type) {
	case nil:
		return "null"
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// firstApprovalCall returns the first call in the batch whose tool requires
// human approval, or nil.
func firstApprovalCall(tools *toolkit.Registry, calls []message.ToolCall) *message.ToolCall {
	for i := range calls {
		if def := tools.Get(calls[i].Name); def != nil && def.RequiresApproval {
			return &calls[i]
		}
	}
	return nil
}

func approvalEnvelope(call message.ToolCall) ApprovalEnvelope {
	description := "Assistant requested human review."
	if reason, ok := call.Args["reason"].(string); ok && reason != "" {
		description = reason
	}
	return ApprovalEnvelope{
		ActionRequest: ActionRequest{Action: call.Name, Args: call.Args},
		Config: ApprovalConfig{
			AllowIgnore:  true,
			AllowRespond: true,
			AllowEdit:    true,
			AllowAccept:  true,
		},
		Description: description,
	}
}

// ReviewEnvelope is the interrupt-first envelope used by ambient runs that
// suspend before their first model call.
func ReviewEnvelope(payload map[string]any) ApprovalEnvelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return ApprovalEnvelope{
		ActionRequest: ActionRequest{Action: "Review Payload", Args: payload},
		Config: ApprovalConfig{
			AllowIgnore:  true,
			AllowRespond: true,
			AllowEdit:    true,
			AllowAccept:  true,
		},
		Description: "Review incoming ambient job payload.",
	}
}
