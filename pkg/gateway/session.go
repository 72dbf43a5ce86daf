package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/adiwarna/loom/pkg/hitl"
	"github.com/adiwarna/loom/pkg/message"
	"github.com/adiwarna/loom/pkg/store"
	"github.com/adiwarna/loom/pkg/stream"
)

// inboundFrame is a client request over the socket.
//
//	{"type":"message","text":"..."}                             start a turn
//	{"type":"resume","run_id":"...",
//	 "response":{"type":"accept|edit|response|ignore","args":{}}}  resume
type inboundFrame struct {
	Type     string              `json:"type"`
	Text     string              `json:"text,omitempty"`
	RunID    string              `json:"run_id,omitempty"`
	Response *hitl.HumanResponse `json:"response,omitempty"`
}

// errorFrame reports a protocol-level failure outside any run.
type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// session is one WebSocket client bound to one thread.
type session struct {
	id      string
	conn    *websocket.Conn
	srv     *Server
	thread  *store.Thread
	agent   *store.Agent
	lane    string
	writeMu sync.Mutex
}

func (c *session) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// readLoop processes inbound frames until the client disconnects. Turns run
// sequentially on the thread's queue lane, so a second frame arriving
// mid-turn waits its turn rather than interleaving.
func (c *session) readLoop() {
	defer func() {
		c.conn.Close()
		c.srv.cfg.Logger.Info().Str("clientId", c.id).Msg("Stream client disconnected")
	}()

	for {
		var frame inboundFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case "message":
			if frame.Text == "" {
				c.writeJSON(errorFrame{Type: "error", Error: "message frame requires text"})
				continue
			}
			c.runTurn(context.Background(), frame.Text)
		case "resume":
			if frame.RunID == "" {
				c.writeJSON(errorFrame{Type: "error", Error: "resume frame requires run_id"})
				continue
			}
			if frame.Response == nil {
				c.writeJSON(errorFrame{Type: "error", Error: "resume frame requires response"})
				continue
			}
			c.resume(context.Background(), frame.RunID, *frame.Response)
		default:
			c.writeJSON(errorFrame{Type: "error", Error: "unknown frame type"})
		}
	}
}

// runTurn persists the user message and drives one executor pass over the
// thread's full history, relaying stream events to the socket.
func (c *session) runTurn(ctx context.Context, text string) {
	userMsg := message.User(text)
	if _, err := c.srv.cfg.Store.AppendMessage(ctx, c.thread.ID, userMsg); err != nil {
		c.writeJSON(errorFrame{Type: "error", Error: "failed to persist message"})
		return
	}

	history, err := c.loadHistory(ctx)
	if err != nil {
		c.writeJSON(errorFrame{Type: "error", Error: "failed to load history"})
		return
	}

	c.drive(ctx, func(taskCtx context.Context, ctl *hitl.Controller, bridge *stream.Bridge) (*hitl.Result, error) {
		return ctl.Start(taskCtx, hitl.StartParams{
			ThreadID:      c.thread.ID,
			AgentID:       c.agent.ID,
			CorrelationID: uuid.NewString(),
			Messages:      history,
			Sink:          bridge,
		})
	})
}

// resume feeds a human response into a suspended run.
func (c *session) resume(ctx context.Context, runID string, response hitl.HumanResponse) {
	c.drive(ctx, func(taskCtx context.Context, ctl *hitl.Controller, bridge *stream.Bridge) (*hitl.Result, error) {
		return ctl.Resume(taskCtx, c.thread.ID, runID, response, bridge)
	})
}

// drive executes one controller pass on the thread lane and relays its
// bridge to the socket. Failures become an inline error delta; every pass
// terminates with run_status:end.
func (c *session) drive(ctx context.Context, pass func(context.Context, *hitl.Controller, *stream.Bridge) (*hitl.Result, error)) {
	bridge := stream.NewBridge(0)
	bridge.Publish(stream.RunStatus(stream.StatusRunning))
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		for ev := range bridge.Events() {
			if err := c.writeJSON(ev); err != nil {
				bridge.Close()
				return
			}
		}
	}()

	_, err := c.srv.cfg.Queue.Enqueue(ctx, c.lane, func(taskCtx context.Context) (any, error) {
		ctl, err := c.srv.cfg.Factory(taskCtx, c.agent)
		if err != nil {
			return nil, err
		}
		res, err := pass(taskCtx, ctl, bridge)
		if err != nil {
			return nil, err
		}
		if res.Status == store.RunWaitingHuman {
			bridge.Publish(stream.Event{
				Type:   stream.TypeRunStatus,
				Status: string(store.RunWaitingHuman),
				Data: map[string]any{
					"run_id":   res.RunID,
					"envelope": res.Envelope,
				},
			})
		}
		return nil, nil
	}, nil)

	if err != nil {
		if errors.Is(err, hitl.ErrNoSuspendedRun) {
			bridge.Fail(hitl.ErrNoSuspendedRun)
		} else {
			c.srv.cfg.Logger.Error().Err(err).Str("threadId", c.thread.ID).Msg("Turn failed")
			bridge.Fail(err)
		}
	} else {
		bridge.End()
	}
	<-relayDone
}

// loadHistory rebuilds the engine message history from the persisted thread.
func (c *session) loadHistory(ctx context.Context) ([]message.Message, error) {
	rows, err := c.srv.cfg.Store.ListMessages(ctx, c.thread.ID)
	if err != nil {
		return nil, err
	}
	history := make([]message.Message, 0, len(rows))
	for _, row := range rows {
		history = append(history, message.Message{
			Role:       message.Role(row.Role),
			Content:    row.Content,
			ToolName:   row.ToolName,
			ToolCallID: row.ToolCallID,
			Timestamp:  row.CreatedAt,
		})
	}
	return history, nil
}
