// Package stream carries engine events from a producing run to a single
// consumer over a bounded channel, in strict emission order, terminated by
// channel close.
package stream

import (
	"encoding/json"
	"sync"
)

// DefaultBufferSize bounds the bridge channel when the caller passes zero.
const DefaultBufferSize = 64

// Event envelope types.
const (
	TypeRunStatus    = "run_status"
	TypeMessageDelta = "message_delta"
	TypeToolEvent    = "tool_event"

	StatusRunning = "running"
	StatusEnd     = "end"

	ToolStart = "on_tool_start"
	ToolEnd   = "on_tool_end"
	ToolError = "on_tool_error"
)

// Event is one frame on the bridge. Tool events pass the engine's payload
// through untouched under Data, tagged by the Event field.
type Event struct {
	Type   string         `json:"type"`
	Status string         `json:"status,omitempty"`
	Delta  string         `json:"delta,omitempty"`
	Event  string         `json:"event,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// RunStatus builds a run_status frame.
func RunStatus(status string) Event {
	return Event{Type: TypeRunStatus, Status: status}
}

// Delta builds a message_delta frame.
func Delta(text string) Event {
	return Event{Type: TypeMessageDelta, Delta: text}
}

// ToolEvent builds a passthrough tool frame.
func NewToolEvent(kind string, data map[string]any) Event {
	return Event{Type: TypeToolEvent, Event: kind, Data: data}
}

// Bridge connects one producer to one consumer. Publishing blocks when the
// buffer is full; closing the consumer side drops later publishes without
// cancelling the producer.
type Bridge struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewBridge creates a bridge with the given buffer size (0 = default).
func NewBridge(buffer int) *Bridge {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Bridge{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Events returns the consumer channel. It is closed by End or Fail.
func (b *Bridge) Events() <-chan Event {
	return b.ch
}

// Publish sends one event, blocking while the buffer is full. Events
// published after the consumer closed the bridge are dropped.
func (b *Bridge) Publish(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	select {
	case b.ch <- ev:
	case <-b.done:
	}
}

// End terminates the stream normally: run_status:end, then close.
func (b *Bridge) End() {
	b.Publish(RunStatus(StatusEnd))
	b.closeChannel()
}

// Fail terminates the stream after a producer error: the error text as a
// message_delta, then run_status:end, then close.
func (b *Bridge) Fail(err error) {
	if err != nil {
		b.Publish(Delta("Error: " + err.Error()))
	}
	b.End()
}

// Close releases the bridge from the consumer side. The producer keeps
// running; its later publishes are dropped.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

func (b *Bridge) closeChannel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	close(b.ch)
}

// Accumulate drains a bridge and flattens it into one assistant text:
// message deltas concatenate, tool events append as JSON lines. Used on the
// ambient path, where no interactive consumer is attached.
func Accumulate(events <-chan Event) string {
	var out []byte
	for ev := range events {
		switch ev.Type {
		case TypeMessageDelta:
			out = append(out, ev.Delta...)
		case TypeToolEvent:
			line, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if len(out) > 0 {
				out = append(out, '\n')
			}
			out = append(out, line...)
		}
	}
	return string(out)
}
