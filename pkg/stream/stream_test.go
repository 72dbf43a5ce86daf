package stream

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not terminate")
		}
	}
}

func TestBridgeOrdering(t *testing.T) {
	b := NewBridge(8)

	go func() {
		b.Publish(RunStatus(StatusRunning))
		b.Publish(Delta("hel"))
		b.Publish(Delta("lo"))
		b.Publish(NewToolEvent(ToolStart, map[string]any{"tool": "search"}))
		b.Publish(NewToolEvent(ToolEnd, map[string]any{"tool": "search"}))
		b.End()
	}()

	events := collect(t, b.Events())
	require.Len(t, events, 6)
	assert.Equal(t, StatusRunning, events[0].Status)
	assert.Equal(t, "hel", events[1].Delta)
	assert.Equal(t, "lo", events[2].Delta)
	assert.Equal(t, ToolStart, events[3].Event)
	assert.Equal(t, ToolEnd, events[4].Event)
	assert.Equal(t, StatusEnd, events[5].Status)
}

func TestBridgeProducerFailure(t *testing.T) {
	b := NewBridge(8)

	go func() {
		b.Publish(RunStatus(StatusRunning))
		b.Publish(Delta("partial"))
		b.Fail(errors.New("model unavailable"))
	}()

	events := collect(t, b.Events())
	require.Len(t, events, 4)
	assert.Equal(t, "partial", events[1].Delta)
	assert.Contains(t, events[2].Delta, "model unavailable")
	assert.Equal(t, StatusEnd, events[3].Status)
}

func TestBridgeConsumerClose(t *testing.T) {
	b := NewBridge(1)
	b.Publish(Delta("one"))
	b.Close()

	done := make(chan struct{})
	go func() {
		// Producer keeps publishing after the consumer left; none of
		// these may block or panic.
		for i := 0; i < 10; i++ {
			b.Publish(Delta("dropped"))
		}
		b.End()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked after consumer close")
	}
}

func TestBridgeDoubleEnd(t *testing.T) {
	b := NewBridge(4)
	b.End()
	assert.NotPanics(t, func() { b.End() })
	assert.NotPanics(t, func() { b.Close() })
}

func TestAccumulate(t *testing.T) {
	b := NewBridge(8)

	go func() {
		b.Publish(RunStatus(StatusRunning))
		b.Publish(Delta("Summary: "))
		b.Publish(NewToolEvent(ToolStart, map[string]any{"tool": "gmail"}))
		b.Publish(Delta("3 new messages"))
		b.End()
	}()

	text := Accumulate(b.Events())
	assert.Contains(t, text, "Summary: ")
	assert.Contains(t, text, "3 new messages")
	assert.Contains(t, text, `"on_tool_start"`)
	assert.NotContains(t, text, TypeRunStatus)
}
