package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithThreadID(ctx, "thread-1")
	ctx = WithAgentID(ctx, "agent-1")

	assert.Equal(t, "trace-1", GetTraceID(ctx))
	assert.Equal(t, "run-1", GetRunID(ctx))
	assert.Equal(t, "thread-1", GetThreadID(ctx))
	assert.Equal(t, "agent-1", GetAgentID(ctx))
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetRunID(ctx))
	assert.Empty(t, GetThreadID(ctx))
	assert.Empty(t, GetAgentID(ctx))
}

func TestFromContextAndNewContext(t *testing.T) {
	tc := &TraceContext{
		TraceID:  "trace-2",
		RunID:    "run-2",
		ThreadID: "thread-2",
	}
	ctx := NewContext(context.Background(), tc)

	got := FromContext(ctx)
	assert.Equal(t, tc.TraceID, got.TraceID)
	assert.Equal(t, tc.RunID, got.RunID)
	assert.Equal(t, tc.ThreadID, got.ThreadID)
	assert.Empty(t, got.AgentID)
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())
	first := GetTraceID(ctx)
	require.NotEmpty(t, first)

	second := GetTraceID(NewRequestContext(context.Background()))
	assert.NotEqual(t, first, second)
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTraceID(context.Background(), "trace-3")
	ctx = WithThreadID(ctx, "thread-3")

	lg := LoggerFromContext(ctx, base)
	lg.Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"trace-3"`)
	assert.Contains(t, out, `"thread_id":"thread-3"`)
	assert.NotContains(t, out, "run_id")
}

func TestStartSpanPropagatesTraceID(t *testing.T) {
	require.NoError(t, InitOpenTelemetry("tracing-test"))

	ctx, span := StartSpan(context.Background(), "test", "op")
	defer span.End()

	assert.NotEmpty(t, GetTraceID(ctx))

	t.Run("existing trace id preserved", func(t *testing.T) {
		seeded := WithTraceID(context.Background(), "keep-me")
		ctx, span := StartSpan(seeded, "test", "op2")
		defer span.End()
		assert.Equal(t, "keep-me", GetTraceID(ctx))
	})
}
