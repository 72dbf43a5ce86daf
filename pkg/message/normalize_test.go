package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Run("bare string becomes user message", func(t *testing.T) {
		m, err := Normalize("hello")
		require.NoError(t, err)
		assert.Equal(t, RoleUser, m.Role)
		assert.Equal(t, "hello", m.Content)
	})

	t.Run("map with role alias", func(t *testing.T) {
		m, err := Normalize(map[string]any{"type": "ai", "content": "hi"})
		require.NoError(t, err)
		assert.Equal(t, RoleAssistant, m.Role)
		assert.Equal(t, "hi", m.Content)
	})

	t.Run("tool message requires call id", func(t *testing.T) {
		_, err := Normalize(map[string]any{"role": "tool", "content": "ok"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "tool_call_id")
	})

	t.Run("unknown role rejected", func(t *testing.T) {
		_, err := Normalize(map[string]any{"role": "narrator", "content": "x"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown message role")
	})

	t.Run("message passes through", func(t *testing.T) {
		orig := ToolResult("tc-1", "send_email", "sent")
		m, err := Normalize(orig)
		require.NoError(t, err)
		assert.Equal(t, orig, m)
	})

	t.Run("non-string content stringified", func(t *testing.T) {
		m, err := Normalize(map[string]any{"role": "user", "content": 42})
		require.NoError(t, err)
		assert.Equal(t, "42", m.Content)
	})
}

func TestNormalizeToolCalls(t *testing.T) {
	t.Run("argument key variants", func(t *testing.T) {
		for _, key := range []string{"args", "arguments", "parameters"} {
			rec := map[string]any{
				"role":    "assistant",
				"content": "",
				"tool_calls": []any{
					map[string]any{"id": "tc-1", "name": "search", key: map[string]any{"q": "go"}},
				},
			}
			m, err := Normalize(rec)
			require.NoError(t, err, key)
			require.Len(t, m.ToolCalls, 1)
			assert.Equal(t, "search", m.ToolCalls[0].Name)
			assert.Equal(t, map[string]any{"q": "go"}, m.ToolCalls[0].Args)
		}
	})

	t.Run("missing name rejected", func(t *testing.T) {
		rec := map[string]any{
			"role":       "assistant",
			"tool_calls": []any{map[string]any{"id": "tc-1"}},
		}
		_, err := Normalize(rec)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "missing name")
	})

	t.Run("tool calls rejected on non-assistant roles", func(t *testing.T) {
		_, err := Normalize(Message{
			Role:      RoleUser,
			Content:   "x",
			ToolCalls: []ToolCall{{ID: "tc-1", Name: "search"}},
		})
		assert.Error(t, err)
	})
}

func TestToolError(t *testing.T) {
	m := ToolError("tc-9", "send_email", assert.AnError)
	assert.Equal(t, RoleTool, m.Role)
	assert.Equal(t, "tc-9", m.ToolCallID)
	assert.Contains(t, m.Content, "error")
	assert.Contains(t, m.Content, assert.AnError.Error())
}
