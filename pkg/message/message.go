// Package message defines the conversation message model shared by the
// execution engine, the checkpoint store, and the transport layers.
//
// Messages form a closed union over four roles. Producers outside the core
// (LLM SDKs, webhook payloads, checkpoint blobs) hand us loosely-typed
// records; Normalize is the single place those shapes are folded into the
// union so the engine never branches on raw maps.
package message

import (
	"fmt"
	"time"
)

// Role identifies the author kind of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// ToolCall is a tool invocation requested by an assistant message.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Message is a single conversation turn.
//
// ToolCalls is only meaningful on assistant messages; ToolCallID and ToolName
// are only meaningful on tool messages and link a tool result back to the
// assistant request that produced it.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	Timestamp  time.Time  `json:"timestamp,omitzero"`
}

// User returns a user message with the given content.
func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Assistant returns an assistant message with the given content.
func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// System returns a system message with the given content.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// ToolResult returns a tool message carrying the result of a tool call.
func ToolResult(callID, toolName, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, ToolName: toolName}
}

// ToolError returns a tool message carrying a failed tool call. The error
// text is visible to the model on the next turn; a failing tool never
// terminates the conversation loop.
func ToolError(callID, toolName string, err error) Message {
	return Message{
		Role:       RoleTool,
		Content:    fmt.Sprintf(`{"error": %q}`, err.Error()),
		ToolCallID: callID,
		ToolName:   toolName,
	}
}

// Validate checks the per-role field invariants.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("unknown message role: %q", m.Role)
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return fmt.Errorf("tool message missing tool_call_id")
	}
	if m.Role != RoleAssistant && len(m.ToolCalls) > 0 {
		return fmt.Errorf("tool_calls only allowed on assistant messages, got %q", m.Role)
	}
	return nil
}

// HasToolCalls reports whether the message requests any tool invocations.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}
