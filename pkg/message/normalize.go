package message

import (
	"fmt"
)

// roleAliases maps the role spellings seen from external producers onto the
// closed union. Checkpoint blobs written by earlier engine versions used
// "type" instead of "role" and "human"/"ai" instead of "user"/"assistant".
var roleAliases = map[string]Role{
	"user":      RoleUser,
	"human":     RoleUser,
	"assistant": RoleAssistant,
	"ai":        RoleAssistant,
	"system":    RoleSystem,
	"tool":      RoleTool,
}

// Normalize folds a loosely-typed record into a Message. It accepts a
// Message (returned as-is after validation), a map with role/content fields
// under any of the known aliases, or a bare string (treated as user text).
func Normalize(v any) (Message, error) {
	switch t := v.(type) {
	case Message:
		if err := t.Validate(); err != nil {
			return Message{}, err
		}
		return t, nil
	case *Message:
		if t == nil {
			return Message{}, fmt.Errorf("nil message")
		}
		return Normalize(*t)
	case string:
		return User(t), nil
	case map[string]any:
		return normalizeMap(t)
	default:
		return Message{}, fmt.Errorf("cannot normalize message of type %T", v)
	}
}

// NormalizeAll normalizes a slice of loose records, failing on the first
// record that cannot be folded.
func NormalizeAll(vs []any) ([]Message, error) {
	out := make([]Message, 0, len(vs))
	for i, v := range vs {
		m, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func normalizeMap(rec map[string]any) (Message, error) {
	rawRole := stringField(rec, "role")
	if rawRole == "" {
		rawRole = stringField(rec, "type")
	}
	role, ok := roleAliases[rawRole]
	if !ok {
		return Message{}, fmt.Errorf("unknown message role: %q", rawRole)
	}

	m := Message{
		Role:       role,
		Content:    contentField(rec),
		ToolCallID: stringField(rec, "tool_call_id"),
		ToolName:   stringField(rec, "tool_name"),
	}
	if m.ToolName == "" {
		m.ToolName = stringField(rec, "name")
	}

	if role == RoleAssistant {
		calls, err := normalizeToolCalls(rec["tool_calls"])
		if err != nil {
			return Message{}, err
		}
		m.ToolCalls = calls
	}

	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func normalizeToolCalls(v any) ([]ToolCall, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("tool_calls must be a list, got %T", v)
	}
	calls := make([]ToolCall, 0, len(list))
	for i, item := range list {
		rec, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tool call %d must be an object, got %T", i, item)
		}
		call := ToolCall{
			ID:   stringField(rec, "id"),
			Name: stringField(rec, "name"),
		}
		if call.ID == "" {
			call.ID = stringField(rec, "tool_call_id")
		}
		// Argument payloads arrive under "args", "arguments" or
		// "parameters" depending on the producing SDK.
		for _, key := range []string{"args", "arguments", "parameters"} {
			if args, ok := rec[key].(map[string]any); ok {
				call.Args = args
				break
			}
		}
		if call.Name == "" {
			return nil, fmt.Errorf("tool call %d missing name", i)
		}
		calls = append(calls, call)
	}
	return calls, nil
}

func stringField(rec map[string]any, key string) string {
	if s, ok := rec[key].(string); ok {
		return s
	}
	return ""
}

// contentField extracts message text, tolerating non-string content from
// producers that emit structured blocks.
func contentField(rec map[string]any) string {
	switch c := rec["content"].(type) {
	case nil:
		return ""
	case string:
		return c
	default:
		return fmt.Sprintf("%v", c)
	}
}
