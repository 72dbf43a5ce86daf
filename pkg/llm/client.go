// Package llm abstracts the chat-completion providers behind a single
// Client interface so the engine can drive Anthropic and OpenAI models
// interchangeably, with or without streaming.
package llm

import (
	"context"

	"github.com/adiwarna/loom/pkg/message"
)

// ToolSpec describes a tool offered to the model. Schema is a JSON schema
// object with "properties" and optionally "required".
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Request carries one model call.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []message.Message
	Tools        []ToolSpec
	Temperature  float64
	MaxTokens    int
}

// TokenUsage reports token consumption for one call.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the model's reply: assistant text plus any requested tool calls.
type Response struct {
	Content   string
	ToolCalls []message.ToolCall
	Usage     *TokenUsage
}

// Client is a chat-completion provider.
type Client interface {
	// Generate performs a blocking completion.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Stream performs a streaming completion, invoking onDelta for each
	// text fragment as it arrives. The returned Response carries the full
	// accumulated result, including tool calls.
	Stream(ctx context.Context, req Request, onDelta func(delta string)) (*Response, error)

	// Provider returns the provider name ("anthropic", "openai").
	Provider() string
}

const (
	defaultMaxTokens = 4096
)
