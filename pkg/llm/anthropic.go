package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/adiwarna/loom/pkg/message"
)

// AnthropicClient implements Client for Anthropic Claude models.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient creates an Anthropic-backed client.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Provider returns the provider name.
func (c *AnthropicClient) Provider() string {
	return "anthropic"
}

// Generate performs a blocking completion.
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (*Response, error) {
	params := c.buildParams(req)

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return anthropicResponse(resp)
}

// Stream performs a streaming completion, emitting text deltas as they
// arrive and accumulating the full message (including tool_use blocks)
// for the returned Response.
func (c *AnthropicClient) Stream(ctx context.Context, req Request, onDelta func(string)) (*Response, error) {
	params := c.buildParams(req)

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var acc anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulate stream event: %w", err)
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" && onDelta != nil {
				onDelta(d.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	return anthropicResponse(&acc)
}

// buildParams converts a Request into Anthropic message parameters. System
// messages are lifted into the System field; tool results become user-role
// tool_result blocks per the Anthropic message shape.
func (c *AnthropicClient) buildParams(req Request) anthropic.MessageNewParams {
	msgs := []anthropic.MessageParam{}

	for _, msg := range req.Messages {
		switch msg.Role {
		case message.RoleSystem:
			continue
		case message.RoleTool:
			msgs = append(msgs, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		case message.RoleUser:
			msgs = append(msgs, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		case message.RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
			}
			msgs = append(msgs, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  msgs,
		MaxTokens: int64(maxTokens),
	}

	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.SystemPrompt},
		}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := []anthropic.ToolUnionParam{}
		for _, spec := range req.Tools {
			toolParam := anthropic.ToolParam{
				Name:        spec.Name,
				Description: anthropic.String(spec.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: spec.Schema["properties"],
				},
			}
			if required, ok := spec.Schema["required"].([]any); ok {
				names := make([]string, 0, len(required))
				for _, v := range required {
					if s, ok := v.(string); ok {
						names = append(names, s)
					}
				}
				toolParam.InputSchema.Required = names
			} else if names, ok := spec.Schema["required"].([]string); ok {
				toolParam.InputSchema.Required = names
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	return params
}

func anthropicResponse(resp *anthropic.Message) (*Response, error) {
	content := ""
	toolCalls := []message.ToolCall{}

	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += b.Text
		case anthropic.ToolUseBlock:
			var args map[string]any
			if raw := b.JSON.Input.Raw(); raw != "" && raw != "null" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					return nil, fmt.Errorf("parse tool input: %w", err)
				}
			}
			toolCalls = append(toolCalls, message.ToolCall{
				ID:   b.ID,
				Name: b.Name,
				Args: args,
			})
		}
	}

	return &Response{
		Content:   content,
		ToolCalls: toolCalls,
		Usage: &TokenUsage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}
