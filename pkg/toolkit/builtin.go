package toolkit

// RequestHumanToolName is the built-in tool ambient agents call to pause a
// run and hand control to a human. It is registered with RequiresApproval,
// so the engine suspends instead of executing it.
const RequestHumanToolName = "request_human"

// RequestHumanTool returns the built-in human-review tool definition.
func RequestHumanTool() Definition {
	return Definition{
		Name:             RequestHumanToolName,
		Description:      "Ask for human review and pause the run. Use when a decision or approval is needed before continuing.",
		RequiresApproval: true,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Why human review is needed",
				},
				"title": map[string]any{
					"type":        "string",
					"description": "Short title for the review request",
				},
			},
		},
	}
}
