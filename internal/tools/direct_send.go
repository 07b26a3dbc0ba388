package tools

import "context"

// SendDirectMessageTool is a structured stub. Direct routing is not
// part of the core fabric; the result tells the model to use a shared
// channel instead of silently dropping the intent.
type SendDirectMessageTool struct{}

func NewSendDirectMessageTool() *SendDirectMessageTool { return &SendDirectMessageTool{} }

func (t *SendDirectMessageTool) Name() string { return "send_direct_message" }

func (t *SendDirectMessageTool) Description() string {
	return "Send a private message to a single recipient."
}

func (t *SendDirectMessageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"recipient": map[string]any{
				"type":        "string",
				"description": "Minion or user id to message",
			},
			"message": map[string]any{
				"type":        "string",
				"description": "Message content",
			},
		},
		"required": []string{"recipient", "message"},
	}
}

func (t *SendDirectMessageTool) Execute(_ context.Context, args map[string]any) *Result {
	recipient, _ := args["recipient"].(string)
	message, _ := args["message"].(string)
	if recipient == "" {
		return ErrorResult("recipient is required")
	}
	if message == "" {
		return ErrorResult("message is required")
	}
	return NewResult(map[string]any{
		"success":   false,
		"tool_used": t.Name(),
		"recipient": recipient,
		"status":    "unavailable",
		"detail":    "direct routing is not enabled; reach them in a shared channel",
	})
}
