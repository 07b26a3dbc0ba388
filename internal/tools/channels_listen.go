package tools

import "context"

// ListenToChannelTool acknowledges a listening intent. Runtimes already
// receive every message on their subscribed channels; the structured
// result lets the model express attention without a side effect.
type ListenToChannelTool struct{}

func NewListenToChannelTool() *ListenToChannelTool { return &ListenToChannelTool{} }

func (t *ListenToChannelTool) Name() string { return "listen_to_channel" }

func (t *ListenToChannelTool) Description() string {
	return "Start paying attention to a channel for a while. You already receive messages from your channels; use this to signal focused listening."
}

func (t *ListenToChannelTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"channel": map[string]any{
				"type":        "string",
				"description": "Channel id to listen to",
			},
			"duration": map[string]any{
				"type":        "integer",
				"description": "How long to listen, in seconds",
			},
		},
		"required": []string{"channel"},
	}
}

func (t *ListenToChannelTool) Execute(_ context.Context, args map[string]any) *Result {
	channel, _ := args["channel"].(string)
	if channel == "" {
		return ErrorResult("channel is required")
	}
	return NewResult(map[string]any{
		"success":          true,
		"tool_used":        t.Name(),
		"channel":          channel,
		"status":           "listening",
		"duration_seconds": intArg(args, "duration", 60),
	})
}
