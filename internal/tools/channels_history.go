package tools

import (
	"context"
	"fmt"

	"github.com/legionworks/legion/internal/channels"
)

const defaultHistoryLimit = 20

// GetChannelHistoryTool reads recent messages through the channel
// service, newest first.
type GetChannelHistoryTool struct {
	svc *channels.Service
}

func NewGetChannelHistoryTool() *GetChannelHistoryTool { return &GetChannelHistoryTool{} }

func (t *GetChannelHistoryTool) SetChannelService(svc *channels.Service) { t.svc = svc }

func (t *GetChannelHistoryTool) Name() string { return "get_channel_history" }

func (t *GetChannelHistoryTool) Description() string {
	return "Fetch recent messages from a channel, newest first."
}

func (t *GetChannelHistoryTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"channel": map[string]any{
				"type":        "string",
				"description": "Channel id to read",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum messages to return (default 20)",
			},
		},
		"required": []string{"channel"},
	}
}

func (t *GetChannelHistoryTool) Execute(ctx context.Context, args map[string]any) *Result {
	if t.svc == nil {
		return ErrorResult("channel service not available")
	}

	channel, _ := args["channel"].(string)
	if channel == "" {
		return ErrorResult("channel is required")
	}
	limit := intArg(args, "limit", defaultHistoryLimit)

	page, err := t.svc.GetMessages(ctx, channel, limit, 0)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read history of %s failed: %v", channel, err)).WithError(err)
	}

	messages := make([]map[string]any, 0, len(page.Messages))
	for _, m := range page.Messages {
		messages = append(messages, map[string]any{
			"sender":    m.SenderID,
			"content":   m.Content,
			"timestamp": m.Timestamp,
		})
	}
	return NewResult(map[string]any{
		"success":   true,
		"tool_used": t.Name(),
		"channel":   channel,
		"messages":  messages,
		"total":     page.Total,
		"has_more":  page.HasMore,
	})
}

// intArg reads a numeric argument; generator JSON decodes numbers as
// float64.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return def
}
