package tools

import (
	"context"
	"fmt"

	"github.com/legionworks/legion/internal/channels"
)

const previewLen = 80

// SendChannelMessageTool posts a message to a channel through the
// channel service, attributed to the owning minion. This is the only
// path an agent has for speaking; it never emits bus events itself.
type SendChannelMessageTool struct {
	svc      *channels.Service
	minionID string
}

func NewSendChannelMessageTool() *SendChannelMessageTool { return &SendChannelMessageTool{} }

func (t *SendChannelMessageTool) SetChannelService(svc *channels.Service) { t.svc = svc }
func (t *SendChannelMessageTool) SetMinionID(id string)                   { t.minionID = id }

func (t *SendChannelMessageTool) Name() string { return "send_channel_message" }

func (t *SendChannelMessageTool) Description() string {
	return "Send a message to a channel. The message is attributed to you and every channel member sees it."
}

func (t *SendChannelMessageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"channel": map[string]any{
				"type":        "string",
				"description": "Target channel id (e.g. \"general\")",
			},
			"message": map[string]any{
				"type":        "string",
				"description": "Message content to send",
			},
		},
		"required": []string{"channel", "message"},
	}
}

func (t *SendChannelMessageTool) Execute(ctx context.Context, args map[string]any) *Result {
	if t.svc == nil {
		return ErrorResult("channel service not available")
	}
	if t.minionID == "" {
		return ErrorResult("tool not bound to a minion")
	}

	channel, _ := args["channel"].(string)
	message, _ := args["message"].(string)
	if channel == "" {
		return ErrorResult("channel is required")
	}
	if message == "" {
		return ErrorResult("message is required")
	}

	msg, err := t.svc.SendMessage(ctx, channels.SendMessageParams{
		ChannelID: channel,
		SenderID:  t.minionID,
		Content:   message,
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("send to %s failed: %v", channel, err)).WithError(err)
	}

	return NewResult(map[string]any{
		"success":         true,
		"tool_used":       t.Name(),
		"channel":         channel,
		"message_preview": preview(msg.Content),
		"status":          "sent",
	})
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLen {
		return content
	}
	return string(runes[:previewLen]) + "..."
}
