// Package protocol defines the WebSocket wire contract between the
// gateway and remote clients. The gateway and pkg/client both build
// their frames from these names so the two ends cannot drift.
package protocol

// Client command types, sent as the "type" field of a ClientCommand.
const (
	CmdSubscribeChannel   = "subscribe_channel"
	CmdUnsubscribeChannel = "unsubscribe_channel"
	CmdSubscribeMinion    = "subscribe_minion"
	CmdUnsubscribeMinion  = "unsubscribe_minion"
	CmdGetSubscriptions   = "get_subscriptions"
	CmdPing               = "ping"
	CmdSendMessage        = "send_message"
)

// ClientCommand is one client-to-server frame. ChannelID and MinionID
// accompany the subscribe and unsubscribe commands; ChannelID, Content,
// and the optional SenderID accompany send_message.
type ClientCommand struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id,omitempty"`
	MinionID  string `json:"minion_id,omitempty"`
	Content   string `json:"content,omitempty"`
	SenderID  string `json:"sender_id,omitempty"`
}
