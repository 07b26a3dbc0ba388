package channels

import (
	"context"
	"time"
)

// ChannelRepository persists channel records. Implementations return
// (nil, nil) when a channel does not exist; the service maps that to
// ErrNotFound so storage backends stay error-taxonomy agnostic.
type ChannelRepository interface {
	Save(ctx context.Context, ch *Channel) error
	GetByID(ctx context.Context, id string) (*Channel, error)
	ListAll(ctx context.Context) ([]*Channel, error)
	ListActive(ctx context.Context) ([]*Channel, error)
}

// MessageQuery narrows a channel history read.
type MessageQuery struct {
	Limit    int
	Before   time.Time
	SenderID string
}

// MessageRepository persists channel messages.
type MessageRepository interface {
	Save(ctx context.Context, msg *Message) error
	// GetChannelMessages returns messages for a channel, newest first.
	GetChannelMessages(ctx context.Context, channelID string, q MessageQuery) ([]*Message, error)
	// CountChannelMessages returns the number of persisted messages.
	CountChannelMessages(ctx context.Context, channelID string) (int, error)
}
