// Package tools defines the tool-call protocol exposed to the response
// generator. Every tool carries a name, a description, and a JSON-schema
// argument contract; execution is synchronous to the generator even when
// the work it triggers is not.
package tools

import (
	"context"

	"github.com/legionworks/legion/internal/channels"
)

// Tool is one callable capability.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// ChannelServiceAware tools receive the channel service after
// registration.
type ChannelServiceAware interface {
	SetChannelService(svc *channels.Service)
}

// MinionAware tools receive the id of the minion that owns their
// registry. Sends are attributed to that minion.
type MinionAware interface {
	SetMinionID(id string)
}
