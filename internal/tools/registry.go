package tools

import (
	"sort"
	"sync"

	"github.com/legionworks/legion/internal/channels"
	"github.com/legionworks/legion/internal/providers"
)

// Registry holds the tools available to one runtime. Safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// DefaultRegistry registers the built-in channel tool set.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewSendChannelMessageTool())
	r.Register(NewGetChannelHistoryTool())
	r.Register(NewListenToChannelTool())
	r.Register(NewSendDirectMessageTool())
	return r
}

// Register adds or replaces a tool under its own name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors renders tool descriptors for the generator. A nil allowed
// list exposes every registered tool; otherwise only the named tools are
// exposed, in the order given, skipping unknown names.
func (r *Registry) Descriptors(allowed []string) []providers.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if allowed == nil {
		names := make([]string, 0, len(r.tools))
		for name := range r.tools {
			names = append(names, name)
		}
		sort.Strings(names)
		allowed = names
	}

	out := make([]providers.ToolDescriptor, 0, len(allowed))
	for _, name := range allowed {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		out = append(out, providers.ToolDescriptor{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return out
}

// BindChannelService injects the channel service into every registered
// tool that accepts one.
func (r *Registry) BindChannelService(svc *channels.Service) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tools {
		if aware, ok := t.(ChannelServiceAware); ok {
			aware.SetChannelService(svc)
		}
	}
}

// BindMinion sets the owning minion id on every registered tool that
// attributes its actions.
func (r *Registry) BindMinion(id string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tools {
		if aware, ok := t.(MinionAware); ok {
			aware.SetMinionID(id)
		}
	}
}
