// Package mcp bridges external Model Context Protocol servers into the
// minion tool registry. Each configured server is dialed at startup, its
// tools are wrapped as BridgeTools named mcp_<server>_<tool>, and a
// health loop keeps the connection alive. Personas opt in to bridged
// tools through allowed_tools the same way they opt in to built-ins.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"

	"github.com/legionworks/legion/internal/config"
	"github.com/legionworks/legion/internal/tools"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
	defaultTimeoutSec    = 60
)

// ServerStatus reports the connection state of one MCP server.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

// serverState tracks a single MCP server connection.
type serverState struct {
	name       string
	transport  string
	client     *mcpclient.Client
	connected  atomic.Bool
	toolNames  []string
	timeoutSec int
	cancel     context.CancelFunc

	mu             sync.Mutex
	reconnAttempts int
	lastErr        string
}

func (ss *serverState) markHealthy() {
	ss.connected.Store(true)
	ss.mu.Lock()
	ss.reconnAttempts = 0
	ss.lastErr = ""
	ss.mu.Unlock()
}

// Manager connects configured MCP servers and registers their tools in
// a shared registry.
type Manager struct {
	registry *tools.Registry
	configs  map[string]*config.MCPServerConfig
	log      *slog.Logger

	mu      sync.RWMutex
	servers map[string]*serverState
}

// NewManager creates a manager over the given registry. A nil logger
// falls back to slog.Default().
func NewManager(registry *tools.Registry, configs map[string]*config.MCPServerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		configs:  configs,
		log:      logger,
		servers:  make(map[string]*serverState),
	}
}

// Start connects every enabled server. A server that fails to connect
// is logged and skipped; the returned error aggregates the failures
// without undoing the connections that succeeded.
func (m *Manager) Start(ctx context.Context) error {
	var errs []error
	for name, cfg := range m.configs {
		if cfg == nil || !cfg.IsEnabled() {
			m.log.Info("mcp.server.disabled", "server", name)
			continue
		}
		if err := m.connect(ctx, name, cfg); err != nil {
			m.log.Warn("mcp.server.connect_failed", "server", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Stop cancels the health loops, closes every connection, and removes
// every bridged tool from the registry.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, ss := range m.servers {
		if ss.cancel != nil {
			ss.cancel()
		}
		if ss.client != nil {
			if err := ss.client.Close(); err != nil {
				m.log.Debug("mcp.server.close_failed", "server", name, "error", err)
			}
		}
		for _, toolName := range ss.toolNames {
			m.registry.Unregister(toolName)
		}
		m.log.Info("mcp.server.stopped", "server", name, "tools", len(ss.toolNames))
	}
	m.servers = make(map[string]*serverState)
}

// ServerStatus reports every tracked server, sorted by name.
func (m *Manager) ServerStatus() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		ss.mu.Lock()
		lastErr := ss.lastErr
		ss.mu.Unlock()
		statuses = append(statuses, ServerStatus{
			Name:      ss.name,
			Transport: ss.transport,
			Connected: ss.connected.Load(),
			ToolCount: len(ss.toolNames),
			Error:     lastErr,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// ToolNames returns the registry names of every bridged tool, sorted.
func (m *Manager) ToolNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for _, ss := range m.servers {
		names = append(names, ss.toolNames...)
	}
	sort.Strings(names)
	return names
}
