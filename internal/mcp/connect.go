package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/legionworks/legion/internal/config"
)

const (
	transportStdio          = "stdio"
	transportStreamableHTTP = "streamable-http"
)

// connect dials one server, runs the MCP handshake, and registers its
// tools under mcp_<server>_<tool>.
func (m *Manager) connect(ctx context.Context, name string, cfg *config.MCPServerConfig) error {
	transportType := inferTransport(cfg)
	client, err := newClient(transportType, cfg)
	if err != nil {
		return err
	}

	// stdio spawns its subprocess on creation; the HTTP transport needs
	// an explicit Start.
	if transportType != transportStdio {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "legion", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = defaultTimeoutSec
	}

	ss := &serverState{
		name:       name,
		transport:  transportType,
		client:     client,
		timeoutSec: timeoutSec,
	}
	ss.connected.Store(true)

	for _, remote := range listed.Tools {
		bt := NewBridgeTool(name, remote, client, timeoutSec, &ss.connected)
		if _, exists := m.registry.Get(bt.Name()); exists {
			m.log.Warn("mcp.tool.name_collision", "server", name, "tool", bt.Name())
			continue
		}
		m.registry.Register(bt)
		ss.toolNames = append(ss.toolNames, bt.Name())
	}

	hctx, hcancel := context.WithCancel(context.Background())
	ss.cancel = hcancel
	go m.healthLoop(hctx, ss)

	m.mu.Lock()
	m.servers[name] = ss
	m.mu.Unlock()

	m.log.Info("mcp.server.connected",
		"server", name,
		"transport", transportType,
		"tools", len(ss.toolNames),
	)
	return nil
}

// inferTransport fills in the transport from whichever endpoint field
// is set when the config omits it.
func inferTransport(cfg *config.MCPServerConfig) string {
	if cfg.Transport != "" {
		return cfg.Transport
	}
	if cfg.URL != "" {
		return transportStreamableHTTP
	}
	return transportStdio
}

func newClient(transportType string, cfg *config.MCPServerConfig) (*mcpclient.Client, error) {
	switch transportType {
	case transportStdio:
		if cfg.Command == "" {
			return nil, errors.New("stdio transport needs a command")
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)

	case transportStreamableHTTP:
		if cfg.URL == "" {
			return nil, errors.New("streamable-http transport needs a url")
		}
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport %q", transportType)
	}
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	s := make([]string, 0, len(env))
	for k, v := range env {
		s = append(s, k+"="+v)
	}
	return s
}

// healthLoop pings the server on an interval and drives reconnection
// when the ping fails.
func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := ss.client.Ping(ctx)
			if err == nil || isPingUnsupported(err) {
				ss.markHealthy()
				continue
			}
			ss.connected.Store(false)
			ss.mu.Lock()
			ss.lastErr = err.Error()
			ss.mu.Unlock()

			m.log.Warn("mcp.server.unhealthy", "server", ss.name, "error", err)
			m.tryReconnect(ctx, ss)
		}
	}
}

// Servers that predate the ping method are still alive.
func isPingUnsupported(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "method not found")
}

// tryReconnect waits out an exponential backoff and probes the server
// again. The transport reconnects on its own; a successful ping is all
// recovery takes.
func (m *Manager) tryReconnect(ctx context.Context, ss *serverState) {
	ss.mu.Lock()
	if ss.reconnAttempts >= maxReconnectAttempts {
		ss.lastErr = fmt.Sprintf("gave up after %d reconnect attempts", maxReconnectAttempts)
		ss.mu.Unlock()
		m.log.Error("mcp.server.reconnect_exhausted", "server", ss.name)
		return
	}
	ss.reconnAttempts++
	attempt := ss.reconnAttempts
	ss.mu.Unlock()

	backoff := initialBackoff * time.Duration(1<<(attempt-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	m.log.Info("mcp.server.reconnecting", "server", ss.name, "attempt", attempt, "backoff", backoff)

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	if err := ss.client.Ping(ctx); err == nil {
		ss.markHealthy()
		m.log.Info("mcp.server.reconnected", "server", ss.name)
	}
}
