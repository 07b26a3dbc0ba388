// Package config defines the legion configuration file and its load,
// save, and watch helpers. The file is JSON5; secrets never live in it
// and come from LEGION_* environment variables instead.
package config

import (
	"path/filepath"
	"sync"
)

// DefaultPath is where the gateway looks for its config file.
const DefaultPath = "~/.legion/config.json"

// Config is the root configuration. It carries its own lock so a hot
// reload can swap the contents while readers hold a pointer to it;
// cross-section reads go through the accessor methods below.
type Config struct {
	Workspace  WorkspaceConfig             `json:"workspace"`
	Bus        BusConfig                   `json:"bus"`
	Channels   ChannelsConfig              `json:"channels"`
	Minions    MinionsConfig               `json:"minions"`
	Generator  GeneratorConfig             `json:"generator"`
	Gateway    GatewayConfig               `json:"gateway"`
	Database   DatabaseConfig              `json:"database,omitempty"`
	Telemetry  TelemetryConfig             `json:"telemetry,omitempty"`
	MCPServers map[string]*MCPServerConfig `json:"mcp_servers,omitempty"`

	mu sync.RWMutex
}

// WorkspaceConfig locates on-disk state.
type WorkspaceConfig struct {
	Dir         string `json:"dir"`                    // default "~/.legion"
	PersonasDir string `json:"personas_dir,omitempty"` // default "<dir>/personas"
}

// BusConfig tunes the event bus.
type BusConfig struct {
	RateLimit    int `json:"rate_limit,omitempty"`    // events per source per second (default 10)
	HistoryLimit int `json:"history_limit,omitempty"` // replay ring capacity (default 1000)
	QueueSize    int `json:"queue_size,omitempty"`    // per-subscription buffer (default 256)
}

// ChannelsConfig tunes the channel service.
type ChannelsConfig struct {
	FlushIntervalSec     int    `json:"flush_interval_sec,omitempty"`     // buffer persistence cadence (default 5)
	CleanupSchedule      string `json:"cleanup_schedule,omitempty"`       // cron gate for the retention sweep (default "0 * * * *")
	DirectRetentionHours int    `json:"direct_retention_hours,omitempty"` // empty direct-channel lifetime (default 168)
}

// MinionsConfig tunes agent runtimes and the emotional engines.
type MinionsConfig struct {
	ResponseRate      int      `json:"response_rate,omitempty"`       // replies per channel per window (default 3)
	ResponseWindowSec int      `json:"response_window_sec,omitempty"` // limiter window in seconds (default 60)
	MaxToolIterations int      `json:"max_tool_iterations,omitempty"` // generator rounds per message (default 4)
	Retries           int      `json:"retries,omitempty"`             // extra generator attempts (default 1)
	TranscriptTokens  int      `json:"transcript_tokens,omitempty"`   // transcript budget per respond run (default 500)
	Commanders        []string `json:"commanders,omitempty"`          // ids pinned to the loyal opinion band
}

// GeneratorConfig selects the response generator. The API key comes
// from LEGION_GEMINI_API_KEY only.
type GeneratorConfig struct {
	Provider   string `json:"provider,omitempty"` // "gemini" (default) or "scripted"
	Model      string `json:"model,omitempty"`
	APIKey     string `json:"-"`
	BaseURL    string `json:"base_url,omitempty"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

// GatewayConfig controls the WebSocket bridge listener. The auth token
// comes from LEGION_GATEWAY_TOKEN only; an empty token disables auth.
type GatewayConfig struct {
	Host              string   `json:"host"`
	Port              int      `json:"port"`
	Token             string   `json:"-"`
	AllowedOrigins    []string `json:"allowed_origins,omitempty"`
	CommandsPerMinute int      `json:"commands_per_minute,omitempty"`
}

// DatabaseConfig selects the storage backend. The Postgres DSN comes
// from LEGION_POSTGRES_DSN only.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"`        // "standalone" (default), "managed", "memory"
	SQLitePath  string `json:"sqlite_path,omitempty"` // standalone database file (default "~/.legion/legion.db")
	PostgresDSN string `json:"-"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext export for local collectors
	ServiceName string            `json:"service_name,omitempty"` // default "legion-gateway"
	Headers     map[string]string `json:"headers,omitempty"`
}

// MCPServerConfig configures one external MCP server connection.
type MCPServerConfig struct {
	Transport  string            `json:"transport,omitempty"` // "stdio" or "streamable-http"; inferred when empty
	Command    string            `json:"command,omitempty"`   // stdio: command to spawn
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"` // streamable-http: endpoint
	Headers    map[string]string `json:"headers,omitempty"`
	Enabled    *bool             `json:"enabled,omitempty"`     // default true
	TimeoutSec int               `json:"timeout_sec,omitempty"` // per-tool-call timeout (default 60)
}

// IsEnabled reports whether this server should be connected. Absent
// means enabled.
func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ReplaceFrom copies all data sections from src, preserving c's lock.
// Used by the hot-reload path so pointers held by other components stay
// valid.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Workspace = src.Workspace
	c.Bus = src.Bus
	c.Channels = src.Channels
	c.Minions = src.Minions
	c.Generator = src.Generator
	c.Gateway = src.Gateway
	c.Database = src.Database
	c.Telemetry = src.Telemetry
	c.MCPServers = src.MCPServers
}

// IsManagedMode reports whether the gateway runs against Postgres.
func (c *Config) IsManagedMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// WorkspacePath returns the expanded workspace directory.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Workspace.Dir)
}

// PersonasPath returns the expanded persona definitions directory.
func (c *Config) PersonasPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Workspace.PersonasDir != "" {
		return ExpandHome(c.Workspace.PersonasDir)
	}
	return filepath.Join(ExpandHome(c.Workspace.Dir), "personas")
}

// SQLitePath returns the expanded standalone database path.
func (c *Config) SQLitePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Database.SQLitePath)
}

// BusRateLimit is read by the reload hook to re-apply the per-source
// budget without a restart.
func (c *Config) BusRateLimit() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Bus.RateLimit
}

// ResponseLimit returns the per-channel reply budget for runtimes.
func (c *Config) ResponseLimit() (perWindow int, windowSec int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Minions.ResponseRate, c.Minions.ResponseWindowSec
}

// MinionsSettings returns a copy of the minions section. Spawns happen
// at runtime, so they read through this accessor rather than racing a
// concurrent reload.
func (c *Config) MinionsSettings() MinionsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Minions
}
