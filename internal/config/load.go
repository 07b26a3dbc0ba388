package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with production defaults.
func Default() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			Dir: "~/.legion",
		},
		Bus: BusConfig{
			RateLimit:    10,
			HistoryLimit: 1000,
			QueueSize:    256,
		},
		Channels: ChannelsConfig{
			FlushIntervalSec:     5,
			CleanupSchedule:      "0 * * * *",
			DirectRetentionHours: 168,
		},
		Minions: MinionsConfig{
			ResponseRate:      3,
			ResponseWindowSec: 60,
			MaxToolIterations: 4,
			Retries:           1,
			TranscriptTokens:  500,
			Commanders:        []string{"commander"},
		},
		Generator: GeneratorConfig{
			Provider:   "gemini",
			Model:      "gemini-2.0-flash",
			TimeoutSec: 30,
		},
		Gateway: GatewayConfig{
			Host:              "0.0.0.0",
			Port:              18890,
			CommandsPerMinute: 60,
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "~/.legion/legion.db",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "legion-gateway",
		},
	}
}

// Load reads the config file and overlays env vars on top. A missing
// file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays LEGION_* env vars. Env wins over file
// values; secrets have no file representation at all.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Secrets: env only.
	envStr("LEGION_GEMINI_API_KEY", &c.Generator.APIKey)
	envStr("LEGION_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("LEGION_GATEWAY_TOKEN", &c.Gateway.Token)

	envStr("LEGION_WORKSPACE", &c.Workspace.Dir)
	envStr("LEGION_MODE", &c.Database.Mode)
	envStr("LEGION_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("LEGION_PROVIDER", &c.Generator.Provider)
	envStr("LEGION_MODEL", &c.Generator.Model)

	envStr("LEGION_HOST", &c.Gateway.Host)
	if v := os.Getenv("LEGION_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("LEGION_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("LEGION_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("LEGION_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("LEGION_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("LEGION_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

// ApplyEnvOverrides re-applies env vars, restoring runtime secrets after
// the config is replaced from disk.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Save writes the config as pretty JSON with owner-only permissions.
// Secret fields are json:"-" and never reach the file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}

	path = ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Hash returns a short content hash, used to detect whether a reload
// actually changed anything.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
