package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	if cfg.Gateway.Port != 18890 || cfg.Gateway.Host != "0.0.0.0" {
		t.Errorf("gateway default = %s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	if cfg.Database.Mode != "standalone" {
		t.Errorf("database mode = %q", cfg.Database.Mode)
	}
	if cfg.Bus.RateLimit != 10 || cfg.Bus.HistoryLimit != 1000 {
		t.Errorf("bus defaults = %+v", cfg.Bus)
	}
	if len(cfg.Minions.Commanders) != 1 || cfg.Minions.Commanders[0] != "commander" {
		t.Errorf("commanders = %v", cfg.Minions.Commanders)
	}
	if cfg.Telemetry.Enabled {
		t.Error("telemetry enabled by default")
	}
	if cfg.Telemetry.ServiceName != "legion-gateway" {
		t.Errorf("telemetry service = %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadMissingFileKeepsDefaultsAndEnv(t *testing.T) {
	t.Setenv("LEGION_PORT", "7001")
	t.Setenv("LEGION_GATEWAY_TOKEN", "sekrit")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 7001 {
		t.Errorf("port = %d, want env override 7001", cfg.Gateway.Port)
	}
	if cfg.Gateway.Token != "sekrit" {
		t.Errorf("token = %q", cfg.Gateway.Token)
	}
	if cfg.Database.Mode != "standalone" {
		t.Errorf("mode = %q, want default", cfg.Database.Mode)
	}
}

func TestLoadOverlaysFileThenEnv(t *testing.T) {
	// JSON5: comments, unquoted keys, trailing commas.
	raw := `{
		// local development tweaks
		gateway: {host: "127.0.0.1", port: 9000},
		bus: {rate_limit: 25,},
		database: {mode: "managed"},
		minions: {response_rate: 5, commanders: ["prime", "vice"]},
		mcp_servers: {
			calc: {url: "http://127.0.0.1:9901", timeout_sec: 15},
		},
	}`
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LEGION_PORT", "7777")
	t.Setenv("LEGION_POSTGRES_DSN", "postgres://legion@localhost/legion")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("host = %q, want file value", cfg.Gateway.Host)
	}
	if cfg.Gateway.Port != 7777 {
		t.Errorf("port = %d, want env to beat file", cfg.Gateway.Port)
	}
	if cfg.Bus.RateLimit != 25 {
		t.Errorf("bus rate = %d", cfg.Bus.RateLimit)
	}
	if cfg.Bus.QueueSize != 256 {
		t.Errorf("queue size = %d, want untouched default", cfg.Bus.QueueSize)
	}
	if got, _ := cfg.ResponseLimit(); got != 5 {
		t.Errorf("response rate = %d", got)
	}
	if len(cfg.Minions.Commanders) != 2 || cfg.Minions.Commanders[0] != "prime" {
		t.Errorf("commanders = %v", cfg.Minions.Commanders)
	}
	if !cfg.IsManagedMode() {
		t.Error("managed mode with DSN not detected")
	}

	srv := cfg.MCPServers["calc"]
	if srv == nil || srv.URL != "http://127.0.0.1:9901" || srv.TimeoutSec != 15 {
		t.Errorf("mcp server = %+v", srv)
	}
	if !srv.IsEnabled() {
		t.Error("absent enabled flag should mean enabled")
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{gateway: "), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("want parse error")
	}
}

func TestSaveNeverPersistsSecrets(t *testing.T) {
	t.Setenv("LEGION_GEMINI_API_KEY", "AIza-secret")
	t.Setenv("LEGION_POSTGRES_DSN", "postgres://user:hunter2@db/legion")
	t.Setenv("LEGION_GATEWAY_TOKEN", "sekrit")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Generator.APIKey == "" || cfg.Gateway.Token == "" {
		t.Fatal("secrets not loaded from env")
	}

	path := filepath.Join(t.TempDir(), "nested", "config.json")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"AIza-secret", "hunter2", "sekrit"} {
		if strings.Contains(string(data), secret) {
			t.Errorf("saved config contains secret %q", secret)
		}
	}

	// Round trip: saved file loads back without error.
	if _, err := Load(path); err != nil {
		t.Errorf("reload saved config: %v", err)
	}
}

func TestReplaceFromAndHash(t *testing.T) {
	a := Default()
	b := Default()
	b.Gateway.Port = 9999
	b.Minions.ResponseRate = 9

	if a.Hash() == b.Hash() {
		t.Fatal("distinct configs hash equal")
	}

	a.ReplaceFrom(b)
	if a.Hash() != b.Hash() {
		t.Error("hash differs after ReplaceFrom")
	}
	if a.Gateway.Port != 9999 {
		t.Errorf("port = %d after ReplaceFrom", a.Gateway.Port)
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct {
		in   string
		want string
	}{
		{"~", home},
		{"~/.legion/config.json", filepath.Join(home, ".legion", "config.json")},
		{"/var/lib/legion", "/var/lib/legion"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPathAccessors(t *testing.T) {
	cfg := Default()
	home, _ := os.UserHomeDir()

	if got := cfg.WorkspacePath(); got != filepath.Join(home, ".legion") {
		t.Errorf("WorkspacePath = %q", got)
	}
	if got := cfg.PersonasPath(); got != filepath.Join(home, ".legion", "personas") {
		t.Errorf("PersonasPath = %q", got)
	}
	if got := cfg.SQLitePath(); got != filepath.Join(home, ".legion", "legion.db") {
		t.Errorf("SQLitePath = %q", got)
	}

	cfg.Workspace.PersonasDir = "~/elsewhere"
	if got := cfg.PersonasPath(); got != filepath.Join(home, "elsewhere") {
		t.Errorf("explicit PersonasPath = %q", got)
	}
}

func TestWatchInvokesCallbackOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}

	changed := make(chan struct{}, 4)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stop, err := Watch(path, logger, func() {
		changed <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()

	// Unrelated files in the directory must not trigger the callback.
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case <-changed:
		t.Fatal("callback fired for unrelated file")
	case <-time.After(watchDebounce + 300*time.Millisecond):
	}

	if err := os.WriteFile(path, []byte(`{gateway: {port: 9000}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("callback never fired for config change")
	}

	if err := stop(); err != nil {
		t.Errorf("stop: %v", err)
	}
}
