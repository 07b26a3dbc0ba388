package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/legionworks/legion/internal/bootstrap"
	"github.com/legionworks/legion/internal/config"
	"github.com/legionworks/legion/internal/store"
	"github.com/legionworks/legion/internal/store/lite"
)

// doctorCol aligns the value column across every section.
const doctorCol = 14

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("legion doctor")
	hrow("Version", Version)
	hrow("OS", runtime.GOOS+"/"+runtime.GOARCH)
	hrow("Go", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(config.ExpandHome(cfgPath)); err != nil {
		hrow("Config", cfgPath+" (NOT FOUND, defaults apply)")
	} else {
		hrow("Config", cfgPath+" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Workspace
	ws := cfg.WorkspacePath()
	if _, err := os.Stat(ws); err != nil {
		hrow("Workspace", ws+" (NOT FOUND)")
	} else {
		hrow("Workspace", ws+" (OK)")
	}
	if personas, _ := bootstrap.LoadPersonas(cfg.PersonasPath()); len(personas) == 0 {
		hrow("Personas", "(none yet; legion onboard seeds the defaults)")
	} else {
		hrow("Personas", strconv.Itoa(len(personas)))
	}

	checkDatabase(cfg)
	checkGenerator(cfg)
	checkGateway(cfg)
	checkMCPServers(cfg)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkDatabase(cfg *config.Config) {
	fmt.Println()
	fmt.Println("  Database:")

	switch cfg.Database.Mode {
	case "", store.ModeStandalone:
		drow("Mode", "standalone")
		dbPath := cfg.SQLitePath()
		drow("Path", dbPath)
		if _, err := os.Stat(dbPath); err != nil {
			drow("Status", "not created yet (first gateway run creates it)")
			return
		}
		stores, err := lite.Open(dbPath)
		if err != nil {
			drow("Status", fmt.Sprintf("OPEN FAILED (%s)", err))
			return
		}
		defer stores.Close()
		reportCounts(stores)
		drow("Status", "OK")

	case store.ModeManaged:
		drow("Mode", "managed")
		if cfg.Database.PostgresDSN == "" {
			drow("Status", "LEGION_POSTGRES_DSN not set")
			return
		}
		db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
		if err != nil {
			drow("Status", fmt.Sprintf("CONNECT FAILED (%s)", err))
			return
		}
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			drow("Status", fmt.Sprintf("CONNECT FAILED (%s)", err))
			return
		}
		drow("Status", "connected")

		var version int64
		var dirty bool
		err = db.QueryRowContext(ctx, `SELECT version, dirty FROM schema_migrations`).Scan(&version, &dirty)
		switch {
		case err != nil:
			drow("Schema", "not migrated (run: legion migrate up)")
		case dirty:
			drow("Schema", fmt.Sprintf("v%d (DIRTY; run: legion migrate force %d)", version, version-1))
		default:
			drow("Schema", fmt.Sprintf("v%d", version))
		}

	case store.ModeMemory:
		drow("Mode", "memory (nothing persists)")

	default:
		drow("Mode", fmt.Sprintf("UNKNOWN (%q)", cfg.Database.Mode))
	}
}

func reportCounts(s *store.Stores) {
	ctx := context.Background()
	if chs, err := s.Channels.ListAll(ctx); err == nil {
		drow("Channels", strconv.Itoa(len(chs)))
	}
	if ms, err := s.Minions.ListAll(ctx); err == nil {
		drow("Minions", strconv.Itoa(len(ms)))
	}
	if ts, err := s.Tasks.ListAll(ctx); err == nil {
		drow("Tasks", strconv.Itoa(len(ts)))
	}
}

func checkGenerator(cfg *config.Config) {
	fmt.Println()
	fmt.Println("  Generator:")
	drow("Provider", cfg.Generator.Provider)
	drow("Model", cfg.Generator.Model)
	switch {
	case cfg.Generator.Provider == "scripted":
		drow("API key", "(not needed)")
	case cfg.Generator.APIKey != "":
		drow("API key", maskKey(cfg.Generator.APIKey))
	default:
		drow("API key", "(not configured; set LEGION_GEMINI_API_KEY)")
	}
}

func checkGateway(cfg *config.Config) {
	fmt.Println()
	fmt.Println("  Gateway:")
	drow("Bind", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port))
	if addr := gatewayAddr(cfg); isGatewayRunning(addr) {
		drow("Status", "running at "+addr)
	} else {
		drow("Status", "not running")
	}
	if cfg.Gateway.Token != "" {
		drow("Auth", "token set")
	} else {
		drow("Auth", "open (set LEGION_GATEWAY_TOKEN to require auth)")
	}
}

func checkMCPServers(cfg *config.Config) {
	if len(cfg.MCPServers) == 0 {
		return
	}
	fmt.Println()
	fmt.Println("  MCP Servers:")
	for _, name := range slices.Sorted(maps.Keys(cfg.MCPServers)) {
		srv := cfg.MCPServers[name]
		switch {
		case !srv.IsEnabled():
			drow(name, "disabled")
		case srv.Command != "":
			if path, err := exec.LookPath(srv.Command); err != nil {
				drow(name, fmt.Sprintf("stdio %s (NOT FOUND)", srv.Command))
			} else {
				drow(name, "stdio "+path)
			}
		case srv.URL != "":
			drow(name, "http "+srv.URL)
		default:
			drow(name, "misconfigured (no command or url)")
		}
	}
}

// hrow and drow print aligned label/value pairs; FillRight keeps the
// value column straight even for labels with wide runes.
func hrow(label, value string) {
	fmt.Printf("  %s %s\n", runewidth.FillRight(label+":", doctorCol), value)
}

func drow(label, value string) {
	fmt.Printf("    %s %s\n", runewidth.FillRight(label+":", doctorCol), value)
}

func maskKey(key string) string {
	if len(key) < 8 {
		return "(set)"
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
