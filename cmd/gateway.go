package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/legionworks/legion/internal/config"
	"github.com/legionworks/legion/internal/container"
	"github.com/legionworks/legion/internal/providers"
	"github.com/legionworks/legion/internal/store"
	"github.com/legionworks/legion/internal/store/lite"
	memstore "github.com/legionworks/legion/internal/store/memory"
	"github.com/legionworks/legion/internal/store/pg"
	"github.com/legionworks/legion/internal/telemetry"
)

// shutdownTimeout bounds the final flush and snapshot writes.
const shutdownTimeout = 15 * time.Second

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the Legion gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// First run: no config file and no generator credentials. Redirect to
	// the wizard instead of failing later on a missing API key.
	_, statErr := os.Stat(config.ExpandHome(cfgPath))
	if os.IsNotExist(statErr) && cfg.Generator.APIKey == "" && cfg.Generator.Provider != "scripted" {
		fmt.Println("No configuration found. Starting setup wizard...")
		fmt.Println()
		runOnboard()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	gen, err := buildGenerator(cfg)
	if err != nil {
		slog.Error("failed to configure generator", "error", err)
		os.Exit(1)
	}

	ctn, err := container.New(cfg, stores, gen)
	if err != nil {
		slog.Error("failed to wire fabric", "error", err)
		os.Exit(1)
	}

	if err := ctn.Start(ctx); err != nil {
		slog.Error("failed to start", "error", err)
		ctn.Stop(context.Background())
		os.Exit(1)
	}

	// Hot reload: re-read the file on change and swap the settings in
	// place so components holding the config pointer see the new values.
	stopWatch, err := config.Watch(cfgPath, slog.Default(), func() {
		fresh, loadErr := config.Load(cfgPath)
		if loadErr != nil {
			slog.Warn("config reload failed", "error", loadErr)
			return
		}
		cfg.ReplaceFrom(fresh)
		ctn.Reload()
	})
	if err != nil {
		slog.Warn("config watch unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	slog.Info("legion gateway started",
		"version", Version,
		"mode", cfg.Database.Mode,
		"addr", ctn.GatewayAddr(),
		"minions", ctn.MinionIDs(),
	)

	exitCode := 0
	select {
	case <-ctx.Done():
		slog.Info("graceful shutdown initiated")
	case err := <-ctn.Err():
		if err != nil {
			slog.Error("gateway error", "error", err)
			exitCode = 1
		} else {
			slog.Info("gateway listener closed")
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ctn.Stop(stopCtx); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// openStores picks the storage backend from the database mode.
func openStores(cfg *config.Config) (*store.Stores, error) {
	switch cfg.Database.Mode {
	case "", store.ModeStandalone:
		return lite.Open(cfg.SQLitePath())
	case store.ModeManaged:
		if cfg.Database.PostgresDSN == "" {
			return nil, fmt.Errorf("managed mode needs LEGION_POSTGRES_DSN")
		}
		return pg.Open(cfg.Database.PostgresDSN)
	case store.ModeMemory:
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown database mode %q", cfg.Database.Mode)
	}
}

// buildGenerator picks the response generator from the provider name.
func buildGenerator(cfg *config.Config) (providers.Generator, error) {
	switch cfg.Generator.Provider {
	case "", "gemini":
		if cfg.Generator.APIKey == "" {
			return nil, fmt.Errorf("gemini needs LEGION_GEMINI_API_KEY (or set provider to \"scripted\" for a dry run)")
		}
		opts := []providers.GeminiOption{
			providers.WithGeminiModel(cfg.Generator.Model),
		}
		if cfg.Generator.BaseURL != "" {
			opts = append(opts, providers.WithGeminiBaseURL(cfg.Generator.BaseURL))
		}
		if cfg.Generator.TimeoutSec > 0 {
			opts = append(opts, providers.WithGeminiHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Generator.TimeoutSec) * time.Second,
			}))
		}
		return providers.NewGemini(cfg.Generator.APIKey, opts...), nil
	case "scripted":
		// Minions stay silent and the fabric still runs end to end.
		return providers.NewScripted(), nil
	default:
		return nil, fmt.Errorf("unknown generator provider %q", cfg.Generator.Provider)
	}
}
