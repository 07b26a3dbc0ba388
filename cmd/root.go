package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/legionworks/legion/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/legionworks/legion/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "legion",
	Short: "Legion, a coordination fabric for minion agents",
	Long:  "Legion runs a squad of persona-driven AI minions that converse in shared channels, coordinate tasks, and stream every event to WebSocket clients. Running legion with no subcommand starts the gateway.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.legion/config.json or $LEGION_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("legion %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("LEGION_CONFIG"); v != "" {
		return v
	}
	return config.DefaultPath
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
