package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/isgasho/wosim/internal/config"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wosim",
		Short: "Network client core for wosim worlds",
		Long: `wosim connects to a world instance, predicts the local player ahead of the
server and reconciles against authoritative snapshots.

Settings come from WOSIM_* environment variables; flags override them.
Logging is controlled with WOSIM_LOG_LEVEL and WOSIM_LOG_FORMAT.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		connectCmd(),
		serveCmd(),
		tokenCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies the flags that were set.
func loadConfig(apply func(*config.Config)) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
