// Command keepsake is a personal memory companion: it stores
// conversation episodes per identity and answers questions about them
// through hybrid entity and semantic retrieval.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/keepsake-ai/keepsake/internal/config"
)

var version = "dev"

var (
	flagConfig   string
	flagDataDir  string
	flagIdentity string
	noColor      bool
)

var rootCmd = &cobra.Command{
	Use:           "keepsake",
	Short:         "Personal memory companion with hybrid retrieval",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: $XDG_CONFIG_HOME/keepsake/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory override")
	rootCmd.PersistentFlags().StringVar(&flagIdentity, "identity", "default", "conversation identity (isolated store per identity)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// loadConfig resolves config file and flag overrides, and installs the
// process logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.Config{}, err
	}
	if flagDataDir != "" {
		cfg.Storage.DataDir = flagDataDir
	}

	logger, cleanup := config.SetupLogger(cfg.Logging.File, cfg.Logging.Level)
	slog.SetDefault(logger)
	cobra.OnFinalize(func() {
		if err := cleanup(); err != nil {
			fmt.Fprintf(os.Stderr, "closing log file: %v\n", err)
		}
	})
	return cfg, nil
}
