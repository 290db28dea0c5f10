package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/guffghar-rt/internal/config"
	"github.com/vovakirdan/guffghar-rt/internal/log"
)

var (
	configFile string
	logLevel   string
	overrides  config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "guffghar-rt",
	Short: "Guff Ghar realtime server",
	Long: `guffghar-rt runs the realtime messaging and call signaling core of Guff Ghar.

Configuration is read from config.yaml (created with defaults when missing),
then GUFFGHAR_* environment variables, then command-line flags.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&overrides.Database.Driver, "db-driver", "", "database driver: sqlite or postgres")
	rootCmd.PersistentFlags().StringVar(&overrides.Database.DSN, "db-dsn", "", "database path or connection string")
}

// loadConfig resolves configuration and builds the logger for a sub-command.
func loadConfig() (config.Config, *zerolog.Logger, error) {
	bootstrap := log.New("info")
	cfg, path, err := config.Load(bootstrap, configFile)
	if err != nil {
		return cfg, bootstrap, err
	}
	overrides.LogLevel = logLevel
	cfg.UpdateFrom(overrides)

	logger := log.New(cfg.LogLevel)
	logger.Debug().Str("config", path).Msg("configuration loaded")
	return cfg, logger, nil
}
