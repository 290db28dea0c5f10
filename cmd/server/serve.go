package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/guffghar-rt/internal/app"
)

var (
	serveAddr              string
	serveReadHeaderTimeout time.Duration
	serveShutdownTimeout   time.Duration
)

// serveCmd runs the realtime server until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the realtime server",
	RunE: func(cmd *cobra.Command, args []string) error {
		overrides.Addr = serveAddr
		overrides.ReadHeaderTimeout = serveReadHeaderTimeout
		overrides.ShutdownTimeout = serveShutdownTimeout

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		application, err := app.New(ctx, &cfg, logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to start")
			return err
		}

		logger.Info().Str("addr", cfg.Addr).Msg("starting guffghar realtime server")
		if err := application.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("server exited with error")
			return err
		}
		logger.Info().Msg("server stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address")
	serveCmd.Flags().DurationVar(&serveReadHeaderTimeout, "read-header-timeout", 0, "HTTP read header timeout")
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 0, "graceful shutdown timeout")
}
