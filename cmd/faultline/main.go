// Package main provides the faultline command line entry point.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/faultline/internal/config"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	debug bool
	cfg   *config.Config

	rootCmd = &cobra.Command{
		Use:           "faultline",
		Short:         "Error event ingestion and triage service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				loaded = config.Default()
			}
			cfg = loaded

			setupLogging(cfg.LogLevel)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to load config, using defaults")
			}
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.AddCommand(serveCmd, projectCmd, enrichCmd, versionCmd)
}

func setupLogging(configured string) {
	level := zerolog.InfoLevel
	if lvl, err := zerolog.ParseLevel(configured); err == nil && lvl != zerolog.NoLevel {
		level = lvl
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
