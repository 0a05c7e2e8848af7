package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/faultline/internal/config"
	"github.com/thebtf/faultline/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion and dashboard API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.EnsureAll(); err != nil {
			log.Warn().Err(err).Msg("Failed to ensure data directory")
		}

		svc, err := worker.NewService(Version, cfg)
		if err != nil {
			return err
		}
		if err := svc.Start(); err != nil {
			_ = svc.Shutdown(context.Background())
			return err
		}

		<-cmd.Context().Done()
		log.Info().Msg("Shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return svc.Shutdown(ctx)
	},
}
