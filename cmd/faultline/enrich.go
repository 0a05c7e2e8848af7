package main

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/faultline/internal/db/gorm"
	"github.com/thebtf/faultline/internal/enrich"
)

var (
	enrichProject string
	enrichLimit   int
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Request suggestions for groups that were never enriched",
	RunE: func(cmd *cobra.Command, args []string) error {
		if enrichProject == "" {
			return errors.New("--project is required")
		}
		if cfg.AnalyzerURL == "" {
			return errors.New("no analyzer configured (FAULTLINE_ANALYZER_URL)")
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		groups := gorm.NewGroupStore(store)
		pending, err := groups.ListUnenriched(cmd.Context(), enrichProject, enrichLimit)
		if err != nil {
			return err
		}
		log.Info().Int("groups", len(pending)).Str("project_id", enrichProject).Msg("Backfilling suggestions")

		client := enrich.NewClient(cfg.AnalyzerURL, cfg.EnrichTimeoutDuration())
		res, err := enrich.Backfill(cmd.Context(), client, groups, pending, cfg.EnrichWorkers, cfg.EnrichTimeoutDuration())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stored %d, skipped %d, failed %d\n", res.Stored, res.Skipped, res.Failed)
		return nil
	},
}

func init() {
	enrichCmd.Flags().StringVar(&enrichProject, "project", "", "Project ID (required)")
	enrichCmd.Flags().IntVar(&enrichLimit, "limit", 100, "Maximum number of groups to enrich, 0 for all")
}
