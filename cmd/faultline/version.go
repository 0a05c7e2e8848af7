package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gorm.io/gorm/logger"

	"github.com/thebtf/faultline/internal/config"
	"github.com/thebtf/faultline/internal/db/gorm"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

// openStore opens the configured database for one-shot commands.
func openStore() (*gorm.Store, error) {
	if cfg.DBDriver == gorm.DriverSQLite {
		if err := config.EnsureDataDir(); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return gorm.NewStore(gorm.Config{
		Driver:   cfg.DBDriver,
		Path:     cfg.DBPath,
		DSN:      cfg.DBDSN,
		MaxConns: cfg.MaxConns,
		LogLevel: logger.Silent,
	})
}
