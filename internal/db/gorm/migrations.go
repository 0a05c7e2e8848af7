// Package gorm provides GORM-based database operations for faultline.
package gorm

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: Projects
		{
			ID: "001_projects",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Project{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("projects")
			},
		},

		// Migration 002: Error groups with the (project_id, fingerprint) unique index
		{
			ID: "002_error_groups",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&ErrorGroup{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("error_groups")
			},
		},

		// Migration 003: Occurrences
		{
			ID: "003_occurrences",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Occurrence{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("occurrences")
			},
		},

		// Migration 004: Partial index for groups still waiting on enrichment
		{
			ID: "004_error_groups_pending_enrichment",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_error_groups_pending_ai
					ON error_groups (created_at_epoch) WHERE ai_suggestion IS NULL`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX IF EXISTS idx_error_groups_pending_ai").Error
			},
		},
	})

	if err := m.Migrate(); err != nil {
		return fmt.Errorf("run gormigrate migrations: %w", err)
	}

	return nil
}
