// Package gorm provides GORM-based database operations for faultline.
package gorm

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thebtf/faultline/pkg/models"
)

// GORM Models

// Project maps an opaque API key to a project id.
type Project struct {
	ID             string `gorm:"primaryKey;type:varchar(36)"`
	Name           string `gorm:"type:text;not null"`
	APIKey         string `gorm:"column:api_key;type:varchar(64);uniqueIndex;not null"`
	CreatedAt      string `gorm:"not null"`
	CreatedAtEpoch int64  `gorm:"not null"`
}

func (Project) TableName() string { return "projects" }

// BeforeCreate hook to ensure id and timestamps are set.
func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	setTimestamps(&p.CreatedAt, &p.CreatedAtEpoch)
	return nil
}

// ErrorGroup is one deduplicated logical bug. (project_id, fingerprint) is unique.
type ErrorGroup struct {
	ID                string         `gorm:"primaryKey;type:varchar(36)"`
	ProjectID         string         `gorm:"type:varchar(36);not null;uniqueIndex:idx_error_groups_project_fingerprint,priority:1"`
	Fingerprint       string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_error_groups_project_fingerprint,priority:2"`
	RawMessage        string         `gorm:"type:text;not null"`
	RawStack          sql.NullString `gorm:"type:text"`
	NormalizedMessage string         `gorm:"type:text;not null"`
	NormalizedStack   sql.NullString `gorm:"type:text"`

	// Enrichment fields, written at most once
	AISuggestion      sql.NullString `gorm:"column:ai_suggestion;type:text"`
	AIAnalyzedAt      sql.NullString `gorm:"column:ai_analyzed_at"`
	AIAnalyzedAtEpoch sql.NullInt64  `gorm:"column:ai_analyzed_at_epoch"`

	CreatedAt      string `gorm:"not null"`
	CreatedAtEpoch int64  `gorm:"index:idx_error_groups_created,sort:desc;not null"`
}

func (ErrorGroup) TableName() string { return "error_groups" }

// BeforeCreate hook to ensure id and timestamps are set.
func (g *ErrorGroup) BeforeCreate(tx *gorm.DB) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	setTimestamps(&g.CreatedAt, &g.CreatedAtEpoch)
	return nil
}

// Occurrence is one observation of an ErrorGroup. Rows are append-only.
type Occurrence struct {
	ID             string     `gorm:"primaryKey;type:varchar(36)"`
	ProjectID      string     `gorm:"type:varchar(36);not null;index:idx_occurrences_project_created,priority:1"`
	ErrorGroupID   string     `gorm:"column:error_group_id;type:varchar(36);not null;index"`
	ErrorGroup     ErrorGroup `gorm:"foreignKey:ErrorGroupID;constraint:OnDelete:RESTRICT"`
	Environment    string     `gorm:"type:varchar(32);not null;default:'dev';index"`
	CommitSHA      string     `gorm:"column:commit_sha;type:varchar(64);not null;default:'local'"`
	CreatedAt      string     `gorm:"not null"`
	CreatedAtEpoch int64      `gorm:"not null;index:idx_occurrences_project_created,priority:2,sort:desc"`
}

func (Occurrence) TableName() string { return "occurrences" }

// BeforeCreate hook to ensure id and timestamps are set.
func (o *Occurrence) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	setTimestamps(&o.CreatedAt, &o.CreatedAtEpoch)
	return nil
}

// setTimestamps fills whichever of the RFC3339/epoch pair is missing.
func setTimestamps(text *string, epoch *int64) {
	switch {
	case *epoch == 0 && *text == "":
		now := time.Now()
		*epoch = now.UnixMilli()
		*text = now.UTC().Format(time.RFC3339)
	case *epoch == 0:
		if t, err := time.Parse(time.RFC3339, *text); err == nil {
			*epoch = t.UnixMilli()
		} else {
			*epoch = time.Now().UnixMilli()
		}
	case *text == "":
		*text = time.UnixMilli(*epoch).UTC().Format(time.RFC3339)
	}
}

func toModelProject(p *Project) *models.Project {
	return &models.Project{
		ID:        p.ID,
		Name:      p.Name,
		APIKey:    p.APIKey,
		CreatedAt: time.UnixMilli(p.CreatedAtEpoch).UTC(),
	}
}

func toModelErrorGroup(g *ErrorGroup) *models.ErrorGroup {
	out := &models.ErrorGroup{
		ID:                g.ID,
		ProjectID:         g.ProjectID,
		RawMessage:        g.RawMessage,
		RawStack:          nullableString(g.RawStack),
		NormalizedMessage: g.NormalizedMessage,
		NormalizedStack:   nullableString(g.NormalizedStack),
		Fingerprint:       g.Fingerprint,
		AISuggestion:      nullableString(g.AISuggestion),
		CreatedAt:         time.UnixMilli(g.CreatedAtEpoch).UTC(),
	}
	if g.AIAnalyzedAtEpoch.Valid {
		at := time.UnixMilli(g.AIAnalyzedAtEpoch.Int64).UTC()
		out.AIAnalyzedAt = &at
	}
	return out
}

func toModelOccurrence(o *Occurrence) models.Occurrence {
	return models.Occurrence{
		ID:           o.ID,
		ProjectID:    o.ProjectID,
		ErrorGroupID: o.ErrorGroupID,
		Environment:  o.Environment,
		CommitSHA:    o.CommitSHA,
		CreatedAt:    time.UnixMilli(o.CreatedAtEpoch).UTC(),
	}
}
