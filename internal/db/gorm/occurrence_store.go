// Package gorm provides GORM-based database operations for faultline.
package gorm

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/faultline/pkg/models"
)

// OccurrenceStore provides append and read operations for occurrences.
type OccurrenceStore struct {
	db *gorm.DB
}

// NewOccurrenceStore creates a new occurrence store.
func NewOccurrenceStore(store *Store) *OccurrenceStore {
	return &OccurrenceStore{db: store.DB}
}

// AppendOccurrence inserts occ and fills in its generated ID and timestamp.
// A zero occ.CreatedAt means "now".
func (s *OccurrenceStore) AppendOccurrence(ctx context.Context, occ *models.Occurrence) error {
	row := &Occurrence{
		ProjectID:    occ.ProjectID,
		ErrorGroupID: occ.ErrorGroupID,
		Environment:  occ.Environment,
		CommitSHA:    occ.CommitSHA,
	}
	if !occ.CreatedAt.IsZero() {
		row.CreatedAtEpoch = occ.CreatedAt.UnixMilli()
	}

	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(row).Error; err != nil {
		return fmt.Errorf("insert occurrence: %w", err)
	}

	occ.ID = row.ID
	occ.CreatedAt = time.UnixMilli(row.CreatedAtEpoch).UTC()
	return nil
}

// ListOccurrencePoints returns the occurrences of a project created at or
// after since, oldest first.
func (s *OccurrenceStore) ListOccurrencePoints(ctx context.Context, projectID string, since time.Time) ([]models.OccurrencePoint, error) {
	var rows []occurrenceRow
	err := s.db.WithContext(ctx).
		Model(&Occurrence{}).
		Select("error_group_id", "environment", "created_at_epoch").
		Where("project_id = ? AND created_at_epoch >= ?", projectID, since.UnixMilli()).
		Order("created_at_epoch ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list occurrence points: %w", err)
	}

	points := make([]models.OccurrencePoint, 0, len(rows))
	for _, r := range rows {
		points = append(points, models.OccurrencePoint{
			CreatedAt:    time.UnixMilli(r.CreatedAtEpoch).UTC(),
			Environment:  r.Environment,
			ErrorGroupID: r.ErrorGroupID,
		})
	}
	return points, nil
}

// CountByGroup returns the number of occurrences recorded for a group.
func (s *OccurrenceStore) CountByGroup(ctx context.Context, groupID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Occurrence{}).
		Where("error_group_id = ?", groupID).
		Count(&count).Error
	return count, err
}
