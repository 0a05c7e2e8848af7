// Package gorm provides GORM-based database operations for faultline.
package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/faultline/pkg/models"
)

// Sentinel errors returned by the stores.
var (
	ErrProjectNotFound = errors.New("project not found")
	ErrGroupNotFound   = errors.New("error group not found")
)

// GroupStore provides error group operations using GORM.
type GroupStore struct {
	db *gorm.DB
}

// NewGroupStore creates a new error group store.
func NewGroupStore(store *Store) *GroupStore {
	return &GroupStore{db: store.DB}
}

// FindOrCreateGroup returns the group for (group.ProjectID, group.Fingerprint),
// inserting group if none exists yet. The insert is a single statement that
// yields to the unique index on conflict, so concurrent callers racing on a
// new fingerprint end up sharing one row and exactly one of them sees
// created == true. An existing row is never modified.
func (s *GroupStore) FindOrCreateGroup(ctx context.Context, group *models.ErrorGroup) (*models.ErrorGroup, bool, error) {
	row := &ErrorGroup{
		ProjectID:         group.ProjectID,
		Fingerprint:       group.Fingerprint,
		RawMessage:        group.RawMessage,
		RawStack:          nullString(group.RawStack),
		NormalizedMessage: group.NormalizedMessage,
		NormalizedStack:   nullString(group.NormalizedStack),
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "fingerprint"}},
			DoNothing: true,
		}).
		Create(row)
	if res.Error != nil && !isDuplicateKey(res.Error) {
		return nil, false, fmt.Errorf("insert error group: %w", res.Error)
	}
	if res.Error == nil && res.RowsAffected == 1 {
		return toModelErrorGroup(row), true, nil
	}

	// Lost the race or the group already existed: read the winning row.
	existing, err := s.GetGroupByFingerprint(ctx, group.ProjectID, group.Fingerprint)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("error group %s/%s: conflict reported but row missing", group.ProjectID, group.Fingerprint)
	}
	return existing, false, nil
}

// GetGroupByFingerprint retrieves a group by its natural key, or nil if absent.
func (s *GroupStore) GetGroupByFingerprint(ctx context.Context, projectID, fingerprint string) (*models.ErrorGroup, error) {
	var row ErrorGroup
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND fingerprint = ?", projectID, fingerprint).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get error group by fingerprint: %w", err)
	}
	return toModelErrorGroup(&row), nil
}

// GetGroupByID retrieves a group by its ID, or nil if absent.
func (s *GroupStore) GetGroupByID(ctx context.Context, id string) (*models.ErrorGroup, error) {
	var row ErrorGroup
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelErrorGroup(&row), nil
}

// GetGroupDetail retrieves a group of projectID with all of its occurrences,
// newest first. It returns nil if the group does not exist in that project.
func (s *GroupStore) GetGroupDetail(ctx context.Context, projectID, id string) (*models.ErrorGroupDetail, error) {
	group, err := s.GetGroupByID(ctx, id)
	if err != nil || group == nil || group.ProjectID != projectID {
		return nil, err
	}

	var rows []Occurrence
	err = s.db.WithContext(ctx).
		Where("error_group_id = ?", id).
		Order("created_at_epoch DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	detail := &models.ErrorGroupDetail{
		ErrorGroup:  *group,
		Occurrences: make([]models.Occurrence, 0, len(rows)),
	}
	for i := range rows {
		detail.Occurrences = append(detail.Occurrences, toModelOccurrence(&rows[i]))
	}
	return detail, nil
}

// SetSuggestion records the enrichment result on a group. Only the first
// call for a group has any effect; it reports whether the row was updated.
func (s *GroupStore) SetSuggestion(ctx context.Context, id, suggestion string, analyzedAt time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&ErrorGroup{}).
		Where("id = ? AND ai_suggestion IS NULL", id).
		Updates(map[string]interface{}{
			"ai_suggestion":        suggestion,
			"ai_analyzed_at":       analyzedAt.UTC().Format(time.RFC3339),
			"ai_analyzed_at_epoch": analyzedAt.UnixMilli(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("set suggestion: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListUnenriched returns up to limit groups of a project that still have no
// suggestion, oldest first.
func (s *GroupStore) ListUnenriched(ctx context.Context, projectID string, limit int) ([]*models.ErrorGroup, error) {
	var rows []ErrorGroup
	query := s.db.WithContext(ctx).
		Where("project_id = ? AND ai_suggestion IS NULL", projectID).
		Order("created_at_epoch ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	groups := make([]*models.ErrorGroup, 0, len(rows))
	for i := range rows {
		groups = append(groups, toModelErrorGroup(&rows[i]))
	}
	return groups, nil
}

// CountGroups returns the number of groups in a project.
func (s *GroupStore) CountGroups(ctx context.Context, projectID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ErrorGroup{}).
		Where("project_id = ?", projectID).
		Count(&count).Error
	return count, err
}

// occurrenceRow is the projection loaded for group listing.
type occurrenceRow struct {
	ErrorGroupID   string
	Environment    string
	CreatedAtEpoch int64
}

// ListGroupsWithOccurrences loads every group of a project together with the
// environment and timestamp of each of its occurrences.
func (s *GroupStore) ListGroupsWithOccurrences(ctx context.Context, projectID string) ([]models.GroupWithOccurrences, error) {
	var groups []ErrorGroup
	err := s.db.WithContext(ctx).
		Select("id", "raw_message", "fingerprint", "ai_suggestion").
		Where("project_id = ?", projectID).
		Order("created_at_epoch DESC").
		Find(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("list error groups: %w", err)
	}

	var occ []occurrenceRow
	err = s.db.WithContext(ctx).
		Model(&Occurrence{}).
		Select("error_group_id", "environment", "created_at_epoch").
		Where("project_id = ?", projectID).
		Order("created_at_epoch ASC").
		Scan(&occ).Error
	if err != nil {
		return nil, fmt.Errorf("list occurrences: %w", err)
	}

	byGroup := make(map[string][]models.OccurrencePoint, len(groups))
	for _, o := range occ {
		byGroup[o.ErrorGroupID] = append(byGroup[o.ErrorGroupID], models.OccurrencePoint{
			CreatedAt:    time.UnixMilli(o.CreatedAtEpoch).UTC(),
			Environment:  o.Environment,
			ErrorGroupID: o.ErrorGroupID,
		})
	}

	result := make([]models.GroupWithOccurrences, 0, len(groups))
	for _, g := range groups {
		result = append(result, models.GroupWithOccurrences{
			ID:          g.ID,
			RawMessage:  g.RawMessage,
			Fingerprint: g.Fingerprint,
			HasAI:       g.AISuggestion.Valid && g.AISuggestion.String != "",
			Occurrences: byGroup[g.ID],
		})
	}
	return result, nil
}
