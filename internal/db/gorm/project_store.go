// Package gorm provides GORM-based database operations for faultline.
package gorm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thebtf/faultline/pkg/models"
)

// APIKeyPrefix marks faultline project keys.
const APIKeyPrefix = "fl_"

// ProjectStore resolves and provisions project API keys.
type ProjectStore struct {
	db *gorm.DB
}

// NewProjectStore creates a new project store.
func NewProjectStore(store *Store) *ProjectStore {
	return &ProjectStore{db: store.DB}
}

// NewAPIKey generates a random project API key.
func NewAPIKey() string {
	return APIKeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateProject stores a new project with a freshly generated API key.
func (s *ProjectStore) CreateProject(ctx context.Context, name string) (*models.Project, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("project name is required")
	}

	// A key collision is astronomically unlikely; one retry covers it.
	for attempt := 0; attempt < 2; attempt++ {
		p := &Project{Name: name, APIKey: NewAPIKey()}
		err := s.db.WithContext(ctx).Create(p).Error
		if err == nil {
			return toModelProject(p), nil
		}
		if !isDuplicateKey(err) {
			return nil, fmt.Errorf("insert project: %w", err)
		}
	}
	return nil, fmt.Errorf("insert project: api key collision")
}

// RotateAPIKey replaces a project's API key and returns the new one.
func (s *ProjectStore) RotateAPIKey(ctx context.Context, projectID string) (string, error) {
	key := NewAPIKey()
	res := s.db.WithContext(ctx).
		Model(&Project{}).
		Where("id = ?", projectID).
		Update("api_key", key)
	if res.Error != nil {
		return "", fmt.Errorf("rotate api key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return "", ErrProjectNotFound
	}
	return key, nil
}

// GetProjectByAPIKey returns the project owning apiKey, or nil if none does.
func (s *ProjectStore) GetProjectByAPIKey(ctx context.Context, apiKey string) (*models.Project, error) {
	if apiKey == "" {
		return nil, nil
	}
	var p Project
	err := s.db.WithContext(ctx).Where("api_key = ?", apiKey).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelProject(&p), nil
}

// GetProjectByID retrieves a project by its ID, or nil if it does not exist.
func (s *ProjectStore) GetProjectByID(ctx context.Context, id string) (*models.Project, error) {
	var p Project
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelProject(&p), nil
}
