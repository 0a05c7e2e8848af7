package analytics

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/thebtf/faultline/pkg/models"
)

// snapshotTimeout bounds the shared read behind coalesced snapshot calls.
const snapshotTimeout = 30 * time.Second

// PointStore loads occurrence projections for a project.
type PointStore interface {
	ListOccurrencePoints(ctx context.Context, projectID string, since time.Time) ([]models.OccurrencePoint, error)
}

// GroupLister loads groups with their occurrences for a project.
type GroupLister interface {
	ListGroupsWithOccurrences(ctx context.Context, projectID string) ([]models.GroupWithOccurrences, error)
}

// Service answers dashboard queries. Concurrent snapshot requests for the
// same project share one database read.
type Service struct {
	points   PointStore
	groups   GroupLister
	now      func() time.Time
	snapshot singleflight.Group
}

// NewService creates an analytics service.
func NewService(points PointStore, groups GroupLister) *Service {
	return &Service{points: points, groups: groups, now: time.Now}
}

// SetClock overrides the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Snapshot computes the week-over-week metrics for a project. The shared
// read does not inherit the cancellation of whichever caller started it;
// each caller stops waiting when its own ctx is done.
func (s *Service) Snapshot(ctx context.Context, projectID string) (models.AnalyticsSnapshot, error) {
	ch := s.snapshot.DoChan(projectID, func() (interface{}, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotTimeout)
		defer cancel()

		now := s.now()
		points, err := s.points.ListOccurrencePoints(readCtx, projectID, Since(now))
		if err != nil {
			return models.AnalyticsSnapshot{}, err
		}
		return Aggregate(points, now), nil
	})

	select {
	case <-ctx.Done():
		return models.AnalyticsSnapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.AnalyticsSnapshot{}, res.Err
		}
		return res.Val.(models.AnalyticsSnapshot), nil
	}
}

// Groups lists a project's groups as dashboard rows.
func (s *Service) Groups(ctx context.Context, projectID string, mode SortMode, env string) ([]models.GroupSummary, error) {
	groups, err := s.groups.ListGroupsWithOccurrences(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return SummarizeGroups(groups, mode, env), nil
}
