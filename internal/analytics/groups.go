package analytics

import (
	"sort"
	"time"

	"github.com/thebtf/faultline/pkg/models"
)

// SortMode orders the group listing.
type SortMode string

const (
	SortLatest SortMode = "latest"
	SortCount  SortMode = "count"
)

// ParseSortMode maps a query value to a SortMode, defaulting to SortLatest.
func ParseSortMode(s string) SortMode {
	if SortMode(s) == SortCount {
		return SortCount
	}
	return SortLatest
}

// SummarizeGroups builds dashboard rows. When env is non-empty only
// occurrences from that environment are counted; groups with no matching
// occurrence are still listed with a zero count.
func SummarizeGroups(groups []models.GroupWithOccurrences, mode SortMode, env string) []models.GroupSummary {
	out := make([]models.GroupSummary, 0, len(groups))

	for _, g := range groups {
		s := models.GroupSummary{
			ID:           g.ID,
			Message:      g.RawMessage,
			HasAI:        g.HasAI,
			Environments: []string{},
		}

		seen := make(map[string]struct{})
		var first, last time.Time
		for _, o := range g.Occurrences {
			if env != "" && o.Environment != env {
				continue
			}
			s.Count++
			if _, ok := seen[o.Environment]; !ok {
				seen[o.Environment] = struct{}{}
				s.Environments = append(s.Environments, o.Environment)
			}
			if first.IsZero() || o.CreatedAt.Before(first) {
				first = o.CreatedAt
			}
			if o.CreatedAt.After(last) {
				last = o.CreatedAt
			}
		}
		if s.Count > 0 {
			s.FirstSeen = &first
			s.LastSeen = &last
		}
		out = append(out, s)
	}

	if mode == SortCount {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
		return out
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastSeen, out[j].LastSeen
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	return out
}
