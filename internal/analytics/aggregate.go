// Package analytics computes dashboard metrics from stored occurrences.
package analytics

import (
	"strconv"
	"time"

	"github.com/thebtf/faultline/pkg/models"
)

// Window is the length of one comparison period.
const Window = 7 * 24 * time.Hour

// Health score and trend formatting parameters.
const (
	MaxHealthScore   = 100
	MinHealthScore   = 10
	ProdErrorPenalty = 2
	TrendSuffix      = " vs last week"
	noChangeFromZero = "0%"
	growthFromZero   = "+100%"
)

type windowCounts struct {
	groups map[string]struct{}
	total  int
	prod   int
}

func newWindowCounts() windowCounts {
	return windowCounts{groups: make(map[string]struct{})}
}

func (w *windowCounts) add(p models.OccurrencePoint) {
	w.total++
	w.groups[p.ErrorGroupID] = struct{}{}
	if p.Environment == models.EnvironmentProd {
		w.prod++
	}
}

// Since returns the earliest timestamp Aggregate looks at for now.
func Since(now time.Time) time.Time {
	return now.Add(-2 * Window)
}

// Aggregate buckets occurrences into the current window [now-7d, now] and
// the previous window [now-14d, now-7d) and compares them. Occurrences
// outside both windows, including any stamped after now, are ignored.
func Aggregate(occurrences []models.OccurrencePoint, now time.Time) models.AnalyticsSnapshot {
	currentStart := now.Add(-Window)
	previousStart := now.Add(-2 * Window)

	current := newWindowCounts()
	previous := newWindowCounts()

	for _, o := range occurrences {
		switch {
		case o.CreatedAt.After(now):
		case !o.CreatedAt.Before(currentStart):
			current.add(o)
		case !o.CreatedAt.Before(previousStart):
			previous.add(o)
		}
	}

	return models.AnalyticsSnapshot{
		Total:       metric(current.total, previous.total),
		Unique:      metric(len(current.groups), len(previous.groups)),
		Prod:        metric(current.prod, previous.prod),
		HealthScore: HealthScore(current.prod),
	}
}

func metric(current, previous int) models.MetricTrend {
	return models.MetricTrend{
		Value:   current,
		Trend:   Trend(current, previous),
		TrendUp: current > previous,
	}
}

// Trend formats the relative change from previous to current, e.g. "+50.0%".
// A zero previous count yields "+100%" when current is positive and "0%"
// otherwise. Only strictly positive changes carry a "+" sign.
func Trend(current, previous int) string {
	if previous == 0 {
		if current > 0 {
			return growthFromZero
		}
		return noChangeFromZero
	}

	percent := float64(current-previous) / float64(previous) * 100
	s := strconv.FormatFloat(percent, 'f', 1, 64) + "%"
	if percent > 0 {
		return "+" + s
	}
	return s
}

// HealthScore drops by ProdErrorPenalty per production occurrence in the
// current window and never goes below MinHealthScore.
func HealthScore(currentProd int) int {
	return max(MinHealthScore, MaxHealthScore-ProdErrorPenalty*currentProd)
}

// WithTrendSuffix returns a copy of s with the dashboard suffix appended to
// every trend string.
func WithTrendSuffix(s models.AnalyticsSnapshot) models.AnalyticsSnapshot {
	s.Total.Trend += TrendSuffix
	s.Unique.Trend += TrendSuffix
	s.Prod.Trend += TrendSuffix
	return s
}
