// Package models contains domain models for faultline.
package models

import "time"

// OccurrencePoint is the projection of an Occurrence used by the aggregator.
type OccurrencePoint struct {
	CreatedAt    time.Time
	Environment  string
	ErrorGroupID string
}

// MetricTrend is one dashboard metric with its week-over-week trend.
type MetricTrend struct {
	Trend   string `json:"trend"`
	Value   int    `json:"value"`
	TrendUp bool   `json:"trendUp"`
}

// AnalyticsSnapshot is computed on demand from stored occurrences.
type AnalyticsSnapshot struct {
	Total       MetricTrend `json:"total"`
	Unique      MetricTrend `json:"unique"`
	Prod        MetricTrend `json:"prod"`
	HealthScore int         `json:"healthScore"`
}

// GroupWithOccurrences is the input row for group listing.
type GroupWithOccurrences struct {
	ID          string
	RawMessage  string
	Fingerprint string
	HasAI       bool
	Occurrences []OccurrencePoint
}

// GroupSummary is one row of the dashboard error list.
type GroupSummary struct {
	FirstSeen    *time.Time `json:"firstSeen"`
	LastSeen     *time.Time `json:"lastSeen"`
	ID           string     `json:"id"`
	Message      string     `json:"message"`
	Environments []string   `json:"environments"`
	Count        int        `json:"count"`
	HasAI        bool       `json:"hasAI"`
}
