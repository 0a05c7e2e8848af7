// Package models contains domain models for faultline.
package models

import (
	"time"
)

// Environment values reported by instrumented clients.
const (
	EnvironmentDev  = "dev"
	EnvironmentProd = "prod"
)

// DefaultMessage replaces a missing or non-string message on ingestion.
const DefaultMessage = "Unknown error"

// DefaultCommitSHA is recorded when the client does not report commit metadata.
const DefaultCommitSHA = "local"

// RawEvent is an error report as decoded from an instrumented client.
// Fields are loosely typed so that malformed payloads still decode and fall
// back to defaults instead of being rejected.
type RawEvent struct {
	Message     any `json:"message"`
	Stack       any `json:"stack"`
	Environment any `json:"environment"`
	CommitSHA   any `json:"commitSha"`
}

// NormalizedForm is the canonical message/stack pair that feeds the fingerprint.
// A nil Stack means the event carried no stack trace.
type NormalizedForm struct {
	Message string
	Stack   *string
}

// ErrorGroup is one deduplicated logical bug within a project.
type ErrorGroup struct {
	AIAnalyzedAt      *time.Time `json:"ai_analyzed_at,omitempty"`
	AISuggestion      *string    `json:"ai_suggestion"`
	RawStack          *string    `json:"raw_stack"`
	NormalizedStack   *string    `json:"normalized_stack"`
	ID                string     `json:"id"`
	ProjectID         string     `json:"project_id"`
	RawMessage        string     `json:"raw_message"`
	NormalizedMessage string     `json:"normalized_message"`
	Fingerprint       string     `json:"fingerprint"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Occurrence is one concrete observation of an ErrorGroup.
type Occurrence struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	ErrorGroupID string    `json:"error_id"`
	Environment  string    `json:"environment"`
	CommitSHA    string    `json:"commit_sha"`
	CreatedAt    time.Time `json:"created_at"`
}

// ErrorGroupDetail is a group together with all of its occurrences.
type ErrorGroupDetail struct {
	ErrorGroup
	Occurrences []Occurrence `json:"occurrences"`
}

// Project is the minimal project record needed to resolve an API key.
type Project struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	APIKey    string    `json:"api_key"`
}
