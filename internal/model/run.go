// Package model defines the core domain types for Regal.
//
// Types correspond directly to database rows and audit event payloads.
// An EnrichmentRun is keyed by the owning catalog entry; there is never
// more than one row per entry key.
package model

import (
	"strings"
	"time"
)

// RunStatus represents the lifecycle state of an enrichment run.
type RunStatus string

const (
	RunStatusNotStarted RunStatus = "not_started"
	RunStatusQueued     RunStatus = "queued"
	RunStatusRunning    RunStatus = "running"
	RunStatusReview     RunStatus = "review"
	RunStatusApproved   RunStatus = "approved"
	RunStatusRejected   RunStatus = "rejected"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
)

// ReviewState is the review sub-state carried alongside RunStatus.
// It may only be "pending" while the run is queued, running, or in review.
type ReviewState string

const (
	ReviewStateNotRequired ReviewState = "not_required"
	ReviewStatePending     ReviewState = "pending"
	ReviewStateApproved    ReviewState = "approved"
	ReviewStateRejected    ReviewState = "rejected"
)

// NormalizeRunStatus maps free-form status text onto the enum,
// defaulting to not_started for unknown or empty input.
func NormalizeRunStatus(s string) RunStatus {
	switch RunStatus(strings.ToLower(strings.TrimSpace(s))) {
	case RunStatusQueued:
		return RunStatusQueued
	case RunStatusRunning:
		return RunStatusRunning
	case RunStatusReview:
		return RunStatusReview
	case RunStatusApproved:
		return RunStatusApproved
	case RunStatusRejected:
		return RunStatusRejected
	case RunStatusFailed:
		return RunStatusFailed
	case RunStatusCancelled:
		return RunStatusCancelled
	default:
		return RunStatusNotStarted
	}
}

// IsTerminal reports whether the status is a terminal outcome.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusApproved, RunStatusRejected, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// InFlight reports whether the run occupies (or is waiting for) the
// global concurrency slot.
func (s RunStatus) InFlight() bool {
	return s == RunStatusQueued || s == RunStatusRunning
}

// CanStart reports whether a start operation may queue a run from this
// status. Restart is allowed from any status and does not consult this.
func (s RunStatus) CanStart() bool {
	switch s {
	case RunStatusNotStarted, RunStatusFailed, RunStatusCancelled, RunStatusApproved, RunStatusRejected:
		return true
	default:
		return false
	}
}

// EnrichmentRun is the persisted record of an enrichment run for one
// catalog entry. Key is the external catalog identifier.
type EnrichmentRun struct {
	Key                string      `json:"key"`
	SearchQuery        string      `json:"search_query"`
	Status             RunStatus   `json:"status"`
	ReviewState        ReviewState `json:"review_state"`
	ReviewedBy         *string     `json:"reviewed_by,omitempty"`
	LastReviewDecision *string     `json:"last_review_decision,omitempty"`
	LastReviewNotes    *string     `json:"last_review_notes,omitempty"`
	RetryCount         int         `json:"retry_count"`
	NextRetryAt        *time.Time  `json:"next_retry_at,omitempty"`
	LastError          *string     `json:"last_error,omitempty"`
	LastAttemptAt      *time.Time  `json:"last_attempt_at,omitempty"`
	LastModified       time.Time   `json:"last_modified"`
}
