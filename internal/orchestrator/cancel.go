package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/regalhq/regal/internal/model"
)

// CancelInput aborts a run. Cancellation is advisory: an in-flight
// external call is not interrupted, and its late completion is the
// invoker's responsibility to ignore.
type CancelInput struct {
	Key     string
	Actor   string
	Reason  string
	Request *model.RequestContext
}

// CancelResult reports the outcome of a cancel operation.
type CancelResult struct {
	Cancelled bool                 `json:"cancelled"`
	Reason    string               `json:"reason,omitempty"`
	Run       *model.EnrichmentRun `json:"run,omitempty"`
}

// DeleteInput resets a run back to a not_started shell.
type DeleteInput struct {
	Key     string
	Actor   string
	Reason  string
	Request *model.RequestContext
}

// DeleteResult reports the outcome of a delete operation.
type DeleteResult struct {
	Deleted bool                 `json:"deleted"`
	Reason  string               `json:"reason,omitempty"`
	Run     *model.EnrichmentRun `json:"run,omitempty"`
}

// Health is the aggregated orchestrator health snapshot.
type Health struct {
	OK            bool                    `json:"ok"`
	QueuedCount   int                     `json:"queued_count"`
	RunningCount  int                     `json:"running_count"`
	StatusCounts  map[model.RunStatus]int `json:"status_counts,omitempty"`
	LastUpdatedAt *time.Time              `json:"last_updated_at,omitempty"`
	Message       string                  `json:"message,omitempty"`
}

// Cancel marks an existing run cancelled. The review decision snapshot
// is left in place; only the status and review sub-state change, plus
// the LastError bookkeeping field which records the cancellation reason.
func (s *Service) Cancel(ctx context.Context, input CancelInput) (CancelResult, error) {
	req := normalizeRequest(input.Request)
	s.snapshotRequest(ctx, req)

	key := strings.TrimSpace(input.Key)
	if key == "" {
		s.logger.Warn("orchestrator: cancel missing entry key")
		s.countOp(ctx, "cancel", "declined")
		s.finishRequest(ctx, req, model.RequestStatusDeclined, strPtr(ReasonMissingItemID))
		return CancelResult{Reason: ReasonMissingItemID}, nil
	}

	existing, err := s.runs.Get(ctx, key)
	if err != nil {
		s.countOp(ctx, "cancel", "error")
		s.finishRequest(ctx, req, model.RequestStatusFailed, strPtr(err.Error()))
		return CancelResult{}, fmt.Errorf("orchestrator: cancel %s: %w", key, err)
	}
	if existing == nil {
		s.logger.Warn("orchestrator: cancel without existing run", "key", key)
		s.countOp(ctx, "cancel", "declined")
		s.finishRequest(ctx, req, model.RequestStatusDeclined, strPtr(ReasonNotFound))
		return CancelResult{Reason: ReasonNotFound}, nil
	}

	actor := strings.TrimSpace(input.Actor)
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		if actor != "" {
			reason = "cancelled by " + actor
		} else {
			reason = "enrichment run cancelled"
		}
	}

	s.startRequest(ctx, req, existing.SearchQuery)

	updated := *existing
	updated.Status = model.RunStatusCancelled
	updated.ReviewState = model.ReviewStateNotRequired
	updated.LastError = &reason
	updated.NextRetryAt = nil
	updated.LastModified = s.now()

	changed, err := s.runs.UpdateStatus(ctx, &updated, nil)
	if err == nil && !changed {
		err = fmt.Errorf("no row updated")
	}
	if err != nil {
		s.countOp(ctx, "cancel", "error")
		s.finishRequest(ctx, req, model.RequestStatusFailed, strPtr(err.Error()))
		return CancelResult{}, fmt.Errorf("orchestrator: cancel %s: %w", key, err)
	}

	s.emitAudit(ctx, model.AuditEvent{
		Actor:      actor,
		EntityType: "Item",
		EntityID:   key,
		Event:      model.AuditEventCancelled,
		Meta: map[string]any{
			"previousStatus": string(existing.Status),
			"cancelledAt":    updated.LastModified,
			"reason":         reason,
		},
	})

	s.countOp(ctx, "cancel", "cancelled")
	s.finishRequest(ctx, req, model.RequestStatusCancelled, nil)
	s.logger.Info("orchestrator: run cancelled", "key", key, "previous_status", string(existing.Status))
	return CancelResult{Cancelled: true, Run: s.refresh(ctx, key, &updated)}, nil
}

// Delete removes a run row and recreates a not_started shell preserving
// the stored search query. Declined when no row exists or the run never
// started. Requires an actor for the audit trail.
func (s *Service) Delete(ctx context.Context, input DeleteInput) (DeleteResult, error) {
	req := normalizeRequest(input.Request)
	s.snapshotRequest(ctx, req)

	key := strings.TrimSpace(input.Key)
	if key == "" {
		s.logger.Warn("orchestrator: delete missing entry key")
		s.countOp(ctx, "delete", "declined")
		s.finishRequest(ctx, req, model.RequestStatusDeclined, strPtr(ReasonMissingItemID))
		return DeleteResult{Reason: ReasonMissingItemID}, nil
	}

	actor := strings.TrimSpace(input.Actor)
	if actor == "" {
		s.logger.Warn("orchestrator: delete missing actor", "key", key)
		s.countOp(ctx, "delete", "declined")
		s.finishRequest(ctx, req, model.RequestStatusDeclined, strPtr(ReasonMissingActor))
		return DeleteResult{Reason: ReasonMissingActor}, nil
	}

	existing, err := s.runs.Get(ctx, key)
	if err != nil {
		s.countOp(ctx, "delete", "error")
		s.finishRequest(ctx, req, model.RequestStatusFailed, strPtr(err.Error()))
		return DeleteResult{}, fmt.Errorf("orchestrator: delete %s: %w", key, err)
	}
	if existing == nil {
		s.countOp(ctx, "delete", "declined")
		s.finishRequest(ctx, req, model.RequestStatusDeclined, strPtr(ReasonNotFound))
		return DeleteResult{Reason: ReasonNotFound}, nil
	}
	if existing.Status == model.RunStatusNotStarted {
		s.countOp(ctx, "delete", "declined")
		s.finishRequest(ctx, req, model.RequestStatusDeclined, strPtr(ReasonNotStarted))
		return DeleteResult{Reason: ReasonNotStarted, Run: existing}, nil
	}

	s.startRequest(ctx, req, existing.SearchQuery)

	if _, err := s.runs.Delete(ctx, key); err != nil {
		s.countOp(ctx, "delete", "error")
		s.finishRequest(ctx, req, model.RequestStatusFailed, strPtr(err.Error()))
		return DeleteResult{}, fmt.Errorf("orchestrator: delete %s: %w", key, err)
	}

	shell := &model.EnrichmentRun{
		Key:          key,
		SearchQuery:  existing.SearchQuery,
		Status:       model.RunStatusNotStarted,
		ReviewState:  model.ReviewStateNotRequired,
		LastModified: s.now(),
	}
	if err := s.runs.Upsert(ctx, shell); err != nil {
		s.countOp(ctx, "delete", "error")
		s.finishRequest(ctx, req, model.RequestStatusFailed, strPtr(err.Error()))
		return DeleteResult{}, fmt.Errorf("orchestrator: delete %s: recreate shell: %w", key, err)
	}

	s.emitAudit(ctx, model.AuditEvent{
		Actor:      actor,
		EntityType: "Item",
		EntityID:   key,
		Event:      model.AuditEventReset,
		Meta: map[string]any{
			"previousStatus": string(existing.Status),
			"reason":         strings.TrimSpace(input.Reason),
			"resetAt":        shell.LastModified,
		},
	})

	s.countOp(ctx, "delete", "deleted")
	s.finishRequest(ctx, req, model.RequestStatusSuccess, nil)
	s.logger.Info("orchestrator: run reset", "key", key, "previous_status", string(existing.Status))
	return DeleteResult{Deleted: true, Run: shell}, nil
}

// Status returns the stored run for key, or nil when none exists.
func (s *Service) Status(ctx context.Context, key string) (*model.EnrichmentRun, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return nil, nil
	}
	run, err := s.runs.Get(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: status %s: %w", trimmed, err)
	}
	return run, nil
}

// CheckHealth aggregates queue depth and slot occupancy. Query failures
// are folded into the result rather than propagated.
func (s *Service) CheckHealth(ctx context.Context) Health {
	counts, err := s.runs.StatusCounts(ctx)
	if err != nil {
		s.logger.Error("orchestrator: health status counts failed", "error", err)
		return Health{Message: err.Error()}
	}
	lastUpdated, err := s.runs.LastUpdated(ctx)
	if err != nil {
		s.logger.Error("orchestrator: health last-updated lookup failed", "error", err)
		return Health{Message: err.Error()}
	}
	return Health{
		OK:            true,
		QueuedCount:   counts[model.RunStatusQueued],
		RunningCount:  counts[model.RunStatusRunning],
		StatusCounts:  counts,
		LastUpdatedAt: lastUpdated,
	}
}
