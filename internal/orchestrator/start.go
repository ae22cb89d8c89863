package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/regalhq/regal/internal/model"
	"github.com/regalhq/regal/internal/review"
)

// StartInput triggers queuing of an enrichment run.
type StartInput struct {
	Key         string
	SearchQuery string
	Actor       string
	Context     string
	Review      *model.ReviewPayload
	Request     *model.RequestContext
}

// RestartInput forces a run back to queued from any state.
// ReplaceReviewMetadata with a nil Review clears the stored review
// snapshot; a non-nil Review always replaces it verbatim.
type RestartInput struct {
	StartInput
	ReplaceReviewMetadata bool
}

// StartResult reports the outcome of start and restart. Declines carry a
// structured Reason and Queued=false; Run is the stored row afterwards,
// when one exists.
type StartResult struct {
	Queued  bool                 `json:"queued"`
	Created bool                 `json:"created"`
	Reason  string               `json:"reason,omitempty"`
	Run     *model.EnrichmentRun `json:"run,omitempty"`
}

// Start queues a run for the given entry key. Allowed only when no run
// exists or the stored run is in a startable state; a queued or running
// entry declines with run-already-in-progress. A blank search query
// falls back to the stored query; if none exists the operation declines
// and, for a previously absent entry, leaves behind a not_started shell
// row.
func (s *Service) Start(ctx context.Context, input StartInput) (StartResult, error) {
	req := normalizeRequest(input.Request)
	s.snapshotRequest(ctx, req)

	key := strings.TrimSpace(input.Key)
	if key == "" {
		s.logger.Warn("orchestrator: start missing entry key", "context", input.Context)
		s.countOp(ctx, "start", "declined")
		s.finishRequest(ctx, req, model.RequestStatusDeclined, strPtr(ReasonMissingItemID))
		return StartResult{Reason: ReasonMissingItemID}, nil
	}

	existing, err := s.runs.Get(ctx, key)
	if err != nil {
		s.countOp(ctx, "start", "error")
		s.finishRequest(ctx, req, model.RequestStatusFailed, strPtr(err.Error()))
		return StartResult{}, fmt.Errorf("orchestrator: start %s: %w", key, err)
	}

	if existing != nil && !existing.Status.CanStart() {
		s.logger.Info("orchestrator: start declined, run already in progress",
			"key", key, "status", string(existing.Status))
		s.countOp(ctx, "start", "declined")
		s.finishRequest(ctx, req, model.RequestStatusDeclined, strPtr(ReasonAlreadyInProgress))
		return StartResult{Reason: ReasonAlreadyInProgress, Run: existing}, nil
	}

	query := strings.TrimSpace(input.SearchQuery)
	if query == "" && existing != nil {
		query = strings.TrimSpace(existing.SearchQuery)
	}
	if query == "" {
		s.logger.Warn("orchestrator: start missing search query", "key", key)
		s.countOp(ctx, "start", "declined")
		s.finishRequest(ctx, req, model.RequestStatusDeclined, strPtr(ReasonMissingSearchQuery))
		if existing == nil {
			shell := &model.EnrichmentRun{
				Key:          key,
				Status:       model.RunStatusNotStarted,
				ReviewState:  model.ReviewStateNotRequired,
				LastModified: s.now(),
			}
			if err := s.runs.Upsert(ctx, shell); err != nil {
				return StartResult{}, fmt.Errorf("orchestrator: start %s: create shell: %w", key, err)
			}
			return StartResult{Created: true, Reason: ReasonMissingSearchQuery, Run: shell}, nil
		}
		return StartResult{Reason: ReasonMissingSearchQuery, Run: existing}, nil
	}

	md := review.Resolve(existing, input.Review, false)
	s.startRequest(ctx, req, query)

	run := s.buildQueued(key, query, md)
	if existing == nil {
		if err := s.runs.Upsert(ctx, run); err != nil {
			s.countOp(ctx, "start", "error")
			s.finishRequest(ctx, req, model.RequestStatusFailed, strPtr(err.Error()))
			return StartResult{}, fmt.Errorf("orchestrator: start %s: %w", key, err)
		}
	} else {
		changed, err := s.runs.UpdateStatus(ctx, run, startableStatuses)
		if err != nil {
			s.countOp(ctx, "start", "error")
			s.finishRequest(ctx, req, model.RequestStatusFailed, strPtr(err.Error()))
			return StartResult{}, fmt.Errorf("orchestrator: start %s: %w", key, err)
		}
		if !changed {
			// Lost a race with another trigger for the same key.
			s.countOp(ctx, "start", "declined")
			s.finishRequest(ctx, req, model.RequestStatusDeclined, strPtr(ReasonAlreadyInProgress))
			return StartResult{Reason: ReasonAlreadyInProgress, Run: existing}, nil
		}
	}

	event := model.AuditEventQueued
	if existing != nil {
		event = model.AuditEventRequeued
	}
	s.emitAudit(ctx, model.AuditEvent{
		Actor:      strings.TrimSpace(input.Actor),
		EntityType: "Item",
		EntityID:   key,
		Event:      event,
		Meta: map[string]any{
			"searchQuery":    query,
			"context":        strings.TrimSpace(input.Context),
			"previousStatus": priorStatus(existing),
			"queuedAt":       s.now(),
		},
	})

	if s.direct && s.invoker != nil {
		if err := s.dispatchNow(ctx, run, &md, req); err != nil {
			s.countOp(ctx, "start", "error")
			s.finishRequest(ctx, req, model.RequestStatusFailed, strPtr(err.Error()))
			return StartResult{}, fmt.Errorf("orchestrator: start %s: invoke: %w", key, err)
		}
	}

	s.countOp(ctx, "start", "queued")
	s.finishRequest(ctx, req, model.RequestStatusSuccess, nil)
	s.logger.Info("orchestrator: run queued", "key", key, "created", existing == nil)
	return StartResult{Queued: true, Created: existing == nil, Run: s.refresh(ctx, key, run)}, nil
}

// Restart forces a run back to queued from any state, including running.
// The stored review snapshot is preserved, replaced, or cleared according
// to the supplied payload and ReplaceReviewMetadata; retry bookkeeping is
// reset.
func (s *Service) Restart(ctx context.Context, input RestartInput) (StartResult, error) {
	req := normalizeRequest(input.Request)
	s.snapshotRequest(ctx, req)

	key := strings.TrimSpace(input.Key)
	if key == "" {
		s.logger.Warn("orchestrator: restart missing entry key", "context", input.Context)
		s.countOp(ctx, "restart", "declined")
		s.finishRequest(ctx, req, model.RequestStatusDeclined, strPtr(ReasonMissingItemID))
		return StartResult{Reason: ReasonMissingItemID}, nil
	}

	existing, err := s.runs.Get(ctx, key)
	if err != nil {
		s.countOp(ctx, "restart", "error")
		s.finishRequest(ctx, req, model.RequestStatusFailed, strPtr(err.Error()))
		return StartResult{}, fmt.Errorf("orchestrator: restart %s: %w", key, err)
	}

	query := strings.TrimSpace(input.SearchQuery)
	if query == "" && existing != nil {
		query = strings.TrimSpace(existing.SearchQuery)
	}
	if query == "" {
		s.logger.Warn("orchestrator: restart missing search query", "key", key)
		s.countOp(ctx, "restart", "declined")
		s.finishRequest(ctx, req, model.RequestStatusDeclined, strPtr(ReasonMissingSearchQuery))
		return StartResult{Reason: ReasonMissingSearchQuery, Run: existing}, nil
	}

	md := review.Resolve(existing, input.Review, input.ReplaceReviewMetadata)
	s.startRequest(ctx, req, query)

	run := s.buildQueued(key, query, md)
	if existing == nil {
		if err := s.runs.Upsert(ctx, run); err != nil {
			s.countOp(ctx, "restart", "error")
			s.finishRequest(ctx, req, model.RequestStatusFailed, strPtr(err.Error()))
			return StartResult{}, fmt.Errorf("orchestrator: restart %s: %w", key, err)
		}
	} else {
		changed, err := s.runs.UpdateStatus(ctx, run, nil)
		if err == nil && !changed {
			err = fmt.Errorf("no row updated")
		}
		if err != nil {
			s.countOp(ctx, "restart", "error")
			s.finishRequest(ctx, req, model.RequestStatusFailed, strPtr(err.Error()))
			return StartResult{}, fmt.Errorf("orchestrator: restart %s: %w", key, err)
		}
	}

	s.emitAudit(ctx, model.AuditEvent{
		Actor:      strings.TrimSpace(input.Actor),
		EntityType: "Item",
		EntityID:   key,
		Event:      model.AuditEventRestarted,
		Meta: map[string]any{
			"searchQuery":    query,
			"context":        strings.TrimSpace(input.Context),
			"previousStatus": priorStatus(existing),
			"reviewCleared":  input.ReplaceReviewMetadata && input.Review == nil,
		},
	})

	if s.direct && s.invoker != nil {
		if err := s.dispatchNow(ctx, run, &md, req); err != nil {
			s.countOp(ctx, "restart", "error")
			s.finishRequest(ctx, req, model.RequestStatusFailed, strPtr(err.Error()))
			return StartResult{}, fmt.Errorf("orchestrator: restart %s: invoke: %w", key, err)
		}
	}

	s.countOp(ctx, "restart", "queued")
	s.finishRequest(ctx, req, model.RequestStatusSuccess, nil)
	s.logger.Info("orchestrator: run restarted", "key", key, "created", existing == nil)
	return StartResult{Queued: true, Created: existing == nil, Run: s.refresh(ctx, key, run)}, nil
}

// startableStatuses are the states the start operation may leave.
var startableStatuses = []model.RunStatus{
	model.RunStatusNotStarted,
	model.RunStatusFailed,
	model.RunStatusCancelled,
	model.RunStatusApproved,
	model.RunStatusRejected,
}

// buildQueued assembles the queued row written by start and restart.
// Retry bookkeeping is reset; the review snapshot comes pre-resolved.
func (s *Service) buildQueued(key, query string, md model.ReviewMetadata) *model.EnrichmentRun {
	return &model.EnrichmentRun{
		Key:                key,
		SearchQuery:        query,
		Status:             model.RunStatusQueued,
		ReviewState:        review.State(md),
		ReviewedBy:         md.ReviewedBy,
		LastReviewDecision: md.Decision,
		LastReviewNotes:    md.Notes,
		LastModified:       s.now(),
	}
}

func priorStatus(run *model.EnrichmentRun) string {
	if run == nil {
		return ""
	}
	return string(run.Status)
}

// refresh re-reads the stored row so callers see exactly what was
// persisted; falls back to the locally built row on read failure.
func (s *Service) refresh(ctx context.Context, key string, fallback *model.EnrichmentRun) *model.EnrichmentRun {
	stored, err := s.runs.Get(ctx, key)
	if err != nil || stored == nil {
		return fallback
	}
	return stored
}
