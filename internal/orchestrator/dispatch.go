package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/regalhq/regal/internal/model"
	"github.com/regalhq/regal/internal/review"
)

// defaultDispatchLimit bounds one dispatch pass when the caller does not
// request a limit.
const defaultDispatchLimit = 5

// DispatchStats summarizes one admission-control pass.
type DispatchStats struct {
	Scheduled int `json:"scheduled"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Dispatch is the admission gate: it counts running runs, computes the
// free slot budget, and promotes at most that many queued runs to
// running before handing them to the invoker. The queued fetch is never
// issued when no slot is free, so a burst of dispatch calls cannot
// oversubscribe the slot. Dispatch is designed to be called serially,
// e.g. from one ticker.
func (s *Service) Dispatch(ctx context.Context, limit int) DispatchStats {
	if s.invoker == nil {
		s.logger.Warn("dispatch: no invoker configured, queued runs stay queued")
		return DispatchStats{}
	}

	running, err := s.runs.CountByStatus(ctx, model.RunStatusRunning)
	if err != nil {
		s.logger.Error("dispatch: count running runs failed", "error", err)
		return DispatchStats{}
	}

	available := s.slots - running
	if available <= 0 {
		return DispatchStats{}
	}

	if limit <= 0 {
		limit = defaultDispatchLimit
	}
	if limit > available {
		limit = available
	}

	queued, err := s.runs.ListQueued(ctx, limit)
	if err != nil {
		s.logger.Error("dispatch: list queued runs failed", "error", err, "limit", limit)
		return DispatchStats{}
	}

	var stats DispatchStats
	for _, run := range queued {
		run := run

		if strings.TrimSpace(run.Key) == "" {
			stats.Skipped++
			s.logger.Warn("dispatch: skipping queued run without entry key")
			continue
		}
		if strings.TrimSpace(run.SearchQuery) == "" {
			stats.Skipped++
			s.logger.Warn("dispatch: skipping queued run with empty search query", "key", run.Key)
			s.failRun(ctx, &run, ReasonMissingSearchQuery)
			continue
		}

		promoted, err := s.markRunning(ctx, &run)
		if err != nil {
			stats.Failed++
			s.logger.Error("dispatch: promote queued run failed", "key", run.Key, "error", err)
			s.failRun(ctx, &run, err.Error())
			continue
		}
		if promoted == nil {
			// Raced with a restart or cancel; the row is no longer queued.
			stats.Skipped++
			continue
		}

		s.invokeDetached(ctx, promoted, reviewSnapshot(promoted), nil)
		stats.Scheduled++
	}

	s.dispatchedTotal.Add(ctx, int64(stats.Scheduled),
		metric.WithAttributes(attribute.String("mode", "queue")))
	if stats.Scheduled > 0 || stats.Failed > 0 {
		s.logger.Info("dispatch: pass complete",
			"scheduled", stats.Scheduled, "skipped", stats.Skipped, "failed", stats.Failed)
	}
	return stats
}

// Drain blocks until every detached invocation handed out by Dispatch
// or Resume has returned. Call after stopping the dispatch loop.
func (s *Service) Drain() {
	s.inflight.Wait()
}

// DispatchLoop runs Dispatch on a fixed cadence until ctx is cancelled.
func (s *Service) DispatchLoop(ctx context.Context, interval time.Duration, limit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Dispatch(ctx, limit)
		}
	}
}

// markRunning performs the queued-to-running transition with attempt
// bookkeeping: the retry counter advances, the attempt timestamp is
// stamped, and any stale error is cleared. Returns nil when the row was
// no longer queued.
func (s *Service) markRunning(ctx context.Context, run *model.EnrichmentRun) (*model.EnrichmentRun, error) {
	now := s.now()
	promoted := *run
	promoted.Status = model.RunStatusRunning
	promoted.RetryCount = run.RetryCount + 1
	promoted.NextRetryAt = nil
	promoted.LastError = nil
	promoted.LastAttemptAt = &now
	promoted.LastModified = now

	changed, err := s.runs.UpdateStatus(ctx, &promoted, []model.RunStatus{model.RunStatusQueued})
	if err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	if !changed {
		return nil, nil
	}
	return &promoted, nil
}

// dispatchNow is the direct-dispatch path used by start and restart: the
// run is promoted and the invoker called synchronously. Invocation
// failure marks the run failed and surfaces as a hard error.
func (s *Service) dispatchNow(ctx context.Context, run *model.EnrichmentRun, md *model.ReviewMetadata, req *model.RequestContext) error {
	promoted, err := s.markRunning(ctx, run)
	if err != nil {
		return err
	}
	if promoted == nil {
		s.logger.Warn("dispatch: direct promote updated zero rows", "key", run.Key)
		promoted = run
	}

	var requestID *string
	if req != nil {
		requestID = &req.ID
	}

	if err := s.invoker.Invoke(ctx, Invocation{
		Key:         promoted.Key,
		SearchQuery: promoted.SearchQuery,
		Context:     nil,
		Review:      md,
		RequestID:   requestID,
	}); err != nil {
		s.failRun(ctx, promoted, err.Error())
		return fmt.Errorf("invoke %s: %w", promoted.Key, err)
	}

	s.dispatchedTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", "direct")))
	return nil
}

// invokeDetached hands a promoted run to the invoker without blocking
// the caller. Invocation errors mark the run failed; they never abort
// the batch that scheduled them.
func (s *Service) invokeDetached(ctx context.Context, run *model.EnrichmentRun, md *model.ReviewMetadata, requestID *string) {
	detached := context.WithoutCancel(ctx)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if err := s.invoker.Invoke(detached, Invocation{
			Key:         run.Key,
			SearchQuery: run.SearchQuery,
			Context:     nil,
			Review:      md,
			RequestID:   requestID,
		}); err != nil {
			s.logger.Error("dispatch: invocation failed", "key", run.Key, "error", err)
			s.failRun(detached, run, err.Error())
		}
	}()
}

// failRun marks a run failed with the error recorded. Best effort: a
// follow-up persistence failure is logged, not propagated.
func (s *Service) failRun(ctx context.Context, run *model.EnrichmentRun, errMsg string) {
	now := s.now()
	failed := *run
	failed.Status = model.RunStatusFailed
	failed.ReviewState = model.ReviewStateNotRequired
	failed.LastError = &errMsg
	failed.NextRetryAt = nil
	if failed.LastAttemptAt == nil {
		failed.LastAttemptAt = &now
	}
	failed.LastModified = now

	changed, err := s.runs.UpdateStatus(ctx, &failed, nil)
	if err != nil {
		s.logger.Error("dispatch: mark run failed errored", "key", run.Key, "error", err)
		return
	}
	if !changed {
		s.logger.Warn("dispatch: mark run failed updated zero rows", "key", run.Key)
		return
	}

	s.emitAudit(ctx, model.AuditEvent{
		Actor:      "regal-dispatch",
		EntityType: "Item",
		EntityID:   run.Key,
		Event:      model.AuditEventFailed,
		Meta: map[string]any{
			"previousStatus": string(run.Status),
			"error":          errMsg,
			"failedAt":       now,
		},
	})
}

// reviewSnapshot lifts the stored review fields for forwarding to the
// invoker, or nil when the run carries no review snapshot.
func reviewSnapshot(run *model.EnrichmentRun) *model.ReviewMetadata {
	if run.LastReviewDecision == nil && run.LastReviewNotes == nil && run.ReviewedBy == nil {
		return nil
	}
	md := review.FromRun(run)
	return &md
}
