package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/regalhq/regal/internal/model"
)

// RunStore adapts DB to the orchestrator's run store surface.
type RunStore struct{ db *DB }

// Runs returns the run store view of the database.
func (db *DB) Runs() *RunStore { return &RunStore{db: db} }

func (s *RunStore) Get(ctx context.Context, key string) (*model.EnrichmentRun, error) {
	return s.db.GetRun(ctx, key)
}

func (s *RunStore) Upsert(ctx context.Context, run *model.EnrichmentRun) error {
	return s.db.UpsertRun(ctx, run)
}

func (s *RunStore) UpdateStatus(ctx context.Context, run *model.EnrichmentRun, expectPrior []model.RunStatus) (bool, error) {
	return s.db.UpdateRunStatus(ctx, run, expectPrior)
}

func (s *RunStore) Delete(ctx context.Context, key string) (bool, error) {
	return s.db.DeleteRun(ctx, key)
}

func (s *RunStore) StatusCounts(ctx context.Context) (map[model.RunStatus]int, error) {
	return s.db.RunStatusCounts(ctx)
}

func (s *RunStore) CountByStatus(ctx context.Context, status model.RunStatus) (int, error) {
	return s.db.CountRunsByStatus(ctx, status)
}

func (s *RunStore) ListQueued(ctx context.Context, limit int) ([]model.EnrichmentRun, error) {
	return s.db.ListQueuedRuns(ctx, limit)
}

func (s *RunStore) ListInFlight(ctx context.Context) ([]model.EnrichmentRun, error) {
	return s.db.ListInFlightRuns(ctx)
}

func (s *RunStore) LastUpdated(ctx context.Context) (*time.Time, error) {
	return s.db.LastRunUpdate(ctx)
}

// RequestLedger adapts DB to the orchestrator's ledger surface.
type RequestLedger struct{ db *DB }

// Ledger returns the request ledger view of the database.
func (db *DB) Ledger() *RequestLedger { return &RequestLedger{db: db} }

func (l *RequestLedger) Start(ctx context.Context, requestID string, searchQuery *string) error {
	return l.db.StartRequest(ctx, requestID, searchQuery)
}

func (l *RequestLedger) Finish(ctx context.Context, requestID string, status model.RequestStatus, errMsg *string) error {
	return l.db.FinishRequest(ctx, requestID, status, errMsg)
}

func (l *RequestLedger) SaveSnapshot(ctx context.Context, requestID string, payload json.RawMessage) error {
	return l.db.SaveRequestSnapshot(ctx, requestID, payload)
}

func (l *RequestLedger) MarkNotifySuccess(ctx context.Context, requestID string, completedAt *time.Time) error {
	return l.db.MarkRequestNotified(ctx, requestID, completedAt)
}

func (l *RequestLedger) MarkNotifyFailure(ctx context.Context, requestID string, errMsg string) error {
	return l.db.MarkRequestNotifyFailed(ctx, requestID, errMsg)
}

func (l *RequestLedger) ListPendingNotifications(ctx context.Context, limit int) ([]PendingRequest, error) {
	return l.db.ListPendingNotifications(ctx, limit)
}

// AuditLog adapts DB to the orchestrator's audit surface.
type AuditLog struct{ db *DB }

// Audit returns the audit log view of the database.
func (db *DB) Audit() *AuditLog { return &AuditLog{db: db} }

func (a *AuditLog) Emit(ctx context.Context, event model.AuditEvent) error {
	return a.db.InsertAuditEvent(ctx, event)
}

func (a *AuditLog) ListAuditEvents(ctx context.Context, entityID string, limit int) ([]model.AuditEvent, error) {
	return a.db.ListAuditEvents(ctx, entityID, limit)
}
