// Package orchestrator owns the enrichment run state machine.
//
// The Service coordinates the run store, the request ledger, the audit
// log, and the external invoker. Validation failures are returned as
// typed decline results; persistence failures are wrapped and propagated
// after the request ledger has been finalized.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/regalhq/regal/internal/model"
	"github.com/regalhq/regal/internal/telemetry"
)

// Decline reasons returned to callers. These are structured identifiers,
// never user-facing text.
const (
	ReasonMissingItemID      = "missing-item-id"
	ReasonMissingSearchQuery = "missing-search-query"
	ReasonNotFound           = "not-found"
	ReasonAlreadyInProgress  = "run-already-in-progress"
	ReasonNotStarted         = "not-started"
	ReasonMissingActor       = "missing-actor"
)

// RunStore is the persisted table of enrichment runs, one row per entry key.
type RunStore interface {
	// Get returns the run for key, or nil when no row exists.
	Get(ctx context.Context, key string) (*model.EnrichmentRun, error)
	// Upsert inserts or fully replaces the row for run.Key.
	Upsert(ctx context.Context, run *model.EnrichmentRun) error
	// UpdateStatus overwrites the mutable fields of the row for run.Key.
	// When expectPrior is non-empty the update only applies while the
	// stored status is one of the expected values; changed reports
	// whether a row was written.
	UpdateStatus(ctx context.Context, run *model.EnrichmentRun, expectPrior []model.RunStatus) (bool, error)
	// Delete removes the row for key; changed reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	CountByStatus(ctx context.Context, status model.RunStatus) (int, error)
	// StatusCounts returns the row count per status, omitting empty ones.
	StatusCounts(ctx context.Context) (map[model.RunStatus]int, error)
	// ListQueued returns up to limit queued runs, oldest first.
	ListQueued(ctx context.Context, limit int) ([]model.EnrichmentRun, error)
	// ListInFlight returns every queued or running run, oldest first.
	ListInFlight(ctx context.Context) ([]model.EnrichmentRun, error)
	// LastUpdated returns the newest LastModified across all rows.
	LastUpdated(ctx context.Context) (*time.Time, error)
}

// RequestLedger is the idempotency log for external request ids.
// The ledger absorbs repeated deliveries of the same request id; the
// orchestrator only supplies events and never reads it back.
type RequestLedger interface {
	Start(ctx context.Context, requestID string, searchQuery *string) error
	Finish(ctx context.Context, requestID string, status model.RequestStatus, errMsg *string) error
	SaveSnapshot(ctx context.Context, requestID string, payload json.RawMessage) error
	MarkNotifySuccess(ctx context.Context, requestID string, completedAt *time.Time) error
	MarkNotifyFailure(ctx context.Context, requestID string, errMsg string) error
}

// AuditLog records structured audit events. Emission is fire-and-forget:
// failures are logged by the Service but never block an operation.
type AuditLog interface {
	Emit(ctx context.Context, event model.AuditEvent) error
}

// Invocation is the call contract handed to the external enrichment
// invoker. The orchestrator guarantees the shape, not the behavior.
type Invocation struct {
	Key         string
	SearchQuery string
	Context     *string
	Review      *model.ReviewMetadata
	RequestID   *string
}

// Invoker performs the external enrichment call.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) error
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, inv Invocation) error

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation) error { return f(ctx, inv) }

// Deps are the collaborators required by the Service. Invoker may be nil;
// queued runs then stay queued until an invoker-backed deployment picks
// them up.
type Deps struct {
	Runs    RunStore
	Ledger  RequestLedger
	Audit   AuditLog
	Invoker Invoker
	Logger  *slog.Logger
}

// Option configures optional Service behavior.
type Option func(*Service)

// WithClock injects the time source. Defaults to time.Now in UTC.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSlots sets the global concurrency slot count. Defaults to 1; the
// admission gate never lets more than this many runs be running at once.
func WithSlots(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.slots = n
		}
	}
}

// WithDirectDispatch makes start and restart invoke the external call
// synchronously after queuing, bypassing the dispatch gate. Invocation
// failures become hard errors. Mutually exclusive with running the
// dispatch loop in the same deployment.
func WithDirectDispatch() Option {
	return func(s *Service) { s.direct = true }
}

// Service exposes the run lifecycle operations.
type Service struct {
	runs    RunStore
	ledger  RequestLedger
	audit   AuditLog
	invoker Invoker
	logger  *slog.Logger
	now     func() time.Time
	slots   int
	direct  bool

	inflight sync.WaitGroup

	opsTotal        metric.Int64Counter
	dispatchedTotal metric.Int64Counter
}

// New creates a Service.
func New(deps Deps, opts ...Option) *Service {
	meter := telemetry.Meter("regal/orchestrator")
	opsTotal, _ := meter.Int64Counter("regal.orchestrator.operations",
		metric.WithDescription("Orchestrator operations by name and outcome"),
	)
	dispatchedTotal, _ := meter.Int64Counter("regal.orchestrator.dispatched",
		metric.WithDescription("Runs handed to the external invoker"),
	)

	s := &Service{
		runs:            deps.Runs,
		ledger:          deps.Ledger,
		audit:           deps.Audit,
		invoker:         deps.Invoker,
		logger:          deps.Logger,
		now:             func() time.Time { return time.Now().UTC() },
		slots:           1,
		opsTotal:        opsTotal,
		dispatchedTotal: dispatchedTotal,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) countOp(ctx context.Context, op, outcome string) {
	s.opsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("outcome", outcome),
		),
	)
}

// normalizeRequest trims the request id and drops contexts without one.
func normalizeRequest(req *model.RequestContext) *model.RequestContext {
	if req == nil {
		return nil
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return nil
	}
	return &model.RequestContext{ID: id, Payload: req.Payload, Notification: req.Notification}
}

// snapshotRequest persists the opaque request payload. Best effort: a
// snapshot failure must not block the operation itself.
func (s *Service) snapshotRequest(ctx context.Context, req *model.RequestContext) {
	if req == nil || req.Payload == nil {
		return
	}
	if err := s.ledger.SaveSnapshot(ctx, req.ID, req.Payload); err != nil {
		s.logger.Error("ledger: persist request payload snapshot failed",
			"request_id", req.ID, "error", err)
	}
}

// startRequest records the beginning of a ledger entry. Best effort.
func (s *Service) startRequest(ctx context.Context, req *model.RequestContext, searchQuery string) {
	if req == nil {
		return
	}
	var query *string
	if searchQuery != "" {
		query = &searchQuery
	}
	if err := s.ledger.Start(ctx, req.ID, query); err != nil {
		s.logger.Error("ledger: record request start failed",
			"request_id", req.ID, "error", err)
	}
}

// finishRequest finalizes a ledger entry with exactly one terminal status
// and applies any caller-reported notification outcome. Best effort.
func (s *Service) finishRequest(ctx context.Context, req *model.RequestContext, status model.RequestStatus, errMsg *string) {
	if req == nil {
		return
	}
	if err := s.ledger.Finish(ctx, req.ID, status, errMsg); err != nil {
		s.logger.Error("ledger: finalize request failed",
			"request_id", req.ID, "status", string(status), "error", err)
	}

	if req.Notification == nil {
		return
	}
	if req.Notification.Error != nil {
		if err := s.ledger.MarkNotifyFailure(ctx, req.ID, *req.Notification.Error); err != nil {
			s.logger.Error("ledger: record notification failure failed",
				"request_id", req.ID, "error", err)
		}
		return
	}
	if err := s.ledger.MarkNotifySuccess(ctx, req.ID, req.Notification.CompletedAt); err != nil {
		s.logger.Error("ledger: record notification success failed",
			"request_id", req.ID, "error", err)
	}
}

// emitAudit fires an audit event. Failures are logged, never propagated.
func (s *Service) emitAudit(ctx context.Context, event model.AuditEvent) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Emit(ctx, event); err != nil {
		s.logger.Warn("audit: emit failed",
			"event", event.Event, "entity_id", event.EntityID, "error", err)
	}
}

func strPtr(s string) *string { return &s }
