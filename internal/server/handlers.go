package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/regalhq/regal/internal/model"
	"github.com/regalhq/regal/internal/orchestrator"
)

// Pinger reports storage connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AuditReader serves the per-run audit trail endpoint.
type AuditReader interface {
	ListAuditEvents(ctx context.Context, entityID string, limit int) ([]model.AuditEvent, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	svc                 *orchestrator.Service
	pinger              Pinger
	audit               AuditReader
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Orchestrator        *orchestrator.Service
	Pinger              Pinger
	Audit               AuditReader
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		svc:                 d.Orchestrator,
		pinger:              d.Pinger,
		audit:               d.Audit,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// startRunRequest is the body for start and restart.
type startRunRequest struct {
	SearchQuery           string               `json:"search_query"`
	Actor                 string               `json:"actor"`
	Context               string               `json:"context"`
	Review                *model.ReviewPayload `json:"review"`
	ReplaceReviewMetadata bool                 `json:"replace_review_metadata"`
}

// bulkStartRequest is the body for the batch start endpoint.
type bulkStartRequest struct {
	Runs []struct {
		Key         string               `json:"key"`
		SearchQuery string               `json:"search_query"`
		Review      *model.ReviewPayload `json:"review"`
	} `json:"runs"`
	Actor   string `json:"actor"`
	Context string `json:"context"`
}

type cancelRunRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// readBody consumes the request body up to the configured limit and
// returns the raw bytes for the ledger snapshot.
func (h *Handlers) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "request body too large or unreadable")
		return nil, false
	}
	return body, true
}

// requestContext builds the ledger request context from the middleware
// request id and the raw body snapshot.
func requestContext(r *http.Request, body []byte) *model.RequestContext {
	var payload json.RawMessage
	if len(body) > 0 {
		payload = json.RawMessage(body)
	}
	return &model.RequestContext{
		ID:      RequestIDFromContext(r.Context()),
		Payload: payload,
	}
}

// HandleStartRun handles POST /v1/runs/{key}/start.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	var req startRunRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body")
			return
		}
	}

	res, err := h.svc.Start(r.Context(), orchestrator.StartInput{
		Key:         r.PathValue("key"),
		SearchQuery: req.SearchQuery,
		Actor:       req.Actor,
		Context:     req.Context,
		Review:      req.Review,
		Request:     requestContext(r, body),
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "start failed")
		return
	}
	writeJSON(w, r, startStatusCode(res), res)
}

// HandleRestartRun handles POST /v1/runs/{key}/restart.
func (h *Handlers) HandleRestartRun(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	var req startRunRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body")
			return
		}
	}

	res, err := h.svc.Restart(r.Context(), orchestrator.RestartInput{
		StartInput: orchestrator.StartInput{
			Key:         r.PathValue("key"),
			SearchQuery: req.SearchQuery,
			Actor:       req.Actor,
			Context:     req.Context,
			Review:      req.Review,
			Request:     requestContext(r, body),
		},
		ReplaceReviewMetadata: req.ReplaceReviewMetadata,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "restart failed")
		return
	}
	writeJSON(w, r, startStatusCode(res), res)
}

// HandleBulkStart handles POST /v1/runs/bulk-start. Each entry is
// started independently; one bad entry never aborts the batch.
func (h *Handlers) HandleBulkStart(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	var req bulkStartRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body")
		return
	}
	if len(req.Runs) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "runs must not be empty")
		return
	}

	type entryResult struct {
		Key string `json:"key"`
		orchestrator.StartResult
	}
	results := make([]entryResult, 0, len(req.Runs))
	for _, entry := range req.Runs {
		res, err := h.svc.Start(r.Context(), orchestrator.StartInput{
			Key:         entry.Key,
			SearchQuery: entry.SearchQuery,
			Actor:       req.Actor,
			Context:     req.Context,
			Review:      entry.Review,
		})
		if err != nil {
			h.logger.Error("bulk start: entry failed", "key", entry.Key, "error", err)
			res = orchestrator.StartResult{Reason: "internal-error"}
		}
		results = append(results, entryResult{Key: entry.Key, StartResult: res})
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"results": results})
}

// HandleCancelRun handles POST /v1/runs/{key}/cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	var req cancelRunRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body")
			return
		}
	}

	res, err := h.svc.Cancel(r.Context(), orchestrator.CancelInput{
		Key:     r.PathValue("key"),
		Actor:   req.Actor,
		Reason:  req.Reason,
		Request: requestContext(r, body),
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "cancel failed")
		return
	}
	writeJSON(w, r, declineStatusCode(res.Reason, http.StatusOK), res)
}

// HandleDeleteRun handles DELETE /v1/runs/{key}. Actor and reason come
// from query parameters since DELETE bodies are unreliable.
func (h *Handlers) HandleDeleteRun(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Delete(r.Context(), orchestrator.DeleteInput{
		Key:    r.PathValue("key"),
		Actor:  r.URL.Query().Get("actor"),
		Reason: r.URL.Query().Get("reason"),
		Request: &model.RequestContext{
			ID: RequestIDFromContext(r.Context()),
		},
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "delete failed")
		return
	}
	writeJSON(w, r, declineStatusCode(res.Reason, http.StatusOK), res)
}

// HandleGetRun handles GET /v1/runs/{key}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.Status(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "status lookup failed")
		return
	}
	if run == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no run for entry key")
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleRunAudit returns the audit trail for an entry, newest first.
func (h *Handlers) HandleRunAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	events, err := h.audit.ListAuditEvents(r.Context(), r.PathValue("key"), limit)
	if err != nil {
		h.logger.Error("audit trail lookup failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "audit trail lookup failed")
		return
	}
	if events == nil {
		events = []model.AuditEvent{}
	}
	writeJSON(w, r, http.StatusOK, events)
}

// HandleDispatch handles POST /v1/dispatch, a manual admission pass for
// deployments that trigger dispatch from an external scheduler.
func (h *Handlers) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	stats := h.svc.Dispatch(r.Context(), limit)
	writeJSON(w, r, http.StatusOK, stats)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storageStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.pinger.Ping(r.Context()); err != nil {
		storageStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	health := h.svc.CheckHealth(r.Context())
	if !health.OK && status == "healthy" {
		status = "degraded"
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:        status,
		Version:       h.version,
		Storage:       storageStatus,
		QueuedCount:   health.QueuedCount,
		RunningCount:  health.RunningCount,
		StatusCounts:  health.StatusCounts,
		LastUpdatedAt: health.LastUpdatedAt,
		Uptime:        int64(time.Since(h.startedAt).Seconds()),
	})
}

// startStatusCode maps a start or restart result to an HTTP status.
func startStatusCode(res orchestrator.StartResult) int {
	if res.Queued {
		return http.StatusAccepted
	}
	return declineStatusCode(res.Reason, http.StatusAccepted)
}

// declineStatusCode maps structured decline reasons to HTTP statuses.
// Declines are part of the contract, never 500s.
func declineStatusCode(reason string, okStatus int) int {
	switch reason {
	case "":
		return okStatus
	case orchestrator.ReasonNotFound:
		return http.StatusNotFound
	case orchestrator.ReasonAlreadyInProgress, orchestrator.ReasonNotStarted:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
