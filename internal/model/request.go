package model

import (
	"encoding/json"
	"time"
)

// RequestStatus is the terminal outcome recorded for an external request.
type RequestStatus string

const (
	RequestStatusSuccess   RequestStatus = "SUCCESS"
	RequestStatusFailed    RequestStatus = "FAILED"
	RequestStatusDeclined  RequestStatus = "DECLINED"
	RequestStatusCancelled RequestStatus = "CANCELLED"
)

// RequestNotification carries the callback-delivery outcome attached to
// an external request, if the caller reported one.
type RequestNotification struct {
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// RequestContext identifies one external trigger of an orchestrator
// operation. Payload is an opaque snapshot persisted verbatim; the
// request ledger is its sole writer.
type RequestContext struct {
	ID           string               `json:"id"`
	Payload      json.RawMessage      `json:"payload,omitempty"`
	Notification *RequestNotification `json:"notification,omitempty"`
}

// AuditEvent is a fire-and-forget structured audit record. Emission
// failures are logged but never block the operation that produced them.
type AuditEvent struct {
	Actor      string         `json:"actor"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Event      string         `json:"event"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Audit event names emitted by the orchestrator.
const (
	AuditEventQueued    = "EnrichmentRunQueued"
	AuditEventRequeued  = "EnrichmentRunRequeued"
	AuditEventRestarted = "EnrichmentRunRestarted"
	AuditEventCancelled = "EnrichmentRunCancelled"
	AuditEventReset     = "EnrichmentRunReset"
	AuditEventFailed    = "EnrichmentRunFailed"
)
