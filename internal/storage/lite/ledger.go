package lite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/regalhq/regal/internal/model"
	"github.com/regalhq/regal/internal/storage"
)

// RequestLedger adapts Store to the orchestrator's ledger surface.
type RequestLedger struct{ s *Store }

// Ledger returns the request ledger view of the database.
func (s *Store) Ledger() *RequestLedger { return &RequestLedger{s: s} }

func (l *RequestLedger) Start(ctx context.Context, requestID string, searchQuery *string) error {
	now := encodeTime(time.Now())
	_, err := l.s.db.ExecContext(ctx,
		`INSERT INTO enrichment_requests (request_id, search_query, status, created_at, updated_at)
		 VALUES (?, ?, 'STARTED', ?, ?)
		 ON CONFLICT (request_id) DO UPDATE SET
		     search_query = COALESCE(excluded.search_query, enrichment_requests.search_query),
		     status = 'STARTED',
		     updated_at = excluded.updated_at`,
		requestID, searchQuery, now, now,
	)
	if err != nil {
		return fmt.Errorf("lite: start request: %w", err)
	}
	return nil
}

func (l *RequestLedger) Finish(ctx context.Context, requestID string, status model.RequestStatus, errMsg *string) error {
	now := encodeTime(time.Now())
	_, err := l.s.db.ExecContext(ctx,
		`INSERT INTO enrichment_requests (request_id, status, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (request_id) DO UPDATE SET
		     status = excluded.status,
		     error = excluded.error,
		     updated_at = excluded.updated_at`,
		requestID, string(status), errMsg, now, now,
	)
	if err != nil {
		return fmt.Errorf("lite: finish request: %w", err)
	}
	return nil
}

func (l *RequestLedger) SaveSnapshot(ctx context.Context, requestID string, payload json.RawMessage) error {
	now := encodeTime(time.Now())
	_, err := l.s.db.ExecContext(ctx,
		`INSERT INTO enrichment_requests (request_id, payload_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (request_id) DO UPDATE SET
		     payload_json = excluded.payload_json,
		     updated_at = excluded.updated_at`,
		requestID, string(payload), now, now,
	)
	if err != nil {
		return fmt.Errorf("lite: save request snapshot: %w", err)
	}
	return nil
}

func (l *RequestLedger) MarkNotifySuccess(ctx context.Context, requestID string, completedAt *time.Time) error {
	when := time.Now()
	if completedAt != nil {
		when = *completedAt
	}
	_, err := l.s.db.ExecContext(ctx,
		`UPDATE enrichment_requests
		 SET notified_at = ?, last_notification_error = NULL, updated_at = ?
		 WHERE request_id = ?`,
		encodeTime(when), encodeTime(time.Now()), requestID,
	)
	if err != nil {
		return fmt.Errorf("lite: mark request notified: %w", err)
	}
	return nil
}

func (l *RequestLedger) MarkNotifyFailure(ctx context.Context, requestID string, errMsg string) error {
	_, err := l.s.db.ExecContext(ctx,
		`UPDATE enrichment_requests
		 SET last_notification_error = ?, updated_at = ?
		 WHERE request_id = ?`,
		errMsg, encodeTime(time.Now()), requestID,
	)
	if err != nil {
		return fmt.Errorf("lite: mark request notify failed: %w", err)
	}
	return nil
}

// ListPendingNotifications returns finished requests that have not been
// notified yet, oldest first.
func (l *RequestLedger) ListPendingNotifications(ctx context.Context, limit int) ([]storage.PendingRequest, error) {
	rows, err := l.s.db.QueryContext(ctx,
		`SELECT request_id, status, error, payload_json
		 FROM enrichment_requests
		 WHERE status IN (?, ?, ?, ?) AND notified_at IS NULL
		 ORDER BY updated_at ASC
		 LIMIT ?`,
		string(model.RequestStatusSuccess), string(model.RequestStatusFailed),
		string(model.RequestStatusDeclined), string(model.RequestStatusCancelled),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("lite: list pending notifications: %w", err)
	}
	defer rows.Close()

	var pending []storage.PendingRequest
	for rows.Next() {
		var (
			p       storage.PendingRequest
			status  string
			errMsg  sql.NullString
			payload sql.NullString
		)
		if err := rows.Scan(&p.RequestID, &status, &errMsg, &payload); err != nil {
			return nil, fmt.Errorf("lite: scan pending notification: %w", err)
		}
		p.Status = model.RequestStatus(status)
		p.Error = strOrNil(errMsg)
		if payload.Valid {
			p.Payload = json.RawMessage(payload.String)
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}
