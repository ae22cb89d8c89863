package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/regalhq/regal/internal/model"
)

// PendingRequest is a finished ledger entry whose caller has not been
// notified yet.
type PendingRequest struct {
	RequestID string
	Status    model.RequestStatus
	Error     *string
	Payload   json.RawMessage
}

// StartRequest records the beginning of a ledger entry. Repeated
// deliveries of the same request id collapse onto one row.
func (db *DB) StartRequest(ctx context.Context, requestID string, searchQuery *string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO enrichment_requests (request_id, search_query, status, updated_at)
		 VALUES ($1, $2, 'STARTED', now())
		 ON CONFLICT (request_id) DO UPDATE SET
		     search_query = COALESCE(EXCLUDED.search_query, enrichment_requests.search_query),
		     status = 'STARTED',
		     updated_at = now()`,
		requestID, searchQuery,
	)
	if err != nil {
		return fmt.Errorf("storage: start request: %w", err)
	}
	return nil
}

// FinishRequest records the terminal status for a request id. The upsert
// absorbs declines that never passed through StartRequest.
func (db *DB) FinishRequest(ctx context.Context, requestID string, status model.RequestStatus, errMsg *string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO enrichment_requests (request_id, status, error, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (request_id) DO UPDATE SET
		     status = EXCLUDED.status,
		     error = EXCLUDED.error,
		     updated_at = now()`,
		requestID, string(status), errMsg,
	)
	if err != nil {
		return fmt.Errorf("storage: finish request: %w", err)
	}
	return nil
}

// SaveRequestSnapshot persists the opaque caller payload for a request id.
func (db *DB) SaveRequestSnapshot(ctx context.Context, requestID string, payload json.RawMessage) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO enrichment_requests (request_id, payload_json, updated_at)
		 VALUES ($1, $2::jsonb, now())
		 ON CONFLICT (request_id) DO UPDATE SET
		     payload_json = EXCLUDED.payload_json,
		     updated_at = now()`,
		requestID, []byte(payload),
	)
	if err != nil {
		return fmt.Errorf("storage: save request snapshot: %w", err)
	}
	return nil
}

// MarkRequestNotified records a successful caller notification.
func (db *DB) MarkRequestNotified(ctx context.Context, requestID string, completedAt *time.Time) error {
	when := time.Now().UTC()
	if completedAt != nil {
		when = *completedAt
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE enrichment_requests
		 SET notified_at = $2, last_notification_error = NULL, updated_at = now()
		 WHERE request_id = $1`,
		requestID, when,
	)
	if err != nil {
		return fmt.Errorf("storage: mark request notified: %w", err)
	}
	return nil
}

// MarkRequestNotifyFailed records a failed caller notification so the
// notify worker retries it on the next pass.
func (db *DB) MarkRequestNotifyFailed(ctx context.Context, requestID string, errMsg string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE enrichment_requests
		 SET last_notification_error = $2, updated_at = now()
		 WHERE request_id = $1`,
		requestID, errMsg,
	)
	if err != nil {
		return fmt.Errorf("storage: mark request notify failed: %w", err)
	}
	return nil
}

// ListPendingNotifications returns finished requests that have not been
// notified yet, oldest first.
func (db *DB) ListPendingNotifications(ctx context.Context, limit int) ([]PendingRequest, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT request_id, status, error, payload_json
		 FROM enrichment_requests
		 WHERE status = ANY($1) AND notified_at IS NULL
		 ORDER BY updated_at ASC
		 LIMIT $2`,
		[]string{
			string(model.RequestStatusSuccess),
			string(model.RequestStatusFailed),
			string(model.RequestStatusDeclined),
			string(model.RequestStatusCancelled),
		},
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending notifications: %w", err)
	}
	defer rows.Close()

	var pending []PendingRequest
	for rows.Next() {
		var (
			p       PendingRequest
			status  string
			payload []byte
		)
		if err := rows.Scan(&p.RequestID, &status, &p.Error, &payload); err != nil {
			return nil, fmt.Errorf("storage: scan pending notification: %w", err)
		}
		p.Status = model.RequestStatus(status)
		p.Payload = payload
		pending = append(pending, p)
	}
	return pending, rows.Err()
}
