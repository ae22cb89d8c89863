package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/regalhq/regal/internal/model"
)

// InsertAuditEvent appends a run lifecycle audit event. The target table
// is append-only.
func (db *DB) InsertAuditEvent(ctx context.Context, e model.AuditEvent) error {
	if e.Meta == nil {
		e.Meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("storage: marshal audit meta: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO audit_events (id, actor, entity_type, entity_id, event, meta)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb)`,
		uuid.New(), e.Actor, e.EntityType, e.EntityID, e.Event, metaJSON,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns the newest audit events for an entity.
func (db *DB) ListAuditEvents(ctx context.Context, entityID string, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT actor, entity_type, entity_id, event, meta
		 FROM audit_events
		 WHERE entity_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		entityID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit events: %w", err)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var (
			e    model.AuditEvent
			meta []byte
		)
		if err := rows.Scan(&e.Actor, &e.EntityType, &e.EntityID, &e.Event, &meta); err != nil {
			return nil, fmt.Errorf("storage: scan audit event: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return nil, fmt.Errorf("storage: decode audit meta: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
