package lite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/regalhq/regal/internal/model"
)

// AuditLog adapts Store to the orchestrator's audit surface.
type AuditLog struct{ s *Store }

// Audit returns the audit log view of the database.
func (s *Store) Audit() *AuditLog { return &AuditLog{s: s} }

// Emit appends a run lifecycle audit event.
func (a *AuditLog) Emit(ctx context.Context, e model.AuditEvent) error {
	if e.Meta == nil {
		e.Meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("lite: marshal audit meta: %w", err)
	}

	_, err = a.s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, actor, entity_type, entity_id, event, meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), e.Actor, e.EntityType, e.EntityID, e.Event,
		string(metaJSON), encodeTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("lite: insert audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns the newest audit events for an entity.
func (a *AuditLog) ListAuditEvents(ctx context.Context, entityID string, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.s.db.QueryContext(ctx,
		`SELECT actor, entity_type, entity_id, event, meta
		 FROM audit_events
		 WHERE entity_id = ?
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ?`,
		entityID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("lite: list audit events: %w", err)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var (
			e    model.AuditEvent
			meta string
		)
		if err := rows.Scan(&e.Actor, &e.EntityType, &e.EntityID, &e.Event, &meta); err != nil {
			return nil, fmt.Errorf("lite: scan audit event: %w", err)
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &e.Meta); err != nil {
				return nil, fmt.Errorf("lite: decode audit meta: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
