// Package lite provides the SQLite storage layer for Regal.
//
// It mirrors the PostgreSQL storage surface for single-node deployments
// where running Postgres is not worth the weight. The driver is pure Go
// (modernc.org/sqlite), so builds stay CGO-free.
package lite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a database/sql handle to a SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database at path and applies the
// schema. WAL mode keeps the dispatch loop's writes from blocking status
// reads.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("lite: open %s: %w", path, err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("lite: ping: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Ping checks connectivity to the database file.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close shuts down the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS enrichment_runs (
    entry_key            TEXT PRIMARY KEY,
    search_query         TEXT NOT NULL DEFAULT '',
    status               TEXT NOT NULL DEFAULT 'not_started',
    review_state         TEXT NOT NULL DEFAULT 'not_required',
    reviewed_by          TEXT,
    last_review_decision TEXT,
    last_review_notes    TEXT,
    retry_count          INTEGER NOT NULL DEFAULT 0,
    next_retry_at        TEXT,
    last_error           TEXT,
    last_attempt_at      TEXT,
    last_modified        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_enrichment_runs_status
    ON enrichment_runs (status, last_modified);

CREATE TABLE IF NOT EXISTS enrichment_requests (
    request_id              TEXT PRIMARY KEY,
    search_query            TEXT,
    status                  TEXT NOT NULL DEFAULT 'STARTED',
    error                   TEXT,
    payload_json            TEXT,
    notified_at             TEXT,
    last_notification_error TEXT,
    created_at              TEXT NOT NULL,
    updated_at              TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
    id          TEXT PRIMARY KEY,
    actor       TEXT NOT NULL DEFAULT '',
    entity_type TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    event       TEXT NOT NULL,
    meta        TEXT NOT NULL DEFAULT '{}',
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_entity
    ON audit_events (entity_id, created_at);
`
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("lite: apply schema: %w", err)
		}
	}
	return nil
}

// Timestamps are stored as RFC 3339 text so rows stay readable with the
// sqlite3 CLI.

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("lite: parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func decodeTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := decodeTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func strOrNil(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
