package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/regalhq/regal/internal/model"
)

const (
	updateMaxRetries = 3
	updateBaseDelay  = 50 * time.Millisecond
)

const runColumns = `entry_key, search_query, status, review_state, reviewed_by,
	 last_review_decision, last_review_notes, retry_count, next_retry_at,
	 last_error, last_attempt_at, last_modified`

// GetRun retrieves the run for an entry key, or nil when no row exists.
func (db *DB) GetRun(ctx context.Context, key string) (*model.EnrichmentRun, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM enrichment_runs WHERE entry_key = $1`, key)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// UpsertRun inserts or fully replaces the row for run.Key.
func (db *DB) UpsertRun(ctx context.Context, run *model.EnrichmentRun) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO enrichment_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (entry_key) DO UPDATE SET
		     search_query = EXCLUDED.search_query,
		     status = EXCLUDED.status,
		     review_state = EXCLUDED.review_state,
		     reviewed_by = EXCLUDED.reviewed_by,
		     last_review_decision = EXCLUDED.last_review_decision,
		     last_review_notes = EXCLUDED.last_review_notes,
		     retry_count = EXCLUDED.retry_count,
		     next_retry_at = EXCLUDED.next_retry_at,
		     last_error = EXCLUDED.last_error,
		     last_attempt_at = EXCLUDED.last_attempt_at,
		     last_modified = EXCLUDED.last_modified`,
		run.Key, run.SearchQuery, string(run.Status), string(run.ReviewState),
		run.ReviewedBy, run.LastReviewDecision, run.LastReviewNotes,
		run.RetryCount, run.NextRetryAt, run.LastError, run.LastAttemptAt,
		run.LastModified,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert run: %w", err)
	}
	return nil
}

// UpdateRunStatus overwrites the mutable fields of the row for run.Key.
// When expectPrior is non-empty the update only applies while the stored
// status is one of the expected values; changed reports whether a row was
// written. Transient serialization conflicts are retried.
func (db *DB) UpdateRunStatus(ctx context.Context, run *model.EnrichmentRun, expectPrior []model.RunStatus) (bool, error) {
	query := `UPDATE enrichment_runs SET
	     search_query = $2,
	     status = $3,
	     review_state = $4,
	     reviewed_by = $5,
	     last_review_decision = $6,
	     last_review_notes = $7,
	     retry_count = $8,
	     next_retry_at = $9,
	     last_error = $10,
	     last_attempt_at = $11,
	     last_modified = $12
	 WHERE entry_key = $1`
	args := []any{
		run.Key, run.SearchQuery, string(run.Status), string(run.ReviewState),
		run.ReviewedBy, run.LastReviewDecision, run.LastReviewNotes,
		run.RetryCount, run.NextRetryAt, run.LastError, run.LastAttemptAt,
		run.LastModified,
	}
	if len(expectPrior) > 0 {
		prior := make([]string, len(expectPrior))
		for i, status := range expectPrior {
			prior[i] = string(status)
		}
		query += ` AND status = ANY($13)`
		args = append(args, prior)
	}

	var changed bool
	err := withRetry(ctx, updateMaxRetries, updateBaseDelay, func() error {
		tag, err := db.pool.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		changed = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("storage: update run status: %w", err)
	}
	return changed, nil
}

// DeleteRun removes the row for key; changed reports whether it existed.
func (db *DB) DeleteRun(ctx context.Context, key string) (bool, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM enrichment_runs WHERE entry_key = $1`, key)
	if err != nil {
		return false, fmt.Errorf("storage: delete run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountRunsByStatus returns the number of runs currently in the given status.
func (db *DB) CountRunsByStatus(ctx context.Context, status model.RunStatus) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM enrichment_runs WHERE status = $1`, string(status),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count runs: %w", err)
	}
	return count, nil
}

// ListQueuedRuns returns up to limit queued runs, oldest first.
func (db *DB) ListQueuedRuns(ctx context.Context, limit int) ([]model.EnrichmentRun, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM enrichment_runs
		 WHERE status = $1
		 ORDER BY last_modified ASC
		 LIMIT $2`,
		string(model.RunStatusQueued), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list queued runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListInFlightRuns returns every queued or running run, oldest first.
func (db *DB) ListInFlightRuns(ctx context.Context) ([]model.EnrichmentRun, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM enrichment_runs
		 WHERE status = ANY($1)
		 ORDER BY last_modified ASC`,
		[]string{string(model.RunStatusQueued), string(model.RunStatusRunning)},
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list in-flight runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// LastRunUpdate returns the newest last_modified across all rows, or nil
// when the table is empty.
func (db *DB) LastRunUpdate(ctx context.Context) (*time.Time, error) {
	var latest *time.Time
	err := db.pool.QueryRow(ctx,
		`SELECT MAX(last_modified) FROM enrichment_runs`,
	).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("storage: last run update: %w", err)
	}
	return latest, nil
}

// RunStatusCounts returns the number of runs per status, for health reporting.
func (db *DB) RunStatusCounts(ctx context.Context) (map[model.RunStatus]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM enrichment_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("storage: run status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.RunStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("storage: scan status count: %w", err)
		}
		counts[model.RunStatus(status)] = count
	}
	return counts, rows.Err()
}

func scanRun(row pgx.Row) (*model.EnrichmentRun, error) {
	var (
		run         model.EnrichmentRun
		status      string
		reviewState string
	)
	if err := row.Scan(
		&run.Key, &run.SearchQuery, &status, &reviewState, &run.ReviewedBy,
		&run.LastReviewDecision, &run.LastReviewNotes, &run.RetryCount,
		&run.NextRetryAt, &run.LastError, &run.LastAttemptAt, &run.LastModified,
	); err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status)
	run.ReviewState = model.ReviewState(reviewState)
	return &run, nil
}

func collectRuns(rows pgx.Rows) ([]model.EnrichmentRun, error) {
	var runs []model.EnrichmentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}
