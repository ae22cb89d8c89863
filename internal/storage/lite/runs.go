package lite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/regalhq/regal/internal/model"
)

const runColumns = `entry_key, search_query, status, review_state, reviewed_by,
	 last_review_decision, last_review_notes, retry_count, next_retry_at,
	 last_error, last_attempt_at, last_modified`

// RunStore adapts Store to the orchestrator's run store surface.
type RunStore struct{ s *Store }

// Runs returns the run store view of the database.
func (s *Store) Runs() *RunStore { return &RunStore{s: s} }

func (r *RunStore) Get(ctx context.Context, key string) (*model.EnrichmentRun, error) {
	row := r.s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM enrichment_runs WHERE entry_key = ?`, key)
	run, err := scanRun(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lite: get run: %w", err)
	}
	return run, nil
}

func (r *RunStore) Upsert(ctx context.Context, run *model.EnrichmentRun) error {
	_, err := r.s.db.ExecContext(ctx,
		`INSERT INTO enrichment_runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (entry_key) DO UPDATE SET
		     search_query = excluded.search_query,
		     status = excluded.status,
		     review_state = excluded.review_state,
		     reviewed_by = excluded.reviewed_by,
		     last_review_decision = excluded.last_review_decision,
		     last_review_notes = excluded.last_review_notes,
		     retry_count = excluded.retry_count,
		     next_retry_at = excluded.next_retry_at,
		     last_error = excluded.last_error,
		     last_attempt_at = excluded.last_attempt_at,
		     last_modified = excluded.last_modified`,
		runArgs(run)...,
	)
	if err != nil {
		return fmt.Errorf("lite: upsert run: %w", err)
	}
	return nil
}

func (r *RunStore) UpdateStatus(ctx context.Context, run *model.EnrichmentRun, expectPrior []model.RunStatus) (bool, error) {
	query := `UPDATE enrichment_runs SET
	     search_query = ?,
	     status = ?,
	     review_state = ?,
	     reviewed_by = ?,
	     last_review_decision = ?,
	     last_review_notes = ?,
	     retry_count = ?,
	     next_retry_at = ?,
	     last_error = ?,
	     last_attempt_at = ?,
	     last_modified = ?
	 WHERE entry_key = ?`
	args := append(runArgs(run)[1:], run.Key)
	if len(expectPrior) > 0 {
		query += ` AND status IN (?` + strings.Repeat(", ?", len(expectPrior)-1) + `)`
		for _, status := range expectPrior {
			args = append(args, string(status))
		}
	}

	res, err := r.s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("lite: update run status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lite: update run status: %w", err)
	}
	return affected > 0, nil
}

func (r *RunStore) Delete(ctx context.Context, key string) (bool, error) {
	res, err := r.s.db.ExecContext(ctx, `DELETE FROM enrichment_runs WHERE entry_key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("lite: delete run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lite: delete run: %w", err)
	}
	return affected > 0, nil
}

func (r *RunStore) CountByStatus(ctx context.Context, status model.RunStatus) (int, error) {
	var count int
	err := r.s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM enrichment_runs WHERE status = ?`, string(status),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("lite: count runs: %w", err)
	}
	return count, nil
}

func (r *RunStore) StatusCounts(ctx context.Context) (map[model.RunStatus]int, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM enrichment_runs GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("lite: run status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.RunStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("lite: run status counts: %w", err)
		}
		counts[model.RunStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lite: run status counts: %w", err)
	}
	return counts, nil
}

func (r *RunStore) ListQueued(ctx context.Context, limit int) ([]model.EnrichmentRun, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM enrichment_runs
		 WHERE status = ?
		 ORDER BY last_modified ASC
		 LIMIT ?`,
		string(model.RunStatusQueued), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("lite: list queued runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (r *RunStore) ListInFlight(ctx context.Context) ([]model.EnrichmentRun, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM enrichment_runs
		 WHERE status IN (?, ?)
		 ORDER BY last_modified ASC`,
		string(model.RunStatusQueued), string(model.RunStatusRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("lite: list in-flight runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (r *RunStore) LastUpdated(ctx context.Context) (*time.Time, error) {
	var latest sql.NullString
	err := r.s.db.QueryRowContext(ctx,
		`SELECT MAX(last_modified) FROM enrichment_runs`,
	).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("lite: last run update: %w", err)
	}
	return decodeTimePtr(latest)
}

func runArgs(run *model.EnrichmentRun) []any {
	return []any{
		run.Key, run.SearchQuery, string(run.Status), string(run.ReviewState),
		run.ReviewedBy, run.LastReviewDecision, run.LastReviewNotes,
		run.RetryCount, encodeTimePtr(run.NextRetryAt), run.LastError,
		encodeTimePtr(run.LastAttemptAt), encodeTime(run.LastModified),
	}
}

func scanRun(scan func(dest ...any) error) (*model.EnrichmentRun, error) {
	var (
		run          model.EnrichmentRun
		status       string
		reviewState  string
		reviewedBy   sql.NullString
		decision     sql.NullString
		notes        sql.NullString
		nextRetryAt  sql.NullString
		lastError    sql.NullString
		lastAttempt  sql.NullString
		lastModified string
	)
	if err := scan(
		&run.Key, &run.SearchQuery, &status, &reviewState, &reviewedBy,
		&decision, &notes, &run.RetryCount, &nextRetryAt,
		&lastError, &lastAttempt, &lastModified,
	); err != nil {
		return nil, err
	}

	run.Status = model.RunStatus(status)
	run.ReviewState = model.ReviewState(reviewState)
	run.ReviewedBy = strOrNil(reviewedBy)
	run.LastReviewDecision = strOrNil(decision)
	run.LastReviewNotes = strOrNil(notes)
	run.LastError = strOrNil(lastError)

	var err error
	if run.NextRetryAt, err = decodeTimePtr(nextRetryAt); err != nil {
		return nil, err
	}
	if run.LastAttemptAt, err = decodeTimePtr(lastAttempt); err != nil {
		return nil, err
	}
	if run.LastModified, err = decodeTime(lastModified); err != nil {
		return nil, err
	}
	return &run, nil
}

func collectRuns(rows *sql.Rows) ([]model.EnrichmentRun, error) {
	var runs []model.EnrichmentRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("lite: scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}
