package lite

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regalhq/regal/internal/model"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "regal.db"),
		slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func strPtr(s string) *string { return &s }

func TestRunRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	runs := store.Runs()

	now := time.Now().UTC().Truncate(time.Millisecond)
	attempt := now.Add(-time.Minute)
	run := &model.EnrichmentRun{
		Key:                "rt-1",
		SearchQuery:        "acme widget 3000",
		Status:             model.RunStatusReview,
		ReviewState:        model.ReviewStatePending,
		ReviewedBy:         strPtr("reviewer-1"),
		LastReviewDecision: strPtr("approve"),
		LastReviewNotes:    strPtr("dimensions verified"),
		RetryCount:         2,
		LastError:          strPtr("transient timeout"),
		LastAttemptAt:      &attempt,
		LastModified:       now,
	}
	require.NoError(t, runs.Upsert(ctx, run))

	got, err := runs.Get(ctx, "rt-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, run.SearchQuery, got.SearchQuery)
	assert.Equal(t, model.RunStatusReview, got.Status)
	require.NotNil(t, got.ReviewedBy)
	assert.Equal(t, "reviewer-1", *got.ReviewedBy)
	require.NotNil(t, got.LastAttemptAt)
	assert.True(t, got.LastAttemptAt.Equal(attempt))
	assert.True(t, got.LastModified.Equal(now))

	missing, err := runs.Get(ctx, "rt-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpdateStatusConditional(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	runs := store.Runs()

	run := &model.EnrichmentRun{
		Key: "cond-1", SearchQuery: "widget", Status: model.RunStatusQueued,
		ReviewState: model.ReviewStateNotRequired, LastModified: time.Now().UTC(),
	}
	require.NoError(t, runs.Upsert(ctx, run))

	run.Status = model.RunStatusRunning
	changed, err := runs.UpdateStatus(ctx, run, []model.RunStatus{model.RunStatusFailed})
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = runs.UpdateStatus(ctx, run, []model.RunStatus{model.RunStatusQueued})
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := runs.Get(ctx, "cond-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
}

func TestQueueOrderingAndCounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	runs := store.Runs()

	base := time.Now().UTC().Add(-time.Hour)
	for i, key := range []string{"sku-c", "sku-a", "sku-b"} {
		require.NoError(t, runs.Upsert(ctx, &model.EnrichmentRun{
			Key: key, SearchQuery: "widget", Status: model.RunStatusQueued,
			ReviewState:  model.ReviewStateNotRequired,
			LastModified: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, runs.Upsert(ctx, &model.EnrichmentRun{
		Key: "sku-r", SearchQuery: "widget", Status: model.RunStatusRunning,
		ReviewState: model.ReviewStateNotRequired, LastModified: time.Now().UTC(),
	}))

	queued, err := runs.ListQueued(ctx, 2)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, "sku-c", queued[0].Key)
	assert.Equal(t, "sku-a", queued[1].Key)

	inFlight, err := runs.ListInFlight(ctx)
	require.NoError(t, err)
	assert.Len(t, inFlight, 4)

	n, err := runs.CountByStatus(ctx, model.RunStatusRunning)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	last, err := runs.LastUpdated(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	runs := store.Runs()

	require.NoError(t, runs.Upsert(ctx, &model.EnrichmentRun{
		Key: "del-1", SearchQuery: "widget", Status: model.RunStatusCancelled,
		ReviewState: model.ReviewStateNotRequired, LastModified: time.Now().UTC(),
	}))

	changed, err := runs.Delete(ctx, "del-1")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = runs.Delete(ctx, "del-1")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestLedgerLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	ledger := store.Ledger()

	require.NoError(t, ledger.Start(ctx, "req-1", strPtr("acme widget")))
	require.NoError(t, ledger.SaveSnapshot(ctx, "req-1",
		json.RawMessage(`{"search_query":"acme widget"}`)))
	require.NoError(t, ledger.Finish(ctx, "req-1", model.RequestStatusSuccess, nil))

	// Declines finalize ids that never passed Start.
	require.NoError(t, ledger.Finish(ctx, "req-2", model.RequestStatusDeclined,
		strPtr("run-already-in-progress")))

	pending, err := ledger.ListPendingNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	now := time.Now().UTC()
	require.NoError(t, ledger.MarkNotifySuccess(ctx, "req-1", &now))
	require.NoError(t, ledger.MarkNotifyFailure(ctx, "req-2", "webhook returned 502"))

	pending, err = ledger.ListPendingNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "req-2", pending[0].RequestID)
}

func TestAuditEmit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)

	err := store.Audit().Emit(ctx, model.AuditEvent{
		Actor:      "ops",
		EntityType: "enrichment_run",
		EntityID:   "sku-1",
		Event:      model.AuditEventQueued,
		Meta:       map[string]any{"searchQuery": "widget"},
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_events WHERE entity_id = ?`, "sku-1").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestAuditListNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)

	for _, event := range []string{model.AuditEventQueued, model.AuditEventCancelled} {
		require.NoError(t, store.Audit().Emit(ctx, model.AuditEvent{
			Actor:      "ops",
			EntityType: "enrichment_run",
			EntityID:   "sku-2",
			Event:      event,
		}))
	}
	require.NoError(t, store.Audit().Emit(ctx, model.AuditEvent{
		EntityType: "enrichment_run",
		EntityID:   "other",
		Event:      model.AuditEventQueued,
	}))

	events, err := store.Audit().ListAuditEvents(ctx, "sku-2", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.AuditEventCancelled, events[0].Event)
	assert.Equal(t, model.AuditEventQueued, events[1].Event)
	assert.NotNil(t, events[0].Meta)

	limited, err := store.Audit().ListAuditEvents(ctx, "sku-2", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, model.AuditEventCancelled, limited[0].Event)
}
