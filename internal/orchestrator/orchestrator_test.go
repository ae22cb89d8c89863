package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regalhq/regal/internal/model"
)

func TestStartDeclinesWithoutKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newMemStore())
	res, err := f.svc.Start(context.Background(), StartInput{SearchQuery: "Bosch GSB 13 RE"})

	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Equal(t, ReasonMissingItemID, res.Reason)
	assert.Empty(t, f.invoker.invocations())
}

func TestStartQueuesNewRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newMemStore())
	res, err := f.svc.Start(context.Background(), StartInput{
		Key:         "sku-100",
		SearchQuery: "Makita DDF485 specs",
		Actor:       "catalog-bot",
	})

	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.True(t, res.Created)

	stored, ok := f.store.get("sku-100")
	require.True(t, ok)
	assert.Equal(t, model.RunStatusQueued, stored.Status)
	assert.Equal(t, model.ReviewStateNotRequired, stored.ReviewState)
	assert.Equal(t, "Makita DDF485 specs", stored.SearchQuery)
	assert.Zero(t, stored.RetryCount)
	assert.Nil(t, stored.LastError)
	assert.Equal(t, testClock, stored.LastModified)

	assert.Equal(t, []string{model.AuditEventQueued}, f.audit.names())
}

func TestStartRequeueResetsRetryBookkeeping(t *testing.T) {
	t.Parallel()

	attemptAt := testClock.Add(-time.Hour)
	errMsg := "timeout"
	store := newMemStore(model.EnrichmentRun{
		Key:           "sku-100",
		SearchQuery:   "old query",
		Status:        model.RunStatusFailed,
		ReviewState:   model.ReviewStateNotRequired,
		RetryCount:    3,
		LastError:     &errMsg,
		LastAttemptAt: &attemptAt,
		LastModified:  attemptAt,
	})
	f := newFixture(t, store)

	res, err := f.svc.Start(context.Background(), StartInput{Key: "sku-100", SearchQuery: "new query"})

	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.False(t, res.Created)

	stored, _ := f.store.get("sku-100")
	assert.Equal(t, model.RunStatusQueued, stored.Status)
	assert.Equal(t, "new query", stored.SearchQuery)
	assert.Zero(t, stored.RetryCount)
	assert.Nil(t, stored.LastError)
	assert.Nil(t, stored.LastAttemptAt)
	assert.Nil(t, stored.NextRetryAt)

	assert.Equal(t, []string{model.AuditEventRequeued}, f.audit.names())
}

func TestStartDeclinesWhileInFlight(t *testing.T) {
	t.Parallel()

	for _, status := range []model.RunStatus{model.RunStatusQueued, model.RunStatusRunning, model.RunStatusReview} {
		t.Run(string(status), func(t *testing.T) {
			t.Parallel()

			store := newMemStore(model.EnrichmentRun{
				Key:         "sku-100",
				SearchQuery: "stored query",
				Status:      status,
				ReviewState: model.ReviewStateNotRequired,
			})
			f := newFixture(t, store)

			res, err := f.svc.Start(context.Background(), StartInput{
				Key:         "sku-100",
				SearchQuery: "another query",
				Request:     &model.RequestContext{ID: "req-1"},
			})

			require.NoError(t, err)
			assert.False(t, res.Queued)
			assert.Equal(t, ReasonAlreadyInProgress, res.Reason)

			// The stored row is untouched.
			stored, _ := f.store.get("sku-100")
			assert.Equal(t, status, stored.Status)
			assert.Equal(t, "stored query", stored.SearchQuery)

			finish, ok := f.ledger.lastFinish()
			require.True(t, ok)
			assert.Equal(t, model.RequestStatusDeclined, finish.status)
			require.NotNil(t, finish.errMsg)
			assert.Equal(t, ReasonAlreadyInProgress, *finish.errMsg)
		})
	}
}

func TestStartBlankQueryFallsBackToStored(t *testing.T) {
	t.Parallel()

	store := newMemStore(model.EnrichmentRun{
		Key:         "sku-100",
		SearchQuery: "stored query",
		Status:      model.RunStatusFailed,
		ReviewState: model.ReviewStateNotRequired,
	})
	f := newFixture(t, store)

	res, err := f.svc.Start(context.Background(), StartInput{Key: "sku-100", SearchQuery: "   "})

	require.NoError(t, err)
	assert.True(t, res.Queued)
	stored, _ := f.store.get("sku-100")
	assert.Equal(t, model.RunStatusQueued, stored.Status)
	assert.Equal(t, "stored query", stored.SearchQuery)
}

func TestStartBlankQueryLeavesShellForNewEntry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newMemStore())
	res, err := f.svc.Start(context.Background(), StartInput{
		Key:     "sku-100",
		Request: &model.RequestContext{ID: "req-1", Payload: json.RawMessage(`{"a":1}`)},
	})

	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.True(t, res.Created)
	assert.Equal(t, ReasonMissingSearchQuery, res.Reason)

	stored, ok := f.store.get("sku-100")
	require.True(t, ok)
	assert.Equal(t, model.RunStatusNotStarted, stored.Status)
	assert.Equal(t, model.ReviewStateNotRequired, stored.ReviewState)
	assert.Empty(t, stored.SearchQuery)

	// Repeated delivery of the same trigger declines identically.
	res, err = f.svc.Start(context.Background(), StartInput{Key: "sku-100"})
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.False(t, res.Created)
	assert.Equal(t, ReasonMissingSearchQuery, res.Reason)

	finish, ok := f.ledger.lastFinish()
	require.True(t, ok)
	assert.Equal(t, model.RequestStatusDeclined, finish.status)
	assert.Contains(t, f.ledger.snapshots, "req-1")
}

func TestStartStorageFailureFinalizesLedger(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.getErr = errors.New("connection refused")
	f := newFixture(t, store)

	_, err := f.svc.Start(context.Background(), StartInput{
		Key:         "sku-100",
		SearchQuery: "query",
		Request:     &model.RequestContext{ID: "req-1"},
	})

	require.Error(t, err)
	assert.ErrorContains(t, err, "connection refused")

	finish, ok := f.ledger.lastFinish()
	require.True(t, ok)
	assert.Equal(t, model.RequestStatusFailed, finish.status)
}

func TestStartDirectDispatchInvokesSynchronously(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newMemStore(), WithDirectDispatch())
	res, err := f.svc.Start(context.Background(), StartInput{
		Key:         "sku-100",
		SearchQuery: "query",
		Request:     &model.RequestContext{ID: "req-1"},
	})

	require.NoError(t, err)
	assert.True(t, res.Queued)

	calls := f.invoker.invocations()
	require.Len(t, calls, 1)
	assert.Equal(t, "sku-100", calls[0].Key)
	require.NotNil(t, calls[0].RequestID)
	assert.Equal(t, "req-1", *calls[0].RequestID)

	stored, _ := f.store.get("sku-100")
	assert.Equal(t, model.RunStatusRunning, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.LastAttemptAt)
}

func TestStartDirectDispatchFailureIsHardError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newMemStore(), WithDirectDispatch())
	f.invoker.err = errors.New("model endpoint unavailable")

	_, err := f.svc.Start(context.Background(), StartInput{
		Key:         "sku-100",
		SearchQuery: "query",
		Request:     &model.RequestContext{ID: "req-1"},
	})

	require.Error(t, err)
	assert.ErrorContains(t, err, "model endpoint unavailable")

	stored, _ := f.store.get("sku-100")
	assert.Equal(t, model.RunStatusFailed, stored.Status)
	require.NotNil(t, stored.LastError)

	finish, ok := f.ledger.lastFinish()
	require.True(t, ok)
	assert.Equal(t, model.RequestStatusFailed, finish.status)
}

func TestRestartReviewMetadata(t *testing.T) {
	t.Parallel()

	reviewer := "reviewer-1"
	decision := "reject"
	notes := "missing dimensions"
	existing := model.EnrichmentRun{
		Key:                "sku-100",
		SearchQuery:        "stored query",
		Status:             model.RunStatusRejected,
		ReviewState:        model.ReviewStatePending,
		ReviewedBy:         &reviewer,
		LastReviewDecision: &decision,
		LastReviewNotes:    &notes,
	}

	t.Run("preserve when nothing supplied", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, newMemStore(existing))
		res, err := f.svc.Restart(context.Background(), RestartInput{
			StartInput: StartInput{Key: "sku-100"},
		})

		require.NoError(t, err)
		assert.True(t, res.Queued)

		stored, _ := f.store.get("sku-100")
		assert.Equal(t, model.RunStatusQueued, stored.Status)
		assert.Equal(t, model.ReviewStatePending, stored.ReviewState)
		require.NotNil(t, stored.ReviewedBy)
		assert.Equal(t, "reviewer-1", *stored.ReviewedBy)
		require.NotNil(t, stored.LastReviewDecision)
		assert.Equal(t, "reject", *stored.LastReviewDecision)
		require.NotNil(t, stored.LastReviewNotes)
		assert.Equal(t, "missing dimensions", *stored.LastReviewNotes)
	})

	t.Run("replace with supplied payload", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, newMemStore(existing))
		res, err := f.svc.Restart(context.Background(), RestartInput{
			StartInput: StartInput{
				Key: "sku-100",
				Review: &model.ReviewPayload{
					Decision:   "APPROVE ",
					State:      "approved",
					Notes:      "  looks complete ",
					ReviewedBy: "reviewer-2",
				},
			},
			ReplaceReviewMetadata: true,
		})

		require.NoError(t, err)
		assert.True(t, res.Queued)

		stored, _ := f.store.get("sku-100")
		assert.Equal(t, model.ReviewStateApproved, stored.ReviewState)
		require.NotNil(t, stored.LastReviewDecision)
		assert.Equal(t, "approve", *stored.LastReviewDecision)
		require.NotNil(t, stored.LastReviewNotes)
		assert.Equal(t, "looks complete", *stored.LastReviewNotes)
		require.NotNil(t, stored.ReviewedBy)
		assert.Equal(t, "reviewer-2", *stored.ReviewedBy)
	})

	t.Run("clear with flag and no payload", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, newMemStore(existing))
		res, err := f.svc.Restart(context.Background(), RestartInput{
			StartInput:            StartInput{Key: "sku-100"},
			ReplaceReviewMetadata: true,
		})

		require.NoError(t, err)
		assert.True(t, res.Queued)

		stored, _ := f.store.get("sku-100")
		assert.Equal(t, model.ReviewStateNotRequired, stored.ReviewState)
		assert.Nil(t, stored.ReviewedBy)
		assert.Nil(t, stored.LastReviewDecision)
		assert.Nil(t, stored.LastReviewNotes)
	})
}

func TestRestartForcesQueuedFromRunning(t *testing.T) {
	t.Parallel()

	attemptAt := testClock.Add(-time.Minute)
	store := newMemStore(model.EnrichmentRun{
		Key:           "sku-100",
		SearchQuery:   "stored query",
		Status:        model.RunStatusRunning,
		ReviewState:   model.ReviewStateNotRequired,
		RetryCount:    2,
		LastAttemptAt: &attemptAt,
	})
	f := newFixture(t, store)

	res, err := f.svc.Restart(context.Background(), RestartInput{
		StartInput: StartInput{Key: "sku-100", Actor: "ops"},
	})

	require.NoError(t, err)
	assert.True(t, res.Queued)

	stored, _ := f.store.get("sku-100")
	assert.Equal(t, model.RunStatusQueued, stored.Status)
	assert.Zero(t, stored.RetryCount)
	assert.Nil(t, stored.LastAttemptAt)

	assert.Equal(t, []string{model.AuditEventRestarted}, f.audit.names())
}

func TestRestartDeclinesWithoutAnyQuery(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newMemStore())
	res, err := f.svc.Restart(context.Background(), RestartInput{
		StartInput: StartInput{Key: "sku-100"},
	})

	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Equal(t, ReasonMissingSearchQuery, res.Reason)

	// Unlike start, restart never fabricates a shell row.
	_, ok := f.store.get("sku-100")
	assert.False(t, ok)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	t.Run("declines when run does not exist", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, newMemStore())
		res, err := f.svc.Cancel(context.Background(), CancelInput{Key: "sku-100"})

		require.NoError(t, err)
		assert.False(t, res.Cancelled)
		assert.Equal(t, ReasonNotFound, res.Reason)
	})

	t.Run("keeps review decision snapshot", func(t *testing.T) {
		t.Parallel()

		decision := "reject"
		notes := "bad format"
		f := newFixture(t, newMemStore(model.EnrichmentRun{
			Key:                "sku-100",
			SearchQuery:        "query",
			Status:             model.RunStatusRunning,
			ReviewState:        model.ReviewStatePending,
			LastReviewDecision: &decision,
			LastReviewNotes:    &notes,
		}))

		res, err := f.svc.Cancel(context.Background(), CancelInput{
			Key:     "sku-100",
			Actor:   "ops",
			Reason:  "duplicate item",
			Request: &model.RequestContext{ID: "req-9"},
		})

		require.NoError(t, err)
		assert.True(t, res.Cancelled)

		stored, _ := f.store.get("sku-100")
		assert.Equal(t, model.RunStatusCancelled, stored.Status)
		assert.Equal(t, model.ReviewStateNotRequired, stored.ReviewState)
		require.NotNil(t, stored.LastError)
		assert.Equal(t, "duplicate item", *stored.LastError)
		require.NotNil(t, stored.LastReviewDecision)
		assert.Equal(t, "reject", *stored.LastReviewDecision)
		require.NotNil(t, stored.LastReviewNotes)
		assert.Equal(t, "bad format", *stored.LastReviewNotes)

		finish, ok := f.ledger.lastFinish()
		require.True(t, ok)
		assert.Equal(t, model.RequestStatusCancelled, finish.status)
		assert.Equal(t, []string{model.AuditEventCancelled}, f.audit.names())
	})
}

func TestDelete(t *testing.T) {
	t.Parallel()

	t.Run("requires an actor", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, newMemStore(model.EnrichmentRun{
			Key:    "sku-100",
			Status: model.RunStatusFailed,
		}))
		res, err := f.svc.Delete(context.Background(), DeleteInput{Key: "sku-100"})

		require.NoError(t, err)
		assert.False(t, res.Deleted)
		assert.Equal(t, ReasonMissingActor, res.Reason)
	})

	t.Run("declines for never-started runs", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, newMemStore(model.EnrichmentRun{
			Key:    "sku-100",
			Status: model.RunStatusNotStarted,
		}))
		res, err := f.svc.Delete(context.Background(), DeleteInput{Key: "sku-100", Actor: "ops"})

		require.NoError(t, err)
		assert.False(t, res.Deleted)
		assert.Equal(t, ReasonNotStarted, res.Reason)
	})

	t.Run("resets to a shell preserving the query", func(t *testing.T) {
		t.Parallel()

		errMsg := "timeout"
		f := newFixture(t, newMemStore(model.EnrichmentRun{
			Key:         "sku-100",
			SearchQuery: "stored query",
			Status:      model.RunStatusFailed,
			ReviewState: model.ReviewStateNotRequired,
			RetryCount:  4,
			LastError:   &errMsg,
		}))

		res, err := f.svc.Delete(context.Background(), DeleteInput{Key: "sku-100", Actor: "ops"})

		require.NoError(t, err)
		assert.True(t, res.Deleted)

		stored, ok := f.store.get("sku-100")
		require.True(t, ok)
		assert.Equal(t, model.RunStatusNotStarted, stored.Status)
		assert.Equal(t, "stored query", stored.SearchQuery)
		assert.Zero(t, stored.RetryCount)
		assert.Nil(t, stored.LastError)

		assert.Equal(t, []string{model.AuditEventReset}, f.audit.names())
	})
}

func TestStatusTrimsKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newMemStore(model.EnrichmentRun{
		Key:    "sku-100",
		Status: model.RunStatusQueued,
	}))

	run, err := f.svc.Status(context.Background(), "  sku-100  ")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "sku-100", run.Key)

	run, err = f.svc.Status(context.Background(), "   ")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestCheckHealth(t *testing.T) {
	t.Parallel()

	updated := testClock.Add(-time.Minute)
	f := newFixture(t, newMemStore(
		model.EnrichmentRun{Key: "a", Status: model.RunStatusQueued, LastModified: updated.Add(-time.Hour)},
		model.EnrichmentRun{Key: "b", Status: model.RunStatusQueued, LastModified: updated},
		model.EnrichmentRun{Key: "c", Status: model.RunStatusRunning, LastModified: updated.Add(-2 * time.Hour)},
	))

	health := f.svc.CheckHealth(context.Background())

	assert.True(t, health.OK)
	assert.Equal(t, 2, health.QueuedCount)
	assert.Equal(t, 1, health.RunningCount)
	assert.Equal(t, map[model.RunStatus]int{
		model.RunStatusQueued:  2,
		model.RunStatusRunning: 1,
	}, health.StatusCounts)
	require.NotNil(t, health.LastUpdatedAt)
	assert.Equal(t, updated, *health.LastUpdatedAt)
}
