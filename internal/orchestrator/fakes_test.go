package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/regalhq/regal/internal/model"
)

// memStore is an in-memory RunStore with the same conditional-update
// semantics as the SQL implementations.
type memStore struct {
	mu    sync.Mutex
	rows  map[string]model.EnrichmentRun
	order []string

	getErr  error
	listErr error

	listQueuedCalls int
}

func newMemStore(runs ...model.EnrichmentRun) *memStore {
	s := &memStore{rows: make(map[string]model.EnrichmentRun)}
	for _, run := range runs {
		s.rows[run.Key] = run
		s.order = append(s.order, run.Key)
	}
	return s
}

func (s *memStore) Get(_ context.Context, key string) (*model.EnrichmentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	run, ok := s.rows[key]
	if !ok {
		return nil, nil
	}
	copied := run
	return &copied, nil
}

func (s *memStore) Upsert(_ context.Context, run *model.EnrichmentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[run.Key]; !ok {
		s.order = append(s.order, run.Key)
	}
	s.rows[run.Key] = *run
	return nil
}

func (s *memStore) UpdateStatus(_ context.Context, run *model.EnrichmentRun, expectPrior []model.RunStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.rows[run.Key]
	if !ok {
		return false, nil
	}
	if len(expectPrior) > 0 {
		matched := false
		for _, status := range expectPrior {
			if stored.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	s.rows[run.Key] = *run
	return true, nil
}

func (s *memStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[key]; !ok {
		return false, nil
	}
	delete(s.rows, key)
	return true, nil
}

func (s *memStore) CountByStatus(_ context.Context, status model.RunStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, run := range s.rows {
		if run.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *memStore) StatusCounts(_ context.Context) (map[model.RunStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	counts := make(map[model.RunStatus]int)
	for _, run := range s.rows {
		counts[run.Status]++
	}
	return counts, nil
}

func (s *memStore) ListQueued(_ context.Context, limit int) ([]model.EnrichmentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listQueuedCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	var queued []model.EnrichmentRun
	for _, key := range s.order {
		run, ok := s.rows[key]
		if !ok || run.Status != model.RunStatusQueued {
			continue
		}
		queued = append(queued, run)
		if len(queued) >= limit {
			break
		}
	}
	return queued, nil
}

func (s *memStore) ListInFlight(_ context.Context) ([]model.EnrichmentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var inFlight []model.EnrichmentRun
	for _, key := range s.order {
		run, ok := s.rows[key]
		if !ok || !run.Status.InFlight() {
			continue
		}
		inFlight = append(inFlight, run)
	}
	return inFlight, nil
}

func (s *memStore) LastUpdated(_ context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *time.Time
	for _, run := range s.rows {
		if latest == nil || run.LastModified.After(*latest) {
			ts := run.LastModified
			latest = &ts
		}
	}
	return latest, nil
}

func (s *memStore) get(key string) (model.EnrichmentRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.rows[key]
	return run, ok
}

func (s *memStore) queuedFetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listQueuedCalls
}

type finishCall struct {
	requestID string
	status    model.RequestStatus
	errMsg    *string
}

// memLedger records every ledger call for assertion.
type memLedger struct {
	mu        sync.Mutex
	starts    []string
	finishes  []finishCall
	snapshots map[string]json.RawMessage
	notifyOK  []string
	notifyErr []string
}

func newMemLedger() *memLedger {
	return &memLedger{snapshots: make(map[string]json.RawMessage)}
}

func (l *memLedger) Start(_ context.Context, requestID string, _ *string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts = append(l.starts, requestID)
	return nil
}

func (l *memLedger) Finish(_ context.Context, requestID string, status model.RequestStatus, errMsg *string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finishes = append(l.finishes, finishCall{requestID: requestID, status: status, errMsg: errMsg})
	return nil
}

func (l *memLedger) SaveSnapshot(_ context.Context, requestID string, payload json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots[requestID] = payload
	return nil
}

func (l *memLedger) MarkNotifySuccess(_ context.Context, requestID string, _ *time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notifyOK = append(l.notifyOK, requestID)
	return nil
}

func (l *memLedger) MarkNotifyFailure(_ context.Context, requestID string, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notifyErr = append(l.notifyErr, requestID)
	return nil
}

func (l *memLedger) lastFinish() (finishCall, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.finishes) == 0 {
		return finishCall{}, false
	}
	return l.finishes[len(l.finishes)-1], true
}

// memAudit collects emitted audit events.
type memAudit struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (a *memAudit) Emit(_ context.Context, event model.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) names() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.events))
	for _, event := range a.events {
		names = append(names, event.Event)
	}
	return names
}

// memInvoker records invocations and returns a configurable error.
type memInvoker struct {
	mu    sync.Mutex
	calls []Invocation
	err   error
}

func (i *memInvoker) Invoke(_ context.Context, inv Invocation) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls = append(i.calls, inv)
	return i.err
}

func (i *memInvoker) invocations() []Invocation {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Invocation, len(i.calls))
	copy(out, i.calls)
	return out
}

var testClock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *memStore
	ledger  *memLedger
	audit   *memAudit
	invoker *memInvoker
	svc     *Service
}

func newFixture(t *testing.T, store *memStore, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:   store,
		ledger:  newMemLedger(),
		audit:   &memAudit{},
		invoker: &memInvoker{},
	}
	all := append([]Option{WithClock(func() time.Time { return testClock })}, opts...)
	f.svc = New(Deps{
		Runs:    store,
		Ledger:  f.ledger,
		Audit:   f.audit,
		Invoker: f.invoker,
		Logger:  slog.New(slog.DiscardHandler),
	}, all...)
	return f
}
