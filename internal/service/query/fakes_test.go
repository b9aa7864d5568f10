package query_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kensa/internal/engine"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/storage"
)

// fakeExecutions is an in-memory ExecutionRepository that enforces the
// status state machine and records every transition.
type fakeExecutions struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]*model.QueryExecution
	history   map[uuid.UUID][]model.ExecutionStatus
	baseCount int
	createErr error
	updateErr error
	countErr  error
}

func newFakeExecutions() *fakeExecutions {
	return &fakeExecutions{
		rows:    map[uuid.UUID]*model.QueryExecution{},
		history: map[uuid.UUID][]model.ExecutionStatus{},
	}
}

func (f *fakeExecutions) CreateExecution(_ context.Context, req model.CreateExecutionRequest) (model.QueryExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return model.QueryExecution{}, f.createErr
	}
	e := model.QueryExecution{
		ID:          uuid.New(),
		WorkspaceID: req.WorkspaceID,
		SessionID:   req.SessionID,
		QueryText:   req.QueryText,
		QueryHash:   req.QueryHash,
		Status:      model.ExecutionStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	f.rows[e.ID] = &e
	f.history[e.ID] = []model.ExecutionStatus{model.ExecutionStatusPending}
	return e, nil
}

func (f *fakeExecutions) UpdateExecutionStatus(_ context.Context, id uuid.UUID, status model.ExecutionStatus, upd model.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	e, ok := f.rows[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !e.Status.CanTransitionTo(status) {
		return storage.ErrInvalidTransition
	}
	upd = upd.Normalize(status)
	e.Status = status
	e.ExecutionTimeMs = upd.ExecutionTimeMs
	e.ErrorMessage = upd.ErrorMessage
	f.history[id] = append(f.history[id], status)
	return nil
}

func (f *fakeExecutions) GetExecution(_ context.Context, workspaceID string, id uuid.UUID) (model.QueryExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.rows[id]
	if !ok || e.WorkspaceID != workspaceID {
		return model.QueryExecution{}, storage.ErrNotFound
	}
	return *e, nil
}

func (f *fakeExecutions) CountExecutionsSince(_ context.Context, workspaceID string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	n := f.baseCount
	for _, e := range f.rows {
		if e.WorkspaceID == workspaceID && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeExecutions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeExecutions) only() (model.QueryExecution, []model.ExecutionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, e := range f.rows {
		return *e, append([]model.ExecutionStatus(nil), f.history[id]...)
	}
	return model.QueryExecution{}, nil
}

// fakeCache keeps the newest result per (workspace, hash).
type fakeCache struct {
	mu        sync.Mutex
	results   map[string]model.CachedResult
	stores    int
	lookupErr error
	storeErr  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{results: map[string]model.CachedResult{}}
}

func (f *fakeCache) CreateCachedResult(_ context.Context, req model.CreateCachedResultRequest) (model.CachedResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return model.CachedResult{}, f.storeErr
	}
	r := model.CachedResult{
		ID:          uuid.New(),
		WorkspaceID: req.WorkspaceID,
		QueryHash:   req.QueryHash,
		ExecutionID: req.ExecutionID,
		SessionID:   req.SessionID,
		Columns:     req.Columns,
		Rows:        req.Rows,
		RowCount:    req.RowCount,
		CachedAt:    time.Now().UTC(),
		ExpiresAt:   req.ExpiresAt,
	}
	f.results[req.WorkspaceID+"/"+req.QueryHash] = r
	f.stores++
	return r, nil
}

func (f *fakeCache) GetFreshCachedResult(_ context.Context, workspaceID, queryHash string, now time.Time) (model.CachedResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return model.CachedResult{}, f.lookupErr
	}
	r, ok := f.results[workspaceID+"/"+queryHash]
	if !ok || !r.FreshAt(now) {
		return model.CachedResult{}, storage.ErrNotFound
	}
	return r, nil
}

func (f *fakeCache) get(workspaceID, queryHash string) (model.CachedResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[workspaceID+"/"+queryHash]
	return r, ok
}

// fakeEngine returns result or err after an optional gate. Timeouts are
// reported the way the real clients report them.
type fakeEngine struct {
	mu     sync.Mutex
	calls  int
	result engine.Result
	err    error
	gate   chan struct{}
	seen   []engine.QueryOptions
}

func (f *fakeEngine) Query(ctx context.Context, _ string, opts engine.QueryOptions) (engine.Result, error) {
	f.mu.Lock()
	f.calls++
	f.seen = append(f.seen, opts)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		var timer <-chan time.Time
		if opts.Timeout > 0 {
			timer = time.After(opts.Timeout)
		}
		select {
		case <-gate:
		case <-timer:
			return engine.Result{}, &engine.TimeoutError{Timeout: opts.Timeout}
		case <-ctx.Done():
			return engine.Result{}, ctx.Err()
		}
	}
	if f.err != nil {
		return engine.Result{}, f.err
	}
	return f.result, nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var errBackend = errors.New("backend unavailable")
