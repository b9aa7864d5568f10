package query_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/engine"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/ratelimit"
	"github.com/ashita-ai/kensa/internal/service/query"
)

const (
	ws          = "ws-test"
	eventsQuery = "SELECT event, count() FROM events GROUP BY event"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	execs  *fakeExecutions
	cache  *fakeCache
	engine *fakeEngine
	svc    *query.Service
}

func newHarness(t *testing.T, opts ...query.Option) *harness {
	t.Helper()
	h := &harness{
		execs: newFakeExecutions(),
		cache: newFakeCache(),
		engine: &fakeEngine{result: engine.Result{
			Columns: []string{"event", "count()"},
			Rows:    [][]any{{"click", int64(3)}, {"view", int64(1)}},
		}},
	}
	limiter := ratelimit.New(h.execs, ratelimit.Config{Limit: 2400, Window: time.Hour}, discardLogger())
	h.svc = query.New(h.execs, h.cache, h.engine, limiter, discardLogger(), opts...)
	return h
}

// ---- End-to-end scenarios ----

func TestExecute_SecondCallServedFromCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Execute(ctx, ws, eventsQuery, query.ExecuteOptions{})
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 2, first.Results.RowCount)
	assert.Equal(t, []string{"event", "count()"}, first.Results.Columns)
	assert.Empty(t, first.Degraded)

	exec, history := h.execs.only()
	assert.Equal(t, first.ExecutionID, exec.ID)
	assert.Equal(t, model.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, []model.ExecutionStatus{
		model.ExecutionStatusPending, model.ExecutionStatusRunning, model.ExecutionStatusCompleted,
	}, history)
	require.NotNil(t, exec.ExecutionTimeMs)
	assert.Equal(t, first.ExecutionTimeMs, *exec.ExecutionTimeMs)

	second, err := h.svc.Execute(ctx, ws, eventsQuery, query.ExecuteOptions{})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Zero(t, second.ExecutionTimeMs)
	assert.Equal(t, first.ExecutionID, second.ExecutionID)
	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, 1, h.execs.count())
	assert.Equal(t, 1, h.engine.callCount())
}

func TestExecute_RejectsMultipleStatementsBeforePersisting(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Execute(context.Background(), ws, "SELECT * FROM events; DROP TABLE events", query.ExecuteOptions{})
	var invalid *query.InvalidQueryError
	require.ErrorAs(t, err, &invalid)
	assert.NotEmpty(t, invalid.Reasons())
	assert.Contains(t, err.Error(), "invalid query: ")
	assert.Zero(t, h.execs.count())
	assert.Zero(t, h.engine.callCount())
	assert.Equal(t, query.KindInvalidQuery, query.Classify(err).Kind)
}

func TestExecute_RateLimitedAtQuota(t *testing.T) {
	h := newHarness(t)
	h.execs.baseCount = 2400

	resp, err := h.svc.Execute(context.Background(), ws, eventsQuery, query.ExecuteOptions{})
	var exceeded *ratelimit.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Zero(t, exceeded.Status.Remaining)
	assert.True(t, exceeded.Status.ResetAt.After(time.Now()))
	assert.True(t, resp.RateLimit.IsLimited)
	assert.Zero(t, h.execs.count())
	assert.Zero(t, h.engine.callCount())

	info := query.Classify(err)
	assert.Equal(t, query.KindRateLimited, info.Kind)
	assert.Equal(t, model.ErrCodeRateLimited, info.Code)
	assert.Equal(t, 0, info.Details["remaining"])
	assert.True(t, info.Retryable)
}

func TestExecute_EngineTimeout(t *testing.T) {
	h := newHarness(t)
	h.engine.gate = make(chan struct{})
	defer close(h.engine.gate)

	_, err := h.svc.Execute(context.Background(), ws, eventsQuery, query.ExecuteOptions{Timeout: 50 * time.Millisecond})
	require.Error(t, err)

	info := query.Classify(err)
	assert.Equal(t, query.KindTimeout, info.Kind)
	assert.Equal(t, "query exceeded timeout of 50ms", info.Message)
	assert.Equal(t, int64(50), info.Details["timeout_ms"])

	exec, history := h.execs.only()
	assert.Equal(t, []model.ExecutionStatus{
		model.ExecutionStatusPending, model.ExecutionStatusRunning, model.ExecutionStatusTimeout,
	}, history)
	require.NotNil(t, exec.ErrorMessage)
	assert.Contains(t, *exec.ErrorMessage, "50ms")
	assert.Nil(t, exec.ExecutionTimeMs)
	assert.Equal(t, exec.ID, info.Details["execution_id"])
	_, cached := h.cache.get(ws, query.HashQuery(eventsQuery))
	assert.False(t, cached)
}

// ---- Failure classification ----

func TestExecute_EngineError(t *testing.T) {
	h := newHarness(t)
	h.engine.err = &engine.Error{StatusCode: 503, Message: "engine overloaded"}

	_, err := h.svc.Execute(context.Background(), ws, eventsQuery, query.ExecuteOptions{})
	var engErr *engine.Error
	require.ErrorAs(t, err, &engErr)

	info := query.Classify(err)
	assert.Equal(t, query.KindEngine, info.Kind)
	assert.Equal(t, "engine overloaded", info.Message)
	assert.Equal(t, 503, info.Details["status_code"])
	assert.True(t, info.Retryable)

	exec, _ := h.execs.only()
	assert.Equal(t, model.ExecutionStatusFailed, exec.Status)
	require.NotNil(t, exec.ErrorMessage)
	assert.Equal(t, "engine: status 503: engine overloaded", *exec.ErrorMessage)
}

func TestExecute_DeadlineFromEngineIsTimeout(t *testing.T) {
	h := newHarness(t)
	h.engine.err = context.DeadlineExceeded

	_, err := h.svc.Execute(context.Background(), ws, eventsQuery, query.ExecuteOptions{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, query.KindTimeout, query.Classify(err).Kind)

	exec, _ := h.execs.only()
	assert.Equal(t, model.ExecutionStatusTimeout, exec.Status)
	require.NotNil(t, exec.ErrorMessage)
	assert.Equal(t, "query exceeded timeout of 60000ms", *exec.ErrorMessage)
}

func TestExecute_OtherEngineFailure(t *testing.T) {
	h := newHarness(t)
	h.engine.err = errors.New("connection reset")

	_, err := h.svc.Execute(context.Background(), ws, eventsQuery, query.ExecuteOptions{})
	require.Error(t, err)
	info := query.Classify(err)
	assert.Equal(t, query.KindUnexpected, info.Kind)
	assert.Equal(t, "internal error", info.Message)

	exec, _ := h.execs.only()
	assert.Equal(t, model.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, "connection reset", *exec.ErrorMessage)
}

func TestExecute_StatusUpdateFailureKeepsOriginalError(t *testing.T) {
	h := newHarness(t)
	h.engine.err = &engine.Error{StatusCode: 400, Message: "syntax error"}
	h.execs.updateErr = errBackend

	_, err := h.svc.Execute(context.Background(), ws, eventsQuery, query.ExecuteOptions{})
	var engErr *engine.Error
	require.ErrorAs(t, err, &engErr)
	assert.NotErrorIs(t, err, errBackend)
}

func TestExecute_CreateExecutionFailure(t *testing.T) {
	h := newHarness(t)
	h.execs.createErr = errBackend

	_, err := h.svc.Execute(context.Background(), ws, eventsQuery, query.ExecuteOptions{})
	require.ErrorIs(t, err, errBackend)
	assert.Equal(t, query.KindUnexpected, query.Classify(err).Kind)
	assert.Zero(t, h.engine.callCount())
}

// ---- Fail-open steps ----

func TestExecute_RateLimitUnavailable(t *testing.T) {
	h := newHarness(t)
	h.execs.countErr = errBackend

	resp, err := h.svc.Execute(context.Background(), ws, eventsQuery, query.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, []query.Degradation{query.DegradedRateLimit}, resp.Degraded)
	assert.True(t, resp.RateLimit.Degraded)
	assert.Equal(t, 2400, resp.RateLimit.Remaining)
}

func TestExecute_CacheLookupFailure(t *testing.T) {
	h := newHarness(t)
	h.cache.lookupErr = errBackend

	resp, err := h.svc.Execute(context.Background(), ws, eventsQuery, query.ExecuteOptions{})
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, []query.Degradation{query.DegradedCacheLookup}, resp.Degraded)
	assert.Equal(t, 1, h.engine.callCount())
}

func TestExecute_CacheStoreFailure(t *testing.T) {
	h := newHarness(t)
	h.cache.storeErr = errBackend

	resp, err := h.svc.Execute(context.Background(), ws, eventsQuery, query.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, []query.Degradation{query.DegradedCacheStore}, resp.Degraded)
	exec, _ := h.execs.only()
	assert.Equal(t, model.ExecutionStatusCompleted, exec.Status)
}

// ---- Options ----

func TestExecute_SkipCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Execute(ctx, ws, eventsQuery, query.ExecuteOptions{})
	require.NoError(t, err)
	resp, err := h.svc.Execute(ctx, ws, eventsQuery, query.ExecuteOptions{SkipCache: true})
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, 2, h.engine.callCount())
	assert.Equal(t, 2, h.execs.count())
}

func TestExecute_CacheSharedAcrossLayout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Execute(ctx, ws, eventsQuery, query.ExecuteOptions{})
	require.NoError(t, err)
	resp, err := h.svc.Execute(ctx, ws, "  select EVENT,   count()\n from events group by event ", query.ExecuteOptions{})
	require.NoError(t, err)
	assert.True(t, resp.Cached)

	other, err := h.svc.Execute(ctx, "ws-other", eventsQuery, query.ExecuteOptions{})
	require.NoError(t, err)
	assert.False(t, other.Cached)
}

func TestExecute_CacheTTL(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, query.WithClock(func() time.Time { return now }))
	hash := query.HashQuery(eventsQuery)

	_, err := h.svc.Execute(context.Background(), ws, eventsQuery, query.ExecuteOptions{})
	require.NoError(t, err)
	r, ok := h.cache.get(ws, hash)
	require.True(t, ok)
	require.NotNil(t, r.ExpiresAt)
	assert.Equal(t, now.Add(query.DefaultCacheTTL), *r.ExpiresAt)

	_, err = h.svc.Execute(context.Background(), ws, eventsQuery, query.ExecuteOptions{SkipCache: true, CacheTTL: -1})
	require.NoError(t, err)
	r, _ = h.cache.get(ws, hash)
	assert.Nil(t, r.ExpiresAt)
}

func TestExecute_PassesTimeoutToEngine(t *testing.T) {
	h := newHarness(t, query.WithDefaultTimeout(5*time.Second))
	ctx := context.Background()

	_, err := h.svc.Execute(ctx, ws, eventsQuery, query.ExecuteOptions{})
	require.NoError(t, err)
	_, err = h.svc.Execute(ctx, ws, eventsQuery, query.ExecuteOptions{SkipCache: true, Timeout: time.Second})
	require.NoError(t, err)

	require.Len(t, h.engine.seen, 2)
	assert.Equal(t, 5*time.Second, h.engine.seen[0].Timeout)
	assert.Equal(t, time.Second, h.engine.seen[1].Timeout)
}

func TestExecute_CallerCancelStillFinalizes(t *testing.T) {
	h := newHarness(t)
	h.engine.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Execute(ctx, ws, eventsQuery, query.ExecuteOptions{})
		done <- err
	}()

	require.Eventually(t, func() bool { return h.engine.callCount() == 1 }, time.Second, time.Millisecond)
	cancel()
	close(h.engine.gate)
	require.NoError(t, <-done)

	exec, _ := h.execs.only()
	assert.Equal(t, model.ExecutionStatusCompleted, exec.Status)
}

// ---- Coalescing ----

func TestExecute_CoalescesConcurrentMisses(t *testing.T) {
	h := newHarness(t, query.WithCoalescing(true))
	h.engine.gate = make(chan struct{})

	const callers = 5
	var wg sync.WaitGroup
	resps := make([]query.Response, callers)
	errs := make([]error, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		resps[0], errs[0] = h.svc.Execute(context.Background(), ws, eventsQuery, query.ExecuteOptions{})
	}()
	require.Eventually(t, func() bool { return h.engine.callCount() == 1 }, time.Second, time.Millisecond)

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resps[i], errs[i] = h.svc.Execute(context.Background(), ws, eventsQuery, query.ExecuteOptions{})
		}(i)
	}
	// Followers are blocked inside the group; give them time to join.
	time.Sleep(50 * time.Millisecond)
	close(h.engine.gate)
	wg.Wait()

	assert.Equal(t, 1, h.engine.callCount())
	assert.Equal(t, 1, h.execs.count())
	for i := range resps {
		require.NoError(t, errs[i])
		assert.Equal(t, resps[0].ExecutionID, resps[i].ExecutionID)
		if i > 0 {
			// A follower that missed the in-flight call reads the leader's cached result.
			assert.True(t, resps[i].Coalesced || resps[i].Cached, "caller %d", i)
		}
	}
	assert.False(t, resps[0].Coalesced)
}

func TestExecute_NoCoalescingByDefault(t *testing.T) {
	h := newHarness(t)
	h.engine.gate = make(chan struct{})

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Execute(context.Background(), ws, eventsQuery, query.ExecuteOptions{})
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return h.engine.callCount() == 2 }, time.Second, time.Millisecond)
	close(h.engine.gate)
	wg.Wait()
	assert.Equal(t, 2, h.execs.count())
}

// ---- Standalone operations ----

func TestValidateAndRateLimitStatus(t *testing.T) {
	h := newHarness(t)
	assert.True(t, h.svc.Validate("SELECT 1").Valid)
	assert.False(t, h.svc.Validate("DELETE FROM t").Valid)

	h.execs.baseCount = 10
	st := h.svc.RateLimitStatus(context.Background(), ws)
	assert.Equal(t, 10, st.Used)
	assert.Equal(t, 2390, st.Remaining)
	assert.Zero(t, h.execs.count())
}

func TestGetExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	resp, err := h.svc.Execute(ctx, ws, eventsQuery, query.ExecuteOptions{})
	require.NoError(t, err)

	exec, err := h.svc.GetExecution(ctx, ws, resp.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, eventsQuery, exec.QueryText)

	_, err = h.svc.GetExecution(ctx, "ws-other", resp.ExecutionID)
	assert.Error(t, err)
}

func TestNew_NilLimiter(t *testing.T) {
	svc := query.New(newFakeExecutions(), newFakeCache(), &fakeEngine{}, nil, discardLogger())
	resp, err := svc.Execute(context.Background(), ws, "SELECT 1", query.ExecuteOptions{})
	require.NoError(t, err)
	assert.NotNil(t, resp.Results.Rows)
}
