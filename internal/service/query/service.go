// Package query runs a query through validation, the workspace quota, the
// result cache and the engine, recording every engine call as an execution.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kensa/internal/engine"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/ratelimit"
	"github.com/ashita-ai/kensa/internal/storage"
	"github.com/ashita-ai/kensa/internal/telemetry"
	"github.com/ashita-ai/kensa/internal/validator"
)

// ExecutionRepository records executions and their status changes.
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, req model.CreateExecutionRequest) (model.QueryExecution, error)
	UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status model.ExecutionStatus, upd model.StatusUpdate) error
	GetExecution(ctx context.Context, workspaceID string, id uuid.UUID) (model.QueryExecution, error)
	CountExecutionsSince(ctx context.Context, workspaceID string, since time.Time) (int, error)
}

// CacheRepository stores and looks up results. A miss is storage.ErrNotFound.
type CacheRepository interface {
	CreateCachedResult(ctx context.Context, req model.CreateCachedResultRequest) (model.CachedResult, error)
	GetFreshCachedResult(ctx context.Context, workspaceID, queryHash string, now time.Time) (model.CachedResult, error)
}

// Engine executes validated query text.
type Engine interface {
	Query(ctx context.Context, text string, opts engine.QueryOptions) (engine.Result, error)
}

// ExecuteOptions tunes one Execute call. Zero Timeout and CacheTTL take the
// service defaults; a negative CacheTTL stores the result without expiry.
type ExecuteOptions struct {
	Timeout   time.Duration
	SkipCache bool
	CacheTTL  time.Duration
	SessionID *string
}

// Degradation names a step that failed without failing the request.
type Degradation string

const (
	DegradedRateLimit    Degradation = "rate_limit_unavailable"
	DegradedCacheLookup  Degradation = "cache_lookup_failed"
	DegradedCacheStore   Degradation = "cache_store_failed"
	DegradedStatusUpdate Degradation = "status_update_failed"
)

// Response is the outcome of a successful Execute.
type Response struct {
	Results         model.QueryResults `json:"results"`
	Cached          bool               `json:"cached"`
	ExecutionID     uuid.UUID          `json:"execution_id"`
	ExecutionTimeMs int64              `json:"execution_time_ms"`
	RateLimit       ratelimit.Status   `json:"rate_limit"`
	Degraded        []Degradation      `json:"degraded,omitempty"`
	Coalesced       bool               `json:"coalesced,omitempty"`
}

func (r *Response) degrade(d Degradation) {
	for _, have := range r.Degraded {
		if have == d {
			return
		}
	}
	r.Degraded = append(r.Degraded, d)
}

// Service orchestrates query execution.
type Service struct {
	executions ExecutionRepository
	cache      CacheRepository
	engine     Engine
	limiter    ratelimit.Limiter
	logger     *slog.Logger

	now             func() time.Time
	defaultTimeout  time.Duration
	defaultCacheTTL time.Duration
	persistTimeout  time.Duration
	coalesce        bool
	group           singleflight.Group

	tracer         trace.Tracer
	executionCount metric.Int64Counter
	cacheCount     metric.Int64Counter
	engineDuration metric.Float64Histogram
}

// New creates a query Service. A nil limiter disables the workspace quota.
func New(executions ExecutionRepository, cache CacheRepository, eng Engine, limiter ratelimit.Limiter, logger *slog.Logger, opts ...Option) *Service {
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	s := &Service{
		executions:      executions,
		cache:           cache,
		engine:          eng,
		limiter:         limiter,
		logger:          logger,
		now:             time.Now,
		defaultTimeout:  DefaultTimeout,
		defaultCacheTTL: DefaultCacheTTL,
		persistTimeout:  DefaultPersistTimeout,
		tracer:          telemetry.Tracer("kensa/query"),
	}
	for _, opt := range opts {
		opt(s)
	}

	meter := telemetry.Meter("kensa/query")
	s.executionCount, _ = meter.Int64Counter("kensa.query.executions",
		metric.WithDescription("Engine executions by terminal status"),
	)
	s.cacheCount, _ = meter.Int64Counter("kensa.query.cache",
		metric.WithDescription("Result cache lookups by outcome"),
	)
	s.engineDuration, _ = meter.Float64Histogram("kensa.query.engine.duration",
		metric.WithDescription("Wall-clock duration of engine calls"),
		metric.WithUnit("ms"),
	)
	return s
}

// Validate checks query text without executing it.
func (s *Service) Validate(text string) validator.Result {
	return validator.Validate(text)
}

// RateLimitStatus reports the workspace's quota without consuming it.
func (s *Service) RateLimitStatus(ctx context.Context, workspaceID string) ratelimit.Status {
	return s.limiter.Status(ctx, workspaceID)
}

// GetExecution returns one execution belonging to the workspace.
func (s *Service) GetExecution(ctx context.Context, workspaceID string, id uuid.UUID) (model.QueryExecution, error) {
	exec, err := s.executions.GetExecution(ctx, workspaceID, id)
	if err != nil {
		return model.QueryExecution{}, fmt.Errorf("query: get execution: %w", err)
	}
	return exec, nil
}

// Execute validates text, enforces the workspace quota and serves the result
// from cache or the engine. Failures are returned as *InvalidQueryError,
// *ratelimit.ExceededError or *ExecutionError; see Classify.
func (s *Service) Execute(ctx context.Context, workspaceID, text string, opts ExecuteOptions) (Response, error) {
	ctx, span := s.tracer.Start(ctx, "query.Execute",
		trace.WithAttributes(attribute.String("kensa.workspace_id", workspaceID)))
	defer span.End()

	opts = s.resolve(opts)

	if res := validator.Validate(text); !res.Valid {
		span.SetStatus(codes.Error, "invalid query")
		return Response{}, &InvalidQueryError{Violations: res.Violations}
	}

	var resp Response
	st, err := s.limiter.Check(ctx, workspaceID)
	if err != nil {
		var exceeded *ratelimit.ExceededError
		if errors.As(err, &exceeded) {
			span.SetStatus(codes.Error, "rate limited")
			return Response{RateLimit: st}, err
		}
		s.logger.Warn("query: rate limit check failed, allowing request",
			"workspace_id", workspaceID, "error", err)
		resp.degrade(DegradedRateLimit)
	}
	if st.Degraded {
		resp.degrade(DegradedRateLimit)
	}
	resp.RateLimit = st

	hash := HashQuery(text)
	span.SetAttributes(attribute.String("kensa.query_hash", hash))

	if !opts.SkipCache {
		hit, err := s.cache.GetFreshCachedResult(ctx, workspaceID, hash, s.now())
		switch {
		case err == nil:
			s.cacheCount.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "hit")))
			span.SetAttributes(attribute.Bool("kensa.cached", true))
			resp.Cached = true
			resp.ExecutionID = hit.ExecutionID
			resp.Results = model.QueryResults{Columns: hit.Columns, Rows: hit.Rows, RowCount: hit.RowCount}
			return resp, nil
		case errors.Is(err, storage.ErrNotFound):
		default:
			s.logger.Warn("query: cache lookup failed, executing",
				"workspace_id", workspaceID, "query_hash", hash, "error", err)
			resp.degrade(DegradedCacheLookup)
		}
		s.cacheCount.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "miss")))
	}
	span.SetAttributes(attribute.Bool("kensa.cached", false))

	out, coalesced, err := s.runShared(ctx, workspaceID, text, hash, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(Classify(err).Kind))
		return Response{}, err
	}

	resp.Results = out.results
	resp.ExecutionID = out.executionID
	resp.ExecutionTimeMs = out.elapsedMs
	resp.Coalesced = coalesced
	for _, d := range out.degraded {
		resp.degrade(d)
	}
	return resp, nil
}

func (s *Service) resolve(opts ExecuteOptions) ExecuteOptions {
	if opts.Timeout <= 0 {
		opts.Timeout = s.defaultTimeout
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = s.defaultCacheTTL
	}
	return opts
}

// outcome is what one engine run produces. Coalesced callers share it.
type outcome struct {
	results     model.QueryResults
	executionID uuid.UUID
	elapsedMs   int64
	degraded    []Degradation
}

// runShared runs the engine call, joining an in-flight call for the same
// workspace and hash when coalescing is enabled. The boolean reports whether
// this caller joined another caller's run.
func (s *Service) runShared(ctx context.Context, workspaceID, text, hash string, opts ExecuteOptions) (outcome, bool, error) {
	if !s.coalesce {
		out, err := s.run(ctx, workspaceID, text, hash, opts)
		return out, false, err
	}

	leader := false
	v, err, _ := s.group.Do(workspaceID+"\x00"+hash, func() (any, error) {
		leader = true
		return s.run(ctx, workspaceID, text, hash, opts)
	})
	out, _ := v.(outcome)
	return out, !leader, err
}

func (s *Service) run(ctx context.Context, workspaceID, text, hash string, opts ExecuteOptions) (outcome, error) {
	// Everything past this point must finish even if the caller goes away,
	// otherwise the execution row is left in running.
	detached := context.WithoutCancel(ctx)

	pctx, cancel := context.WithTimeout(detached, s.persistTimeout)
	exec, err := s.executions.CreateExecution(pctx, model.CreateExecutionRequest{
		WorkspaceID: workspaceID,
		QueryText:   text,
		QueryHash:   hash,
		SessionID:   opts.SessionID,
	})
	cancel()
	if err != nil {
		return outcome{}, fmt.Errorf("query: create execution: %w", err)
	}

	var out outcome
	out.executionID = exec.ID

	if err := s.setStatus(detached, exec.ID, model.ExecutionStatusRunning, model.StatusUpdate{}); err != nil {
		out.degraded = append(out.degraded, DegradedStatusUpdate)
	}

	start := time.Now()
	res, engErr := s.engine.Query(detached, text, engine.QueryOptions{Timeout: opts.Timeout})
	elapsed := time.Since(start)
	s.engineDuration.Record(ctx, float64(elapsed.Microseconds())/1000.0)

	if engErr != nil {
		status, msg := failureStatus(engErr, opts.Timeout)
		s.executionCount.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
		s.logger.Info("query: execution failed",
			"execution_id", exec.ID, "workspace_id", workspaceID, "status", status, "error", engErr)
		_ = s.setStatus(detached, exec.ID, status, model.StatusUpdate{ErrorMessage: &msg})
		return outcome{}, &ExecutionError{
			ExecutionID: exec.ID,
			Status:      status,
			Timeout:     opts.Timeout,
			Err:         engErr,
		}
	}

	out.elapsedMs = elapsed.Milliseconds()
	out.results = model.QueryResults{Columns: res.Columns, Rows: res.Rows, RowCount: res.RowCount()}
	if out.results.Rows == nil {
		out.results.Rows = [][]any{}
	}

	var expiresAt *time.Time
	if opts.CacheTTL > 0 {
		t := s.now().Add(opts.CacheTTL)
		expiresAt = &t
	}
	pctx, cancel = context.WithTimeout(detached, s.persistTimeout)
	_, err = s.cache.CreateCachedResult(pctx, model.CreateCachedResultRequest{
		ExecutionID: exec.ID,
		WorkspaceID: workspaceID,
		QueryHash:   hash,
		Columns:     out.results.Columns,
		Rows:        out.results.Rows,
		RowCount:    out.results.RowCount,
		ExpiresAt:   expiresAt,
		SessionID:   opts.SessionID,
	})
	cancel()
	if err != nil {
		s.logger.Warn("query: cache store failed",
			"execution_id", exec.ID, "workspace_id", workspaceID, "error", err)
		out.degraded = append(out.degraded, DegradedCacheStore)
	}

	elapsedMs := out.elapsedMs
	if err := s.setStatus(detached, exec.ID, model.ExecutionStatusCompleted, model.StatusUpdate{ExecutionTimeMs: &elapsedMs}); err != nil {
		out.degraded = append(out.degraded, DegradedStatusUpdate)
	}
	s.executionCount.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(model.ExecutionStatusCompleted))))
	return out, nil
}

// setStatus is best-effort: failures are logged and returned for
// bookkeeping, never surfaced in place of the request's own outcome.
func (s *Service) setStatus(ctx context.Context, id uuid.UUID, status model.ExecutionStatus, upd model.StatusUpdate) error {
	pctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()
	if err := s.executions.UpdateExecutionStatus(pctx, id, status, upd); err != nil {
		s.logger.Warn("query: status update failed",
			"execution_id", id, "status", status, "error", err)
		return err
	}
	return nil
}
