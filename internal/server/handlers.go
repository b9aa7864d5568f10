package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kensa/internal/ctxutil"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/ratelimit"
	"github.com/ashita-ai/kensa/internal/service/query"
	"github.com/ashita-ai/kensa/internal/storage"
	"github.com/ashita-ai/kensa/internal/validator"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store is the record store as the health check sees it.
type Store interface {
	Pinger
	Backend() string
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	svc                 *query.Service
	store               Store
	cache               Pinger // nil when results live in the record store
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Cache.
type HandlersDeps struct {
	Service             *query.Service
	Store               Store
	Cache               Pinger
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 * 1024 * 1024
	}
	return &Handlers{
		svc:                 d.Service,
		store:               d.Store,
		cache:               d.Cache,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBody,
	}
}

// HandleQuery handles POST /v1/query.
func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var req model.ExecuteQueryRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error(), nil)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error(), nil)
		return
	}

	opts := query.ExecuteOptions{
		SkipCache: req.SkipCache,
		SessionID: ctxutil.SessionIDFromContext(r.Context()),
	}
	if req.SessionID != nil {
		opts.SessionID = req.SessionID
	}
	if req.TimeoutMs != nil {
		opts.Timeout = time.Duration(*req.TimeoutMs) * time.Millisecond
	}
	if req.CacheTTLMs != nil {
		// Negative keeps the result forever; zero takes the default.
		opts.CacheTTL = time.Duration(*req.CacheTTLMs) * time.Millisecond
		if *req.CacheTTLMs < 0 {
			opts.CacheTTL = -1
		}
	}

	ws := ctxutil.WorkspaceIDFromContext(r.Context())
	resp, err := h.svc.Execute(r.Context(), ws, req.Query, opts)
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}
	setRateLimitHeaders(w, resp.RateLimit)
	writeJSON(w, r, http.StatusOK, resp)
}

// validateResponse is the body of POST /v1/query/validate.
type validateResponse struct {
	Valid      bool                  `json:"valid"`
	Reasons    []string              `json:"reasons"`
	Violations []validator.Violation `json:"violations"`
}

// HandleValidate handles POST /v1/query/validate.
func (h *Handlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	var req model.ValidateQueryRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error(), nil)
		return
	}

	res := h.svc.Validate(req.Query)
	out := validateResponse{
		Valid:      res.Valid,
		Reasons:    res.Reasons(),
		Violations: res.Violations,
	}
	if out.Reasons == nil {
		out.Reasons = []string{}
	}
	if out.Violations == nil {
		out.Violations = []validator.Violation{}
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleRateLimit handles GET /v1/query/rate-limit.
func (h *Handlers) HandleRateLimit(w http.ResponseWriter, r *http.Request) {
	st := h.svc.RateLimitStatus(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()))
	setRateLimitHeaders(w, st)
	writeJSON(w, r, http.StatusOK, st)
}

// HandleGetExecution handles GET /v1/query/executions/{execution_id}.
func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("execution_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid execution_id", nil)
		return
	}

	exec, err := h.svc.GetExecution(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "execution not found", nil)
			return
		}
		h.logger.Error("server: get execution failed", "execution_id", id, "error", err,
			"request_id", ctxutil.RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error", nil)
		return
	}
	writeJSON(w, r, http.StatusOK, exec)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	storeStatus := "connected"
	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:  status,
		Version: h.version,
		Store:   h.store.Backend() + ":" + storeStatus,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}

	// A lost cache only costs hit rate, so it degrades rather than fails.
	if h.cache != nil {
		resp.Cache = "connected"
		if err := h.cache.Ping(r.Context()); err != nil {
			resp.Cache = "disconnected"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// writeQueryError renders a service error using the shared classification.
func (h *Handlers) writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	info := query.Classify(err)

	var status int
	switch info.Kind {
	case query.KindInvalidQuery:
		status = http.StatusBadRequest
	case query.KindRateLimited:
		status = http.StatusTooManyRequests
		var exceeded *ratelimit.ExceededError
		if errors.As(err, &exceeded) {
			setRateLimitHeaders(w, exceeded.Status)
			w.Header().Set("Retry-After", strconv.Itoa(exceeded.Status.RetryAfter(time.Now())))
		}
	case query.KindTimeout:
		status = http.StatusGatewayTimeout
	case query.KindEngine:
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
		h.logger.Error("server: query failed", "error", err,
			"request_id", ctxutil.RequestIDFromContext(r.Context()))
	}

	var details any
	if len(info.Details) > 0 {
		details = info.Details
	}
	writeError(w, r, status, info.Code, info.Message, details)
}

func setRateLimitHeaders(w http.ResponseWriter, st ratelimit.Status) {
	if st.Limit <= 0 {
		return
	}
	for k, v := range st.FormatHeaders() {
		w.Header().Set(k, v)
	}
}
