// Package ratelimit enforces per-workspace query quotas.
//
// The workspace quota is a sliding window over recorded executions: the
// limiter counts rows created in [now-window, now] through a Counter, so it
// holds no state of its own and every instance sees the same count. A counter
// failure never blocks traffic; the limiter reports the workspace as unlimited
// and marks the status Degraded.
//
// MemoryLimiter is a separate in-process token bucket used to shed abusive
// clients at the HTTP edge before any quota lookup is made.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultLimit            = 2400
	DefaultWindow           = time.Hour
	DefaultWarningThreshold = 0.8
)

// Counter reports how many executions a workspace started since a point in time.
type Counter interface {
	CountExecutionsSince(ctx context.Context, workspaceID string, since time.Time) (int, error)
}

// Limiter decides whether a workspace may run another query.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Status reports the workspace's current quota. Never fails.
	Status(ctx context.Context, workspaceID string) Status

	// Check is Status plus enforcement: it returns *ExceededError when the
	// workspace has no remaining quota.
	Check(ctx context.Context, workspaceID string) (Status, error)
}

// Config configures a WindowLimiter.
type Config struct {
	Limit            int
	Window           time.Duration
	WarningThreshold float64

	// Clock overrides time.Now. Tests only.
	Clock func() time.Time
}

// Status is a point-in-time snapshot of a workspace's quota.
//
// ResetAt is the start of the next clock hour. It is a fixed-window
// approximation of a sliding window and only tells clients when to look again;
// capacity actually frees up as individual executions age out of the window.
type Status struct {
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	IsLimited bool      `json:"is_limited"`
	IsWarning bool      `json:"is_warning"`
	Degraded  bool      `json:"degraded,omitempty"`
}

// FormatHeaders returns the standard rate limit response headers.
func (s Status) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(s.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(s.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(s.ResetAt.Unix(), 10),
	}
}

// RetryAfter is the whole number of seconds until ResetAt, at least 1.
func (s Status) RetryAfter(now time.Time) int {
	secs := int(s.ResetAt.Sub(now).Seconds())
	if secs < 1 {
		return 1
	}
	return secs
}

// ExceededError is returned by Check when a workspace is out of quota.
type ExceededError struct {
	Status Status
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d of %d queries used, resets at %s",
		e.Status.Used, e.Status.Limit, e.Status.ResetAt.UTC().Format(time.RFC3339))
}

// WindowLimiter implements Limiter over a Counter.
type WindowLimiter struct {
	counter Counter
	cfg     Config
	logger  *slog.Logger
}

// New creates a WindowLimiter, filling zero Config fields with defaults.
func New(counter Counter, cfg Config, logger *slog.Logger) *WindowLimiter {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = DefaultWarningThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &WindowLimiter{counter: counter, cfg: cfg, logger: logger}
}

// Config returns the effective configuration.
func (l *WindowLimiter) Config() Config { return l.cfg }

// Status counts the workspace's executions inside the window. A counter
// error is logged and reported as zero usage with Degraded set.
func (l *WindowLimiter) Status(ctx context.Context, workspaceID string) Status {
	now := l.cfg.Clock().UTC()
	resetAt := now.Truncate(time.Hour).Add(time.Hour)

	used, err := l.counter.CountExecutionsSince(ctx, workspaceID, now.Add(-l.cfg.Window))
	if err != nil {
		l.logger.Warn("ratelimit: count failed, allowing request",
			"workspace_id", workspaceID, "error", err)
		return Status{
			Used:      0,
			Limit:     l.cfg.Limit,
			Remaining: l.cfg.Limit,
			ResetAt:   resetAt,
			Degraded:  true,
		}
	}

	remaining := max(0, l.cfg.Limit-used)
	return Status{
		Used:      used,
		Limit:     l.cfg.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
		IsLimited: remaining <= 0,
		IsWarning: float64(used) >= float64(l.cfg.Limit)*l.cfg.WarningThreshold,
	}
}

// Check returns *ExceededError when the workspace is limited.
func (l *WindowLimiter) Check(ctx context.Context, workspaceID string) (Status, error) {
	st := l.Status(ctx, workspaceID)
	if st.IsLimited {
		return st, &ExceededError{Status: st}
	}
	return st, nil
}

// NoopLimiter permits every query. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Status reports an unlimited workspace.
func (NoopLimiter) Status(context.Context, string) Status { return Status{} }

// Check never fails.
func (NoopLimiter) Check(context.Context, string) (Status, error) { return Status{}, nil }
