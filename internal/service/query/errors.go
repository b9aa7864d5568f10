package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kensa/internal/engine"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/ratelimit"
	"github.com/ashita-ai/kensa/internal/validator"
)

// InvalidQueryError is returned when the validator rejects a query.
type InvalidQueryError struct {
	Violations []validator.Violation
}

func (e *InvalidQueryError) Error() string {
	return "invalid query: " + strings.Join(e.Reasons(), "; ")
}

// Reasons returns the rejection messages.
func (e *InvalidQueryError) Reasons() []string {
	return validator.Result{Violations: e.Violations}.Reasons()
}

// ExecutionError is returned when an execution was recorded but the engine
// call failed. It wraps the engine's error unchanged.
type ExecutionError struct {
	ExecutionID uuid.UUID
	Status      model.ExecutionStatus
	Timeout     time.Duration
	Err         error
}

func (e *ExecutionError) Error() string { return e.Err.Error() }

func (e *ExecutionError) Unwrap() error { return e.Err }

// ErrorKind groups failures the way callers act on them.
type ErrorKind string

const (
	KindInvalidQuery ErrorKind = "invalid_query"
	KindRateLimited  ErrorKind = "rate_limited"
	KindTimeout      ErrorKind = "timeout"
	KindEngine       ErrorKind = "engine_error"
	KindUnexpected   ErrorKind = "unexpected"
)

// ErrorInfo is the caller-facing description of a failure. HTTP and MCP
// both render errors from it.
type ErrorInfo struct {
	Kind      ErrorKind
	Code      string
	Message   string
	Details   map[string]any
	Retryable bool
}

// Classify maps an error returned by Service to its kind and public message.
// Unexpected errors get a generic message; the caller should log the original.
func Classify(err error) ErrorInfo {
	var (
		invalid  *InvalidQueryError
		exceeded *ratelimit.ExceededError
		execErr  *ExecutionError
		timeout  *engine.TimeoutError
		engErr   *engine.Error
	)

	details := map[string]any{}
	if errors.As(err, &execErr) {
		details["execution_id"] = execErr.ExecutionID
	}

	switch {
	case errors.As(err, &invalid):
		return ErrorInfo{
			Kind:    KindInvalidQuery,
			Code:    model.ErrCodeInvalidQuery,
			Message: err.Error(),
			Details: map[string]any{"reasons": invalid.Reasons(), "violations": invalid.Violations},
		}

	case errors.As(err, &exceeded):
		st := exceeded.Status
		return ErrorInfo{
			Kind:    KindRateLimited,
			Code:    model.ErrCodeRateLimited,
			Message: "rate limit exceeded",
			Details: map[string]any{
				"limit":     st.Limit,
				"used":      st.Used,
				"remaining": st.Remaining,
				"reset_at":  st.ResetAt,
			},
			Retryable: true,
		}

	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		d := time.Duration(0)
		if timeout != nil {
			d = timeout.Timeout
		} else if execErr != nil {
			d = execErr.Timeout
		}
		details["timeout_ms"] = d.Milliseconds()
		return ErrorInfo{
			Kind:      KindTimeout,
			Code:      model.ErrCodeQueryTimeout,
			Message:   timeoutMessage(d),
			Details:   details,
			Retryable: true,
		}

	case errors.As(err, &engErr):
		details["status_code"] = engErr.StatusCode
		details["retryable"] = engErr.Retryable()
		return ErrorInfo{
			Kind:      KindEngine,
			Code:      model.ErrCodeEngineError,
			Message:   engErr.Message,
			Details:   details,
			Retryable: engErr.Retryable(),
		}

	default:
		return ErrorInfo{
			Kind:    KindUnexpected,
			Code:    model.ErrCodeInternalError,
			Message: "internal error",
		}
	}
}

func timeoutMessage(d time.Duration) string {
	return fmt.Sprintf("query exceeded timeout of %dms", d.Milliseconds())
}

// failureStatus decides the terminal status and stored message for a failed
// engine call.
func failureStatus(err error, timeout time.Duration) (model.ExecutionStatus, string) {
	var (
		te *engine.TimeoutError
		ee *engine.Error
	)
	switch {
	case errors.As(err, &te):
		return model.ExecutionStatusTimeout, te.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return model.ExecutionStatusTimeout, timeoutMessage(timeout)
	case errors.As(err, &ee):
		return model.ExecutionStatusFailed, ee.Error()
	default:
		return model.ExecutionStatusFailed, err.Error()
	}
}
