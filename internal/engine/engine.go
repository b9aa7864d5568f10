// Package engine provides clients for the analytics engines queries run on:
// a remote engine reached over HTTP and an embedded DuckDB database.
//
// Both return the same typed failures so the query service can classify them
// without knowing which engine is configured: *TimeoutError when the caller's
// timeout elapsed and *Error for anything the engine itself rejected.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// QueryOptions controls a single engine call.
type QueryOptions struct {
	// Timeout bounds the call. Zero means only the context bounds it.
	Timeout time.Duration
}

// Result is a tabular query result.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// RowCount returns the number of rows.
func (r Result) RowCount() int { return len(r.Rows) }

// Error is a failure reported by the engine. StatusCode is the HTTP status
// for the remote engine and zero for the embedded one.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return "engine: " + e.Message
	}
	return fmt.Sprintf("engine: status %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the same query may succeed if sent again.
func (e *Error) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// TimeoutError reports that a query did not finish within its timeout.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("query exceeded timeout of %dms", e.Timeout.Milliseconds())
}

// withTimeout derives the per-call context.
func withTimeout(ctx context.Context, opts QueryOptions) (context.Context, context.CancelFunc) {
	if opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, opts.Timeout)
}

// timeoutFrom converts a failure into *TimeoutError when the per-call deadline
// caused it. The caller's own cancellation is passed through unchanged.
func timeoutFrom(callCtx context.Context, opts QueryOptions, err error) error {
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Timeout: opts.Timeout}
	}
	return err
}
