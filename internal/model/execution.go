// Package model defines the core domain types for kensa.
//
// Types correspond directly to the query_executions and query_results tables
// and to the HTTP/MCP payloads built from them.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the lifecycle state of a query execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusTimeout   ExecutionStatus = "timeout"
)

// TerminalStatuses lists the states no transition ever leaves.
var TerminalStatuses = []ExecutionStatus{
	ExecutionStatusCompleted,
	ExecutionStatusFailed,
	ExecutionStatusTimeout,
}

// AllStatuses lists every known status.
var AllStatuses = []ExecutionStatus{
	ExecutionStatusPending,
	ExecutionStatusRunning,
	ExecutionStatusCompleted,
	ExecutionStatusFailed,
	ExecutionStatusTimeout,
}

// IsTerminal reports whether s is completed, failed or timeout.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusTimeout:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	return s == ExecutionStatusPending || s == ExecutionStatusRunning || s.IsTerminal()
}

// CanTransitionTo reports whether an execution in state s may move to next.
// pending may move to running or straight to a terminal state (a failure before
// the engine was reached); running may only move to a terminal state.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	switch s {
	case ExecutionStatusPending:
		return next == ExecutionStatusRunning || next.IsTerminal()
	case ExecutionStatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// Predecessors returns the statuses from which an execution may move to s.
func (s ExecutionStatus) Predecessors() []ExecutionStatus {
	var out []ExecutionStatus
	for _, from := range AllStatuses {
		if from.CanTransitionTo(s) {
			out = append(out, from)
		}
	}
	return out
}

// QueryExecution is one submitted query attempt.
type QueryExecution struct {
	ID              uuid.UUID       `json:"id"`
	WorkspaceID     string          `json:"workspace_id"`
	SessionID       *string         `json:"session_id,omitempty"`
	QueryText       string          `json:"query"`
	QueryHash       string          `json:"query_hash"`
	Status          ExecutionStatus `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ExecutionTimeMs *int64          `json:"execution_time_ms,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
}

// CreateExecutionRequest holds the fields a caller supplies when recording a
// new execution. ID, status and timestamps are assigned by the store.
type CreateExecutionRequest struct {
	WorkspaceID string
	QueryText   string
	QueryHash   string
	SessionID   *string
}

// StatusUpdate carries the optional fields written alongside a status change.
// ExecutionTimeMs is only persisted for completed executions and ErrorMessage
// only for failed or timed-out ones.
type StatusUpdate struct {
	ExecutionTimeMs *int64
	ErrorMessage    *string
}

// Normalize drops fields that do not belong to the target status.
func (u StatusUpdate) Normalize(status ExecutionStatus) StatusUpdate {
	out := StatusUpdate{}
	if status == ExecutionStatusCompleted {
		out.ExecutionTimeMs = u.ExecutionTimeMs
	}
	if status == ExecutionStatusFailed || status == ExecutionStatusTimeout {
		out.ErrorMessage = u.ErrorMessage
	}
	return out
}
