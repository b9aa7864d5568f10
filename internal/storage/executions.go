package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kensa/internal/model"
)

const executionColumns = `id, workspace_id, session_id, query_text, query_hash, status,
	created_at, started_at, completed_at, execution_time_ms, error_message`

// CreateExecution inserts a new pending execution and returns it.
func (db *DB) CreateExecution(ctx context.Context, req model.CreateExecutionRequest) (model.QueryExecution, error) {
	exec := model.QueryExecution{
		ID:          uuid.New(),
		WorkspaceID: req.WorkspaceID,
		SessionID:   req.SessionID,
		QueryText:   req.QueryText,
		QueryHash:   req.QueryHash,
		Status:      model.ExecutionStatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO query_executions (id, workspace_id, session_id, query_text, query_hash, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		exec.ID, exec.WorkspaceID, exec.SessionID, exec.QueryText, exec.QueryHash,
		string(exec.Status), exec.CreatedAt,
	)
	if err != nil {
		return model.QueryExecution{}, fmt.Errorf("storage: create execution: %w", err)
	}
	return exec, nil
}

// UpdateExecutionStatus moves an execution to status. The UPDATE only
// matches rows in a legal predecessor state, so a terminal row is never
// rewritten even under concurrent updates. started_at is stamped on entering
// running and completed_at on entering a terminal state.
func (db *DB) UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status model.ExecutionStatus, upd model.StatusUpdate) error {
	from := status.Predecessors()
	if len(from) == 0 {
		return fmt.Errorf("storage: update execution %s to %q: %w", id, status, ErrInvalidTransition)
	}
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	upd = upd.Normalize(status)
	now := time.Now().UTC()
	var startedAt, completedAt *time.Time
	if status == model.ExecutionStatusRunning {
		startedAt = &now
	}
	if status.IsTerminal() {
		completedAt = &now
	}

	var affected int64
	err := retryOnConflict(ctx, statusUpdateAttempts, statusUpdateBaseDelay, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE query_executions
			 SET status = $2,
			     started_at = COALESCE($3, started_at),
			     completed_at = COALESCE($4, completed_at),
			     execution_time_ms = COALESCE($5, execution_time_ms),
			     error_message = COALESCE($6, error_message)
			 WHERE id = $1 AND status = ANY($7)`,
			id, string(status), startedAt, completedAt, upd.ExecutionTimeMs, upd.ErrorMessage, allowed,
		)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: update execution status: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var current string
	err = db.pool.QueryRow(ctx, `SELECT status FROM query_executions WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: execution %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("storage: update execution status: %w", err)
	}
	return fmt.Errorf("storage: execution %s %s -> %s: %w", id, current, status, ErrInvalidTransition)
}

// GetExecution retrieves an execution by ID, scoped to the given workspace.
func (db *DB) GetExecution(ctx context.Context, workspaceID string, id uuid.UUID) (model.QueryExecution, error) {
	var e model.QueryExecution
	err := db.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM query_executions WHERE id = $1 AND workspace_id = $2`,
		id, workspaceID,
	).Scan(
		&e.ID, &e.WorkspaceID, &e.SessionID, &e.QueryText, &e.QueryHash, &e.Status,
		&e.CreatedAt, &e.StartedAt, &e.CompletedAt, &e.ExecutionTimeMs, &e.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.QueryExecution{}, fmt.Errorf("storage: execution %s: %w", id, ErrNotFound)
		}
		return model.QueryExecution{}, fmt.Errorf("storage: get execution: %w", err)
	}
	return e, nil
}

// CountExecutionsSince counts executions created by the workspace at or after
// since, in any status.
func (db *DB) CountExecutionsSince(ctx context.Context, workspaceID string, since time.Time) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM query_executions WHERE workspace_id = $1 AND created_at >= $2`,
		workspaceID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count executions: %w", err)
	}
	return n, nil
}
