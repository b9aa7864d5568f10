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

// CreateCachedResult stores the output of a completed execution.
func (db *DB) CreateCachedResult(ctx context.Context, req model.CreateCachedResultRequest) (model.CachedResult, error) {
	cols, rows, err := model.EncodeTable(req.Columns, req.Rows)
	if err != nil {
		return model.CachedResult{}, fmt.Errorf("storage: create cached result: %w", err)
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

	_, err = db.pool.Exec(ctx,
		`INSERT INTO query_results (id, workspace_id, query_hash, execution_id, session_id,
		                            result_columns, result_rows, row_count, cached_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.WorkspaceID, r.QueryHash, r.ExecutionID, r.SessionID,
		cols, rows, r.RowCount, r.CachedAt, r.ExpiresAt,
	)
	if err != nil {
		return model.CachedResult{}, fmt.Errorf("storage: create cached result: %w", err)
	}
	return r, nil
}

// GetFreshCachedResult returns the newest result for (workspace, hash) that
// has not expired at now. Returns ErrNotFound when there is none.
func (db *DB) GetFreshCachedResult(ctx context.Context, workspaceID, queryHash string, now time.Time) (model.CachedResult, error) {
	var (
		r          model.CachedResult
		cols, rows []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, workspace_id, query_hash, execution_id, session_id,
		        result_columns, result_rows, row_count, cached_at, expires_at
		 FROM query_results
		 WHERE workspace_id = $1 AND query_hash = $2
		   AND (expires_at IS NULL OR expires_at > $3)
		 ORDER BY cached_at DESC
		 LIMIT 1`,
		workspaceID, queryHash, now,
	).Scan(
		&r.ID, &r.WorkspaceID, &r.QueryHash, &r.ExecutionID, &r.SessionID,
		&cols, &rows, &r.RowCount, &r.CachedAt, &r.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CachedResult{}, ErrNotFound
		}
		return model.CachedResult{}, fmt.Errorf("storage: get cached result: %w", err)
	}

	r.Columns, r.Rows, err = model.DecodeTable(cols, rows)
	if err != nil {
		return model.CachedResult{}, fmt.Errorf("storage: get cached result: %w", err)
	}
	return r, nil
}
