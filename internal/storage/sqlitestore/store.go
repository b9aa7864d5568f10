// Package sqlitestore is an embedded, single-file record store for
// development and single-node deployments. It implements the same
// execution and cache repository methods as the Postgres store and returns
// the same storage sentinel errors.
//
// Timestamps are stored as unix milliseconds.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/storage"
)

//go:embed schema.sql
var schema string

// Store is a SQLite-backed execution and cache repository.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema. path may be ":memory:".
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("sqlitestore: create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// One writer at a time; also keeps a :memory: database on one connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: apply schema: %w", err)
	}
	logger.Debug("sqlitestore: opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Ping checks the database is usable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Backend names the store for health reporting.
func (s *Store) Backend() string { return "sqlite" }

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateExecution inserts a new pending execution and returns it.
func (s *Store) CreateExecution(ctx context.Context, req model.CreateExecutionRequest) (model.QueryExecution, error) {
	exec := model.QueryExecution{
		ID:          uuid.New(),
		WorkspaceID: req.WorkspaceID,
		SessionID:   req.SessionID,
		QueryText:   req.QueryText,
		QueryHash:   req.QueryHash,
		Status:      model.ExecutionStatusPending,
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO query_executions (id, workspace_id, session_id, query_text, query_hash, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exec.ID.String(), exec.WorkspaceID, nullableString(exec.SessionID), exec.QueryText, exec.QueryHash,
		string(exec.Status), ts(exec.CreatedAt))
	if err != nil {
		return model.QueryExecution{}, fmt.Errorf("sqlitestore: create execution: %w", err)
	}
	return exec, nil
}

// UpdateExecutionStatus moves an execution to status if it is currently in a
// legal predecessor state.
func (s *Store) UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status model.ExecutionStatus, upd model.StatusUpdate) error {
	from := status.Predecessors()
	if len(from) == 0 {
		return fmt.Errorf("sqlitestore: update execution %s to %q: %w", id, status, storage.ErrInvalidTransition)
	}

	upd = upd.Normalize(status)
	now := ts(time.Now().UTC())
	var startedAt, completedAt any
	if status == model.ExecutionStatusRunning {
		startedAt = now
	}
	if status.IsTerminal() {
		completedAt = now
	}

	args := []any{string(status), startedAt, completedAt, nullableInt(upd.ExecutionTimeMs), nullableString(upd.ErrorMessage), id.String()}
	for _, st := range from {
		args = append(args, string(st))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")

	res, err := s.db.ExecContext(ctx, `
UPDATE query_executions
SET status = ?,
    started_at = COALESCE(?, started_at),
    completed_at = COALESCE(?, completed_at),
    execution_time_ms = COALESCE(?, execution_time_ms),
    error_message = COALESCE(?, error_message)
WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("sqlitestore: update execution status: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM query_executions WHERE id = ?`, id.String()).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlitestore: execution %s: %w", id, storage.ErrNotFound)
		}
		return fmt.Errorf("sqlitestore: update execution status: %w", err)
	}
	return fmt.Errorf("sqlitestore: execution %s %s -> %s: %w", id, current, status, storage.ErrInvalidTransition)
}

// GetExecution retrieves an execution by ID, scoped to the given workspace.
func (s *Store) GetExecution(ctx context.Context, workspaceID string, id uuid.UUID) (model.QueryExecution, error) {
	var (
		e                      model.QueryExecution
		rawID, status          string
		sessionID, errMsg      sql.NullString
		createdAt              int64
		startedAt, completedAt sql.NullInt64
		execMs                 sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, workspace_id, session_id, query_text, query_hash, status,
       created_at, started_at, completed_at, execution_time_ms, error_message
FROM query_executions WHERE id = ? AND workspace_id = ?`, id.String(), workspaceID,
	).Scan(&rawID, &e.WorkspaceID, &sessionID, &e.QueryText, &e.QueryHash, &status,
		&createdAt, &startedAt, &completedAt, &execMs, &errMsg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.QueryExecution{}, fmt.Errorf("sqlitestore: execution %s: %w", id, storage.ErrNotFound)
		}
		return model.QueryExecution{}, fmt.Errorf("sqlitestore: get execution: %w", err)
	}

	if e.ID, err = uuid.Parse(rawID); err != nil {
		return model.QueryExecution{}, fmt.Errorf("sqlitestore: parse execution id: %w", err)
	}
	e.Status = model.ExecutionStatus(status)
	e.SessionID = stringPtr(sessionID)
	e.CreatedAt = fromTS(createdAt)
	e.StartedAt = timePtr(startedAt)
	e.CompletedAt = timePtr(completedAt)
	if execMs.Valid {
		e.ExecutionTimeMs = &execMs.Int64
	}
	e.ErrorMessage = stringPtr(errMsg)
	return e, nil
}

// CountExecutionsSince counts executions created by the workspace at or after since.
func (s *Store) CountExecutionsSince(ctx context.Context, workspaceID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM query_executions WHERE workspace_id = ? AND created_at >= ?`,
		workspaceID, ts(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: count executions: %w", err)
	}
	return n, nil
}

// CreateCachedResult stores the output of a completed execution.
func (s *Store) CreateCachedResult(ctx context.Context, req model.CreateCachedResultRequest) (model.CachedResult, error) {
	cols, rows, err := model.EncodeTable(req.Columns, req.Rows)
	if err != nil {
		return model.CachedResult{}, fmt.Errorf("sqlitestore: create cached result: %w", err)
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
		CachedAt:    time.Now().UTC().Truncate(time.Millisecond),
		ExpiresAt:   req.ExpiresAt,
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO query_results (id, workspace_id, query_hash, execution_id, session_id,
                           result_columns, result_rows, row_count, cached_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.WorkspaceID, r.QueryHash, r.ExecutionID.String(), nullableString(r.SessionID),
		string(cols), string(rows), r.RowCount, ts(r.CachedAt), nullableTS(r.ExpiresAt))
	if err != nil {
		return model.CachedResult{}, fmt.Errorf("sqlitestore: create cached result: %w", err)
	}
	return r, nil
}

// GetFreshCachedResult returns the newest unexpired result for (workspace,
// hash), or storage.ErrNotFound.
func (s *Store) GetFreshCachedResult(ctx context.Context, workspaceID, queryHash string, now time.Time) (model.CachedResult, error) {
	var (
		r                model.CachedResult
		rawID, rawExecID string
		sessionID        sql.NullString
		cols, rows       string
		cachedAt         int64
		expiresAt        sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, workspace_id, query_hash, execution_id, session_id,
       result_columns, result_rows, row_count, cached_at, expires_at
FROM query_results
WHERE workspace_id = ? AND query_hash = ?
  AND (expires_at IS NULL OR expires_at > ?)
ORDER BY cached_at DESC, rowid DESC
LIMIT 1`, workspaceID, queryHash, ts(now),
	).Scan(&rawID, &r.WorkspaceID, &r.QueryHash, &rawExecID, &sessionID,
		&cols, &rows, &r.RowCount, &cachedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CachedResult{}, storage.ErrNotFound
		}
		return model.CachedResult{}, fmt.Errorf("sqlitestore: get cached result: %w", err)
	}

	if r.ID, err = uuid.Parse(rawID); err != nil {
		return model.CachedResult{}, fmt.Errorf("sqlitestore: parse result id: %w", err)
	}
	if r.ExecutionID, err = uuid.Parse(rawExecID); err != nil {
		return model.CachedResult{}, fmt.Errorf("sqlitestore: parse execution id: %w", err)
	}
	r.SessionID = stringPtr(sessionID)
	r.CachedAt = fromTS(cachedAt)
	r.ExpiresAt = timePtr(expiresAt)
	if r.Columns, r.Rows, err = model.DecodeTable([]byte(cols), []byte(rows)); err != nil {
		return model.CachedResult{}, fmt.Errorf("sqlitestore: get cached result: %w", err)
	}
	return r, nil
}

func ts(t time.Time) int64 { return t.UnixMilli() }

func fromTS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromTS(v.Int64)
	return &t
}
