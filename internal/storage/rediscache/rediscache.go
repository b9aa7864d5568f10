// Package rediscache stores cached query results in Redis.
//
// One key per (workspace, query hash) holds the newest result; a later store
// overwrites it. Expiry is delegated to the key TTL, and a result without an
// expiry is stored without one. Executions are not kept here; pair this cache
// with a durable execution repository.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/storage"
)

// KeyPrefix namespaces every key this package writes.
const KeyPrefix = "kensa:result:"

// Key returns the Redis key for a workspace's cached result.
func Key(workspaceID, queryHash string) string {
	return KeyPrefix + workspaceID + ":" + queryHash
}

// entry is the stored value. Columns and rows stay raw so numbers decode
// the same way as in the SQL stores.
type entry struct {
	ID          uuid.UUID       `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	QueryHash   string          `json:"query_hash"`
	ExecutionID uuid.UUID       `json:"execution_id"`
	SessionID   *string         `json:"session_id,omitempty"`
	Columns     json.RawMessage `json:"columns"`
	Rows        json.RawMessage `json:"rows"`
	RowCount    int             `json:"row_count"`
	CachedAt    time.Time       `json:"cached_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

// Cache implements the cached-result repository over a Redis client.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// New wraps an existing client.
func New(client *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{client: client, logger: logger, now: time.Now}
}

// Open parses a redis:// URL, connects and pings.
func Open(ctx context.Context, url string, logger *slog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("rediscache: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("rediscache: ping: %w", err)
	}
	return New(client, logger), nil
}

// CreateCachedResult stores a result under its (workspace, hash) key.
// A result whose expiry has already passed is returned but not written.
func (c *Cache) CreateCachedResult(ctx context.Context, req model.CreateCachedResultRequest) (model.CachedResult, error) {
	cols, rows, err := model.EncodeTable(req.Columns, req.Rows)
	if err != nil {
		return model.CachedResult{}, fmt.Errorf("rediscache: create cached result: %w", err)
	}

	now := c.now().UTC()
	r := model.CachedResult{
		ID:          uuid.New(),
		WorkspaceID: req.WorkspaceID,
		QueryHash:   req.QueryHash,
		ExecutionID: req.ExecutionID,
		SessionID:   req.SessionID,
		Columns:     req.Columns,
		Rows:        req.Rows,
		RowCount:    req.RowCount,
		CachedAt:    now,
		ExpiresAt:   req.ExpiresAt,
	}

	var ttl time.Duration
	if r.ExpiresAt != nil {
		ttl = r.ExpiresAt.Sub(now)
		if ttl <= 0 {
			c.logger.Debug("rediscache: result already expired, not stored",
				"workspace_id", r.WorkspaceID, "query_hash", r.QueryHash)
			return r, nil
		}
	}

	data, err := json.Marshal(entry{
		ID: r.ID, WorkspaceID: r.WorkspaceID, QueryHash: r.QueryHash, ExecutionID: r.ExecutionID,
		SessionID: r.SessionID, Columns: cols, Rows: rows, RowCount: r.RowCount,
		CachedAt: r.CachedAt, ExpiresAt: r.ExpiresAt,
	})
	if err != nil {
		return model.CachedResult{}, fmt.Errorf("rediscache: encode entry: %w", err)
	}
	if err := c.client.Set(ctx, Key(r.WorkspaceID, r.QueryHash), data, ttl).Err(); err != nil {
		return model.CachedResult{}, fmt.Errorf("rediscache: set: %w", err)
	}
	return r, nil
}

// GetFreshCachedResult returns the stored result if it is still fresh at now,
// or storage.ErrNotFound.
func (c *Cache) GetFreshCachedResult(ctx context.Context, workspaceID, queryHash string, now time.Time) (model.CachedResult, error) {
	data, err := c.client.Get(ctx, Key(workspaceID, queryHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.CachedResult{}, storage.ErrNotFound
	}
	if err != nil {
		return model.CachedResult{}, fmt.Errorf("rediscache: get: %w", err)
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return model.CachedResult{}, fmt.Errorf("rediscache: decode entry: %w", err)
	}
	r := model.CachedResult{
		ID: e.ID, WorkspaceID: e.WorkspaceID, QueryHash: e.QueryHash, ExecutionID: e.ExecutionID,
		SessionID: e.SessionID, RowCount: e.RowCount, CachedAt: e.CachedAt, ExpiresAt: e.ExpiresAt,
	}
	if r.Columns, r.Rows, err = model.DecodeTable(e.Columns, e.Rows); err != nil {
		return model.CachedResult{}, fmt.Errorf("rediscache: %w", err)
	}
	if !r.FreshAt(now) {
		return model.CachedResult{}, storage.ErrNotFound
	}
	return r, nil
}

// Ping checks connectivity.
func (c *Cache) Ping(ctx context.Context) error { return c.client.Ping(ctx).Err() }

// Close closes the client.
func (c *Cache) Close() error { return c.client.Close() }
