package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CachedResult is the stored output of one successful execution, keyed by
// (workspace, query hash). Created once and never mutated.
type CachedResult struct {
	ID          uuid.UUID  `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	QueryHash   string     `json:"query_hash"`
	ExecutionID uuid.UUID  `json:"execution_id"`
	SessionID   *string    `json:"session_id,omitempty"`
	Columns     []string   `json:"columns"`
	Rows        [][]any    `json:"rows"`
	RowCount    int        `json:"row_count"`
	CachedAt    time.Time  `json:"cached_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// FreshAt reports whether the result may be reused at time now.
// A nil ExpiresAt never expires.
func (r CachedResult) FreshAt(now time.Time) bool {
	return r.ExpiresAt == nil || r.ExpiresAt.After(now)
}

// CreateCachedResultRequest holds the fields needed to store a result.
type CreateCachedResultRequest struct {
	ExecutionID uuid.UUID
	WorkspaceID string
	QueryHash   string
	Columns     []string
	Rows        [][]any
	RowCount    int
	ExpiresAt   *time.Time
	SessionID   *string
}

// QueryResults is the tabular payload returned to callers.
type QueryResults struct {
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	RowCount int      `json:"row_count"`
}

// EncodeTable marshals result columns and rows for storage.
func EncodeTable(columns []string, rows [][]any) (cols, data []byte, err error) {
	if columns == nil {
		columns = []string{}
	}
	if rows == nil {
		rows = [][]any{}
	}
	if cols, err = json.Marshal(columns); err != nil {
		return nil, nil, fmt.Errorf("encode columns: %w", err)
	}
	if data, err = json.Marshal(rows); err != nil {
		return nil, nil, fmt.Errorf("encode rows: %w", err)
	}
	return cols, data, nil
}

// DecodeTable reverses EncodeTable. Numbers decode as json.Number so integer
// cells wider than 53 bits survive the round trip.
func DecodeTable(cols, data []byte) ([]string, [][]any, error) {
	var columns []string
	if err := json.Unmarshal(cols, &columns); err != nil {
		return nil, nil, fmt.Errorf("decode columns: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rows [][]any
	if err := dec.Decode(&rows); err != nil {
		return nil, nil, fmt.Errorf("decode rows: %w", err)
	}
	return columns, rows, nil
}
