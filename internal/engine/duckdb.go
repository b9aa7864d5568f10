package engine

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/duckdb/duckdb-go/v2"
)

// DuckDB runs queries on an embedded DuckDB database. External file and
// network access is disabled at open time, so queries only see tables in the
// database itself.
type DuckDB struct {
	db *sql.DB
}

// OpenDuckDB opens the database file at path, or an in-memory database when
// path is empty.
func OpenDuckDB(ctx context.Context, path string) (*DuckDB, error) {
	db, err := sql.Open("duckdb", path+"?enable_external_access=false")
	if err != nil {
		return nil, fmt.Errorf("engine: open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("engine: ping duckdb: %w", err)
	}
	return &DuckDB{db: db}, nil
}

// DB returns the underlying handle, for loading data.
func (d *DuckDB) DB() *sql.DB { return d.db }

// Close closes the database.
func (d *DuckDB) Close() error { return d.db.Close() }

// Query runs text and materializes every row.
func (d *DuckDB) Query(ctx context.Context, text string, opts QueryOptions) (Result, error) {
	callCtx, cancel := withTimeout(ctx, opts)
	defer cancel()

	rows, err := d.db.QueryContext(callCtx, text)
	if err != nil {
		return Result{}, timeoutFrom(callCtx, opts, &Error{Message: err.Error()})
	}
	defer func() { _ = rows.Close() }()

	res, err := scanRows(rows)
	if err != nil {
		return Result{}, timeoutFrom(callCtx, opts, &Error{Message: err.Error()})
	}
	return res, nil
}

func scanRows(rows *sql.Rows) (Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return Result{}, err
	}

	out := [][]any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{}, err
		}
		for i, v := range vals {
			vals[i] = jsonCell(v)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}
	return Result{Columns: cols, Rows: out}, nil
}

// jsonCell converts the values DuckDB can return that encoding/json rejects
// or mangles: blobs, non-finite floats, and maps with non-string keys.
// Nested lists and structs are converted element by element.
func jsonCell(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case float64:
		return jsonFloat(x)
	case float32:
		return jsonFloat(float64(x))
	case duckdb.Map:
		return jsonMap(x)
	case map[any]any:
		return jsonMap(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = jsonCell(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = jsonCell(e)
		}
		return out
	default:
		return v
	}
}

func jsonFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	default:
		return f
	}
}

// jsonMap keys the map by each key's text form.
func jsonMap(m map[any]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, e := range m {
		out[fmt.Sprint(k)] = jsonCell(e)
	}
	return out
}
