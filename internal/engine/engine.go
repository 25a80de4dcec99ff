// Package engine provides the embedded SQL surface. Table snapshots are
// registered into an in-memory sqlite database and queried with plain SQL;
// the engine never sees the table log itself, only materialized versions.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/quarrydata/quarry/internal/tablelog"
)

// Engine wraps one in-memory sqlite database. A single connection is
// enforced because every connection to :memory: would otherwise get its
// own database.
type Engine struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens the engine.
func New() (*Engine, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open query engine: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Engine{db: db}, nil
}

// Close releases the engine.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Health verifies the engine answers queries.
func (e *Engine) Health(ctx context.Context) error {
	var one int
	if err := e.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("query engine unhealthy: %w", err)
	}
	return nil
}

// sqliteType maps a log column type to its sqlite storage class.
func sqliteType(colType string) string {
	switch colType {
	case tablelog.TypeInteger:
		return "INTEGER"
	case tablelog.TypeNumber:
		return "REAL"
	case tablelog.TypeBoolean:
		return "INTEGER"
	default:
		return "TEXT"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// RegisterSnapshot (re)creates a sqlite table holding the snapshot's rows.
// The name should be unique per dataset view so concurrent requests over
// different datasets do not clobber each other.
func (e *Engine) RegisterSnapshot(ctx context.Context, name string, snap *tablelog.Snapshot) error {
	if len(snap.Schema) == 0 {
		return fmt.Errorf("cannot register snapshot with empty schema")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin registration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
		return fmt.Errorf("failed to drop stale table %s: %w", name, err)
	}

	cols := make([]string, len(snap.Schema))
	names := make([]string, len(snap.Schema))
	params := make([]string, len(snap.Schema))
	for i, c := range snap.Schema {
		cols[i] = quoteIdent(c.Name) + " " + sqliteType(c.Type)
		names[i] = quoteIdent(c.Name)
		params[i] = "?"
	}
	create := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(cols, ", "))
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, err)
	}

	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(name), strings.Join(names, ", "), strings.Join(params, ", "))
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, len(snap.Schema))
	for _, row := range snap.Rows {
		for i, c := range snap.Schema {
			args[i] = bindValue(row[c.Name])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to load row into %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit registration: %w", err)
	}
	return nil
}

// Unregister drops a previously registered table. Missing tables are not
// an error.
func (e *Engine) Unregister(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", name, err)
	}
	return nil
}

func bindValue(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}

// Result is a page of query output.
type Result struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

// Query runs a read-only SELECT with pagination. The statement is wrapped
// as a subquery so the limit applies regardless of what the caller wrote.
func (e *Engine) Query(ctx context.Context, sqlText string, limit, offset int) (*Result, error) {
	if err := checkReadOnly(sqlText); err != nil {
		return nil, err
	}
	wrapped := fmt.Sprintf("SELECT * FROM (%s) LIMIT %d OFFSET %d",
		strings.TrimRight(strings.TrimSpace(sqlText), ";"), limit, offset)

	rows, err := e.db.QueryContext(ctx, wrapped)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}
	out := &Result{Columns: cols, Rows: []map[string]any{}, Limit: limit, Offset: offset}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		rec := make(map[string]any, len(cols))
		for i, c := range cols {
			rec[c] = normalizeValue(vals[i])
		}
		out.Rows = append(out.Rows, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query iteration failed: %w", err)
	}
	return out, nil
}

func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// checkReadOnly rejects statements that are not a single SELECT or WITH
// query. The engine holds per-request materializations, so writes through
// the query surface would corrupt nothing durable, but they are still
// refused to keep the surface honest.
func checkReadOnly(sqlText string) error {
	s := strings.TrimSpace(sqlText)
	if s == "" {
		return fmt.Errorf("empty query")
	}
	upper := strings.ToUpper(s)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("only SELECT queries are allowed")
	}
	if strings.Contains(strings.TrimRight(s, ";"), ";") {
		return fmt.Errorf("multiple statements are not allowed")
	}
	return nil
}
