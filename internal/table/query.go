package table

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/quarrydata/quarry/internal/apperr"
	"github.com/quarrydata/quarry/internal/tablelog"
)

// QueryOptions restricts a snapshot read. Filters are literal equality
// predicates and are safe for external input. Where and OrderBy are raw
// SQL fragments for server-internal callers only; they are never built
// from request parameters.
type QueryOptions struct {
	Where   string
	Filters map[string]any
	OrderBy string
	Limit   int
	Offset  int
}

// QueryResult is one page of a snapshot read. Count is the number of rows
// matching the predicate before pagination.
type QueryResult struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	Count   int              `json:"count"`
	Version int64            `json:"version"`
}

// Query materializes the head snapshot into the engine and runs a
// restricted SELECT over it.
func (a *Adapter) Query(ctx context.Context, path string, opts QueryOptions) (*QueryResult, error) {
	snap, err := tablelog.Open(path).Snapshot()
	if err != nil {
		if isNoTable(err) {
			return nil, apperr.Wrap(apperr.KindNotFound, err, "table %s does not exist", path)
		}
		return nil, apperr.Internal(err, "failed to read table %s", path)
	}
	return a.querySnapshot(ctx, snap, opts)
}

func (a *Adapter) querySnapshot(ctx context.Context, snap *tablelog.Snapshot, opts QueryOptions) (*QueryResult, error) {
	name := "q_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := a.eng.RegisterSnapshot(ctx, name, snap); err != nil {
		return nil, apperr.Internal(err, "failed to register snapshot")
	}
	defer a.eng.Unregister(context.WithoutCancel(ctx), name)

	predicate := buildPredicate(opts, snap.Schema)
	base := fmt.Sprintf(`SELECT * FROM "%s"%s`, name, predicate)

	countRes, err := a.eng.Query(ctx, fmt.Sprintf("SELECT COUNT(*) AS n FROM (%s)", base), 1, 0)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, err, "query failed")
	}
	count := 0
	if len(countRes.Rows) == 1 {
		if n, ok := countRes.Rows[0]["n"].(int64); ok {
			count = int(n)
		}
	}

	if opts.OrderBy != "" {
		base += " ORDER BY " + opts.OrderBy
	}
	res, err := a.eng.Query(ctx, base, opts.Limit, opts.Offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, err, "query failed")
	}

	rows := make([]map[string]any, len(res.Rows))
	for i, r := range res.Rows {
		rows[i] = restoreTypes(r, snap.Schema)
	}
	return &QueryResult{
		Columns: snap.Schema.Names(),
		Rows:    rows,
		Count:   count,
		Version: snap.Version,
	}, nil
}

// buildPredicate composes the WHERE clause from the trusted fragment and
// the literal-equality filters.
func buildPredicate(opts QueryOptions, schema tablelog.Schema) string {
	var clauses []string
	if opts.Where != "" {
		clauses = append(clauses, "("+opts.Where+")")
	}
	cols := make([]string, 0, len(opts.Filters))
	for c := range opts.Filters {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	for _, c := range cols {
		if _, ok := schema.Lookup(c); !ok {
			// Filtering on an unknown column matches nothing.
			clauses = append(clauses, "0 = 1")
			continue
		}
		clauses = append(clauses, fmt.Sprintf(`"%s" = %s`,
			strings.ReplaceAll(c, `"`, `""`), sqlLiteral(opts.Filters[c])))
	}
	if len(clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(clauses, " AND ")
}

// sqlLiteral renders a filter value as a sqlite literal. Strings are
// quoted with doubled single quotes; everything else renders through its
// native form.
func sqlLiteral(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if x {
			return "1"
		}
		return "0"
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case int, int32, int64, float32, float64:
		return fmt.Sprintf("%v", x)
	default:
		return "'" + strings.ReplaceAll(fmt.Sprintf("%v", x), "'", "''") + "'"
	}
}

// restoreTypes converts engine output back to the snapshot's column types,
// mainly turning boolean 0/1 back into bool.
func restoreTypes(row map[string]any, schema tablelog.Schema) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		col, ok := schema.Lookup(k)
		if !ok || v == nil {
			out[k] = v
			continue
		}
		if col.Type == tablelog.TypeBoolean {
			if n, ok := v.(int64); ok {
				out[k] = n != 0
				continue
			}
		}
		out[k] = v
	}
	return out
}

// VersionRead is the result of a time-travel read.
type VersionRead struct {
	Columns []string       `json:"columns"`
	Data    []tablelog.Row `json:"data"`
	Total   int            `json:"total"`
	Version int64          `json:"version"`
}

// ReadAtVersion loads the table state at an earlier commit and returns a
// page of its rows.
func (a *Adapter) ReadAtVersion(path string, version int64, limit, offset int) (*VersionRead, error) {
	snap, err := tablelog.Open(path).SnapshotAt(version)
	if err != nil {
		if errors.Is(err, tablelog.ErrVersionNotFound) {
			return nil, apperr.Wrap(apperr.KindVersionNotFound, err,
				"version %d of table %s not available", version, path)
		}
		if isNoTable(err) {
			return nil, apperr.Wrap(apperr.KindNotFound, err, "table %s does not exist", path)
		}
		return nil, apperr.Internal(err, "failed to read table %s at version %d", path, version)
	}
	total := len(snap.Rows)
	start := offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return &VersionRead{
		Columns: snap.Schema.Names(),
		Data:    snap.Rows[start:end],
		Total:   total,
		Version: snap.Version,
	}, nil
}

// Stats reports row and column counts, zero for a missing table.
type Stats struct {
	NumRows int `json:"num_rows"`
	NumCols int `json:"num_cols"`
}

// TableStats returns the head row and column counts.
func (a *Adapter) TableStats(path string) (*Stats, error) {
	head, err := tablelog.Open(path).Head()
	if err != nil {
		if isNoTable(err) {
			return &Stats{}, nil
		}
		return nil, apperr.Internal(err, "failed to read table %s", path)
	}
	return &Stats{
		NumRows: int(head.Metrics["numTotalRows"]),
		NumCols: len(head.Schema),
	}, nil
}

// Exists reports whether the table has at least one commit.
func (a *Adapter) Exists(path string) bool {
	return tablelog.Open(path).Exists()
}
