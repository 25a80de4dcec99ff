// Package table implements the adapter over the versioned table log. It
// owns every write to main, staging and live_edit tables: duplicate
// suppression on append, schema alignment, upsert merges with an engine
// fallback, time travel reads and restore.
package table

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/quarrydata/quarry/internal/apperr"
	"github.com/quarrydata/quarry/internal/engine"
	"github.com/quarrydata/quarry/internal/tablelog"
)

// Adapter wraps the table log and the embedded query engine.
type Adapter struct {
	eng *engine.Engine
}

// NewAdapter creates an adapter backed by eng. The engine is only used for
// query reads and as the merge fallback; all commits go through the log.
func NewAdapter(eng *engine.Engine) *Adapter {
	return &Adapter{eng: eng}
}

// ColumnSpec is a JSON-Schema style column declaration. Type is either a
// plain type name or a ["null", T] pair for nullable columns.
type ColumnSpec struct {
	Name string `json:"name"`
	Type any    `json:"type"`
}

// nativeType collapses a JSON-Schema type declaration to a log type.
// Unknown types and malformed declarations become string.
func nativeType(spec any) string {
	switch t := spec.(type) {
	case string:
		switch t {
		case tablelog.TypeString, tablelog.TypeInteger, tablelog.TypeNumber, tablelog.TypeBoolean:
			return t
		}
	case []any:
		for _, el := range t {
			s, ok := el.(string)
			if !ok || s == "null" {
				continue
			}
			return nativeType(s)
		}
	case []string:
		for _, s := range t {
			if s != "null" {
				return nativeType(s)
			}
		}
	}
	return tablelog.TypeString
}

// placeholderColumn is used when a table is created with no columns.
const placeholderColumn = "_auto"

// EnsureTable creates the table if absent, converting the column specs to
// native types. With no columns it creates a single placeholder string
// column so the table is still addressable.
func (a *Adapter) EnsureTable(path string, cols []ColumnSpec) error {
	schema := make(tablelog.Schema, 0, len(cols))
	for _, c := range cols {
		if c.Name == "" {
			return apperr.New(apperr.KindBadRequest, "column with empty name in schema")
		}
		schema = append(schema, tablelog.Column{Name: c.Name, Type: nativeType(c.Type)})
	}
	if len(schema) == 0 {
		schema = tablelog.Schema{{Name: placeholderColumn, Type: tablelog.TypeString}}
	}
	if _, err := tablelog.Open(path).Ensure(schema); err != nil {
		return apperr.Internal(err, "failed to ensure table %s", path)
	}
	return nil
}

// InferSchema derives a schema from a row batch: the union of keys, typed
// by the first non-null value seen per column, in sorted column order.
func InferSchema(rows []tablelog.Row) tablelog.Schema {
	types := map[string]string{}
	var names []string
	for _, row := range rows {
		for k, v := range row {
			if _, seen := types[k]; !seen {
				types[k] = ""
				names = append(names, k)
			}
			if types[k] == "" && v != nil {
				types[k] = inferType(v)
			}
		}
	}
	sort.Strings(names)
	schema := make(tablelog.Schema, 0, len(names))
	for _, n := range names {
		t := types[n]
		if t == "" {
			t = tablelog.TypeString
		}
		schema = append(schema, tablelog.Column{Name: n, Type: t})
	}
	return schema
}

func inferType(v any) string {
	switch v.(type) {
	case bool:
		return tablelog.TypeBoolean
	case int, int32, int64:
		return tablelog.TypeInteger
	case float32, float64:
		return tablelog.TypeNumber
	default:
		return tablelog.TypeString
	}
}

// AlignRows casts a row batch onto a target schema: present columns are
// cast to the target type (string fallback on cast trouble), absent
// columns become nulls, extra columns are dropped.
func AlignRows(rows []tablelog.Row, schema tablelog.Schema) []tablelog.Row {
	out := make([]tablelog.Row, len(rows))
	for i, row := range rows {
		aligned := make(tablelog.Row, len(schema))
		for _, col := range schema {
			v, ok := row[col.Name]
			if !ok || v == nil {
				aligned[col.Name] = nil
				continue
			}
			aligned[col.Name] = tablelog.CoerceValue(v, col.Type)
		}
		out[i] = aligned
	}
	return out
}

// AppendResult reports the outcome of a deduplicated append.
type AppendResult struct {
	Inserted   int   `json:"inserted"`
	Duplicates int   `json:"duplicates"`
	Version    int64 `json:"version"`
}

// AppendDedup appends rows to the table, dropping rows that already exist
// when compared across all target columns with null-equal semantics. An
// empty or absent target degenerates to an overwrite with the incoming
// rows, which is also how new columns get introduced.
func (a *Adapter) AppendDedup(path string, rows []tablelog.Row) (*AppendResult, error) {
	tbl := tablelog.Open(path)

	head, err := tbl.Head()
	empty := err != nil || head.Metrics["numTotalRows"] == 0
	if err != nil && !isNoTable(err) {
		return nil, apperr.Internal(err, "failed to read table %s", path)
	}

	if empty {
		schema := InferSchema(rows)
		if len(schema) == 0 {
			schema = tablelog.Schema{{Name: placeholderColumn, Type: tablelog.TypeString}}
		}
		c, err := tbl.Overwrite(AlignRows(rows, schema), schema)
		if err != nil {
			return nil, apperr.Internal(err, "failed to write table %s", path)
		}
		return &AppendResult{Inserted: len(rows), Duplicates: 0, Version: c.Version}, nil
	}

	if !schemasOverlap(rows, head.Schema) {
		return nil, apperr.New(apperr.KindSchemaMismatch,
			"incoming rows share no columns with table %s", path)
	}

	aligned := AlignRows(rows, head.Schema)

	snap, err := tbl.Snapshot()
	if err != nil {
		return nil, apperr.Internal(err, "failed to read table %s", path)
	}
	existing := make(map[string]bool, len(snap.Rows))
	for _, r := range snap.Rows {
		existing[rowKey(r, head.Schema)] = true
	}

	fresh := make([]tablelog.Row, 0, len(aligned))
	duplicates := 0
	for _, r := range aligned {
		k := rowKey(r, head.Schema)
		if existing[k] {
			duplicates++
			continue
		}
		existing[k] = true
		fresh = append(fresh, r)
	}

	version := snap.Version
	if len(fresh) > 0 {
		c, err := tbl.Append(fresh)
		if err != nil {
			return nil, apperr.Internal(err, "failed to append to table %s", path)
		}
		version = c.Version
	}
	return &AppendResult{Inserted: len(fresh), Duplicates: duplicates, Version: version}, nil
}

// schemasOverlap reports whether any incoming column exists in the target.
func schemasOverlap(rows []tablelog.Row, schema tablelog.Schema) bool {
	for _, row := range rows {
		for k := range row {
			if _, ok := schema.Lookup(k); ok {
				return true
			}
		}
	}
	return len(rows) == 0
}

// rowKey builds the all-column dedup key. Nil and absent are the same
// value, so two null cells compare equal.
func rowKey(row tablelog.Row, schema tablelog.Schema) string {
	var b strings.Builder
	for i, col := range schema {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		v := row[col.Name]
		if v == nil {
			b.WriteString("\x00nil")
			continue
		}
		fmt.Fprintf(&b, "%v", v)
	}
	return b.String()
}

// Overwrite replaces the table contents. The schema is inferred from the
// incoming rows; an existing schema is replaced, not merged.
func (a *Adapter) Overwrite(path string, rows []tablelog.Row) (int64, error) {
	schema := InferSchema(rows)
	if len(schema) == 0 {
		schema = tablelog.Schema{{Name: placeholderColumn, Type: tablelog.TypeString}}
	}
	c, err := tablelog.Open(path).Overwrite(AlignRows(rows, schema), schema)
	if err != nil {
		return 0, apperr.Internal(err, "failed to overwrite table %s", path)
	}
	return c.Version, nil
}

func isNoTable(err error) bool {
	return errors.Is(err, tablelog.ErrNoTable)
}
