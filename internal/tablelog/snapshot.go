package tablelog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Snapshot is a consistent view of the table at one version. Rows are
// loaded eagerly; part files are immutable, so a snapshot never observes
// a concurrent commit.
type Snapshot struct {
	Version int64
	Schema  Schema
	Rows    []Row
}

// Snapshot reads the table at its head version.
func (t *Table) Snapshot() (*Snapshot, error) {
	head, err := t.Head()
	if err != nil {
		return nil, err
	}
	return t.snapshotOf(head)
}

// SnapshotAt reads the table as of the given version. Returns
// ErrVersionNotFound when the commit does not exist.
func (t *Table) SnapshotAt(version int64) (*Snapshot, error) {
	c, err := t.ReadCommit(version)
	if err != nil {
		return nil, err
	}
	return t.snapshotOf(c)
}

func (t *Table) snapshotOf(c *Commit) (*Snapshot, error) {
	rows := make([]Row, 0, c.Metrics["numTotalRows"])
	for _, part := range c.Parts {
		partRows, err := t.readPart(part, c.Schema)
		if err != nil {
			return nil, err
		}
		rows = append(rows, partRows...)
	}
	return &Snapshot{Version: c.Version, Schema: c.Schema, Rows: rows}, nil
}

// readPart decodes one JSONL part file, coercing values to the column
// types of the reading schema. Columns absent from a row (older parts
// after a schema widened) read as nil.
func (t *Table) readPart(name string, schema Schema) ([]Row, error) {
	f, err := os.Open(filepath.Join(t.dir, partsDir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to open part %s: %w", name, err)
	}
	defer f.Close()

	var rows []Row
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var row Row
		if err := dec.Decode(&row); err != nil {
			return nil, fmt.Errorf("corrupt part %s line %d: %w", name, line, err)
		}
		rows = append(rows, coerceRow(row, schema))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read part %s: %w", name, err)
	}
	return rows, nil
}

// coerceRow projects a decoded row onto the schema, converting values to
// the native type of each column. Unknown keys are dropped; missing keys
// become nil.
func coerceRow(in Row, schema Schema) Row {
	out := make(Row, len(schema))
	for _, col := range schema {
		v, ok := in[col.Name]
		if !ok || v == nil {
			out[col.Name] = nil
			continue
		}
		out[col.Name] = CoerceValue(v, col.Type)
	}
	return out
}

// CoerceValue converts a decoded JSON value to the native representation
// of a column type. Values that cannot be converted pass through as their
// string form.
func CoerceValue(v any, colType string) any {
	if v == nil {
		return nil
	}
	switch colType {
	case TypeInteger:
		switch n := v.(type) {
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i
			}
			if f, err := n.Float64(); err == nil {
				return int64(f)
			}
		case int64:
			return n
		case int:
			return int64(n)
		case float64:
			return int64(n)
		case string:
			if i, err := strconv.ParseInt(n, 10, 64); err == nil {
				return i
			}
		}
	case TypeNumber:
		switch n := v.(type) {
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f
			}
		case float64:
			return n
		case int64:
			return float64(n)
		case int:
			return float64(n)
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				return f
			}
		}
	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b
		case string:
			if parsed, err := strconv.ParseBool(b); err == nil {
				return parsed
			}
		}
	case TypeString:
		switch s := v.(type) {
		case string:
			return s
		case json.Number:
			return s.String()
		default:
			return fmt.Sprintf("%v", s)
		}
	}
	return stringify(v)
}

func stringify(v any) string {
	if n, ok := v.(json.Number); ok {
		return n.String()
	}
	return fmt.Sprintf("%v", v)
}
