package tablelog

import (
	"fmt"
	"strings"
	"time"
)

// MergeSchema returns the column union of target and source, target
// columns first in their existing order. A column present in both keeps
// the target's type.
func MergeSchema(target, source Schema) Schema {
	out := append(Schema(nil), target...)
	for _, c := range source {
		if _, ok := out.Lookup(c.Name); !ok {
			out = append(out, c)
		}
	}
	return out
}

// Merge upserts source rows into the table by the given key columns and
// commits the result as a new version. Target rows with a matching key are
// replaced by the source row; source rows with no match are inserted;
// target rows the source does not mention are kept. The committed schema
// is the column union of target and source.
func (t *Table) Merge(source []Row, sourceSchema Schema, keys []string) (*Commit, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("merge requires at least one key column")
	}
	fl, err := t.lock()
	if err != nil {
		return nil, err
	}
	defer fl.Unlock()

	head, err := t.Head()
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if _, ok := head.Schema.Lookup(k); !ok {
			if _, ok := sourceSchema.Lookup(k); !ok {
				return nil, fmt.Errorf("merge key %q not in either schema", k)
			}
		}
	}
	snap, err := t.snapshotOf(head)
	if err != nil {
		return nil, err
	}

	merged := MergeSchema(head.Schema, sourceSchema)

	// Index source rows by composite key. Later source rows win when the
	// source itself has key duplicates.
	srcByKey := make(map[string]Row, len(source))
	srcOrder := make([]string, 0, len(source))
	for _, row := range source {
		k := compositeKey(row, keys)
		if _, seen := srcByKey[k]; !seen {
			srcOrder = append(srcOrder, k)
		}
		srcByKey[k] = alignRow(row, merged)
	}

	var updated, inserted int64
	out := make([]Row, 0, len(snap.Rows)+len(source))
	matched := make(map[string]bool, len(srcByKey))
	for _, row := range snap.Rows {
		k := compositeKey(row, keys)
		if src, ok := srcByKey[k]; ok {
			out = append(out, src)
			if !matched[k] {
				updated++
			}
			matched[k] = true
			continue
		}
		out = append(out, alignRow(row, merged))
	}
	for _, k := range srcOrder {
		if !matched[k] {
			out = append(out, srcByKey[k])
			inserted++
		}
	}

	part, err := t.writePart(out)
	if err != nil {
		return nil, err
	}
	c := &Commit{
		Version:   head.Version + 1,
		Operation: OpMerge,
		Metrics: map[string]int64{
			"numTargetRowsInserted": inserted,
			"numTargetRowsUpdated":  updated,
			"numTargetRowsDeleted":  0,
			"numOutputRows":         int64(len(out)),
			"numTotalRows":          int64(len(out)),
		},
		Timestamp: time.Now().UTC(),
		Schema:    merged,
		Parts:     []string{part},
	}
	if err := t.writeCommit(c); err != nil {
		return nil, err
	}
	return c, nil
}

// alignRow projects a row onto the schema, filling absent columns with nil.
func alignRow(row Row, schema Schema) Row {
	out := make(Row, len(schema))
	for _, col := range schema {
		if v, ok := row[col.Name]; ok {
			out[col.Name] = v
		} else {
			out[col.Name] = nil
		}
	}
	return out
}

// compositeKey builds a comparison key over the key columns. Values
// compare by their canonical string form; nil is distinct from "".
func compositeKey(row Row, keys []string) string {
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		v, ok := row[k]
		if !ok || v == nil {
			b.WriteString("\x00nil")
			continue
		}
		b.WriteString(stringify(v))
	}
	return b.String()
}
