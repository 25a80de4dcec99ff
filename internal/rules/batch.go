package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/quarrydata/quarry/internal/engine"
	"github.com/quarrydata/quarry/internal/table"
	"github.com/quarrydata/quarry/internal/tablelog"
)

// Counts aggregates issues by severity.
type Counts struct {
	Info    int `json:"info"`
	Warning int `json:"warning"`
	Error   int `json:"error"`
	Fatal   int `json:"fatal"`
}

// Add increments the bucket for a severity.
func (c *Counts) Add(s Severity) {
	switch s {
	case SeverityInfo:
		c.Info++
	case SeverityWarning:
		c.Warning++
	case SeverityError:
		c.Error++
	case SeverityFatal:
		c.Fatal++
	}
}

// Blocking reports whether the counts block submission or approval.
func (c Counts) Blocking() bool {
	return c.Fatal > 0 || c.Error > 0
}

// Summarize tallies a list of issues.
func Summarize(issues []Issue) Counts {
	var c Counts
	for _, i := range issues {
		c.Add(i.Severity)
	}
	return c
}

// ByColumn tallies issues per column.
func ByColumn(issues []Issue) map[string]Counts {
	out := map[string]Counts{}
	for _, i := range issues {
		c := out[i.Column]
		c.Add(i.Severity)
		out[i.Column] = c
	}
	return out
}

// BatchOptions controls row-batch validation.
type BatchOptions struct {
	// IDColumn, when set, stamps issues with the row's id value.
	IDColumn string
	// Engine, when set, evaluates set-level rules (unique) by grouping in
	// the embedded engine instead of in-process maps.
	Engine *engine.Engine
}

// ValidateRows evaluates all rules against a row batch. Scalar rules run
// per cell; unique runs over the whole batch.
func (v *Validator) ValidateRows(ctx context.Context, rows []map[string]any, ruleSet []Rule, opts BatchOptions) ([]Issue, error) {
	var issues []Issue

	for idx, row := range rows {
		idx := idx
		for _, r := range ruleSet {
			if r.Type == TypeUnique || r.Type == TypeReadonly {
				continue
			}
			issue := v.checkScalar(r, row[r.Column])
			if issue == nil {
				continue
			}
			issue.RowIndex = &idx
			stampRowID(issue, row, opts.IDColumn)
			issues = append(issues, *issue)
		}
	}

	for _, r := range ruleSet {
		if r.Type != TypeUnique {
			continue
		}
		dupIdx, err := v.duplicateIndexes(ctx, rows, r.Column, opts.Engine)
		if err != nil {
			return nil, fmt.Errorf("unique check on %s failed: %w", r.Column, err)
		}
		for _, idx := range dupIdx {
			idx := idx
			issue := v.issue(r, fmt.Sprintf("duplicate value in column %s", r.Column), nil, rows[idx][r.Column])
			issue.RowIndex = &idx
			stampRowID(issue, rows[idx], opts.IDColumn)
			issues = append(issues, *issue)
		}
	}
	return issues, nil
}

func stampRowID(issue *Issue, row map[string]any, idColumn string) {
	if idColumn == "" {
		return
	}
	if v, ok := row[idColumn]; ok && v != nil {
		id := asString(v)
		issue.RowID = &id
	}
}

// duplicateIndexes returns the indexes of every row whose value in column
// appears more than once. Nulls never collide.
func (v *Validator) duplicateIndexes(ctx context.Context, rows []map[string]any, column string, eng *engine.Engine) ([]int, error) {
	if eng != nil {
		return v.duplicateIndexesEngine(ctx, rows, column, eng)
	}
	seen := map[string][]int{}
	for i, row := range rows {
		val := row[column]
		if val == nil {
			continue
		}
		k := asString(val)
		seen[k] = append(seen[k], i)
	}
	var out []int
	for _, idxs := range seen {
		if len(idxs) > 1 {
			out = append(out, idxs...)
		}
	}
	sort.Ints(out)
	return out, nil
}

// duplicateIndexesEngine groups the batch in the engine and maps the
// duplicated values back to row indexes.
func (v *Validator) duplicateIndexesEngine(ctx context.Context, rows []map[string]any, column string, eng *engine.Engine) ([]int, error) {
	logRows := make([]tablelog.Row, len(rows))
	for i, r := range rows {
		logRows[i] = tablelog.Row(r)
	}
	schema := table.InferSchema(logRows)
	if _, ok := schema.Lookup(column); !ok {
		return nil, nil
	}
	name := "vr_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	snap := &tablelog.Snapshot{Schema: schema, Rows: table.AlignRows(logRows, schema)}
	if err := eng.RegisterSnapshot(ctx, name, snap); err != nil {
		return nil, err
	}
	defer eng.Unregister(context.WithoutCancel(ctx), name)

	q := strings.ReplaceAll(column, `"`, `""`)
	res, err := eng.Query(ctx, fmt.Sprintf(
		`SELECT "%s" AS v FROM "%s" WHERE "%s" IS NOT NULL GROUP BY "%s" HAVING COUNT(*) > 1`,
		q, name, q, q), len(rows)+1, 0)
	if err != nil {
		return nil, err
	}
	dups := map[string]bool{}
	for _, r := range res.Rows {
		if r["v"] != nil {
			dups[asString(r["v"])] = true
		}
	}
	var out []int
	for i, row := range rows {
		if val := row[column]; val != nil && dups[asString(val)] {
			out = append(out, i)
		}
	}
	return out, nil
}
