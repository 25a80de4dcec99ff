package table

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quarrydata/quarry/internal/apperr"
	"github.com/quarrydata/quarry/internal/tablelog"
)

// MergeResult reports an upsert commit.
type MergeResult struct {
	Version  int64 `json:"version"`
	Inserted int64 `json:"rows_inserted"`
	Updated  int64 `json:"rows_updated"`
	Deleted  int64 `json:"rows_deleted"`
}

// Merge upserts the source table into the target by the given key columns.
// The log's native merge is tried first; if it fails the merge is rebuilt
// in the embedded engine and committed as an overwrite. Either way the
// commit is atomic and the target schema widens to the column union.
func (a *Adapter) Merge(ctx context.Context, targetPath, sourcePath string, keys []string) (*MergeResult, error) {
	src, err := tablelog.Open(sourcePath).Snapshot()
	if err != nil {
		if isNoTable(err) {
			return nil, apperr.Wrap(apperr.KindNotFound, err, "source table %s does not exist", sourcePath)
		}
		return nil, apperr.Internal(err, "failed to read source table %s", sourcePath)
	}

	target := tablelog.Open(targetPath)
	c, nativeErr := target.Merge(src.Rows, src.Schema, keys)
	if nativeErr == nil {
		return &MergeResult{
			Version:  c.Version,
			Inserted: c.Metrics["numTargetRowsInserted"],
			Updated:  c.Metrics["numTargetRowsUpdated"],
			Deleted:  c.Metrics["numTargetRowsDeleted"],
		}, nil
	}

	res, rebuildErr := a.rebuildMerge(ctx, target, src, keys)
	if rebuildErr != nil {
		return nil, apperr.Internal(
			fmt.Errorf("native merge: %v; engine rebuild: %w", nativeErr, rebuildErr),
			"merge into %s failed", targetPath)
	}
	return res, nil
}

// rebuildMerge materializes target and source into the engine, evaluates
//
//	result = source UNION ALL (target rows with no key match in source)
//
// and commits the result as an overwrite version.
func (a *Adapter) rebuildMerge(ctx context.Context, target *tablelog.Table, src *tablelog.Snapshot, keys []string) (*MergeResult, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("merge requires at least one key column")
	}
	tgt, err := target.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to read target: %w", err)
	}
	merged := tablelog.MergeSchema(tgt.Schema, src.Schema)
	for _, k := range keys {
		if _, ok := merged.Lookup(k); !ok {
			return nil, fmt.Errorf("merge key %q not in either schema", k)
		}
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	tgtName, srcName := "mt_"+suffix, "ms_"+suffix
	if err := a.eng.RegisterSnapshot(ctx, tgtName, tgt); err != nil {
		return nil, err
	}
	defer a.eng.Unregister(context.WithoutCancel(ctx), tgtName)
	if err := a.eng.RegisterSnapshot(ctx, srcName, src); err != nil {
		return nil, err
	}
	defer a.eng.Unregister(context.WithoutCancel(ctx), srcName)

	var conds []string
	for _, k := range keys {
		q := strings.ReplaceAll(k, `"`, `""`)
		conds = append(conds, fmt.Sprintf(`s."%s" IS t."%s"`, q, q))
	}
	sqlText := fmt.Sprintf(`%s UNION ALL %s WHERE NOT EXISTS (SELECT 1 FROM "%s" s WHERE %s)`,
		projection(srcName, "", src.Schema, merged),
		projection(tgtName, "t", tgt.Schema, merged),
		srcName, strings.Join(conds, " AND "))

	res, err := a.eng.Query(ctx, sqlText, len(tgt.Rows)+len(src.Rows)+1, 0)
	if err != nil {
		return nil, fmt.Errorf("rebuild query failed: %w", err)
	}

	rows := make([]tablelog.Row, len(res.Rows))
	for i, r := range res.Rows {
		row := make(tablelog.Row, len(merged))
		for _, col := range merged {
			if v := r[col.Name]; v != nil {
				row[col.Name] = tablelog.CoerceValue(v, col.Type)
			} else {
				row[col.Name] = nil
			}
		}
		rows[i] = row
	}

	c, err := target.Overwrite(rows, merged)
	if err != nil {
		return nil, fmt.Errorf("failed to commit rebuilt merge: %w", err)
	}

	kept := int64(len(res.Rows) - len(src.Rows))
	updated := int64(len(tgt.Rows)) - kept
	if updated < 0 {
		updated = 0
	}
	inserted := int64(len(src.Rows)) - updated
	if inserted < 0 {
		inserted = 0
	}
	return &MergeResult{Version: c.Version, Inserted: inserted, Updated: updated, Deleted: 0}, nil
}

// projection renders a SELECT over one side of the merge aligned to the
// merged column set, null-filling columns the side does not have.
func projection(table, alias string, have, merged tablelog.Schema) string {
	prefix := ""
	from := fmt.Sprintf(`FROM "%s"`, table)
	if alias != "" {
		prefix = alias + "."
		from = fmt.Sprintf(`FROM "%s" %s`, table, alias)
	}
	cols := make([]string, len(merged))
	for i, c := range merged {
		q := strings.ReplaceAll(c.Name, `"`, `""`)
		if _, ok := have.Lookup(c.Name); ok {
			cols[i] = fmt.Sprintf(`%s"%s"`, prefix, q)
		} else {
			cols[i] = fmt.Sprintf(`NULL AS "%s"`, q)
		}
	}
	return fmt.Sprintf("SELECT %s %s", strings.Join(cols, ", "), from)
}

// HistoryEntry is one commit record.
type HistoryEntry struct {
	Version          int64            `json:"version"`
	Operation        string           `json:"operation"`
	Mode             string           `json:"mode,omitempty"`
	OperationMetrics map[string]int64 `json:"operation_metrics"`
	Timestamp        time.Time        `json:"timestamp"`
}

// History returns the commit records, newest first.
func (a *Adapter) History(path string) ([]HistoryEntry, error) {
	commits, err := tablelog.Open(path).History()
	if err != nil {
		if isNoTable(err) {
			return nil, apperr.Wrap(apperr.KindNotFound, err, "table %s does not exist", path)
		}
		return nil, apperr.Internal(err, "failed to read history of %s", path)
	}
	out := make([]HistoryEntry, len(commits))
	for i, c := range commits {
		out[i] = HistoryEntry{
			Version:          c.Version,
			Operation:        c.Operation,
			Mode:             c.Mode,
			OperationMetrics: c.Metrics,
			Timestamp:        c.Timestamp,
		}
	}
	return out, nil
}

// OperationMetrics summarizes the head commit in adapter terms.
type OperationMetrics struct {
	RowsAdded   int64  `json:"rows_added"`
	RowsUpdated int64  `json:"rows_updated"`
	RowsDeleted int64  `json:"rows_deleted"`
	TotalRows   int64  `json:"total_rows"`
	Operation   string `json:"operation"`
	Version     int64  `json:"version"`
}

// LatestOperationMetrics maps the head commit's native metrics. Restores
// derive their added/deleted counts from the row-count delta.
func (a *Adapter) LatestOperationMetrics(path string) (*OperationMetrics, error) {
	head, err := tablelog.Open(path).Head()
	if err != nil {
		if isNoTable(err) {
			return nil, apperr.Wrap(apperr.KindNotFound, err, "table %s does not exist", path)
		}
		return nil, apperr.Internal(err, "failed to read table %s", path)
	}
	m := &OperationMetrics{
		TotalRows: head.Metrics["numTotalRows"],
		Operation: head.Operation,
		Version:   head.Version,
	}
	switch head.Operation {
	case tablelog.OpMerge:
		m.RowsAdded = head.Metrics["numTargetRowsInserted"]
		m.RowsUpdated = head.Metrics["numTargetRowsUpdated"]
		m.RowsDeleted = head.Metrics["numTargetRowsDeleted"]
	case tablelog.OpRestore:
		delta := head.Metrics["numTotalRows"] - head.Metrics["numPreviousRows"]
		if delta > 0 {
			m.RowsAdded = delta
		} else {
			m.RowsDeleted = -delta
		}
	case tablelog.OpWrite:
		m.RowsAdded = head.Metrics["numOutputRows"]
	}
	return m, nil
}

// RestoreResult reports a restore commit.
type RestoreResult struct {
	Version     int64 `json:"version"`
	RowsBefore  int64 `json:"rows_before"`
	RowsAfter   int64 `json:"rows_after"`
	RowsAdded   int64 `json:"rows_added"`
	RowsDeleted int64 `json:"rows_deleted"`
}

// Restore commits a new version equal to the table at version.
func (a *Adapter) Restore(path string, version int64) (*RestoreResult, error) {
	c, err := tablelog.Open(path).Restore(version)
	if err != nil {
		if errors.Is(err, tablelog.ErrVersionNotFound) {
			return nil, apperr.Wrap(apperr.KindVersionNotFound, err,
				"version %d of table %s not available", version, path)
		}
		if isNoTable(err) {
			return nil, apperr.Wrap(apperr.KindNotFound, err, "table %s does not exist", path)
		}
		return nil, apperr.Internal(err, "failed to restore table %s to version %d", path, version)
	}
	res := &RestoreResult{
		Version:    c.Version,
		RowsBefore: c.Metrics["numPreviousRows"],
		RowsAfter:  c.Metrics["numTotalRows"],
	}
	if delta := res.RowsAfter - res.RowsBefore; delta > 0 {
		res.RowsAdded = delta
	} else {
		res.RowsDeleted = -delta
	}
	return res, nil
}
