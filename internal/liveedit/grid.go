package liveedit

import (
	"context"
	"fmt"
	"time"

	"github.com/quarrydata/quarry/internal/apperr"
	"github.com/quarrydata/quarry/internal/catalog"
	"github.com/quarrydata/quarry/internal/dataset"
	"github.com/quarrydata/quarry/internal/table"
	"github.com/quarrydata/quarry/internal/tablelog"
)

// CellChange is one effective cell mutation.
type CellChange struct {
	RowID    string `json:"row_id"`
	Column   string `json:"column"`
	OldValue any    `json:"old_value,omitempty"`
	NewValue any    `json:"new_value"`
}

// cellKey identifies one (row, column) cell.
type cellKey struct {
	rowID  string
	column string
}

// EffectiveEdits folds the session's edit log into last-write-per-cell
// order. Rejected edits do not contribute.
func (s *Service) EffectiveEdits(sess *catalog.Session) ([]CellChange, error) {
	logPath, err := s.resolver.LiveEditLog(sess.ProjectID, sess.DatasetID, sess.ID)
	if err != nil {
		return nil, err
	}
	snap, err := tablelog.Open(logPath).Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to read edit log: %w", err)
	}

	byCell := map[cellKey]int{}
	var changes []CellChange
	for _, row := range snap.Rows {
		if asStr(row["status"]) == "error" {
			continue
		}
		key := cellKey{rowID: asStr(row["row_id"]), column: asStr(row["column"])}
		change := CellChange{
			RowID:    key.rowID,
			Column:   key.column,
			OldValue: decodeValue(row["old_value"]),
			NewValue: decodeValue(row["new_value"]),
		}
		if idx, seen := byCell[key]; seen {
			// Later edits win; the first old value is kept so the diff
			// shows the full span of the change.
			change.OldValue = changes[idx].OldValue
			changes[idx] = change
			continue
		}
		byCell[key] = len(changes)
		changes = append(changes, change)
	}
	return changes, nil
}

// GridRow is one row of an overlay read.
type GridRow struct {
	Data   map[string]any `json:"data"`
	Edited bool           `json:"edited"`
}

// GridData is a page of the dataset with session edits projected on top.
type GridData struct {
	Columns []string  `json:"columns"`
	Rows    []GridRow `json:"rows"`
	Total   int       `json:"total"`
	Page    int       `json:"page"`
	Limit   int       `json:"limit"`
}

// GetGridData reads a page of main and overlays the session's effective
// edits. Without a session it is a plain paginated read.
func (s *Service) GetGridData(ctx context.Context, projectID, datasetID string, page, limit int, sessionID, orderBy string) (*GridData, error) {
	main, err := s.resolver.Main(projectID, datasetID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, err, "invalid dataset coordinates")
	}
	if page < 1 {
		page = 1
	}
	res, err := s.adapter.Query(ctx, main, table.QueryOptions{
		OrderBy: orderBy,
		Limit:   limit,
		Offset:  (page - 1) * limit,
	})
	if err != nil {
		return nil, err
	}

	out := &GridData{Columns: res.Columns, Total: res.Count, Page: page, Limit: limit}
	var overlay map[cellKey]CellChange
	rowIDCol := ""
	if sessionID != "" {
		sess, err := s.cat.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		changes, err := s.EffectiveEdits(sess)
		if err != nil {
			return nil, apperr.Internal(err, "failed to read session edits")
		}
		overlay = make(map[cellKey]CellChange, len(changes))
		for _, ch := range changes {
			overlay[cellKey{rowID: ch.RowID, column: ch.Column}] = ch
		}
		rowIDCol = sess.RowIDColumn
	}

	for _, row := range res.Rows {
		gr := GridRow{Data: row}
		if overlay != nil {
			id := asStr(row[rowIDCol])
			for col := range row {
				if ch, ok := overlay[cellKey{rowID: id, column: col}]; ok {
					row[col] = ch.NewValue
					gr.Edited = true
				}
			}
		}
		out.Rows = append(out.Rows, gr)
	}
	return out, nil
}

// Preview summarizes a session's pending changes.
type Preview struct {
	Diffs        []CellChange `json:"diffs"`
	RowsAffected int          `json:"rows_affected"`
	CellsChanged int          `json:"cells_changed"`
	Warnings     int          `json:"warnings"`
	Errors       int          `json:"errors"`
}

// GeneratePreview collects the session's effective diffs and tallies the
// edit-log statuses. An ACTIVE session transitions to PREVIEW; the next
// accepted edit returns it to ACTIVE.
func (s *Service) GeneratePreview(ctx context.Context, sessionID string) (*Preview, error) {
	sess, err := s.cat.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == StatusActive {
		sess.Status = StatusPreview
		sess.UpdatedAt = time.Now().UTC()
		if err := s.cat.UpdateSession(ctx, sess); err != nil {
			return nil, apperr.Internal(err, "failed to update session %s", sessionID)
		}
	}
	changes, err := s.EffectiveEdits(sess)
	if err != nil {
		return nil, apperr.Internal(err, "failed to read session edits")
	}

	logPath, err := s.resolver.LiveEditLog(sess.ProjectID, sess.DatasetID, sess.ID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to resolve edit log")
	}
	snap, err := tablelog.Open(logPath).Snapshot()
	if err != nil {
		return nil, apperr.Internal(err, "failed to read edit log")
	}

	p := &Preview{Diffs: changes, CellsChanged: len(changes)}
	rows := map[string]bool{}
	for _, ch := range changes {
		rows[ch.RowID] = true
	}
	p.RowsAffected = len(rows)
	for _, row := range snap.Rows {
		switch asStr(row["status"]) {
		case "warning":
			p.Warnings++
		case "error":
			p.Errors++
		}
	}
	return p, nil
}

// ApplyResult reports an applied mutation batch.
type ApplyResult struct {
	RowsUpdated int   `json:"rows_updated"`
	RowsDeleted int   `json:"rows_deleted"`
	Version     int64 `json:"version"`
}

// ApplyChanges writes cell updates and row deletions to the dataset's main
// table as one overwrite commit. Invoked by the merge pipeline after CR
// approval; it is not a session operation.
func (s *Service) ApplyChanges(ctx context.Context, projectID, datasetID string, edited []CellChange, deletedRows []string) (*ApplyResult, error) {
	main, err := s.resolver.Main(projectID, datasetID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, err, "invalid dataset coordinates")
	}
	tbl := tablelog.Open(main)
	snap, err := tbl.Snapshot()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "dataset %s/%s has no main table", projectID, datasetID)
	}
	meta, err := dataset.Load(s.resolver, projectID, datasetID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to load dataset metadata")
	}
	rowIDCol, err := meta.ResolveRowID(snap.Schema)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPreconditionFailed, err, "cannot apply changes")
	}

	byRow := map[string][]CellChange{}
	for _, ch := range edited {
		byRow[ch.RowID] = append(byRow[ch.RowID], ch)
	}
	deleted := map[string]bool{}
	for _, id := range deletedRows {
		deleted[id] = true
	}

	out := make([]tablelog.Row, 0, len(snap.Rows))
	res := &ApplyResult{}
	for _, row := range snap.Rows {
		id := asStr(row[rowIDCol])
		if deleted[id] {
			res.RowsDeleted++
			continue
		}
		if changes, ok := byRow[id]; ok {
			updated := false
			for _, ch := range changes {
				col, known := snap.Schema.Lookup(ch.Column)
				if !known {
					continue
				}
				row[ch.Column] = tablelog.CoerceValue(ch.NewValue, col.Type)
				updated = true
			}
			if updated {
				res.RowsUpdated++
			}
		}
		out = append(out, row)
	}

	c, err := tbl.Overwrite(out, snap.Schema)
	if err != nil {
		return nil, apperr.Internal(err, "failed to commit changes to %s", main)
	}
	res.Version = c.Version
	return res, nil
}

// GetRowsByIDs fetches specific main-table rows by identifier.
func (s *Service) GetRowsByIDs(ctx context.Context, projectID, datasetID string, rowIDs []string) ([]tablelog.Row, error) {
	main, err := s.resolver.Main(projectID, datasetID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, err, "invalid dataset coordinates")
	}
	snap, err := tablelog.Open(main).Snapshot()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "dataset %s/%s has no main table", projectID, datasetID)
	}
	meta, err := dataset.Load(s.resolver, projectID, datasetID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to load dataset metadata")
	}
	rowIDCol, err := meta.ResolveRowID(snap.Schema)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPreconditionFailed, err, "cannot resolve rows")
	}

	want := make(map[string]bool, len(rowIDs))
	for _, id := range rowIDs {
		want[id] = true
	}
	var out []tablelog.Row
	for _, row := range snap.Rows {
		if want[asStr(row[rowIDCol])] {
			out = append(out, row)
		}
	}
	return out, nil
}

func asStr(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
