package table

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/quarrydata/quarry/internal/apperr"
	"github.com/quarrydata/quarry/internal/engine"
	"github.com/quarrydata/quarry/internal/tablelog"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	eng, err := engine.New()
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return NewAdapter(eng)
}

func tablePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "main")
}

func TestEnsureTableTypes(t *testing.T) {
	a := newTestAdapter(t)
	path := tablePath(t)
	cols := []ColumnSpec{
		{Name: "id", Type: "string"},
		{Name: "qty", Type: []any{"null", "integer"}},
		{Name: "weird", Type: "object"},
	}
	if err := a.EnsureTable(path, cols); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	head, err := tablelog.Open(path).Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	want := map[string]string{"id": "string", "qty": "integer", "weird": "string"}
	for name, typ := range want {
		col, ok := head.Schema.Lookup(name)
		if !ok || col.Type != typ {
			t.Errorf("column %s = %+v, want type %s", name, col, typ)
		}
	}

	// Idempotent
	if err := a.EnsureTable(path, cols); err != nil {
		t.Fatalf("EnsureTable second call: %v", err)
	}
}

func TestEnsureTablePlaceholder(t *testing.T) {
	a := newTestAdapter(t)
	path := tablePath(t)
	if err := a.EnsureTable(path, nil); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	head, err := tablelog.Open(path).Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if len(head.Schema) != 1 || head.Schema[0].Name != "_auto" {
		t.Errorf("schema = %v", head.Schema)
	}
}

func TestAppendDedupScenario(t *testing.T) {
	a := newTestAdapter(t)
	path := tablePath(t)

	res, err := a.AppendDedup(path, []tablelog.Row{
		{"id": int64(1), "v": "a"},
		{"id": int64(2), "v": "b"},
	})
	if err != nil {
		t.Fatalf("AppendDedup: %v", err)
	}
	if res.Inserted != 2 || res.Duplicates != 0 {
		t.Errorf("first append = %+v", res)
	}

	res, err = a.AppendDedup(path, []tablelog.Row{
		{"id": int64(2), "v": "b"},
		{"id": int64(3), "v": "c"},
	})
	if err != nil {
		t.Fatalf("AppendDedup: %v", err)
	}
	if res.Inserted != 1 || res.Duplicates != 1 {
		t.Errorf("second append = %+v", res)
	}

	stats, err := a.TableStats(path)
	if err != nil {
		t.Fatalf("TableStats: %v", err)
	}
	if stats.NumRows != 3 || stats.NumCols != 2 {
		t.Errorf("stats = %+v, want 3 rows 2 cols", stats)
	}
}

func TestAppendDedupIdempotent(t *testing.T) {
	a := newTestAdapter(t)
	path := tablePath(t)
	rows := []tablelog.Row{
		{"id": int64(1), "v": "a"},
		{"id": int64(2), "v": nil},
	}
	if _, err := a.AppendDedup(path, rows); err != nil {
		t.Fatalf("AppendDedup: %v", err)
	}
	res, err := a.AppendDedup(path, rows)
	if err != nil {
		t.Fatalf("AppendDedup repeat: %v", err)
	}
	if res.Inserted != 0 || res.Duplicates != 2 {
		t.Errorf("repeat = %+v, want inserted 0 duplicates 2", res)
	}
	stats, _ := a.TableStats(path)
	if stats.NumRows != 2 {
		t.Errorf("rows = %d, want 2", stats.NumRows)
	}
}

func TestAppendDedupNullEqual(t *testing.T) {
	a := newTestAdapter(t)
	path := tablePath(t)
	if _, err := a.AppendDedup(path, []tablelog.Row{{"id": int64(1), "v": nil}}); err != nil {
		t.Fatalf("AppendDedup: %v", err)
	}
	res, err := a.AppendDedup(path, []tablelog.Row{{"id": int64(1)}})
	if err != nil {
		t.Fatalf("AppendDedup: %v", err)
	}
	if res.Duplicates != 1 {
		t.Errorf("missing column should match null: %+v", res)
	}
}

func TestAppendDedupAlignsSchema(t *testing.T) {
	a := newTestAdapter(t)
	path := tablePath(t)
	if _, err := a.AppendDedup(path, []tablelog.Row{{"id": int64(1), "v": "a"}}); err != nil {
		t.Fatalf("AppendDedup: %v", err)
	}

	// Extra column dropped, missing column null-filled, value cast.
	res, err := a.AppendDedup(path, []tablelog.Row{{"id": "2", "extra": "x"}})
	if err != nil {
		t.Fatalf("AppendDedup: %v", err)
	}
	if res.Inserted != 1 {
		t.Errorf("inserted = %d, want 1", res.Inserted)
	}
	head, err := tablelog.Open(path).Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if len(head.Schema) != 2 {
		t.Errorf("column set changed: %v", head.Schema.Names())
	}
	snap, _ := tablelog.Open(path).Snapshot()
	var found bool
	for _, r := range snap.Rows {
		if r["id"] == int64(2) {
			found = true
			if _, has := r["extra"]; has {
				t.Error("extra column leaked into table")
			}
			if r["v"] != nil {
				t.Errorf("v = %v, want nil", r["v"])
			}
		}
	}
	if !found {
		t.Error("aligned row not appended")
	}
}

func TestAppendDedupSchemaMismatch(t *testing.T) {
	a := newTestAdapter(t)
	path := tablePath(t)
	if _, err := a.AppendDedup(path, []tablelog.Row{{"id": int64(1)}}); err != nil {
		t.Fatalf("AppendDedup: %v", err)
	}
	_, err := a.AppendDedup(path, []tablelog.Row{{"totally": "different"}})
	if !apperr.Is(err, apperr.KindSchemaMismatch) {
		t.Errorf("err = %v, want schema_mismatch", err)
	}
}

func TestAppendIntoEmptyEvolvesSchema(t *testing.T) {
	a := newTestAdapter(t)
	path := tablePath(t)
	if err := a.EnsureTable(path, []ColumnSpec{{Name: "old", Type: "string"}}); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	res, err := a.AppendDedup(path, []tablelog.Row{{"id": int64(1), "v": "a"}})
	if err != nil {
		t.Fatalf("AppendDedup: %v", err)
	}
	if res.Inserted != 1 {
		t.Errorf("res = %+v", res)
	}
	head, _ := tablelog.Open(path).Head()
	if _, ok := head.Schema.Lookup("id"); !ok {
		t.Errorf("schema did not evolve: %v", head.Schema.Names())
	}
}

func TestMergeNative(t *testing.T) {
	a := newTestAdapter(t)
	dir := t.TempDir()
	main := filepath.Join(dir, "main")
	staging := filepath.Join(dir, "staging")

	if _, err := a.AppendDedup(main, []tablelog.Row{
		{"id": "a", "qty": int64(1)},
		{"id": "b", "qty": int64(2)},
	}); err != nil {
		t.Fatalf("seed main: %v", err)
	}
	if _, err := a.AppendDedup(staging, []tablelog.Row{
		{"id": "b", "qty": int64(20)},
		{"id": "c", "qty": int64(3)},
	}); err != nil {
		t.Fatalf("seed staging: %v", err)
	}

	res, err := a.Merge(context.Background(), main, staging, []string{"id"})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Inserted != 1 || res.Updated != 1 || res.Deleted != 0 {
		t.Errorf("merge = %+v", res)
	}

	m, err := a.LatestOperationMetrics(main)
	if err != nil {
		t.Fatalf("LatestOperationMetrics: %v", err)
	}
	if m.Operation != "MERGE" || m.RowsAdded != 1 || m.RowsUpdated != 1 || m.TotalRows != 3 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestMergePreservesUnmatchedTarget(t *testing.T) {
	a := newTestAdapter(t)
	dir := t.TempDir()
	main := filepath.Join(dir, "main")
	staging := filepath.Join(dir, "staging")

	if _, err := a.AppendDedup(main, []tablelog.Row{{"id": "keep", "qty": int64(1)}}); err != nil {
		t.Fatalf("seed main: %v", err)
	}
	if _, err := a.AppendDedup(staging, []tablelog.Row{{"id": "new", "qty": int64(2), "note": "n"}}); err != nil {
		t.Fatalf("seed staging: %v", err)
	}

	if _, err := a.Merge(context.Background(), main, staging, []string{"id"}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	snap, err := tablelog.Open(main).Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(snap.Rows))
	}
	if _, ok := snap.Schema.Lookup("note"); !ok {
		t.Errorf("column union missing note: %v", snap.Schema.Names())
	}
}

func TestReadAtVersion(t *testing.T) {
	a := newTestAdapter(t)
	path := tablePath(t)
	if _, err := a.AppendDedup(path, []tablelog.Row{{"id": int64(1)}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := a.AppendDedup(path, []tablelog.Row{{"id": int64(2)}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	head, _ := tablelog.Open(path).Version()
	rd, err := a.ReadAtVersion(path, 0, 100, 0)
	if err != nil {
		t.Fatalf("ReadAtVersion: %v", err)
	}
	if rd.Total != 1 || rd.Version != 0 {
		t.Errorf("read = %+v", rd)
	}
	if head < 1 {
		t.Errorf("head = %d", head)
	}
	if _, err := a.ReadAtVersion(path, 77, 100, 0); !apperr.Is(err, apperr.KindVersionNotFound) {
		t.Errorf("err = %v, want version_not_found", err)
	}
}

func TestReadAtVersionClampsPagination(t *testing.T) {
	a := newTestAdapter(t)
	path := tablePath(t)
	if _, err := a.AppendDedup(path, []tablelog.Row{{"id": int64(1)}, {"id": int64(2)}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Negative offset reads from the start instead of panicking.
	rd, err := a.ReadAtVersion(path, 0, 10, -1)
	if err != nil {
		t.Fatalf("ReadAtVersion offset=-1: %v", err)
	}
	if rd.Total != 2 || len(rd.Data) != 2 {
		t.Errorf("read = %+v", rd)
	}

	// Negative limit means no limit; offset past the end yields an empty page.
	rd, err = a.ReadAtVersion(path, 0, -5, 0)
	if err != nil {
		t.Fatalf("ReadAtVersion limit=-5: %v", err)
	}
	if len(rd.Data) != 2 {
		t.Errorf("rows = %d, want 2", len(rd.Data))
	}
	rd, err = a.ReadAtVersion(path, 0, 10, 99)
	if err != nil {
		t.Fatalf("ReadAtVersion offset=99: %v", err)
	}
	if rd.Total != 2 || len(rd.Data) != 0 {
		t.Errorf("read = %+v", rd)
	}
}

func TestRestoreScenario(t *testing.T) {
	a := newTestAdapter(t)
	path := tablePath(t)

	// v0 seed, v1 append, v2 append
	if _, err := a.AppendDedup(path, []tablelog.Row{{"id": int64(1)}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := a.AppendDedup(path, []tablelog.Row{{"id": int64(2)}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := a.AppendDedup(path, []tablelog.Row{{"id": int64(3)}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	res, err := a.Restore(path, 1)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if res.RowsBefore != 3 || res.RowsAfter != 2 || res.RowsDeleted != 1 || res.RowsAdded != 0 {
		t.Errorf("restore = %+v", res)
	}

	m, err := a.LatestOperationMetrics(path)
	if err != nil {
		t.Fatalf("LatestOperationMetrics: %v", err)
	}
	if m.Operation != "RESTORE" || m.RowsDeleted != 1 {
		t.Errorf("metrics = %+v", m)
	}

	restored, err := a.ReadAtVersion(path, m.Version, 100, 0)
	if err != nil {
		t.Fatalf("ReadAtVersion head: %v", err)
	}
	atOne, err := a.ReadAtVersion(path, 1, 100, 0)
	if err != nil {
		t.Fatalf("ReadAtVersion 1: %v", err)
	}
	if restored.Total != atOne.Total {
		t.Errorf("restore round-trip mismatch: %d vs %d", restored.Total, atOne.Total)
	}
}

func TestStatsMissingTable(t *testing.T) {
	a := newTestAdapter(t)
	stats, err := a.TableStats(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("TableStats: %v", err)
	}
	if stats.NumRows != 0 || stats.NumCols != 0 {
		t.Errorf("stats = %+v, want zeros", stats)
	}
}

func TestQueryFiltersAndPagination(t *testing.T) {
	a := newTestAdapter(t)
	path := tablePath(t)
	if _, err := a.AppendDedup(path, []tablelog.Row{
		{"id": int64(1), "grp": "x"},
		{"id": int64(2), "grp": "x"},
		{"id": int64(3), "grp": "y"},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	res, err := a.Query(context.Background(), path, QueryOptions{
		Filters: map[string]any{"grp": "x"},
		OrderBy: `"id" DESC`,
		Limit:   1,
		Offset:  0,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Count != 2 {
		t.Errorf("count = %d, want 2", res.Count)
	}
	if len(res.Rows) != 1 || res.Rows[0]["id"] != int64(2) {
		t.Errorf("rows = %v", res.Rows)
	}
}

func TestQueryUnknownFilterColumn(t *testing.T) {
	a := newTestAdapter(t)
	path := tablePath(t)
	if _, err := a.AppendDedup(path, []tablelog.Row{{"id": int64(1)}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	res, err := a.Query(context.Background(), path, QueryOptions{
		Filters: map[string]any{"nope": 1},
		Limit:   10,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Count != 0 || len(res.Rows) != 0 {
		t.Errorf("expected empty result, got %+v", res)
	}
}

func TestQueryMissingTable(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.Query(context.Background(), filepath.Join(t.TempDir(), "absent"), QueryOptions{Limit: 10})
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("err = %v, want not_found", err)
	}
}
