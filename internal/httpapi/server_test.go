package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quarrydata/quarry/internal/catalog"
	"github.com/quarrydata/quarry/internal/engine"
	"github.com/quarrydata/quarry/internal/paths"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	root := t.TempDir()
	cat, err := catalog.Open(filepath.Join(root, "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	eng, err := engine.New()
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(log, paths.NewResolver(root), eng, cat)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func getJSON(t *testing.T, ts *httptest.Server, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func deleteJSON(t *testing.T, ts *httptest.Server, path string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, ts.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func uploadCSV(t *testing.T, ts *httptest.Server, filename, content string) string {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	mw.Close()

	resp, err := http.Post(ts.URL+"/staging/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d, body = %v", resp.StatusCode, body)
	}
	id, _ := body["upload_id"].(string)
	if id == "" {
		t.Fatalf("no upload id in %v", body)
	}
	return id
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/health", "/health/engine", "/health/duckdb"} {
		resp, body := getJSON(t, ts, path)
		if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
			t.Errorf("%s: status = %d, body = %v", path, resp.StatusCode, body)
		}
	}
}

func TestEnsureAndStats(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := postJSON(t, ts, "/delta/ensure", map[string]any{
		"project_id": "p1",
		"dataset_id": "d1",
		"columns": []map[string]any{
			{"name": "id", "type": "string"},
			{"name": "amount", "type": []any{"null", "integer"}},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ensure status = %d", resp.StatusCode)
	}

	resp, body := getJSON(t, ts, "/delta/stats?project_id=p1&dataset_id=d1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	if body["num_rows"] != float64(0) || body["num_cols"] != float64(2) {
		t.Errorf("stats = %v", body)
	}
}

func TestUploadFinalizeQueryFlow(t *testing.T) {
	ts := newTestServer(t)
	id := uploadCSV(t, ts, "data.csv", "id,amount\na,100\nb,200\n")

	resp, body := postJSON(t, ts, "/delta/append-file", map[string]any{
		"project_id": "p1", "dataset_id": "d1", "upload_id": id,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("append-file = %d, %v", resp.StatusCode, body)
	}
	if body["inserted"] != float64(2) {
		t.Errorf("inserted = %v", body["inserted"])
	}

	resp, body = postJSON(t, ts, "/delta/query", map[string]any{
		"project_id": "p1", "dataset_id": "d1",
		"sql": `SELECT "id" FROM d1 WHERE "amount" > 150`,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query = %d, %v", resp.StatusCode, body)
	}
	rows, _ := body["rows"].([]any)
	if len(rows) != 1 {
		t.Fatalf("rows = %v", rows)
	}
	if row := rows[0].(map[string]any); row["id"] != "b" {
		t.Errorf("row = %v", row)
	}

	// History shows the single write; snapshot at v0 reads it back.
	resp, body = getJSON(t, ts, "/delta/history/p1/d1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history = %d", resp.StatusCode)
	}
	if hist, _ := body["history"].([]any); len(hist) != 1 {
		t.Errorf("history = %v", body)
	}
	resp, body = getJSON(t, ts, "/delta/snapshot/p1/d1/0")
	if resp.StatusCode != http.StatusOK || body["total"] != float64(2) {
		t.Errorf("snapshot = %d, %v", resp.StatusCode, body)
	}
}

func TestQueryRejectsWrites(t *testing.T) {
	ts := newTestServer(t)
	id := uploadCSV(t, ts, "data.csv", "id\na\n")
	postJSON(t, ts, "/delta/append-file", map[string]any{
		"project_id": "p1", "dataset_id": "d1", "upload_id": id,
	})

	resp, body := postJSON(t, ts, "/delta/query", map[string]any{
		"project_id": "p1", "dataset_id": "d1", "sql": "DROP TABLE d1",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestQueryKeepsPrefixedColumnNames(t *testing.T) {
	ts := newTestServer(t)
	id := uploadCSV(t, ts, "sales.csv", "id,sales_total\na,10\nb,30\n")
	postJSON(t, ts, "/delta/append-file", map[string]any{
		"project_id": "p1", "dataset_id": "sales", "upload_id": id,
	})

	// A column sharing the table name as a prefix must survive the
	// per-request table registration untouched.
	resp, body := postJSON(t, ts, "/delta/query", map[string]any{
		"project_id": "p1", "dataset_id": "sales",
		"sql": `SELECT sales_total FROM sales WHERE sales_total > 20`,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query = %d, %v", resp.StatusCode, body)
	}
	rows, _ := body["rows"].([]any)
	if len(rows) != 1 {
		t.Fatalf("rows = %v", rows)
	}
	if row := rows[0].(map[string]any); row["sales_total"] != float64(30) {
		t.Errorf("row = %v", row)
	}
}

func TestQueryTableMappingsJoin(t *testing.T) {
	ts := newTestServer(t)
	orders := uploadCSV(t, ts, "orders.csv", "id,customer_id,amount\n1,c1,100\n2,c2,250\n")
	postJSON(t, ts, "/delta/append-file", map[string]any{
		"project_id": "p1", "dataset_id": "orders", "upload_id": orders,
	})
	customers := uploadCSV(t, ts, "customers.csv", "id,name\nc1,alice\nc2,bob\n")
	postJSON(t, ts, "/delta/append-file", map[string]any{
		"project_id": "p1", "dataset_id": "customers", "upload_id": customers,
	})

	resp, body := postJSON(t, ts, "/delta/query", map[string]any{
		"table_mappings": map[string]string{
			"orders":    "p1/orders",
			"customers": "p1/customers",
		},
		"sql": `SELECT customers.name, orders.amount FROM orders ` +
			`JOIN customers ON orders.customer_id = customers.id ` +
			`WHERE orders.amount > 200`,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query = %d, %v", resp.StatusCode, body)
	}
	rows, _ := body["rows"].([]any)
	if len(rows) != 1 {
		t.Fatalf("rows = %v", rows)
	}
	row := rows[0].(map[string]any)
	if row["name"] != "bob" || row["amount"] != float64(250) {
		t.Errorf("row = %v", row)
	}
	versions, _ := body["versions"].(map[string]any)
	if len(versions) != 2 {
		t.Errorf("versions = %v", body["versions"])
	}

	resp, body = postJSON(t, ts, "/delta/query", map[string]any{
		"table_mappings": map[string]string{"ghost": "p1/ghost"},
		"sql":            "SELECT * FROM ghost",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing table = %d, %v", resp.StatusCode, body)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	resp, body := getJSON(t, ts, "/change_requests/cr_missing")
	if resp.StatusCode != http.StatusNotFound || body["error"] != "not_found" {
		t.Errorf("missing CR: %d, %v", resp.StatusCode, body)
	}

	resp, body = getJSON(t, ts, "/delta/snapshot/p1/d1/99")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing snapshot: %d, %v", resp.StatusCode, body)
	}

	resp, body = postJSON(t, ts, "/delta/ensure", map[string]any{
		"project_id": "", "dataset_id": "d1",
	})
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "bad_request" {
		t.Errorf("bad coordinates: %d, %v", resp.StatusCode, body)
	}
}

func TestChangeRequestLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	// Seed main through the upload path.
	seed := uploadCSV(t, ts, "seed.csv", "id,amount\n1,100\n2,200\n")
	postJSON(t, ts, "/delta/append-file", map[string]any{
		"project_id": "p1", "dataset_id": "d1", "upload_id": seed,
	})

	resp, cr := postJSON(t, ts, "/change_requests", map[string]any{
		"project_id": "p1", "dataset_id": "d1",
		"title": "fix amounts", "created_by": "alice", "role": "contributor",
		"primary_keys": []string{"id"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create CR = %d, %v", resp.StatusCode, cr)
	}
	crID := cr["id"].(string)

	// Stage the change set into the CR's staging table.
	up := uploadCSV(t, ts, "changes.csv", "id,amount\n1,150\n3,300\n")
	resp, body := postJSON(t, ts, "/staging/finalize", map[string]any{
		"upload_id": up, "cr_id": crID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("finalize = %d, %v", resp.StatusCode, body)
	}

	// No dataset rules, so the run passes clean.
	resp, body = postJSON(t, ts, "/validation/change_request", map[string]any{"cr_id": crID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("validate = %d, %v", resp.StatusCode, body)
	}
	summary := body["summary"].(map[string]any)
	if summary["state"] != "PASSED" {
		t.Fatalf("validation state = %v", summary["state"])
	}

	if resp, body = postJSON(t, ts, fmt.Sprintf("/change_requests/%s/submit", crID),
		map[string]any{"actor": "alice"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("submit = %d, %v", resp.StatusCode, body)
	}
	if resp, body = postJSON(t, ts, fmt.Sprintf("/change_requests/%s/approve", crID),
		map[string]any{"actor": "bob", "role": "owner"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("approve = %d, %v", resp.StatusCode, body)
	}

	// A role outside the merge policy is rejected before anything moves.
	resp, body = postJSON(t, ts, fmt.Sprintf("/change_requests/%s/merge", crID),
		map[string]any{"actor": "mallory", "role": "ghost"})
	if resp.StatusCode != http.StatusConflict || body["error"] != "precondition_failed" {
		t.Fatalf("merge with unknown role = %d, %v", resp.StatusCode, body)
	}

	resp, report := postJSON(t, ts, fmt.Sprintf("/change_requests/%s/merge", crID),
		map[string]any{"actor": "bob", "role": "owner"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("merge = %d, %v", resp.StatusCode, report)
	}
	if report["status"] != "merged" || report["rows_updated"] != float64(1) || report["rows_added"] != float64(1) {
		t.Errorf("report = %v", report)
	}

	resp, got := getJSON(t, ts, "/change_requests/"+crID)
	if resp.StatusCode != http.StatusOK || got["status"] != "MERGED" {
		t.Errorf("cr after merge = %v", got)
	}

	// Reads carry the view policy too; an unknown role is turned away.
	resp, body = getJSON(t, ts, "/change_requests/"+crID+"?role=ghost")
	if resp.StatusCode != http.StatusConflict || body["error"] != "precondition_failed" {
		t.Errorf("get with unknown role = %d, %v", resp.StatusCode, body)
	}

	// The merged table reflects the upsert.
	resp, body = postJSON(t, ts, "/delta/query", map[string]any{
		"project_id": "p1", "dataset_id": "d1",
		"sql": `SELECT "amount" FROM d1 WHERE "id" = 1`,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query = %d, %v", resp.StatusCode, body)
	}
	rows := body["rows"].([]any)
	if len(rows) != 1 || rows[0].(map[string]any)["amount"] != float64(150) {
		t.Errorf("rows = %v", rows)
	}
}

func TestLiveSessionOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	seed := uploadCSV(t, ts, "seed.csv", "id,amount\n1,100\n2,200\n")
	postJSON(t, ts, "/delta/append-file", map[string]any{
		"project_id": "p1", "dataset_id": "d1", "upload_id": seed,
	})

	resp, sess := postJSON(t, ts, "/datasets/d1/live-sessions", map[string]any{
		"project_id": "p1", "user_id": "alice",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start session = %d, %v", resp.StatusCode, sess)
	}
	sessID := sess["id"].(string)
	if !strings.HasPrefix(sessID, "sess_") {
		t.Fatalf("session id = %q", sessID)
	}

	resp, res := postJSON(t, ts, "/live-sessions/"+sessID+"/edits", map[string]any{
		"row_id": "1", "column": "amount", "new_value": 150, "old_value": 100,
	})
	if resp.StatusCode != http.StatusOK || res["status"] != "ok" {
		t.Fatalf("edit = %d, %v", resp.StatusCode, res)
	}

	// Overlay read shows the pending value, main is untouched.
	resp, grid := getJSON(t, ts, "/datasets/d1/grid?project_id=p1&session_id="+sessID+"&order=id")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("grid = %d, %v", resp.StatusCode, grid)
	}
	rows := grid["rows"].([]any)
	first := rows[0].(map[string]any)
	if first["edited"] != true || first["data"].(map[string]any)["amount"] != float64(150) {
		t.Errorf("grid row = %v", first)
	}

	resp, preview := getJSON(t, ts, "/live-sessions/"+sessID+"/preview")
	if resp.StatusCode != http.StatusOK || preview["cells_changed"] != float64(1) {
		t.Errorf("preview = %d, %v", resp.StatusCode, preview)
	}

	resp, list := getJSON(t, ts, "/datasets/d1/live-sessions?project_id=p1")
	if resp.StatusCode != http.StatusOK || list["count"] != float64(1) {
		t.Errorf("list = %d, %v", resp.StatusCode, list)
	}

	resp, body := deleteJSON(t, ts, "/live-sessions/"+sessID)
	if resp.StatusCode != http.StatusOK || body["status"] != "aborted" {
		t.Fatalf("abort = %d, %v", resp.StatusCode, body)
	}
	resp, got := getJSON(t, ts, "/live-sessions/"+sessID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get after abort = %d", resp.StatusCode)
	}
	if got["session"].(map[string]any)["status"] != "ABORTED" || got["editable"] != false {
		t.Errorf("after abort = %v", got)
	}
}
