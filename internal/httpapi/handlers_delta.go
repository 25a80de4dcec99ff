package httpapi

import (
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quarrydata/quarry/internal/apperr"
	"github.com/quarrydata/quarry/internal/config"
	"github.com/quarrydata/quarry/internal/mergeexec"
	"github.com/quarrydata/quarry/internal/table"
	"github.com/quarrydata/quarry/internal/tablelog"
)

// mainPath resolves the dataset's main table or reports a bad request.
func (s *Server) mainPath(projectID, datasetID string) (string, error) {
	if projectID == "" || datasetID == "" {
		return "", apperr.New(apperr.KindBadRequest, "project_id and dataset_id are required")
	}
	main, err := s.resolver.Main(projectID, datasetID)
	if err != nil {
		return "", apperr.Wrap(apperr.KindBadRequest, err, "invalid dataset coordinates")
	}
	return main, nil
}

func (s *Server) handleEnsure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID string             `json:"project_id"`
		DatasetID string             `json:"dataset_id"`
		Columns   []table.ColumnSpec `json:"columns"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	main, err := s.mainPath(req.ProjectID, req.DatasetID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.adapter.EnsureTable(main, req.Columns); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"status": "ok", "path": main})
}

func (s *Server) handleAppendFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID string `json:"project_id"`
		DatasetID string `json:"dataset_id"`
		UploadID  string `json:"upload_id"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	main, err := s.mainPath(req.ProjectID, req.DatasetID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.store.Finalize(r.Context(), req.UploadID, main)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID     string            `json:"project_id"`
		DatasetID     string            `json:"dataset_id"`
		SQL           string            `json:"sql"`
		TableName     string            `json:"table_name"`
		TableMappings map[string]string `json:"table_mappings"`
		Limit         int               `json:"limit"`
		Offset        int               `json:"offset"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		s.fail(w, r, apperr.New(apperr.KindBadRequest, "sql is required"))
		return
	}
	if req.Limit <= 0 {
		req.Limit = config.QueryLimit()
	}
	if max := config.QueryMaxLimit(); req.Limit > max {
		req.Limit = max
	}

	// The single-dataset form is shorthand for a one-entry mapping.
	mappings := req.TableMappings
	if len(mappings) == 0 {
		if req.ProjectID == "" || req.DatasetID == "" {
			s.fail(w, r, apperr.New(apperr.KindBadRequest,
				"table_mappings or project_id and dataset_id are required"))
			return
		}
		name := req.TableName
		if name == "" {
			name = req.DatasetID
		}
		mappings = map[string]string{name: req.ProjectID + "/" + req.DatasetID}
	}

	// Each mapped table is registered under a per-request name so
	// concurrent queries over the same dataset do not clobber each other.
	// Longer names rewrite first so one mapped name being a prefix of
	// another cannot corrupt the statement.
	names := make([]string, 0, len(mappings))
	for name := range mappings {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })

	suffix := "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	sqlText := req.SQL
	versions := make(map[string]int64, len(mappings))
	for _, name := range names {
		projectID, datasetID, ok := strings.Cut(mappings[name], "/")
		if !ok || projectID == "" || datasetID == "" {
			s.fail(w, r, apperr.New(apperr.KindBadRequest,
				"table mapping %q must be project/dataset", name))
			return
		}
		main, err := s.mainPath(projectID, datasetID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		snap, err := tablelog.Open(main).Snapshot()
		if err != nil {
			s.fail(w, r, apperr.Wrap(apperr.KindNotFound, err,
				"table %s not found for dataset %s/%s", name, projectID, datasetID))
			return
		}
		regName := name + suffix
		if err := s.eng.RegisterSnapshot(r.Context(), regName, snap); err != nil {
			s.fail(w, r, apperr.Internal(err, "failed to register snapshot"))
			return
		}
		defer s.eng.Unregister(r.Context(), regName)
		sqlText = rewriteTableName(sqlText, name, regName)
		versions[name] = snap.Version
	}

	res, err := s.eng.Query(r.Context(), sqlText, req.Limit, req.Offset)
	if err != nil {
		s.fail(w, r, apperr.Wrap(apperr.KindBadRequest, err, "query failed"))
		return
	}
	out := map[string]any{
		"columns":  res.Columns,
		"rows":     res.Rows,
		"versions": versions,
		"limit":    res.Limit,
		"offset":   res.Offset,
	}
	if len(versions) == 1 {
		for _, v := range versions {
			out["version"] = v
		}
	}
	s.respond(w, http.StatusOK, out)
}

// rewriteTableName replaces whole-identifier occurrences of a mapped table
// name, bare or double-quoted. Substrings of longer identifiers, such as a
// column sharing the table name as a prefix, are left alone.
func rewriteTableName(sqlText, name, regName string) string {
	quoted := regexp.QuoteMeta(`"` + name + `"`)
	bare := `\b` + regexp.QuoteMeta(name) + `\b`
	re := regexp.MustCompile(quoted + `|` + bare)
	return re.ReplaceAllLiteralString(sqlText, quoteIdent(regName))
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	main, err := s.mainPath(chi.URLParam(r, "project"), chi.URLParam(r, "dataset"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entries, err := s.adapter.History(main)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID string `json:"project_id"`
		DatasetID string `json:"dataset_id"`
		Version   int64  `json:"version"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	main, err := s.mainPath(req.ProjectID, req.DatasetID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.adapter.Restore(main, req.Version)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	main, err := s.mainPath(chi.URLParam(r, "project"), chi.URLParam(r, "dataset"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	version, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
	if err != nil {
		s.fail(w, r, apperr.New(apperr.KindBadRequest, "version must be an integer"))
		return
	}
	limit := queryInt(r, "limit", config.QueryLimit())
	offset := queryInt(r, "offset", 0)
	res, err := s.adapter.ReadAtVersion(main, version, limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	main, err := s.mainPath(r.URL.Query().Get("project_id"), r.URL.Query().Get("dataset_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	stats, err := s.adapter.TableStats(main)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, stats)
}

func (s *Server) handleTableInfo(w http.ResponseWriter, r *http.Request) {
	main, err := s.mainPath(r.URL.Query().Get("project_id"), r.URL.Query().Get("dataset_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tbl := tablelog.Open(main)
	head, err := tbl.Head()
	if err != nil {
		s.fail(w, r, apperr.Wrap(apperr.KindNotFound, err, "table not found"))
		return
	}
	stats, err := s.adapter.TableStats(main)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	metrics, err := s.adapter.LatestOperationMetrics(main)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"version":   head.Version,
		"num_rows":  stats.NumRows,
		"num_cols":  stats.NumCols,
		"schema":    head.Schema,
		"operation": metrics,
	})
}

func (s *Server) handleMergeCR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CRID              string `json:"cr_id"`
		Actor             string `json:"actor"`
		Role              string `json:"role"`
		SkipConflictCheck bool   `json:"skip_conflict_check"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	s.executeMerge(w, r, req.CRID, req.Actor, req.Role, req.SkipConflictCheck)
}

func (s *Server) executeMerge(w http.ResponseWriter, r *http.Request, crID, actor, role string, force bool) {
	report, err := s.exec.Execute(r.Context(), crID, mergeexec.Options{Actor: actor, Role: role, Force: force})
	if err != nil {
		if report != nil && apperr.Is(err, apperr.KindMergeConflict) {
			s.respond(w, http.StatusConflict, report)
			return
		}
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, report)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
