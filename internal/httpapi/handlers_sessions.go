package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quarrydata/quarry/internal/apperr"
	"github.com/quarrydata/quarry/internal/config"
	"github.com/quarrydata/quarry/internal/liveedit"
)

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req liveedit.SessionParams
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.DatasetID = chi.URLParam(r, "dataset")
	sess, err := s.sessions.StartSession(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.sessions.List(r.Context(), q.Get("project_id"), chi.URLParam(r, "dataset"), q.Get("status"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"sessions": list, "count": len(list)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	editable, reason := s.sessions.CanEdit(r.Context(), sess)
	s.respond(w, http.StatusOK, map[string]any{
		"session":  sess,
		"editable": editable,
		"reason":   reason,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "aborted"})
}

func (s *Server) handleSaveEdit(w http.ResponseWriter, r *http.Request) {
	var req liveedit.EditParams
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.sessions.SaveCellEdit(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

func (s *Server) handleSaveBulkEdits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Edits []liveedit.EditParams `json:"edits"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.Edits) == 0 {
		s.fail(w, r, apperr.New(apperr.KindBadRequest, "edits is empty"))
		return
	}
	results, err := s.sessions.SaveBulkEdits(r.Context(), chi.URLParam(r, "id"), req.Edits)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	preview, err := s.sessions.GeneratePreview(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, preview)
}

func (s *Server) handleGridData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", config.QueryLimit())
	if max := config.QueryMaxLimit(); limit > max {
		limit = max
	}
	grid, err := s.sessions.GetGridData(r.Context(),
		q.Get("project_id"), chi.URLParam(r, "dataset"),
		page, limit, q.Get("session_id"), quoteOrderColumn(q.Get("order")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, grid)
}

func (s *Server) handleApplyChanges(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID   string                `json:"project_id"`
		DatasetID   string                `json:"dataset_id"`
		EditedCells []liveedit.CellChange `json:"edited_cells"`
		DeletedRows []string              `json:"deleted_rows"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.sessions.ApplyChanges(r.Context(), req.ProjectID, req.DatasetID, req.EditedCells, req.DeletedRows)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

func (s *Server) handleRowsByIDs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID string   `json:"project_id"`
		DatasetID string   `json:"dataset_id"`
		RowIDs    []string `json:"row_ids"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rows, err := s.sessions.GetRowsByIDs(r.Context(), req.ProjectID, req.DatasetID, req.RowIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"rows": rows, "count": len(rows)})
}
