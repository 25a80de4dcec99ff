package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quarrydata/quarry/internal/changereq"
)

func (s *Server) handleCreateCR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID   string          `json:"project_id"`
		DatasetID   string          `json:"dataset_id"`
		Title       string          `json:"title"`
		Description string          `json:"description"`
		CreatedBy   string          `json:"created_by"`
		Role        string          `json:"role"`
		SessionID   string          `json:"session_id"`
		PrimaryKeys []string        `json:"primary_keys"`
		Edits       json.RawMessage `json:"edits"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	cr, err := s.crs.Create(r.Context(), changereq.CreateParams{
		ProjectID:   req.ProjectID,
		DatasetID:   req.DatasetID,
		Title:       req.Title,
		Description: req.Description,
		CreatedBy:   req.CreatedBy,
		Role:        req.Role,
		SessionID:   req.SessionID,
		PrimaryKeys: req.PrimaryKeys,
		Edits:       req.Edits,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.SessionID != "" {
		if err := s.sessions.AttachChangeRequest(r.Context(), req.SessionID, cr.ID); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	s.respond(w, http.StatusOK, cr)
}

func (s *Server) handleListCRs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := requireViewRole(q.Get("role")); err != nil {
		s.fail(w, r, err)
		return
	}
	list, err := s.crs.List(r.Context(), q.Get("project_id"), q.Get("dataset_id"), q.Get("status"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"change_requests": list})
}

func (s *Server) handleGetCR(w http.ResponseWriter, r *http.Request) {
	if err := requireViewRole(r.URL.Query().Get("role")); err != nil {
		s.fail(w, r, err)
		return
	}
	cr, err := s.crs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, cr)
}

// requireViewRole checks the read-side role policy. The role rides a
// query parameter; callers that send none read as viewer.
func requireViewRole(role string) error {
	if role == "" {
		role = "viewer"
	}
	return changereq.RequireRole(role, "view")
}

func (s *Server) handleSubmitCR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	cr, err := s.crs.SubmitForReview(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, cr)
}

func (s *Server) handleApproveCR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
		Role  string `json:"role"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	cr, err := s.crs.Approve(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, cr)
}

func (s *Server) handleRejectCR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor   string `json:"actor"`
		Message string `json:"message"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	cr, err := s.crs.Reject(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Message)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, cr)
}

func (s *Server) handleMergeCRByID(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor             string `json:"actor"`
		Role              string `json:"role"`
		SkipConflictCheck bool   `json:"skip_conflict_check"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	s.executeMerge(w, r, chi.URLParam(r, "id"), req.Actor, req.Role, req.SkipConflictCheck)
}

func (s *Server) handleOverrideCR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	cr, err := s.crs.OverrideValidation(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, cr)
}

func (s *Server) handleCREvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.crs.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleGetCREdits(w http.ResponseWriter, r *http.Request) {
	cr, err := s.crs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	edits := cr.Edits
	if len(edits) == 0 {
		edits = json.RawMessage("{}")
	}
	s.respond(w, http.StatusOK, map[string]any{"cr_id": cr.ID, "edits": edits})
}

func (s *Server) handleAttachCREdits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Edits json.RawMessage `json:"edits"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	cr, err := s.crs.AttachEdits(r.Context(), chi.URLParam(r, "id"), req.Edits)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, cr)
}
