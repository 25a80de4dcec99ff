package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quarrydata/quarry/internal/apperr"
)

const maxUploadMemory = 32 << 20

// handleUpload accepts either a multipart form with a "file" field or a raw
// body with a ?filename= query parameter.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if len(ct) >= 19 && ct[:19] == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			s.fail(w, r, apperr.Wrap(apperr.KindBadRequest, err, "malformed multipart body"))
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			s.fail(w, r, apperr.Wrap(apperr.KindBadRequest, err, "missing file field"))
			return
		}
		defer f.Close()
		m, err := s.store.Put(hdr.Filename, f)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.respond(w, http.StatusOK, m)
		return
	}

	filename := r.URL.Query().Get("filename")
	if filename == "" {
		s.fail(w, r, apperr.New(apperr.KindBadRequest, "filename query parameter is required"))
		return
	}
	m, err := s.store.Put(filename, r.Body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, m)
}

// handleFinalize appends a staged file's rows to the dataset's main table,
// or to a CR's staging table when cr_id is given.
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UploadID  string `json:"upload_id"`
		ProjectID string `json:"project_id"`
		DatasetID string `json:"dataset_id"`
		CRID      string `json:"cr_id"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	var target string
	if req.CRID != "" {
		cr, err := s.crs.Get(r.Context(), req.CRID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		target = cr.StagingPath
	} else {
		main, err := s.mainPath(req.ProjectID, req.DatasetID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		target = main
	}

	res, err := s.store.Finalize(r.Context(), req.UploadID, target)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"uploads": list})
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, m)
}

func (s *Server) handleDeleteUpload(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "deleted"})
}
