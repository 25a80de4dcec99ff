// Package httpapi exposes the service over HTTP. Handlers are stateless;
// every route is parameterised by dataset coordinates in the path or body,
// and errors map through the apperr taxonomy to status codes.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quarrydata/quarry/internal/apperr"
	"github.com/quarrydata/quarry/internal/audit"
	"github.com/quarrydata/quarry/internal/catalog"
	"github.com/quarrydata/quarry/internal/changereq"
	"github.com/quarrydata/quarry/internal/engine"
	"github.com/quarrydata/quarry/internal/liveedit"
	"github.com/quarrydata/quarry/internal/mergeexec"
	"github.com/quarrydata/quarry/internal/paths"
	"github.com/quarrydata/quarry/internal/rules"
	"github.com/quarrydata/quarry/internal/table"
	"github.com/quarrydata/quarry/internal/uploads"
)

// Server wires the service components behind the HTTP surface.
type Server struct {
	log       *slog.Logger
	resolver  *paths.Resolver
	eng       *engine.Engine
	adapter   *table.Adapter
	cat       *catalog.Catalog
	crs       *changereq.Service
	sessions  *liveedit.Service
	exec      *mergeexec.Executor
	store     *uploads.Store
	validator *rules.Validator
	auditor   *audit.Writer
}

// NewServer builds the server over an opened catalog and engine.
func NewServer(log *slog.Logger, resolver *paths.Resolver, eng *engine.Engine, cat *catalog.Catalog) *Server {
	adapter := table.NewAdapter(eng)
	crs := changereq.NewService(cat, resolver)
	sessions := liveedit.NewService(cat, resolver, adapter)
	return &Server{
		log:       log.With("component", "http"),
		resolver:  resolver,
		eng:       eng,
		adapter:   adapter,
		cat:       cat,
		crs:       crs,
		sessions:  sessions,
		exec:      mergeexec.New(cat, crs, sessions, adapter, resolver),
		store:     uploads.NewStore(resolver, adapter),
		validator: rules.NewValidator(),
		auditor:   audit.NewWriter(resolver),
	}
}

// Sessions exposes the live-edit service for background sweepers.
func (s *Server) Sessions() *liveedit.Service { return s.sessions }

// Uploads exposes the upload store for background sweepers.
func (s *Server) Uploads() *uploads.Store { return s.store }

// Router assembles all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/health/engine", s.handleEngineHealth)
	r.Get("/health/duckdb", s.handleEngineHealth)

	r.Route("/delta", func(r chi.Router) {
		r.Post("/ensure", s.handleEnsure)
		r.Post("/append-file", s.handleAppendFile)
		r.Post("/query", s.handleQuery)
		r.Get("/history/{project}/{dataset}", s.handleHistory)
		r.Post("/restore", s.handleRestore)
		r.Get("/snapshot/{project}/{dataset}/{version}", s.handleSnapshot)
		r.Get("/stats", s.handleStats)
		r.Get("/table-info", s.handleTableInfo)
		r.Post("/merge-cr", s.handleMergeCR)
	})

	r.Route("/change_requests", func(r chi.Router) {
		r.Post("/", s.handleCreateCR)
		r.Get("/", s.handleListCRs)
		r.Get("/{id}", s.handleGetCR)
		r.Post("/{id}/submit", s.handleSubmitCR)
		r.Post("/{id}/approve", s.handleApproveCR)
		r.Post("/{id}/reject", s.handleRejectCR)
		r.Post("/{id}/merge", s.handleMergeCRByID)
		r.Post("/{id}/override", s.handleOverrideCR)
		r.Get("/{id}/events", s.handleCREvents)
		r.Get("/{id}/edits", s.handleGetCREdits)
		r.Post("/{id}/edits", s.handleAttachCREdits)
	})

	r.Post("/datasets/{dataset}/live-sessions", s.handleStartSession)
	r.Get("/datasets/{dataset}/live-sessions", s.handleListSessions)
	r.Get("/datasets/{dataset}/grid", s.handleGridData)

	r.Route("/live-sessions", func(r chi.Router) {
		r.Get("/{id}", s.handleGetSession)
		r.Delete("/{id}", s.handleDeleteSession)
		r.Post("/{id}/edits", s.handleSaveEdit)
		r.Post("/{id}/edits/bulk", s.handleSaveBulkEdits)
		r.Get("/{id}/preview", s.handlePreview)
	})

	r.Post("/live-edit/apply", s.handleApplyChanges)
	r.Post("/live-edit/rows", s.handleRowsByIDs)

	r.Route("/staging", func(r chi.Router) {
		r.Post("/upload", s.handleUpload)
		r.Post("/finalize", s.handleFinalize)
		r.Get("/", s.handleListUploads)
		r.Get("/{id}", s.handleGetUpload)
		r.Delete("/{id}", s.handleDeleteUpload)
	})

	r.Route("/validation", func(r chi.Router) {
		r.Post("/cell", s.handleValidateCell)
		r.Post("/session", s.handleValidateSession)
		r.Post("/change_request", s.handleValidateCR)
		r.Post("/merge", s.handleValidateMerge)
	})

	r.Route("/rules", func(r chi.Router) {
		r.Post("/validate", s.handleValidateBatch)
		r.Post("/validate/batch", s.handleValidateBatch)
		r.Post("/validate/cell", s.handleValidateCell)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEngineHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Health(r.Context()); err != nil {
		s.fail(w, r, apperr.Internal(err, "query engine health check failed"))
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "ok", "engine": "ready"})
}

// decode reads a JSON body. An empty body decodes into the zero value so
// action endpoints work without a payload.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Wrap(apperr.KindBadRequest, err, "malformed request body")
	}
	return nil
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.log.Error("failed to encode response", "error", err)
		}
	}
}

// fail maps an error through the taxonomy. Internal errors log the chain
// and return only the correlation id.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		ae = apperr.Internal(err, "unexpected error")
	}
	body := map[string]any{
		"error":   ae.Kind.String(),
		"message": ae.Message,
	}
	if ae.Kind == apperr.KindInternal {
		body["correlation_id"] = ae.CorrelationID
		s.log.Error("internal error",
			"path", r.URL.Path,
			"correlation_id", ae.CorrelationID,
			"error", err,
		)
	}
	s.respond(w, ae.Kind.HTTPStatus(), body)
}

// quoteOrderColumn turns a user-supplied column name into a safe ORDER BY
// fragment. Anything else about the ordering stays server-side.
func quoteOrderColumn(col string) string {
	col = strings.TrimSpace(col)
	if col == "" {
		return ""
	}
	return `"` + strings.ReplaceAll(col, `"`, `""`) + `"`
}
