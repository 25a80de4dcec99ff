package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quarrydata/quarry/internal/apperr"
	"github.com/quarrydata/quarry/internal/dataset"
	"github.com/quarrydata/quarry/internal/rules"
	"github.com/quarrydata/quarry/internal/tablelog"
	"github.com/quarrydata/quarry/internal/validation"
)

func newRunID() string {
	return "run_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (s *Server) handleValidateCell(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Column string       `json:"column"`
		Value  any          `json:"value"`
		Rules  []rules.Rule `json:"rules"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	issues := s.validator.ValidateCell(req.Column, req.Value, req.Rules)
	counts := rules.Summarize(issues)
	s.respond(w, http.StatusOK, map[string]any{
		"issues": issues,
		"counts": counts,
		"state":  validation.Complete(counts),
	})
}

func (s *Server) handleValidateBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rows     []map[string]any `json:"rows"`
		Rules    []rules.Rule     `json:"rules"`
		IDColumn string           `json:"id_column"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	issues, err := s.validator.ValidateRows(r.Context(), req.Rows, req.Rules, rules.BatchOptions{
		IDColumn: req.IDColumn,
		Engine:   s.eng,
	})
	if err != nil {
		s.fail(w, r, apperr.Internal(err, "batch validation failed"))
		return
	}
	counts := rules.Summarize(issues)
	s.respond(w, http.StatusOK, map[string]any{
		"issues":    issues,
		"counts":    counts,
		"by_column": rules.ByColumn(issues),
		"state":     validation.Complete(counts),
	})
}

// handleValidateSession validates a session's effective edits against the
// rules resolved when the session started.
func (s *Server) handleValidateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	sess, err := s.sessions.Get(r.Context(), req.SessionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	changes, err := s.sessions.EffectiveEdits(sess)
	if err != nil {
		s.fail(w, r, apperr.Internal(err, "failed to read session edits"))
		return
	}

	var issues []rules.Issue
	for _, ch := range changes {
		for _, issue := range s.validator.ValidateCell(ch.Column, ch.NewValue, sess.Rules) {
			id := ch.RowID
			issue.RowID = &id
			issues = append(issues, issue)
		}
	}
	summary := validation.NewSummary(issues)
	s.respond(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"summary":    summary,
	})
}

// handleValidateCR runs the full batch validation over a CR's staging rows
// with the dataset's rule set, attaches the summary to the CR and writes
// the audit pair for the run.
func (s *Server) handleValidateCR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CRID string `json:"cr_id"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	cr, err := s.crs.Get(r.Context(), req.CRID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := tablelog.Open(cr.StagingPath).Snapshot()
	if err != nil {
		s.fail(w, r, apperr.Wrap(apperr.KindPreconditionFailed, err,
			"change request %s has no staging table", cr.ID))
		return
	}
	meta, err := dataset.Load(s.resolver, cr.ProjectID, cr.DatasetID)
	if err != nil {
		s.fail(w, r, apperr.Internal(err, "failed to load dataset metadata"))
		return
	}
	idColumn := meta.RowIDColumn
	if col, err := meta.ResolveRowID(snap.Schema); err == nil {
		idColumn = col
	}

	rows := make([]map[string]any, len(snap.Rows))
	for i, row := range snap.Rows {
		rows[i] = row
	}
	issues, err := s.validator.ValidateRows(r.Context(), rows, meta.Rules, rules.BatchOptions{
		IDColumn: idColumn,
		Engine:   s.eng,
	})
	if err != nil {
		s.fail(w, r, apperr.Internal(err, "validation run failed"))
		return
	}

	summary := validation.NewSummary(issues)
	if _, err := s.crs.AttachValidation(r.Context(), cr.ID, summary); err != nil {
		s.fail(w, r, err)
		return
	}

	runID := newRunID()
	full := map[string]any{
		"run_id":       runID,
		"cr_id":        cr.ID,
		"validated_at": time.Now().UTC(),
		"row_count":    len(rows),
		"issues":       issues,
		"by_column":    rules.ByColumn(issues),
	}
	if err := s.auditor.WriteValidationRun(cr.ProjectID, cr.DatasetID, runID, summary, full); err != nil {
		s.log.Error("failed to write validation audit", "run_id", runID, "error", err)
	}

	s.respond(w, http.StatusOK, map[string]any{
		"cr_id":   cr.ID,
		"run_id":  runID,
		"summary": summary,
	})
}

// handleValidateMerge answers whether a CR's validation state permits a
// merge commit.
func (s *Server) handleValidateMerge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CRID string `json:"cr_id"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	cr, err := s.crs.Get(r.Context(), req.CRID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"cr_id":     cr.ID,
		"state":     cr.Validation.State,
		"can_merge": validation.CanMerge(cr.Validation.State),
		"blocking":  cr.Validation.Counts.Blocking(),
	})
}
