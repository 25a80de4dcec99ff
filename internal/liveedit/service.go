// Package liveedit manages live editing sessions: a time-bounded editing
// context whose cell edits accumulate in an append-only edit-log table.
// Reads overlay the session's effective edits on the canonical rows;
// nothing touches main until the merge pipeline applies the changes.
package liveedit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quarrydata/quarry/internal/apperr"
	"github.com/quarrydata/quarry/internal/catalog"
	"github.com/quarrydata/quarry/internal/config"
	"github.com/quarrydata/quarry/internal/dataset"
	"github.com/quarrydata/quarry/internal/paths"
	"github.com/quarrydata/quarry/internal/rules"
	"github.com/quarrydata/quarry/internal/table"
	"github.com/quarrydata/quarry/internal/tablelog"
)

// Session statuses.
const (
	StatusActive    = "ACTIVE"
	StatusPreview   = "PREVIEW"
	StatusSubmitted = "SUBMITTED"
	StatusAborted   = "ABORTED"
	StatusExpired   = "EXPIRED"
)

// Session modes.
const (
	ModeFullTable    = "FULL_TABLE"
	ModeRowSelection = "ROW_SELECTION"
)

// editLogSchema is the fixed schema of a session's edit-log table. Values
// are stored JSON-encoded so the log holds any scalar type.
var editLogSchema = tablelog.Schema{
	{Name: "edit_id", Type: tablelog.TypeString},
	{Name: "row_id", Type: tablelog.TypeString},
	{Name: "column", Type: tablelog.TypeString},
	{Name: "old_value", Type: tablelog.TypeString},
	{Name: "new_value", Type: tablelog.TypeString},
	{Name: "status", Type: tablelog.TypeString},
	{Name: "server_ts", Type: tablelog.TypeString},
	{Name: "client_ts", Type: tablelog.TypeString},
}

// Service manages sessions and their edit logs.
type Service struct {
	cat       *catalog.Catalog
	resolver  *paths.Resolver
	adapter   *table.Adapter
	validator *rules.Validator
}

// NewService creates the session manager.
func NewService(cat *catalog.Catalog, resolver *paths.Resolver, adapter *table.Adapter) *Service {
	return &Service{
		cat:       cat,
		resolver:  resolver,
		adapter:   adapter,
		validator: rules.NewValidator(),
	}
}

// NewSessionID mints a session id.
func NewSessionID() string {
	return "sess_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func newEditID() string {
	return "edit_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// SessionParams opens a session. Mode defaults to FULL_TABLE; a
// ROW_SELECTION session scopes edits to the selected row identifiers.
type SessionParams struct {
	ProjectID    string   `json:"project_id"`
	DatasetID    string   `json:"dataset_id"`
	UserID       string   `json:"user_id"`
	Mode         string   `json:"mode,omitempty"`
	SelectedRows []string `json:"selected_rows,omitempty"`
}

// StartSession opens a session over a dataset. The editable column set,
// rules and row-identifier column come from the dataset metadata resolved
// against the main table's current schema.
func (s *Service) StartSession(ctx context.Context, p SessionParams) (*catalog.Session, error) {
	switch p.Mode {
	case "":
		p.Mode = ModeFullTable
	case ModeFullTable, ModeRowSelection:
	default:
		return nil, apperr.New(apperr.KindBadRequest, "unknown session mode %q", p.Mode)
	}
	if p.Mode == ModeRowSelection && len(p.SelectedRows) == 0 {
		return nil, apperr.New(apperr.KindBadRequest, "row selection mode requires selected_rows")
	}
	if p.Mode == ModeFullTable {
		p.SelectedRows = nil
	}

	main, err := s.resolver.Main(p.ProjectID, p.DatasetID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, err, "invalid dataset coordinates")
	}
	head, err := tablelog.Open(main).Head()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "dataset %s/%s has no main table", p.ProjectID, p.DatasetID)
	}
	meta, err := dataset.Load(s.resolver, p.ProjectID, p.DatasetID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to load dataset metadata")
	}
	rowID, err := meta.ResolveRowID(head.Schema)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPreconditionFailed, err, "dataset %s/%s is not editable", p.ProjectID, p.DatasetID)
	}

	id := NewSessionID()
	editLog, err := s.resolver.LiveEditLog(p.ProjectID, p.DatasetID, id)
	if err != nil {
		return nil, apperr.Internal(err, "failed to resolve edit log path")
	}
	if _, err := tablelog.Open(editLog).Create(editLogSchema); err != nil {
		return nil, apperr.Internal(err, "failed to create edit log")
	}

	now := time.Now().UTC()
	sess := &catalog.Session{
		ID:              id,
		ProjectID:       p.ProjectID,
		DatasetID:       p.DatasetID,
		UserID:          p.UserID,
		Mode:            p.Mode,
		SelectedRows:    p.SelectedRows,
		Status:          StatusActive,
		EditableColumns: meta.ResolveEditable(head.Schema, rowID),
		Rules:           meta.Rules,
		RowIDColumn:     rowID,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(config.SessionTTL()),
	}
	if err := s.cat.CreateSession(ctx, sess); err != nil {
		return nil, apperr.Internal(err, "failed to persist session")
	}
	return sess, nil
}

// Get loads a session.
func (s *Service) Get(ctx context.Context, id string) (*catalog.Session, error) {
	return s.cat.GetSession(ctx, id)
}

// List returns the dataset's sessions, optionally filtered by status.
func (s *Service) List(ctx context.Context, projectID, datasetID, status string) ([]*catalog.Session, error) {
	if projectID == "" || datasetID == "" {
		return nil, apperr.New(apperr.KindBadRequest, "project_id and dataset_id are required")
	}
	sessions, err := s.cat.ListSessions(ctx, projectID, datasetID, status)
	if err != nil {
		return nil, apperr.Internal(err, "failed to list sessions")
	}
	return sessions, nil
}

// CanEdit reports whether the session accepts edits: it must be ACTIVE or
// PREVIEW, inside its TTL, and not referenced by a change request. A
// PREVIEW session returns to ACTIVE on its next edit.
func (s *Service) CanEdit(ctx context.Context, sess *catalog.Session) (bool, string) {
	if sess.Status != StatusActive && sess.Status != StatusPreview {
		return false, fmt.Sprintf("session is %s", sess.Status)
	}
	if time.Now().UTC().After(sess.ExpiresAt) {
		return false, "session has expired"
	}
	if sess.ChangeRequestID != "" {
		return false, "session is frozen by change request " + sess.ChangeRequestID
	}
	if has, err := s.cat.SessionHasChangeRequest(ctx, sess.ID); err == nil && has {
		return false, "session is frozen by a change request"
	}
	return true, ""
}

// EditParams is one proposed cell edit.
type EditParams struct {
	RowID    string `json:"row_id"`
	Column   string `json:"column"`
	NewValue any    `json:"new_value"`
	OldValue any    `json:"old_value,omitempty"`
	ClientTS string `json:"client_ts,omitempty"`
}

// EditResult reports the outcome of one edit.
type EditResult struct {
	Status     string        `json:"status"`
	EditID     string        `json:"edit_id,omitempty"`
	Validation []rules.Issue `json:"validation,omitempty"`
}

// SaveCellEdit validates and appends a single edit. Edits failing at error
// or fatal severity are recorded with status rejected and reported back;
// they do not contribute to the effective overlay.
func (s *Service) SaveCellEdit(ctx context.Context, sessionID string, p EditParams) (*EditResult, error) {
	sess, err := s.cat.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ok, reason := s.CanEdit(ctx, sess); !ok {
		return nil, apperr.New(apperr.KindPreconditionFailed, "session %s: %s", sessionID, reason)
	}
	if sess.Mode == ModeRowSelection && !contains(sess.SelectedRows, p.RowID) {
		return nil, apperr.New(apperr.KindPreconditionFailed,
			"row %q is outside the session's selection", p.RowID)
	}
	if !contains(sess.EditableColumns, p.Column) {
		return nil, apperr.New(apperr.KindPreconditionFailed,
			"column %q is not editable in session %s", p.Column, sessionID)
	}
	for _, r := range sess.Rules {
		if r.Column == p.Column && r.Type == rules.TypeReadonly {
			return nil, apperr.New(apperr.KindPreconditionFailed,
				"column %q is read-only", p.Column)
		}
	}

	issues := s.validator.ValidateCell(p.Column, p.NewValue, sess.Rules)
	counts := rules.Summarize(issues)
	status := "ok"
	if counts.Blocking() {
		status = "error"
	} else if counts.Warning > 0 {
		status = "warning"
	}

	editID := newEditID()
	if err := s.appendEdit(sess, editID, p, status); err != nil {
		return nil, apperr.Internal(err, "failed to record edit")
	}

	stats, err := s.sessionStats(sess)
	if err != nil {
		return nil, apperr.Internal(err, "failed to recompute session rollups")
	}
	now := time.Now().UTC()
	if sess.Status == StatusPreview {
		sess.Status = StatusActive
	}
	sess.EditCount = stats.total
	sess.CellsChanged = stats.cellsChanged
	sess.RowsAffected = stats.rowsAffected
	sess.ValidEdits = stats.valid
	sess.InvalidEdits = stats.invalid
	sess.UpdatedAt = now
	sess.LastEditAt = &now
	if err := s.cat.UpdateSession(ctx, sess); err != nil {
		return nil, apperr.Internal(err, "failed to update session rollups")
	}
	return &EditResult{Status: status, EditID: editID, Validation: issues}, nil
}

type editStats struct {
	total        int
	rowsAffected int
	cellsChanged int
	valid        int
	invalid      int
}

// sessionStats folds the full edit log into the session rollups: distinct
// rows and cells touched, and edits split by validation outcome.
func (s *Service) sessionStats(sess *catalog.Session) (editStats, error) {
	logPath, err := s.resolver.LiveEditLog(sess.ProjectID, sess.DatasetID, sess.ID)
	if err != nil {
		return editStats{}, err
	}
	snap, err := tablelog.Open(logPath).Snapshot()
	if err != nil {
		return editStats{}, fmt.Errorf("failed to read edit log: %w", err)
	}
	rows := map[string]bool{}
	cells := map[cellKey]bool{}
	var st editStats
	for _, row := range snap.Rows {
		st.total++
		if asStr(row["status"]) == "error" {
			st.invalid++
		} else {
			st.valid++
		}
		id := asStr(row["row_id"])
		rows[id] = true
		cells[cellKey{rowID: id, column: asStr(row["column"])}] = true
	}
	st.rowsAffected = len(rows)
	st.cellsChanged = len(cells)
	return st, nil
}

// SaveBulkEdits applies edits sequentially and reports per-edit outcomes
// in input order. A rejected edit does not stop the batch.
func (s *Service) SaveBulkEdits(ctx context.Context, sessionID string, edits []EditParams) ([]EditResult, error) {
	out := make([]EditResult, 0, len(edits))
	for _, p := range edits {
		res, err := s.SaveCellEdit(ctx, sessionID, p)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindInternal {
				return nil, err
			}
			out = append(out, EditResult{Status: "error", Validation: []rules.Issue{{
				Column:   p.Column,
				Severity: rules.SeverityError,
				Message:  err.Error(),
			}}})
			continue
		}
		out = append(out, *res)
	}
	return out, nil
}

func (s *Service) appendEdit(sess *catalog.Session, editID string, p EditParams, status string) error {
	logPath, err := s.resolver.LiveEditLog(sess.ProjectID, sess.DatasetID, sess.ID)
	if err != nil {
		return err
	}
	row := tablelog.Row{
		"edit_id":   editID,
		"row_id":    p.RowID,
		"column":    p.Column,
		"old_value": encodeValue(p.OldValue),
		"new_value": encodeValue(p.NewValue),
		"status":    status,
		"server_ts": time.Now().UTC().Format(time.RFC3339Nano),
		"client_ts": p.ClientTS,
	}
	if _, err := tablelog.Open(logPath).Append([]tablelog.Row{row}); err != nil {
		return err
	}
	return nil
}

// encodeValue stores any scalar as JSON text; nil stays nil.
func encodeValue(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// decodeValue reverses encodeValue.
func decodeValue(v any) any {
	s, ok := v.(string)
	if !ok || v == nil {
		return v
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return s
	}
	return out
}

// AttachChangeRequest links a CR to the session: the session transitions
// to SUBMITTED and accepts no further edits.
func (s *Service) AttachChangeRequest(ctx context.Context, sessionID, crID string) error {
	sess, err := s.cat.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.ChangeRequestID != "" && sess.ChangeRequestID != crID {
		return apperr.New(apperr.KindPreconditionFailed,
			"session %s is already attached to change request %s", sessionID, sess.ChangeRequestID)
	}
	sess.ChangeRequestID = crID
	sess.Status = StatusSubmitted
	sess.UpdatedAt = time.Now().UTC()
	if err := s.cat.UpdateSession(ctx, sess); err != nil {
		return apperr.Internal(err, "failed to freeze session %s", sessionID)
	}
	return nil
}

// DeleteSession aborts a session: its edit log is discarded and the record
// is kept as ABORTED. Sessions referenced by a change request cannot be
// aborted.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	sess, err := s.cat.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.ChangeRequestID != "" {
		return apperr.New(apperr.KindPreconditionFailed,
			"session %s is attached to change request %s", id, sess.ChangeRequestID)
	}
	if has, err := s.cat.SessionHasChangeRequest(ctx, id); err == nil && has {
		return apperr.New(apperr.KindPreconditionFailed,
			"session %s is attached to a change request", id)
	}
	if err := s.discardEditLog(sess); err != nil {
		return apperr.Internal(err, "failed to discard edit log for session %s", id)
	}
	sess.Status = StatusAborted
	sess.UpdatedAt = time.Now().UTC()
	if err := s.cat.UpdateSession(ctx, sess); err != nil {
		return apperr.Internal(err, "failed to abort session %s", id)
	}
	return nil
}

// CleanupExpired sweeps sessions past their TTL: ACTIVE and PREVIEW
// sessions with no attached CR become EXPIRED and their edit logs are
// discarded; ABORTED sessions lose their record entirely. Returns the
// number of sessions swept. Idempotent.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	swept := 0
	for _, status := range []string{StatusActive, StatusPreview} {
		expired, err := s.cat.ListExpiredSessions(ctx, status, now)
		if err != nil {
			return swept, apperr.Internal(err, "failed to list expired sessions")
		}
		for _, sess := range expired {
			if sess.ChangeRequestID != "" {
				continue
			}
			if has, err := s.cat.SessionHasChangeRequest(ctx, sess.ID); err == nil && has {
				continue
			}
			sess.Status = StatusExpired
			sess.UpdatedAt = now
			if err := s.cat.UpdateSession(ctx, sess); err != nil {
				return swept, apperr.Internal(err, "failed to expire session %s", sess.ID)
			}
			if err := s.discardEditLog(sess); err != nil {
				return swept, apperr.Internal(err, "failed to discard edit log for session %s", sess.ID)
			}
			swept++
		}
	}

	aborted, err := s.cat.ListExpiredSessions(ctx, StatusAborted, now)
	if err != nil {
		return swept, apperr.Internal(err, "failed to list aborted sessions")
	}
	for _, sess := range aborted {
		if err := s.cat.DeleteSession(ctx, sess.ID); err != nil {
			return swept, apperr.Internal(err, "failed to remove aborted session %s", sess.ID)
		}
		swept++
	}
	return swept, nil
}

// discardEditLog removes the session directory under live_edit/.
func (s *Service) discardEditLog(sess *catalog.Session) error {
	logPath, err := s.resolver.LiveEditLog(sess.ProjectID, sess.DatasetID, sess.ID)
	if err != nil {
		return err
	}
	return os.RemoveAll(filepath.Dir(logPath))
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
