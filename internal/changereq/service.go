// Package changereq implements the change-request workflow: a six-state
// lifecycle over durable CR records, gated by validation counts and role
// policy, with an append-only event stream per CR.
package changereq

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quarrydata/quarry/internal/apperr"
	"github.com/quarrydata/quarry/internal/catalog"
	"github.com/quarrydata/quarry/internal/config"
	"github.com/quarrydata/quarry/internal/paths"
	"github.com/quarrydata/quarry/internal/tablelog"
	"github.com/quarrydata/quarry/internal/validation"
)

// CR statuses.
const (
	StatusDraft         = "DRAFT"
	StatusPendingReview = "PENDING_REVIEW"
	StatusApproved      = "APPROVED"
	StatusRejected      = "REJECTED"
	StatusMerged        = "MERGED"
	StatusClosed        = "CLOSED"
)

// Event types recorded in the CR stream.
const (
	EventCreated          = "created"
	EventSubmitted        = "submitted"
	EventApproved         = "approved"
	EventRejected         = "rejected"
	EventMerged           = "merged"
	EventMergeFailed      = "merge_failed"
	EventClosed           = "closed"
	EventOverrideApproved = "override_approved"
	EventForceMerge       = "force_merge"
	EventConflict         = "merge_conflict"
)

// transitions lists the allowed status moves. Everything else is an
// illegal transition.
var transitions = map[string][]string{
	StatusDraft:         {StatusPendingReview},
	StatusPendingReview: {StatusApproved, StatusRejected},
	StatusRejected:      {StatusPendingReview},
	StatusApproved:      {StatusMerged, StatusPendingReview},
	StatusMerged:        {StatusClosed},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Service owns CR records and their events.
type Service struct {
	cat      *catalog.Catalog
	resolver *paths.Resolver
}

// NewService creates the change-request service.
func NewService(cat *catalog.Catalog, resolver *paths.Resolver) *Service {
	return &Service{cat: cat, resolver: resolver}
}

// NewID mints a change-request id.
func NewID() string {
	return "cr_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// CreateParams describes a new CR.
type CreateParams struct {
	ProjectID   string
	DatasetID   string
	Title       string
	Description string
	CreatedBy   string
	Role        string
	SessionID   string
	PrimaryKeys []string
	Edits       json.RawMessage
}

// Create mints a CR in DRAFT, allocating its staging path and recording
// the main table's head version for later conflict detection.
func (s *Service) Create(ctx context.Context, p CreateParams) (*catalog.ChangeRequest, error) {
	if err := RequireRole(p.Role, "create"); err != nil {
		return nil, err
	}
	id := NewID()
	staging, err := s.resolver.Staging(p.ProjectID, p.DatasetID, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, err, "invalid dataset coordinates")
	}
	now := time.Now().UTC()
	cr := &catalog.ChangeRequest{
		ID:            id,
		ProjectID:     p.ProjectID,
		DatasetID:     p.DatasetID,
		Title:         p.Title,
		Description:   p.Description,
		Status:        StatusDraft,
		CreatedBy:     p.CreatedBy,
		SessionID:     p.SessionID,
		StagingPath:   staging,
		PrimaryKeys:   p.PrimaryKeys,
		VersionBefore: s.mainHeadVersion(p.ProjectID, p.DatasetID),
		VersionAfter:  -1,
		Validation:    validation.Summary{State: validation.StateNotStarted},
		Edits:         p.Edits,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.cat.CreateChangeRequest(ctx, cr); err != nil {
		return nil, apperr.Internal(err, "failed to create change request")
	}
	s.emit(ctx, cr.ID, EventCreated, p.CreatedBy, "", nil)
	return cr, nil
}

// mainHeadVersion reads the current head of the dataset's main table, or
// -1 when it does not exist yet.
func (s *Service) mainHeadVersion(projectID, datasetID string) int64 {
	main, err := s.resolver.Main(projectID, datasetID)
	if err != nil {
		return -1
	}
	v, err := tablelog.Open(main).Version()
	if err != nil {
		return -1
	}
	return v
}

// Get loads a CR.
func (s *Service) Get(ctx context.Context, id string) (*catalog.ChangeRequest, error) {
	return s.cat.GetChangeRequest(ctx, id)
}

// List returns CRs for a dataset, optionally filtered by status.
func (s *Service) List(ctx context.Context, projectID, datasetID, status string) ([]*catalog.ChangeRequest, error) {
	return s.cat.ListChangeRequests(ctx, projectID, datasetID, status)
}

// Events returns a CR's event stream in append order.
func (s *Service) Events(ctx context.Context, id string) ([]*catalog.Event, error) {
	if _, err := s.cat.GetChangeRequest(ctx, id); err != nil {
		return nil, err
	}
	return s.cat.ListEvents(ctx, id)
}

// AttachValidation records the latest validation summary on the CR.
func (s *Service) AttachValidation(ctx context.Context, id string, summary validation.Summary) (*catalog.ChangeRequest, error) {
	cr, err := s.cat.GetChangeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	cr.Validation = summary
	cr.UpdatedAt = time.Now().UTC()
	if err := s.cat.UpdateChangeRequest(ctx, cr); err != nil {
		return nil, apperr.Internal(err, "failed to update change request %s", id)
	}
	return cr, nil
}

// AttachEdits replaces the CR's proposed-change payload while in DRAFT or
// REJECTED.
func (s *Service) AttachEdits(ctx context.Context, id string, edits json.RawMessage) (*catalog.ChangeRequest, error) {
	cr, err := s.cat.GetChangeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if cr.Status != StatusDraft && cr.Status != StatusRejected {
		return nil, apperr.New(apperr.KindIllegalTransition,
			"change request %s is %s; edits are frozen", id, cr.Status)
	}
	cr.Edits = edits
	cr.UpdatedAt = time.Now().UTC()
	if err := s.cat.UpdateChangeRequest(ctx, cr); err != nil {
		return nil, apperr.Internal(err, "failed to update change request %s", id)
	}
	return cr, nil
}

// SubmitForReview moves DRAFT or REJECTED to PENDING_REVIEW. Blocked when
// the title is empty or validation counts contain errors or fatals. The
// main head version is re-recorded at submission.
func (s *Service) SubmitForReview(ctx context.Context, id, actor string) (*catalog.ChangeRequest, error) {
	cr, err := s.cat.GetChangeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cr.Title) == "" {
		return nil, apperr.New(apperr.KindPreconditionFailed, "change request %s has no title", id)
	}
	if cr.Validation.Counts.Blocking() {
		return nil, apperr.New(apperr.KindValidationBlocked,
			"change request %s has %d errors and %d fatals",
			id, cr.Validation.Counts.Error, cr.Validation.Counts.Fatal)
	}
	if !CanTransition(cr.Status, StatusPendingReview) {
		return nil, illegal(cr, StatusPendingReview)
	}
	cr.Status = StatusPendingReview
	cr.VersionBefore = s.mainHeadVersion(cr.ProjectID, cr.DatasetID)
	cr.UpdatedAt = time.Now().UTC()
	if err := s.cat.UpdateChangeRequest(ctx, cr); err != nil {
		return nil, apperr.Internal(err, "failed to update change request %s", id)
	}
	s.emit(ctx, id, EventSubmitted, actor, "", nil)
	return cr, nil
}

// Approve moves PENDING_REVIEW to APPROVED under the same validation gate
// as submission.
func (s *Service) Approve(ctx context.Context, id, actor, role string) (*catalog.ChangeRequest, error) {
	if err := RequireRole(role, "approve"); err != nil {
		return nil, err
	}
	cr, err := s.cat.GetChangeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if cr.Validation.Counts.Blocking() {
		return nil, apperr.New(apperr.KindValidationBlocked,
			"change request %s has blocking validation messages", id)
	}
	if !CanTransition(cr.Status, StatusApproved) {
		return nil, illegal(cr, StatusApproved)
	}
	cr.Status = StatusApproved
	cr.UpdatedAt = time.Now().UTC()
	if err := s.cat.UpdateChangeRequest(ctx, cr); err != nil {
		return nil, apperr.Internal(err, "failed to update change request %s", id)
	}
	s.emit(ctx, id, EventApproved, actor, "", nil)
	return cr, nil
}

// Reject moves PENDING_REVIEW to REJECTED. A reviewer message is required.
func (s *Service) Reject(ctx context.Context, id, actor, message string) (*catalog.ChangeRequest, error) {
	if strings.TrimSpace(message) == "" {
		return nil, apperr.New(apperr.KindBadRequest, "rejection requires a message")
	}
	cr, err := s.cat.GetChangeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(cr.Status, StatusRejected) {
		return nil, illegal(cr, StatusRejected)
	}
	cr.Status = StatusRejected
	cr.UpdatedAt = time.Now().UTC()
	if err := s.cat.UpdateChangeRequest(ctx, cr); err != nil {
		return nil, apperr.Internal(err, "failed to update change request %s", id)
	}
	s.emit(ctx, id, EventRejected, actor, message, nil)
	return cr, nil
}

// OverrideValidation applies an approver override to a PARTIAL_PASS
// summary and records it as a distinct event.
func (s *Service) OverrideValidation(ctx context.Context, id, actor string) (*catalog.ChangeRequest, error) {
	cr, err := s.cat.GetChangeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := validation.Override(cr.Validation.State)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPreconditionFailed, err,
			"cannot override validation of change request %s", id)
	}
	cr.Validation.State = next
	cr.UpdatedAt = time.Now().UTC()
	if err := s.cat.UpdateChangeRequest(ctx, cr); err != nil {
		return nil, apperr.Internal(err, "failed to update change request %s", id)
	}
	s.emit(ctx, id, EventOverrideApproved, actor, "", nil)
	return cr, nil
}

// MarkMerged finalizes a successful merge: APPROVED → MERGED with the
// recorded versions and commit id.
func (s *Service) MarkMerged(ctx context.Context, id, actor string, versionBefore, versionAfter int64, commitID string) (*catalog.ChangeRequest, error) {
	cr, err := s.cat.GetChangeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(cr.Status, StatusMerged) {
		return nil, illegal(cr, StatusMerged)
	}
	cr.Status = StatusMerged
	cr.VersionBefore = versionBefore
	cr.VersionAfter = versionAfter
	cr.MergeCommitID = commitID
	cr.UpdatedAt = time.Now().UTC()
	if err := s.cat.UpdateChangeRequest(ctx, cr); err != nil {
		return nil, apperr.Internal(err, "failed to update change request %s", id)
	}
	payload, _ := json.Marshal(map[string]any{
		"version_before": versionBefore,
		"version_after":  versionAfter,
		"commit_id":      commitID,
	})
	s.emit(ctx, id, EventMerged, actor, "", payload)
	return cr, nil
}

// MarkMergeFailed moves an APPROVED CR back to PENDING_REVIEW after a
// failed merge attempt.
func (s *Service) MarkMergeFailed(ctx context.Context, id, actor, reason string) (*catalog.ChangeRequest, error) {
	cr, err := s.cat.GetChangeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(cr.Status, StatusPendingReview) {
		return nil, illegal(cr, StatusPendingReview)
	}
	cr.Status = StatusPendingReview
	cr.UpdatedAt = time.Now().UTC()
	if err := s.cat.UpdateChangeRequest(ctx, cr); err != nil {
		return nil, apperr.Internal(err, "failed to update change request %s", id)
	}
	s.emit(ctx, id, EventMergeFailed, actor, reason, nil)
	return cr, nil
}

// Close moves MERGED to CLOSED.
func (s *Service) Close(ctx context.Context, id, actor string) (*catalog.ChangeRequest, error) {
	cr, err := s.cat.GetChangeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(cr.Status, StatusClosed) {
		return nil, illegal(cr, StatusClosed)
	}
	cr.Status = StatusClosed
	cr.UpdatedAt = time.Now().UTC()
	if err := s.cat.UpdateChangeRequest(ctx, cr); err != nil {
		return nil, apperr.Internal(err, "failed to update change request %s", id)
	}
	s.emit(ctx, id, EventClosed, actor, "", nil)
	return cr, nil
}

// Emit records an event on behalf of a collaborator (the merge executor
// uses this for conflict and force-merge events).
func (s *Service) Emit(ctx context.Context, crID, eventType, actor, message string, payload json.RawMessage) {
	s.emit(ctx, crID, eventType, actor, message, payload)
}

func (s *Service) emit(ctx context.Context, crID, eventType, actor, message string, payload json.RawMessage) {
	ev := &catalog.Event{
		CRID:      crID,
		EventType: eventType,
		Actor:     actor,
		Message:   message,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	// Event loss is tolerable; the status row is the source of truth.
	_ = s.cat.AppendEvent(ctx, ev)
}

func illegal(cr *catalog.ChangeRequest, to string) error {
	return apperr.New(apperr.KindIllegalTransition,
		"change request %s cannot move %s -> %s", cr.ID, cr.Status, to)
}

// RequireRole checks the configured role policy for a change-request
// action (create, approve, merge, view).
func RequireRole(role, action string) error {
	allowed := config.RolesFor(action)
	for _, r := range allowed {
		if r == role {
			return nil
		}
	}
	return apperr.New(apperr.KindPreconditionFailed,
		"role %q may not %s a change request", role, action)
}
