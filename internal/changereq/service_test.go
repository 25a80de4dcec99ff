package changereq

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quarrydata/quarry/internal/apperr"
	"github.com/quarrydata/quarry/internal/catalog"
	"github.com/quarrydata/quarry/internal/paths"
	"github.com/quarrydata/quarry/internal/rules"
	"github.com/quarrydata/quarry/internal/validation"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	root := t.TempDir()
	cat, err := catalog.Open(filepath.Join(root, "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return NewService(cat, paths.NewResolver(root))
}

func draftCR(t *testing.T, s *Service, title string) *catalog.ChangeRequest {
	t.Helper()
	cr, err := s.Create(context.Background(), CreateParams{
		ProjectID:   "p1",
		DatasetID:   "d1",
		Title:       title,
		CreatedBy:   "alice",
		Role:        "contributor",
		PrimaryKeys: []string{"id"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return cr
}

func TestCreateDefaults(t *testing.T) {
	s := newTestService(t)
	cr := draftCR(t, s, "fix amounts")
	if cr.Status != StatusDraft {
		t.Errorf("status = %s", cr.Status)
	}
	if !strings.HasPrefix(cr.ID, "cr_") || len(cr.ID) != 15 {
		t.Errorf("id = %q", cr.ID)
	}
	if cr.StagingPath == "" || !strings.Contains(cr.StagingPath, cr.ID) {
		t.Errorf("staging path = %q", cr.StagingPath)
	}
	if cr.VersionBefore != -1 {
		t.Errorf("version before = %d, want -1 for missing main", cr.VersionBefore)
	}

	events, err := s.Events(context.Background(), cr.ID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != EventCreated {
		t.Errorf("events = %v", events)
	}
}

func TestCreateRequiresRole(t *testing.T) {
	s := newTestService(t)
	_, err := s.Create(context.Background(), CreateParams{
		ProjectID: "p1", DatasetID: "d1", Title: "t", Role: "viewer",
	})
	if !apperr.Is(err, apperr.KindPreconditionFailed) {
		t.Errorf("err = %v, want precondition_failed", err)
	}
}

func TestSubmitBlockedByErrors(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	cr := draftCR(t, s, "x")
	if _, err := s.AttachValidation(ctx, cr.ID, validation.Summary{
		State:  validation.StateFailed,
		Counts: rules.Counts{Error: 3},
	}); err != nil {
		t.Fatalf("AttachValidation: %v", err)
	}

	_, err := s.SubmitForReview(ctx, cr.ID, "alice")
	if !apperr.Is(err, apperr.KindValidationBlocked) {
		t.Fatalf("err = %v, want validation_blocked", err)
	}
	got, _ := s.Get(ctx, cr.ID)
	if got.Status != StatusDraft {
		t.Errorf("status = %s, want DRAFT", got.Status)
	}
}

func TestSubmitRequiresTitle(t *testing.T) {
	s := newTestService(t)
	cr := draftCR(t, s, "  ")
	_, err := s.SubmitForReview(context.Background(), cr.ID, "alice")
	if !apperr.Is(err, apperr.KindPreconditionFailed) {
		t.Errorf("err = %v, want precondition_failed", err)
	}
}

func TestFullLifecycle(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	cr := draftCR(t, s, "x")
	if _, err := s.AttachValidation(ctx, cr.ID, validation.Summary{State: validation.StatePassed}); err != nil {
		t.Fatalf("AttachValidation: %v", err)
	}

	if _, err := s.SubmitForReview(ctx, cr.ID, "alice"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := s.Approve(ctx, cr.ID, "bob", "owner"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	merged, err := s.MarkMerged(ctx, cr.ID, "system", 4, 5, "commit-5")
	if err != nil {
		t.Fatalf("mark merged: %v", err)
	}
	if merged.VersionBefore != 4 || merged.VersionAfter != 5 || merged.MergeCommitID != "commit-5" {
		t.Errorf("merged = %+v", merged)
	}
	closed, err := s.Close(ctx, cr.ID, "system")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != StatusClosed {
		t.Errorf("status = %s", closed.Status)
	}

	events, _ := s.Events(ctx, cr.ID)
	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	want := []string{EventCreated, EventSubmitted, EventApproved, EventMerged, EventClosed}
	if len(types) != len(want) {
		t.Fatalf("events = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestIllegalTransitions(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	cr := draftCR(t, s, "x")

	if _, err := s.Approve(ctx, cr.ID, "bob", "owner"); !apperr.Is(err, apperr.KindIllegalTransition) {
		t.Errorf("approve draft: err = %v", err)
	}
	if _, err := s.MarkMerged(ctx, cr.ID, "system", 0, 1, "c"); !apperr.Is(err, apperr.KindIllegalTransition) {
		t.Errorf("merge draft: err = %v", err)
	}
	if _, err := s.Close(ctx, cr.ID, "system"); !apperr.Is(err, apperr.KindIllegalTransition) {
		t.Errorf("close draft: err = %v", err)
	}
}

func TestRejectAndResubmit(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	cr := draftCR(t, s, "x")
	if _, err := s.SubmitForReview(ctx, cr.ID, "alice"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := s.Reject(ctx, cr.ID, "bob", ""); !apperr.Is(err, apperr.KindBadRequest) {
		t.Errorf("reject without message: err = %v", err)
	}
	rejected, err := s.Reject(ctx, cr.ID, "bob", "needs work")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != StatusRejected {
		t.Errorf("status = %s", rejected.Status)
	}

	resubmitted, err := s.SubmitForReview(ctx, cr.ID, "alice")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if resubmitted.Status != StatusPendingReview {
		t.Errorf("status = %s", resubmitted.Status)
	}
}

func TestMergeFailureReturnsToReview(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	cr := draftCR(t, s, "x")
	if _, err := s.SubmitForReview(ctx, cr.ID, "alice"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := s.Approve(ctx, cr.ID, "bob", "owner"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	got, err := s.MarkMergeFailed(ctx, cr.ID, "system", "merge blew up")
	if err != nil {
		t.Fatalf("MarkMergeFailed: %v", err)
	}
	if got.Status != StatusPendingReview {
		t.Errorf("status = %s, want PENDING_REVIEW", got.Status)
	}
	events, _ := s.Events(ctx, cr.ID)
	last := events[len(events)-1]
	if last.EventType != EventMergeFailed || last.Message != "merge blew up" {
		t.Errorf("last event = %+v", last)
	}
}

func TestOverrideValidation(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	cr := draftCR(t, s, "x")
	if _, err := s.AttachValidation(ctx, cr.ID, validation.Summary{
		State:  validation.StatePartialPass,
		Counts: rules.Counts{Warning: 2},
	}); err != nil {
		t.Fatalf("AttachValidation: %v", err)
	}

	got, err := s.OverrideValidation(ctx, cr.ID, "bob")
	if err != nil {
		t.Fatalf("OverrideValidation: %v", err)
	}
	if got.Validation.State != validation.StatePassed {
		t.Errorf("state = %s", got.Validation.State)
	}
	events, _ := s.Events(ctx, cr.ID)
	last := events[len(events)-1]
	if last.EventType != EventOverrideApproved {
		t.Errorf("last event = %s, want %s", last.EventType, EventOverrideApproved)
	}

	// Override on a non-partial state is rejected.
	if _, err := s.OverrideValidation(ctx, cr.ID, "bob"); !apperr.Is(err, apperr.KindPreconditionFailed) {
		t.Errorf("second override: err = %v", err)
	}
}

func TestAttachEditsFrozenAfterSubmit(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	cr := draftCR(t, s, "x")
	if _, err := s.AttachEdits(ctx, cr.ID, []byte(`{"edited_cells":[{"row_id":"1"}]}`)); err != nil {
		t.Fatalf("AttachEdits: %v", err)
	}
	if _, err := s.SubmitForReview(ctx, cr.ID, "alice"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := s.AttachEdits(ctx, cr.ID, []byte(`{}`)); !apperr.Is(err, apperr.KindIllegalTransition) {
		t.Errorf("err = %v, want illegal_transition", err)
	}
}
