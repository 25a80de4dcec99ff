package catalog

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/quarrydata/quarry/internal/apperr"
	"github.com/quarrydata/quarry/internal/rules"
	"github.com/quarrydata/quarry/internal/validation"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testCR(id string) *ChangeRequest {
	now := time.Now().UTC().Truncate(time.Second)
	return &ChangeRequest{
		ID:            id,
		ProjectID:     "p1",
		DatasetID:     "d1",
		Title:         "fix amounts",
		Status:        "DRAFT",
		CreatedBy:     "alice",
		PrimaryKeys:   []string{"id"},
		VersionBefore: -1,
		VersionAfter:  -1,
		Validation:    validation.Summary{State: validation.StateNotStarted},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestChangeRequestRoundTrip(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	cr := testCR("cr_abc123def456")
	if err := c.CreateChangeRequest(ctx, cr); err != nil {
		t.Fatalf("CreateChangeRequest: %v", err)
	}

	got, err := c.GetChangeRequest(ctx, cr.ID)
	if err != nil {
		t.Fatalf("GetChangeRequest: %v", err)
	}
	if got.Title != "fix amounts" || got.Status != "DRAFT" || got.CreatedBy != "alice" {
		t.Errorf("got = %+v", got)
	}
	if len(got.PrimaryKeys) != 1 || got.PrimaryKeys[0] != "id" {
		t.Errorf("primary keys = %v", got.PrimaryKeys)
	}
	if got.VersionBefore != -1 {
		t.Errorf("version_before = %d", got.VersionBefore)
	}

	got.Status = "PENDING_REVIEW"
	got.VersionBefore = 4
	got.Validation = validation.Summary{State: validation.StatePassed}
	got.Edits = json.RawMessage(`{"edited_cells":[]}`)
	got.UpdatedAt = time.Now().UTC()
	if err := c.UpdateChangeRequest(ctx, got); err != nil {
		t.Fatalf("UpdateChangeRequest: %v", err)
	}

	again, err := c.GetChangeRequest(ctx, cr.ID)
	if err != nil {
		t.Fatalf("GetChangeRequest: %v", err)
	}
	if again.Status != "PENDING_REVIEW" || again.VersionBefore != 4 {
		t.Errorf("again = %+v", again)
	}
	if again.Validation.State != validation.StatePassed {
		t.Errorf("validation = %+v", again.Validation)
	}
}

func TestGetChangeRequestNotFound(t *testing.T) {
	c := newTestCatalog(t)
	_, err := c.GetChangeRequest(context.Background(), "cr_missing")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("err = %v, want not_found", err)
	}
	if err := c.UpdateChangeRequest(context.Background(), testCR("cr_missing")); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("update err = %v, want not_found", err)
	}
}

func TestListChangeRequestsByStatus(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	a := testCR("cr_a")
	b := testCR("cr_b")
	b.Status = "MERGED"
	for _, cr := range []*ChangeRequest{a, b} {
		if err := c.CreateChangeRequest(ctx, cr); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	all, err := c.ListChangeRequests(ctx, "p1", "d1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all = %d", len(all))
	}
	merged, err := c.ListChangeRequests(ctx, "p1", "d1", "MERGED")
	if err != nil {
		t.Fatalf("list merged: %v", err)
	}
	if len(merged) != 1 || merged[0].ID != "cr_b" {
		t.Errorf("merged = %v", merged)
	}
}

func TestMergeLock(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	cr := testCR("cr_lock")
	if err := c.CreateChangeRequest(ctx, cr); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := c.AcquireMergeLock(ctx, cr.ID)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	ok, err = c.AcquireMergeLock(ctx, cr.ID)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Error("second acquire must fail while locked")
	}
	if err := c.ReleaseMergeLock(ctx, cr.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = c.AcquireMergeLock(ctx, cr.ID)
	if err != nil || !ok {
		t.Errorf("acquire after release = %v, %v", ok, err)
	}
}

func TestEventsAppendOrder(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for _, et := range []string{"created", "submitted", "approved"} {
		ev := &Event{CRID: "cr_x", EventType: et, Actor: "alice", CreatedAt: now}
		if err := c.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent(%s): %v", et, err)
		}
		if ev.ID == 0 {
			t.Errorf("event id not assigned for %s", et)
		}
	}
	events, err := c.ListEvents(ctx, "cr_x")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d", len(events))
	}
	want := []string{"created", "submitted", "approved"}
	for i, ev := range events {
		if ev.EventType != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, ev.EventType, want[i])
		}
	}
}

func TestSessionRoundTripAndExpiry(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	s := &Session{
		ID:              "sess_1234567890ab",
		ProjectID:       "p1",
		DatasetID:       "d1",
		UserID:          "bob",
		Mode:            "ROW_SELECTION",
		SelectedRows:    []string{"1", "2"},
		Status:          "ACTIVE",
		EditableColumns: []string{"amount"},
		Rules:           []rules.Rule{{Column: "amount", Type: rules.TypeGreaterThan, Value: 0}},
		RowIDColumn:     "id",
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(-time.Hour),
	}
	if err := c.CreateSession(ctx, s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := c.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.RowIDColumn != "id" || len(got.Rules) != 1 || got.Rules[0].Type != rules.TypeGreaterThan {
		t.Errorf("got = %+v", got)
	}
	if got.Mode != "ROW_SELECTION" || len(got.SelectedRows) != 2 || got.SelectedRows[0] != "1" {
		t.Errorf("selection = %q %v", got.Mode, got.SelectedRows)
	}
	if got.LastEditAt != nil {
		t.Errorf("last edit should be unset: %v", got.LastEditAt)
	}

	expired, err := c.ListExpiredSessions(ctx, "ACTIVE", now)
	if err != nil {
		t.Fatalf("ListExpiredSessions: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != s.ID {
		t.Errorf("expired = %v", expired)
	}

	got.Status = "EXPIRED"
	edit := now
	got.LastEditAt = &edit
	got.EditCount = 3
	got.CellsChanged = 2
	got.RowsAffected = 1
	got.ValidEdits = 2
	got.InvalidEdits = 1
	if err := c.UpdateSession(ctx, got); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	again, _ := c.GetSession(ctx, s.ID)
	if again.Status != "EXPIRED" || again.EditCount != 3 || again.LastEditAt == nil {
		t.Errorf("again = %+v", again)
	}
	if again.CellsChanged != 2 || again.RowsAffected != 1 || again.ValidEdits != 2 || again.InvalidEdits != 1 {
		t.Errorf("rollups = %+v", again)
	}

	if err := c.DeleteSession(ctx, s.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := c.GetSession(ctx, s.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("err = %v, want not_found", err)
	}
}

func TestSessionHasChangeRequest(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	cr := testCR("cr_withsess")
	cr.SessionID = "sess_linked"
	if err := c.CreateChangeRequest(ctx, cr); err != nil {
		t.Fatalf("create: %v", err)
	}
	has, err := c.SessionHasChangeRequest(ctx, "sess_linked")
	if err != nil || !has {
		t.Errorf("has = %v, %v", has, err)
	}
	has, err = c.SessionHasChangeRequest(ctx, "sess_free")
	if err != nil || has {
		t.Errorf("free has = %v, %v", has, err)
	}
}
