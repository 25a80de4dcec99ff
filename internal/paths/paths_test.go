package paths

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizeSegment(t *testing.T) {
	tests := []struct {
		name    string
		seg     string
		wantErr bool
	}{
		{"plain id", "proj1", false},
		{"cr id", "cr_ab12cd34ef56", false},
		{"empty", "", true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"slash", "a/b", true},
		{"backslash", `a\b`, true},
		{"embedded traversal", "a..b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SanitizeSegment(tt.seg)
			if (err != nil) != tt.wantErr {
				t.Errorf("SanitizeSegment(%q) err = %v, wantErr %v", tt.seg, err, tt.wantErr)
			}
		})
	}
}

func TestResolverLayout(t *testing.T) {
	r := NewResolver("/data/delta")

	main, err := r.Main("p1", "d1")
	if err != nil {
		t.Fatalf("Main: %v", err)
	}
	want := filepath.Join("/data/delta", "projects", "p1", "datasets", "d1", "main")
	if main != want {
		t.Errorf("Main = %q, want %q", main, want)
	}

	staging, err := r.Staging("p1", "d1", "cr_x")
	if err != nil {
		t.Fatalf("Staging: %v", err)
	}
	if !strings.HasSuffix(staging, filepath.Join("staging", "cr_x")) {
		t.Errorf("Staging = %q", staging)
	}

	edits, err := r.LiveEditLog("p1", "d1", "sess_y")
	if err != nil {
		t.Fatalf("LiveEditLog: %v", err)
	}
	if !strings.HasSuffix(edits, filepath.Join("live_edit", "sess_y", "edits")) {
		t.Errorf("LiveEditLog = %q", edits)
	}

	audit, err := r.AuditChangeRequest("p1", "d1", "cr_x")
	if err != nil {
		t.Fatalf("AuditChangeRequest: %v", err)
	}
	if !strings.HasSuffix(audit, filepath.Join("audit", "change_requests", "cr_x")) {
		t.Errorf("AuditChangeRequest = %q", audit)
	}
}

func TestResolverRejectsTraversal(t *testing.T) {
	r := NewResolver("/data/delta")
	if _, err := r.Main("../../etc", "d1"); err == nil {
		t.Error("expected error for traversal in project id")
	}
	if _, err := r.Staging("p1", "d1", "../../../main"); err == nil {
		t.Error("expected error for traversal in cr id")
	}
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	if err := EnsureDir(dir); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	// Idempotent
	if err := EnsureDir(dir); err != nil {
		t.Fatalf("EnsureDir second call: %v", err)
	}
}
