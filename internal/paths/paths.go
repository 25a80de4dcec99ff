// Package paths maps dataset coordinates to their canonical on-disk layout.
//
// Every component resolves paths through this package; nothing else is
// allowed to compose dataset paths by hand. The layout is:
//
//	<root>/projects/<project>/datasets/<dataset>/
//	    main/
//	    staging/<cr_id>/
//	    live_edit/<session_id>/edits/
//	    imports/<upload_id>/
//	    audit/{validation_runs,snapshots,history,change_requests}/
//	<root>/pending_uploads/<upload_id>/
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver computes canonical paths under a single data root.
type Resolver struct {
	root string
}

// NewResolver creates a resolver rooted at root.
func NewResolver(root string) *Resolver {
	return &Resolver{root: root}
}

// Root returns the data root.
func (r *Resolver) Root() string { return r.root }

// SanitizeSegment validates a single path segment (project id, dataset id,
// CR id, session id, upload id). Separators and traversal sequences are
// rejected rather than escaped: identifiers are opaque, not paths.
func SanitizeSegment(seg string) (string, error) {
	if seg == "" {
		return "", fmt.Errorf("empty path segment")
	}
	if seg == "." || seg == ".." {
		return "", fmt.Errorf("invalid path segment %q", seg)
	}
	if strings.ContainsAny(seg, "/\\") {
		return "", fmt.Errorf("path segment %q contains separator", seg)
	}
	if strings.Contains(seg, "..") {
		return "", fmt.Errorf("path segment %q contains traversal", seg)
	}
	return seg, nil
}

func (r *Resolver) dataset(projectID, datasetID string) (string, error) {
	p, err := SanitizeSegment(projectID)
	if err != nil {
		return "", fmt.Errorf("project id: %w", err)
	}
	d, err := SanitizeSegment(datasetID)
	if err != nil {
		return "", fmt.Errorf("dataset id: %w", err)
	}
	return filepath.Join(r.root, "projects", p, "datasets", d), nil
}

// Dataset returns the dataset root directory.
func (r *Resolver) Dataset(projectID, datasetID string) (string, error) {
	return r.dataset(projectID, datasetID)
}

// Main returns the canonical main table path for a dataset.
func (r *Resolver) Main(projectID, datasetID string) (string, error) {
	ds, err := r.dataset(projectID, datasetID)
	if err != nil {
		return "", err
	}
	return filepath.Join(ds, "main"), nil
}

// Staging returns the staging table path for a change request.
func (r *Resolver) Staging(projectID, datasetID, crID string) (string, error) {
	ds, err := r.dataset(projectID, datasetID)
	if err != nil {
		return "", err
	}
	c, err := SanitizeSegment(crID)
	if err != nil {
		return "", fmt.Errorf("cr id: %w", err)
	}
	return filepath.Join(ds, "staging", c), nil
}

// LiveEditLog returns the append-only edit log table for a session.
func (r *Resolver) LiveEditLog(projectID, datasetID, sessionID string) (string, error) {
	ds, err := r.dataset(projectID, datasetID)
	if err != nil {
		return "", err
	}
	s, err := SanitizeSegment(sessionID)
	if err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}
	return filepath.Join(ds, "live_edit", s, "edits"), nil
}

// Import returns the dataset-scoped import directory for an upload.
func (r *Resolver) Import(projectID, datasetID, uploadID string) (string, error) {
	ds, err := r.dataset(projectID, datasetID)
	if err != nil {
		return "", err
	}
	u, err := SanitizeSegment(uploadID)
	if err != nil {
		return "", fmt.Errorf("upload id: %w", err)
	}
	return filepath.Join(ds, "imports", u), nil
}

// AuditValidationRun returns the audit directory for a validation run.
func (r *Resolver) AuditValidationRun(projectID, datasetID, runID string) (string, error) {
	ds, err := r.dataset(projectID, datasetID)
	if err != nil {
		return "", err
	}
	run, err := SanitizeSegment(runID)
	if err != nil {
		return "", fmt.Errorf("run id: %w", err)
	}
	return filepath.Join(ds, "audit", "validation_runs", run), nil
}

// AuditChangeRequest returns the audit directory for a change request.
func (r *Resolver) AuditChangeRequest(projectID, datasetID, crID string) (string, error) {
	ds, err := r.dataset(projectID, datasetID)
	if err != nil {
		return "", err
	}
	c, err := SanitizeSegment(crID)
	if err != nil {
		return "", fmt.Errorf("cr id: %w", err)
	}
	return filepath.Join(ds, "audit", "change_requests", c), nil
}

// AuditSnapshots returns the dataset snapshot audit directory.
func (r *Resolver) AuditSnapshots(projectID, datasetID string) (string, error) {
	ds, err := r.dataset(projectID, datasetID)
	if err != nil {
		return "", err
	}
	return filepath.Join(ds, "audit", "snapshots"), nil
}

// AuditHistory returns the dataset history audit directory.
func (r *Resolver) AuditHistory(projectID, datasetID string) (string, error) {
	ds, err := r.dataset(projectID, datasetID)
	if err != nil {
		return "", err
	}
	return filepath.Join(ds, "audit", "history"), nil
}

// DatasetMeta returns the path of the per-dataset metadata file.
func (r *Resolver) DatasetMeta(projectID, datasetID string) (string, error) {
	ds, err := r.dataset(projectID, datasetID)
	if err != nil {
		return "", err
	}
	return filepath.Join(ds, "dataset.yaml"), nil
}

// PendingUpload returns the root-level staging directory for an upload.
func (r *Resolver) PendingUpload(uploadID string) (string, error) {
	u, err := SanitizeSegment(uploadID)
	if err != nil {
		return "", fmt.Errorf("upload id: %w", err)
	}
	return filepath.Join(r.root, "pending_uploads", u), nil
}

// PendingUploadsRoot returns the directory that holds all pending uploads.
func (r *Resolver) PendingUploadsRoot() string {
	return filepath.Join(r.root, "pending_uploads")
}

// CatalogPath returns the path of the sqlite catalog database.
func (r *Resolver) CatalogPath() string {
	return filepath.Join(r.root, "catalog.db")
}

// EnsureDir creates a directory (and parents) idempotently.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}
