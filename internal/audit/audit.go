// Package audit writes immutable JSON artifacts under a dataset's audit
// tree. Every artifact is a single UTF-8 document written with the
// temp-file-then-rename discipline, so readers never observe a partial
// file. Artifacts are never overwritten; a second write of the same name
// lands under a timestamped variant.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quarrydata/quarry/internal/paths"
)

// Artifact filenames used by the merge pipeline.
const (
	FileMergeResult = "merge_result.json"
	FileDiff        = "diff.json"
	FileConflicts   = "conflicts.json"
	FileSummary     = "summary.json"
	FileFull        = "full.json"
)

// Writer persists audit artifacts.
type Writer struct {
	resolver *paths.Resolver
}

// NewWriter creates a writer over the given path resolver.
func NewWriter(r *paths.Resolver) *Writer {
	return &Writer{resolver: r}
}

// WriteChangeRequest writes one artifact into a CR's audit directory and
// returns the path actually written.
func (w *Writer) WriteChangeRequest(projectID, datasetID, crID, name string, doc any) (string, error) {
	dir, err := w.resolver.AuditChangeRequest(projectID, datasetID, crID)
	if err != nil {
		return "", err
	}
	return writeOnce(dir, name, doc)
}

// WriteValidationRun writes the summary and full documents for one run.
func (w *Writer) WriteValidationRun(projectID, datasetID, runID string, summary, full any) error {
	dir, err := w.resolver.AuditValidationRun(projectID, datasetID, runID)
	if err != nil {
		return err
	}
	if _, err := writeOnce(dir, FileSummary, summary); err != nil {
		return err
	}
	_, err = writeOnce(dir, FileFull, full)
	return err
}

// WriteSnapshot records a snapshot document in the dataset's snapshot
// audit directory.
func (w *Writer) WriteSnapshot(projectID, datasetID, name string, doc any) (string, error) {
	dir, err := w.resolver.AuditSnapshots(projectID, datasetID)
	if err != nil {
		return "", err
	}
	return writeOnce(dir, name, doc)
}

// ReadArtifact loads one artifact back. Intended for handlers that expose
// audit documents over HTTP.
func ReadArtifact(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read audit artifact: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("corrupt audit artifact %s: %w", path, err)
	}
	return nil
}

// writeOnce writes doc as dir/name atomically. If name already exists the
// document is written under a timestamped variant instead, preserving the
// original.
func writeOnce(dir, name string, doc any) (string, error) {
	if err := paths.EnsureDir(dir); err != nil {
		return "", err
	}
	target := filepath.Join(dir, name)
	if _, err := os.Stat(target); err == nil {
		stamp := time.Now().UTC().Format("20060102T150405")
		ext := filepath.Ext(name)
		target = filepath.Join(dir, strings.TrimSuffix(name, ext)+"_"+stamp+ext)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal audit document: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".audit-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp audit file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write audit document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close audit document: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to finalize audit document: %w", err)
	}
	return target, nil
}
