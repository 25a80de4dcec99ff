// Package uploads stages raw data files before they become table commits.
// Files land in a root-level pending area with a metadata sidecar; finalize
// parses the file and appends its rows to a target table. Uploads that are
// never finalized get swept after a TTL.
package uploads

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quarrydata/quarry/internal/apperr"
	"github.com/quarrydata/quarry/internal/paths"
	"github.com/quarrydata/quarry/internal/table"
)

const metaFile = "_meta.json"

// Meta is the sidecar record written next to every staged file.
type Meta struct {
	UploadID  string    `json:"upload_id"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	FilePath  string    `json:"file_path"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages the pending upload area.
type Store struct {
	resolver *paths.Resolver
	adapter  *table.Adapter
}

// NewStore creates an upload store.
func NewStore(resolver *paths.Resolver, adapter *table.Adapter) *Store {
	return &Store{resolver: resolver, adapter: adapter}
}

// NewID mints an upload id.
func NewID() string {
	return "up_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Put stages an uploaded file and writes its sidecar. The filename keeps
// only its base to stop path traversal through user input.
func (s *Store) Put(filename string, r io.Reader) (*Meta, error) {
	base := filepath.Base(strings.TrimSpace(filename))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return nil, apperr.New(apperr.KindBadRequest, "upload filename is empty")
	}

	id := NewID()
	dir, err := s.resolver.PendingUpload(id)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, err, "invalid upload id")
	}
	if err := paths.EnsureDir(dir); err != nil {
		return nil, apperr.Internal(err, "failed to create upload directory")
	}

	dst := filepath.Join(dir, base)
	f, err := os.Create(dst)
	if err != nil {
		return nil, apperr.Internal(err, "failed to create upload file")
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.RemoveAll(dir)
		return nil, apperr.Internal(err, "failed to write upload file")
	}

	m := &Meta{
		UploadID:  id,
		Filename:  base,
		Size:      size,
		FilePath:  dst,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.writeMeta(dir, m); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return m, nil
}

func (s *Store) writeMeta(dir string, m *Meta) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return apperr.Internal(err, "failed to encode upload metadata")
	}
	tmp := filepath.Join(dir, metaFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o640); err != nil {
		return apperr.Internal(err, "failed to write upload metadata")
	}
	if err := os.Rename(tmp, filepath.Join(dir, metaFile)); err != nil {
		return apperr.Internal(err, "failed to commit upload metadata")
	}
	return nil
}

// Get loads an upload's sidecar.
func (s *Store) Get(uploadID string) (*Meta, error) {
	dir, err := s.resolver.PendingUpload(uploadID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, err, "invalid upload id")
	}
	raw, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.New(apperr.KindNotFound, "upload %s not found", uploadID)
		}
		return nil, apperr.Internal(err, "failed to read upload metadata")
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, apperr.Internal(err, "corrupt upload metadata for %s", uploadID)
	}
	return &m, nil
}

// Open returns a reader over the staged file.
func (s *Store) Open(uploadID string) (io.ReadCloser, *Meta, error) {
	m, err := s.Get(uploadID)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(m.FilePath)
	if err != nil {
		return nil, nil, apperr.Internal(err, "failed to open upload %s", uploadID)
	}
	return f, m, nil
}

// Delete removes a staged upload.
func (s *Store) Delete(uploadID string) error {
	dir, err := s.resolver.PendingUpload(uploadID)
	if err != nil {
		return apperr.Wrap(apperr.KindBadRequest, err, "invalid upload id")
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return apperr.New(apperr.KindNotFound, "upload %s not found", uploadID)
	}
	if err := os.RemoveAll(dir); err != nil {
		return apperr.Internal(err, "failed to delete upload %s", uploadID)
	}
	return nil
}

// List returns the sidecars of all pending uploads, skipping directories
// whose sidecar is missing or unreadable.
func (s *Store) List() ([]*Meta, error) {
	entries, err := os.ReadDir(s.resolver.PendingUploadsRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Internal(err, "failed to list uploads")
	}
	var out []*Meta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := s.Get(e.Name())
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Finalize parses the staged file into rows, appends them to the target
// table with duplicate suppression and removes the upload on success.
func (s *Store) Finalize(ctx context.Context, uploadID, targetPath string) (*table.AppendResult, error) {
	f, m, err := s.Open(uploadID)
	if err != nil {
		return nil, err
	}
	rows, err := ParseRows(m.Filename, f)
	f.Close()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.New(apperr.KindBadRequest, "upload %s contains no rows", uploadID)
	}

	res, err := s.adapter.AppendDedup(targetPath, rows)
	if err != nil {
		return nil, err
	}
	// The data is committed; a leftover upload directory gets swept.
	_ = s.Delete(uploadID)
	return res, nil
}

// SweepExpired removes pending uploads older than the TTL and returns how
// many were removed. Directories without a readable sidecar are removed
// based on their modification time.
func (s *Store) SweepExpired(ttl time.Duration, now time.Time) (int, error) {
	root := s.resolver.PendingUploadsRoot()
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to scan pending uploads: %w", err)
	}
	cutoff := now.Add(-ttl)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		created := time.Time{}
		if m, err := s.Get(e.Name()); err == nil {
			created = m.CreatedAt
		} else if info, err := e.Info(); err == nil {
			created = info.ModTime()
		}
		if created.IsZero() || created.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return removed, fmt.Errorf("failed to sweep upload %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}
