// Package tablelog implements the versioned columnar table log.
//
// A table is a directory with two subdirectories: _log/ holds one JSON
// commit document per version and _parts/ holds immutable JSONL part files.
// Every commit lists the complete set of part files that make up the table
// at that version, so time travel and restore are a matter of reading an
// older commit. Parts are never deleted (vacuum is out of scope), which
// keeps the full history window readable.
//
// Commits are serialized with a file lock; readers resolve the head by
// scanning _log/ and only ever touch immutable files, so a read is always
// snapshot-consistent against a single version.
package tablelog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// Column types supported by the log. Unknown external types collapse to
// TypeString at the adapter layer.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
)

// Column is a named, typed column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Schema is the ordered column list of a table version.
type Schema []Column

// Names returns the column names in schema order.
func (s Schema) Names() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = c.Name
	}
	return out
}

// Lookup returns the column with the given name.
func (s Schema) Lookup(name string) (Column, bool) {
	for _, c := range s {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Row is a single record keyed by column name.
type Row map[string]any

// Operation names recorded in commits.
const (
	OpCreateTable = "CREATE TABLE"
	OpWrite       = "WRITE"
	OpMerge       = "MERGE"
	OpRestore     = "RESTORE"
)

// Write modes recorded alongside OpWrite.
const (
	ModeAppend    = "append"
	ModeOverwrite = "overwrite"
)

// Commit is one version of the table. Parts is the complete list of part
// files constituting the table state at this version.
type Commit struct {
	Version   int64            `json:"version"`
	Operation string           `json:"operation"`
	Mode      string           `json:"mode,omitempty"`
	Metrics   map[string]int64 `json:"operation_metrics"`
	Timestamp time.Time        `json:"timestamp"`
	Schema    Schema           `json:"schema"`
	Parts     []string         `json:"parts"`
}

// Sentinel errors. Callers classify them at the adapter boundary.
var (
	ErrNoTable         = errors.New("table does not exist")
	ErrVersionNotFound = errors.New("version not found")
)

const (
	logDir   = "_log"
	partsDir = "_parts"
	lockName = ".commit.lock"
)

// Table is a handle on a table directory. The handle itself is stateless;
// every operation resolves the head from disk.
type Table struct {
	dir string
}

// Open returns a handle for dir. The table need not exist yet.
func Open(dir string) *Table {
	return &Table{dir: dir}
}

// Dir returns the table directory.
func (t *Table) Dir() string { return t.dir }

// Exists reports whether the table has at least one commit.
func (t *Table) Exists() bool {
	v, err := t.headVersion()
	return err == nil && v >= 0
}

func commitFileName(version int64) string {
	return fmt.Sprintf("v%010d.json", version)
}

func (t *Table) commitPath(version int64) string {
	return filepath.Join(t.dir, logDir, commitFileName(version))
}

// headVersion scans _log/ for the highest commit. Returns ErrNoTable when
// the log directory is absent or empty.
func (t *Table) headVersion() (int64, error) {
	entries, err := os.ReadDir(filepath.Join(t.dir, logDir))
	if err != nil {
		if os.IsNotExist(err) {
			return -1, ErrNoTable
		}
		return -1, fmt.Errorf("failed to read log dir: %w", err)
	}
	head := int64(-1)
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".json") {
			continue
		}
		var v int64
		if _, err := fmt.Sscanf(name, "v%d.json", &v); err != nil {
			continue
		}
		if v > head {
			head = v
		}
	}
	if head < 0 {
		return -1, ErrNoTable
	}
	return head, nil
}

// Version returns the head version.
func (t *Table) Version() (int64, error) {
	return t.headVersion()
}

// ReadCommit loads the commit document for a version.
func (t *Table) ReadCommit(version int64) (*Commit, error) {
	data, err := os.ReadFile(t.commitPath(version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("version %d: %w", version, ErrVersionNotFound)
		}
		return nil, fmt.Errorf("failed to read commit %d: %w", version, err)
	}
	var c Commit
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("corrupt commit %d: %w", version, err)
	}
	return &c, nil
}

// Head returns the head commit.
func (t *Table) Head() (*Commit, error) {
	v, err := t.headVersion()
	if err != nil {
		return nil, err
	}
	return t.ReadCommit(v)
}

// History returns all commits, newest first.
func (t *Table) History() ([]*Commit, error) {
	head, err := t.headVersion()
	if err != nil {
		return nil, err
	}
	out := make([]*Commit, 0, head+1)
	for v := head; v >= 0; v-- {
		c, err := t.ReadCommit(v)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// lock acquires the commit lock, creating the table directories if needed.
func (t *Table) lock() (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Join(t.dir, logDir), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(t.dir, partsDir), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create parts dir: %w", err)
	}
	fl := flock.New(filepath.Join(t.dir, logDir, lockName))
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("failed to acquire commit lock: %w", err)
	}
	return fl, nil
}

// writePart writes rows as a JSONL part file and returns its name.
func (t *Table) writePart(rows []Row) (string, error) {
	name := uuid.NewString() + ".jsonl"
	path := filepath.Join(t.dir, partsDir, name)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create part file: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			f.Close()
			os.Remove(tmp)
			return "", fmt.Errorf("failed to encode part row: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to close part file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize part file: %w", err)
	}
	return name, nil
}

// writeCommit persists a commit document atomically. The commit file is the
// commit point: once renamed into place the version exists, before that it
// does not.
func (t *Table) writeCommit(c *Commit) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal commit: %w", err)
	}
	path := t.commitPath(c.Version)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write commit: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize commit: %w", err)
	}
	return nil
}

// Create writes version 0 with an empty part list. It fails if the table
// already exists; use Ensure for create-if-absent semantics.
func (t *Table) Create(schema Schema) (*Commit, error) {
	fl, err := t.lock()
	if err != nil {
		return nil, err
	}
	defer fl.Unlock()

	if _, err := t.headVersion(); err == nil {
		return nil, fmt.Errorf("table %s already exists", t.dir)
	}
	c := &Commit{
		Version:   0,
		Operation: OpCreateTable,
		Metrics:   map[string]int64{"numOutputRows": 0, "numTotalRows": 0},
		Timestamp: time.Now().UTC(),
		Schema:    schema,
		Parts:     nil,
	}
	if err := t.writeCommit(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Ensure creates the table if it does not exist and returns the head commit.
func (t *Table) Ensure(schema Schema) (*Commit, error) {
	if head, err := t.Head(); err == nil {
		return head, nil
	} else if !errors.Is(err, ErrNoTable) {
		return nil, err
	}
	c, err := t.Create(schema)
	if err != nil {
		// Lost a create race; the head is valid either way.
		if head, herr := t.Head(); herr == nil {
			return head, nil
		}
		return nil, err
	}
	return c, nil
}

// Append commits rows as a new version on top of the head. Rows must
// already be aligned to the head schema; the schema is carried forward
// unchanged.
func (t *Table) Append(rows []Row) (*Commit, error) {
	fl, err := t.lock()
	if err != nil {
		return nil, err
	}
	defer fl.Unlock()

	head, err := t.Head()
	if err != nil {
		return nil, err
	}
	part, err := t.writePart(rows)
	if err != nil {
		return nil, err
	}
	total := head.Metrics["numTotalRows"] + int64(len(rows))
	c := &Commit{
		Version:   head.Version + 1,
		Operation: OpWrite,
		Mode:      ModeAppend,
		Metrics: map[string]int64{
			"numOutputRows": int64(len(rows)),
			"numTotalRows":  total,
		},
		Timestamp: time.Now().UTC(),
		Schema:    head.Schema,
		Parts:     append(append([]string(nil), head.Parts...), part),
	}
	if err := t.writeCommit(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Overwrite replaces the table contents (and schema) as a new version. If
// the table does not exist yet, version 0 is the overwrite itself.
func (t *Table) Overwrite(rows []Row, schema Schema) (*Commit, error) {
	fl, err := t.lock()
	if err != nil {
		return nil, err
	}
	defer fl.Unlock()

	version := int64(0)
	if head, err := t.headVersion(); err == nil {
		version = head + 1
	} else if !errors.Is(err, ErrNoTable) {
		return nil, err
	}
	part, err := t.writePart(rows)
	if err != nil {
		return nil, err
	}
	c := &Commit{
		Version:   version,
		Operation: OpWrite,
		Mode:      ModeOverwrite,
		Metrics: map[string]int64{
			"numOutputRows": int64(len(rows)),
			"numTotalRows":  int64(len(rows)),
		},
		Timestamp: time.Now().UTC(),
		Schema:    schema,
		Parts:     []string{part},
	}
	if err := t.writeCommit(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Restore commits a new version whose content equals the table at version.
// Fails with ErrVersionNotFound when the target commit is gone.
func (t *Table) Restore(version int64) (*Commit, error) {
	fl, err := t.lock()
	if err != nil {
		return nil, err
	}
	defer fl.Unlock()

	head, err := t.Head()
	if err != nil {
		return nil, err
	}
	target, err := t.ReadCommit(version)
	if err != nil {
		return nil, err
	}
	// Verify the target's parts still exist (a vacuumed table would be
	// missing them).
	for _, p := range target.Parts {
		if _, err := os.Stat(filepath.Join(t.dir, partsDir, p)); err != nil {
			return nil, fmt.Errorf("part %s of version %d: %w", p, version, ErrVersionNotFound)
		}
	}
	c := &Commit{
		Version:   head.Version + 1,
		Operation: OpRestore,
		Metrics: map[string]int64{
			"numTotalRows":    target.Metrics["numTotalRows"],
			"numPreviousRows": head.Metrics["numTotalRows"],
			"restoredVersion": version,
		},
		Timestamp: time.Now().UTC(),
		Schema:    target.Schema,
		Parts:     append([]string(nil), target.Parts...),
	}
	if err := t.writeCommit(c); err != nil {
		return nil, err
	}
	return c, nil
}
