// Package dataset loads per-dataset metadata: the row-identifier column,
// editable columns, merge keys and business rules. Metadata lives in a
// dataset.yaml file next to the tables; a missing file yields defaults.
package dataset

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quarrydata/quarry/internal/paths"
	"github.com/quarrydata/quarry/internal/rules"
	"github.com/quarrydata/quarry/internal/tablelog"
)

// Meta is the dataset-level configuration.
type Meta struct {
	// RowIDColumn names the column that identifies a row for live edits.
	// Empty means resolve by convention against the table schema.
	RowIDColumn string `yaml:"row_id_column"`
	// EditableColumns restricts live editing. Empty means every column
	// except the row identifier.
	EditableColumns []string `yaml:"editable_columns"`
	// PrimaryKeys are the merge keys for change requests.
	PrimaryKeys []string `yaml:"primary_keys"`
	// Rules are the dataset's business rules.
	Rules []rules.Rule `yaml:"rules"`
}

// Load reads dataset.yaml for the coordinates. A missing file returns an
// empty Meta, not an error.
func Load(r *paths.Resolver, projectID, datasetID string) (*Meta, error) {
	path, err := r.DatasetMeta(projectID, datasetID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Meta{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset metadata: %w", err)
	}
	var m Meta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid dataset metadata %s: %w", path, err)
	}
	return &m, nil
}

// Save writes dataset.yaml for the coordinates.
func Save(r *paths.Resolver, projectID, datasetID string, m *Meta) error {
	path, err := r.DatasetMeta(projectID, datasetID)
	if err != nil {
		return err
	}
	ds, err := r.Dataset(projectID, datasetID)
	if err != nil {
		return err
	}
	if err := paths.EnsureDir(ds); err != nil {
		return err
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal dataset metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write dataset metadata: %w", err)
	}
	return nil
}

// rowIDCandidates are tried in order when no row id column is configured.
var rowIDCandidates = []string{"id", "row_id", "_row_id"}

// ResolveRowID picks the row-identifier column for a schema: the
// configured column if present, otherwise the first conventional candidate
// found in the schema.
func (m *Meta) ResolveRowID(schema tablelog.Schema) (string, error) {
	if m.RowIDColumn != "" {
		if _, ok := schema.Lookup(m.RowIDColumn); !ok {
			return "", fmt.Errorf("configured row id column %q not in schema", m.RowIDColumn)
		}
		return m.RowIDColumn, nil
	}
	for _, c := range rowIDCandidates {
		if _, ok := schema.Lookup(c); ok {
			return c, nil
		}
	}
	return "", fmt.Errorf("no row id column: configure row_id_column or add one of %v", rowIDCandidates)
}

// ResolveEditable returns the editable column set for a schema: the
// configured list, or every column except the row identifier.
func (m *Meta) ResolveEditable(schema tablelog.Schema, rowID string) []string {
	if len(m.EditableColumns) > 0 {
		return m.EditableColumns
	}
	var out []string
	for _, c := range schema {
		if c.Name != rowID {
			out = append(out, c.Name)
		}
	}
	return out
}

// ResolveKeys returns the merge keys, defaulting to the row identifier.
func (m *Meta) ResolveKeys(rowID string) []string {
	if len(m.PrimaryKeys) > 0 {
		return m.PrimaryKeys
	}
	return []string{rowID}
}
