// Package catalog is the durable store for change requests, their event
// streams and live-edit sessions. It is a single sqlite database at the
// data root; table contents live in the table log, only workflow state
// lives here.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const schema = `
CREATE TABLE IF NOT EXISTS change_requests (
	id                  TEXT PRIMARY KEY,
	project_id          TEXT NOT NULL,
	dataset_id          TEXT NOT NULL,
	title               TEXT NOT NULL DEFAULT '',
	description         TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	created_by          TEXT NOT NULL DEFAULT '',
	session_id          TEXT NOT NULL DEFAULT '',
	staging_path        TEXT NOT NULL DEFAULT '',
	primary_keys        TEXT NOT NULL DEFAULT '[]',
	version_before      INTEGER NOT NULL DEFAULT -1,
	version_after       INTEGER NOT NULL DEFAULT -1,
	merge_commit_id     TEXT NOT NULL DEFAULT '',
	merging             INTEGER NOT NULL DEFAULT 0,
	validation_summary  TEXT NOT NULL DEFAULT '{}',
	edits               TEXT NOT NULL DEFAULT '{}',
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cr_dataset ON change_requests(project_id, dataset_id, status);

CREATE TABLE IF NOT EXISTS cr_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	cr_id       TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	actor       TEXT NOT NULL DEFAULT '',
	message     TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL DEFAULT '{}',
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_cr ON cr_events(cr_id, id);

CREATE TABLE IF NOT EXISTS sessions (
	id                 TEXT PRIMARY KEY,
	project_id         TEXT NOT NULL,
	dataset_id         TEXT NOT NULL,
	user_id            TEXT NOT NULL DEFAULT '',
	mode               TEXT NOT NULL DEFAULT 'FULL_TABLE',
	selected_rows      TEXT NOT NULL DEFAULT '[]',
	status             TEXT NOT NULL,
	change_request_id  TEXT NOT NULL DEFAULT '',
	editable_columns   TEXT NOT NULL DEFAULT '[]',
	rules              TEXT NOT NULL DEFAULT '[]',
	row_id_column      TEXT NOT NULL DEFAULT '',
	edit_count         INTEGER NOT NULL DEFAULT 0,
	cells_changed      INTEGER NOT NULL DEFAULT 0,
	rows_affected      INTEGER NOT NULL DEFAULT 0,
	valid_edits        INTEGER NOT NULL DEFAULT 0,
	invalid_edits      INTEGER NOT NULL DEFAULT 0,
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL,
	expires_at         TIMESTAMP NOT NULL,
	last_edit_at       TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sessions_dataset ON sessions(project_id, dataset_id, status);
CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(status, expires_at);
`

// Catalog wraps the sqlite database.
type Catalog struct {
	db *sql.DB
}

// Open opens (and migrates) the catalog at path.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close releases the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Ping verifies the catalog answers queries.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// withTx runs fn inside a transaction, rolling back on error.
func (c *Catalog) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// marshalJSON renders v for a TEXT column, defaulting to fallback on nil.
func marshalJSON(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(data)
}
