package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quarrydata/quarry/internal/apperr"
	"github.com/quarrydata/quarry/internal/rules"
)

// Session is the durable live-edit session record. The cell edits
// themselves live in the session's edit-log table; the record only holds
// workflow state and rollups.
type Session struct {
	ID              string       `json:"id"`
	ProjectID       string       `json:"project_id"`
	DatasetID       string       `json:"dataset_id"`
	UserID          string       `json:"user_id"`
	Mode            string       `json:"mode"`
	SelectedRows    []string     `json:"selected_rows,omitempty"`
	Status          string       `json:"status"`
	ChangeRequestID string       `json:"change_request_id,omitempty"`
	EditableColumns []string     `json:"editable_columns"`
	Rules           []rules.Rule `json:"rules,omitempty"`
	RowIDColumn     string       `json:"row_id_column"`
	EditCount       int          `json:"edit_count"`
	CellsChanged    int          `json:"cells_changed"`
	RowsAffected    int          `json:"rows_affected"`
	ValidEdits      int          `json:"valid_edits"`
	InvalidEdits    int          `json:"invalid_edits"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	ExpiresAt       time.Time    `json:"expires_at"`
	LastEditAt      *time.Time   `json:"last_edit_at,omitempty"`
}

const sessionColumns = `id, project_id, dataset_id, user_id, mode, selected_rows,
	status, change_request_id, editable_columns, rules, row_id_column,
	edit_count, cells_changed, rows_affected, valid_edits, invalid_edits,
	created_at, updated_at, expires_at, last_edit_at`

// CreateSession inserts a session record.
func (c *Catalog) CreateSession(ctx context.Context, s *Session) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, s.ID, s.ProjectID, s.DatasetID, s.UserID, s.Mode,
			marshalJSON(s.SelectedRows, "[]"), s.Status, s.ChangeRequestID,
			marshalJSON(s.EditableColumns, "[]"), marshalJSON(s.Rules, "[]"),
			s.RowIDColumn, s.EditCount, s.CellsChanged, s.RowsAffected,
			s.ValidEdits, s.InvalidEdits, s.CreatedAt, s.UpdatedAt,
			s.ExpiresAt, s.LastEditAt)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// UpdateSession rewrites the mutable session fields.
func (c *Catalog) UpdateSession(ctx context.Context, s *Session) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?, change_request_id = ?, editable_columns = ?, rules = ?,
				row_id_column = ?, edit_count = ?, cells_changed = ?,
				rows_affected = ?, valid_edits = ?, invalid_edits = ?,
				updated_at = ?, expires_at = ?, last_edit_at = ?
			WHERE id = ?
		`, s.Status, s.ChangeRequestID, marshalJSON(s.EditableColumns, "[]"),
			marshalJSON(s.Rules, "[]"), s.RowIDColumn, s.EditCount,
			s.CellsChanged, s.RowsAffected, s.ValidEdits, s.InvalidEdits,
			s.UpdatedAt, s.ExpiresAt, s.LastEditAt, s.ID)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return apperr.New(apperr.KindNotFound, "session %s not found", s.ID)
		}
		return nil
	})
}

// GetSession loads one session by id.
func (c *Catalog) GetSession(ctx context.Context, id string) (*Session, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = ?
	`, id)
	s, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return s, nil
}

// ListSessions returns sessions for a dataset. An empty status matches all.
func (c *Catalog) ListSessions(ctx context.Context, projectID, datasetID, status string) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE project_id = ? AND dataset_id = ?`
	args := []any{projectID, datasetID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	return c.querySessions(ctx, query, args...)
}

// ListExpiredSessions returns sessions in the given status whose TTL has
// passed as of now.
func (c *Catalog) ListExpiredSessions(ctx context.Context, status string, now time.Time) ([]*Session, error) {
	return c.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = ? AND expires_at < ?
		ORDER BY expires_at
	`, status, now)
}

// DeleteSession removes a session record.
func (c *Catalog) DeleteSession(ctx context.Context, id string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return apperr.New(apperr.KindNotFound, "session %s not found", id)
		}
		return nil
	})
}

func (c *Catalog) querySessions(ctx context.Context, query string, args ...any) ([]*Session, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(scan func(dest ...any) error) (*Session, error) {
	var s Session
	var selRows, cols, ruleJSON string
	var lastEdit sql.NullTime
	if err := scan(&s.ID, &s.ProjectID, &s.DatasetID, &s.UserID, &s.Mode, &selRows,
		&s.Status, &s.ChangeRequestID, &cols, &ruleJSON, &s.RowIDColumn,
		&s.EditCount, &s.CellsChanged, &s.RowsAffected, &s.ValidEdits,
		&s.InvalidEdits, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt, &lastEdit); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(selRows), &s.SelectedRows); err != nil {
		return nil, fmt.Errorf("corrupt selected_rows: %w", err)
	}
	if err := json.Unmarshal([]byte(cols), &s.EditableColumns); err != nil {
		return nil, fmt.Errorf("corrupt editable_columns: %w", err)
	}
	if err := json.Unmarshal([]byte(ruleJSON), &s.Rules); err != nil {
		return nil, fmt.Errorf("corrupt rules: %w", err)
	}
	if lastEdit.Valid {
		t := lastEdit.Time
		s.LastEditAt = &t
	}
	return &s, nil
}
