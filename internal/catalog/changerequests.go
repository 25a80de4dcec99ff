package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quarrydata/quarry/internal/apperr"
	"github.com/quarrydata/quarry/internal/validation"
)

// ChangeRequest is the durable CR record. Validation is the embedded
// summary of the latest run; Edits holds the session's proposed change
// payload (edited cells and deleted rows) captured at submission.
type ChangeRequest struct {
	ID            string             `json:"id"`
	ProjectID     string             `json:"project_id"`
	DatasetID     string             `json:"dataset_id"`
	Title         string             `json:"title"`
	Description   string             `json:"description"`
	Status        string             `json:"status"`
	CreatedBy     string             `json:"created_by"`
	SessionID     string             `json:"session_id,omitempty"`
	StagingPath   string             `json:"staging_path,omitempty"`
	PrimaryKeys   []string           `json:"primary_keys"`
	VersionBefore int64              `json:"delta_version_before"`
	VersionAfter  int64              `json:"delta_version_after"`
	MergeCommitID string             `json:"merge_commit_id,omitempty"`
	Validation    validation.Summary `json:"validation_summary"`
	Edits         json.RawMessage    `json:"edits,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

const crColumns = `id, project_id, dataset_id, title, description, status, created_by,
	session_id, staging_path, primary_keys, version_before, version_after,
	merge_commit_id, validation_summary, edits, created_at, updated_at`

// CreateChangeRequest inserts a new CR record.
func (c *Catalog) CreateChangeRequest(ctx context.Context, cr *ChangeRequest) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO change_requests (`+crColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, cr.ID, cr.ProjectID, cr.DatasetID, cr.Title, cr.Description, cr.Status, cr.CreatedBy,
			cr.SessionID, cr.StagingPath, marshalJSON(cr.PrimaryKeys, "[]"),
			cr.VersionBefore, cr.VersionAfter, cr.MergeCommitID,
			marshalJSON(cr.Validation, "{}"), string(jsonOr(cr.Edits, "{}")),
			cr.CreatedAt, cr.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert change request: %w", err)
		}
		return nil
	})
}

// UpdateChangeRequest rewrites the mutable fields of a CR.
func (c *Catalog) UpdateChangeRequest(ctx context.Context, cr *ChangeRequest) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE change_requests
			SET title = ?, description = ?, status = ?, session_id = ?, staging_path = ?,
				primary_keys = ?, version_before = ?, version_after = ?, merge_commit_id = ?,
				validation_summary = ?, edits = ?, updated_at = ?
			WHERE id = ?
		`, cr.Title, cr.Description, cr.Status, cr.SessionID, cr.StagingPath,
			marshalJSON(cr.PrimaryKeys, "[]"), cr.VersionBefore, cr.VersionAfter,
			cr.MergeCommitID, marshalJSON(cr.Validation, "{}"),
			string(jsonOr(cr.Edits, "{}")), cr.UpdatedAt, cr.ID)
		if err != nil {
			return fmt.Errorf("failed to update change request: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return apperr.New(apperr.KindNotFound, "change request %s not found", cr.ID)
		}
		return nil
	})
}

// GetChangeRequest loads one CR by id.
func (c *Catalog) GetChangeRequest(ctx context.Context, id string) (*ChangeRequest, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT `+crColumns+` FROM change_requests WHERE id = ?
	`, id)
	cr, err := scanChangeRequest(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "change request %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load change request %s: %w", id, err)
	}
	return cr, nil
}

// ListChangeRequests returns CRs for a dataset, newest first. An empty
// status matches every status.
func (c *Catalog) ListChangeRequests(ctx context.Context, projectID, datasetID, status string) ([]*ChangeRequest, error) {
	query := `SELECT ` + crColumns + ` FROM change_requests WHERE project_id = ? AND dataset_id = ?`
	args := []any{projectID, datasetID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list change requests: %w", err)
	}
	defer rows.Close()

	var out []*ChangeRequest
	for rows.Next() {
		cr, err := scanChangeRequest(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change request: %w", err)
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

// SessionHasChangeRequest reports whether any CR references the session.
func (c *Catalog) SessionHasChangeRequest(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM change_requests WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count session change requests: %w", err)
	}
	return n > 0, nil
}

// AcquireMergeLock flips the CR's merging flag. It returns false when
// another merge already holds the lock.
func (c *Catalog) AcquireMergeLock(ctx context.Context, id string) (bool, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE change_requests SET merging = 1 WHERE id = ? AND merging = 0
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to acquire merge lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseMergeLock clears the merging flag.
func (c *Catalog) ReleaseMergeLock(ctx context.Context, id string) error {
	if _, err := c.db.ExecContext(ctx,
		`UPDATE change_requests SET merging = 0 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to release merge lock: %w", err)
	}
	return nil
}

func scanChangeRequest(scan func(dest ...any) error) (*ChangeRequest, error) {
	var cr ChangeRequest
	var keys, summary, edits string
	if err := scan(&cr.ID, &cr.ProjectID, &cr.DatasetID, &cr.Title, &cr.Description,
		&cr.Status, &cr.CreatedBy, &cr.SessionID, &cr.StagingPath, &keys,
		&cr.VersionBefore, &cr.VersionAfter, &cr.MergeCommitID, &summary, &edits,
		&cr.CreatedAt, &cr.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(keys), &cr.PrimaryKeys); err != nil {
		return nil, fmt.Errorf("corrupt primary_keys: %w", err)
	}
	if err := json.Unmarshal([]byte(summary), &cr.Validation); err != nil {
		return nil, fmt.Errorf("corrupt validation_summary: %w", err)
	}
	cr.Edits = json.RawMessage(edits)
	return &cr, nil
}

func jsonOr(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}
