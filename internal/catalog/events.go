package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event is one entry in a CR's append-only event stream.
type Event struct {
	ID        int64           `json:"id"`
	CRID      string          `json:"cr_id"`
	EventType string          `json:"event_type"`
	Actor     string          `json:"actor,omitempty"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AppendEvent records an event. Events are never updated or deleted.
func (c *Catalog) AppendEvent(ctx context.Context, ev *Event) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO cr_events (cr_id, event_type, actor, message, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, ev.CRID, ev.EventType, ev.Actor, ev.Message,
			string(jsonOr(ev.Payload, "{}")), ev.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get event id: %w", err)
		}
		ev.ID = id
		return nil
	})
}

// ListEvents returns a CR's events in append order.
func (c *Catalog) ListEvents(ctx context.Context, crID string) ([]*Event, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, cr_id, event_type, actor, message, payload, created_at
		FROM cr_events WHERE cr_id = ? ORDER BY id
	`, crID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var ev Event
		var payload string
		if err := rows.Scan(&ev.ID, &ev.CRID, &ev.EventType, &ev.Actor,
			&ev.Message, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, &ev)
	}
	return out, rows.Err()
}
