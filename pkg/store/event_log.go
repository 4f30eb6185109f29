package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mnemos-labs/mnemos/pkg/event"
)

// EventLog is the append-only record of minted events, keyed by the same
// monotonic id the router assigns. Durable subscribers replay from it via
// ReadAfter and their last_event_id cursor.
type EventLog struct {
	mgr *Manager
}

const eventLogSchema = `
CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY,
	event_type  TEXT NOT NULL,
	source      TEXT NOT NULL DEFAULT '',
	project     TEXT NOT NULL DEFAULT '',
	importance  INTEGER NOT NULL DEFAULT 0,
	payload     JSON,
	created_at  TEXT NOT NULL
);
`

// NewEventLog migrates the events table and returns the log.
func NewEventLog(ctx context.Context, mgr *Manager) (*EventLog, error) {
	_, err := mgr.Write(ctx, func(conn *sql.Conn) (any, error) {
		_, err := conn.ExecContext(context.Background(), eventLogSchema)
		return nil, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: migrate events: %w", err)
	}
	return &EventLog{mgr: mgr}, nil
}

// Append persists a minted event. Writer goroutine only: the router calls
// this from its post-commit hook, so appends land in exactly commit order
// without extra locking.
func (l *EventLog) Append(ev *event.Event) error {
	var payload any
	if ev.Payload != nil {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("store: encode event %d payload: %w", ev.ID, err)
		}
		payload = string(data)
	}
	err := l.mgr.ExecOnWriter(
		`INSERT INTO events (id, event_type, source, project, importance, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), ev.Source, ev.Project, ev.Importance, payload, formatTime(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("store: append event %d: %w", ev.ID, err)
	}
	return nil
}

// MaxID returns the highest persisted event id, or zero for an empty log.
func (l *EventLog) MaxID(ctx context.Context) (int64, error) {
	var maxID int64
	err := l.mgr.Read(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`)
		return row.Scan(&maxID)
	})
	if err != nil {
		return 0, fmt.Errorf("store: read max event id: %w", err)
	}
	return maxID, nil
}

// ReadAfter returns up to limit events with id > after, in id order.
func (l *EventLog) ReadAfter(ctx context.Context, after int64, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 256
	}
	var events []event.Event
	err := l.mgr.Read(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT id, event_type, source, project, importance, payload, created_at
			 FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, after, limit)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		events, err = collectEvents(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: read events after %d: %w", after, err)
	}
	return events, nil
}

// Prune deletes events with id < before and returns the number removed.
// Retention is a caller policy; the log itself keeps everything by default.
func (l *EventLog) Prune(ctx context.Context, before int64) (int64, error) {
	value, err := l.mgr.WriteTx(ctx, func(tx *sql.Tx) (any, error) {
		res, err := tx.Exec(`DELETE FROM events WHERE id < ?`, before)
		if err != nil {
			return nil, err
		}
		return res.RowsAffected()
	})
	if err != nil {
		return 0, fmt.Errorf("store: prune events before %d: %w", before, err)
	}
	return value.(int64), nil
}

// collectEvents scans event rows, decoding payloads by event type.
func collectEvents(rows *sql.Rows) ([]event.Event, error) {
	var events []event.Event
	for rows.Next() {
		var (
			ev        event.Event
			eventType string
			payload   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&ev.ID, &eventType, &ev.Source, &ev.Project, &ev.Importance, &payload, &createdAt); err != nil {
			return nil, err
		}
		ev.Type = event.Type(eventType)
		if payload.Valid {
			decoded, err := event.DecodePayload(ev.Type, json.RawMessage(payload.String))
			if err != nil {
				return nil, fmt.Errorf("corrupt payload for event %d: %w", ev.ID, err)
			}
			ev.Payload = decoded
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt timestamp for event %d: %w", ev.ID, err)
		}
		ev.Timestamp = ts
		events = append(events, ev)
	}
	return events, rows.Err()
}
