package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// AppendEvent writes one record to the append-only event stream and
// notifies the event hook if one is installed.
func (s *Store) AppendEvent(traceID, source, action string, payload map[string]any, now time.Time) error {
	body := "{}"
	if len(payload) > 0 {
		if b, err := json.Marshal(payload); err == nil {
			body = string(b)
		}
	}
	res, err := s.db.Exec(`INSERT INTO events (trace_id, source, action, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`, traceID, source, action, body, fmtTime(now))
	if err != nil {
		return err
	}
	if s.eventHook != nil {
		id, _ := res.LastInsertId()
		s.eventHook(Event{
			ID:        id,
			TraceID:   traceID,
			Source:    source,
			Action:    action,
			Payload:   payload,
			CreatedAt: now.UTC(),
		})
	}
	return nil
}

// EventsByTrace returns the trace's events ordered by created_at with id as
// tiebreak.
func (s *Store) EventsByTrace(traceID string) ([]*Event, error) {
	rows, err := s.db.Query(`SELECT id, trace_id, source, action, payload, created_at
		FROM events WHERE trace_id = ? ORDER BY created_at ASC, id ASC`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// RecentEvents returns the newest events, newest first.
func (s *Store) RecentEvents(limit int) ([]*Event, error) {
	rows, err := s.db.Query(`SELECT id, trace_id, source, action, payload, created_at
		FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		var e Event
		var payload string
		var createdAt sql.NullString
		if err := rows.Scan(&e.ID, &e.TraceID, &e.Source, &e.Action, &payload, &createdAt); err != nil {
			return nil, err
		}
		if payload != "" && payload != "{}" {
			_ = json.Unmarshal([]byte(payload), &e.Payload)
		}
		e.CreatedAt = scanTimeOr(createdAt, time.Time{})
		out = append(out, &e)
	}
	return out, rows.Err()
}
