package store

import "time"

// Trace is the connected story of one user interaction.
type Trace struct {
	TraceID  string     `json:"trace_id"`
	Events   []*Event   `json:"events"`
	Jobs     []*Job     `json:"jobs"`
	Messages []*Message `json:"messages"`
}

// Health aggregates pipeline state for the dashboard.
type Health struct {
	JobsByStatus  map[string]int `json:"jobs_by_status"`
	UnroutedIn    int            `json:"unrouted_in"`
	OutboxPending int            `json:"outbox_pending"`
	DeadLetters   int            `json:"dead_letters"`
	StuckRunning  int            `json:"stuck_running"`
	CronsEnabled  int            `json:"crons_enabled"`
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (s *Store) ListJobs(status string, limit int) ([]*Job, error) {
	if status != "" {
		return s.jobsWhere(`status = ? ORDER BY created_at DESC LIMIT ?`, status, limit)
	}
	return s.jobsWhere(`1=1 ORDER BY created_at DESC LIMIT ?`, limit)
}

// ListMessages returns messages newest first, optionally for one chat.
func (s *Store) ListMessages(chatID string, limit int) ([]*Message, error) {
	query := `SELECT ` + messageCols + ` FROM messages `
	args := []any{}
	if chatID != "" {
		query += `WHERE platform_chat_id = ? `
		args = append(args, chatID)
	}
	query += `ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ListOutbox returns outbox rows newest first.
func (s *Store) ListOutbox(limit int) ([]*OutboxRow, error) {
	rows, err := s.db.Query(`SELECT `+outboxCols+` FROM outbox
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOutbox(rows)
}

// ListCrons returns all scheduled tasks.
func (s *Store) ListCrons() ([]*Cron, error) {
	rows, err := s.db.Query(`SELECT ` + cronCols + ` FROM crons ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCrons(rows)
}

// GetTrace joins events, jobs and messages on one trace id.
func (s *Store) GetTrace(traceID string) (*Trace, error) {
	events, err := s.EventsByTrace(traceID)
	if err != nil {
		return nil, err
	}
	jobs, err := s.jobsWhere(`trace_id = ? ORDER BY created_at ASC`, traceID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT `+messageCols+` FROM messages
		WHERE trace_id = ? ORDER BY created_at ASC`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	return &Trace{TraceID: traceID, Events: events, Jobs: jobs, Messages: msgs}, nil
}

// GetHealth returns aggregate counts. Dead letters and stuck jobs are
// derived from the caller's configured thresholds.
func (s *Store) GetHealth(maxDeliveryAttempts int, stuckCutoff time.Time) (*Health, error) {
	h := &Health{JobsByStatus: map[string]int{}}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		h.JobsByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages
		WHERE direction = 'in' AND routed_at IS NULL AND is_deleted = 0`).Scan(&h.UnroutedIn); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM outbox
		WHERE processed_at IS NULL AND attempt_count < ?`, maxDeliveryAttempts).Scan(&h.OutboxPending); err != nil {
		return nil, err
	}
	var err2 error
	h.DeadLetters, err2 = s.DeadLetterCount(maxDeliveryAttempts)
	if err2 != nil {
		return nil, err2
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs
		WHERE status = 'running' AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < ?`,
		fmtTime(stuckCutoff)).Scan(&h.StuckRunning); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM crons WHERE enabled = 1`).Scan(&h.CronsEnabled); err != nil {
		return nil, err
	}
	return h, nil
}
