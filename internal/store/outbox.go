package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const outboxCols = `id, trace_id, chat_id, content, attachments, reply_to,
	reply_to_message_id, processed_at, attempt_count, last_error, job_id,
	rewritten_at, created_at, updated_at`

func scanOutbox(row interface{ Scan(...any) error }) (*OutboxRow, error) {
	var o OutboxRow
	var attachments string
	var processedAt, rewrittenAt, createdAt, updatedAt sql.NullString
	err := row.Scan(&o.ID, &o.TraceID, &o.ChatID, &o.Content, &attachments, &o.ReplyTo,
		&o.ReplyToMessageID, &processedAt, &o.AttemptCount, &o.LastError, &o.JobID,
		&rewrittenAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	o.Attachments = unmarshalAttachments(attachments)
	o.ProcessedAt = scanTime(processedAt)
	o.RewrittenAt = scanTime(rewrittenAt)
	o.CreatedAt = scanTimeOr(createdAt, time.Time{})
	o.UpdatedAt = scanTimeOr(updatedAt, o.CreatedAt)
	return &o, nil
}

// EnqueueOutbox inserts a pending outbound delivery. Rows not born from a
// job (direct triage replies, audit notices, agent questions) should carry
// RewrittenAt already set so the reply rewriter skips them.
func (s *Store) EnqueueOutbox(o *OutboxRow, now time.Time) error {
	if o.ID == "" {
		o.ID = NewID()
	}
	_, err := s.db.Exec(`INSERT INTO outbox
		(id, trace_id, chat_id, content, attachments, reply_to, reply_to_message_id,
		 job_id, rewritten_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.TraceID, o.ChatID, o.Content, marshalJSON(o.Attachments), o.ReplyTo,
		o.ReplyToMessageID, o.JobID, fmtTimePtr(o.RewrittenAt), fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}

// OutboxByID fetches one outbox row.
func (s *Store) OutboxByID(id string) (*OutboxRow, error) {
	o, err := scanOutbox(s.db.QueryRow(`SELECT `+outboxCols+` FROM outbox WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

// PendingOutbox returns undelivered, rewritten rows under the attempt cap
// in creation order. Retry backoff gating happens in the delivery loop
// against UpdatedAt.
func (s *Store) PendingOutbox(maxAttempts int) ([]*OutboxRow, error) {
	rows, err := s.db.Query(`SELECT `+outboxCols+` FROM outbox
		WHERE processed_at IS NULL AND attempt_count < ? AND rewritten_at IS NOT NULL
		ORDER BY created_at ASC`, maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOutbox(rows)
}

// UnrewrittenOutbox returns job-born rows awaiting the reply rewriter.
func (s *Store) UnrewrittenOutbox() ([]*OutboxRow, error) {
	rows, err := s.db.Query(`SELECT `+outboxCols+` FROM outbox
		WHERE processed_at IS NULL AND rewritten_at IS NULL
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOutbox(rows)
}

// StampRewritten stores the rewritten content and marks the row deliverable.
func (s *Store) StampRewritten(id, content string, now time.Time) error {
	res, err := s.db.Exec(`UPDATE outbox SET content = ?, rewritten_at = ?, updated_at = ?
		WHERE id = ? AND rewritten_at IS NULL`, content, fmtTime(now), fmtTime(now), id)
	if err != nil {
		return err
	}
	return requireRow(res, "stamp rewritten")
}

// MarkDelivered finalizes a row after transport acknowledgment.
func (s *Store) MarkDelivered(id string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE outbox SET processed_at = ?, last_error = '', updated_at = ?
		WHERE id = ?`, fmtTime(now), fmtTime(now), id)
	return err
}

// MarkDeliveryFailed records a failed attempt. The row stays eligible until
// the attempt cap; then it is a dead letter.
func (s *Store) MarkDeliveryFailed(id, errMsg string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE outbox
		SET attempt_count = attempt_count + 1, last_error = ?, updated_at = ?
		WHERE id = ?`, errMsg, fmtTime(now), id)
	return err
}

// CancelOutboxForJob suppresses all undelivered rows of a cancelled job.
// Setting processed_at removes them from delivery; last_error keeps the
// reason visible.
func (s *Store) CancelOutboxForJob(jobID, reason string, now time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE outbox
		SET processed_at = ?, last_error = ?, updated_at = ?
		WHERE job_id = ? AND processed_at IS NULL`,
		fmtTime(now), "cancelled:"+reason, fmtTime(now), jobID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeadLetterCount returns the number of rows that exhausted their attempts.
func (s *Store) DeadLetterCount(maxAttempts int) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM outbox
		WHERE processed_at IS NULL AND attempt_count >= ?`, maxAttempts).Scan(&n)
	return n, err
}

func collectOutbox(rows *sql.Rows) ([]*OutboxRow, error) {
	var out []*OutboxRow
	for rows.Next() {
		o, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
