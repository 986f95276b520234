package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row lookup misses.
var ErrNotFound = errors.New("store: not found")

const messageCols = `id, trace_id, platform_id, platform_chat_id, platform_sender_id,
	direction, content, attachments, content_version, audit_processed_version,
	routed_at, audit_processed_at, is_deleted, reply_to_id, job_id, rewritten_at,
	created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var platformID, attachments sql.NullString
	var routedAt, auditAt, rewrittenAt, createdAt, updatedAt sql.NullString
	var isDeleted int
	err := row.Scan(&m.ID, &m.TraceID, &platformID, &m.PlatformChatID, &m.PlatformSenderID,
		&m.Direction, &m.Content, &attachments, &m.ContentVersion, &m.AuditProcessedVersion,
		&routedAt, &auditAt, &isDeleted, &m.ReplyToID, &m.JobID, &rewrittenAt,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	m.PlatformID = platformID.String
	m.Attachments = unmarshalAttachments(attachments.String)
	m.RoutedAt = scanTime(routedAt)
	m.AuditProcessedAt = scanTime(auditAt)
	m.RewrittenAt = scanTime(rewrittenAt)
	m.IsDeleted = isDeleted != 0
	m.CreatedAt = scanTimeOr(createdAt, time.Time{})
	m.UpdatedAt = scanTimeOr(updatedAt, m.CreatedAt)
	return &m, nil
}

// UpsertInbound records an inbound message keyed by platform_id.
//
// A new platform_id inserts a fresh row inheriting the trace id of the
// chat's current unrouted batch (or minting one). A known platform_id with
// identical content is a no-op; changed content or a previously deleted
// message bumps content_version and undeletes, which the Audit loop later
// reconciles as an edit.
func (s *Store) UpsertInbound(m *Message, now time.Time) (*Message, bool, error) {
	existing, err := s.MessageByPlatformID(m.PlatformID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if existing != nil {
		if existing.Content == m.Content && !existing.IsDeleted {
			return existing, false, nil
		}
		_, err := s.db.Exec(`UPDATE messages
			SET content = ?, content_version = content_version + 1, is_deleted = 0, updated_at = ?
			WHERE id = ?`, m.Content, fmtTime(now), existing.ID)
		if err != nil {
			return nil, false, fmt.Errorf("apply message edit: %w", err)
		}
		edited, err := s.MessageByID(existing.ID)
		return edited, false, err
	}

	if m.ID == "" {
		m.ID = NewID()
	}
	if m.TraceID == "" {
		m.TraceID = s.batchTraceID(m.PlatformChatID)
	}
	if m.Direction == "" {
		m.Direction = DirectionIn
	}
	_, err = s.db.Exec(`INSERT INTO messages
		(id, trace_id, platform_id, platform_chat_id, platform_sender_id, direction,
		 content, attachments, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(platform_id) DO NOTHING`,
		m.ID, m.TraceID, m.PlatformID, m.PlatformChatID, m.PlatformSenderID, m.Direction,
		m.Content, marshalJSON(m.Attachments), fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, false, fmt.Errorf("insert inbound message: %w", err)
	}
	inserted, err := s.MessageByPlatformID(m.PlatformID)
	if err != nil {
		return nil, false, err
	}
	return inserted, inserted.ID == m.ID, nil
}

// batchTraceID returns the trace id of the oldest unrouted message in the
// chat so a typing burst shares one trace, or mints a fresh id.
func (s *Store) batchTraceID(chatID string) string {
	var traceID string
	err := s.db.QueryRow(`SELECT trace_id FROM messages
		WHERE platform_chat_id = ? AND direction = 'in' AND routed_at IS NULL AND is_deleted = 0
		ORDER BY created_at ASC LIMIT 1`, chatID).Scan(&traceID)
	if err != nil || traceID == "" {
		return NewTraceID()
	}
	return traceID
}

// InsertOutbound records the companion row for a delivered outbox entry.
func (s *Store) InsertOutbound(m *Message, now time.Time) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	m.Direction = DirectionOut
	var platformID any
	if m.PlatformID != "" {
		platformID = m.PlatformID
	}
	_, err := s.db.Exec(`INSERT INTO messages
		(id, trace_id, platform_id, platform_chat_id, platform_sender_id, direction,
		 content, attachments, reply_to_id, job_id, rewritten_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'out', ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TraceID, platformID, m.PlatformChatID, m.PlatformSenderID,
		m.Content, marshalJSON(m.Attachments), m.ReplyToID, m.JobID,
		fmtTimePtr(m.RewrittenAt), fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("insert outbound message: %w", err)
	}
	return nil
}

// MarkMessageDeleted flags a message as retracted by the user.
func (s *Store) MarkMessageDeleted(platformID string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE messages SET is_deleted = 1, updated_at = ?
		WHERE platform_id = ? AND is_deleted = 0`, fmtTime(now), platformID)
	return err
}

// MessageByID fetches one message.
func (s *Store) MessageByID(id string) (*Message, error) {
	m, err := scanMessage(s.db.QueryRow(`SELECT `+messageCols+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// MessageByPlatformID fetches a message by its transport id.
func (s *Store) MessageByPlatformID(platformID string) (*Message, error) {
	if platformID == "" {
		return nil, ErrNotFound
	}
	m, err := scanMessage(s.db.QueryRow(`SELECT `+messageCols+` FROM messages WHERE platform_id = ?`, platformID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// UnroutedChats returns chat ids that have at least one unrouted inbound
// message, ordered FIFO by their oldest unrouted message.
func (s *Store) UnroutedChats() ([]string, error) {
	rows, err := s.db.Query(`SELECT platform_chat_id FROM messages
		WHERE direction = 'in' AND routed_at IS NULL AND is_deleted = 0
		GROUP BY platform_chat_id
		ORDER BY MIN(created_at) ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chats []string
	for rows.Next() {
		var chatID string
		if err := rows.Scan(&chatID); err != nil {
			return nil, err
		}
		chats = append(chats, chatID)
	}
	return chats, rows.Err()
}

// UnroutedBatch returns the chat's unrouted inbound messages in arrival order.
func (s *Store) UnroutedBatch(chatID string) ([]*Message, error) {
	rows, err := s.db.Query(`SELECT `+messageCols+` FROM messages
		WHERE platform_chat_id = ? AND direction = 'in' AND routed_at IS NULL AND is_deleted = 0
		ORDER BY created_at ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// StampRouted marks a batch as routed in one transaction. Routing is the
// triage commit point: a crash before this leaves the batch eligible again.
func (s *Store) StampRouted(ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE messages SET routed_at = ?, updated_at = ?
			WHERE id = ? AND routed_at IS NULL`, fmtTime(now), fmtTime(now), id); err != nil {
			return fmt.Errorf("stamp routed %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// RecentHistory returns the chat's last n messages, oldest first.
func (s *Store) RecentHistory(chatID string, n int) ([]*Message, error) {
	rows, err := s.db.Query(`SELECT `+messageCols+` FROM messages
		WHERE platform_chat_id = ? AND is_deleted = 0
		ORDER BY created_at DESC LIMIT ?`, chatID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// EditPending returns inbound messages whose content_version moved past the
// last audited version, oldest update first.
func (s *Store) EditPending() ([]*Message, error) {
	rows, err := s.db.Query(`SELECT `+messageCols+` FROM messages
		WHERE direction = 'in' AND content_version > audit_processed_version AND is_deleted = 0
		ORDER BY updated_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// DeletePending returns deleted inbound messages not yet reconciled.
func (s *Store) DeletePending() ([]*Message, error) {
	rows, err := s.db.Query(`SELECT `+messageCols+` FROM messages
		WHERE direction = 'in' AND is_deleted = 1 AND audit_processed_at IS NULL
		ORDER BY updated_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// StampAudited records that Audit reconciled the message up to version.
func (s *Store) StampAudited(id string, version int, now time.Time) error {
	_, err := s.db.Exec(`UPDATE messages
		SET audit_processed_version = ?, audit_processed_at = ?, updated_at = ?
		WHERE id = ?`, version, fmtTime(now), fmtTime(now), id)
	return err
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
