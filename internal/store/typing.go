package store

import (
	"database/sql"
	"errors"
	"time"
)

// TouchTyping records a typing start/stop signal for a chat.
func (s *Store) TouchTyping(chatID string, typing bool, now time.Time) error {
	flag := 0
	if typing {
		flag = 1
	}
	_, err := s.db.Exec(`INSERT INTO typing_state (chat_id, is_typing, last_typing_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET is_typing = excluded.is_typing,
			last_typing_at = excluded.last_typing_at, updated_at = excluded.updated_at`,
		chatID, flag, fmtTime(now), fmtTime(now))
	return err
}

// TouchInbound records the arrival of a new inbound message and clears the
// typing flag (the transport stops typing when a message lands).
func (s *Store) TouchInbound(chatID string, now time.Time) error {
	_, err := s.db.Exec(`INSERT INTO typing_state (chat_id, is_typing, last_inbound_at, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET is_typing = 0,
			last_inbound_at = excluded.last_inbound_at, updated_at = excluded.updated_at`,
		chatID, fmtTime(now), fmtTime(now))
	return err
}

// Typing returns the chat's typing state; a missing row means no activity
// was ever observed.
func (s *Store) Typing(chatID string) (*TypingState, error) {
	var ts TypingState
	var isTyping int
	var lastTyping, lastInbound, updatedAt sql.NullString
	err := s.db.QueryRow(`SELECT chat_id, is_typing, last_typing_at, last_inbound_at, updated_at
		FROM typing_state WHERE chat_id = ?`, chatID).
		Scan(&ts.ChatID, &isTyping, &lastTyping, &lastInbound, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &TypingState{ChatID: chatID}, nil
	}
	if err != nil {
		return nil, err
	}
	ts.IsTyping = isTyping != 0
	ts.LastTypingAt = scanTime(lastTyping)
	ts.LastInboundAt = scanTime(lastInbound)
	ts.UpdatedAt = scanTimeOr(updatedAt, time.Time{})
	return &ts, nil
}

// Quiescent reports whether the chat has been quiet for the given window:
// no typing flag set, and neither a typing signal nor a new inbound message
// inside the window.
func (s *Store) Quiescent(chatID string, quiet time.Duration, now time.Time) (bool, error) {
	ts, err := s.Typing(chatID)
	if err != nil {
		return false, err
	}
	if ts.IsTyping {
		return false, nil
	}
	cutoff := now.Add(-quiet)
	if ts.LastTypingAt != nil && ts.LastTypingAt.After(cutoff) {
		return false, nil
	}
	if ts.LastInboundAt != nil && ts.LastInboundAt.After(cutoff) {
		return false, nil
	}
	return true, nil
}

// SetSubscription flips the per-chat processing gate.
func (s *Store) SetSubscription(chatID string, enabled bool, now time.Time) error {
	flag := 0
	if enabled {
		flag = 1
	}
	_, err := s.db.Exec(`INSERT INTO chat_subscriptions (chat_id, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at`,
		chatID, flag, fmtTime(now), fmtTime(now))
	return err
}

// Subscribed reports whether the chat is processed. Chats without an
// explicit row default to subscribed.
func (s *Store) Subscribed(chatID string) (bool, error) {
	var enabled int
	err := s.db.QueryRow(`SELECT enabled FROM chat_subscriptions WHERE chat_id = ?`, chatID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return enabled != 0, nil
}
