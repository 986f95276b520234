// Package store implements the shared durable state for the orchestration
// pipeline: messages, jobs, outbox, crons, logs, agent steps and the
// append-only event stream. Loops synchronize exclusively through this
// database; there is no cross-loop signaling.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database shared by all loops.
type Store struct {
	db *sql.DB

	// eventHook, when set, observes every appended event. Used by the
	// Kafka firehose mirror. Must not block.
	eventHook func(Event)
}

// New opens (creating if needed) the database at path and applies the
// schema plus best-effort migrations for databases created by older builds.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise see its own empty db.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	// Best-effort migrations (no-op when the column already exists).
	_, _ = db.Exec(`ALTER TABLE messages ADD COLUMN rewritten_at DATETIME`)
	_, _ = db.Exec(`ALTER TABLE jobs ADD COLUMN context_attempts INTEGER NOT NULL DEFAULT 0`)
	_, _ = db.Exec(`ALTER TABLE jobs ADD COLUMN question_pending TEXT NOT NULL DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE outbox ADD COLUMN rewritten_at DATETIME`)
	_, _ = db.Exec(`ALTER TABLE outbox ADD COLUMN reply_to_message_id TEXT NOT NULL DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE crons ADD COLUMN run_count INTEGER NOT NULL DEFAULT 0`)
	_, _ = db.Exec(`ALTER TABLE crons ADD COLUMN last_job_id TEXT NOT NULL DEFAULT ''`)

	return &Store{db: db}, nil
}

// NewInMemory opens a private in-memory store, used by tests.
func NewInMemory() (*Store, error) {
	return New(":memory:")
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for callers needing ad-hoc queries.
func (s *Store) DB() *sql.DB { return s.db }

// SetEventHook registers an observer for appended events.
func (s *Store) SetEventHook(hook func(Event)) { s.eventHook = hook }

// NewID mints a new opaque row identifier.
func NewID() string { return uuid.NewString() }

// NewTraceID mints a new correlation id for a fresh user interaction.
func NewTraceID() string { return uuid.NewString() }

// ---------------------------------------------------------------------------
// Time and JSON plumbing. All timestamps are stored as sortable UTC text so
// SQL comparisons against a formatted "now" behave lexicographically.
// ---------------------------------------------------------------------------

const timeLayout = "2006-01-02 15:04:05.000"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

var timeLayouts = []string{
	timeLayout,
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	time.RFC3339,
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func scanTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	if t, ok := parseTime(ns.String); ok {
		return &t
	}
	return nil
}

func scanTimeOr(ns sql.NullString, fallback time.Time) time.Time {
	if t := scanTime(ns); t != nil {
		return *t
	}
	return fallback
}

func marshalJSON(v any) string {
	if v == nil {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalAttachments(s string) []Attachment {
	if s == "" || s == "[]" {
		return nil
	}
	var out []Attachment
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func unmarshalStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
