package store

import "time"

// Message directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Job kinds. Chat-style replies go straight to the outbox and never
// become jobs, so only agent work is represented here.
const (
	JobKindAction   = "action"
	JobKindSchedule = "schedule"
)

// Job statuses.
const (
	JobDraft     = "draft"
	JobPending   = "pending"
	JobRunning   = "running"
	JobPaused    = "paused"
	JobDone      = "done"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Log streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Attachment describes one media file referenced by a message or outbox row.
// The payload lives on disk; only the descriptor is stored.
type Attachment struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Mime string `json:"mime"`
	Size int64  `json:"size"`
	Path string `json:"path"`
}

// Message is one chat utterance in either direction.
type Message struct {
	ID                    string       `json:"id"`
	TraceID               string       `json:"trace_id"`
	PlatformID            string       `json:"platform_id"`
	PlatformChatID        string       `json:"platform_chat_id"`
	PlatformSenderID      string       `json:"platform_sender_id"`
	Direction             string       `json:"direction"`
	Content               string       `json:"content"`
	Attachments           []Attachment `json:"attachments,omitempty"`
	ContentVersion        int          `json:"content_version"`
	AuditProcessedVersion int          `json:"audit_processed_version"`
	RoutedAt              *time.Time   `json:"routed_at,omitempty"`
	AuditProcessedAt      *time.Time   `json:"audit_processed_at,omitempty"`
	IsDeleted             bool         `json:"is_deleted"`
	ReplyToID             string       `json:"reply_to_id,omitempty"`
	JobID                 string       `json:"job_id,omitempty"`
	RewrittenAt           *time.Time   `json:"rewritten_at,omitempty"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

// OutboxRow is a pending outbound delivery.
type OutboxRow struct {
	ID               string       `json:"id"`
	TraceID          string       `json:"trace_id"`
	ChatID           string       `json:"chat_id"`
	Content          string       `json:"content"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	ReplyTo          string       `json:"reply_to,omitempty"`
	ReplyToMessageID string       `json:"reply_to_message_id,omitempty"`
	ProcessedAt      *time.Time   `json:"processed_at,omitempty"`
	AttemptCount     int          `json:"attempt_count"`
	LastError        string       `json:"last_error,omitempty"`
	JobID            string       `json:"job_id,omitempty"`
	RewrittenAt      *time.Time   `json:"rewritten_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Job is a unit of background work.
type Job struct {
	ID              string     `json:"id"`
	TraceID         string     `json:"trace_id"`
	Kind            string     `json:"kind"`
	ChatID          string     `json:"chat_id"`
	Status          string     `json:"status"`
	Prompt          string     `json:"prompt"`
	EnrichedPrompt  string     `json:"enriched_prompt,omitempty"`
	SourceIDs       []string   `json:"source_ids"`
	ResumeInput     string     `json:"resume_input,omitempty"`
	Output          string     `json:"output,omitempty"`
	Error           string     `json:"error,omitempty"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
	SessionID       string     `json:"session_id,omitempty"`
	ContainerID     string     `json:"container_id,omitempty"`
	QuestionPending string     `json:"question_pending,omitempty"`
	ContextAttempts int        `json:"context_attempts"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Active reports whether the job still occupies the pipeline.
func (j *Job) Active() bool {
	switch j.Status {
	case JobDraft, JobPending, JobRunning, JobPaused:
		return true
	}
	return false
}

// Cron is a repeating scheduled task.
type Cron struct {
	ID        string     `json:"id"`
	TraceID   string     `json:"trace_id"`
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Timezone  string     `json:"timezone"`
	ChatID    string     `json:"chat_id"`
	Prompt    string     `json:"prompt"`
	Enabled   bool       `json:"enabled"`
	RunCount  int        `json:"run_count"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastJobID string     `json:"last_job_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// LogLine is one line of captured output from a running job.
type LogLine struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentStep summarizes one tool invocation inside a job.
type AgentStep struct {
	ID            int64     `json:"id"`
	JobID         string    `json:"job_id"`
	StepNumber    int       `json:"step_number"`
	ToolName      string    `json:"tool_name"`
	InputSummary  string    `json:"input_summary,omitempty"`
	OutputSummary string    `json:"output_summary,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// Event is an append-only audit record of a state transition.
type Event struct {
	ID        int64          `json:"id"`
	TraceID   string         `json:"trace_id"`
	Source    string         `json:"source"`
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// TypingState tracks per-chat typing activity so quiescence survives
// process restarts.
type TypingState struct {
	ChatID        string     `json:"chat_id"`
	IsTyping      bool       `json:"is_typing"`
	LastTypingAt  *time.Time `json:"last_typing_at,omitempty"`
	LastInboundAt *time.Time `json:"last_inbound_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Schema holds the full database schema. Applied on every startup;
// additive changes for existing databases go through best-effort
// ALTER TABLE migrations in NewStore.
const Schema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	platform_id TEXT UNIQUE,
	platform_chat_id TEXT NOT NULL,
	platform_sender_id TEXT NOT NULL DEFAULT '',
	direction TEXT NOT NULL CHECK (direction IN ('in','out')),
	content TEXT NOT NULL DEFAULT '',
	attachments TEXT NOT NULL DEFAULT '[]',
	embedding BLOB,
	content_version INTEGER NOT NULL DEFAULT 1,
	audit_processed_version INTEGER NOT NULL DEFAULT 1,
	routed_at DATETIME,
	audit_processed_at DATETIME,
	is_deleted INTEGER NOT NULL DEFAULT 0,
	reply_to_id TEXT NOT NULL DEFAULT '',
	job_id TEXT NOT NULL DEFAULT '',
	rewritten_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_unrouted ON messages(platform_chat_id, created_at) WHERE direction = 'in' AND routed_at IS NULL AND is_deleted = 0;
CREATE INDEX IF NOT EXISTS idx_messages_trace ON messages(trace_id);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(platform_chat_id, created_at);

CREATE TABLE IF NOT EXISTS outbox (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	chat_id TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	attachments TEXT NOT NULL DEFAULT '[]',
	reply_to TEXT NOT NULL DEFAULT '',
	reply_to_message_id TEXT NOT NULL DEFAULT '',
	processed_at DATETIME,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	job_id TEXT NOT NULL DEFAULT '',
	rewritten_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_outbox_unprocessed ON outbox(created_at) WHERE processed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_outbox_job ON outbox(job_id);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	kind TEXT NOT NULL CHECK (kind IN ('chat','action','schedule')),
	chat_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'draft',
	prompt TEXT NOT NULL DEFAULT '',
	enriched_prompt TEXT NOT NULL DEFAULT '',
	source_ids TEXT NOT NULL DEFAULT '[]',
	resume_input TEXT NOT NULL DEFAULT '',
	output TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	cancel_reason TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	container_id TEXT NOT NULL DEFAULT '',
	question_pending TEXT NOT NULL DEFAULT '',
	context_attempts INTEGER NOT NULL DEFAULT 0,
	last_heartbeat_at DATETIME,
	started_at DATETIME,
	finished_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_chat ON jobs(chat_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_trace ON jobs(trace_id);

CREATE TABLE IF NOT EXISTS crons (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL DEFAULT '',
	name TEXT UNIQUE NOT NULL,
	schedule TEXT NOT NULL,
	timezone TEXT NOT NULL DEFAULT 'UTC',
	chat_id TEXT NOT NULL,
	prompt TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1,
	run_count INTEGER NOT NULL DEFAULT 0,
	last_run_at DATETIME,
	next_run_at DATETIME,
	last_job_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_crons_due ON crons(next_run_at) WHERE enabled = 1;

CREATE TABLE IF NOT EXISTS logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	stream TEXT NOT NULL CHECK (stream IN ('stdout','stderr')),
	line TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_logs_job ON logs(job_id, id);

CREATE TABLE IF NOT EXISTS agent_steps (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	step_number INTEGER NOT NULL,
	tool_name TEXT NOT NULL,
	input_summary TEXT NOT NULL DEFAULT '',
	output_summary TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_agent_steps_job ON agent_steps(job_id, step_number);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL,
	action TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_events_trace ON events(trace_id, created_at);

CREATE TABLE IF NOT EXISTS chat_subscriptions (
	chat_id TEXT PRIMARY KEY,
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS typing_state (
	chat_id TEXT PRIMARY KEY,
	is_typing INTEGER NOT NULL DEFAULT 0,
	last_typing_at DATETIME,
	last_inbound_at DATETIME,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
