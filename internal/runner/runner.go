// Package runner abstracts sandboxed agent execution. The production
// implementation drives Docker containers speaking a JSONL frame protocol
// on stdout; the orchestration loops only see the Runner interface.
package runner

import (
	"context"
	"errors"
)

// ErrUnknownContainer is returned when a container id has no live run,
// typically after a process restart reaped the in-memory run table.
var ErrUnknownContainer = errors.New("runner: unknown container")

// State describes a run as seen by one poll.
type State string

const (
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// LogEntry is one captured output line.
type LogEntry struct {
	Stream string // stdout or stderr
	Line   string
}

// StepRecord summarizes one tool invocation inside the sandbox.
type StepRecord struct {
	StepNumber    int
	ToolName      string
	InputSummary  string
	OutputSummary string
	DurationMs    int64
}

// PollResult is the delta since the previous poll plus the current state.
type PollResult struct {
	Logs  []LogEntry
	Steps []StepRecord
	State State

	// Question is set when State is StatePaused.
	Question string
	// Output and Attachments are set when State is StateDone. Attachment
	// paths point into the run workspace; the supervisor copies them to
	// persistent storage before the workspace is reclaimed.
	Output      string
	Attachments []string
	// Error is set when State is StateFailed.
	Error string
}

// StartSpec describes a run to launch. Files are host paths of source
// media staged into the sandbox workspace before the agent starts.
type StartSpec struct {
	JobID     string
	Prompt    string
	SessionID string
	Files     []string
}

// Runner executes prompts inside isolated sandboxes.
type Runner interface {
	// Start launches a run and returns its container id.
	Start(ctx context.Context, spec StartSpec) (string, error)
	// Poll returns progress since the last poll. Repeated polls after a
	// terminal state keep returning that state with empty deltas.
	Poll(ctx context.Context, containerID string) (*PollResult, error)
	// Resume delivers the user's answer to a paused run.
	Resume(ctx context.Context, containerID, answer string) error
	// Kill terminates a run. Killing an unknown or finished run is a no-op.
	Kill(ctx context.Context, containerID string) error
	// Has reports whether the runner still tracks the container.
	Has(containerID string) bool
	// Release forgets a terminal run and frees its resources.
	Release(containerID string)
}
