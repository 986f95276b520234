package runner

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Frame types emitted by the sandbox entrypoint on stdout, one JSON object
// per line. Non-JSON lines are treated as plain stdout logs.
const (
	frameSession = "session"
	frameLog     = "log"
	frameStep    = "step"
	frameAskUser = "ask_user"
	frameFinal   = "final"
	frameError   = "error"
)

// containerFrame is one line of the sandbox wire protocol.
type containerFrame struct {
	Type string `json:"type"`

	// session
	Session string `json:"session,omitempty"`

	// log
	Stream string `json:"stream,omitempty"`
	Line   string `json:"line,omitempty"`

	// step
	Tool       string `json:"tool,omitempty"`
	Input      string `json:"input,omitempty"`
	Output     string `json:"output,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`

	// ask_user
	Question string `json:"question,omitempty"`

	// final carries Output too; error carries Error.
	Error string `json:"error,omitempty"`
}

// parseFrame decodes one stdout line. Lines that are not frame objects come
// back as synthetic log frames so agent chatter is still captured.
func parseFrame(line string) containerFrame {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") {
		var f containerFrame
		if err := json.Unmarshal([]byte(trimmed), &f); err == nil && f.Type != "" {
			return f
		}
	}
	return containerFrame{Type: frameLog, Stream: "stdout", Line: line}
}

func (f containerFrame) validate() error {
	switch f.Type {
	case frameSession, frameLog, frameStep, frameFinal, frameError:
		return nil
	case frameAskUser:
		if strings.TrimSpace(f.Question) == "" {
			return fmt.Errorf("ask_user frame without question")
		}
		return nil
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
}
