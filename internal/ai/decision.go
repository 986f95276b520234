package ai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecisionKind tags the classifier's verdict for a batch.
type DecisionKind string

const (
	// DecisionReply sends a direct chat answer without creating work.
	DecisionReply DecisionKind = "reply"
	// DecisionCreateJobs spawns one or more background action jobs.
	DecisionCreateJobs DecisionKind = "create_jobs"
	// DecisionCreateCron creates or replaces a scheduled task.
	DecisionCreateCron DecisionKind = "create_cron"
	// DecisionCancelJob cancels an active job by id.
	DecisionCancelJob DecisionKind = "cancel_job"
	// DecisionCancelCron disables a scheduled task by name.
	DecisionCancelCron DecisionKind = "cancel_cron"
	// DecisionResumeJob answers a paused job's question.
	DecisionResumeJob DecisionKind = "resume_job"
	// DecisionSetSubscription flips the chat's processing gate.
	DecisionSetSubscription DecisionKind = "set_subscription"
	// DecisionNoop routes the batch with no output.
	DecisionNoop DecisionKind = "noop"
)

// TaskSpec is one independent unit of work extracted from a batch.
type TaskSpec struct {
	Prompt    string   `json:"prompt"`
	SourceIDs []string `json:"source_ids"`
}

// CronSpec describes a scheduled task to create.
type CronSpec struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone,omitempty"`
	Prompt   string `json:"prompt"`
}

// Decision is the classifier's tagged verdict. Exactly the fields implied
// by Kind are populated; consumers switch exhaustively on Kind.
type Decision struct {
	Kind DecisionKind `json:"kind"`

	Reply        string     `json:"reply,omitempty"`
	Tasks        []TaskSpec `json:"tasks,omitempty"`
	Cron         *CronSpec  `json:"cron,omitempty"`
	JobID        string     `json:"job_id,omitempty"`
	CronName     string     `json:"cron_name,omitempty"`
	ResumeAnswer string     `json:"resume_answer,omitempty"`
	Subscribe    bool       `json:"subscribe,omitempty"`
}

// ParseDecision validates a classifier JSON payload into a Decision.
// Malformed output is a permanent error; the triage loop fails the batch
// open as noop rather than retrying forever.
func ParseDecision(raw []byte) (Decision, error) {
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return Decision{}, Permanentf("decision not valid JSON: %v", err)
	}
	d.Kind = DecisionKind(strings.TrimSpace(string(d.Kind)))

	switch d.Kind {
	case DecisionReply:
		if strings.TrimSpace(d.Reply) == "" {
			return Decision{}, Permanentf("reply decision with empty reply")
		}
	case DecisionCreateJobs:
		if len(d.Tasks) == 0 {
			return Decision{}, Permanentf("create_jobs decision with no tasks")
		}
		for i, task := range d.Tasks {
			if strings.TrimSpace(task.Prompt) == "" {
				return Decision{}, Permanentf("task %d has empty prompt", i)
			}
		}
	case DecisionCreateCron:
		if d.Cron == nil || d.Cron.Name == "" || d.Cron.Schedule == "" {
			return Decision{}, Permanentf("create_cron decision missing name or schedule")
		}
	case DecisionCancelJob:
		if d.JobID == "" {
			return Decision{}, Permanentf("cancel_job decision missing job_id")
		}
	case DecisionCancelCron:
		if d.CronName == "" {
			return Decision{}, Permanentf("cancel_cron decision missing cron_name")
		}
	case DecisionResumeJob:
		if d.ResumeAnswer == "" {
			return Decision{}, Permanentf("resume_job decision missing resume_answer")
		}
	case DecisionSetSubscription, DecisionNoop:
		// No payload required.
	default:
		return Decision{}, Permanentf("unknown decision kind %q", d.Kind)
	}
	return d, nil
}

// String renders the decision for logs and events.
func (d Decision) String() string {
	switch d.Kind {
	case DecisionCreateJobs:
		return fmt.Sprintf("create_jobs(%d)", len(d.Tasks))
	case DecisionCreateCron:
		return fmt.Sprintf("create_cron(%s)", d.Cron.Name)
	case DecisionCancelJob:
		return fmt.Sprintf("cancel_job(%s)", d.JobID)
	case DecisionCancelCron:
		return fmt.Sprintf("cancel_cron(%s)", d.CronName)
	default:
		return string(d.Kind)
	}
}

// AudioOnly reports whether every batch member is a voice note with no
// text. Such batches skip the classifier and force a transcription job.
func AudioOnly(msgs []TriageMessage) bool {
	if len(msgs) == 0 {
		return false
	}
	for _, m := range msgs {
		if !m.HasAudio || strings.TrimSpace(m.Content) != "" {
			return false
		}
	}
	return true
}
