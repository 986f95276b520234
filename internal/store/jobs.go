package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const jobCols = `id, trace_id, kind, chat_id, status, prompt, enriched_prompt,
	source_ids, resume_input, output, error, cancel_reason, session_id, container_id,
	question_pending, context_attempts, last_heartbeat_at, started_at, finished_at,
	created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var sourceIDs string
	var heartbeat, startedAt, finishedAt, createdAt, updatedAt sql.NullString
	err := row.Scan(&j.ID, &j.TraceID, &j.Kind, &j.ChatID, &j.Status, &j.Prompt, &j.EnrichedPrompt,
		&sourceIDs, &j.ResumeInput, &j.Output, &j.Error, &j.CancelReason, &j.SessionID, &j.ContainerID,
		&j.QuestionPending, &j.ContextAttempts, &heartbeat, &startedAt, &finishedAt,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	j.SourceIDs = unmarshalStrings(sourceIDs)
	j.LastHeartbeatAt = scanTime(heartbeat)
	j.StartedAt = scanTime(startedAt)
	j.FinishedAt = scanTime(finishedAt)
	j.CreatedAt = scanTimeOr(createdAt, time.Time{})
	j.UpdatedAt = scanTimeOr(updatedAt, j.CreatedAt)
	return &j, nil
}

// CreateJob inserts a new job. Status defaults to draft.
func (s *Store) CreateJob(j *Job, now time.Time) error {
	if j.ID == "" {
		j.ID = NewID()
	}
	if j.Status == "" {
		j.Status = JobDraft
	}
	if j.TraceID == "" {
		j.TraceID = NewTraceID()
	}
	_, err := s.db.Exec(`INSERT INTO jobs
		(id, trace_id, kind, chat_id, status, prompt, source_ids, session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.TraceID, j.Kind, j.ChatID, j.Status, j.Prompt,
		marshalJSON(j.SourceIDs), j.SessionID, fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// JobByID fetches one job.
func (s *Store) JobByID(id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobCols+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// DraftJobs returns draft jobs in creation order.
func (s *Store) DraftJobs() ([]*Job, error) {
	return s.jobsWhere(`status = 'draft' ORDER BY created_at ASC`)
}

// PromoteDraft sets the enriched prompt and moves draft to pending. The
// status predicate makes the promotion idempotent across restarts.
func (s *Store) PromoteDraft(id, enrichedPrompt string, now time.Time) error {
	res, err := s.db.Exec(`UPDATE jobs SET enriched_prompt = ?, status = 'pending', updated_at = ?
		WHERE id = ? AND status = 'draft'`, enrichedPrompt, fmtTime(now), id)
	if err != nil {
		return err
	}
	return requireRow(res, "promote draft")
}

// BumpContextAttempts increments the enrichment attempt counter and returns
// the new count.
func (s *Store) BumpContextAttempts(id string, now time.Time) (int, error) {
	_, err := s.db.Exec(`UPDATE jobs SET context_attempts = context_attempts + 1, updated_at = ?
		WHERE id = ?`, fmtTime(now), id)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRow(`SELECT context_attempts FROM jobs WHERE id = ?`, id).Scan(&n)
	return n, err
}

// ClaimPending atomically claims the oldest pending job, moving it to
// running. The single UPDATE with a status predicate is the SQLite
// equivalent of FOR UPDATE SKIP LOCKED: a concurrent claimer serializes on
// the write lock and finds the row already running.
func (s *Store) ClaimPending(now time.Time) (*Job, error) {
	row := s.db.QueryRow(`UPDATE jobs
		SET status = 'running', started_at = ?, last_heartbeat_at = ?, updated_at = ?
		WHERE id = (SELECT id FROM jobs WHERE status = 'pending' ORDER BY created_at ASC LIMIT 1)
			AND status = 'pending'
		RETURNING `+jobCols,
		fmtTime(now), fmtTime(now), fmtTime(now))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// RunningJobs returns jobs currently in running state.
func (s *Store) RunningJobs() ([]*Job, error) {
	return s.jobsWhere(`status = 'running' ORDER BY created_at ASC`)
}

// CountRunning returns the number of running jobs.
func (s *Store) CountRunning() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = 'running'`).Scan(&n)
	return n, err
}

// ActiveJobsByChat returns non-terminal jobs for a chat.
func (s *Store) ActiveJobsByChat(chatID string) ([]*Job, error) {
	return s.jobsWhere(`chat_id = ? AND status IN ('draft','pending','running','paused') ORDER BY created_at ASC`, chatID)
}

// JobsBySourceMessage returns active jobs whose source_ids include the
// message id. source_ids is a JSON array; the LIKE prefilter narrows the
// scan and the exact check happens in Go.
func (s *Store) JobsBySourceMessage(messageID string) ([]*Job, error) {
	jobs, err := s.jobsWhere(`status IN ('draft','pending','running','paused') AND source_ids LIKE ? ORDER BY created_at ASC`,
		"%"+messageID+"%")
	if err != nil {
		return nil, err
	}
	var out []*Job
	for _, j := range jobs {
		for _, id := range j.SourceIDs {
			if id == messageID {
				out = append(out, j)
				break
			}
		}
	}
	return out, nil
}

// MostRecentPaused returns the chat's most recently paused job, the default
// binding target for a user reply when several jobs await answers.
func (s *Store) MostRecentPaused(chatID string) (*Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobCols+` FROM jobs
		WHERE chat_id = ? AND status = 'paused'
		ORDER BY updated_at DESC LIMIT 1`, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// PauseJob moves a running job to paused with the agent's question.
func (s *Store) PauseJob(id, question string, now time.Time) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'paused', question_pending = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`, question, fmtTime(now), id)
	if err != nil {
		return err
	}
	return requireRow(res, "pause job")
}

// ResumeJob stores the user's answer on a paused job and re-queues it as
// pending while preserving container_id so the supervisor resumes the
// original run.
func (s *Store) ResumeJob(id, resumeInput string, now time.Time) error {
	res, err := s.db.Exec(`UPDATE jobs
		SET status = 'pending', resume_input = ?, question_pending = '', updated_at = ?
		WHERE id = ? AND status = 'paused'`, resumeInput, fmtTime(now), id)
	if err != nil {
		return err
	}
	return requireRow(res, "resume job")
}

// SetJobRun records the sandbox identifiers once a run starts.
func (s *Store) SetJobRun(id, containerID, sessionID string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE jobs SET container_id = ?, session_id = ?, updated_at = ?
		WHERE id = ?`, containerID, sessionID, fmtTime(now), id)
	return err
}

// ClearResumeInput empties resume_input after the supervisor consumed it.
func (s *Store) ClearResumeInput(id string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE jobs SET resume_input = '', updated_at = ? WHERE id = ?`,
		fmtTime(now), id)
	return err
}

// Heartbeat refreshes last_heartbeat_at for a running job.
func (s *Store) Heartbeat(id string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE jobs SET last_heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`, fmtTime(now), fmtTime(now), id)
	return err
}

// StuckRunning returns running jobs whose heartbeat is older than cutoff.
func (s *Store) StuckRunning(cutoff time.Time) ([]*Job, error) {
	return s.jobsWhere(`status = 'running' AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < ?
		ORDER BY created_at ASC`, fmtTime(cutoff))
}

// CompleteJob moves a running job to done with its output.
func (s *Store) CompleteJob(id, output string, now time.Time) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'done', output = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`, output, fmtTime(now), fmtTime(now), id)
	if err != nil {
		return err
	}
	return requireRow(res, "complete job")
}

// FailJob moves a job to failed from any non-terminal state.
func (s *Store) FailJob(id, errMsg string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = 'failed', error = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('draft','pending','running','paused')`,
		errMsg, fmtTime(now), fmtTime(now), id)
	return err
}

// CancelJob moves a job to cancelled from any non-terminal state.
// Idempotent: cancelling a terminal job is a no-op.
func (s *Store) CancelJob(id, reason string, now time.Time) (bool, error) {
	res, err := s.db.Exec(`UPDATE jobs
		SET status = 'cancelled', cancel_reason = ?, question_pending = '', finished_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('draft','pending','running','paused')`,
		reason, fmtTime(now), fmtTime(now), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ChatsWithActiveRuns returns chat ids having a running or paused job,
// used by the gateway to toggle typing indicators.
func (s *Store) ChatsWithActiveRuns() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT chat_id FROM jobs WHERE status IN ('running','paused')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var chatID string
		if err := rows.Scan(&chatID); err != nil {
			return nil, err
		}
		out = append(out, chatID)
	}
	return out, rows.Err()
}

// CancelledWithContainers returns cancelled jobs whose sandbox has not been
// reaped yet.
func (s *Store) CancelledWithContainers() ([]*Job, error) {
	return s.jobsWhere(`status = 'cancelled' AND container_id != '' ORDER BY updated_at ASC`)
}

// ClearContainer detaches a reaped sandbox from its job.
func (s *Store) ClearContainer(id string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE jobs SET container_id = '', updated_at = ? WHERE id = ?`,
		fmtTime(now), id)
	return err
}

// AppendLog stores one captured output line.
func (s *Store) AppendLog(jobID, stream, line string, now time.Time) error {
	_, err := s.db.Exec(`INSERT INTO logs (job_id, stream, line, created_at) VALUES (?, ?, ?, ?)`,
		jobID, stream, line, fmtTime(now))
	return err
}

// AppendStep stores one tool-invocation summary.
func (s *Store) AppendStep(step *AgentStep, now time.Time) error {
	_, err := s.db.Exec(`INSERT INTO agent_steps
		(job_id, step_number, tool_name, input_summary, output_summary, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		step.JobID, step.StepNumber, step.ToolName, step.InputSummary, step.OutputSummary,
		step.DurationMs, fmtTime(now))
	return err
}

// JobLogs returns the captured output lines for a job in order.
func (s *Store) JobLogs(jobID string) ([]*LogLine, error) {
	rows, err := s.db.Query(`SELECT id, job_id, stream, line, created_at FROM logs
		WHERE job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*LogLine
	for rows.Next() {
		var l LogLine
		var createdAt sql.NullString
		if err := rows.Scan(&l.ID, &l.JobID, &l.Stream, &l.Line, &createdAt); err != nil {
			return nil, err
		}
		l.CreatedAt = scanTimeOr(createdAt, time.Time{})
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *Store) jobsWhere(where string, args ...any) ([]*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobCols+` FROM jobs WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
