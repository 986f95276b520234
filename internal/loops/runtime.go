package loops

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/voxclaw/voxclaw/internal/config"
	"github.com/voxclaw/voxclaw/internal/runner"
	"github.com/voxclaw/voxclaw/internal/store"
)

// RuntimeWorker supervises sandboxed agent runs: it claims pending jobs up
// to the concurrency cap, polls live containers for progress, pauses on
// agent questions, and kills runs that stopped producing output.
type RuntimeWorker struct {
	store    *store.Store
	runner   runner.Runner
	cfg      config.LoopsConfig
	mediaDir string
	interval time.Duration

	// lastSupervise throttles container polling to the heartbeat cadence
	// independently of the claim cadence.
	lastSupervise time.Time
}

// NewRuntimeWorker builds the runtime loop.
func NewRuntimeWorker(s *store.Store, r runner.Runner, cfg config.LoopsConfig, mediaDir string) *RuntimeWorker {
	return &RuntimeWorker{store: s, runner: r, cfg: cfg, mediaDir: mediaDir, interval: cfg.Interval("runtime")}
}

// Run executes the runtime loop until ctx is cancelled.
func (w *RuntimeWorker) Run(ctx context.Context) error {
	slog.Info("Runtime worker started",
		"interval", w.interval,
		"max_concurrent", w.cfg.MaxConcurrentRuns,
		"stuck_after", w.cfg.StuckAfter())
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *RuntimeWorker) tick(ctx context.Context) {
	now := time.Now()
	w.reapCancelled(ctx, now)
	if now.Sub(w.lastSupervise) >= w.cfg.Heartbeat() {
		w.lastSupervise = now
		w.supervise(ctx, now)
	}
	w.claim(ctx)
}

// reapCancelled kills sandboxes whose jobs were cancelled by triage or audit.
// Cancellation only flips the row; tearing the container down happens here.
func (w *RuntimeWorker) reapCancelled(ctx context.Context, now time.Time) {
	jobs, err := w.store.CancelledWithContainers()
	if err != nil {
		slog.Error("Runtime: cancelled jobs query failed", "error", err)
		return
	}
	for _, job := range jobs {
		if err := w.runner.Kill(ctx, job.ContainerID); err != nil {
			slog.Warn("Runtime: kill failed", "job", job.ID, "container", job.ContainerID, "error", err)
		}
		w.runner.Release(job.ContainerID)
		if err := w.store.ClearContainer(job.ID, now); err != nil {
			slog.Error("Runtime: container clear failed", "job", job.ID, "error", err)
			continue
		}
		_ = w.store.AppendEvent(job.TraceID, "runtime", "runtime.reaped", map[string]any{
			"job_id": job.ID, "reason": job.CancelReason,
		}, now)
		slog.Info("Runtime: cancelled run reaped", "job", job.ID, "reason", job.CancelReason)
	}
}

// supervise polls every running container and applies state transitions.
func (w *RuntimeWorker) supervise(ctx context.Context, now time.Time) {
	jobs, err := w.store.RunningJobs()
	if err != nil {
		slog.Error("Runtime: running jobs query failed", "error", err)
		return
	}
	for _, job := range jobs {
		w.superviseJob(ctx, job, now)
	}

	cutoff := now.Add(-w.cfg.StuckAfter())
	stuck, err := w.store.StuckRunning(cutoff)
	if err != nil {
		slog.Error("Runtime: stuck jobs query failed", "error", err)
		return
	}
	for _, job := range stuck {
		slog.Warn("Runtime: run stuck, killing", "job", job.ID, "last_heartbeat", job.LastHeartbeatAt)
		if err := w.runner.Kill(ctx, job.ContainerID); err != nil {
			slog.Warn("Runtime: stuck kill failed", "job", job.ID, "error", err)
		}
		w.runner.Release(job.ContainerID)
		w.failJob(job, "stuck", now)
	}
}

func (w *RuntimeWorker) superviseJob(ctx context.Context, job *store.Job, now time.Time) {
	if job.ContainerID == "" || !w.runner.Has(job.ContainerID) {
		// A restart reaped the in-memory run table; the sandbox state is
		// unrecoverable.
		w.failJob(job, "orphaned", now)
		return
	}

	res, err := w.runner.Poll(ctx, job.ContainerID)
	if err != nil {
		slog.Warn("Runtime: poll failed", "job", job.ID, "error", err)
		return
	}

	for _, entry := range res.Logs {
		_ = w.store.AppendLog(job.ID, entry.Stream, entry.Line, now)
	}
	for _, step := range res.Steps {
		_ = w.store.AppendStep(&store.AgentStep{
			JobID:         job.ID,
			StepNumber:    step.StepNumber,
			ToolName:      step.ToolName,
			InputSummary:  step.InputSummary,
			OutputSummary: step.OutputSummary,
			DurationMs:    step.DurationMs,
		}, now)
	}

	// Output is the liveness signal: a silent container eventually trips
	// the stuck cutoff.
	if len(res.Logs) > 0 || len(res.Steps) > 0 {
		_ = w.store.Heartbeat(job.ID, now)
	}

	switch res.State {
	case runner.StateRunning:
		// Still working.

	case runner.StatePaused:
		if err := w.store.PauseJob(job.ID, res.Question, now); err != nil {
			slog.Error("Runtime: pause failed", "job", job.ID, "error", err)
			return
		}
		_ = w.store.EnqueueOutbox(&store.OutboxRow{
			TraceID:     job.TraceID,
			ChatID:      job.ChatID,
			Content:     res.Question,
			JobID:       job.ID,
			RewrittenAt: &now,
		}, now)
		_ = w.store.AppendEvent(job.TraceID, "runtime", "runtime.paused", map[string]any{
			"job_id": job.ID, "question": res.Question,
		}, now)
		slog.Info("Runtime: run paused on question", "job", job.ID)

	case runner.StateDone:
		attachments := w.collectAttachments(job.ID, res.Attachments)
		if err := w.store.CompleteJob(job.ID, res.Output, now); err != nil {
			slog.Error("Runtime: complete failed", "job", job.ID, "error", err)
			return
		}
		// Job output goes through the reply rewrite loop before delivery,
		// so rewritten_at stays unset here.
		_ = w.store.EnqueueOutbox(&store.OutboxRow{
			TraceID:     job.TraceID,
			ChatID:      job.ChatID,
			Content:     res.Output,
			Attachments: attachments,
			JobID:       job.ID,
		}, now)
		w.runner.Release(job.ContainerID)
		_ = w.store.ClearContainer(job.ID, now)
		_ = w.store.AppendEvent(job.TraceID, "runtime", "runtime.done", map[string]any{
			"job_id": job.ID, "attachments": len(attachments),
		}, now)
		slog.Info("Runtime: run finished", "job", job.ID)

	case runner.StateFailed:
		w.runner.Release(job.ContainerID)
		w.failJob(job, res.Error, now)
	}
}

// failJob marks the job failed and tells the chat directly, bypassing the
// rewrite loop.
func (w *RuntimeWorker) failJob(job *store.Job, reason string, now time.Time) {
	if err := w.store.FailJob(job.ID, reason, now); err != nil {
		slog.Error("Runtime: fail transition failed", "job", job.ID, "error", err)
		return
	}
	_ = w.store.ClearContainer(job.ID, now)
	_ = w.store.EnqueueOutbox(&store.OutboxRow{
		TraceID:     job.TraceID,
		ChatID:      job.ChatID,
		Content:     fmt.Sprintf("Sorry, that task failed (%s).", reason),
		JobID:       job.ID,
		RewrittenAt: &now,
	}, now)
	_ = w.store.AppendEvent(job.TraceID, "runtime", "runtime.failed", map[string]any{
		"job_id": job.ID, "error": reason,
	}, now)
	slog.Warn("Runtime: run failed", "job", job.ID, "error", reason)
}

// claim starts or resumes pending jobs while below the concurrency cap.
func (w *RuntimeWorker) claim(ctx context.Context) {
	for {
		running, err := w.store.CountRunning()
		if err != nil {
			slog.Error("Runtime: running count failed", "error", err)
			return
		}
		if running >= w.cfg.MaxConcurrentRuns {
			return
		}

		now := time.Now()
		job, err := w.store.ClaimPending(now)
		if err != nil {
			if err != store.ErrNotFound {
				slog.Error("Runtime: claim failed", "error", err)
			}
			return
		}

		if job.ContainerID != "" {
			w.resume(ctx, job, now)
		} else {
			w.start(ctx, job, now)
		}
	}
}

func (w *RuntimeWorker) start(ctx context.Context, job *store.Job, now time.Time) {
	prompt := job.EnrichedPrompt
	if prompt == "" {
		prompt = job.Prompt
	}
	sessionID := job.SessionID
	if sessionID == "" {
		sessionID = job.ID
	}
	containerID, err := w.runner.Start(ctx, runner.StartSpec{
		JobID:     job.ID,
		Prompt:    prompt,
		SessionID: sessionID,
		Files:     w.sourceMediaPaths(job),
	})
	if err != nil {
		w.failJob(job, "start: "+err.Error(), now)
		return
	}
	if err := w.store.SetJobRun(job.ID, containerID, sessionID, now); err != nil {
		slog.Error("Runtime: run record failed", "job", job.ID, "error", err)
		_ = w.runner.Kill(ctx, containerID)
		w.runner.Release(containerID)
		return
	}
	_ = w.store.AppendEvent(job.TraceID, "runtime", "runtime.started", map[string]any{
		"job_id": job.ID, "container_id": containerID,
	}, now)
	slog.Info("Runtime: run started", "job", job.ID, "container", containerID)
}

// sourceMediaPaths lists the on-disk media of the job's source messages so
// the runner can stage them into the sandbox workspace.
func (w *RuntimeWorker) sourceMediaPaths(job *store.Job) []string {
	var paths []string
	for _, id := range job.SourceIDs {
		m, err := w.store.MessageByID(id)
		if err != nil {
			continue
		}
		for _, a := range m.Attachments {
			if a.Path != "" {
				paths = append(paths, a.Path)
			}
		}
	}
	return paths
}

func (w *RuntimeWorker) resume(ctx context.Context, job *store.Job, now time.Time) {
	if !w.runner.Has(job.ContainerID) {
		// The paused container died with the process; its in-sandbox state
		// cannot be rebuilt.
		w.failJob(job, "resume_lost", now)
		return
	}
	if err := w.runner.Resume(ctx, job.ContainerID, job.ResumeInput); err != nil {
		_ = w.runner.Kill(ctx, job.ContainerID)
		w.runner.Release(job.ContainerID)
		w.failJob(job, "resume_lost", now)
		return
	}
	_ = w.store.ClearResumeInput(job.ID, now)
	_ = w.store.AppendEvent(job.TraceID, "runtime", "runtime.resumed", map[string]any{
		"job_id": job.ID, "container_id": job.ContainerID,
	}, now)
	slog.Info("Runtime: run resumed", "job", job.ID, "container", job.ContainerID)
}

// collectAttachments copies run outputs from the ephemeral workspace into
// persistent media storage.
func (w *RuntimeWorker) collectAttachments(jobID string, paths []string) []store.Attachment {
	if len(paths) == 0 {
		return nil
	}
	destDir := filepath.Join(w.mediaDir, jobID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		slog.Error("Runtime: media dir create failed", "job", jobID, "error", err)
		return nil
	}
	var out []store.Attachment
	for _, src := range paths {
		name := filepath.Base(src)
		dest := filepath.Join(destDir, name)
		size, err := copyFile(src, dest)
		if err != nil {
			slog.Warn("Runtime: attachment copy failed", "job", jobID, "file", src, "error", err)
			continue
		}
		out = append(out, store.Attachment{Type: "file", Name: name, Size: size, Path: dest})
	}
	return out
}

func copyFile(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	n, err := io.Copy(out, in)
	if err != nil {
		return 0, err
	}
	return n, out.Close()
}
