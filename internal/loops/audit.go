package loops

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxclaw/voxclaw/internal/config"
	"github.com/voxclaw/voxclaw/internal/store"
)

// AuditWorker reconciles message edits and deletions with in-flight work.
// Editing a routed message cancels the jobs it spawned and reboots a draft
// from the new content; deleting one cancels without replacement.
type AuditWorker struct {
	store    *store.Store
	interval time.Duration
}

// NewAuditWorker builds the audit loop.
func NewAuditWorker(s *store.Store, cfg config.LoopsConfig) *AuditWorker {
	return &AuditWorker{store: s, interval: cfg.Interval("audit")}
}

// Run executes the audit loop until ctx is cancelled.
func (w *AuditWorker) Run(ctx context.Context) error {
	slog.Info("Audit worker started", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *AuditWorker) tick() {
	w.processEdits()
	w.processDeletes()
}

func (w *AuditWorker) processEdits() {
	edits, err := w.store.EditPending()
	if err != nil {
		slog.Error("Audit: edit query failed", "error", err)
		return
	}
	for _, m := range edits {
		w.auditEdit(m)
	}
}

func (w *AuditWorker) auditEdit(m *store.Message) {
	now := time.Now()

	cancelled := w.cancelSpawned(m, "edit", now)

	// Unrouted messages just wait for triage to pick up the new content;
	// marking the edit audited here prevents reprocessing.
	if cancelled > 0 && m.Content != "" {
		replacement := &store.Job{
			TraceID:   m.TraceID,
			Kind:      store.JobKindAction,
			ChatID:    m.PlatformChatID,
			Prompt:    m.Content,
			SourceIDs: []string{m.ID},
		}
		if err := w.store.CreateJob(replacement, now); err != nil {
			slog.Error("Audit: replacement draft failed", "message", m.ID, "error", err)
			return
		}
		_ = w.store.EnqueueOutbox(&store.OutboxRow{
			TraceID:     m.TraceID,
			ChatID:      m.PlatformChatID,
			Content:     "Noticed your edit, restarting that task with the new wording.",
			ReplyTo:     m.PlatformID,
			RewrittenAt: &now,
		}, now)
		_ = w.store.AppendEvent(m.TraceID, "audit", "audit.superseded", map[string]any{
			"message_id": m.ID, "replacement_job": replacement.ID, "cancelled": cancelled,
		}, now)
		slog.Info("Audit: edit superseded running work", "message", m.ID, "cancelled", cancelled)
	}

	if err := w.store.StampAudited(m.ID, m.ContentVersion, now); err != nil {
		slog.Error("Audit: edit stamp failed", "message", m.ID, "error", err)
	}
}

func (w *AuditWorker) processDeletes() {
	deletes, err := w.store.DeletePending()
	if err != nil {
		slog.Error("Audit: delete query failed", "error", err)
		return
	}
	for _, m := range deletes {
		now := time.Now()
		cancelled := w.cancelSpawned(m, "delete", now)
		if cancelled > 0 {
			_ = w.store.AppendEvent(m.TraceID, "audit", "audit.retracted", map[string]any{
				"message_id": m.ID, "cancelled": cancelled,
			}, now)
			slog.Info("Audit: deletion cancelled spawned work", "message", m.ID, "cancelled", cancelled)
		}
		if err := w.store.StampAudited(m.ID, m.ContentVersion, now); err != nil {
			slog.Error("Audit: delete stamp failed", "message", m.ID, "error", err)
		}
	}
}

// cancelSpawned cancels every active job sourced from the message and
// suppresses their queued deliveries. Returns the number cancelled.
func (w *AuditWorker) cancelSpawned(m *store.Message, reason string, now time.Time) int {
	jobs, err := w.store.JobsBySourceMessage(m.ID)
	if err != nil {
		slog.Error("Audit: spawned jobs query failed", "message", m.ID, "error", err)
		return 0
	}
	cancelled := 0
	for _, job := range jobs {
		ok, err := w.store.CancelJob(job.ID, reason, now)
		if err != nil {
			slog.Error("Audit: cancel failed", "job", job.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if _, err := w.store.CancelOutboxForJob(job.ID, reason, now); err != nil {
			slog.Error("Audit: outbox suppression failed", "job", job.ID, "error", err)
		}
		_ = w.store.AppendEvent(job.TraceID, "audit", "audit.cancelled", map[string]any{
			"job_id": job.ID, "message_id": m.ID, "reason": reason,
		}, now)
		cancelled++
	}
	return cancelled
}
