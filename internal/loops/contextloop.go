package loops

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voxclaw/voxclaw/internal/ai"
	"github.com/voxclaw/voxclaw/internal/config"
	"github.com/voxclaw/voxclaw/internal/store"
)

// ContextWorker enriches draft jobs with conversation history and
// retrieved context, then promotes them to pending.
type ContextWorker struct {
	store    *store.Store
	ai       ai.Service
	cfg      config.LoopsConfig
	interval time.Duration
}

// NewContextWorker builds the context loop.
func NewContextWorker(s *store.Store, svc ai.Service, cfg config.LoopsConfig) *ContextWorker {
	return &ContextWorker{store: s, ai: svc, cfg: cfg, interval: cfg.Interval("context")}
}

// Run executes the context loop until ctx is cancelled.
func (w *ContextWorker) Run(ctx context.Context) error {
	slog.Info("Context worker started", "interval", w.interval, "max_attempts", w.cfg.ContextMaxAttempts)
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

func (w *ContextWorker) tick(ctx context.Context) {
	drafts, err := w.store.DraftJobs()
	if err != nil {
		slog.Error("Context: draft query failed", "error", err)
		return
	}
	for _, job := range drafts {
		if ctx.Err() != nil {
			return
		}
		w.enrich(ctx, job)
	}
}

func (w *ContextWorker) enrich(ctx context.Context, job *store.Job) {
	now := time.Now()

	// Failed attempts retry with exponential backoff against updated_at.
	if job.ContextAttempts > 0 {
		wait := Backoff(job.ContextAttempts, w.cfg.BackoffBaseMs, w.cfg.BackoffMaxMs)
		if now.Before(job.UpdatedAt.Add(wait)) {
			return
		}
	}

	enriched, err := w.buildEnrichedPrompt(ctx, job, now)
	if err != nil {
		w.handleFailure(job, err, now)
		return
	}

	if err := w.store.PromoteDraft(job.ID, enriched, now); err != nil {
		slog.Error("Context: promote failed", "job", job.ID, "error", err)
		return
	}
	_ = w.store.AppendEvent(job.TraceID, "context", "context.enriched", map[string]any{
		"job_id": job.ID,
	}, now)
}

func (w *ContextWorker) buildEnrichedPrompt(ctx context.Context, job *store.Job, now time.Time) (string, error) {
	history, err := w.store.RecentHistory(job.ChatID, w.cfg.HistoryN)
	if err != nil {
		return "", ai.Retryable(err)
	}
	historyLines := make([]string, 0, len(history))
	for _, m := range history {
		historyLines = append(historyLines, m.Direction+": "+m.Content)
	}

	queryVec, err := w.ai.EmbedText(ctx, job.Prompt)
	if err != nil {
		return "", err
	}

	// Backfill source message embeddings so future retrievals can find
	// this interaction, and gather the attachments the run will need.
	var attachments []store.Attachment
	for _, sourceID := range job.SourceIDs {
		m, merr := w.store.MessageByID(sourceID)
		if merr != nil {
			continue
		}
		attachments = append(attachments, m.Attachments...)
		if m.Content == "" {
			continue
		}
		if vec, verr := w.ai.EmbedText(ctx, m.Content); verr == nil {
			_ = w.store.SetEmbedding(m.ID, vec, now)
		}
	}

	similar, err := w.store.SimilarMessages(job.ChatID, queryVec, w.cfg.KRag, job.SourceIDs)
	if err != nil {
		return "", ai.Retryable(err)
	}
	retrieved := make([]string, 0, len(similar))
	for _, m := range similar {
		retrieved = append(retrieved, m.Content)
	}

	enriched, err := w.ai.EnrichJob(ctx, job.Prompt, historyLines, retrieved)
	if err != nil {
		return "", err
	}
	return withAttachmentManifest(enriched, attachments), nil
}

// sandboxMediaDir is where the runtime stages source attachments inside
// the sandbox workspace.
const sandboxMediaDir = "/workspace/media"

// withAttachmentManifest appends the workspace paths of the source
// messages' media so the agent can find voice notes, images and documents
// the user sent. Without it a transcription prompt names no file at all.
func withAttachmentManifest(prompt string, attachments []store.Attachment) string {
	if len(attachments) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nAttached files:\n")
	for _, a := range attachments {
		fmt.Fprintf(&b, "- %s: %s/%s\n", a.Type, sandboxMediaDir, a.Name)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (w *ContextWorker) handleFailure(job *store.Job, err error, now time.Time) {
	if !ai.IsRetryable(err) {
		slog.Error("Context: permanent enrichment failure", "job", job.ID, "error", err)
		_ = w.store.FailJob(job.ID, "context: "+err.Error(), now)
		_ = w.store.AppendEvent(job.TraceID, "context", "context.failed", map[string]any{
			"job_id": job.ID, "error": err.Error(),
		}, now)
		return
	}

	attempts, berr := w.store.BumpContextAttempts(job.ID, now)
	if berr != nil {
		slog.Error("Context: attempt bump failed", "job", job.ID, "error", berr)
		return
	}
	_ = w.store.AppendEvent(job.TraceID, "context", "context.retry", map[string]any{
		"job_id": job.ID, "attempt": attempts, "error": err.Error(),
	}, now)

	if attempts >= w.cfg.ContextMaxAttempts {
		slog.Warn("Context: enrichment attempts exhausted", "job", job.ID, "attempts", attempts)
		_ = w.store.FailJob(job.ID, "context_exhausted", now)
		_ = w.store.AppendEvent(job.TraceID, "context", "context.exhausted", map[string]any{
			"job_id": job.ID,
		}, now)
	}
}
