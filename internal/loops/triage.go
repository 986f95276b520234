package loops

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxclaw/voxclaw/internal/ai"
	"github.com/voxclaw/voxclaw/internal/config"
	"github.com/voxclaw/voxclaw/internal/store"
)

// transcribePrompt is the forced task for voice-note-only batches.
const transcribePrompt = "Transcribe the attached voice messages and carry out what they ask."

// TriageWorker classifies quiescent batches of unrouted messages and turns
// them into replies, jobs, crons or control actions. Stamping routed_at is
// the commit point; a crash before it re-runs the batch.
type TriageWorker struct {
	store    *store.Store
	ai       ai.Service
	cfg      config.LoopsConfig
	interval time.Duration
}

// NewTriageWorker builds the triage loop.
func NewTriageWorker(s *store.Store, svc ai.Service, cfg config.LoopsConfig) *TriageWorker {
	return &TriageWorker{store: s, ai: svc, cfg: cfg, interval: cfg.Interval("triage")}
}

// Run executes the triage loop until ctx is cancelled.
func (w *TriageWorker) Run(ctx context.Context) error {
	slog.Info("Triage worker started", "interval", w.interval, "quiet", w.cfg.TypingQuiet())
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

func (w *TriageWorker) tick(ctx context.Context) {
	chats, err := w.store.UnroutedChats()
	if err != nil {
		slog.Error("Triage: unrouted chats query failed", "error", err)
		return
	}
	for _, chatID := range chats {
		if ctx.Err() != nil {
			return
		}
		w.triageChat(ctx, chatID)
	}
}

func (w *TriageWorker) triageChat(ctx context.Context, chatID string) {
	now := time.Now()
	quiet, err := w.store.Quiescent(chatID, w.cfg.TypingQuiet(), now)
	if err != nil || !quiet {
		return
	}
	batch, err := w.store.UnroutedBatch(chatID)
	if err != nil || len(batch) == 0 {
		return
	}
	traceID := batch[0].TraceID

	input, err := w.buildInput(chatID, batch)
	if err != nil {
		slog.Error("Triage: input build failed", "chat", chatID, "error", err)
		return
	}

	var decision ai.Decision
	if ai.AudioOnly(input.Messages) {
		// Voice notes carry no text for the classifier; force transcription.
		decision = ai.Decision{Kind: ai.DecisionCreateJobs, Tasks: []ai.TaskSpec{{
			Prompt:    transcribePrompt,
			SourceIDs: messageIDs(batch),
		}}}
	} else {
		decision, err = w.ai.TriageBatch(ctx, input)
		if err != nil {
			if ai.IsRetryable(err) {
				slog.Warn("Triage: classifier unavailable, batch deferred", "chat", chatID, "error", err)
				return
			}
			// Malformed classifier output fails this batch open as noop.
			slog.Error("Triage: classifier output rejected", "chat", chatID, "error", err)
			_ = w.store.StampRouted(messageIDs(batch), now)
			_ = w.store.AppendEvent(traceID, "triage", "triage.failed", map[string]any{
				"chat_id": chatID, "error": err.Error(),
			}, now)
			return
		}
	}

	if err := w.apply(ctx, chatID, traceID, batch, decision, now); err != nil {
		slog.Error("Triage: decision apply failed", "chat", chatID, "decision", decision.String(), "error", err)
		return
	}

	if err := w.store.StampRouted(messageIDs(batch), now); err != nil {
		slog.Error("Triage: routing stamp failed", "chat", chatID, "error", err)
		return
	}
	_ = w.store.AppendEvent(traceID, "triage", "triage.routed", map[string]any{
		"chat_id":     chatID,
		"decision":    decision.String(),
		"message_ids": messageIDs(batch),
	}, now)
}

func (w *TriageWorker) buildInput(chatID string, batch []*store.Message) (ai.TriageInput, error) {
	input := ai.TriageInput{ChatID: chatID}
	for _, m := range batch {
		tm := ai.TriageMessage{ID: m.ID, Content: m.Content, IsEdit: m.ContentVersion > 1}
		for _, a := range m.Attachments {
			switch a.Type {
			case "audio", "voice":
				tm.HasAudio = true
			case "image":
				tm.HasImage = true
			}
		}
		input.Messages = append(input.Messages, tm)
	}

	jobs, err := w.store.ActiveJobsByChat(chatID)
	if err != nil {
		return input, err
	}
	for _, j := range jobs {
		input.ActiveJobs = append(input.ActiveJobs, ai.JobSummary{
			ID: j.ID, Status: j.Status, Prompt: j.Prompt, QuestionPending: j.QuestionPending,
		})
	}

	crons, err := w.store.ListCrons()
	if err != nil {
		return input, err
	}
	for _, c := range crons {
		if c.Enabled {
			input.ActiveCrons = append(input.ActiveCrons, ai.CronSummary{
				Name: c.Name, Schedule: c.Schedule, Prompt: c.Prompt,
			})
		}
	}

	history, err := w.store.RecentHistory(chatID, w.cfg.HistoryN)
	if err != nil {
		return input, err
	}
	for _, m := range history {
		input.History = append(input.History, m.Direction+": "+m.Content)
	}
	return input, nil
}

func (w *TriageWorker) apply(ctx context.Context, chatID, traceID string, batch []*store.Message, d ai.Decision, now time.Time) error {
	switch d.Kind {
	case ai.DecisionReply:
		return w.store.EnqueueOutbox(&store.OutboxRow{
			TraceID:          traceID,
			ChatID:           chatID,
			Content:          d.Reply,
			ReplyTo:          batch[len(batch)-1].PlatformID,
			ReplyToMessageID: batch[len(batch)-1].ID,
			RewrittenAt:      &now,
		}, now)

	case ai.DecisionCreateJobs:
		batchIDs := messageIDs(batch)
		for _, task := range d.Tasks {
			sourceIDs := intersect(task.SourceIDs, batchIDs)
			if len(sourceIDs) == 0 {
				sourceIDs = batchIDs
			}
			job := &store.Job{
				TraceID:   traceID,
				Kind:      store.JobKindAction,
				ChatID:    chatID,
				Prompt:    task.Prompt,
				SourceIDs: sourceIDs,
			}
			if err := w.store.CreateJob(job, now); err != nil {
				return err
			}
		}
		return nil

	case ai.DecisionCreateCron:
		tz := d.Cron.Timezone
		if tz == "" {
			tz = "UTC"
		}
		return w.store.UpsertCron(&store.Cron{
			TraceID:  traceID,
			Name:     d.Cron.Name,
			Schedule: d.Cron.Schedule,
			Timezone: tz,
			ChatID:   chatID,
			Prompt:   d.Cron.Prompt,
			Enabled:  true,
		}, now)

	case ai.DecisionCancelJob:
		cancelled, err := w.store.CancelJob(d.JobID, "user", now)
		if err != nil {
			return err
		}
		if cancelled {
			if _, err := w.store.CancelOutboxForJob(d.JobID, "user", now); err != nil {
				return err
			}
		}
		return nil

	case ai.DecisionCancelCron:
		_, err := w.store.DisableCronByName(d.CronName, now)
		return err

	case ai.DecisionResumeJob:
		return w.resumePaused(chatID, traceID, d, now)

	case ai.DecisionSetSubscription:
		return w.store.SetSubscription(chatID, d.Subscribe, now)

	case ai.DecisionNoop:
		return nil
	}
	return fmt.Errorf("unhandled decision kind %q", d.Kind)
}

// resumePaused binds the user's answer to a paused job. The classifier may
// name the job; otherwise the most recently paused job in the chat wins.
func (w *TriageWorker) resumePaused(chatID, traceID string, d ai.Decision, now time.Time) error {
	var target *store.Job
	if d.JobID != "" {
		j, err := w.store.JobByID(d.JobID)
		if err == nil && j.Status == store.JobPaused && j.ChatID == chatID {
			target = j
		}
	}
	if target == nil {
		j, err := w.store.MostRecentPaused(chatID)
		if err != nil {
			_ = w.store.AppendEvent(traceID, "triage", "triage.resume_unbound", map[string]any{
				"chat_id": chatID,
			}, now)
			return nil
		}
		target = j
	}
	if err := w.store.ResumeJob(target.ID, d.ResumeAnswer, now); err != nil {
		return err
	}
	return w.store.AppendEvent(target.TraceID, "triage", "triage.resumed", map[string]any{
		"job_id": target.ID,
	}, now)
}

func messageIDs(batch []*store.Message) []string {
	ids := make([]string, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}
	return ids
}

func intersect(want, allowed []string) []string {
	set := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		set[id] = true
	}
	var out []string
	for _, id := range want {
		if set[id] {
			out = append(out, id)
		}
	}
	return out
}
