package loops

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxclaw/voxclaw/internal/bus"
	"github.com/voxclaw/voxclaw/internal/channels"
	"github.com/voxclaw/voxclaw/internal/config"
	"github.com/voxclaw/voxclaw/internal/store"
)

// DeliveryWorker ships rewritten outbox rows to their transports with
// exponential retry. Rows exhausting the attempt budget stay in the table
// as dead letters.
type DeliveryWorker struct {
	store    *store.Store
	registry *channels.Registry
	cfg      config.LoopsConfig
	interval time.Duration
}

// NewDeliveryWorker builds the delivery loop.
func NewDeliveryWorker(s *store.Store, reg *channels.Registry, cfg config.LoopsConfig) *DeliveryWorker {
	return &DeliveryWorker{store: s, registry: reg, cfg: cfg, interval: cfg.Interval("delivery")}
}

// Run executes the delivery loop until ctx is cancelled.
func (w *DeliveryWorker) Run(ctx context.Context) error {
	slog.Info("Delivery worker started", "interval", w.interval, "max_attempts", w.cfg.MaxDeliveryAttempts)
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

func (w *DeliveryWorker) tick(ctx context.Context) {
	rows, err := w.store.PendingOutbox(w.cfg.MaxDeliveryAttempts)
	if err != nil {
		slog.Error("Delivery: pending query failed", "error", err)
		return
	}
	for _, row := range rows {
		if ctx.Err() != nil {
			return
		}
		w.deliver(ctx, row)
	}
}

func (w *DeliveryWorker) deliver(ctx context.Context, row *store.OutboxRow) {
	now := time.Now()

	// Failed rows wait out their backoff window before the next attempt.
	if row.AttemptCount > 0 {
		wait := Backoff(row.AttemptCount, w.cfg.BackoffBaseMs, w.cfg.BackoffMaxMs)
		if now.Before(row.UpdatedAt.Add(wait)) {
			return
		}
	}

	channelName, chatID := bus.SplitChatKey(row.ChatID)
	platformID, err := w.registry.Send(ctx, &bus.OutboundMessage{
		Channel:  channelName,
		ChatID:   chatID,
		TraceID:  row.TraceID,
		OutboxID: row.ID,
		Content:  row.Content,
		Media:    toMedia(row.Attachments),
		ReplyTo:  row.ReplyTo,
	})
	if err != nil {
		w.handleFailure(row, err, now)
		return
	}

	if err := w.store.MarkDelivered(row.ID, now); err != nil {
		slog.Error("Delivery: delivered stamp failed", "outbox", row.ID, "error", err)
		return
	}
	// The companion message row keeps the conversation history complete and
	// lets audit and retrieval see what was said.
	_ = w.store.InsertOutbound(&store.Message{
		TraceID:        row.TraceID,
		PlatformID:     platformID,
		PlatformChatID: row.ChatID,
		Content:        row.Content,
		Attachments:    row.Attachments,
		JobID:          row.JobID,
		ReplyToID:      row.ReplyToMessageID,
	}, now)
	_ = w.store.AppendEvent(row.TraceID, "delivery", "delivery.sent", map[string]any{
		"outbox_id": row.ID, "platform_id": platformID, "attempts": row.AttemptCount + 1,
	}, now)
	slog.Info("Delivery: message sent", "outbox", row.ID, "chat", row.ChatID)
}

func (w *DeliveryWorker) handleFailure(row *store.OutboxRow, sendErr error, now time.Time) {
	if err := w.store.MarkDeliveryFailed(row.ID, sendErr.Error(), now); err != nil {
		slog.Error("Delivery: failure stamp failed", "outbox", row.ID, "error", err)
		return
	}
	attempts := row.AttemptCount + 1
	if attempts >= w.cfg.MaxDeliveryAttempts {
		slog.Error("Delivery: message dead-lettered", "outbox", row.ID, "attempts", attempts, "error", sendErr)
		_ = w.store.AppendEvent(row.TraceID, "delivery", "delivery.dead_letter", map[string]any{
			"outbox_id": row.ID, "attempts": attempts, "error": sendErr.Error(),
		}, now)
		return
	}
	slog.Warn("Delivery: send failed, will retry", "outbox", row.ID, "attempt", attempts, "error", sendErr)
}

func toMedia(attachments []store.Attachment) []bus.Media {
	if len(attachments) == 0 {
		return nil
	}
	out := make([]bus.Media, len(attachments))
	for i, a := range attachments {
		out[i] = bus.Media{Type: a.Type, Name: a.Name, Mime: a.Mime, Size: a.Size, Path: a.Path}
	}
	return out
}
