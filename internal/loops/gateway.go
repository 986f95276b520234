// Package loops implements the worker loops that advance the shared state
// machine: gateway, triage, context, clock, runtime, reply, delivery and
// audit. Each loop is a singleton that polls the store on its own cadence;
// loops never signal each other.
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

// GatewayWorker bridges transports and the store. Ingest drains the bus
// into messages and typing state; egress toggles transport typing
// indicators while a chat has active work.
type GatewayWorker struct {
	store    *store.Store
	bus      *bus.MessageBus
	registry *channels.Registry
	interval time.Duration

	// typingShown tracks which chats currently show a typing indicator.
	typingShown map[string]bool
}

// NewGatewayWorker builds the gateway loop.
func NewGatewayWorker(s *store.Store, b *bus.MessageBus, reg *channels.Registry, cfg config.LoopsConfig) *GatewayWorker {
	return &GatewayWorker{
		store:       s,
		bus:         b,
		registry:    reg,
		interval:    cfg.Interval("gateway"),
		typingShown: make(map[string]bool),
	}
}

// Run executes the gateway loop until ctx is cancelled.
func (w *GatewayWorker) Run(ctx context.Context) error {
	slog.Info("Gateway worker started", "interval", w.interval)
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

func (w *GatewayWorker) tick(ctx context.Context) {
	w.ingest()
	w.egress(ctx)
}

// ingest drains all queued transport events into the store.
func (w *GatewayWorker) ingest() {
	for {
		evt, ok := w.bus.TryConsumeInbound()
		if !ok {
			return
		}
		w.handleEvent(evt)
	}
}

func (w *GatewayWorker) handleEvent(evt *bus.InboundEvent) {
	now := time.Now()
	chatKey := bus.ChatKey(evt.Channel, evt.ChatID)

	switch evt.Kind {
	case bus.EventTyping:
		if err := w.store.TouchTyping(chatKey, evt.Typing, now); err != nil {
			slog.Warn("Gateway: typing update failed", "chat", chatKey, "error", err)
		}

	case bus.EventMessage, bus.EventEdit:
		subscribed, err := w.store.Subscribed(chatKey)
		if err != nil {
			slog.Warn("Gateway: subscription check failed", "chat", chatKey, "error", err)
			return
		}
		if !subscribed {
			return
		}
		msg := &store.Message{
			PlatformID:       evt.PlatformID,
			PlatformChatID:   chatKey,
			PlatformSenderID: evt.SenderID,
			Content:          evt.Content,
			Attachments:      toAttachments(evt.Media),
		}
		stored, inserted, err := w.store.UpsertInbound(msg, now)
		if err != nil {
			slog.Error("Gateway: ingest failed", "platform_id", evt.PlatformID, "error", err)
			return
		}
		if inserted {
			_ = w.store.TouchInbound(chatKey, now)
			_ = w.store.AppendEvent(stored.TraceID, "gateway", "gateway.ingested", map[string]any{
				"message_id": stored.ID,
				"chat_id":    chatKey,
			}, now)
		} else if stored.ContentVersion > stored.AuditProcessedVersion {
			_ = w.store.AppendEvent(stored.TraceID, "gateway", "gateway.edited", map[string]any{
				"message_id":      stored.ID,
				"content_version": stored.ContentVersion,
			}, now)
		}

	case bus.EventDelete:
		if err := w.store.MarkMessageDeleted(evt.PlatformID, now); err != nil {
			slog.Warn("Gateway: delete failed", "platform_id", evt.PlatformID, "error", err)
			return
		}
		if m, err := w.store.MessageByPlatformID(evt.PlatformID); err == nil {
			_ = w.store.AppendEvent(m.TraceID, "gateway", "gateway.deleted", map[string]any{
				"message_id": m.ID,
			}, now)
		}
	}
}

// egress shows typing indicators for chats with running or paused jobs and
// clears them once the work settles.
func (w *GatewayWorker) egress(ctx context.Context) {
	active, err := w.store.ChatsWithActiveRuns()
	if err != nil {
		slog.Warn("Gateway: active chats query failed", "error", err)
		return
	}
	activeSet := make(map[string]bool, len(active))
	for _, chatKey := range active {
		activeSet[chatKey] = true
		if !w.typingShown[chatKey] {
			channelName, chatID := bus.SplitChatKey(chatKey)
			w.registry.SendTyping(ctx, channelName, chatID, true)
			w.typingShown[chatKey] = true
		}
	}
	for chatKey := range w.typingShown {
		if !activeSet[chatKey] {
			channelName, chatID := bus.SplitChatKey(chatKey)
			w.registry.SendTyping(ctx, channelName, chatID, false)
			delete(w.typingShown, chatKey)
		}
	}
}

func toAttachments(media []bus.Media) []store.Attachment {
	if len(media) == 0 {
		return nil
	}
	out := make([]store.Attachment, len(media))
	for i, m := range media {
		out[i] = store.Attachment{Type: m.Type, Name: m.Name, Mime: m.Mime, Size: m.Size, Path: m.Path}
	}
	return out
}
