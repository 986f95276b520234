package loops

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/voxclaw/voxclaw/internal/ai"
	"github.com/voxclaw/voxclaw/internal/config"
	"github.com/voxclaw/voxclaw/internal/store"
)

// maxBubbleLen caps a single chat bubble before truncation.
const maxBubbleLen = 1200

// bubbleSeparator splits a rewritten reply into multiple bubbles.
const bubbleSeparator = "\n---\n"

var (
	headingPattern  = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	codeFencePat    = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\n?")
	sandboxPathPat  = regexp.MustCompile(`(/workspace|/session|/tmp/voxclaw[^\s]*)/[^\s]*`)
	markdownLinkPat = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
)

// ReplyWorker turns raw job output into chat-sized messages. Outbox rows
// without rewritten_at wait here; delivery only picks up stamped rows.
type ReplyWorker struct {
	store    *store.Store
	ai       ai.Service
	interval time.Duration
}

// NewReplyWorker builds the reply rewrite loop.
func NewReplyWorker(s *store.Store, svc ai.Service, cfg config.LoopsConfig) *ReplyWorker {
	return &ReplyWorker{store: s, ai: svc, interval: cfg.Interval("reply")}
}

// Run executes the reply loop until ctx is cancelled.
func (w *ReplyWorker) Run(ctx context.Context) error {
	slog.Info("Reply worker started", "interval", w.interval)
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

func (w *ReplyWorker) tick(ctx context.Context) {
	rows, err := w.store.UnrewrittenOutbox()
	if err != nil {
		slog.Error("Reply: unrewritten query failed", "error", err)
		return
	}
	for _, row := range rows {
		if ctx.Err() != nil {
			return
		}
		w.rewrite(ctx, row)
	}
}

func (w *ReplyWorker) rewrite(ctx context.Context, row *store.OutboxRow) {
	now := time.Now()

	content := row.Content
	rewritten, err := w.ai.RewriteReply(ctx, content)
	switch {
	case err == nil:
		content = rewritten
	case ai.IsRetryable(err):
		slog.Warn("Reply: rewriter unavailable, deferred", "outbox", row.ID, "error", err)
		return
	default:
		// A permanent rewriter failure must not strand the message; ship
		// the sanitized original instead.
		slog.Error("Reply: rewrite rejected, sending sanitized original", "outbox", row.ID, "error", err)
	}

	bubbles := splitBubbles(content)
	for i, b := range bubbles {
		bubbles[i] = Sanitize(b)
	}
	if len(bubbles) == 0 {
		bubbles = []string{Sanitize(content)}
	}

	if err := w.store.StampRewritten(row.ID, bubbles[0], now); err != nil {
		slog.Error("Reply: rewrite stamp failed", "outbox", row.ID, "error", err)
		return
	}
	// Extra bubbles become their own stamped rows so delivery paces them
	// like any other message. Attachments ride on the first bubble only.
	for _, bubble := range bubbles[1:] {
		if err := w.store.EnqueueOutbox(&store.OutboxRow{
			TraceID:     row.TraceID,
			ChatID:      row.ChatID,
			Content:     bubble,
			JobID:       row.JobID,
			RewrittenAt: &now,
		}, now); err != nil {
			slog.Error("Reply: bubble enqueue failed", "outbox", row.ID, "error", err)
			return
		}
	}
	_ = w.store.AppendEvent(row.TraceID, "reply", "reply.rewritten", map[string]any{
		"outbox_id": row.ID, "bubbles": len(bubbles),
	}, now)
}

// Sanitize strips formatting that chat transports render as literal noise:
// markdown emphasis and headings, code fences, link syntax and sandbox file
// paths. Long messages are truncated with an abridged marker.
func Sanitize(s string) string {
	s = codeFencePat.ReplaceAllString(s, "")
	s = headingPattern.ReplaceAllString(s, "")
	s = markdownLinkPat.ReplaceAllString(s, "$1")
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	s = strings.ReplaceAll(s, "`", "")
	s = sandboxPathPat.ReplaceAllStringFunc(s, func(p string) string {
		i := strings.LastIndexByte(p, '/')
		return p[i+1:]
	})
	s = strings.TrimSpace(s)
	if len(s) > maxBubbleLen {
		// Never cut inside a multibyte rune.
		limit := maxBubbleLen
		for limit > 0 && !utf8.RuneStart(s[limit]) {
			limit--
		}
		cut := s[:limit]
		// Break on a word boundary when one is near.
		if i := strings.LastIndexByte(cut, ' '); i > maxBubbleLen-80 {
			cut = cut[:i]
		}
		s = strings.TrimSpace(cut) + " (abridged)"
	}
	return s
}

func splitBubbles(s string) []string {
	parts := strings.Split(s, bubbleSeparator)
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
