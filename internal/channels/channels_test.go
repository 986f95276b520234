package channels

import (
	"context"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/voxclaw/voxclaw/internal/bus"
	"github.com/voxclaw/voxclaw/internal/config"
)

type stubChannel struct {
	name string
	sent []*bus.OutboundMessage
}

func (s *stubChannel) Name() string                    { return s.name }
func (s *stubChannel) Start(ctx context.Context) error { return nil }
func (s *stubChannel) Stop() error                     { return nil }
func (s *stubChannel) Send(ctx context.Context, msg *bus.OutboundMessage) (string, error) {
	s.sent = append(s.sent, msg)
	return "id-1", nil
}
func (s *stubChannel) SendTyping(ctx context.Context, chatID string, typing bool) error {
	return nil
}

func TestRegistryRoutesByChannelName(t *testing.T) {
	r := NewRegistry()
	wa := &stubChannel{name: "whatsapp"}
	sl := &stubChannel{name: "slack"}
	r.Register(wa)
	r.Register(sl)

	id, err := r.Send(context.Background(), &bus.OutboundMessage{Channel: "slack", ChatID: "C1", Content: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "id-1" {
		t.Errorf("id = %q", id)
	}
	if len(sl.sent) != 1 || len(wa.sent) != 0 {
		t.Errorf("routed to wrong channel: slack=%d whatsapp=%d", len(sl.sent), len(wa.sent))
	}
}

func TestRegistryUnknownChannel(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Send(context.Background(), &bus.OutboundMessage{Channel: "ghost"}); err == nil {
		t.Fatal("send to unregistered channel must fail")
	}
}

func TestExtFromMime(t *testing.T) {
	cases := []struct {
		mime, fallback, want string
	}{
		{"image/png", "bin", "png"},
		{"image/jpeg", "bin", "jpg"},
		{"audio/ogg; codecs=opus", "bin", "ogg"},
		{"application/pdf", "bin", "pdf"},
		{"application/x-unknown", "bin", "bin"},
	}
	for _, tc := range cases {
		if got := extFromMime(tc.mime, tc.fallback); got != tc.want {
			t.Errorf("extFromMime(%q) = %q, want %q", tc.mime, got, tc.want)
		}
	}
}

func TestSlackMessageEventsFlowToBus(t *testing.T) {
	b := bus.NewMessageBus()
	c := NewSlackChannel(config.SlackConfig{}, b)
	c.botUserID = "UBOT"

	c.handleMessage(&slackevents.MessageEvent{
		Channel: "C1", User: "U1", Text: "hello", TimeStamp: "100.000100",
	})
	evt, ok := b.TryConsumeInbound()
	if !ok || evt.Kind != bus.EventMessage || evt.PlatformID != "100.000100" || evt.ChatID != "C1" {
		t.Fatalf("message event = %+v", evt)
	}

	// An edit carries the original message's ts as the platform id so the
	// gateway upsert hits the existing row.
	c.handleMessage(&slackevents.MessageEvent{
		SubType: "message_changed", Channel: "C1",
		Message: &slack.Msg{User: "U1", Text: "hello again", Timestamp: "100.000100"},
	})
	evt, ok = b.TryConsumeInbound()
	if !ok || evt.Kind != bus.EventEdit {
		t.Fatalf("edit event = %+v", evt)
	}
	if evt.PlatformID != "100.000100" || evt.Content != "hello again" {
		t.Errorf("edit binding = id %q content %q", evt.PlatformID, evt.Content)
	}

	c.handleMessage(&slackevents.MessageEvent{
		SubType: "message_deleted", Channel: "C1", DeletedTimeStamp: "100.000100",
	})
	evt, ok = b.TryConsumeInbound()
	if !ok || evt.Kind != bus.EventDelete || evt.PlatformID != "100.000100" {
		t.Fatalf("delete event = %+v", evt)
	}

	// The bot's own traffic never loops back in.
	c.handleMessage(&slackevents.MessageEvent{Channel: "C1", User: "UBOT", Text: "echo", TimeStamp: "101.1"})
	c.handleMessage(&slackevents.MessageEvent{Channel: "C1", BotID: "B9", Text: "bot", TimeStamp: "101.2"})
	if evt, ok := b.TryConsumeInbound(); ok {
		t.Fatalf("bot message leaked: %+v", evt)
	}
}

func TestSlackTime(t *testing.T) {
	got := slackTime("1724500000.000200")
	if got.Unix() != 1724500000 {
		t.Errorf("slackTime = %v", got)
	}
	// Garbage falls back to now rather than zero.
	if slackTime("not-a-ts").Before(time.Now().Add(-time.Minute)) {
		t.Error("invalid timestamp should fall back to current time")
	}
}
