package loops

import (
	"context"
	"testing"
	"time"

	"github.com/voxclaw/voxclaw/internal/bus"
	"github.com/voxclaw/voxclaw/internal/store"
)

func newGatewayFixture(t *testing.T) (*GatewayWorker, *store.Store, *bus.MessageBus, *fakeChannel) {
	t.Helper()
	s := newTestStore(t)
	b := bus.NewMessageBus()
	ch := newFakeChannel("test")
	w := NewGatewayWorker(s, b, newTestRegistry(ch), testLoopsConfig())
	return w, s, b, ch
}

func TestGatewayIngestsMessage(t *testing.T) {
	w, s, b, _ := newGatewayFixture(t)
	b.PublishInbound(&bus.InboundEvent{
		Kind:       bus.EventMessage,
		Channel:    "test",
		PlatformID: "p1",
		ChatID:     "c1",
		SenderID:   "alice",
		Content:    "hello there",
	})

	w.ingest()

	m, err := s.MessageByPlatformID("p1")
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if m.PlatformChatID != "test:c1" {
		t.Errorf("chat id = %q, want channel-qualified key", m.PlatformChatID)
	}
	if m.Content != "hello there" {
		t.Errorf("content = %q", m.Content)
	}

	ts, err := s.Typing("test:c1")
	if err != nil {
		t.Fatalf("typing: %v", err)
	}
	if ts.LastInboundAt == nil {
		t.Error("inbound arrival not recorded for quiescence tracking")
	}
}

func TestGatewayTypingEventsGateQuiescence(t *testing.T) {
	w, s, b, _ := newGatewayFixture(t)
	b.PublishInbound(&bus.InboundEvent{
		Kind: bus.EventTyping, Channel: "test", ChatID: "c1", Typing: true,
	})
	w.ingest()

	quiet, err := s.Quiescent("test:c1", time.Millisecond, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("quiescent: %v", err)
	}
	if quiet {
		t.Error("chat with typing flag set must not be quiescent")
	}
}

func TestGatewayDropsUnsubscribedChat(t *testing.T) {
	w, s, b, _ := newGatewayFixture(t)
	if err := s.SetSubscription("test:c1", false, time.Now()); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	b.PublishInbound(&bus.InboundEvent{
		Kind: bus.EventMessage, Channel: "test", PlatformID: "p1", ChatID: "c1", Content: "ignored",
	})
	w.ingest()

	if _, err := s.MessageByPlatformID("p1"); err != store.ErrNotFound {
		t.Errorf("unsubscribed chat message stored, err = %v", err)
	}
}

func TestGatewayDeleteMarksMessage(t *testing.T) {
	w, s, b, _ := newGatewayFixture(t)
	b.PublishInbound(&bus.InboundEvent{
		Kind: bus.EventMessage, Channel: "test", PlatformID: "p1", ChatID: "c1", Content: "oops",
	})
	b.PublishInbound(&bus.InboundEvent{
		Kind: bus.EventDelete, Channel: "test", PlatformID: "p1", ChatID: "c1",
	})
	w.ingest()

	m, err := s.MessageByPlatformID("p1")
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if !m.IsDeleted {
		t.Error("message not marked deleted")
	}
}

func TestGatewayTypingEgressFollowsActiveRuns(t *testing.T) {
	w, s, _, ch := newGatewayFixture(t)
	now := time.Now().Add(-time.Minute)
	job := createPendingJob(t, s, "test:c1", "work", now)
	claimed, err := s.ClaimPending(now)
	if err != nil || claimed.ID != job.ID {
		t.Fatalf("claim: %v", err)
	}

	w.egress(context.Background())
	if !ch.typing["c1"] {
		t.Fatal("typing indicator not shown for chat with a running job")
	}

	if err := s.CompleteJob(job.ID, "done", time.Now()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	w.egress(context.Background())
	if ch.typing["c1"] {
		t.Error("typing indicator not cleared after the run finished")
	}
}

func TestGatewayEditPassesThroughUpsert(t *testing.T) {
	w, s, b, _ := newGatewayFixture(t)
	b.PublishInbound(&bus.InboundEvent{
		Kind: bus.EventMessage, Channel: "test", PlatformID: "p1", ChatID: "c1", Content: "v1",
	})
	b.PublishInbound(&bus.InboundEvent{
		Kind: bus.EventEdit, Channel: "test", PlatformID: "p1", ChatID: "c1", Content: "v2",
	})
	w.ingest()

	m, err := s.MessageByPlatformID("p1")
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if m.ContentVersion != 2 || m.Content != "v2" {
		t.Errorf("edit not applied: version=%d content=%q", m.ContentVersion, m.Content)
	}
}
