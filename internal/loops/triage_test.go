package loops

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxclaw/voxclaw/internal/ai"
	"github.com/voxclaw/voxclaw/internal/store"
)

func newTriageWorker(s *store.Store, svc ai.Service) *TriageWorker {
	return NewTriageWorker(s, svc, testLoopsConfig())
}

func TestTriageReplyDecision(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Add(-time.Minute)
	m := insertInbound(t, s, "test:c1", "p1", "what's the capital of France?", now)

	svc := &fakeAI{triage: func(in ai.TriageInput) (ai.Decision, error) {
		return ai.Decision{Kind: ai.DecisionReply, Reply: "Paris."}, nil
	}}
	w := newTriageWorker(s, svc)
	w.tick(context.Background())

	batch, err := s.UnroutedBatch("test:c1")
	if err != nil {
		t.Fatalf("unrouted batch: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("batch should be routed, %d left", len(batch))
	}

	rows, err := s.PendingOutbox(8)
	if err != nil {
		t.Fatalf("pending outbox: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("want 1 deliverable outbox row, got %d", len(rows))
	}
	if rows[0].Content != "Paris." {
		t.Errorf("content = %q", rows[0].Content)
	}
	if rows[0].RewrittenAt == nil {
		t.Error("direct reply should skip the rewrite loop")
	}
	if rows[0].ReplyToMessageID != m.ID {
		t.Errorf("reply_to_message_id = %q, want %q", rows[0].ReplyToMessageID, m.ID)
	}
	if rows[0].TraceID != m.TraceID {
		t.Errorf("trace id not propagated: %q vs %q", rows[0].TraceID, m.TraceID)
	}
}

func TestTriageDefersWhileTyping(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	insertInbound(t, s, "test:c1", "p1", "hold on", now.Add(-time.Minute))
	if err := s.TouchTyping("test:c1", true, now); err != nil {
		t.Fatalf("touch typing: %v", err)
	}

	svc := &fakeAI{}
	w := newTriageWorker(s, svc)
	w.tick(context.Background())

	if svc.triageCalls != 0 {
		t.Error("classifier called while user typing")
	}
	batch, _ := s.UnroutedBatch("test:c1")
	if len(batch) != 1 {
		t.Fatalf("batch routed despite typing, %d left", len(batch))
	}
}

func TestTriageCreateJobsIntersectsSources(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Add(-time.Minute)
	m1 := insertInbound(t, s, "test:c1", "p1", "book flights", now)
	insertInbound(t, s, "test:c1", "p2", "and a hotel", now.Add(time.Second))

	svc := &fakeAI{triage: func(in ai.TriageInput) (ai.Decision, error) {
		return ai.Decision{Kind: ai.DecisionCreateJobs, Tasks: []ai.TaskSpec{
			{Prompt: "book flights to Lisbon", SourceIDs: []string{m1.ID, "not-in-batch"}},
		}}, nil
	}}
	w := newTriageWorker(s, svc)
	w.tick(context.Background())

	drafts, err := s.DraftJobs()
	if err != nil {
		t.Fatalf("draft jobs: %v", err)
	}
	if len(drafts) != 1 {
		t.Fatalf("want 1 draft, got %d", len(drafts))
	}
	if len(drafts[0].SourceIDs) != 1 || drafts[0].SourceIDs[0] != m1.ID {
		t.Errorf("source ids = %v, want [%s]", drafts[0].SourceIDs, m1.ID)
	}
}

func TestTriageAudioOnlyForcesTranscription(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Add(-time.Minute)
	_, _, err := s.UpsertInbound(&store.Message{
		PlatformID:     "p1",
		PlatformChatID: "test:c1",
		Attachments:    []store.Attachment{{Type: "voice", Name: "note.ogg"}},
	}, now)
	if err != nil {
		t.Fatalf("insert voice note: %v", err)
	}

	svc := &fakeAI{}
	w := newTriageWorker(s, svc)
	w.tick(context.Background())

	if svc.triageCalls != 0 {
		t.Error("classifier should be skipped for audio-only batches")
	}
	drafts, _ := s.DraftJobs()
	if len(drafts) != 1 {
		t.Fatalf("want 1 transcription draft, got %d", len(drafts))
	}
	if drafts[0].Prompt != transcribePrompt {
		t.Errorf("prompt = %q", drafts[0].Prompt)
	}
}

func TestTriagePermanentErrorFailsOpen(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Add(-time.Minute)
	insertInbound(t, s, "test:c1", "p1", "gibberish", now)

	svc := &fakeAI{triage: func(in ai.TriageInput) (ai.Decision, error) {
		return ai.Decision{}, ai.Permanentf("unparseable")
	}}
	w := newTriageWorker(s, svc)
	w.tick(context.Background())

	batch, _ := s.UnroutedBatch("test:c1")
	if len(batch) != 0 {
		t.Error("permanent classifier failure must still route the batch")
	}
	drafts, _ := s.DraftJobs()
	if len(drafts) != 0 {
		t.Error("failed batch must not spawn jobs")
	}
}

func TestTriageRetryableErrorDefers(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Add(-time.Minute)
	insertInbound(t, s, "test:c1", "p1", "try later", now)

	svc := &fakeAI{triage: func(in ai.TriageInput) (ai.Decision, error) {
		return ai.Decision{}, ai.Retryable(errors.New("rate limited"))
	}}
	w := newTriageWorker(s, svc)
	w.tick(context.Background())

	batch, _ := s.UnroutedBatch("test:c1")
	if len(batch) != 1 {
		t.Error("retryable classifier failure must leave the batch unrouted")
	}
}

func TestTriageResumeBindsMostRecentPaused(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-time.Hour)

	older := createPendingJob(t, s, "test:c1", "first task", base)
	newer := createPendingJob(t, s, "test:c1", "second task", base.Add(time.Second))
	for i, id := range []string{older.ID, newer.ID} {
		claimAndPause(t, s, id, base.Add(time.Duration(i+2)*time.Second))
	}

	insertInbound(t, s, "test:c1", "p-answer", "yes, the blue one", base.Add(time.Minute))
	svc := &fakeAI{triage: func(in ai.TriageInput) (ai.Decision, error) {
		return ai.Decision{Kind: ai.DecisionResumeJob, ResumeAnswer: "yes, the blue one"}, nil
	}}
	w := newTriageWorker(s, svc)
	w.tick(context.Background())

	if j := requireJob(t, s, newer.ID); j.Status != store.JobPending || j.ResumeInput != "yes, the blue one" {
		t.Errorf("most recently paused job not resumed: status=%s resume=%q", j.Status, j.ResumeInput)
	}
	if j := requireJob(t, s, older.ID); j.Status != store.JobPaused {
		t.Errorf("older paused job should stay paused, got %s", j.Status)
	}
}

func TestTriageCancelJobSuppressesOutbox(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-time.Hour)
	job := createPendingJob(t, s, "test:c1", "long task", base)
	if err := s.EnqueueOutbox(&store.OutboxRow{
		TraceID: job.TraceID, ChatID: "test:c1", Content: "partial", JobID: job.ID,
	}, base); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	insertInbound(t, s, "test:c1", "p1", "never mind, stop it", base.Add(time.Minute))
	svc := &fakeAI{triage: func(in ai.TriageInput) (ai.Decision, error) {
		return ai.Decision{Kind: ai.DecisionCancelJob, JobID: job.ID}, nil
	}}
	w := newTriageWorker(s, svc)
	w.tick(context.Background())

	if j := requireJob(t, s, job.ID); j.Status != store.JobCancelled {
		t.Fatalf("status = %s, want cancelled", j.Status)
	}
	if rows := allOutbox(t, s); len(rows) != 0 {
		t.Errorf("cancelled job's outbox should be suppressed, %d rows remain", len(rows))
	}
}

func TestTriageSetSubscription(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Add(-time.Minute)
	insertInbound(t, s, "test:c1", "p1", "mute yourself", now)

	svc := &fakeAI{triage: func(in ai.TriageInput) (ai.Decision, error) {
		return ai.Decision{Kind: ai.DecisionSetSubscription, Subscribe: false}, nil
	}}
	w := newTriageWorker(s, svc)
	w.tick(context.Background())

	subscribed, err := s.Subscribed("test:c1")
	if err != nil {
		t.Fatalf("subscribed: %v", err)
	}
	if subscribed {
		t.Error("chat should be unsubscribed")
	}
}

func claimAndPause(t *testing.T, s *store.Store, jobID string, now time.Time) {
	t.Helper()
	for {
		j, err := s.ClaimPending(now)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if j.ID == jobID {
			break
		}
	}
	if err := s.PauseJob(jobID, "which one?", now); err != nil {
		t.Fatalf("pause: %v", err)
	}
}
