package loops

import (
	"testing"
	"time"

	"github.com/voxclaw/voxclaw/internal/store"
)

// routedMessageWithJob stores a routed inbound message and an active job
// spawned from it.
func routedMessageWithJob(t *testing.T, s *store.Store, now time.Time) (*store.Message, *store.Job) {
	t.Helper()
	m := insertInbound(t, s, "test:c1", "p1", "book a flight to Berlin", now)
	if err := s.StampRouted([]string{m.ID}, now); err != nil {
		t.Fatalf("stamp routed: %v", err)
	}
	job := &store.Job{
		TraceID:   m.TraceID,
		Kind:      store.JobKindAction,
		ChatID:    "test:c1",
		Prompt:    "book a flight to Berlin",
		SourceIDs: []string{m.ID},
	}
	if err := s.CreateJob(job, now); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return m, job
}

func TestAuditEditCancelsAndReboots(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-time.Minute)
	m, job := routedMessageWithJob(t, s, base)
	if err := s.EnqueueOutbox(&store.OutboxRow{
		TraceID: job.TraceID, ChatID: "test:c1", Content: "working on it", JobID: job.ID,
	}, base); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// User edits the routed message.
	edited, _, err := s.UpsertInbound(&store.Message{
		PlatformID:     "p1",
		PlatformChatID: "test:c1",
		Content:        "book a flight to Munich instead",
	}, base.Add(time.Second))
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.ContentVersion != 2 {
		t.Fatalf("content_version = %d", edited.ContentVersion)
	}

	w := NewAuditWorker(s, testLoopsConfig())
	w.tick()

	if j := requireJob(t, s, job.ID); j.Status != store.JobCancelled || j.CancelReason != "edit" {
		t.Fatalf("stale job: status=%s reason=%q", j.Status, j.CancelReason)
	}

	drafts, _ := s.DraftJobs()
	if len(drafts) != 1 {
		t.Fatalf("want 1 replacement draft, got %d", len(drafts))
	}
	if drafts[0].Prompt != "book a flight to Munich instead" {
		t.Errorf("replacement prompt = %q", drafts[0].Prompt)
	}
	if len(drafts[0].SourceIDs) != 1 || drafts[0].SourceIDs[0] != m.ID {
		t.Errorf("replacement sources = %v", drafts[0].SourceIDs)
	}

	// The stale job's queued output is suppressed; only the superseded
	// notice remains deliverable.
	rows, _ := s.PendingOutbox(8)
	if len(rows) != 1 {
		t.Fatalf("want only the superseded notice, got %d rows", len(rows))
	}

	after, _ := s.MessageByID(m.ID)
	if after.AuditProcessedVersion != 2 {
		t.Errorf("audit_processed_version = %d, want 2", after.AuditProcessedVersion)
	}

	// A second pass is a no-op.
	w.tick()
	if drafts, _ = s.DraftJobs(); len(drafts) != 1 {
		t.Errorf("audit re-ran an already reconciled edit, %d drafts", len(drafts))
	}
}

func TestAuditEditWithoutSpawnedWorkJustStamps(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-time.Minute)
	m := insertInbound(t, s, "test:c1", "p1", "nice weather today", base)
	if err := s.StampRouted([]string{m.ID}, base); err != nil {
		t.Fatalf("stamp: %v", err)
	}
	if _, _, err := s.UpsertInbound(&store.Message{
		PlatformID: "p1", PlatformChatID: "test:c1", Content: "lovely weather today",
	}, base.Add(time.Second)); err != nil {
		t.Fatalf("edit: %v", err)
	}

	w := NewAuditWorker(s, testLoopsConfig())
	w.tick()

	if drafts, _ := s.DraftJobs(); len(drafts) != 0 {
		t.Error("edit without cancelled work must not create a replacement")
	}
	after, _ := s.MessageByID(m.ID)
	if after.AuditProcessedVersion != 2 {
		t.Errorf("audit_processed_version = %d, want 2", after.AuditProcessedVersion)
	}
}

func TestAuditDeleteCancelsWithoutReplacement(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-time.Minute)
	m, job := routedMessageWithJob(t, s, base)

	if err := s.MarkMessageDeleted("p1", base.Add(time.Second)); err != nil {
		t.Fatalf("delete: %v", err)
	}

	w := NewAuditWorker(s, testLoopsConfig())
	w.tick()

	if j := requireJob(t, s, job.ID); j.Status != store.JobCancelled || j.CancelReason != "delete" {
		t.Fatalf("status=%s reason=%q", j.Status, j.CancelReason)
	}
	if drafts, _ := s.DraftJobs(); len(drafts) != 0 {
		t.Error("deletion must not reboot the job")
	}
	after, _ := s.MessageByID(m.ID)
	if after.AuditProcessedAt == nil {
		t.Error("deletion not stamped reconciled")
	}
}

func TestAuditDeleteOfTerminalJobIsQuiet(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-time.Minute)
	m, job := routedMessageWithJob(t, s, base)
	if err := s.PromoteDraft(job.ID, "enriched", base); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if _, err := s.ClaimPending(base); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CompleteJob(job.ID, "done already", base); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := s.MarkMessageDeleted("p1", base.Add(time.Second)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	w := NewAuditWorker(s, testLoopsConfig())
	w.tick()

	if j := requireJob(t, s, job.ID); j.Status != store.JobDone {
		t.Errorf("finished job disturbed by audit: %s", j.Status)
	}
	after, _ := s.MessageByID(m.ID)
	if after.AuditProcessedAt == nil {
		t.Error("deletion not stamped reconciled")
	}
}
