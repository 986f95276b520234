package loops

import (
	"testing"
	"time"

	"github.com/voxclaw/voxclaw/internal/store"
)

func upsertTestCron(t *testing.T, s *store.Store, name, schedule, prompt string, now time.Time) *store.Cron {
	t.Helper()
	c := &store.Cron{
		Name:     name,
		Schedule: schedule,
		Timezone: "UTC",
		ChatID:   "test:c1",
		Prompt:   prompt,
		Enabled:  true,
	}
	if err := s.UpsertCron(c, now); err != nil {
		t.Fatalf("upsert cron: %v", err)
	}
	stored, err := s.CronByName(name)
	if err != nil {
		t.Fatalf("cron by name: %v", err)
	}
	return stored
}

func TestClockInitializesWithoutFiring(t *testing.T) {
	s := newTestStore(t)
	upsertTestCron(t, s, "daily-digest", "0 9 * * *", "summarize my day", time.Now())

	w := NewClockWorker(s, testLoopsConfig())
	w.tick()

	c, err := s.CronByName("daily-digest")
	if err != nil {
		t.Fatalf("cron: %v", err)
	}
	if c.NextRunAt == nil {
		t.Fatal("next_run_at not initialized")
	}
	if !c.NextRunAt.After(time.Now().Add(-time.Second)) {
		t.Errorf("next_run_at %v not in the future", c.NextRunAt)
	}
	if c.RunCount != 0 {
		t.Errorf("initialization must not fire, run_count = %d", c.RunCount)
	}
	if drafts, _ := s.DraftJobs(); len(drafts) != 0 {
		t.Errorf("initialization spawned %d jobs", len(drafts))
	}
}

func TestClockFiresDueCron(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	c := upsertTestCron(t, s, "hourly-check", "@hourly", "check the mailbox", now)
	if err := s.SetCronNextRun(c.ID, now.Add(-time.Minute), now); err != nil {
		t.Fatalf("set next run: %v", err)
	}

	w := NewClockWorker(s, testLoopsConfig())
	w.tick()

	drafts, err := s.DraftJobs()
	if err != nil {
		t.Fatalf("drafts: %v", err)
	}
	if len(drafts) != 1 {
		t.Fatalf("want 1 spawned job, got %d", len(drafts))
	}
	if drafts[0].Kind != store.JobKindSchedule {
		t.Errorf("kind = %s", drafts[0].Kind)
	}
	if drafts[0].Prompt != "check the mailbox" {
		t.Errorf("prompt = %q", drafts[0].Prompt)
	}

	fired, _ := s.CronByName("hourly-check")
	if fired.RunCount != 1 {
		t.Errorf("run_count = %d, want 1", fired.RunCount)
	}
	if fired.LastJobID != drafts[0].ID {
		t.Errorf("last_job_id = %q, want %q", fired.LastJobID, drafts[0].ID)
	}
	if fired.NextRunAt == nil || !fired.NextRunAt.After(now) {
		t.Errorf("next_run_at %v not advanced past now", fired.NextRunAt)
	}
}

func TestClockFiresOnceForMissedInstants(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	c := upsertTestCron(t, s, "minutely", "* * * * *", "ping", now)
	// Three missed instants; only one firing, scheduled forward from now.
	if err := s.SetCronNextRun(c.ID, now.Add(-3*time.Minute), now); err != nil {
		t.Fatalf("set next run: %v", err)
	}

	w := NewClockWorker(s, testLoopsConfig())
	w.tick()
	w.tick()

	drafts, _ := s.DraftJobs()
	if len(drafts) != 1 {
		t.Fatalf("missed instants must collapse to one firing, got %d jobs", len(drafts))
	}
}

func TestClockAutoStopAfterLimit(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	c := upsertTestCron(t, s, "once", "@daily", "remind me AUTO_STOP_AFTER=1", now)
	if err := s.SetCronNextRun(c.ID, now.Add(-time.Minute), now); err != nil {
		t.Fatalf("set next run: %v", err)
	}

	w := NewClockWorker(s, testLoopsConfig())
	w.tick()

	fired, _ := s.CronByName("once")
	if fired.RunCount != 1 {
		t.Fatalf("run_count = %d, want 1", fired.RunCount)
	}
	if fired.Enabled {
		t.Error("cron should be disabled after reaching its auto-stop limit")
	}
}

func TestClockInvalidScheduleDisables(t *testing.T) {
	s := newTestStore(t)
	upsertTestCron(t, s, "broken", "not a schedule", "whatever", time.Now())

	w := NewClockWorker(s, testLoopsConfig())
	w.tick()

	c, _ := s.CronByName("broken")
	if c.Enabled {
		t.Error("unparseable schedule should disable the cron")
	}
}

func TestNextCronRunMonotonic(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)
	first, err := NextCronRun("0 9 * * *", "UTC", now)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !first.After(now) {
		t.Errorf("first firing %v not after now %v", first, now)
	}
	second, err := NextCronRun("0 9 * * *", "UTC", first)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !second.After(first) {
		t.Errorf("second firing %v not after first %v", second, first)
	}
	if second.Sub(first) != 24*time.Hour {
		t.Errorf("daily schedule advanced by %v", second.Sub(first))
	}
}

func TestAutoStopLimitParsing(t *testing.T) {
	cases := []struct {
		prompt string
		limit  int
		ok     bool
	}{
		{"do the thing AUTO_STOP_AFTER=5", 5, true},
		{"AUTO_STOP_AFTER=1", 1, true},
		{"no marker here", 0, false},
		{"AUTO_STOP_AFTER=0", 0, false},
	}
	for _, tc := range cases {
		limit, ok := autoStopLimit(tc.prompt)
		if limit != tc.limit || ok != tc.ok {
			t.Errorf("autoStopLimit(%q) = (%d, %v), want (%d, %v)", tc.prompt, limit, ok, tc.limit, tc.ok)
		}
	}
}
