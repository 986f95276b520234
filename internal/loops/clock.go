package loops

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/voxclaw/voxclaw/internal/config"
	"github.com/voxclaw/voxclaw/internal/store"
)

// autoStopMarker is an optional directive inside a cron prompt that disables
// the schedule after the given number of firings, e.g. "AUTO_STOP_AFTER=3".
var autoStopMarker = regexp.MustCompile(`AUTO_STOP_AFTER=(\d+)`)

// cronParser accepts standard five-field expressions, optional seconds and
// descriptors like @daily.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ClockWorker fires scheduled tasks. New schedules are initialized forward
// without firing; next run times are always computed from now, so downtime
// skips missed instants instead of replaying them.
type ClockWorker struct {
	store    *store.Store
	interval time.Duration
}

// NewClockWorker builds the clock loop.
func NewClockWorker(s *store.Store, cfg config.LoopsConfig) *ClockWorker {
	return &ClockWorker{store: s, interval: cfg.Interval("clock")}
}

// Run executes the clock loop until ctx is cancelled.
func (w *ClockWorker) Run(ctx context.Context) error {
	slog.Info("Clock worker started", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *ClockWorker) tick() {
	now := time.Now()
	w.initialize(now)
	w.fire(now)
}

// initialize schedules fresh or re-upserted crons forward without firing.
func (w *ClockWorker) initialize(now time.Time) {
	crons, err := w.store.UninitializedCrons()
	if err != nil {
		slog.Error("Clock: uninitialized crons query failed", "error", err)
		return
	}
	for _, c := range crons {
		next, err := NextCronRun(c.Schedule, c.Timezone, now)
		if err != nil {
			slog.Error("Clock: invalid schedule, disabling", "cron", c.Name, "schedule", c.Schedule, "error", err)
			_, _ = w.store.DisableCronByName(c.Name, now)
			continue
		}
		if err := w.store.SetCronNextRun(c.ID, next, now); err != nil {
			slog.Error("Clock: schedule init failed", "cron", c.Name, "error", err)
			continue
		}
		slog.Info("Clock: schedule initialized", "cron", c.Name, "next", next)
	}
}

// fire spawns jobs for due crons and advances their schedules.
func (w *ClockWorker) fire(now time.Time) {
	due, err := w.store.DueCrons(now)
	if err != nil {
		slog.Error("Clock: due crons query failed", "error", err)
		return
	}
	for _, c := range due {
		next, err := NextCronRun(c.Schedule, c.Timezone, now)
		if err != nil {
			slog.Error("Clock: invalid schedule, disabling", "cron", c.Name, "error", err)
			_, _ = w.store.DisableCronByName(c.Name, now)
			continue
		}

		job := &store.Job{
			TraceID:   store.NewTraceID(),
			Kind:      store.JobKindSchedule,
			ChatID:    c.ChatID,
			Prompt:    c.Prompt,
			SourceIDs: nil,
		}
		if err := w.store.CreateJob(job, now); err != nil {
			slog.Error("Clock: job spawn failed", "cron", c.Name, "error", err)
			continue
		}
		if err := w.store.MarkCronFired(c.ID, next, job.ID, now); err != nil {
			slog.Error("Clock: fire stamp failed", "cron", c.Name, "error", err)
			continue
		}
		_ = w.store.AppendEvent(job.TraceID, "clock", "clock.fired", map[string]any{
			"cron":   c.Name,
			"job_id": job.ID,
			"next":   next.UTC().Format(time.RFC3339),
		}, now)
		slog.Info("Clock: schedule fired", "cron", c.Name, "job", job.ID, "next", next)

		if limit, ok := autoStopLimit(c.Prompt); ok && c.RunCount+1 >= limit {
			if err := w.store.ToggleCron(c.ID, false, now); err != nil {
				slog.Error("Clock: auto-stop failed", "cron", c.Name, "error", err)
				continue
			}
			_ = w.store.AppendEvent(c.TraceID, "clock", "clock.auto_stopped", map[string]any{
				"cron": c.Name, "runs": c.RunCount + 1,
			}, now)
			slog.Info("Clock: schedule auto-stopped", "cron", c.Name, "runs", c.RunCount+1)
		}
	}
}

// NextCronRun computes the next firing instant for a schedule in its
// timezone, strictly after now.
func NextCronRun(schedule, timezone string, now time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	return sched.Next(now.In(loc)), nil
}

func autoStopLimit(prompt string) (int, bool) {
	m := autoStopMarker.FindStringSubmatch(prompt)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
