package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const cronCols = `id, trace_id, name, schedule, timezone, chat_id, prompt, enabled,
	run_count, last_run_at, next_run_at, last_job_id, created_at, updated_at`

func scanCron(row interface{ Scan(...any) error }) (*Cron, error) {
	var c Cron
	var enabled int
	var lastRun, nextRun, createdAt, updatedAt sql.NullString
	err := row.Scan(&c.ID, &c.TraceID, &c.Name, &c.Schedule, &c.Timezone, &c.ChatID, &c.Prompt,
		&enabled, &c.RunCount, &lastRun, &nextRun, &c.LastJobID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.Enabled = enabled != 0
	c.LastRunAt = scanTime(lastRun)
	c.NextRunAt = scanTime(nextRun)
	c.CreatedAt = scanTimeOr(createdAt, time.Time{})
	c.UpdatedAt = scanTimeOr(updatedAt, c.CreatedAt)
	return &c, nil
}

// UpsertCron creates or replaces a scheduled task by name. An upsert resets
// run_count and clears next_run_at so the clock loop re-initializes the
// schedule without firing.
func (s *Store) UpsertCron(c *Cron, now time.Time) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	enabled := 0
	if c.Enabled {
		enabled = 1
	}
	_, err := s.db.Exec(`INSERT INTO crons
		(id, trace_id, name, schedule, timezone, chat_id, prompt, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			schedule = excluded.schedule, timezone = excluded.timezone,
			chat_id = excluded.chat_id, prompt = excluded.prompt,
			enabled = excluded.enabled, run_count = 0, next_run_at = NULL,
			updated_at = excluded.updated_at`,
		c.ID, c.TraceID, c.Name, c.Schedule, c.Timezone, c.ChatID, c.Prompt, enabled,
		fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("upsert cron: %w", err)
	}
	return nil
}

// CronByID fetches one cron.
func (s *Store) CronByID(id string) (*Cron, error) {
	c, err := scanCron(s.db.QueryRow(`SELECT `+cronCols+` FROM crons WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// CronByName fetches one cron by its unique name.
func (s *Store) CronByName(name string) (*Cron, error) {
	c, err := scanCron(s.db.QueryRow(`SELECT `+cronCols+` FROM crons WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// DueCrons returns enabled crons whose next run time has elapsed.
func (s *Store) DueCrons(now time.Time) ([]*Cron, error) {
	rows, err := s.db.Query(`SELECT `+cronCols+` FROM crons
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`, fmtTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCrons(rows)
}

// UninitializedCrons returns enabled crons with no next_run_at. The clock
// loop schedules these forward without firing.
func (s *Store) UninitializedCrons() ([]*Cron, error) {
	rows, err := s.db.Query(`SELECT ` + cronCols + ` FROM crons
		WHERE enabled = 1 AND next_run_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCrons(rows)
}

// SetCronNextRun initializes or advances next_run_at without firing.
func (s *Store) SetCronNextRun(id string, next time.Time, now time.Time) error {
	_, err := s.db.Exec(`UPDATE crons SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		fmtTime(next), fmtTime(now), id)
	return err
}

// MarkCronFired records a firing: last run, next run, spawned job, count.
func (s *Store) MarkCronFired(id string, next time.Time, jobID string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE crons
		SET last_run_at = ?, next_run_at = ?, last_job_id = ?, run_count = run_count + 1, updated_at = ?
		WHERE id = ?`, fmtTime(now), fmtTime(next), jobID, fmtTime(now), id)
	return err
}

// ToggleCron flips the enabled flag. Re-enabling clears next_run_at so the
// schedule restarts from now instead of replaying missed instants.
func (s *Store) ToggleCron(id string, enabled bool, now time.Time) error {
	flag := 0
	if enabled {
		flag = 1
	}
	res, err := s.db.Exec(`UPDATE crons
		SET enabled = ?, next_run_at = CASE WHEN ? = 1 THEN NULL ELSE next_run_at END, updated_at = ?
		WHERE id = ?`, flag, flag, fmtTime(now), id)
	if err != nil {
		return err
	}
	return requireRow(res, "toggle cron")
}

// DisableCronByName disables a cron, tolerating a missing row.
func (s *Store) DisableCronByName(name string, now time.Time) (bool, error) {
	res, err := s.db.Exec(`UPDATE crons SET enabled = 0, updated_at = ? WHERE name = ?`,
		fmtTime(now), name)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func collectCrons(rows *sql.Rows) ([]*Cron, error) {
	var out []*Cron
	for rows.Next() {
		c, err := scanCron(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
