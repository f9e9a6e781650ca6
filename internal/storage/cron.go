package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// CreateCronJob inserts a new scheduled job.
func (s *Store) CreateCronJob(job CronJob) error {
	_, err := s.db.Exec(`
		INSERT INTO cron_jobs(id, schedule, payload, enabled, next_fire_at)
		VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.Schedule, job.Payload, boolToInt(job.Enabled), job.NextFireAt)
	if err != nil {
		return fmt.Errorf("storage: create cron job: %w", err)
	}
	return nil
}

// GetCronJob fetches a job by id.
func (s *Store) GetCronJob(id string) (CronJob, bool, error) {
	var job CronJob
	var enabled int
	row := s.db.QueryRow(`SELECT id, schedule, payload, enabled, next_fire_at FROM cron_jobs WHERE id = ?`, id)
	if err := row.Scan(&job.ID, &job.Schedule, &job.Payload, &enabled, &job.NextFireAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CronJob{}, false, nil
		}
		return CronJob{}, false, fmt.Errorf("storage: get cron job %s: %w", id, err)
	}
	job.Enabled = enabled != 0
	return job, true, nil
}

// ListCronJobs returns every configured job.
func (s *Store) ListCronJobs() ([]CronJob, error) {
	rows, err := s.db.Query(`SELECT id, schedule, payload, enabled, next_fire_at FROM cron_jobs ORDER BY next_fire_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list cron jobs: %w", err)
	}
	defer rows.Close()

	var out []CronJob
	for rows.Next() {
		var job CronJob
		var enabled int
		if err := rows.Scan(&job.ID, &job.Schedule, &job.Payload, &enabled, &job.NextFireAt); err != nil {
			return nil, fmt.Errorf("storage: scan cron job: %w", err)
		}
		job.Enabled = enabled != 0
		out = append(out, job)
	}
	return out, rows.Err()
}

// UpdateCronJobNextFireAt updates the computed next_fire_at field.
func (s *Store) UpdateCronJobNextFireAt(id string, nextFireAt int64) error {
	_, err := s.db.Exec(`UPDATE cron_jobs SET next_fire_at = ? WHERE id = ?`, nextFireAt, id)
	if err != nil {
		return fmt.Errorf("storage: update cron job next_fire_at: %w", err)
	}
	return nil
}

// CreateCronRun records the start of a job execution.
func (s *Store) CreateCronRun(run CronRun) error {
	_, err := s.db.Exec(`
		INSERT INTO cron_runs(id, job_id, started_at, finished_at, outcome)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.JobID, run.StartedAt, run.FinishedAt, run.Outcome)
	if err != nil {
		return fmt.Errorf("storage: create cron run: %w", err)
	}
	return nil
}

// FinishCronRun records the outcome and finish time of a run.
func (s *Store) FinishCronRun(id string, finishedAt int64, outcome string) error {
	_, err := s.db.Exec(`UPDATE cron_runs SET finished_at = ?, outcome = ? WHERE id = ?`, finishedAt, outcome, id)
	if err != nil {
		return fmt.Errorf("storage: finish cron run: %w", err)
	}
	return nil
}

// CronRuns returns the last N runs for a job, started_at descending
// (spec §4.4 cron.runs).
func (s *Store) CronRuns(jobID string, limit int) ([]CronRun, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, started_at, finished_at, outcome
		FROM cron_runs WHERE job_id = ? ORDER BY started_at DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: cron runs: %w", err)
	}
	defer rows.Close()

	var out []CronRun
	for rows.Next() {
		var r CronRun
		if err := rows.Scan(&r.ID, &r.JobID, &r.StartedAt, &r.FinishedAt, &r.Outcome); err != nil {
			return nil, fmt.Errorf("storage: scan cron run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
