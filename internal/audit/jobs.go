package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskflow/broker/internal/scheduler"
)

// JobStore implements scheduler.JobSource against the scheduled_jobs table.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore wraps a connected pool with the recurring-job operations.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

// DueJobs returns every enabled job whose next_run_at is at or before now.
func (s *JobStore) DueJobs(ctx context.Context, now time.Time) ([]scheduler.ScheduledJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, cron_expr, task_type, payload, priority, last_run_at, next_run_at
		FROM scheduled_jobs
		WHERE enabled AND (next_run_at IS NULL OR next_run_at <= $1)
	`, now)
	if err != nil {
		return nil, fmt.Errorf("due jobs query: %w", err)
	}
	defer rows.Close()

	var jobs []scheduler.ScheduledJob
	for rows.Next() {
		var j scheduler.ScheduledJob
		if err := rows.Scan(&j.ID, &j.Name, &j.CronExpr, &j.TaskType, &j.Payload, &j.Priority, &j.LastRunAt, &j.NextRunAt); err != nil {
			return nil, fmt.Errorf("due jobs scan: %w", err)
		}
		j.Enabled = true
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkRun records the job's last run and its next scheduled run.
func (s *JobStore) MarkRun(ctx context.Context, jobID string, ranAt, nextRun time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs SET last_run_at = $1, next_run_at = $2 WHERE id = $3
	`, ranAt, nextRun, jobID)
	if err != nil {
		return fmt.Errorf("mark job %s run: %w", jobID, err)
	}
	return nil
}

// Create inserts a new recurring job definition.
func (s *JobStore) Create(ctx context.Context, j scheduler.ScheduledJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_jobs (id, name, cron_expr, task_type, payload, priority, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
	`, j.ID, j.Name, j.CronExpr, j.TaskType, j.Payload, j.Priority)
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", j.Name, err)
	}
	return nil
}
