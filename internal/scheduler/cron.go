package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/taskflow/broker/internal/domain"
	"github.com/taskflow/broker/internal/task"
)

const (
	leaderKey     = "scheduler:leader"
	leaderTTL     = 30 * time.Second
	checkInterval = 15 * time.Second
)

// renewScript extends the leader lease only if this instance still owns it,
// avoiding a race where an expired lease is stolen mid-renewal.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// ScheduledJob mirrors one row of the scheduled_jobs audit table.
type ScheduledJob struct {
	ID        string
	Name      string
	CronExpr  string
	TaskType  string
	Payload   []byte
	Priority  int
	Enabled   bool
	LastRunAt *time.Time
	NextRunAt *time.Time
}

// JobSource is the durable store behind the recurring-job producer,
// implemented by internal/audit against the scheduled_jobs table.
type JobSource interface {
	DueJobs(ctx context.Context, now time.Time) ([]ScheduledJob, error)
	MarkRun(ctx context.Context, jobID string, ranAt, nextRun time.Time) error
}

// Recurring fires cron-scheduled jobs as brand-new PENDING tasks, with Redis
// leader election so only one scheduler instance in the fleet does the
// firing at any moment.
type Recurring struct {
	jobs       JobSource
	tasks      *task.Store
	redis      *redis.Client
	instanceID string
	logger     *slog.Logger
}

// NewRecurring builds a Recurring producer.
func NewRecurring(jobs JobSource, tasks *task.Store, redisClient *redis.Client, instanceID string, logger *slog.Logger) *Recurring {
	return &Recurring{jobs: jobs, tasks: tasks, redis: redisClient, instanceID: instanceID, logger: logger}
}

// Run blocks, checking and firing due jobs on checkInterval until ctx is
// cancelled.
func (r *Recurring) Run(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Recurring) tick(ctx context.Context) {
	if !r.acquireOrRenewLeadership(ctx) {
		return
	}
	if err := r.fireDueJobs(ctx); err != nil {
		r.logger.Error("fire due recurring jobs", slog.String("error", err.Error()))
	}
}

func (r *Recurring) acquireOrRenewLeadership(ctx context.Context) bool {
	ok, err := r.redis.SetNX(ctx, leaderKey, r.instanceID, leaderTTL).Result()
	if err != nil {
		r.logger.Error("leader election setnx", slog.String("error", err.Error()))
		return false
	}
	if ok {
		r.logger.Info("acquired scheduler leadership", slog.String("instance_id", r.instanceID))
		return true
	}

	result, err := renewScript.Run(ctx, r.redis, []string{leaderKey}, r.instanceID, leaderTTL.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.logger.Error("leader renewal", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}

func (r *Recurring) fireDueJobs(ctx context.Context) error {
	jobs, err := r.jobs.DueJobs(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("load due jobs: %w", err)
	}
	for _, job := range jobs {
		if err := r.fireJob(ctx, job); err != nil {
			r.logger.Error("fire recurring job", slog.String("job", job.Name), slog.String("error", err.Error()))
		}
	}
	return nil
}

func (r *Recurring) fireJob(ctx context.Context, job ScheduledJob) error {
	now := time.Now().UTC()

	schedule, err := cron.ParseStandard(job.CronExpr)
	if err != nil {
		return fmt.Errorf("parse cron %q for job %q: %w", job.CronExpr, job.Name, err)
	}
	nextRun := schedule.Next(now)

	t := &domain.Task{
		ID:          task.NewTaskID(),
		Type:        job.TaskType,
		Payload:     job.Payload,
		State:       domain.StatePending,
		Priority:    job.Priority,
		MaxAttempts: 5,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := r.tasks.Create(ctx, t); err != nil {
		return fmt.Errorf("create task for job %q: %w", job.Name, err)
	}

	if err := r.jobs.MarkRun(ctx, job.ID, now, nextRun); err != nil {
		return fmt.Errorf("mark job %q run: %w", job.Name, err)
	}

	r.logger.Info("recurring job fired",
		slog.String("job", job.Name),
		slog.String("task_id", t.ID),
		slog.String("task_type", job.TaskType),
		slog.Time("next_run", nextRun),
	)
	return nil
}
