// Package scheduler implements the scheduled-retry promoter and the
// cron-driven recurring task producer (coordination-plane component C6).
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskflow/broker/internal/domain"
	"github.com/taskflow/broker/internal/task"
)

// Promoter ticks over the zset of SCHEDULED tasks and moves every item whose
// retry_after has elapsed back onto the retry queue.
type Promoter struct {
	tasks    *task.Store
	logger   *slog.Logger
	interval time.Duration
	batch    int64
}

// NewPromoter builds a Promoter. batch caps how many due items are promoted
// per tick, bounding the work done while holding up the ticker.
func NewPromoter(tasks *task.Store, logger *slog.Logger, interval time.Duration, batch int64) *Promoter {
	return &Promoter{tasks: tasks, logger: logger, interval: interval, batch: batch}
}

// Run blocks, promoting due items on every tick until ctx is cancelled.
func (p *Promoter) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Promoter) tick(ctx context.Context) {
	n, err := p.promoteDue(ctx, time.Now().UTC())
	if err != nil {
		p.logger.Error("promote due scheduled tasks", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		p.logger.Info("promoted scheduled tasks", slog.Int64("count", n))
	}
}

// promoteDue reads the earliest members of tasks:scheduled with score <= now
// (ZRANGEBYSCORE returns them in score order, ties broken lexicographically
// by member, so no secondary sort is needed) and CASes each SCHEDULED->PENDING
// onto the retry queue. A failed CAS on one item (already moved by another
// promoter instance) is logged and skipped rather than aborting the batch.
func (p *Promoter) promoteDue(ctx context.Context, now time.Time) (int64, error) {
	ids, err := p.tasks.DueScheduled(ctx, now, p.batch)
	if err != nil {
		return 0, err
	}

	var promoted int64
	for _, id := range ids {
		err := p.tasks.Transition(ctx, task.TransitionOpts{
			TaskID:       id,
			From:         domain.StateScheduled,
			To:           domain.StatePending,
			Reason:       "scheduled retry became due",
			RemoveQueue:  task.QueueScheduled,
			RemoveIsZSet: true,
			AddQueue:     task.QueueRetry,
		})
		if err != nil {
			p.logger.Warn("skip scheduled task promotion", slog.String("task_id", id), slog.String("error", err.Error()))
			continue
		}
		promoted++
	}
	return promoted, nil
}
