package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeJobSource struct {
	due     []ScheduledJob
	ran     map[string]time.Time
	nextRun map[string]time.Time
}

func (f *fakeJobSource) DueJobs(ctx context.Context, now time.Time) ([]ScheduledJob, error) {
	return f.due, nil
}

func (f *fakeJobSource) MarkRun(ctx context.Context, jobID string, ranAt, nextRun time.Time) error {
	if f.ran == nil {
		f.ran = map[string]time.Time{}
		f.nextRun = map[string]time.Time{}
	}
	f.ran[jobID] = ranAt
	f.nextRun[jobID] = nextRun
	return nil
}

func TestRecurring_FireJob_RejectsBadCronExpression(t *testing.T) {
	r := &Recurring{jobs: &fakeJobSource{}, logger: testLogger()}
	job := ScheduledJob{ID: "j1", Name: "bad", TaskType: "echo", CronExpr: "not a cron expr"}
	if err := r.fireJob(context.Background(), job); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}
