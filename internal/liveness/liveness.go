// Package liveness implements the worker liveness monitor (coordination-
// plane component C11): periodic worker heartbeats and the aggregation that
// classifies each worker healthy/stale/no_heartbeat.
package liveness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskflow/broker/internal/breaker"
	"github.com/taskflow/broker/internal/store"
	"github.com/taskflow/broker/pkg/telemetry"
)

func heartbeatKey(workerID string) string   { return "worker:heartbeat:" + workerID }
func activeTasksKey(workerID string) string { return "worker:active_tasks:" + workerID }

// Heartbeat is one worker's liveness record.
type Heartbeat struct {
	WorkerID     string         `json:"worker_id"`
	PID          int            `json:"pid"`
	InFlight     int            `json:"in_flight"`
	BreakerState breaker.State  `json:"breaker_state"`
	LastSeen     time.Time      `json:"last_seen"`
}

// Status classifies a worker relative to the expected heartbeat period.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusStale       Status = "stale"
	StatusNoHeartbeat Status = "no_heartbeat"
)

// WorkerView pairs a worker's last known heartbeat with its derived status.
type WorkerView struct {
	Heartbeat Heartbeat `json:"heartbeat"`
	Status    Status    `json:"status"`
	Age       time.Duration `json:"age"`
}

// Summary rolls up every known worker's status.
type Summary struct {
	Workers       []WorkerView `json:"workers"`
	OverallStatus Status       `json:"overall_status"`
}

// Reporter writes the calling worker's own heartbeat record.
type Reporter struct {
	store    *store.Store
	workerID string
	period   time.Duration
}

// NewReporter builds a Reporter for one worker process.
func NewReporter(s *store.Store, workerID string, period time.Duration) *Reporter {
	return &Reporter{store: s, workerID: workerID, period: period}
}

// Run writes a heartbeat every period (TTL 3xperiod) until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context, inFlight func() int, breakerState func() breaker.State) {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	r.beat(ctx, inFlight(), breakerState())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.beat(ctx, inFlight(), breakerState())
		}
	}
}

func (r *Reporter) beat(ctx context.Context, inFlight int, bs breaker.State) {
	hb := Heartbeat{
		WorkerID:     r.workerID,
		PID:          os.Getpid(),
		InFlight:     inFlight,
		BreakerState: bs,
		LastSeen:     time.Now().UTC(),
	}
	data, err := json.Marshal(hb)
	if err != nil {
		return
	}
	_ = r.store.Standard.Set(ctx, heartbeatKey(r.workerID), data, 3*r.period).Err()
}

// TrackActiveTask adds taskID to this worker's active-task set. The set is not
// read by requeue_orphaned, which finds orphans through the audit mirror.
func (r *Reporter) TrackActiveTask(ctx context.Context, taskID string) error {
	return r.store.Standard.SAdd(ctx, activeTasksKey(r.workerID), taskID).Err()
}

// UntrackActiveTask removes taskID from the active-task set.
func (r *Reporter) UntrackActiveTask(ctx context.Context, taskID string) error {
	return r.store.Standard.SRem(ctx, activeTasksKey(r.workerID), taskID).Err()
}

// Monitor aggregates every worker's heartbeat into a Summary.
type Monitor struct {
	store  *store.Store
	period time.Duration
}

// NewMonitor builds a Monitor that classifies heartbeats against period
// (the expected heartbeat interval, default 10s per spec.md §4.11).
func NewMonitor(s *store.Store, period time.Duration) *Monitor {
	return &Monitor{store: s, period: period}
}

// Aggregate scans every worker:heartbeat:* key and classifies each one.
func (m *Monitor) Aggregate(ctx context.Context) (Summary, error) {
	ids, err := m.workerIDs(ctx)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{OverallStatus: StatusHealthy}
	anyStale := false
	for _, id := range ids {
		view, err := m.classify(ctx, id)
		if err != nil {
			continue
		}
		summary.Workers = append(summary.Workers, view)
		switch view.Status {
		case StatusNoHeartbeat:
			summary.OverallStatus = StatusNoHeartbeat
		case StatusStale:
			anyStale = true
		}
	}
	if summary.OverallStatus == StatusHealthy && anyStale {
		summary.OverallStatus = StatusStale
	}

	byStatus := map[Status]float64{StatusHealthy: 0, StatusStale: 0, StatusNoHeartbeat: 0}
	for _, w := range summary.Workers {
		byStatus[w.Status]++
	}
	for status, count := range byStatus {
		telemetry.LivenessWorkersByStatus.WithLabelValues(string(status)).Set(count)
	}
	return summary, nil
}

func (m *Monitor) classify(ctx context.Context, workerID string) (WorkerView, error) {
	raw, err := m.store.Standard.Get(ctx, heartbeatKey(workerID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return WorkerView{Heartbeat: Heartbeat{WorkerID: workerID}, Status: StatusNoHeartbeat}, nil
		}
		return WorkerView{}, fmt.Errorf("read heartbeat for %s: %w", workerID, err)
	}
	var hb Heartbeat
	if err := json.Unmarshal(raw, &hb); err != nil {
		return WorkerView{}, fmt.Errorf("decode heartbeat for %s: %w", workerID, err)
	}
	age := time.Since(hb.LastSeen)
	return WorkerView{Heartbeat: hb, Status: classifyAge(age, m.period), Age: age}, nil
}

// classifyAge is the pure healthy/stale/no_heartbeat rule from spec.md
// §4.11: healthy if age <= period, stale if age <= 3xperiod, else
// no_heartbeat.
func classifyAge(age, period time.Duration) Status {
	switch {
	case age <= period:
		return StatusHealthy
	case age <= 3*period:
		return StatusStale
	default:
		return StatusNoHeartbeat
	}
}

// workerIDs scans known heartbeat keys. SCAN is used instead of KEYS so the
// aggregation never blocks the Redis event loop even with many workers.
func (m *Monitor) workerIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := m.store.Standard.Scan(ctx, 0, "worker:heartbeat:*", 100).Iterator()
	prefixLen := len("worker:heartbeat:")
	for iter.Next(ctx) {
		key := iter.Val()
		if len(key) > prefixLen {
			ids = append(ids, key[prefixLen:])
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan heartbeat keys: %w", err)
	}
	return ids, nil
}
