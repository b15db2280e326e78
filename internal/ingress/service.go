// Package ingress implements the external-collaborator contract
// (coordination-plane component C12): submit/get/list/retry/delete and the
// administrative operations, returning the stable error taxonomy of
// spec.md §6.3 rather than leaking Redis- or Postgres-shaped errors.
package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/taskflow/broker/internal/audit"
	"github.com/taskflow/broker/internal/breaker"
	"github.com/taskflow/broker/internal/dispatcher"
	"github.com/taskflow/broker/internal/domain"
	"github.com/taskflow/broker/internal/eventbus"
	"github.com/taskflow/broker/internal/handlers"
	"github.com/taskflow/broker/internal/store"
	"github.com/taskflow/broker/internal/task"
	"github.com/taskflow/broker/pkg/telemetry"
)

// Config controls the adaptive-ratio thresholds reported by QueueStatus,
// kept in sync with the dispatcher fleet's own Config.
type Config struct {
	RetryWarnDepth int64
	RetryCritDepth int64
}

// DefaultConfig mirrors dispatcher.DefaultConfig's thresholds.
func DefaultConfig() Config {
	return Config{RetryWarnDepth: 1000, RetryCritDepth: 5000}
}

// Service implements every spec.md §4.12 operation.
type Service struct {
	tasks    *task.Store
	audit    *audit.Mirror // nil disables list() and the get() fallback path
	handlers *handlers.Registry
	redis    *store.Store
	events   *eventbus.Bus // nil disables the task_created publish on submit
	cfg      Config
	logger   *slog.Logger
}

// New builds a Service. audit may be nil, in which case List returns
// DependencyMissingError and Get falls back to NotFound instead of a
// Postgres lookup when Redis has no record. events may be nil, in which
// case Submit skips publishing a task_created notification.
func New(tasks *task.Store, auditMirror *audit.Mirror, reg *handlers.Registry, redisStore *store.Store, events *eventbus.Bus, cfg Config, logger *slog.Logger) *Service {
	return &Service{tasks: tasks, audit: auditMirror, handlers: reg, redis: redisStore, events: events, cfg: cfg, logger: logger}
}

// Submit validates task_type has a registered handler and creates the task
// record. If taskID is empty a fresh one is generated; a client-supplied id
// makes submission idempotent (AlreadyExistsError on a repeat call).
func (s *Service) Submit(ctx context.Context, taskID, taskType string, payload []byte, maxAttempts, priority int) (string, error) {
	if strings.TrimSpace(taskType) == "" {
		telemetry.IngressRequestErrors.WithLabelValues("submit", "validation").Inc()
		return "", &domain.ValidationError{Field: "task_type", Reason: "required"}
	}
	if len(payload) == 0 {
		telemetry.IngressRequestErrors.WithLabelValues("submit", "validation").Inc()
		return "", &domain.ValidationError{Field: "payload", Reason: "required"}
	}
	if _, err := s.handlers.Get(taskType); err != nil {
		telemetry.IngressRequestErrors.WithLabelValues("submit", "validation").Inc()
		return "", &domain.ValidationError{Field: "task_type", Reason: err.Error()}
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if taskID == "" {
		taskID = task.NewTaskID()
	}

	t := &domain.Task{
		ID: taskID, Type: taskType, Payload: payload,
		State: domain.StatePending, Priority: priority, MaxAttempts: maxAttempts,
	}
	created, err := s.tasks.Create(ctx, t)
	if err != nil {
		telemetry.IngressRequestErrors.WithLabelValues("submit", "internal").Inc()
		return "", fmt.Errorf("ingress submit: %w", err)
	}
	if !created {
		telemetry.IngressRequestErrors.WithLabelValues("submit", "already_exists").Inc()
		return "", &domain.AlreadyExistsError{TaskID: taskID}
	}

	if s.audit != nil {
		if err := s.audit.RecordCreate(ctx, t); err != nil {
			s.logger.Warn("audit record create failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
		}
	}
	if s.events != nil {
		if err := s.publishCreated(ctx, taskID); err != nil {
			s.logger.Warn("event bus publish failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
		}
	}
	telemetry.IngressTasksSubmitted.WithLabelValues(taskType).Inc()
	return taskID, nil
}

// publishCreated gathers the current queue depths and state counts and
// announces the new task over the event bus, the same snapshot QueueStatus
// reports, so a connected dashboard sees consistent numbers either way.
func (s *Service) publishCreated(ctx context.Context, taskID string) error {
	var depths eventbus.QueueDepths
	var err error
	if depths.Primary, err = s.tasks.QueueDepth(ctx, task.QueuePrimary, false); err != nil {
		return err
	}
	if depths.Retry, err = s.tasks.QueueDepth(ctx, task.QueueRetry, false); err != nil {
		return err
	}
	if depths.Scheduled, err = s.tasks.QueueDepth(ctx, task.QueueScheduled, true); err != nil {
		return err
	}
	if depths.DLQ, err = s.tasks.QueueDepth(ctx, task.QueueDLQ, false); err != nil {
		return err
	}
	counts, err := s.tasks.StateCounts(ctx)
	if err != nil {
		return err
	}
	return s.events.PublishCreated(ctx, taskID, depths, counts)
}

// Get reads one task by id, falling back to the audit mirror when Redis has
// no record (e.g. purged or never cached) and a mirror is configured.
func (s *Service) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	t, err := s.tasks.Get(ctx, taskID)
	if err == nil {
		return t, nil
	}
	if _, ok := err.(*domain.TaskNotFoundError); !ok {
		return nil, fmt.Errorf("ingress get: %w", err)
	}
	if s.audit == nil {
		return nil, err
	}
	t, aerr := s.audit.GetByID(ctx, taskID)
	if aerr != nil {
		return nil, aerr
	}
	return t, nil
}

// ListFilter narrows List's result set.
type ListFilter struct {
	State    domain.State
	TaskType string
	Page     int
	PageSize int
	Sort     string
}

// PagedTasks is one page of tasks plus the total matching count.
type PagedTasks struct {
	Tasks      []*domain.Task
	TotalCount int64
}

// List pages through tasks by state/type via the audit mirror, since Redis
// keeps no secondary index over the task hashes.
func (s *Service) List(ctx context.Context, f ListFilter) (PagedTasks, error) {
	if s.audit == nil {
		return PagedTasks{}, &domain.DependencyMissingError{Dependency: "audit mirror"}
	}
	res, err := s.audit.List(ctx, audit.ListFilter{
		State: f.State, TaskType: f.TaskType, Page: f.Page, PageSize: f.PageSize, Sort: f.Sort,
	})
	if err != nil {
		return PagedTasks{}, fmt.Errorf("ingress list: %w", err)
	}
	return PagedTasks{Tasks: res.Tasks, TotalCount: res.TotalCount}, nil
}

// Retry resets a FAILED or DLQ task to PENDING in the retry queue.
// ConflictError if the task is in any other state.
func (s *Service) Retry(ctx context.Context, taskID string) error {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.State != domain.StateFailed && t.State != domain.StateDLQ {
		return &domain.ConflictError{TaskID: taskID, Reason: fmt.Sprintf("retry requires state FAILED or DLQ, found %s", t.State)}
	}

	removeQueue := ""
	removeIsZSet := false
	if t.State == domain.StateDLQ {
		removeQueue = task.QueueDLQ
	}

	err = s.tasks.Transition(ctx, task.TransitionOpts{
		TaskID: taskID, From: t.State, To: domain.StatePending,
		Reason:       "manual retry via ingress",
		RemoveQueue:  removeQueue,
		RemoveIsZSet: removeIsZSet,
		AddQueue:     task.QueueRetry,
		ExtraFields:  map[string]any{"attempts": 0, "last_error": "", "error_type": ""},
	})
	if err != nil {
		return fmt.Errorf("ingress retry: %w", err)
	}
	return nil
}

// Delete removes a task's record and queue membership atomically.
func (s *Service) Delete(ctx context.Context, taskID string) error {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}

	queue, isZSet := "", false
	switch t.State {
	case domain.StatePending:
		queue = task.QueueRetry // best-effort; membership in primary vs retry isn't tracked per-task
	case domain.StateScheduled:
		queue, isZSet = task.QueueScheduled, true
	case domain.StateDLQ:
		queue = task.QueueDLQ
	}

	if err := s.tasks.Delete(ctx, taskID, queue, isZSet); err != nil {
		return fmt.Errorf("ingress delete: %w", err)
	}
	if s.audit != nil {
		if err := s.audit.RecordDelete(ctx, taskID); err != nil {
			s.logger.Warn("audit record delete failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// RequeueOrphaned scans PENDING tasks (via the audit mirror) whose ids are
// in none of the live queues and pushes them back onto the retry queue.
// Recovers work lost to a dispatcher crash between BLPOP and the admission
// CAS, or to a shutdown that did not drain cleanly.
func (s *Service) RequeueOrphaned(ctx context.Context) (int, error) {
	if s.audit == nil {
		return 0, &domain.DependencyMissingError{Dependency: "audit mirror"}
	}

	const batchSize = 200
	recovered := 0
	for page := 1; ; page++ {
		res, err := s.audit.List(ctx, audit.ListFilter{State: domain.StatePending, Page: page, PageSize: batchSize})
		if err != nil {
			return recovered, fmt.Errorf("requeue_orphaned: list pending: %w", err)
		}
		if len(res.Tasks) == 0 {
			break
		}
		for _, t := range res.Tasks {
			inQueue, err := s.tasks.InAnyQueue(ctx, t.ID)
			if err != nil {
				s.logger.Warn("requeue_orphaned membership check failed", slog.String("task_id", t.ID), slog.String("error", err.Error()))
				continue
			}
			if inQueue {
				continue
			}
			if err := s.tasks.EnqueueRetry(ctx, t.ID); err != nil {
				s.logger.Warn("requeue_orphaned enqueue failed", slog.String("task_id", t.ID), slog.String("error", err.Error()))
				continue
			}
			recovered++
		}
		if int64(page*batchSize) >= res.TotalCount {
			break
		}
	}
	return recovered, nil
}

// QueueStatusView is the queue_status() result.
type QueueStatusView struct {
	Depths            QueueDepths
	StateCounts       map[domain.State]int64
	AdaptiveRetryRatio float64
}

// QueueDepths mirrors eventbus.QueueDepths without importing it, to keep
// ingress decoupled from the event schema.
type QueueDepths struct {
	Primary, Retry, Scheduled, DLQ int64
}

// QueueStatus reports current queue depths, per-state counters, and the
// adaptive retry-selection ratio a dispatcher would currently be drawing
// against.
func (s *Service) QueueStatus(ctx context.Context) (QueueStatusView, error) {
	var view QueueStatusView
	var err error

	if view.Depths.Primary, err = s.tasks.QueueDepth(ctx, task.QueuePrimary, false); err != nil {
		return view, fmt.Errorf("queue_status: %w", err)
	}
	if view.Depths.Retry, err = s.tasks.QueueDepth(ctx, task.QueueRetry, false); err != nil {
		return view, fmt.Errorf("queue_status: %w", err)
	}
	if view.Depths.Scheduled, err = s.tasks.QueueDepth(ctx, task.QueueScheduled, true); err != nil {
		return view, fmt.Errorf("queue_status: %w", err)
	}
	if view.Depths.DLQ, err = s.tasks.QueueDepth(ctx, task.QueueDLQ, false); err != nil {
		return view, fmt.Errorf("queue_status: %w", err)
	}
	if view.StateCounts, err = s.tasks.StateCounts(ctx); err != nil {
		return view, fmt.Errorf("queue_status: %w", err)
	}
	view.AdaptiveRetryRatio = dispatcher.SelectionRatio(view.Depths.Retry, s.cfg.RetryWarnDepth, s.cfg.RetryCritDepth)

	telemetry.DispatcherQueueDepth.WithLabelValues(task.QueuePrimary).Set(float64(view.Depths.Primary))
	telemetry.DispatcherQueueDepth.WithLabelValues(task.QueueRetry).Set(float64(view.Depths.Retry))
	telemetry.DispatcherQueueDepth.WithLabelValues(task.QueueScheduled).Set(float64(view.Depths.Scheduled))
	telemetry.DispatcherQueueDepth.WithLabelValues(task.QueueDLQ).Set(float64(view.Depths.DLQ))
	telemetry.DispatcherAdaptiveRetryRatio.Set(view.AdaptiveRetryRatio)
	for state, count := range view.StateCounts {
		telemetry.TaskStateGauge.WithLabelValues(string(state)).Set(float64(count))
	}
	return view, nil
}

// DLQList returns up to limit of the most recently dead-lettered tasks.
func (s *Service) DLQList(ctx context.Context, limit int64) ([]*domain.Task, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	tasks, err := s.tasks.DLQList(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("dlq_list: %w", err)
	}
	return tasks, nil
}

// ResetAllCircuits broadcasts a reset_all control message every worker's
// breaker.Listen loop applies to its own Registry.
func (s *Service) ResetAllCircuits(ctx context.Context) error {
	if err := breaker.Broadcast(ctx, s.redis.Standard, breaker.ActionResetAll); err != nil {
		return fmt.Errorf("reset_all_circuits: %w", err)
	}
	return nil
}

// OpenAllCircuits broadcasts an open_all control message every worker's
// breaker.Listen loop applies to its own Registry.
func (s *Service) OpenAllCircuits(ctx context.Context) error {
	if err := breaker.Broadcast(ctx, s.redis.Standard, breaker.ActionOpenAll); err != nil {
		return fmt.Errorf("open_all_circuits: %w", err)
	}
	return nil
}
