// Package dispatcher implements the per-worker-process task selection and
// execution loop (coordination-plane component C7): adaptive primary/retry
// queue selection, the CAS admission transition, breaker and rate-limit
// enforcement, handler invocation under soft/hard deadlines, and outcome
// routing through C9.
package dispatcher

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/taskflow/broker/internal/breaker"
	"github.com/taskflow/broker/internal/domain"
	"github.com/taskflow/broker/internal/eventbus"
	"github.com/taskflow/broker/internal/handlers"
	"github.com/taskflow/broker/internal/provider"
	"github.com/taskflow/broker/internal/ratelimit"
	"github.com/taskflow/broker/internal/router"
	"github.com/taskflow/broker/internal/task"
	"github.com/taskflow/broker/pkg/telemetry"
)

// Config controls the adaptive selection ratio and the per-task deadlines.
type Config struct {
	Concurrency      int
	RetryWarnDepth   int64
	RetryCritDepth   int64
	PopTimeout       time.Duration
	SoftLimit        time.Duration
	HardLimit        time.Duration
	ProviderName     string
	ProviderTokens   int
}

// DefaultConfig mirrors spec defaults: RETRY_WARN=1000, RETRY_CRIT=5000,
// SOFT_LIMIT=600s, HARD_LIMIT=900s.
func DefaultConfig() Config {
	return Config{
		Concurrency:    4,
		RetryWarnDepth: 1000,
		RetryCritDepth: 5000,
		PopTimeout:     5 * time.Second,
		SoftLimit:      600 * time.Second,
		HardLimit:      900 * time.Second,
		ProviderTokens: 1,
	}
}

// Dispatcher runs Config.Concurrency selection loops against one worker's
// handler registry, breaker, and rate limiter.
type Dispatcher struct {
	tasks    *task.Store
	handlers *handlers.Registry
	breakers *breaker.Registry
	limiter  *ratelimit.Limiter
	provider *provider.Cache
	events   *eventbus.Bus
	logger   *slog.Logger
	cfg      Config
	workerID string

	rand *rand.Rand
	mu   sync.Mutex
}

// New builds a Dispatcher.
func New(
	tasks *task.Store,
	reg *handlers.Registry,
	breakers *breaker.Registry,
	limiter *ratelimit.Limiter,
	prov *provider.Cache,
	events *eventbus.Bus,
	workerID string,
	logger *slog.Logger,
	cfg Config,
) *Dispatcher {
	return &Dispatcher{
		tasks: tasks, handlers: reg, breakers: breakers, limiter: limiter,
		provider: prov, events: events, workerID: workerID, logger: logger, cfg: cfg,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run launches Config.Concurrency selection loops and blocks until ctx is
// cancelled, waiting for all of them to drain.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			d.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context, slot int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		id, err := d.selectNext(ctx)
		if err != nil {
			d.logger.Error("selection loop", slog.Int("slot", slot), slog.String("error", err.Error()))
			continue
		}
		if id == "" {
			continue // timed out on both queues, loop and check ctx again
		}
		d.process(ctx, id)
	}
}

// retryRatio computes the adaptive selection ratio from the current retry
// queue depth per spec.md §4.7.
func (d *Dispatcher) retryRatio(ctx context.Context) float64 {
	depth, err := d.tasks.QueueDepth(ctx, task.QueueRetry, false)
	if err != nil {
		depth = 0
	}
	return SelectionRatio(depth, d.cfg.RetryWarnDepth, d.cfg.RetryCritDepth)
}

// SelectionRatio is the pure adaptive-ratio rule: below warnDepth, 0.30;
// below critDepth, 0.20; at or above critDepth, 0.10. Exported so the
// ingress contract's queue_status() can report the same ratio a dispatcher
// would currently be drawing against.
func SelectionRatio(depth, warnDepth, critDepth int64) float64 {
	switch {
	case depth < warnDepth:
		return 0.30
	case depth < critDepth:
		return 0.20
	default:
		return 0.10
	}
}

// pickOrder returns the preferred/fallback queue pair for draw u against
// ratio: when u falls within the retry share [0, ratio], retry is tried
// first.
func pickOrder(u, ratio float64) (first, second string) {
	if u <= ratio {
		return task.QueueRetry, task.QueuePrimary
	}
	return task.QueuePrimary, task.QueueRetry
}

func (d *Dispatcher) nextFloat() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rand.Float64()
}

// selectNext draws the adaptive preference order and blocking-pops the
// preferred queue, falling back to the other on miss. Returns "" (no error)
// if both pops time out, so the caller can re-check ctx and retry.
func (d *Dispatcher) selectNext(ctx context.Context) (string, error) {
	ratio := d.retryRatio(ctx)
	u := d.nextFloat()
	first, second := pickOrder(u, ratio)

	id, err := d.tasks.BlockingPop(ctx, d.cfg.PopTimeout, first, second)
	if err != nil {
		return "", err
	}
	return id, nil
}

// process runs the full execution pipeline for one popped task id: admission
// CAS, breaker/rate-limit checks, handler dispatch under deadlines, and
// outcome routing.
func (d *Dispatcher) process(ctx context.Context, id string) {
	logger := d.logger.With(slog.String("task_id", id))

	t, err := d.tasks.Get(ctx, id)
	if err != nil {
		logger.Warn("task vanished before admission", slog.String("error", err.Error()))
		return
	}

	if err := d.tasks.Transition(ctx, task.TransitionOpts{
		TaskID: id, From: domain.StatePending, To: domain.StateActive,
		WorkerID: d.workerID, Reason: "picked up by dispatcher",
	}); err != nil {
		logger.Debug("admission CAS lost to a peer dispatcher", slog.String("error", err.Error()))
		return
	}
	d.publishTransition(ctx, id, domain.StatePending, domain.StateActive)
	t.State = domain.StateActive

	b := d.breakers.Get(d.cfg.ProviderName)
	if !b.Allow() {
		d.requeueAdmissionRejected(ctx, t, "circuit open at admission")
		return
	}

	if d.provider != nil {
		if skip, reason, err := d.provider.ShouldSkipCall(ctx); err == nil && skip {
			d.requeueAdmissionRejected(ctx, t, "provider state cache: "+reason)
			return
		}
	}

	if err := d.limiter.Acquire(ctx, d.cfg.ProviderTokens, 30*time.Second); err != nil {
		d.fail(ctx, t, &router.HandlerError{Class: router.ClassRateLimit, Message: err.Error()})
		return
	}

	h, err := d.handlers.Get(t.Type)
	if err != nil {
		d.fail(ctx, t, &router.HandlerError{Class: router.ClassPermanent, Message: err.Error()})
		return
	}

	start := time.Now()
	result, herr := d.invoke(ctx, h, t, logger)
	telemetry.DispatcherTaskDurationSeconds.WithLabelValues(t.Type).Observe(time.Since(start).Seconds())
	if herr != nil {
		d.fail(ctx, t, herr)
		return
	}
	d.succeed(ctx, t, result)
}

// invoke runs the handler under the soft/hard deadline pair. The soft
// deadline cancels the handler's context cooperatively; the hard deadline
// forcibly abandons the call and classifies it as a timeout regardless of
// whether the handler goroutine has returned.
func (d *Dispatcher) invoke(ctx context.Context, h handlers.Handler, t *domain.Task, logger *slog.Logger) (handlers.Result, *router.HandlerError) {
	hardCtx, cancelHard := context.WithTimeout(ctx, d.cfg.HardLimit)
	defer cancelHard()
	softCtx, cancelSoft := context.WithTimeout(hardCtx, d.cfg.SoftLimit)
	defer cancelSoft()

	hctx := handlers.NewContext(softCtx, logger, d.breakers.Get(d.cfg.ProviderName), d.limiter)

	type outcome struct {
		result handlers.Result
		herr   *router.HandlerError
	}
	done := make(chan outcome, 1)
	go func() {
		r, e := h.Handle(hctx, t.Payload)
		done <- outcome{r, e}
	}()

	select {
	case o := <-done:
		return o.result, o.herr
	case <-hardCtx.Done():
		return handlers.Result{}, &router.HandlerError{Class: router.ClassNetwork, Message: "timeout"}
	}
}

func (d *Dispatcher) succeed(ctx context.Context, t *domain.Task, result handlers.Result) {
	now := time.Now().UTC()
	err := d.tasks.Transition(ctx, task.TransitionOpts{
		TaskID: t.ID, From: domain.StateActive, To: domain.StateCompleted,
		WorkerID: d.workerID, Reason: "handler succeeded",
		ExtraFields: map[string]any{
			"result":       string(result.Data),
			"completed_at": now.Unix(),
		},
	})
	if err != nil {
		d.logger.Error("complete transition failed", slog.String("task_id", t.ID), slog.String("error", err.Error()))
		return
	}
	d.publishTransition(ctx, t.ID, domain.StateActive, domain.StateCompleted)
	telemetry.DispatcherTasksProcessed.WithLabelValues("completed").Inc()
	if d.provider != nil && !d.provider.IsFresh(ctx) {
		_, _ = d.provider.Update(ctx, provider.StateActive, "", true, "", nil)
	}
	d.breakers.Get(d.cfg.ProviderName).RecordSuccess()
}

// requeueAdmissionRejected handles the circuit-open check at admission
// (spec.md §4.7 step 2): the handler was never invoked, so no error is
// recorded and no attempt is consumed. This is a direct ACTIVE->PENDING
// hop, distinct from the FAILED-routed retry_now outcome in fail(), which
// follows an actual handler failure.
func (d *Dispatcher) requeueAdmissionRejected(ctx context.Context, t *domain.Task, reason string) {
	err := d.tasks.Transition(ctx, task.TransitionOpts{
		TaskID: t.ID, From: domain.StateActive, To: domain.StatePending,
		WorkerID: d.workerID, Reason: reason,
		AddQueue: task.QueueRetry,
	})
	if err != nil {
		d.logger.Error("admission requeue transition failed", slog.String("task_id", t.ID), slog.String("error", err.Error()))
		return
	}
	d.publishTransition(ctx, t.ID, domain.StateActive, domain.StatePending)
}

// fail records the error, moves the task ACTIVE->FAILED, and routes the
// outcome through C9: rescheduling, retrying immediately (circuit_open), or
// dead-lettering, matching the ACTIVE->FAILED->{SCHEDULED|DLQ|PENDING}
// lifecycle.
//
// router.Decide must see the attempts count as it stood before this failure
// (CalculateDelay and the MaxAttempts check both assume that convention, per
// router_test.go), so it runs before t.Attempts is touched. Circuit-open and
// non-retryable classes headed straight to the DLQ never consumed a retry
// budget slot, so neither the in-memory counter nor the persisted one is
// incremented for them (spec.md §4.9).
func (d *Dispatcher) fail(ctx context.Context, t *domain.Task, herr *router.HandlerError) {
	outcome := router.Decide(t, herr, time.Now().UTC())
	incrementAttempts := herr.Class != router.ClassCircuitOpen &&
		herr.Class != router.ClassPermanent &&
		herr.Class != router.ClassDependency

	_ = d.tasks.RecordError(ctx, t.ID, string(herr.Class), herr.Message, herr.StatusCode, d.workerID, incrementAttempts)
	if incrementAttempts {
		t.Attempts++
	}
	t.LastError = herr.Message
	t.ErrorType = string(herr.Class)

	if err := d.tasks.Transition(ctx, task.TransitionOpts{
		TaskID: t.ID, From: domain.StateActive, To: domain.StateFailed,
		WorkerID: d.workerID, Reason: "handler reported " + string(herr.Class),
	}); err != nil {
		d.logger.Error("fail transition failed", slog.String("task_id", t.ID), slog.String("error", err.Error()))
		return
	}
	d.publishTransition(ctx, t.ID, domain.StateActive, domain.StateFailed)

	switch outcome.Action {
	case router.ActionRetryNow:
		d.requeueAfterFailure(ctx, t, outcome.Reason)
	case router.ActionDeadLetter:
		d.deadLetter(ctx, t, outcome.Reason)
	default:
		d.reschedule(ctx, t, outcome.RetryAfter, outcome.Reason)
	}
}

func (d *Dispatcher) requeueAfterFailure(ctx context.Context, t *domain.Task, reason string) {
	err := d.tasks.Transition(ctx, task.TransitionOpts{
		TaskID: t.ID, From: domain.StateFailed, To: domain.StatePending,
		WorkerID: d.workerID, Reason: reason,
		AddQueue: task.QueueRetry,
	})
	if err != nil {
		d.logger.Error("post-failure requeue transition failed", slog.String("task_id", t.ID), slog.String("error", err.Error()))
		return
	}
	d.publishTransition(ctx, t.ID, domain.StateFailed, domain.StatePending)
	telemetry.DispatcherTasksProcessed.WithLabelValues("retry").Inc()
}

func (d *Dispatcher) reschedule(ctx context.Context, t *domain.Task, retryAfter time.Time, reason string) {
	err := d.tasks.Transition(ctx, task.TransitionOpts{
		TaskID: t.ID, From: domain.StateFailed, To: domain.StateScheduled,
		WorkerID: d.workerID, Reason: reason,
		AddQueue: task.QueueScheduled, AddIsZSet: true, AddScore: float64(retryAfter.Unix()),
		ExtraFields: map[string]any{"retry_after": retryAfter.Unix()},
	})
	if err != nil {
		d.logger.Error("reschedule transition failed", slog.String("task_id", t.ID), slog.String("error", err.Error()))
		return
	}
	d.publishTransition(ctx, t.ID, domain.StateFailed, domain.StateScheduled)
	telemetry.DispatcherTasksProcessed.WithLabelValues("rescheduled").Inc()
}

func (d *Dispatcher) deadLetter(ctx context.Context, t *domain.Task, reason string) {
	err := d.tasks.Transition(ctx, task.TransitionOpts{
		TaskID: t.ID, From: domain.StateFailed, To: domain.StateDLQ,
		WorkerID: d.workerID, Reason: reason,
		AddQueue: task.QueueDLQ,
	})
	if err != nil {
		d.logger.Error("dead-letter transition failed", slog.String("task_id", t.ID), slog.String("error", err.Error()))
		return
	}
	if cerr := d.tasks.CopyToDLQ(ctx, t); cerr != nil {
		d.logger.Error("dlq copy failed", slog.String("task_id", t.ID), slog.String("error", cerr.Error()))
	}
	d.publishTransition(ctx, t.ID, domain.StateFailed, domain.StateDLQ)
	telemetry.DispatcherTasksProcessed.WithLabelValues("dlq").Inc()
}

func (d *Dispatcher) publishTransition(ctx context.Context, taskID string, from, to domain.State) {
	telemetry.TaskStateTransitions.WithLabelValues(string(from), string(to)).Inc()
	if d.events == nil {
		return
	}
	depths, counts := d.snapshot(ctx)
	if err := d.events.PublishTransition(ctx, taskID, from, to, depths, counts); err != nil {
		d.logger.Warn("publish transition event failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
}

// Snapshot implements eventbus.SnapshotSource so the event bus's periodic
// heartbeat can report the same depths/ratio this dispatcher is drawing
// against.
func (d *Dispatcher) Snapshot(ctx context.Context) (eventbus.QueueDepths, map[domain.State]int64, float64) {
	depths, counts := d.snapshot(ctx)
	return depths, counts, d.retryRatio(ctx)
}

func (d *Dispatcher) snapshot(ctx context.Context) (eventbus.QueueDepths, map[domain.State]int64) {
	depths := eventbus.QueueDepths{}
	depths.Primary, _ = d.tasks.QueueDepth(ctx, task.QueuePrimary, false)
	depths.Retry, _ = d.tasks.QueueDepth(ctx, task.QueueRetry, false)
	depths.Scheduled, _ = d.tasks.QueueDepth(ctx, task.QueueScheduled, true)
	depths.DLQ, _ = d.tasks.QueueDepth(ctx, task.QueueDLQ, false)
	counts, _ := d.tasks.StateCounts(ctx)
	return depths, counts
}
