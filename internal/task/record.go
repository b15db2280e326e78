// Package task implements the task record and its atomic state transitions
// (coordination-plane component C2): the Redis hash per task, its append-only
// state and error history, and the per-state counters every other component
// reads for sizing and reporting decisions.
package task

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/taskflow/broker/internal/domain"
	"github.com/taskflow/broker/internal/store"
)

//go:embed scripts/create.lua
var createScriptSrc string

//go:embed scripts/transition.lua
var transitionScriptSrc string

//go:embed scripts/record_error.lua
var recordErrorScriptSrc string

var (
	createScript       = store.NewScript("task_create", createScriptSrc)
	transitionScript    = store.NewScript("task_transition", transitionScriptSrc)
	recordErrorScript   = store.NewScript("task_record_error", recordErrorScriptSrc)
)

const (
	QueuePrimary   = "tasks:pending:primary"
	QueueRetry     = "tasks:pending:retry"
	QueueScheduled = "tasks:scheduled"
	QueueDLQ       = "dlq:tasks"
)

func taskKey(id string) string    { return "task:" + id }
func historyKey(id string) string { return "task:" + id + ":history" }
func errorsKey(id string) string  { return "task:" + id + ":errors" }
func dlqKey(id string) string     { return "dlq:task:" + id }
func counterKey(s domain.State) string {
	return "metrics:tasks:state:" + strings.ToLower(string(s))
}

// Store manages task records and their transitions.
type Store struct {
	store *store.Store
}

// New wraps a connected Store with the task-record operations.
func New(s *store.Store) *Store {
	return &Store{store: s}
}

// NewTaskID generates a fresh task identifier.
func NewTaskID() string { return uuid.New().String() }

// Create inserts a new task in StatePending and appends it to the primary
// queue. Returns false if the ID already exists (idempotent submit).
func (s *Store) Create(ctx context.Context, t *domain.Task) (bool, error) {
	if t.State == "" {
		t.State = domain.StatePending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	cmd, err := s.store.Run(ctx, createScript,
		[]string{taskKey(t.ID), QueuePrimary},
		t.ID, t.Type, string(t.Payload), strconv.Itoa(t.Priority),
		strconv.Itoa(t.MaxAttempts), strconv.FormatInt(t.CreatedAt.Unix(), 10),
		string(t.State),
	)
	if err != nil {
		return false, fmt.Errorf("create task %s: %w", t.ID, err)
	}
	res, err := cmd.Slice()
	if err != nil {
		return false, fmt.Errorf("create task %s: decode reply: %w", t.ID, err)
	}
	return res[0].(int64) == 1, nil
}

// TransitionOpts describes one CAS transition.
type TransitionOpts struct {
	TaskID       string
	From         domain.State // "" to skip the precondition check
	To           domain.State
	WorkerID     string
	Reason       string
	RemoveQueue  string // queue key to remove membership from, "" for none
	RemoveIsZSet bool
	AddQueue     string // queue key to add membership to, "" for none
	AddIsZSet    bool
	AddScore     float64 // used only when AddIsZSet
	ExtraFields  map[string]any
}

// Transition performs one atomic CAS state change plus its queue bookkeeping.
// Returns domain.InvalidTransitionError if the task wasn't in From.
func (s *Store) Transition(ctx context.Context, opts TransitionOpts) error {
	now := time.Now().UTC()
	extra := opts.ExtraFields
	if extra == nil {
		extra = map[string]any{}
	}
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("marshal extra fields: %w", err)
	}

	removeKind, addKind := "", ""
	if opts.RemoveQueue != "" {
		removeKind = kindOf(opts.RemoveIsZSet)
	}
	if opts.AddQueue != "" {
		addKind = kindOf(opts.AddIsZSet)
	}

	cmd, err := s.store.Run(ctx, transitionScript,
		[]string{taskKey(opts.TaskID), historyKey(opts.TaskID)},
		opts.TaskID, string(opts.From), string(opts.To),
		strconv.FormatInt(now.Unix(), 10), opts.WorkerID, opts.Reason,
		opts.RemoveQueue, removeKind,
		opts.AddQueue, addKind, strconv.FormatFloat(opts.AddScore, 'f', -1, 64),
		string(extraJSON),
	)
	if err != nil {
		return fmt.Errorf("transition task %s: %w", opts.TaskID, err)
	}

	res, err := cmd.Slice()
	if err != nil {
		return fmt.Errorf("transition task %s: decode reply: %w", opts.TaskID, err)
	}
	switch res[0].(int64) {
	case 0:
		reason, _ := res[1].(string)
		if reason == "not_found" {
			return &domain.TaskNotFoundError{TaskID: opts.TaskID}
		}
		actual, _ := res[2].(string)
		return &domain.InvalidTransitionError{TaskID: opts.TaskID, Expected: opts.From, Actual: domain.State(actual)}
	default:
		return nil
	}
}

func kindOf(isZSet bool) string {
	if isZSet {
		return "zset"
	}
	return "list"
}

// RecordError does not itself decide retry-vs-DLQ routing — that is the
// Retry & DLQ Router's job.
// RecordError appends an error history entry and always updates
// last_error/error_type. incrementAttempts controls whether the persisted
// attempts counter (spec's retry_count) is bumped: the caller should pass
// false for classes that don't consume a retry budget slot — circuit-open
// (requeued without an attempt) and non-retryable classes headed straight to
// the DLQ (spec.md §4.9).
func (s *Store) RecordError(ctx context.Context, taskID, errorType, message string, statusCode int, workerID string, incrementAttempts bool) error {
	now := time.Now().UTC()
	incr := "0"
	if incrementAttempts {
		incr = "1"
	}
	_, err := s.store.Run(ctx, recordErrorScript,
		[]string{taskKey(taskID), errorsKey(taskID)},
		errorType, message, strconv.Itoa(statusCode), workerID,
		strconv.FormatInt(now.Unix(), 10), incr,
	)
	if err != nil {
		return fmt.Errorf("record error for task %s: %w", taskID, err)
	}
	return nil
}

// Get reads the full task hash plus history/errors.
func (s *Store) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	var task domain.Task
	err := s.store.Do(ctx, func(ctx context.Context) error {
		fields, err := s.store.Standard.HGetAll(ctx, taskKey(taskID)).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return &domain.TaskNotFoundError{TaskID: taskID}
		}
		task = fromFields(taskID, fields)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Delete removes the task hash, its history/error lists, its queue
// membership (if any), and decrements its state counter. Used by the ingress
// delete operation and DLQ purge.
func (s *Store) Delete(ctx context.Context, taskID string, queueMembership string, isZSet bool) error {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	return s.store.Do(ctx, func(ctx context.Context) error {
		pipe := s.store.Pipeline.TxPipeline()
		if queueMembership != "" {
			if isZSet {
				pipe.ZRem(ctx, queueMembership, taskID)
			} else {
				pipe.LRem(ctx, queueMembership, 0, taskID)
			}
		}
		pipe.Decr(ctx, counterKey(t.State))
		pipe.Del(ctx, taskKey(taskID), historyKey(taskID), errorsKey(taskID))
		_, err := pipe.Exec(ctx)
		if err != nil && err != redis.Nil {
			return err
		}
		return nil
	})
}

// allStates lists every state StateCounts reports on, in the stable order
// counters are returned.
var allStates = []domain.State{
	domain.StatePending, domain.StateActive, domain.StateScheduled,
	domain.StateCompleted, domain.StateFailed, domain.StateDLQ,
}

// StateCounts returns the current per-state counters, read from their
// individual metrics:tasks:state:{state} keys (§6.1).
func (s *Store) StateCounts(ctx context.Context) (map[domain.State]int64, error) {
	keys := make([]string, len(allStates))
	for i, st := range allStates {
		keys[i] = counterKey(st)
	}
	raw, err := s.store.Standard.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read state counters: %w", err)
	}
	out := make(map[domain.State]int64, len(allStates))
	for i, st := range allStates {
		if raw[i] == nil {
			out[st] = 0
			continue
		}
		n, _ := strconv.ParseInt(raw[i].(string), 10, 64)
		out[st] = n
	}
	return out, nil
}

// CopyToDLQ writes a standalone dlq:task:{id} hash snapshot of the task
// record. Called by the dispatcher's dead-letter path after the FAILED->DLQ
// transition that pushes the id onto dlq:tasks, so a purged
// or later-deleted task record still leaves a DLQ trail.
func (s *Store) CopyToDLQ(ctx context.Context, t *domain.Task) error {
	return s.store.Do(ctx, func(ctx context.Context) error {
		return s.store.Standard.HSet(ctx, dlqKey(t.ID), map[string]any{
			"id":           t.ID,
			"type":         t.Type,
			"payload":      string(t.Payload),
			"attempts":     t.Attempts,
			"max_attempts": t.MaxAttempts,
			"last_error":   t.LastError,
			"error_type":   t.ErrorType,
			"created_at":   strconv.FormatInt(t.CreatedAt.Unix(), 10),
			"dead_at":      strconv.FormatInt(time.Now().UTC().Unix(), 10),
		}).Err()
	})
}

// BlockingPop pops the next task id from the preferred queue, falling back
// to the other queue on miss, using the Blocking pool's longer read timeout.
// Returns "" with no error if both queues are empty for the whole timeout
// window, so a caller looping on ctx can check for cancellation.
func (s *Store) BlockingPop(ctx context.Context, timeout time.Duration, preferred, fallback string) (string, error) {
	res, err := s.store.Blocking.BLPop(ctx, timeout, preferred, fallback).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("blocking pop %s/%s: %w", preferred, fallback, err)
	}
	// res is [queue_key, value]; BLPOP polls the given keys in order.
	return res[1], nil
}

// DueScheduled returns up to limit task IDs from tasks:scheduled whose score
// (retry_after, as a unix timestamp) is at or before now, in score order.
func (s *Store) DueScheduled(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return s.store.Standard.ZRangeByScore(ctx, QueueScheduled, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.Unix(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
}

// QueueDepth returns the length of a list queue or cardinality of a zset queue.
func (s *Store) QueueDepth(ctx context.Context, queue string, isZSet bool) (int64, error) {
	if isZSet {
		return s.store.Standard.ZCard(ctx, queue).Result()
	}
	return s.store.Standard.LLen(ctx, queue).Result()
}

// EnqueueRetry pushes taskID onto the retry queue without touching its
// state, used by requeue_orphaned to recover a PENDING task whose queue
// membership was lost (e.g. a dispatcher crashed between BLPOP and the
// admission CAS).
func (s *Store) EnqueueRetry(ctx context.Context, taskID string) error {
	return s.store.Standard.RPush(ctx, QueueRetry, taskID).Err()
}

// InAnyQueue reports whether taskID currently sits in the primary, retry, or
// scheduled queue.
func (s *Store) InAnyQueue(ctx context.Context, taskID string) (bool, error) {
	for _, q := range []string{QueuePrimary, QueueRetry} {
		pos, err := s.store.Standard.LPos(ctx, q, taskID, redis.LPosArgs{}).Result()
		if err == nil && pos >= 0 {
			return true, nil
		}
		if err != nil && err != redis.Nil {
			return false, fmt.Errorf("check membership in %s: %w", q, err)
		}
	}
	rank, err := s.store.Standard.ZRank(ctx, QueueScheduled, taskID).Result()
	if err == nil && rank >= 0 {
		return true, nil
	}
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("check membership in %s: %w", QueueScheduled, err)
	}
	return false, nil
}

// GetDLQCopy reads the standalone dlq:task:{id} hash written by CopyToDLQ.
func (s *Store) GetDLQCopy(ctx context.Context, taskID string) (*domain.Task, error) {
	fields, err := s.store.Standard.HGetAll(ctx, dlqKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get dlq copy %s: %w", taskID, err)
	}
	if len(fields) == 0 {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	t := domain.Task{ID: taskID, State: domain.StateDLQ}
	t.Type = fields["type"]
	t.Payload = []byte(fields["payload"])
	t.Attempts, _ = strconv.Atoi(fields["attempts"])
	t.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	t.LastError = fields["last_error"]
	t.ErrorType = fields["error_type"]
	if v, ok := fields["created_at"]; ok {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			t.CreatedAt = time.Unix(sec, 0).UTC()
		}
	}
	return &t, nil
}

// DLQList returns up to limit of the most recently dead-lettered task ids'
// copies, newest first.
func (s *Store) DLQList(ctx context.Context, limit int64) ([]*domain.Task, error) {
	// dlq:tasks is appended with RPUSH, so the newest ids sit at the tail.
	ids, err := s.store.Standard.LRange(ctx, QueueDLQ, -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq list: %w", err)
	}
	out := make([]*domain.Task, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		t, err := s.GetDLQCopy(ctx, ids[i])
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func fromFields(id string, f map[string]string) domain.Task {
	t := domain.Task{ID: id}
	t.Type = f["type"]
	t.Payload = []byte(f["payload"])
	t.State = domain.State(f["state"])
	t.Priority, _ = strconv.Atoi(f["priority"])
	t.Attempts, _ = strconv.Atoi(f["attempts"])
	t.MaxAttempts, _ = strconv.Atoi(f["max_attempts"])
	t.WorkerID = f["worker_id"]
	t.LastError = f["last_error"]
	t.ErrorType = f["error_type"]
	if v, ok := f["created_at"]; ok {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			t.CreatedAt = time.Unix(sec, 0).UTC()
		}
	}
	if v, ok := f["updated_at"]; ok {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			t.UpdatedAt = time.Unix(sec, 0).UTC()
		}
	}
	if v, ok := f["retry_after"]; ok && v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			rt := time.Unix(sec, 0).UTC()
			t.RetryAfter = &rt
		}
	}
	if v, ok := f["completed_at"]; ok && v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			ct := time.Unix(sec, 0).UTC()
			t.CompletedAt = &ct
		}
	}
	return t
}
