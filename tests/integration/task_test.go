//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflow/broker/internal/domain"
	"github.com/taskflow/broker/internal/task"
)

func makeTask(taskType string) *domain.Task {
	return &domain.Task{
		ID:          uuid.New().String(),
		Type:        taskType,
		Payload:     []byte(`{"message":"hi"}`),
		MaxAttempts: 3,
	}
}

func TestTask_Create_GetRoundTrip(t *testing.T) {
	tasks := task.New(newStore(t))
	ctx := context.Background()

	tk := makeTask("echo")
	created, err := tasks.Create(ctx, tk)
	require.NoError(t, err)
	assert.True(t, created)

	got, err := tasks.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.Type, got.Type)
	assert.Equal(t, domain.StatePending, got.State)
}

func TestTask_Create_DuplicateIDIsIdempotent(t *testing.T) {
	tasks := task.New(newStore(t))
	ctx := context.Background()

	tk := makeTask("echo")
	created, err := tasks.Create(ctx, tk)
	require.NoError(t, err)
	require.True(t, created)

	created, err = tasks.Create(ctx, tk)
	require.NoError(t, err)
	assert.False(t, created, "repeat create with the same id must not recreate the task")
}

func TestTask_Get_NotFound(t *testing.T) {
	tasks := task.New(newStore(t))

	_, err := tasks.Get(context.Background(), "does-not-exist")
	require.Error(t, err)
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestTask_Transition_CASSucceedsOnMatchingState(t *testing.T) {
	tasks := task.New(newStore(t))
	ctx := context.Background()

	tk := makeTask("echo")
	_, err := tasks.Create(ctx, tk)
	require.NoError(t, err)

	err = tasks.Transition(ctx, task.TransitionOpts{
		TaskID: tk.ID, From: domain.StatePending, To: domain.StateActive,
		WorkerID: "worker-1",
		RemoveQueue: task.QueuePrimary,
	})
	require.NoError(t, err)

	got, err := tasks.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, got.State)
	assert.Equal(t, "worker-1", got.WorkerID)
}

func TestTask_Transition_CASFailsOnMismatchedState(t *testing.T) {
	tasks := task.New(newStore(t))
	ctx := context.Background()

	tk := makeTask("echo")
	_, err := tasks.Create(ctx, tk)
	require.NoError(t, err)

	err = tasks.Transition(ctx, task.TransitionOpts{
		TaskID: tk.ID, From: domain.StateActive, To: domain.StateCompleted,
	})
	require.Error(t, err)
	var invalid *domain.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, domain.StatePending, invalid.Actual)
}

func TestTask_RecordError_AppendsHistoryAndIncrementsAttempts(t *testing.T) {
	tasks := task.New(newStore(t))
	ctx := context.Background()

	tk := makeTask("echo")
	_, err := tasks.Create(ctx, tk)
	require.NoError(t, err)

	require.NoError(t, tasks.RecordError(ctx, tk.ID, "timeout", "deadline exceeded", 0, "worker-1", true))

	got, err := tasks.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "timeout", got.ErrorType)
}

func TestTask_RecordError_SkipsAttemptsIncrementWhenRequested(t *testing.T) {
	tasks := task.New(newStore(t))
	ctx := context.Background()

	tk := makeTask("echo")
	_, err := tasks.Create(ctx, tk)
	require.NoError(t, err)

	require.NoError(t, tasks.RecordError(ctx, tk.ID, "circuit_open", "circuit open", 0, "worker-1", false))

	got, err := tasks.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, "circuit_open", got.ErrorType)
}

func TestTask_BlockingPop_PrefersPrimaryOverRetry(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	tasks := task.New(s)

	require.NoError(t, s.Standard.RPush(ctx, task.QueueRetry, "retry-id").Err())
	require.NoError(t, s.Standard.RPush(ctx, task.QueuePrimary, "primary-id").Err())

	id, err := tasks.BlockingPop(ctx, time.Second, task.QueuePrimary, task.QueueRetry)
	require.NoError(t, err)
	assert.Equal(t, "primary-id", id)
}

func TestTask_BlockingPop_TimesOutWithNoError(t *testing.T) {
	tasks := task.New(newStore(t))

	id, err := tasks.BlockingPop(context.Background(), 200*time.Millisecond, task.QueuePrimary, task.QueueRetry)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestTask_DueScheduled_OrdersByScore(t *testing.T) {
	s := newStore(t)
	tasks := task.New(s)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Standard.ZAdd(ctx, task.QueueScheduled,
		redisZ(now.Add(2*time.Second), "later"),
		redisZ(now.Add(-5*time.Second), "earlier"),
	).Err())

	due, err := tasks.DueScheduled(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "earlier", due[0])
}

func TestTask_InAnyQueue(t *testing.T) {
	s := newStore(t)
	tasks := task.New(s)
	ctx := context.Background()

	require.NoError(t, s.Standard.RPush(ctx, task.QueuePrimary, "queued-id").Err())

	in, err := tasks.InAnyQueue(ctx, "queued-id")
	require.NoError(t, err)
	assert.True(t, in)

	in, err = tasks.InAnyQueue(ctx, "absent-id")
	require.NoError(t, err)
	assert.False(t, in)
}

func TestTask_CopyToDLQ_AndGetDLQCopy(t *testing.T) {
	tasks := task.New(newStore(t))
	ctx := context.Background()

	tk := makeTask("echo")
	tk.Attempts = 3
	tk.LastError = "permanent failure"
	require.NoError(t, tasks.CopyToDLQ(ctx, tk))

	got, err := tasks.GetDLQCopy(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.LastError, got.LastError)
}
