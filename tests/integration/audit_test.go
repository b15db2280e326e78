//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflow/broker/internal/audit"
	"github.com/taskflow/broker/internal/domain"
)

func TestAudit_RecordCreateThenGetByID(t *testing.T) {
	mirror := audit.New(newPool(t))
	ctx := context.Background()

	tk := makeTask("webhook")
	tk.UpdatedAt = tk.CreatedAt
	require.NoError(t, mirror.RecordCreate(ctx, tk))

	got, err := mirror.GetByID(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.Type, got.Type)
	assert.Equal(t, domain.StatePending, got.State)
}

func TestAudit_GetByID_NotFound(t *testing.T) {
	mirror := audit.New(newPool(t))

	_, err := mirror.GetByID(context.Background(), "missing-id")
	require.Error(t, err)
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestAudit_RecordTransition_SetsCompletedAtOnTerminalState(t *testing.T) {
	mirror := audit.New(newPool(t))
	ctx := context.Background()

	tk := makeTask("webhook")
	tk.UpdatedAt = tk.CreatedAt
	require.NoError(t, mirror.RecordCreate(ctx, tk))

	now := time.Now().UTC()
	require.NoError(t, mirror.RecordTransition(ctx, tk.ID, domain.StateActive, domain.StateCompleted, now, "worker-1", "handler succeeded"))

	got, err := mirror.GetByID(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.State)
	require.NotNil(t, got.CompletedAt)
}

func TestAudit_List_FiltersByStateAndType(t *testing.T) {
	mirror := audit.New(newPool(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tk := makeTask("echo")
		tk.UpdatedAt = tk.CreatedAt
		require.NoError(t, mirror.RecordCreate(ctx, tk))
	}
	webhookTask := makeTask("webhook")
	webhookTask.UpdatedAt = webhookTask.CreatedAt
	require.NoError(t, mirror.RecordCreate(ctx, webhookTask))
	require.NoError(t, mirror.RecordTransition(ctx, webhookTask.ID, domain.StatePending, domain.StateCompleted, time.Now().UTC(), "", ""))

	pending, err := mirror.List(ctx, audit.ListFilter{State: domain.StatePending, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, pending.Tasks, 3)

	webhooks, err := mirror.List(ctx, audit.ListFilter{TaskType: "webhook", PageSize: 10})
	require.NoError(t, err)
	require.Len(t, webhooks.Tasks, 1)
	assert.Equal(t, webhookTask.ID, webhooks.Tasks[0].ID)
}

func TestAudit_RecordDelete_RemovesRow(t *testing.T) {
	mirror := audit.New(newPool(t))
	ctx := context.Background()

	tk := makeTask("echo")
	tk.UpdatedAt = tk.CreatedAt
	require.NoError(t, mirror.RecordCreate(ctx, tk))
	require.NoError(t, mirror.RecordDelete(ctx, tk.ID))

	_, err := mirror.GetByID(ctx, tk.ID)
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestAudit_RecordDLQ_UpsertsOnConflict(t *testing.T) {
	mirror := audit.New(newPool(t))
	ctx := context.Background()

	tk := makeTask("echo")
	tk.Attempts = 3
	tk.LastError = "permanent"
	require.NoError(t, mirror.RecordDLQ(ctx, tk))

	tk.Attempts = 4
	tk.LastError = "still permanent"
	require.NoError(t, mirror.RecordDLQ(ctx, tk))
}

func TestMigrations_ApplyIsIdempotent(t *testing.T) {
	pool := newPool(t)
	require.NoError(t, applyMigrations(context.Background(), testPostgresDSN))
	_ = pool // schema_migrations already populated by TestMain; re-applying must be a no-op
}
