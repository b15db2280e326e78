// Package audit mirrors every task, transition, and DLQ copy into Postgres
// (a supplemented feature over the bare Redis store) so the coordination
// plane's history survives past whatever retention Redis is configured
// with, and so the ingress contract's list() can page/sort/filter without
// scanning the live queues.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskflow/broker/internal/domain"
)

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Mirror records coordination-plane activity into Postgres.
type Mirror struct {
	pool *pgxpool.Pool
}

// New wraps a connected pool with the audit-mirror operations.
func New(pool *pgxpool.Pool) *Mirror {
	return &Mirror{pool: pool}
}

// RecordCreate inserts the newly created task row. Non-fatal to the caller
// if it fails — Redis remains the authoritative store for live operation.
func (m *Mirror) RecordCreate(ctx context.Context, t *domain.Task) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO tasks
			(id, type, payload, state, priority, attempts, max_attempts, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`,
		t.ID, t.Type, t.Payload, string(t.State), t.Priority,
		t.Attempts, t.MaxAttempts, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit record create %s: %w", t.ID, err)
	}
	return nil
}

// RecordTransition mirrors one state transition: updates the task row and
// appends a task_transitions entry.
func (m *Mirror) RecordTransition(ctx context.Context, taskID string, from, to domain.State, at time.Time, workerID, reason string) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("audit transition begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var completedAt *time.Time
	if to.IsTerminal() {
		completedAt = &at
	}
	_, err = tx.Exec(ctx, `
		UPDATE tasks SET state = $1, worker_id = $2, updated_at = $3, completed_at = COALESCE(completed_at, $4)
		WHERE id = $5
	`, string(to), workerID, at, completedAt, taskID)
	if err != nil {
		return fmt.Errorf("audit transition update %s: %w", taskID, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO task_transitions (task_id, from_state, to_state, at, worker_id, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, taskID, string(from), string(to), at, workerID, reason)
	if err != nil {
		return fmt.Errorf("audit transition insert %s: %w", taskID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("audit transition commit %s: %w", taskID, err)
	}
	return nil
}

// RecordError mirrors a handler failure onto the task row's last_error/error_type.
func (m *Mirror) RecordError(ctx context.Context, taskID, errorType, message string) error {
	_, err := m.pool.Exec(ctx, `
		UPDATE tasks SET last_error = $1, error_type = $2, attempts = attempts + 1
		WHERE id = $3
	`, message, errorType, taskID)
	if err != nil {
		return fmt.Errorf("audit record error %s: %w", taskID, err)
	}
	return nil
}

// RecordDLQ inserts the dlq_tasks copy, matching the dlq:task:{id} Redis hash.
func (m *Mirror) RecordDLQ(ctx context.Context, t *domain.Task) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO dlq_tasks (id, type, payload, attempts, max_attempts, last_error, error_type, created_at, dead_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET attempts = EXCLUDED.attempts, last_error = EXCLUDED.last_error,
			error_type = EXCLUDED.error_type, dead_at = EXCLUDED.dead_at
	`, t.ID, t.Type, t.Payload, t.Attempts, t.MaxAttempts, t.LastError, t.ErrorType, t.CreatedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("audit record dlq %s: %w", t.ID, err)
	}
	return nil
}

// RecordDelete removes the mirrored task row (cascades to its transitions).
func (m *Mirror) RecordDelete(ctx context.Context, taskID string) error {
	_, err := m.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("audit record delete %s: %w", taskID, err)
	}
	return nil
}

// ListFilter narrows List's result set. Zero values mean "no filter".
type ListFilter struct {
	State    domain.State
	TaskType string
	Page     int // 1-based
	PageSize int
	Sort     string // "created_at_asc" | "created_at_desc" (default)
}

// ListResult is one page of mirrored task rows.
type ListResult struct {
	Tasks      []*domain.Task
	TotalCount int64
}

// List pages through the mirrored tasks table, optionally filtered by state
// and/or task type.
func (m *Mirror) List(ctx context.Context, f ListFilter) (ListResult, error) {
	page, pageSize := normalizePaging(f.Page, f.PageSize)
	order := orderClause(f.Sort)

	where := "WHERE ($1 = '' OR state = $1) AND ($2 = '' OR type = $2)"
	args := []any{string(f.State), f.TaskType}

	var total int64
	if err := m.pool.QueryRow(ctx, "SELECT count(*) FROM tasks "+where, args...).Scan(&total); err != nil {
		return ListResult{}, fmt.Errorf("audit list count: %w", err)
	}

	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := m.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, type, payload, state, priority, attempts, max_attempts,
		       worker_id, last_error, error_type, created_at, updated_at, retry_after, completed_at
		FROM tasks %s ORDER BY %s LIMIT $3 OFFSET $4
	`, where, order), args...)
	if err != nil {
		return ListResult{}, fmt.Errorf("audit list query: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return ListResult{}, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("audit list rows: %w", err)
	}
	return ListResult{Tasks: tasks, TotalCount: total}, nil
}

// GetByID reads one mirrored task row, used as the ingress Get() fallback
// when Redis has already expired or purged the live record.
func (m *Mirror) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := m.pool.QueryRow(ctx, `
		SELECT id, type, payload, state, priority, attempts, max_attempts,
		       worker_id, last_error, error_type, created_at, updated_at, retry_after, completed_at
		FROM tasks WHERE id = $1
	`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, err
	}
	return t, nil
}

// normalizePaging clamps page to >=1 and pageSize to (0, 500], defaulting an
// out-of-range pageSize to 50.
func normalizePaging(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}
	return page, pageSize
}

func orderClause(sort string) string {
	if sort == "created_at_asc" {
		return "created_at ASC"
	}
	return "created_at DESC"
}

func scanTask(row interface{ Scan(...any) error }) (*domain.Task, error) {
	var t domain.Task
	var state string
	err := row.Scan(
		&t.ID, &t.Type, &t.Payload, &state, &t.Priority, &t.Attempts, &t.MaxAttempts,
		&t.WorkerID, &t.LastError, &t.ErrorType, &t.CreatedAt, &t.UpdatedAt, &t.RetryAfter, &t.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan task row: %w", err)
	}
	t.State = domain.State(state)
	return &t, nil
}
