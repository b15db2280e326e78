package domain

import "fmt"

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// InvalidTransitionError is returned when a CAS state transition's
// precondition did not hold — the task was not in the expected From state.
type InvalidTransitionError struct {
	TaskID   string
	Expected State
	Actual   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: expected state %s, found %s", e.TaskID, e.Expected, e.Actual)
}

// InvalidTaskTypeError is returned when no handler is registered for a task type.
type InvalidTaskTypeError struct {
	TaskType string
}

func (e *InvalidTaskTypeError) Error() string {
	return fmt.Sprintf("no handler registered for task type %q", e.TaskType)
}

// RateLimitTimeoutError is returned when Acquire could not obtain a token
// before its deadline.
type RateLimitTimeoutError struct {
	Tokens  int
	Timeout string
}

func (e *RateLimitTimeoutError) Error() string {
	return fmt.Sprintf("rate limiter: could not acquire %d token(s) within %s", e.Tokens, e.Timeout)
}

// ValidationError is returned by the ingress contract when a submitted task
// fails basic shape validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

// AlreadyExistsError is returned by submit() when a client-supplied task_id
// collides with an existing record.
type AlreadyExistsError struct {
	TaskID string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("task already exists: %s", e.TaskID)
}

// ConflictError is returned when an ingress operation's state precondition
// does not hold, independent of the lower-level CAS transition machinery
// (e.g. retry() called on a task that is neither FAILED nor DLQ).
type ConflictError struct {
	TaskID string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s: %s", e.TaskID, e.Reason)
}

// DependencyMissingError is returned when an ingress operation needs a
// collaborator (e.g. the audit mirror) that was not configured.
type DependencyMissingError struct {
	Dependency string
}

func (e *DependencyMissingError) Error() string {
	return fmt.Sprintf("required dependency not configured: %s", e.Dependency)
}
