// Package handlers defines the handler contract (coordination-plane
// component C8) and the registry dispatchers use to look one up by task type.
package handlers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/taskflow/broker/internal/breaker"
	"github.com/taskflow/broker/internal/domain"
	"github.com/taskflow/broker/internal/ratelimit"
	"github.com/taskflow/broker/internal/router"
)

// Context is passed to every Handler invocation. It exposes cancellation,
// structured logging scoped to the task, and CallProvider — the only
// sanctioned path for a handler to reach an external dependency, since that
// is where the circuit breaker and rate limiter are enforced.
type Context struct {
	context.Context
	Logger  *slog.Logger
	breaker *breaker.Breaker
	limiter *ratelimit.Limiter
}

// NewContext builds a handler Context around a per-call context.Context.
func NewContext(ctx context.Context, logger *slog.Logger, b *breaker.Breaker, l *ratelimit.Limiter) *Context {
	return &Context{Context: ctx, Logger: logger, breaker: b, limiter: l}
}

// CallProvider wraps fn with the breaker's admission check and the shared
// rate limiter, reporting the outcome back to the breaker. Returns a
// router.HandlerError classified as circuit_open if the breaker rejects the
// call outright.
func (c *Context) CallProvider(tokens int, fn func() error) error {
	if !c.breaker.Allow() {
		return &router.HandlerError{Class: router.ClassCircuitOpen, Message: "circuit open"}
	}
	if c.limiter != nil {
		if err := c.limiter.Acquire(c, tokens, 30*time.Second); err != nil {
			c.breaker.RecordFailure()
			return err
		}
	}
	err := fn()
	if err != nil {
		c.breaker.RecordFailure()
		return err
	}
	c.breaker.RecordSuccess()
	return nil
}

// Result is a handler's opaque success payload, stored alongside the task
// record for callers polling the ingress contract.
type Result struct {
	Data []byte
}

// Handler processes a task of a specific type.
type Handler interface {
	Handle(ctx *Context, payload []byte) (Result, *router.HandlerError)
	TaskType() string
}

// Registry maps task types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Safe to call concurrently.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.TaskType()] = h
}

// Get returns the handler for the given task type.
func (r *Registry) Get(taskType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	if !ok {
		return nil, &domain.InvalidTaskTypeError{TaskType: taskType}
	}
	return h, nil
}
