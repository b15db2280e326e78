// Package store wraps the Redis connections shared by every coordination-plane
// component, classifying errors so only connection-class failures are retried.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// Store holds the connection pools used across the broker. Standard serves
// hash/zset/script traffic, Blocking is reserved for BLPOP/BRPOP (a longer
// read timeout so it doesn't churn the shared pool), and Pipeline batches
// multi-command transactions.
type Store struct {
	Standard *redis.Client
	Blocking *redis.Client
	Pipeline *redis.Client

	logger *slog.Logger
}

// Config controls pool sizing and health-check cadence.
type Config struct {
	Addr               string
	Password           string
	DB                 int
	HealthCheckInterval time.Duration
}

// New dials three pools against addr with settings appropriate to each role.
func New(cfg Config, logger *slog.Logger) *Store {
	base := redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}

	standard := base
	standard.PoolSize = 50
	standard.ReadTimeout = 2 * time.Second

	blocking := base
	blocking.PoolSize = 10
	blocking.ReadTimeout = 6 * time.Second // must exceed the BLPOP timeout argument

	pipeline := base
	pipeline.PoolSize = 20
	pipeline.ReadTimeout = 2 * time.Second

	return &Store{
		Standard: redis.NewClient(&standard),
		Blocking: redis.NewClient(&blocking),
		Pipeline: redis.NewClient(&pipeline),
		logger:   logger,
	}
}

// Close closes all three pools.
func (s *Store) Close() error {
	return errors.Join(s.Standard.Close(), s.Blocking.Close(), s.Pipeline.Close())
}

// Ping checks connectivity on the standard pool; used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.Standard.Ping(ctx).Err()
}

// HealthCheck runs Ping on an interval until ctx is cancelled, logging
// transitions. It does not attempt to reopen clients — go-redis pools
// reconnect individual connections transparently; this only surfaces
// prolonged outages to the operator. onUnhealthy, if non-nil, is invoked once
// per healthy->unhealthy transition so a caller can alert subscribers that
// this process can no longer make progress.
func (s *Store) HealthCheck(ctx context.Context, interval time.Duration, onUnhealthy func(error)) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.Ping(ctx)
			switch {
			case err != nil && healthy:
				healthy = false
				s.logger.Error("store health check failed", slog.String("error", err.Error()))
				if onUnhealthy != nil {
					onUnhealthy(err)
				}
			case err == nil && !healthy:
				healthy = true
				s.logger.Info("store connectivity restored")
			}
		}
	}
}

// isConnectionClass reports whether err represents a transport-level failure
// (dial/timeout/connection reset) as opposed to a logical Redis error such as
// a WRONGTYPE reply or a Lua script error — only the former is worth retrying.
func isConnectionClass(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Do runs fn, retrying connection-class errors with exponential backoff.
// Logical errors (including redis.Nil) propagate immediately.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 10 * time.Second

	return backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isConnectionClass(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

// Script is a named, embeddable Lua script evaluated with EVALSHA, falling
// back to EVAL on NOSCRIPT so callers never need to pre-load scripts.
type Script struct {
	name   string
	script *redis.Script
}

// NewScript wraps src as a named Script.
func NewScript(name, src string) *Script {
	return &Script{name: name, script: redis.NewScript(src)}
}

// Run evaluates the script against client, with connection-class retries.
func (s *Store) Run(ctx context.Context, sc *Script, keys []string, args ...interface{}) (*redis.Cmd, error) {
	var cmd *redis.Cmd
	err := s.Do(ctx, func(ctx context.Context) error {
		c := sc.script.Run(ctx, s.Standard, keys, args...)
		if err := c.Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("script %s: %w", sc.name, err)
		}
		cmd = c
		return nil
	})
	return cmd, err
}
