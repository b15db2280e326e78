// Package ratelimit implements the distributed token bucket rate limiter
// (coordination-plane component C3): one shared bucket, refilled by elapsed
// time rather than a background goroutine, so any number of dispatcher
// processes can draw from it without coordinating directly with each other.
package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/taskflow/broker/internal/domain"
	"github.com/taskflow/broker/internal/store"
	"github.com/taskflow/broker/pkg/telemetry"
)

//go:embed scripts/bucket.lua
var bucketScriptSrc string

var bucketScript = store.NewScript("rate_limit_bucket", bucketScriptSrc)

const (
	bucketKey = "rate_limit:bucket"
	configKey = "rate_limit:config"
)

// Limiter is the distributed token bucket.
type Limiter struct {
	store           *store.Store
	defaultCapacity float64
	defaultRate     float64
}

// New builds a Limiter whose bucket starts at defaultCapacity tokens and
// refills at defaultRate tokens/second until UpdateConfig overrides it.
func New(s *store.Store, defaultCapacity, defaultRate float64) *Limiter {
	return &Limiter{store: s, defaultCapacity: defaultCapacity, defaultRate: defaultRate}
}

// Acquire blocks (looping on the bucket's reported wait time) until tokens
// tokens are available or timeout elapses, returning RateLimitTimeoutError
// on expiry.
func (l *Limiter) Acquire(ctx context.Context, tokens int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, wait, err := l.tryAcquire(ctx, tokens)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			telemetry.RateLimiterTimeoutsTotal.Inc()
			return &domain.RateLimitTimeoutError{Tokens: tokens, Timeout: timeout.String()}
		}
		sleep := wait
		if sleep > remaining {
			sleep = remaining
		}
		if sleep <= 0 {
			sleep = 10 * time.Millisecond
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Limiter) tryAcquire(ctx context.Context, tokens int) (bool, time.Duration, error) {
	now := float64(time.Now().UnixNano()) / 1e9
	cmd, err := l.store.Run(ctx, bucketScript,
		[]string{bucketKey, configKey},
		strconv.FormatFloat(now, 'f', -1, 64), strconv.Itoa(tokens),
		strconv.FormatFloat(l.defaultCapacity, 'f', -1, 64),
		strconv.FormatFloat(l.defaultRate, 'f', -1, 64),
	)
	if err != nil {
		return false, 0, fmt.Errorf("rate limiter acquire: %w", err)
	}
	res, err := cmd.Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limiter acquire: decode reply: %w", err)
	}
	success := res[0].(int64) == 1
	if remaining, err := strconv.ParseFloat(res[1].(string), 64); err == nil {
		telemetry.RateLimiterTokensAvailable.Set(remaining)
	}
	waitSec, _ := strconv.ParseFloat(res[4].(string), 64)
	return success, time.Duration(waitSec * float64(time.Second)), nil
}

// UpdateConfig overwrites the bucket's capacity/refill rate and resets the
// bucket to full so the new configuration takes effect immediately.
func (l *Limiter) UpdateConfig(ctx context.Context, requests int, interval time.Duration) error {
	capacity := float64(requests)
	rate := capacity / interval.Seconds()

	return l.store.Do(ctx, func(ctx context.Context) error {
		pipe := l.store.Pipeline.TxPipeline()
		pipe.HSet(ctx, configKey, "capacity", capacity, "refill_rate", rate)
		pipe.Del(ctx, bucketKey)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Status reports the bucket's current token count for monitoring, without
// consuming any tokens.
type Status struct {
	Tokens     float64
	Capacity   float64
	RefillRate float64
}

func (l *Limiter) Status(ctx context.Context) (Status, error) {
	data, err := l.store.Standard.HMGet(ctx, bucketKey, "tokens", "last_refill", "capacity", "refill_rate").Result()
	if err != nil {
		return Status{}, fmt.Errorf("rate limiter status: %w", err)
	}
	tokens := asFloat(data[0])
	lastRefill := asFloat(data[1])
	capacity := asFloat(data[2])
	if capacity == 0 {
		capacity = l.defaultCapacity
	}
	rate := asFloat(data[3])
	if rate == 0 {
		rate = l.defaultRate
	}
	now := float64(time.Now().UnixNano()) / 1e9
	elapsed := now - lastRefill
	if elapsed < 0 {
		elapsed = 0
	}
	current := tokens + elapsed*rate
	if current > capacity {
		current = capacity
	}
	return Status{Tokens: current, Capacity: capacity, RefillRate: rate}, nil
}

func asFloat(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
