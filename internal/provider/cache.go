// Package provider implements the centralized provider state cache
// (coordination-plane component C5): a single Redis-backed record of an
// external dependency's health that every worker reads before calling out,
// so one worker's observed outage is immediately visible to the rest.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskflow/broker/internal/store"
	"github.com/taskflow/broker/pkg/telemetry"
)

// State is the provider's observed health.
type State string

const (
	StateActive            State = "active"
	StateRateLimited        State = "rate_limited"
	StateCreditsExhausted   State = "credits_exhausted"
	StateAuthInvalid        State = "auth_invalid"
	StateServiceUnavailable State = "service_unavailable"
	StateError              State = "error"
)

const (
	FreshThreshold = 60 * time.Second
	StaleThreshold = 5 * time.Minute
	lockTimeout    = 10 * time.Second
	defaultTTL     = 10 * time.Minute
	circuitThreshold = 5
)

func stateKey(name string) string   { return "provider:" + name + ":state" }
func lockKey(name string) string    { return "provider:" + name + ":lock" }
func metricsKey(name, day string) string { return "provider:" + name + ":metrics:" + day }

// Record is the cached provider health snapshot.
type Record struct {
	State               State      `json:"state"`
	Message              string     `json:"message"`
	LastCheck            time.Time  `json:"last_check"`
	LastSuccess          *time.Time `json:"last_success,omitempty"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	CircuitBreakerOpen   bool       `json:"circuit_breaker_open"`
	ErrorDetails         string     `json:"error_details,omitempty"`
	RateLimitReset       *time.Time `json:"rate_limit_reset,omitempty"`
}

// Cache manages one named provider's state (most deployments track a single
// external dependency, but the cache is keyed by name to support more).
type Cache struct {
	store *store.Store
	name  string
}

// New creates a Cache for the provider named name.
func New(s *store.Store, name string) *Cache {
	return &Cache{store: s, name: name}
}

// Get reads the cached record. With forceRefresh=false, returns (nil, nil)
// if the cached record is older than StaleThreshold — the caller should then
// perform a live check and Update the result.
func (c *Cache) Get(ctx context.Context, forceRefresh bool) (*Record, error) {
	raw, err := c.store.Standard.Get(ctx, stateKey(c.name)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("provider cache get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("provider cache decode: %w", err)
	}
	if !forceRefresh && time.Since(rec.LastCheck) > StaleThreshold {
		return nil, nil
	}
	return &rec, nil
}

// IsFresh reports whether the cached record is within FreshThreshold.
func (c *Cache) IsFresh(ctx context.Context) bool {
	rec, err := c.Get(ctx, true)
	if err != nil || rec == nil {
		return false
	}
	return time.Since(rec.LastCheck) <= FreshThreshold
}

// Update writes a new record, collapsing concurrent writers behind a
// SETNX-based lock (a missed update here just means a slightly stale read for
// the callers that lost the race, which is an acceptable trade for avoiding
// lost-update races on consecutive_failures).
func (c *Cache) Update(ctx context.Context, state State, message string, isSuccess bool, errorDetails string, rateLimitReset *time.Time) (*Record, error) {
	acquired, err := c.store.Standard.SetNX(ctx, lockKey(c.name), "1", lockTimeout).Result()
	if err != nil {
		return nil, fmt.Errorf("provider cache lock: %w", err)
	}
	if !acquired {
		return nil, nil
	}
	defer c.store.Standard.Del(ctx, lockKey(c.name))

	current, err := c.Get(ctx, true)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := Record{State: state, Message: message, LastCheck: now, RateLimitReset: rateLimitReset}

	consecutiveFailures := 0
	var lastSuccess *time.Time
	if current != nil {
		consecutiveFailures = current.ConsecutiveFailures
		lastSuccess = current.LastSuccess
	}

	if isSuccess {
		consecutiveFailures = 0
		lastSuccess = &now
	} else if state == StateError || state == StateServiceUnavailable || state == StateRateLimited {
		consecutiveFailures++
	}

	rec.ConsecutiveFailures = consecutiveFailures
	rec.LastSuccess = lastSuccess
	rec.CircuitBreakerOpen = consecutiveFailures >= circuitThreshold
	rec.ErrorDetails = errorDetails

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("provider cache encode: %w", err)
	}
	if err := c.store.Standard.Set(ctx, stateKey(c.name), data, defaultTTL).Err(); err != nil {
		return nil, fmt.Errorf("provider cache write: %w", err)
	}

	c.bumpMetrics(ctx, state, isSuccess)
	telemetry.ProviderConsecutiveFailures.WithLabelValues(c.name).Set(float64(consecutiveFailures))
	return &rec, nil
}

// errorStateMap mirrors the original implementation's worker-reported error
// classification into provider states.
var errorStateMap = map[string]State{
	"auth_invalid":        StateAuthInvalid,
	"credits_exhausted":   StateCreditsExhausted,
	"rate_limited":        StateRateLimited,
	"service_unavailable": StateServiceUnavailable,
	"timeout":             StateError,
	"network_error":       StateError,
}

// ReportWorkerError maps a worker-observed error type to a provider state and
// records it.
func (c *Cache) ReportWorkerError(ctx context.Context, errorType, message, workerID string) error {
	state, ok := errorStateMap[errorType]
	if !ok {
		state = StateError
	}
	details := fmt.Sprintf("worker=%s type=%s message=%s", workerID, errorType, message)
	_, err := c.Update(ctx, state, "worker reported: "+errorType, false, details, nil)
	return err
}

// ShouldSkipCall reports whether the circuit is open or the provider is
// currently rate-limited with a reset time in the future.
func (c *Cache) ShouldSkipCall(ctx context.Context) (bool, string, error) {
	rec, err := c.Get(ctx, true)
	if err != nil {
		return false, "", err
	}
	if rec == nil {
		return false, "", nil
	}
	if rec.CircuitBreakerOpen {
		return true, "circuit breaker is open", nil
	}
	if rec.State == StateRateLimited && rec.RateLimitReset != nil && time.Now().Before(*rec.RateLimitReset) {
		return true, "rate limited", nil
	}
	return false, "", nil
}

func (c *Cache) bumpMetrics(ctx context.Context, state State, isSuccess bool) {
	key := metricsKey(c.name, time.Now().UTC().Format("2006-01-02"))
	pipe := c.store.Pipeline.TxPipeline()
	pipe.HIncrBy(ctx, key, "total_calls", 1)
	if isSuccess {
		pipe.HIncrBy(ctx, key, "successful_calls", 1)
	} else {
		pipe.HIncrBy(ctx, key, "failed_calls", 1)
	}
	pipe.HIncrBy(ctx, key, "state_"+string(state), 1)
	pipe.Expire(ctx, key, 30*24*time.Hour)
	_, _ = pipe.Exec(ctx)
}

// Metrics returns the per-day counters for the last `days` days.
func (c *Cache) Metrics(ctx context.Context, days int) (map[string]map[string]int64, error) {
	out := make(map[string]map[string]int64, days)
	now := time.Now().UTC()
	for i := 0; i < days; i++ {
		day := now.AddDate(0, 0, -i).Format("2006-01-02")
		raw, err := c.store.Standard.HGetAll(ctx, metricsKey(c.name, day)).Result()
		if err != nil {
			return nil, fmt.Errorf("provider metrics for %s: %w", day, err)
		}
		if len(raw) == 0 {
			continue
		}
		parsed := make(map[string]int64, len(raw))
		for k, v := range raw {
			var n int64
			fmt.Sscanf(v, "%d", &n)
			parsed[k] = n
		}
		out[day] = parsed
	}
	return out, nil
}
