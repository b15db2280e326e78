//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskflow/broker/internal/breaker"
)

func TestBreakerControl_BroadcastResetAllAppliesAcrossRegistry(t *testing.T) {
	raw := newRawClient(t)
	reg := breaker.NewRegistry(breaker.DefaultConfig())
	b := reg.Get("openrouter")
	b.ForceOpen()
	require.Equal(t, breaker.Open, b.Stats().State)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go breaker.Listen(runCtx, raw, reg, testLogger())
	time.Sleep(100 * time.Millisecond) // let the subscription establish

	require.NoError(t, breaker.Broadcast(context.Background(), raw, breaker.ActionResetAll))

	require.Eventually(t, func() bool {
		return reg.Get("openrouter").Stats().State == breaker.Closed
	}, 2*time.Second, 50*time.Millisecond)
}

func TestBreakerControl_BroadcastOpenAllAppliesAcrossRegistry(t *testing.T) {
	raw := newRawClient(t)
	reg := breaker.NewRegistry(breaker.DefaultConfig())
	reg.Get("openrouter")
	reg.Get("webhook-a")

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go breaker.Listen(runCtx, raw, reg, testLogger())
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, breaker.Broadcast(context.Background(), raw, breaker.ActionOpenAll))

	require.Eventually(t, func() bool {
		for _, s := range reg.AllStats() {
			if s.State != breaker.Open {
				return false
			}
		}
		return true
	}, 2*time.Second, 50*time.Millisecond)
}
