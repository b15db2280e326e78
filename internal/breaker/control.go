package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ControlChannel is the pub/sub channel the ingress contract's
// reset_all_circuits/open_all_circuits operations broadcast on. It is
// separate from eventbus's queue-updates channel since a circuit control
// message is a command to worker processes, not an observability event.
const ControlChannel = "circuit-control"

// ControlAction is one of the two broadcastable administrative actions.
type ControlAction string

const (
	ActionResetAll ControlAction = "reset_all"
	ActionOpenAll  ControlAction = "open_all"
)

// ControlMessage is published to ControlChannel and consumed by every
// worker's Listen loop.
type ControlMessage struct {
	Action   ControlAction `json:"action"`
	IssuedAt time.Time     `json:"issued_at"`
}

// Broadcast publishes a control message for every worker to apply to its own
// Registry.
func Broadcast(ctx context.Context, redisClient *redis.Client, action ControlAction) error {
	msg := ControlMessage{Action: action, IssuedAt: time.Now().UTC()}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal circuit control message: %w", err)
	}
	if err := redisClient.Publish(ctx, ControlChannel, data).Err(); err != nil {
		return fmt.Errorf("publish circuit control message: %w", err)
	}
	return nil
}

// ForceCloseAll resets every tracked breaker to CLOSED.
func (r *Registry) ForceCloseAll() {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()
	for _, b := range breakers {
		b.ForceClose()
	}
}

// ForceOpenAll trips every tracked breaker to OPEN.
func (r *Registry) ForceOpenAll() {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()
	for _, b := range breakers {
		b.ForceOpen()
	}
}

// Listen subscribes to ControlChannel and applies every broadcast message to
// reg until ctx is cancelled. Run once per worker process alongside the
// dispatcher loop.
func Listen(ctx context.Context, redisClient *redis.Client, reg *Registry, logger *slog.Logger) {
	sub := redisClient.Subscribe(ctx, ControlChannel)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var ctrl ControlMessage
			if err := json.Unmarshal([]byte(msg.Payload), &ctrl); err != nil {
				logger.Warn("circuit control message decode failed", slog.String("error", err.Error()))
				continue
			}
			switch ctrl.Action {
			case ActionResetAll:
				reg.ForceCloseAll()
				logger.Info("circuit breakers reset by broadcast")
			case ActionOpenAll:
				reg.ForceOpenAll()
				logger.Info("circuit breakers opened by broadcast")
			default:
				logger.Warn("unknown circuit control action", slog.String("action", string(ctrl.Action)))
			}
		}
	}
}
