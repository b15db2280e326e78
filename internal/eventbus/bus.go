// Package eventbus implements the event fan-out (coordination-plane
// component C10): every state transition and queue-depth-affecting
// operation publishes one self-describing message on a single Redis
// pub/sub channel, plus a periodic full-snapshot heartbeat so reconnecting
// subscribers converge without replay.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskflow/broker/internal/domain"
)

// Channel is the single named pub/sub channel every event is published on.
const Channel = "queue-updates"

// EventType is the self-describing discriminator of a Message.
type EventType string

const (
	EventTaskCreated      EventType = "task_created"
	EventTaskStateChanged EventType = "task_state_changed"
	EventQueueSnapshot    EventType = "queue_snapshot"
	EventHeartbeat        EventType = "heartbeat"
	EventFatal            EventType = "fatal"
)

// QueueDepths is the current depth of each queue, included on every message
// so subscribers can render a live dashboard without polling separately.
type QueueDepths struct {
	Primary   int64 `json:"primary"`
	Retry     int64 `json:"retry"`
	Scheduled int64 `json:"scheduled"`
	DLQ       int64 `json:"dlq"`
}

// Message is the wire schema of §6.2.
type Message struct {
	Type        EventType             `json:"type"`
	TaskID      string                `json:"task_id,omitempty"`
	OldState    domain.State          `json:"old_state,omitempty"`
	NewState    domain.State          `json:"new_state,omitempty"`
	QueueDepths QueueDepths           `json:"queue_depths"`
	StateCounts map[domain.State]int64 `json:"state_counts"`
	RetryRatio  float64               `json:"retry_ratio,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
}

// Bus publishes Messages to the shared Redis channel.
type Bus struct {
	redis  *redis.Client
	logger *slog.Logger
}

// New builds a Bus over the standard pool (pub/sub publish is cheap and
// fire-and-forget, so it shares the non-blocking client rather than needing
// its own pool).
func New(redisClient *redis.Client, logger *slog.Logger) *Bus {
	return &Bus{redis: redisClient, logger: logger}
}

func (b *Bus) publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.redis.Publish(ctx, Channel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// PublishTransition publishes a task_state_changed message.
func (b *Bus) PublishTransition(ctx context.Context, taskID string, old, new_ domain.State, depths QueueDepths, counts map[domain.State]int64) error {
	return b.publish(ctx, Message{
		Type:        EventTaskStateChanged,
		TaskID:      taskID,
		OldState:    old,
		NewState:    new_,
		QueueDepths: depths,
		StateCounts: counts,
		Timestamp:   time.Now().UTC(),
	})
}

// PublishCreated publishes a task_created message.
func (b *Bus) PublishCreated(ctx context.Context, taskID string, depths QueueDepths, counts map[domain.State]int64) error {
	return b.publish(ctx, Message{
		Type:        EventTaskCreated,
		TaskID:      taskID,
		NewState:    domain.StatePending,
		QueueDepths: depths,
		StateCounts: counts,
		Timestamp:   time.Now().UTC(),
	})
}

// PublishFatal publishes a fatal message, used when a component can no
// longer make progress and subscribers should alert.
func (b *Bus) PublishFatal(ctx context.Context, reason string) error {
	b.logger.Error("publishing fatal event", slog.String("reason", reason))
	return b.publish(ctx, Message{Type: EventFatal, Timestamp: time.Now().UTC(), StateCounts: map[domain.State]int64{}})
}

// SnapshotSource supplies the data a heartbeat needs without eventbus having
// to depend on internal/task directly.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (QueueDepths, map[domain.State]int64, float64)
}

// Heartbeat publishes a full queue_snapshot/heartbeat message every period
// until ctx is cancelled, so a reconnecting subscriber converges on current
// state even if it missed every transition event in between.
func (b *Bus) Heartbeat(ctx context.Context, src SnapshotSource, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depths, counts, ratio := src.Snapshot(ctx)
			msg := Message{
				Type:        EventHeartbeat,
				QueueDepths: depths,
				StateCounts: counts,
				RetryRatio:  ratio,
				Timestamp:   time.Now().UTC(),
			}
			if err := b.publish(ctx, msg); err != nil {
				b.logger.Warn("heartbeat publish failed", slog.String("error", err.Error()))
			}
		}
	}
}
