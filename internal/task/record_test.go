package task

import (
	"testing"
	"time"

	"github.com/taskflow/broker/internal/domain"
)

func TestFromFields_ParsesScalarsAndTimes(t *testing.T) {
	fields := map[string]string{
		"type":         "echo",
		"payload":      `{"msg":"hi"}`,
		"state":        string(domain.StateActive),
		"priority":     "5",
		"attempts":     "2",
		"max_attempts": "3",
		"worker_id":    "worker-1",
		"created_at":   "1700000000",
		"updated_at":   "1700000010",
		"retry_after":  "1700000100",
	}

	got := fromFields("task-1", fields)

	if got.Type != "echo" {
		t.Errorf("Type = %q, want echo", got.Type)
	}
	if got.State != domain.StateActive {
		t.Errorf("State = %q, want ACTIVE", got.State)
	}
	if got.Priority != 5 || got.Attempts != 2 || got.MaxAttempts != 3 {
		t.Errorf("numeric fields mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Errorf("CreatedAt = %v", got.CreatedAt)
	}
	if got.RetryAfter == nil || !got.RetryAfter.Equal(time.Unix(1700000100, 0).UTC()) {
		t.Errorf("RetryAfter = %v", got.RetryAfter)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt should be nil, got %v", got.CompletedAt)
	}
}

func TestKindOf(t *testing.T) {
	if kindOf(true) != "zset" {
		t.Error("expected zset")
	}
	if kindOf(false) != "list" {
		t.Error("expected list")
	}
}

func TestCounterKey_LowercasesState(t *testing.T) {
	if got, want := counterKey(domain.StateActive), "metrics:tasks:state:active"; got != want {
		t.Errorf("counterKey(ACTIVE) = %q, want %q", got, want)
	}
}
