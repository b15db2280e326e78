package router

import (
	"testing"
	"time"

	"github.com/taskflow/broker/internal/domain"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		code int
		msg  string
		want ErrorClass
	}{
		{429, "", ClassRateLimit},
		{402, "", ClassCredits},
		{503, "", ClassServiceUnavailable},
		{502, "", ClassServiceUnavailable},
		{404, "", ClassPermanent},
		{500, "", ClassDependency},
		{0, "timeout", ClassNetwork},
		{0, "connection_reset", ClassNetwork},
		{0, "circuit_open", ClassCircuitOpen},
		{0, "something else", ClassDefault},
	}
	for _, tc := range cases {
		if got := ClassifyError(tc.code, tc.msg); got != tc.want {
			t.Errorf("ClassifyError(%d, %q) = %q, want %q", tc.code, tc.msg, got, tc.want)
		}
	}
}

func TestCalculateDelay_FollowsScheduleWithJitterBound(t *testing.T) {
	for attempt := 1; attempt <= 6; attempt++ {
		d := CalculateDelay(attempt, ClassRateLimit)
		schedule := retrySchedules[ClassRateLimit]
		idx := attempt - 1
		if idx >= len(schedule) {
			idx = len(schedule) - 1
		}
		base := time.Duration(schedule[idx]) * time.Second
		if d < base || d > base+base/10+time.Millisecond {
			t.Errorf("attempt %d: delay %v out of [%v, %v]", attempt, d, base, base+base/10)
		}
	}
}

func TestCalculateDelay_UnknownClassFallsBackToDefault(t *testing.T) {
	d := CalculateDelay(1, "nonsense")
	want := time.Duration(retrySchedules[ClassDefault][0]) * time.Second
	if d < want || d > want+want/10+time.Millisecond {
		t.Errorf("delay %v not within default schedule bounds", d)
	}
}

func TestDecide_PermanentNeverRetries(t *testing.T) {
	task := &domain.Task{CreatedAt: time.Now(), Attempts: 0, MaxAttempts: 5}
	out := Decide(task, &HandlerError{Class: ClassPermanent}, time.Now())
	if out.Action != ActionDeadLetter {
		t.Errorf("action = %s, want dead_letter", out.Action)
	}
}

func TestDecide_DependencyNeverRetries(t *testing.T) {
	task := &domain.Task{CreatedAt: time.Now(), Attempts: 0, MaxAttempts: 5}
	out := Decide(task, &HandlerError{Class: ClassDependency}, time.Now())
	if out.Action != ActionDeadLetter {
		t.Errorf("action = %s, want dead_letter", out.Action)
	}
}

func TestDecide_CircuitOpenRetriesWithoutConsumingAttempt(t *testing.T) {
	task := &domain.Task{CreatedAt: time.Now(), Attempts: 2, MaxAttempts: 5}
	out := Decide(task, &HandlerError{Class: ClassCircuitOpen}, time.Now())
	if out.Action != ActionRetryNow {
		t.Errorf("action = %s, want retry_now", out.Action)
	}
}

func TestDecide_ExhaustedAttemptsGoesToDLQ(t *testing.T) {
	task := &domain.Task{CreatedAt: time.Now(), Attempts: 5, MaxAttempts: 5}
	out := Decide(task, &HandlerError{Class: ClassNetwork}, time.Now())
	if out.Action != ActionDeadLetter {
		t.Errorf("action = %s, want dead_letter", out.Action)
	}
}

func TestDecide_OverMaxAgeGoesToDLQRegardlessOfAttempts(t *testing.T) {
	old := time.Now().Add(-48 * time.Hour)
	task := &domain.Task{CreatedAt: old, Attempts: 0, MaxAttempts: 5}
	out := Decide(task, &HandlerError{Class: ClassNetwork}, time.Now())
	if out.Action != ActionDeadLetter {
		t.Errorf("action = %s, want dead_letter for over-age task", out.Action)
	}
}

func TestDecide_RetryableWithinBudgetReschedules(t *testing.T) {
	task := &domain.Task{CreatedAt: time.Now(), Attempts: 1, MaxAttempts: 5}
	now := time.Now()
	out := Decide(task, &HandlerError{Class: ClassNetwork}, now)
	if out.Action != ActionReschedule {
		t.Errorf("action = %s, want reschedule", out.Action)
	}
	if !out.RetryAfter.After(now) {
		t.Error("expected RetryAfter to be in the future")
	}
}
