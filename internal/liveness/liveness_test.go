package liveness

import (
	"testing"
	"time"
)

func TestClassifyAge(t *testing.T) {
	period := 10 * time.Second
	cases := []struct {
		age  time.Duration
		want Status
	}{
		{0, StatusHealthy},
		{10 * time.Second, StatusHealthy},
		{11 * time.Second, StatusStale},
		{30 * time.Second, StatusStale},
		{31 * time.Second, StatusNoHeartbeat},
		{time.Hour, StatusNoHeartbeat},
	}
	for _, tc := range cases {
		if got := classifyAge(tc.age, period); got != tc.want {
			t.Errorf("classifyAge(%v, %v) = %q, want %q", tc.age, period, got, tc.want)
		}
	}
}
