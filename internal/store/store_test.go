package store

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "i/o timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsConnectionClass(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", fakeTimeoutErr{}, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"plain logical error", errors.New("WRONGTYPE"), false},
		{"net.Error wrapped", &net.OpError{Err: fakeTimeoutErr{}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isConnectionClass(tc.err); got != tc.want {
				t.Errorf("isConnectionClass(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestDo_PermanentErrorStopsRetrying(t *testing.T) {
	s := &Store{}
	calls := 0
	err := s.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("logical failure")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1 (non connection-class errors should not retry)", calls)
	}
}

func TestDo_SucceedsOnFirstTry(t *testing.T) {
	s := &Store{}
	calls := 0
	err := s.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestDo_ConnectionClassRetriesThenRespectsContext(t *testing.T) {
	s := &Store{}
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	calls := 0
	err := s.Do(ctx, func(ctx context.Context) error {
		calls++
		return fakeTimeoutErr{}
	})
	if err == nil {
		t.Fatal("expected error once context deadline is hit")
	}
	if calls < 2 {
		t.Errorf("fn called %d times, want retries before giving up", calls)
	}
}
