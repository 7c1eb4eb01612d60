package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		succeedAt int64
		timeout   time.Duration
		want      bool
	}{
		{"immediate", 1, time.Second, true},
		{"eventual", 3, time.Second, true},
		{"never", 1 << 40, 50 * time.Millisecond, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int64
			got := WaitFor(t, func() bool {
				return calls.Add(1) >= tt.succeedAt
			}, WithTimeout(tt.timeout), WithInterval(5*time.Millisecond))

			if got != tt.want {
				t.Errorf("WaitFor = %v, want %v", got, tt.want)
			}
			if tt.want && calls.Load() != tt.succeedAt {
				t.Errorf("Expected polling to stop after %d checks, got %d", tt.succeedAt, calls.Load())
			}
		})
	}
}

func TestWaitForBackgroundProgress(t *testing.T) {
	t.Parallel()
	var counter atomic.Int64
	go func() {
		for range 5 {
			time.Sleep(5 * time.Millisecond)
			counter.Add(1)
		}
	}()

	MustWaitFor(t, func() bool { return counter.Load() >= 5 },
		WithTimeout(time.Second), WithInterval(time.Millisecond), Describing("counter to reach 5"))
}

func TestPollConfigDefaults(t *testing.T) {
	t.Parallel()
	c := newPollConfig(nil)
	if c.timeout != 30*time.Second || c.interval != 100*time.Millisecond || c.what != "condition" {
		t.Errorf("Unexpected defaults %+v", c)
	}

	c = newPollConfig([]WaitOption{WithTimeout(time.Minute), WithInterval(time.Second), Describing("pods")})
	if c.timeout != time.Minute || c.interval != time.Second || c.what != "pods" {
		t.Errorf("Options not applied: %+v", c)
	}
}
