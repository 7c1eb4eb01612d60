// Package testutil holds polling helpers for tests that wait on background
// reconciliation loops or a real container runtime.
package testutil

import (
	"context"
	"testing"
	"time"
)

type pollConfig struct {
	timeout  time.Duration
	interval time.Duration
	what     string
}

// WaitOption adjusts how WaitFor polls.
type WaitOption func(*pollConfig)

// WithTimeout bounds the total wait (default 30s).
func WithTimeout(d time.Duration) WaitOption {
	return func(c *pollConfig) { c.timeout = d }
}

// WithInterval sets the delay between checks (default 100ms).
func WithInterval(d time.Duration) WaitOption {
	return func(c *pollConfig) { c.interval = d }
}

// Describing names the awaited condition in the failure message of MustWaitFor.
func Describing(what string) WaitOption {
	return func(c *pollConfig) { c.what = what }
}

func newPollConfig(opts []WaitOption) pollConfig {
	c := pollConfig{
		timeout:  30 * time.Second,
		interval: 100 * time.Millisecond,
		what:     "condition",
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WaitFor checks condition immediately and then on every interval until it
// holds or the timeout passes. It reports whether the condition held.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	c := newPollConfig(opts)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return poll(ctx, c.interval, condition)
}

func poll(ctx context.Context, interval time.Duration, condition func() bool) bool {
	if condition() {
		return true
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// One last look so a condition met right at the deadline counts.
			return condition()
		case <-ticker.C:
			if condition() {
				return true
			}
		}
	}
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	c := newPollConfig(opts)
	if !WaitFor(tb, condition, opts...) {
		tb.Fatalf("timed out after %s waiting for %s", c.timeout, c.what)
	}
}
