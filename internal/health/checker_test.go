package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

type stubChecker struct {
	err   error
	calls atomic.Int32
}

func (s *stubChecker) Ready(context.Context) error {
	s.calls.Add(1)
	return s.err
}

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_NoBackend(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}
	if response.Checks["backend"].Status != StatusUnhealthy {
		t.Errorf("Expected backend check to be unhealthy, got %+v", response.Checks)
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()
	down := errors.New("connection refused")
	tests := []struct {
		name    string
		backend error
		lock    error
		want    Status
	}{
		{"all healthy", nil, nil, StatusHealthy},
		{"optional lock down", nil, down, StatusDegraded},
		{"backend down", down, nil, StatusUnhealthy},
		{"both down", down, down, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			checker := NewChecker(&stubChecker{err: tt.backend}, WithOptional("lock", &stubChecker{err: tt.lock}))

			response := checker.Readiness(context.Background())

			if response.Status != tt.want {
				t.Errorf("Expected %s, got %s (%+v)", tt.want, response.Status, response.Checks)
			}
			if len(response.Checks) != 2 {
				t.Errorf("Expected backend and lock checks, got %+v", response.Checks)
			}
		})
	}
}

func TestChecker_ReadinessIsCached(t *testing.T) {
	t.Parallel()
	backend := &stubChecker{}
	checker := NewChecker(backend)

	checker.Readiness(context.Background())
	checker.Readiness(context.Background())

	if got := backend.calls.Load(); got != 1 {
		t.Errorf("Expected one backend call within the cache window, got %d", got)
	}
}

func TestChecker_ShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(&stubChecker{})
	checker.Readiness(context.Background())

	checker.SetShuttingDown()
	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy after shutdown, got %s", response.Status)
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Errorf("Expected shutdown check, got %+v", response.Checks)
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
		{"degraded", StatusDegraded, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}
