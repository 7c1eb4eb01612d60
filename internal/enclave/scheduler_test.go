package enclave

import (
	"context"
	"reconciler/internal/job"
	"reconciler/internal/testutil"
	"sync"
	"testing"
	"time"
)

func TestSchedulerTriggers(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{terminated: []job.Terminated{exited("x", 3)}}
	up := &fakeUpstream{ready: jobs("a")}
	s := NewScheduler(NewDriver(backend, up, nil, nil), NewDetector(backend, up, nil, nil), SchedulerConfig{PassTimeout: time.Second})

	pass, err := s.TriggerStudies(context.Background())
	if err != nil || len(pass.Launched) != 1 {
		t.Fatalf("Unexpected studies pass %+v, %v", pass, err)
	}
	scan, err := s.TriggerErrors(context.Background())
	if err != nil || len(scan.Reported) != 1 {
		t.Fatalf("Unexpected error scan %+v, %v", scan, err)
	}
}

func TestSchedulerRunsUntilCancelled(t *testing.T) {
	t.Parallel()
	backend := &countingBackend{fakeBackend: &fakeBackend{}}
	up := &fakeUpstream{ready: jobs("a")}
	s := NewScheduler(NewDriver(backend, up, nil, nil), NewDetector(backend, up, nil, nil), SchedulerConfig{
		PollInterval:      10 * time.Millisecond,
		ErrorScanInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	testutil.MustWaitFor(t, func() bool {
		return backend.cleanupCount() >= 3 && backend.scanCount() >= 3
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Scheduler did not stop after cancel")
	}
}

func TestSchedulerDisabledLoopReturns(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	up := &fakeUpstream{}
	s := NewScheduler(NewDriver(backend, up, nil, nil), NewDetector(backend, up, nil, nil), SchedulerConfig{})

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run with no intervals should return immediately")
	}
}

type countingBackend struct {
	*fakeBackend
	mu    sync.Mutex
	scans int
}

func (b *countingBackend) ListTerminated(ctx context.Context) ([]job.Terminated, error) {
	b.mu.Lock()
	b.scans++
	b.mu.Unlock()
	return b.fakeBackend.ListTerminated(ctx)
}

func (b *countingBackend) scanCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scans
}

func (b *countingBackend) cleanupCount() int {
	b.fakeBackend.mu.Lock()
	defer b.fakeBackend.mu.Unlock()
	return len(b.fakeBackend.cleanups)
}
