package enclave

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SchedulerConfig holds the serve-mode intervals.
type SchedulerConfig struct {
	PollInterval      time.Duration // studies pass period
	ErrorScanInterval time.Duration // error scan period
	PassTimeout       time.Duration // upper bound for a single pass, 0 for none
}

// Scheduler runs studies passes and error scans on fixed intervals and on
// demand. Passes of the same kind never overlap within one process.
type Scheduler struct {
	driver   *Driver
	detector *Detector
	cfg      SchedulerConfig

	studiesMu sync.Mutex
	errorsMu  sync.Mutex
}

// NewScheduler creates a scheduler for the given driver and detector.
func NewScheduler(driver *Driver, detector *Detector, cfg SchedulerConfig) *Scheduler {
	return &Scheduler{driver: driver, detector: detector, cfg: cfg}
}

// Run starts both loops and blocks until ctx is cancelled. Each loop runs
// once immediately, then on every tick.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.loop(ctx, "studies", s.cfg.PollInterval, func(ctx context.Context) {
			s.TriggerStudies(ctx)
		})
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, "errors", s.cfg.ErrorScanInterval, func(ctx context.Context) {
			s.TriggerErrors(ctx)
		})
	}()
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, pass func(context.Context)) {
	if interval <= 0 {
		slog.Warn("Scheduled pass disabled", "pass", name)
		return
	}
	slog.Info("Scheduled pass started", "pass", name, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pass(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduled pass stopped", "pass", name)
			return
		case <-ticker.C:
			pass(ctx)
		}
	}
}

// TriggerStudies runs one studies pass, waiting for an in-flight one to finish first.
func (s *Scheduler) TriggerStudies(ctx context.Context) (*PassResult, error) {
	s.studiesMu.Lock()
	defer s.studiesMu.Unlock()

	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.driver.RunStudies(ctx)
}

// TriggerErrors runs one error scan, waiting for an in-flight one to finish first.
func (s *Scheduler) TriggerErrors(ctx context.Context) (*ScanResult, error) {
	s.errorsMu.Lock()
	defer s.errorsMu.Unlock()

	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.detector.CheckForErrors(ctx)
}

func (s *Scheduler) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.PassTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.PassTimeout)
	}
	return context.WithCancel(ctx)
}
