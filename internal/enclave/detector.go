package enclave

import (
	"context"
	"errors"
	"log/slog"
	"reconciler/internal/job"
	"reconciler/internal/lock"
	"reconciler/internal/observability"
	"reconciler/internal/upstream"
	"sort"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ScanResult summarises one error scan.
type ScanResult struct {
	PassID  string `json:"passId"`
	Skipped bool   `json:"skipped"`

	Terminated         int      `json:"terminated"`
	Reported           []string `json:"reported"`
	Suppressed         []string `json:"suppressed"`
	StatusPushFailures int      `json:"statusPushFailures"`

	Duration time.Duration `json:"duration"`
}

// Detector finds terminated resources and reports the failed ones as errored.
type Detector struct {
	backend  Backend
	upstream Upstream
	locker   lock.Locker
	metrics  *observability.Metrics
}

// NewDetector creates a detector. A nil locker disables pass locking; nil
// metrics disables recording.
func NewDetector(backend Backend, gateway Upstream, locker lock.Locker, metrics *observability.Metrics) *Detector {
	if locker == nil {
		locker = lock.Noop{}
	}
	return &Detector{
		backend:  backend,
		upstream: gateway,
		locker:   locker,
		metrics:  metrics,
	}
}

// CheckForErrors runs one error scan. Resources whose containers all exited
// with code zero are never reported. Each terminated resource is handled in
// its own goroutine; the call returns once all of them are done.
func (d *Detector) CheckForErrors(ctx context.Context) (result *ScanResult, err error) {
	passID := uuid.NewString()
	result = &ScanResult{PassID: passID}
	logger := slog.With("passId", passID, "backend", d.backend.Name(), "pass", observability.PassErrors)

	ctx, span := observability.Tracer().Start(ctx, "enclave.CheckForErrors",
		trace.WithAttributes(attribute.String("pass.id", passID), attribute.String("backend", d.backend.Name())))
	defer span.End()

	release, err := d.locker.Acquire(ctx, observability.PassErrors)
	if errors.Is(err, lock.ErrHeld) {
		logger.Info("Error scan skipped, another reconciler holds the lock")
		result.Skipped = true
		if d.metrics != nil {
			d.metrics.RecordPass(ctx, d.backend.Name(), observability.PassErrors, observability.OutcomeSkipped, 0)
		}
		return result, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	defer release()

	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
		outcome := observability.OutcomeOK
		if err != nil {
			outcome = observability.OutcomeFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("Error scan failed", "error", err, "took", units.HumanDuration(result.Duration))
		} else {
			logger.Info("Error scan complete",
				"terminated", result.Terminated,
				"reported", len(result.Reported),
				"suppressed", len(result.Suppressed),
				"took", units.HumanDuration(result.Duration),
			)
		}
		if d.metrics != nil {
			d.metrics.RecordPass(ctx, d.backend.Name(), observability.PassErrors, outcome, result.Duration.Seconds())
		}
	}()

	terminated, err := d.backend.ListTerminated(ctx)
	if err != nil {
		return result, err
	}
	result.Terminated = len(terminated)

	var mu sync.Mutex
	var g errgroup.Group
	for _, t := range terminated {
		if !t.Failed() {
			logger.Debug("Ignoring clean exit", "jobId", t.JobID, "resource", t.Resource)
			continue
		}
		g.Go(func() error {
			return d.report(ctx, logger.With("jobId", t.JobID, "resource", t.Resource), t, result, &mu)
		})
	}
	err = g.Wait()

	sort.Strings(result.Reported)
	sort.Strings(result.Suppressed)
	return result, err
}

func (d *Detector) report(ctx context.Context, logger *slog.Logger, t job.Terminated, result *ScanResult, mu *sync.Mutex) error {
	if t.Reason == job.StopContainerExit && suppressesDuplicates(d.backend) {
		current, err := d.upstream.GetJobStatus(ctx, t.JobID)
		if err != nil {
			logger.Error("Could not read current status", "error", err)
			return err
		}
		if current.Status == job.StatusErrored {
			logger.Info("Job already reported as errored")
			mu.Lock()
			result.Suppressed = append(result.Suppressed, t.JobID)
			mu.Unlock()
			return nil
		}
	}

	message := t.Describe()
	logger.Warn("Reporting terminated job as errored", "reason", t.Reason, "message", message)
	res := d.upstream.UpdateJobStatus(ctx, t.JobID, upstream.StatusUpdate{Status: job.StatusErrored, Message: message})
	if d.metrics != nil {
		d.metrics.RecordStatusUpdate(ctx, job.StatusErrored, res.Success)
		d.metrics.RecordErrorReported(ctx, d.backend.Name(), string(t.Reason))
	}

	mu.Lock()
	result.Reported = append(result.Reported, t.JobID)
	if !res.Success {
		result.StatusPushFailures++
	}
	mu.Unlock()
	if !res.Success {
		logger.Warn("Status push failed", "status", job.StatusErrored)
	}

	if t.Reason != job.StopContainerExit {
		return nil
	}
	if fetcher, ok := d.backend.(LogFetcher); ok {
		logs, err := fetcher.FetchLogs(ctx, t)
		if err != nil {
			logger.Warn("Could not fetch logs", "error", err)
			return nil
		}
		d.upstream.SendLogs(ctx, t.JobID, logs)
	}
	return nil
}
