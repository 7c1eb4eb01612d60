package enclave

import (
	"context"
	"errors"
	"log/slog"
	"reconciler/internal/job"
	"reconciler/internal/lock"
	"reconciler/internal/observability"
	"reconciler/internal/upstream"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PassResult summarises one studies pass.
type PassResult struct {
	PassID  string `json:"passId"`
	Skipped bool   `json:"skipped"`

	Ready    int `json:"ready"`
	Known    int `json:"known"`
	Deployed int `json:"deployed"`

	Launched           []string `json:"launched"`
	LaunchFailed       []string `json:"launchFailed"`
	StatusPushFailures int      `json:"statusPushFailures"`

	Duration time.Duration `json:"duration"`
}

// Driver runs studies passes against one backend.
//
// The driver holds no job state between passes; everything is re-read from
// the Registry, the ResultStore and the backend on every call.
type Driver struct {
	backend  Backend
	upstream Upstream
	locker   lock.Locker
	metrics  *observability.Metrics
}

// NewDriver creates a driver. A nil locker disables pass locking; nil metrics
// disables recording.
func NewDriver(backend Backend, gateway Upstream, locker lock.Locker, metrics *observability.Metrics) *Driver {
	if locker == nil {
		locker = lock.Noop{}
	}
	return &Driver{
		backend:  backend,
		upstream: gateway,
		locker:   locker,
		metrics:  metrics,
	}
}

// Backend returns the backend the driver launches on.
func (d *Driver) Backend() Backend {
	return d.backend
}

// RunStudies runs one studies pass: fetch state, launch what the backend's
// filter selects, then clean up. Cleanup runs even when listing or launching
// fails, as long as the ready set was fetched. The returned result is never
// nil.
func (d *Driver) RunStudies(ctx context.Context) (result *PassResult, err error) {
	passID := uuid.NewString()
	result = &PassResult{PassID: passID}
	logger := slog.With("passId", passID, "backend", d.backend.Name(), "pass", observability.PassStudies)

	ctx, span := observability.Tracer().Start(ctx, "enclave.RunStudies",
		trace.WithAttributes(attribute.String("pass.id", passID), attribute.String("backend", d.backend.Name())))
	defer span.End()

	release, err := d.locker.Acquire(ctx, observability.PassStudies)
	if errors.Is(err, lock.ErrHeld) {
		logger.Info("Studies pass skipped, another reconciler holds the lock")
		result.Skipped = true
		d.recordPass(ctx, observability.PassStudies, observability.OutcomeSkipped, 0)
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
			logger.Error("Studies pass failed", "error", err, "took", units.HumanDuration(result.Duration))
		} else {
			logger.Info("Studies pass complete",
				"launched", len(result.Launched),
				"launchFailed", len(result.LaunchFailed),
				"statusPushFailures", result.StatusPushFailures,
				"took", units.HumanDuration(result.Duration),
			)
		}
		d.recordPass(ctx, observability.PassStudies, outcome, result.Duration.Seconds())
	}()

	ready, err := d.upstream.GetReadyJobs(ctx)
	if err != nil {
		return result, err
	}
	known, err := d.upstream.GetKnownJobs(ctx)
	if err != nil {
		return result, err
	}
	result.Ready = len(ready.Jobs)
	result.Known = len(known.Jobs)
	logger.Info("Fetched upstream state",
		"ready", result.Ready, "readyIds", job.IDs(ready.Jobs),
		"known", result.Known, "knownIds", known.IDs(),
	)

	readyIDs := mapset.NewThreadUnsafeSet(job.IDs(ready.Jobs)...)
	defer func() {
		if cerr := d.backend.Cleanup(ctx, readyIDs); cerr != nil {
			logger.Error("Cleanup failed", "error", cerr)
			err = errors.Join(err, cerr)
		}
	}()

	deployed, err := d.backend.ListDeployed(ctx)
	if err != nil {
		return result, err
	}
	snapshot := NewSnapshot(ready.Jobs, known.IDs(), deployed)
	result.Deployed = snapshot.Deployed.Cardinality()

	launchSet := d.backend.Filter(snapshot)
	logger.Info("Selected jobs to launch", "count", len(launchSet), "jobIds", job.IDs(launchSet), "deployed", result.Deployed)
	if d.metrics != nil {
		d.metrics.RecordPending(ctx, d.backend.Name(), len(launchSet))
	}

	for _, j := range launchSet {
		if cerr := ctx.Err(); cerr != nil {
			return result, cerr
		}
		d.launch(ctx, logger, j, result)
	}
	return result, nil
}

// launch starts one job and pushes the resulting status. Failures are recorded
// in result; they never stop the pass.
func (d *Driver) launch(ctx context.Context, logger *slog.Logger, j job.Job, result *PassResult) {
	logger = logger.With("jobId", j.JobID, "image", j.ContainerLocation)

	err := job.Validate(j)
	if err == nil {
		err = d.backend.Launch(ctx, j, d.upstream.ResultEndpoint(j.JobID))
	}

	update := upstream.StatusUpdate{Status: job.StatusProvisioning}
	if err != nil {
		logger.Error("Job launch failed", "error", err)
		update = upstream.StatusUpdate{Status: job.StatusErrored, Message: err.Error()}
		result.LaunchFailed = append(result.LaunchFailed, j.JobID)
	} else {
		logger.Info("Job launched")
		result.Launched = append(result.Launched, j.JobID)
	}
	if d.metrics != nil {
		d.metrics.RecordLaunch(ctx, d.backend.Name(), err == nil)
	}

	if !d.pushStatus(ctx, logger, j.JobID, update) {
		result.StatusPushFailures++
	}
}

// pushStatus sends one status update and reports whether it was accepted.
func (d *Driver) pushStatus(ctx context.Context, logger *slog.Logger, jobID string, update upstream.StatusUpdate) bool {
	res := d.upstream.UpdateJobStatus(ctx, jobID, update)
	if d.metrics != nil {
		d.metrics.RecordStatusUpdate(ctx, update.Status, res.Success)
	}
	if !res.Success {
		logger.Warn("Status push failed", "status", update.Status)
	}
	return res.Success
}

func (d *Driver) recordPass(ctx context.Context, pass, outcome string, seconds float64) {
	if d.metrics != nil {
		d.metrics.RecordPass(ctx, d.backend.Name(), pass, outcome, seconds)
	}
}
