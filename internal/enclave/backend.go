// Package enclave drives reconciliation passes: it compares what the Registry
// wants to run with what the ResultStore already knows and what the compute
// backend has deployed, then launches, collects and reports accordingly.
package enclave

import (
	"context"
	"reconciler/internal/job"
	"reconciler/internal/upstream"

	mapset "github.com/deckarep/golang-set/v2"
)

// Backend is a compute platform the reconciler can launch jobs on.
// Exactly one backend is chosen at startup. Id sets passed in either direction
// are built with mapset.NewThreadUnsafeSet; golang-set cannot compare the two
// set kinds with each other.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// ListDeployed returns the job ids that currently have a launched resource.
	ListDeployed(ctx context.Context) (mapset.Set[string], error)

	// Filter selects the jobs to launch in this pass. The result is a subset of
	// snapshot.Ready in Registry order.
	Filter(snapshot Snapshot) []job.Job

	// Launch starts one job. resultEndpoint is where the job reports results.
	Launch(ctx context.Context, j job.Job, resultEndpoint string) error

	// Cleanup removes stale or completed resources. ready holds the job ids the
	// Registry reported ready in this pass.
	Cleanup(ctx context.Context, ready mapset.Set[string]) error

	// ListTerminated returns managed resources that have stopped.
	ListTerminated(ctx context.Context) ([]job.Terminated, error)

	// Ready reports whether the backend API is reachable.
	Ready(ctx context.Context) error
}

// DuplicateSuppressor is implemented by backends whose stopped resources stay
// visible across scans. The detector then checks the current status before
// reporting a job again.
type DuplicateSuppressor interface {
	SuppressesDuplicates() bool
}

// LogFetcher is implemented by backends that can return a stopped job's logs.
type LogFetcher interface {
	FetchLogs(ctx context.Context, t job.Terminated) (string, error)
}

// Upstream is the part of upstream.Gateway the driver and detector use.
type Upstream interface {
	GetReadyJobs(ctx context.Context) (*upstream.ReadyJobs, error)
	GetKnownJobs(ctx context.Context) (*upstream.KnownJobs, error)
	GetJobStatus(ctx context.Context, jobID string) (*upstream.JobStatus, error)
	UpdateJobStatus(ctx context.Context, jobID string, update upstream.StatusUpdate) upstream.StatusResult
	SendLogs(ctx context.Context, jobID, logs string)
	ResultEndpoint(jobID string) string
}

func suppressesDuplicates(b Backend) bool {
	s, ok := b.(DuplicateSuppressor)
	return ok && s.SuppressesDuplicates()
}
