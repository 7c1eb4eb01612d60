// Package docker implements the reconciler backend for a single Docker host.
// Jobs run as one container each, directly on the host daemon.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reconciler/internal/apperrors"
	"reconciler/internal/enclave"
	"reconciler/internal/job"
	"reconciler/internal/orchestrator"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// Container states as reported by the daemon.
const (
	stateRunning = "running"
	stateExited  = "exited"
)

// Orchestrator implements enclave.Backend using Docker.
type Orchestrator struct {
	client     client.APIClient
	managedBy  string
	network    string
	extraHosts []string
}

var _ enclave.Backend = (*Orchestrator)(nil)

// NewOrchestrator creates a Docker backend connected through the environment
// (DOCKER_HOST and friends).
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewWithClient(cfg, dockerClient), nil
}

// NewWithClient creates a Docker backend using an existing API client.
func NewWithClient(cfg Config, api client.APIClient) *Orchestrator {
	return &Orchestrator{
		client:     api,
		managedBy:  cfg.ManagedBy,
		network:    cfg.Network,
		extraHosts: cfg.ExtraHosts,
	}
}

// Name implements enclave.Backend.
func (o *Orchestrator) Name() string { return "docker" }

// Close releases the Docker client.
func (o *Orchestrator) Close() error {
	return o.client.Close()
}

// Ready checks if the Docker daemon is reachable and responsive.
func (o *Orchestrator) Ready(ctx context.Context) error {
	_, err := o.client.Ping(ctx)
	return err
}

// Launch pulls the job image, then creates and starts its container.
func (o *Orchestrator) Launch(ctx context.Context, j job.Job, resultEndpoint string) error {
	const op = "docker.launch"
	logger := slog.With("jobId", j.JobID, "image", j.ContainerLocation)

	if err := o.pullImage(ctx, j.ContainerLocation); err != nil {
		return apperrors.Launch(op, j.JobID, fmt.Errorf("pull image %s: %w", j.ContainerLocation, err))
	}

	containerConfig := &container.Config{
		Image:  j.ContainerLocation,
		Env:    []string{"RESULT_ENDPOINT=" + resultEndpoint},
		Labels: job.ManagedLabels(o.managedBy, j.JobID),
	}
	hostConfig := &container.HostConfig{
		ExtraHosts: o.extraHosts,
	}
	if o.network != "" {
		hostConfig.NetworkMode = container.NetworkMode(o.network)
	}

	name := job.ContainerName(j.JobID)
	resp, err := o.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return apperrors.Launch(op, j.JobID, fmt.Errorf("create container %s: %w", name, err))
	}
	for _, w := range resp.Warnings {
		logger.Warn("Container create warning", "warning", w)
	}

	if err := o.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return apperrors.Launch(op, j.JobID, fmt.Errorf("start container %s: %w", name, err))
	}

	logger.Info("Container started", "containerId", resp.ID, "name", name)
	return nil
}

// pullImage pulls ref and drains the progress stream; the pull is only
// complete once the stream has been read to the end.
func (o *Orchestrator) pullImage(ctx context.Context, ref string) error {
	reader, err := o.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// managedFilter selects containers carrying the fixed classification labels.
func (o *Orchestrator) managedFilter(extra ...filters.KeyValuePair) filters.Args {
	args := []filters.KeyValuePair{
		filters.Arg("label", job.LabelManagedBy+"="+o.managedBy),
		filters.Arg("label", job.LabelComponent+"="+job.ComponentResearchContainer),
	}
	return filters.NewArgs(append(args, extra...)...)
}

// ListDeployed returns the job ids of running managed containers. A listing
// failure is logged and treated as nothing deployed.
func (o *Orchestrator) ListDeployed(ctx context.Context) (mapset.Set[string], error) {
	deployed := mapset.NewThreadUnsafeSet[string]()

	containers, err := o.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: o.managedFilter(),
	})
	if err != nil {
		slog.Warn("Could not list containers, assuming none deployed", "error", apperrors.BackendList("docker.listDeployed", err))
		return deployed, nil
	}

	for _, c := range containers {
		if c.State != stateRunning {
			continue
		}
		if id := c.Labels[job.LabelJobID]; id != "" {
			deployed.Add(id)
		}
	}
	return deployed, nil
}

// Filter selects ready jobs that are both known and deployed.
//
// This intersection is the long-standing behaviour of the single-host backend
// and differs from the ECS and Kubernetes filters; it is kept as is.
func (o *Orchestrator) Filter(s enclave.Snapshot) []job.Job {
	return s.KnownAndDeployed()
}

// exitedContainer is an exited managed container with its inspected state.
type exitedContainer struct {
	id       string
	name     string
	jobID    string
	exitCode int
	oomKill  bool
	errMsg   string
}

// listExited lists exited managed containers and inspects each for its exit
// code. Containers that cannot be inspected are logged and skipped.
func (o *Orchestrator) listExited(ctx context.Context) ([]exitedContainer, error) {
	containers, err := o.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: o.managedFilter(filters.Arg("status", stateExited)),
	})
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		out []exitedContainer
	)
	orchestrator.Each(ctx, containers, orchestrator.DefaultFanOut, func(ctx context.Context, c container.Summary) error {
		inspect, err := o.client.ContainerInspect(ctx, c.ID)
		if err != nil || inspect.ContainerJSONBase == nil || inspect.State == nil {
			slog.Warn("Could not inspect container", "containerId", c.ID, "error", err)
			return nil
		}
		e := exitedContainer{
			id:       c.ID,
			name:     strings.TrimPrefix(inspect.Name, "/"),
			jobID:    c.Labels[job.LabelJobID],
			exitCode: inspect.State.ExitCode,
			oomKill:  inspect.State.OOMKilled,
			errMsg:   inspect.State.Error,
		}
		mu.Lock()
		out = append(out, e)
		mu.Unlock()
		return nil
	})
	return out, nil
}

// Cleanup removes managed containers that exited with code zero. Failed
// containers are kept for inspection. ready is not consulted: a completed
// container is collected whether or not its job is still listed.
func (o *Orchestrator) Cleanup(ctx context.Context, _ mapset.Set[string]) error {
	exited, err := o.listExited(ctx)
	if err != nil {
		return apperrors.BackendList("docker.cleanup", err)
	}

	var completed []exitedContainer
	for _, e := range exited {
		if e.exitCode == 0 {
			completed = append(completed, e)
		}
	}
	if len(completed) == 0 {
		return nil
	}

	return orchestrator.Each(ctx, completed, orchestrator.DefaultFanOut, func(ctx context.Context, e exitedContainer) error {
		logger := slog.With("jobId", e.jobID, "containerId", e.id)
		if err := o.client.ContainerRemove(ctx, e.id, container.RemoveOptions{RemoveVolumes: true}); err != nil {
			logger.Warn("Failed to remove completed container", "error", err)
			return fmt.Errorf("remove container %s: %w", e.id, err)
		}
		logger.Info("Removed completed container")
		return nil
	})
}

// ListTerminated returns managed containers that exited with a non-zero code.
// A listing failure is logged and yields no results.
func (o *Orchestrator) ListTerminated(ctx context.Context) ([]job.Terminated, error) {
	exited, err := o.listExited(ctx)
	if err != nil {
		slog.Warn("Could not list containers, skipping error scan", "error", apperrors.BackendList("docker.listTerminated", err))
		return nil, nil
	}

	var out []job.Terminated
	for _, e := range exited {
		if e.exitCode == 0 || e.jobID == "" {
			continue
		}
		t := job.Terminated{
			JobID:     e.jobID,
			Resource:  e.id,
			Reason:    job.StopContainerExit,
			ExitCodes: map[string]int{e.name: e.exitCode},
			Message:   e.errMsg,
		}
		if e.oomKill {
			t.Message = strings.TrimSpace("out of memory " + t.Message)
		}
		out = append(out, t)
	}
	return out, nil
}
