package enclave

import (
	"context"
	"errors"
	"reconciler/internal/job"
	"reconciler/internal/lock"
	"reconciler/internal/upstream"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

type fakeBackend struct {
	mu sync.Mutex

	deployed      []string
	deployedErr   error
	filter        func(Snapshot) []job.Job
	launchErrs    map[string]error
	cleanupErr    error
	terminated    []job.Terminated
	terminatedErr error

	launched  []string
	endpoints map[string]string
	cleanups  []mapset.Set[string]
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) ListDeployed(context.Context) (mapset.Set[string], error) {
	if b.deployedErr != nil {
		return nil, b.deployedErr
	}
	return mapset.NewThreadUnsafeSet(b.deployed...), nil
}

func (b *fakeBackend) Filter(s Snapshot) []job.Job {
	if b.filter != nil {
		return b.filter(s)
	}
	return s.Pending()
}

func (b *fakeBackend) Launch(_ context.Context, j job.Job, resultEndpoint string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.launchErrs[j.JobID]; err != nil {
		return err
	}
	b.launched = append(b.launched, j.JobID)
	if b.endpoints == nil {
		b.endpoints = make(map[string]string)
	}
	b.endpoints[j.JobID] = resultEndpoint
	return nil
}

func (b *fakeBackend) Cleanup(_ context.Context, ready mapset.Set[string]) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanups = append(b.cleanups, ready)
	return b.cleanupErr
}

func (b *fakeBackend) ListTerminated(context.Context) ([]job.Terminated, error) {
	return b.terminated, b.terminatedErr
}

func (b *fakeBackend) Ready(context.Context) error { return nil }

// cloudBackend adds duplicate suppression and log fetching.
type cloudBackend struct {
	*fakeBackend
	logs    map[string]string
	logsErr error

	logMu    sync.Mutex
	logCalls []string
}

func (b *cloudBackend) SuppressesDuplicates() bool { return true }

func (b *cloudBackend) FetchLogs(_ context.Context, t job.Terminated) (string, error) {
	b.logMu.Lock()
	b.logCalls = append(b.logCalls, t.JobID)
	b.logMu.Unlock()
	if b.logsErr != nil {
		return "", b.logsErr
	}
	return b.logs[t.JobID], nil
}

type recordedUpdate struct {
	JobID  string
	Update upstream.StatusUpdate
}

type fakeUpstream struct {
	mu sync.Mutex

	ready     []job.Job
	readyErr  error
	known     []string
	knownErr  error
	statuses  map[string]string
	statusErr map[string]error
	reject    bool

	updates      []recordedUpdate
	statusReads  []string
	sentLogs     map[string]string
	knownFetched bool
}

func (u *fakeUpstream) GetReadyJobs(context.Context) (*upstream.ReadyJobs, error) {
	if u.readyErr != nil {
		return nil, u.readyErr
	}
	return &upstream.ReadyJobs{Jobs: u.ready}, nil
}

func (u *fakeUpstream) GetKnownJobs(context.Context) (*upstream.KnownJobs, error) {
	u.mu.Lock()
	u.knownFetched = true
	u.mu.Unlock()
	if u.knownErr != nil {
		return nil, u.knownErr
	}
	out := &upstream.KnownJobs{Jobs: []upstream.KnownJob{}}
	for _, id := range u.known {
		out.Jobs = append(out.Jobs, upstream.KnownJob{JobID: id})
	}
	return out, nil
}

func (u *fakeUpstream) GetJobStatus(_ context.Context, jobID string) (*upstream.JobStatus, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.statusReads = append(u.statusReads, jobID)
	if err := u.statusErr[jobID]; err != nil {
		return nil, err
	}
	return &upstream.JobStatus{Status: u.statuses[jobID]}, nil
}

func (u *fakeUpstream) UpdateJobStatus(_ context.Context, jobID string, update upstream.StatusUpdate) upstream.StatusResult {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.updates = append(u.updates, recordedUpdate{JobID: jobID, Update: update})
	return upstream.StatusResult{Success: !u.reject}
}

func (u *fakeUpstream) SendLogs(_ context.Context, jobID, logs string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.sentLogs == nil {
		u.sentLogs = make(map[string]string)
	}
	u.sentLogs[jobID] = logs
}

func (u *fakeUpstream) ResultEndpoint(jobID string) string {
	return "https://results.example/api/job/" + jobID
}

func (u *fakeUpstream) updateFor(jobID string) (upstream.StatusUpdate, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, r := range u.updates {
		if r.JobID == jobID {
			return r.Update, true
		}
	}
	return upstream.StatusUpdate{}, false
}

// heldLocker simulates another process owning every lock.
type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string) (func(), error) {
	return nil, lock.ErrHeld
}

var errBoom = errors.New("boom")

func jobs(ids ...string) []job.Job {
	out := make([]job.Job, len(ids))
	for i, id := range ids {
		out[i] = job.Job{JobID: id, Title: "Study " + id, ContainerLocation: "ghcr.io/acme/" + id + ":1"}
	}
	return out
}
