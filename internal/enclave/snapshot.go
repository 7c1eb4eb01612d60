package enclave

import (
	"reconciler/internal/job"

	mapset "github.com/deckarep/golang-set/v2"
)

// Snapshot is the state observed at the start of one studies pass.
// It is never stored or reused across passes.
type Snapshot struct {
	Ready    []job.Job
	Known    mapset.Set[string]
	Deployed mapset.Set[string]
}

// NewSnapshot builds a snapshot. A nil deployed set is treated as empty.
func NewSnapshot(ready []job.Job, known []string, deployed mapset.Set[string]) Snapshot {
	if deployed == nil {
		deployed = mapset.NewThreadUnsafeSet[string]()
	}
	return Snapshot{
		Ready:    ready,
		Known:    mapset.NewThreadUnsafeSet(known...),
		Deployed: deployed,
	}
}

// ReadyIDs returns the ids of the ready jobs.
func (s Snapshot) ReadyIDs() mapset.Set[string] {
	return mapset.NewThreadUnsafeSet(job.IDs(s.Ready)...)
}

// Select returns the ready jobs for which keep is true, in Registry order.
func (s Snapshot) Select(keep func(jobID string) bool) []job.Job {
	out := make([]job.Job, 0, len(s.Ready))
	for _, j := range s.Ready {
		if keep(j.JobID) {
			out = append(out, j)
		}
	}
	return out
}

// Pending returns ready jobs that are neither known to the ResultStore nor
// deployed: ready - known - deployed.
func (s Snapshot) Pending() []job.Job {
	return s.Select(func(id string) bool {
		return !s.Known.Contains(id) && !s.Deployed.Contains(id)
	})
}

// NotDeployed returns ready jobs without a deployed resource: ready - deployed.
func (s Snapshot) NotDeployed() []job.Job {
	return s.Select(func(id string) bool {
		return !s.Deployed.Contains(id)
	})
}

// KnownAndDeployed returns ready jobs that are both known and deployed:
// ready ∩ known ∩ deployed.
func (s Snapshot) KnownAndDeployed() []job.Job {
	return s.Select(func(id string) bool {
		return s.Known.Contains(id) && s.Deployed.Contains(id)
	})
}
