// Package upstream provides typed clients for the two external services the
// reconciler talks to: the Registry (jobs ready to run) and the ResultStore
// (job status and logs).
package upstream

import (
	"fmt"
	"reconciler/internal/job"
)

// ReadyJobs is the Registry response for GET /api/studies/ready.
type ReadyJobs struct {
	Jobs []job.Job `mapstructure:"jobs"`
}

func (r *ReadyJobs) validate() error {
	if r.Jobs == nil {
		return fmt.Errorf("field jobs must be an array")
	}
	for i, j := range r.Jobs {
		if j.JobID == "" {
			return fmt.Errorf("jobs[%d].jobId is empty", i)
		}
		if j.ContainerLocation == "" {
			return fmt.Errorf("jobs[%d].containerLocation is empty", i)
		}
	}
	return nil
}

// KnownJob is a job the ResultStore already holds an opinion on.
type KnownJob struct {
	JobID string `mapstructure:"jobId"`
}

// KnownJobs is the ResultStore response for GET /api/jobs.
type KnownJobs struct {
	Jobs []KnownJob `mapstructure:"jobs"`
}

func (k *KnownJobs) validate() error {
	if k.Jobs == nil {
		return fmt.Errorf("field jobs must be an array")
	}
	for i, j := range k.Jobs {
		if j.JobID == "" {
			return fmt.Errorf("jobs[%d].jobId is empty", i)
		}
	}
	return nil
}

// IDs returns the known job ids in order.
func (k *KnownJobs) IDs() []string {
	ids := make([]string, len(k.Jobs))
	for i, j := range k.Jobs {
		ids[i] = j.JobID
	}
	return ids
}

// JobStatus is the ResultStore response for GET /api/job/<jobId>.
type JobStatus struct {
	Status string `mapstructure:"status"`
}

func (s *JobStatus) validate() error { return nil }

// StatusUpdate is the body of PUT /api/job/<jobId>.
type StatusUpdate struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// StatusResult reports whether the ResultStore accepted a status update.
// A rejected update is a value, not an error; the caller decides what to do.
type StatusResult struct {
	Success bool
}

type logsPayload struct {
	Logs string `json:"logs"`
}
