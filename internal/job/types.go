// Package job defines the study job model shared by the upstream clients,
// the reconciliation driver and every compute backend.
package job

import (
	"fmt"
	"sort"
	"strings"
)

// Status values written to the ResultStore. Case-sensitive; the reconciler
// never writes any other value.
const (
	StatusProvisioning = "JOB-PROVISIONING"
	StatusErrored      = "JOB-ERRORED"
)

// Job is one data-analysis run as published by the Registry.
// It is rebuilt from the Registry response on every pass and never stored.
type Job struct {
	JobID             string `json:"jobId" mapstructure:"jobId"`
	Title             string `json:"title" mapstructure:"title"`
	ContainerLocation string `json:"containerLocation" mapstructure:"containerLocation"`
}

// IDs returns the job ids in order.
func IDs(jobs []Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.JobID
	}
	return ids
}

// StopReason classifies why a compute resource stopped.
type StopReason string

const (
	// StopFailedToStart means the resource never reached a running state.
	StopFailedToStart StopReason = "failed-to-start"
	// StopContainerExit means a container ran and exited; see ExitCodes.
	StopContainerExit StopReason = "container-exit"
)

// Terminated is a managed resource observed to have stopped.
type Terminated struct {
	JobID     string
	Resource  string         // task ARN, container ID or pod name
	Reason    StopReason
	ExitCodes map[string]int // container name -> exit code, for StopContainerExit
	Message   string         // backend supplied stop reason, if any
}

// Failed reports whether the resource should be surfaced as errored.
// A container exit counts only when at least one exit code is non-zero.
func (t Terminated) Failed() bool {
	switch t.Reason {
	case StopFailedToStart:
		return true
	case StopContainerExit:
		for _, code := range t.ExitCodes {
			if code != 0 {
				return true
			}
		}
	}
	return false
}

// Describe renders a short human-readable message for the ResultStore.
func (t Terminated) Describe() string {
	if t.Reason == StopFailedToStart {
		if t.Message != "" {
			return fmt.Sprintf("failed to start: %s", t.Message)
		}
		return "failed to start"
	}

	names := make([]string, 0, len(t.ExitCodes))
	for name, code := range t.ExitCodes {
		if code != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("container %s exited with code %d", name, t.ExitCodes[name])
	}
	msg := strings.Join(parts, "; ")
	if t.Message != "" {
		msg += " (" + t.Message + ")"
	}
	return msg
}
