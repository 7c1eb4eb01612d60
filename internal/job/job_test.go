package job

import (
	"errors"
	"reconciler/internal/apperrors"
	"strings"
	"testing"
)

func TestSlug(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"Diabetes Cohort Study", "diabetes-cohort-study"},
		{"  Étude  de   Santé!! ", "etude-de-sante"},
		{"COVID-19 / Phase_2", "covid-19-phase-2"},
		{"---", "study"},
		{"", "study"},
		{"日本語", "study"},
		{strings.Repeat("ab-", 40), strings.TrimSuffix(strings.Repeat("ab-", 21), "-")},
	}

	for _, tt := range tests {
		got := Slug(tt.input)
		if got != tt.expected {
			t.Errorf("Slug(%q) = %q, want %q", tt.input, got, tt.expected)
		}
		if len(got) > maxSlugLength {
			t.Errorf("Slug(%q) exceeds %d characters", tt.input, maxSlugLength)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		job     Job
		wantErr bool
		field   string
	}{
		{"valid", Job{JobID: "j1", Title: "t", ContainerLocation: "ghcr.io/acme/study:1.0"}, false, ""},
		{"valid digest", Job{JobID: "j1", ContainerLocation: "alpine@sha256:" + strings.Repeat("a", 64)}, false, ""},
		{"empty id", Job{ContainerLocation: "alpine"}, true, "jobId"},
		{"id with slash", Job{JobID: "a/b", ContainerLocation: "alpine"}, true, "jobId"},
		{"empty image", Job{JobID: "j1"}, true, "containerLocation"},
		{"bad image", Job{JobID: "j1", ContainerLocation: "Not A Valid::Ref"}, true, "containerLocation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tt.job)
			if !tt.wantErr {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("Expected validation error, got %v", err)
			}
			var appErr *apperrors.Error
			if errors.As(err, &appErr) && appErr.Field != tt.field {
				t.Errorf("Expected field %q, got %q", tt.field, appErr.Field)
			}
		})
	}
}

func TestTerminatedFailed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		term Terminated
		want bool
	}{
		{"failed to start", Terminated{Reason: StopFailedToStart}, true},
		{"all zero", Terminated{Reason: StopContainerExit, ExitCodes: map[string]int{"main": 0, "sidecar": 0}}, false},
		{"one non-zero", Terminated{Reason: StopContainerExit, ExitCodes: map[string]int{"main": 0, "sidecar": 137}}, true},
		{"no exit codes", Terminated{Reason: StopContainerExit}, false},
		{"unknown reason", Terminated{Reason: "other", ExitCodes: map[string]int{"main": 1}}, false},
	}

	for _, tt := range tests {
		if got := tt.term.Failed(); got != tt.want {
			t.Errorf("%s: Failed() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestTerminatedDescribe(t *testing.T) {
	t.Parallel()

	term := Terminated{
		Reason:    StopContainerExit,
		ExitCodes: map[string]int{"worker": 2, "init": 0, "analysis": 1},
		Message:   "Essential container in task exited",
	}
	want := "container analysis exited with code 1; container worker exited with code 2 (Essential container in task exited)"
	if got := term.Describe(); got != want {
		t.Errorf("Describe() = %q, want %q", got, want)
	}

	start := Terminated{Reason: StopFailedToStart, Message: "CannotPullContainerError"}
	if got := start.Describe(); got != "failed to start: CannotPullContainerError" {
		t.Errorf("Describe() = %q", got)
	}
}

func TestManagedLabels(t *testing.T) {
	t.Parallel()
	labels := ManagedLabels("enclave", "job-7")
	if labels[LabelJobID] != "job-7" {
		t.Errorf("Expected jobId label, got %v", labels)
	}
	if labels[LabelManagedBy] != "enclave" || labels[LabelComponent] != ComponentResearchContainer {
		t.Errorf("Missing fixed labels: %v", labels)
	}
	if ContainerName("job-7") != "research-container-job-7" {
		t.Errorf("Unexpected container name %q", ContainerName("job-7"))
	}
}
