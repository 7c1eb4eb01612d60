package apperrors

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
)

func TestValidation(t *testing.T) {
	t.Parallel()
	err := Validation("jobId", "job ID is required")

	if !errors.Is(err, ErrValidation) {
		t.Error("expected error to match ErrValidation")
	}
	if err.Error() != "job ID is required" {
		t.Errorf("expected message 'job ID is required', got %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Field != "jobId" {
		t.Errorf("expected field 'jobId', got %q", appErr.Field)
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	err := NotFound("job", "abc123")

	if !errors.Is(err, ErrNotFound) {
		t.Error("expected error to match ErrNotFound")
	}
	if err.Error() != "job abc123 not found" {
		t.Errorf("expected message 'job abc123 not found', got %q", err.Error())
	}
}

func TestInternal(t *testing.T) {
	t.Parallel()
	cause := fmt.Errorf("docker daemon unavailable")
	err := Internal("docker.ping", cause)

	if !errors.Is(err, ErrInternal) {
		t.Error("expected error to match ErrInternal")
	}
	if err.Error() != "docker.ping: docker daemon unavailable" {
		t.Errorf("unexpected message: %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Cause != cause {
		t.Error("expected cause to be preserved")
	}
}

func TestUpstreamAuth(t *testing.T) {
	t.Parallel()
	err := UpstreamAuth("registry.getReadyJobs", "signing key is empty")

	if !errors.Is(err, ErrUpstreamAuth) {
		t.Error("expected error to match ErrUpstreamAuth")
	}
	if errors.Is(err, ErrUpstreamProtocol) {
		t.Error("auth error must not classify as protocol error")
	}
	if err.Error() != "registry.getReadyJobs: signing key is empty" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestLaunchKeepsCause(t *testing.T) {
	t.Parallel()
	err := Launch("docker.pullImage", "job-1", io.ErrUnexpectedEOF)

	if !errors.Is(err, ErrLaunch) {
		t.Error("expected error to match ErrLaunch")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("expected errors.Is to reach the cause")
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.JobID != "job-1" || appErr.Op != "docker.pullImage" {
		t.Errorf("unexpected context: op=%q jobId=%q", appErr.Op, appErr.JobID)
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", Validation("id", "required"), http.StatusBadRequest},
		{"not found", NotFound("job", "123"), http.StatusNotFound},
		{"internal", Internal("op", fmt.Errorf("fail")), http.StatusInternalServerError},
		{"upstream auth", UpstreamAuth("op", "missing"), http.StatusBadGateway},
		{"upstream protocol", UpstreamProtocol("op", fmt.Errorf("503")), http.StatusBadGateway},
		{"backend list", BackendList("op", fmt.Errorf("boom")), http.StatusBadGateway},
		{"launch", Launch("op", "j", fmt.Errorf("boom")), http.StatusInternalServerError},
		{"wrapped validation", fmt.Errorf("wrap: %w", Validation("f", "m")), http.StatusBadRequest},
		{"unknown error", fmt.Errorf("unknown"), http.StatusInternalServerError},
		{"nil error", nil, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HTTPStatus(tt.err)
			if got != tt.expected {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestErrorsIsWithWrapping(t *testing.T) {
	t.Parallel()
	original := UpstreamProtocol("resultstore.getKnownJobs", fmt.Errorf("status 500"))
	wrapped := fmt.Errorf("pass aborted: %w", original)
	doubleWrapped := fmt.Errorf("run: %w", wrapped)

	if !errors.Is(doubleWrapped, ErrUpstreamProtocol) {
		t.Error("expected errors.Is to find ErrUpstreamProtocol through multiple wraps")
	}
}
