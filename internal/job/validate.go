package job

import (
	"fmt"
	"reconciler/internal/apperrors"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

// Validate checks that a job can be handed to a backend. A job failing
// validation is reported as errored instead of launched.
func Validate(j Job) error {
	if j.JobID == "" {
		return apperrors.Validation("jobId", "job ID is required")
	}
	if strings.ContainsAny(j.JobID, " \t\n/") {
		return apperrors.Validation("jobId", fmt.Sprintf("job ID %q contains whitespace or slashes", j.JobID))
	}
	if j.ContainerLocation == "" {
		return apperrors.Validation("containerLocation", "container location is required")
	}
	if _, err := name.ParseReference(j.ContainerLocation); err != nil {
		return apperrors.Validation("containerLocation", fmt.Sprintf("invalid container location %q: %v", j.ContainerLocation, err))
	}
	return nil
}
