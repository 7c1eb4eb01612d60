package job

// Label and tag keys stamped on every managed resource. Resources without
// them are invisible to the reconciler.
const (
	LabelJobID     = "jobId"
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelComponent = "app.kubernetes.io/component"
	LabelInstance  = "app.kubernetes.io/instance"
	LabelName      = "app.kubernetes.io/name"

	ComponentResearchContainer = "research-container"
)

// ContainerName is the name given to a job's container on the single-host backend.
func ContainerName(jobID string) string {
	return ComponentResearchContainer + "-" + jobID
}

// FixedLabels returns the two classification labels shared by all managed resources.
func FixedLabels(managedBy string) map[string]string {
	return map[string]string{
		LabelManagedBy: managedBy,
		LabelComponent: ComponentResearchContainer,
	}
}

// ManagedLabels returns the fixed labels plus the jobId label.
func ManagedLabels(managedBy, jobID string) map[string]string {
	labels := FixedLabels(managedBy)
	labels[LabelJobID] = jobID
	return labels
}
