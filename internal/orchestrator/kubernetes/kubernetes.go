// Package kubernetes implements the reconciler backend for a Kubernetes
// cluster. Each study runs as a batch/v1 Job with a single container.
package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reconciler/internal/apperrors"
	"reconciler/internal/enclave"
	"reconciler/internal/job"
	"reconciler/internal/orchestrator"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	containerName = "research-container"
	listPageSize  = 100
	jobNameLabel  = "job-name"

	// maxNameSlug keeps "research-container-<slug>-" plus the five random
	// characters the API server appends within the 63 character name limit.
	maxNameSlug = 38
)

// Config holds the cluster backend settings.
type Config struct {
	Namespace      string
	Kubeconfig     string
	ServiceAccount string
	ManagedBy      string
}

// Orchestrator implements enclave.Backend on a Kubernetes cluster.
type Orchestrator struct {
	clientset      k8s.Interface
	namespace      string
	serviceAccount string
	managedBy      string
}

var _ enclave.Backend = (*Orchestrator)(nil)

// NewOrchestrator connects using the in-cluster service account, falling back
// to cfg.Kubeconfig or ~/.kube/config when running outside a cluster.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := cfg.Kubeconfig
		if kubeconfig == "" {
			home, _ := os.UserHomeDir()
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
		slog.Info("In-cluster config not available, using kubeconfig", "path", kubeconfig, "reason", err)
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
	}

	clientset, err := k8s.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}
	return NewWithClient(cfg, clientset), nil
}

// NewWithClient creates the backend around an existing clientset.
func NewWithClient(cfg Config, clientset k8s.Interface) *Orchestrator {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "default"
	}
	return &Orchestrator{
		clientset:      clientset,
		namespace:      namespace,
		serviceAccount: cfg.ServiceAccount,
		managedBy:      cfg.ManagedBy,
	}
}

// Name implements enclave.Backend.
func (o *Orchestrator) Name() string { return "kubernetes" }

// Ready checks that the API server answers.
func (o *Orchestrator) Ready(ctx context.Context) error {
	_, err := o.clientset.Discovery().ServerVersion()
	return err
}

func (o *Orchestrator) selector() string {
	return labels.SelectorFromSet(job.FixedLabels(o.managedBy)).String()
}

func (o *Orchestrator) jobLabels(j job.Job) map[string]string {
	l := job.ManagedLabels(o.managedBy, j.JobID)
	l[job.LabelInstance] = j.JobID
	l[job.LabelName] = job.Slug(j.Title)
	return l
}

// nameSlug is the title slug shortened for use inside a Job name.
func nameSlug(title string) string {
	slug := job.Slug(title)
	if len(slug) > maxNameSlug {
		slug = strings.TrimRight(slug[:maxNameSlug], "-")
	}
	return slug
}

// Launch creates a Job for j. The API server completes the generated name.
func (o *Orchestrator) Launch(ctx context.Context, j job.Job, resultEndpoint string) error {
	backoffLimit := int32(0)
	jobLabels := o.jobLabels(j)

	k8sJob := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: fmt.Sprintf("%s-%s-", job.ComponentResearchContainer, nameSlug(j.Title)),
			Namespace:    o.namespace,
			Labels:       jobLabels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: jobLabels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: o.serviceAccount,
					Containers: []corev1.Container{{
						Name:  containerName,
						Image: j.ContainerLocation,
						Env: []corev1.EnvVar{
							{Name: "RESULT_ENDPOINT", Value: resultEndpoint},
						},
					}},
				},
			},
		},
	}

	created, err := o.clientset.BatchV1().Jobs(o.namespace).Create(ctx, k8sJob, metav1.CreateOptions{})
	if err != nil {
		return apperrors.Launch("kubernetes.launch", j.JobID, err)
	}
	slog.Info("Created Kubernetes Job", "jobId", j.JobID, "name", created.Name, "namespace", o.namespace)
	return nil
}

// listJobs returns every managed Job, following continue tokens.
func (o *Orchestrator) listJobs(ctx context.Context) ([]batchv1.Job, error) {
	var (
		out  []batchv1.Job
		opts = metav1.ListOptions{LabelSelector: o.selector(), Limit: listPageSize}
	)
	for {
		page, err := o.clientset.BatchV1().Jobs(o.namespace).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if page.Continue == "" {
			return out, nil
		}
		opts.Continue = page.Continue
	}
}

// ListDeployed returns the instance label of every managed Job.
func (o *Orchestrator) ListDeployed(ctx context.Context) (mapset.Set[string], error) {
	jobs, err := o.listJobs(ctx)
	if err != nil {
		return nil, apperrors.BackendList("kubernetes.listDeployed", err)
	}
	deployed := mapset.NewThreadUnsafeSet[string]()
	for _, j := range jobs {
		if id := j.Labels[job.LabelInstance]; id != "" {
			deployed.Add(id)
		}
	}
	return deployed, nil
}

// Filter selects ready jobs without a Job in the cluster.
func (o *Orchestrator) Filter(s enclave.Snapshot) []job.Job {
	return s.NotDeployed()
}

func isComplete(j batchv1.Job) bool {
	for _, c := range j.Status.Conditions {
		if c.Type == batchv1.JobComplete && c.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

// Cleanup deletes completed Jobs together with their pods.
func (o *Orchestrator) Cleanup(ctx context.Context, _ mapset.Set[string]) error {
	jobs, err := o.listJobs(ctx)
	if err != nil {
		return apperrors.BackendList("kubernetes.cleanup", err)
	}

	var completed []batchv1.Job
	for _, j := range jobs {
		if isComplete(j) {
			completed = append(completed, j)
		}
	}

	return orchestrator.Each(ctx, completed, orchestrator.DefaultFanOut, o.deleteJob)
}

func (o *Orchestrator) deleteJob(ctx context.Context, j batchv1.Job) error {
	logger := slog.With("jobId", j.Labels[job.LabelInstance], "name", j.Name)

	pods := o.clientset.CoreV1().Pods(o.namespace)
	list, err := pods.List(ctx, metav1.ListOptions{LabelSelector: jobNameLabel + "=" + j.Name})
	if err != nil {
		logger.Warn("Could not list pods of completed Job", "error", err)
	} else {
		for _, p := range list.Items {
			if err := pods.Delete(ctx, p.Name, metav1.DeleteOptions{}); err != nil {
				logger.Warn("Could not delete pod", "pod", p.Name, "error", err)
			}
		}
	}

	propagation := metav1.DeletePropagationBackground
	err = o.clientset.BatchV1().Jobs(o.namespace).Delete(ctx, j.Name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil {
		logger.Warn("Could not delete completed Job", "error", err)
		return fmt.Errorf("delete job %s: %w", j.Name, err)
	}
	logger.Info("Deleted completed Job")
	return nil
}

// ListTerminated reports managed pods with a container that exited non-zero.
// Unlike the other backends a listing failure aborts the scan.
func (o *Orchestrator) ListTerminated(ctx context.Context) ([]job.Terminated, error) {
	var (
		pods []corev1.Pod
		opts = metav1.ListOptions{LabelSelector: o.selector(), Limit: listPageSize}
	)
	for {
		page, err := o.clientset.CoreV1().Pods(o.namespace).List(ctx, opts)
		if err != nil {
			return nil, apperrors.BackendList("kubernetes.listTerminated", err)
		}
		pods = append(pods, page.Items...)
		if page.Continue == "" {
			break
		}
		opts.Continue = page.Continue
	}

	var out []job.Terminated
	for _, p := range pods {
		if t, ok := terminated(p); ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out, nil
}

func terminated(p corev1.Pod) (job.Terminated, bool) {
	jobID := p.Labels[job.LabelInstance]
	if jobID == "" {
		return job.Terminated{}, false
	}

	codes := map[string]int{}
	var message string
	failed := false
	for _, cs := range p.Status.ContainerStatuses {
		term := cs.State.Terminated
		if term == nil {
			continue
		}
		codes[cs.Name] = int(term.ExitCode)
		if term.ExitCode != 0 {
			failed = true
			if message == "" {
				message = term.Reason
			}
		}
	}
	if !failed {
		return job.Terminated{}, false
	}

	return job.Terminated{
		JobID:     jobID,
		Resource:  p.Name,
		Reason:    job.StopContainerExit,
		ExitCodes: codes,
		Message:   message,
	}, true
}
