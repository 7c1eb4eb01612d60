// Package ecs implements the reconciler backend for ECS on Fargate.
//
// Each job gets its own task definition, derived from a configured base
// definition, and one task. Managed resources are found through the resource
// tagging API rather than by listing the cluster, so the backend only ever sees
// what it created.
package ecs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reconciler/internal/apperrors"
	"reconciler/internal/enclave"
	"reconciler/internal/job"
	"reconciler/internal/orchestrator"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs/cloudwatchlogsiface"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/ecs/ecsiface"
	"github.com/aws/aws-sdk-go/service/resourcegroupstaggingapi"
	"github.com/aws/aws-sdk-go/service/resourcegroupstaggingapi/resourcegroupstaggingapiiface"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jinzhu/copier"
)

const (
	resourceTypeTaskDefinition = "ecs:task-definition"
	resourceTypeTask           = "ecs:task"

	// describeTasksBatch is the DescribeTasks per-call limit.
	describeTasksBatch = 100

	// maxLogPages bounds how many GetLogEvents pages are read per container.
	maxLogPages = 20
)

// Config configures the ECS backend.
type Config struct {
	Cluster            string
	BaseTaskDefinition string
	Subnets            []string
	SecurityGroups     []string
	AssignPublicIP     bool
	LogGroup           string
	LogStreamPrefix    string
	ManagedBy          string
}

// Orchestrator launches jobs as Fargate tasks.
type Orchestrator struct {
	cfg     Config
	ecs     ecsiface.ECSAPI
	tagging resourcegroupstaggingapiiface.ResourceGroupsTaggingAPIAPI
	logs    cloudwatchlogsiface.CloudWatchLogsAPI
}

var (
	_ enclave.Backend             = (*Orchestrator)(nil)
	_ enclave.DuplicateSuppressor = (*Orchestrator)(nil)
	_ enclave.LogFetcher          = (*Orchestrator)(nil)
)

// New creates an ECS backend using clients built from sess.
func New(sess *session.Session, cfg Config) *Orchestrator {
	return NewWithClients(cfg, ecs.New(sess), resourcegroupstaggingapi.New(sess), cloudwatchlogs.New(sess))
}

// NewWithClients creates an ECS backend from explicit API clients.
func NewWithClients(cfg Config, ecsClient ecsiface.ECSAPI, tagging resourcegroupstaggingapiiface.ResourceGroupsTaggingAPIAPI, logs cloudwatchlogsiface.CloudWatchLogsAPI) *Orchestrator {
	return &Orchestrator{cfg: cfg, ecs: ecsClient, tagging: tagging, logs: logs}
}

// Name implements enclave.Backend.
func (o *Orchestrator) Name() string { return "ecs" }

// SuppressesDuplicates implements enclave.DuplicateSuppressor. Stopped tasks
// stay visible to DescribeTasks for a while, so the same stop is seen by
// several scans.
func (o *Orchestrator) SuppressesDuplicates() bool { return true }

// Ready checks that the cluster exists and is active.
func (o *Orchestrator) Ready(ctx context.Context) error {
	out, err := o.ecs.DescribeClustersWithContext(ctx, &ecs.DescribeClustersInput{
		Clusters: aws.StringSlice([]string{o.cfg.Cluster}),
	})
	if err != nil {
		return fmt.Errorf("describe cluster %s: %w", o.cfg.Cluster, err)
	}
	for _, c := range out.Clusters {
		if aws.StringValue(c.Status) == "ACTIVE" {
			return nil
		}
	}
	return fmt.Errorf("cluster %s is not active", o.cfg.Cluster)
}

// Launch registers a task definition for the job and runs one task from it.
func (o *Orchestrator) Launch(ctx context.Context, j job.Job, resultEndpoint string) error {
	const op = "ecs.launch"
	logger := slog.With("jobId", j.JobID, "op", op)

	input, err := o.taskDefinitionFor(ctx, j, resultEndpoint)
	if err != nil {
		return apperrors.Launch(op, j.JobID, err)
	}

	registered, err := o.ecs.RegisterTaskDefinitionWithContext(ctx, input)
	if err != nil {
		return apperrors.Launch(op, j.JobID, fmt.Errorf("register task definition: %w", err))
	}
	if registered.TaskDefinition == nil {
		return apperrors.Launch(op, j.JobID, errors.New("register task definition returned no definition"))
	}
	arn := aws.StringValue(registered.TaskDefinition.TaskDefinitionArn)
	logger.Debug("Registered task definition", "taskDefinition", arn)

	assignPublicIP := ecs.AssignPublicIpDisabled
	if o.cfg.AssignPublicIP {
		assignPublicIP = ecs.AssignPublicIpEnabled
	}
	run, err := o.ecs.RunTaskWithContext(ctx, &ecs.RunTaskInput{
		Cluster:        aws.String(o.cfg.Cluster),
		TaskDefinition: aws.String(arn),
		LaunchType:     aws.String(ecs.LaunchTypeFargate),
		Count:          aws.Int64(1),
		NetworkConfiguration: &ecs.NetworkConfiguration{
			AwsvpcConfiguration: &ecs.AwsVpcConfiguration{
				Subnets:        aws.StringSlice(o.cfg.Subnets),
				SecurityGroups: aws.StringSlice(o.cfg.SecurityGroups),
				AssignPublicIp: aws.String(assignPublicIP),
			},
		},
		Tags: o.tags(j.JobID),
	})
	if err != nil {
		return apperrors.Launch(op, j.JobID, fmt.Errorf("run task: %w", err))
	}
	if len(run.Tasks) == 0 {
		reasons := make([]string, 0, len(run.Failures))
		for _, f := range run.Failures {
			reasons = append(reasons, fmt.Sprintf("%s: %s", aws.StringValue(f.Arn), aws.StringValue(f.Reason)))
		}
		return apperrors.Launch(op, j.JobID, fmt.Errorf("run task returned no task: %s", strings.Join(reasons, "; ")))
	}

	logger.Info("Task started", "taskArn", aws.StringValue(run.Tasks[0].TaskArn), "taskDefinition", arn)
	return nil
}

// taskDefinitionFor derives the job's task definition from the base one.
func (o *Orchestrator) taskDefinitionFor(ctx context.Context, j job.Job, resultEndpoint string) (*ecs.RegisterTaskDefinitionInput, error) {
	base, err := o.ecs.DescribeTaskDefinitionWithContext(ctx, &ecs.DescribeTaskDefinitionInput{
		TaskDefinition: aws.String(o.cfg.BaseTaskDefinition),
	})
	if err != nil {
		return nil, fmt.Errorf("describe base task definition %s: %w", o.cfg.BaseTaskDefinition, err)
	}
	if base.TaskDefinition == nil || len(base.TaskDefinition.ContainerDefinitions) == 0 {
		return nil, fmt.Errorf("base task definition %s has no containers", o.cfg.BaseTaskDefinition)
	}

	var input ecs.RegisterTaskDefinitionInput
	if err := copier.CopyWithOption(&input, base.TaskDefinition, copier.Option{DeepCopy: true}); err != nil {
		return nil, fmt.Errorf("copy base task definition: %w", err)
	}

	input.Family = aws.String(job.ContainerName(j.JobID))
	input.Tags = o.tags(j.JobID)

	main := input.ContainerDefinitions[0]
	main.Image = aws.String(j.ContainerLocation)
	main.Environment = withEnv(main.Environment, map[string]string{
		"RESULT_ENDPOINT": resultEndpoint,
		"JOB_ID":          j.JobID,
	})
	return &input, nil
}

// withEnv sets the given variables, replacing existing entries with the same name.
func withEnv(env []*ecs.KeyValuePair, set map[string]string) []*ecs.KeyValuePair {
	out := make([]*ecs.KeyValuePair, 0, len(env)+len(set))
	for _, kv := range env {
		if _, replaced := set[aws.StringValue(kv.Name)]; !replaced {
			out = append(out, kv)
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, &ecs.KeyValuePair{Name: aws.String(name), Value: aws.String(set[name])})
	}
	return out
}

func (o *Orchestrator) tags(jobID string) []*ecs.Tag {
	labels := job.ManagedLabels(o.cfg.ManagedBy, jobID)
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tags := make([]*ecs.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, &ecs.Tag{Key: aws.String(k), Value: aws.String(labels[k])})
	}
	return tags
}

// taggedResource is a managed resource found through the tagging API.
type taggedResource struct {
	arn   string
	jobID string
}

// listTagged returns every managed resource of the given type, following
// pagination until the token is empty.
func (o *Orchestrator) listTagged(ctx context.Context, resourceType string) ([]taggedResource, error) {
	filters := []*resourcegroupstaggingapi.TagFilter{
		{Key: aws.String(job.LabelJobID)},
		{Key: aws.String(job.LabelManagedBy), Values: aws.StringSlice([]string{o.cfg.ManagedBy})},
		{Key: aws.String(job.LabelComponent), Values: aws.StringSlice([]string{job.ComponentResearchContainer})},
	}

	var out []taggedResource
	var token *string
	for {
		page, err := o.tagging.GetResourcesWithContext(ctx, &resourcegroupstaggingapi.GetResourcesInput{
			TagFilters:          filters,
			ResourceTypeFilters: aws.StringSlice([]string{resourceType}),
			PaginationToken:     token,
		})
		if err != nil {
			return nil, err
		}
		for _, m := range page.ResourceTagMappingList {
			r := taggedResource{arn: aws.StringValue(m.ResourceARN)}
			for _, tag := range m.Tags {
				if aws.StringValue(tag.Key) == job.LabelJobID {
					r.jobID = aws.StringValue(tag.Value)
				}
			}
			if r.jobID != "" {
				out = append(out, r)
			}
		}
		if aws.StringValue(page.PaginationToken) == "" {
			return out, nil
		}
		token = page.PaginationToken
	}
}

// ListDeployed returns the job ids of all managed task definitions.
func (o *Orchestrator) ListDeployed(ctx context.Context) (mapset.Set[string], error) {
	defs, err := o.listTagged(ctx, resourceTypeTaskDefinition)
	if err != nil {
		return nil, apperrors.BackendList("ecs.listDeployed", err)
	}
	deployed := mapset.NewThreadUnsafeSet[string]()
	for _, d := range defs {
		deployed.Add(d.jobID)
	}
	return deployed, nil
}

// Filter selects ready jobs that are neither known nor deployed.
func (o *Orchestrator) Filter(s enclave.Snapshot) []job.Job {
	return s.Pending()
}

// Cleanup removes task definitions of jobs that are no longer ready.
// ACTIVE definitions are deregistered then deleted, INACTIVE ones deleted;
// definitions already being deleted are left alone.
func (o *Orchestrator) Cleanup(ctx context.Context, ready mapset.Set[string]) error {
	defs, err := o.listTagged(ctx, resourceTypeTaskDefinition)
	if err != nil {
		return apperrors.BackendList("ecs.cleanup", err)
	}

	var stale []taggedResource
	for _, d := range defs {
		if !ready.Contains(d.jobID) {
			stale = append(stale, d)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	slog.Info("Cleaning up task definitions", "count", len(stale))

	return orchestrator.Each(ctx, stale, orchestrator.DefaultFanOut, o.removeTaskDefinition)
}

func (o *Orchestrator) removeTaskDefinition(ctx context.Context, d taggedResource) error {
	logger := slog.With("jobId", d.jobID, "taskDefinition", d.arn)

	desc, err := o.ecs.DescribeTaskDefinitionWithContext(ctx, &ecs.DescribeTaskDefinitionInput{
		TaskDefinition: aws.String(d.arn),
	})
	if err != nil {
		return fmt.Errorf("describe task definition %s: %w", d.arn, err)
	}

	if desc.TaskDefinition == nil {
		return nil
	}
	status := aws.StringValue(desc.TaskDefinition.Status)
	switch status {
	case ecs.TaskDefinitionStatusActive:
		if _, err := o.ecs.DeregisterTaskDefinitionWithContext(ctx, &ecs.DeregisterTaskDefinitionInput{
			TaskDefinition: aws.String(d.arn),
		}); err != nil {
			return fmt.Errorf("deregister task definition %s: %w", d.arn, err)
		}
		logger.Debug("Deregistered task definition")
	case ecs.TaskDefinitionStatusInactive:
	default:
		logger.Debug("Skipping task definition", "status", status)
		return nil
	}

	out, err := o.ecs.DeleteTaskDefinitionsWithContext(ctx, &ecs.DeleteTaskDefinitionsInput{
		TaskDefinitions: aws.StringSlice([]string{d.arn}),
	})
	if err != nil {
		return fmt.Errorf("delete task definition %s: %w", d.arn, err)
	}
	if len(out.Failures) > 0 {
		return fmt.Errorf("delete task definition %s: %s", d.arn, aws.StringValue(out.Failures[0].Reason))
	}
	logger.Info("Deleted task definition")
	return nil
}

// ListTerminated returns stopped managed tasks that failed to start or whose
// essential container exited. Listing failures are logged and yield no
// results so a transient tagging error does not fail the scan.
func (o *Orchestrator) ListTerminated(ctx context.Context) ([]job.Terminated, error) {
	tasks, err := o.listTagged(ctx, resourceTypeTask)
	if err != nil {
		slog.Warn("Could not list tasks, skipping error scan", "error", apperrors.BackendList("ecs.listTerminated", err))
		return nil, nil
	}

	jobByARN := make(map[string]string, len(tasks))
	arns := make([]string, 0, len(tasks))
	for _, t := range tasks {
		jobByARN[t.arn] = t.jobID
		arns = append(arns, t.arn)
	}

	var out []job.Terminated
	for start := 0; start < len(arns); start += describeTasksBatch {
		end := min(start+describeTasksBatch, len(arns))
		desc, err := o.ecs.DescribeTasksWithContext(ctx, &ecs.DescribeTasksInput{
			Cluster: aws.String(o.cfg.Cluster),
			Tasks:   aws.StringSlice(arns[start:end]),
		})
		if err != nil {
			slog.Warn("Could not describe tasks", "error", err, "count", end-start)
			continue
		}
		for _, f := range desc.Failures {
			slog.Debug("Task not described", "taskArn", aws.StringValue(f.Arn), "reason", aws.StringValue(f.Reason))
		}
		for _, task := range desc.Tasks {
			if t, ok := terminated(task, jobByARN[aws.StringValue(task.TaskArn)]); ok {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func terminated(task *ecs.Task, jobID string) (job.Terminated, bool) {
	if aws.StringValue(task.LastStatus) != "STOPPED" || jobID == "" {
		return job.Terminated{}, false
	}

	t := job.Terminated{
		JobID:    jobID,
		Resource: aws.StringValue(task.TaskArn),
		Message:  aws.StringValue(task.StoppedReason),
	}
	switch aws.StringValue(task.StopCode) {
	case ecs.TaskStopCodeTaskFailedToStart:
		t.Reason = job.StopFailedToStart
	case ecs.TaskStopCodeEssentialContainerExited:
		t.Reason = job.StopContainerExit
		t.ExitCodes = make(map[string]int)
		for _, c := range task.Containers {
			if c.ExitCode != nil {
				t.ExitCodes[aws.StringValue(c.Name)] = int(aws.Int64Value(c.ExitCode))
			}
		}
	default:
		return job.Terminated{}, false
	}
	return t, true
}

// FetchLogs returns the CloudWatch logs of every container that exited
// non-zero. Streams follow the awslogs driver layout <prefix>/<container>/<taskId>.
func (o *Orchestrator) FetchLogs(ctx context.Context, t job.Terminated) (string, error) {
	if o.cfg.LogGroup == "" {
		return "", errors.New("no log group configured")
	}
	taskID := t.Resource[strings.LastIndex(t.Resource, "/")+1:]

	var containers []string
	for name, code := range t.ExitCodes {
		if code != 0 {
			containers = append(containers, name)
		}
	}
	sort.Strings(containers)

	var b strings.Builder
	for _, name := range containers {
		stream := fmt.Sprintf("%s/%s/%s", o.cfg.LogStreamPrefix, name, taskID)
		if err := o.readStream(ctx, stream, &b); err != nil {
			return "", fmt.Errorf("read log stream %s: %w", stream, err)
		}
	}
	return b.String(), nil
}

func (o *Orchestrator) readStream(ctx context.Context, stream string, b *strings.Builder) error {
	var token *string
	for page := 0; page < maxLogPages; page++ {
		out, err := o.logs.GetLogEventsWithContext(ctx, &cloudwatchlogs.GetLogEventsInput{
			LogGroupName:  aws.String(o.cfg.LogGroup),
			LogStreamName: aws.String(stream),
			StartFromHead: aws.Bool(true),
			NextToken:     token,
		})
		if err != nil {
			return err
		}
		for _, e := range out.Events {
			b.WriteString(aws.StringValue(e.Message))
			b.WriteByte('\n')
		}
		// The forward token repeats once the end of the stream is reached.
		next := aws.StringValue(out.NextForwardToken)
		if len(out.Events) == 0 || next == "" || next == aws.StringValue(token) {
			return nil
		}
		token = out.NextForwardToken
	}
	return nil
}
