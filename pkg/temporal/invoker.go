package temporal

import (
	"context"
	"errors"

	"github.com/b3x-data/b3x/pkg/launcher"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
)

// WorkflowStarter is the subset of client.Client used to launch and inspect refine runs.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	DescribeWorkflowExecution(ctx context.Context, workflowID, runID string) (*workflowservice.DescribeWorkflowExecutionResponse, error)
}

// Invoker launches RefinePartitionWorkflow executions.
type Invoker struct {
	client    WorkflowStarter
	taskQueue string
}

var _ launcher.Invoker = (*Invoker)(nil)

// NewInvoker returns an invoker starting workflows on taskQueue.
func NewInvoker(c WorkflowStarter, taskQueue string) *Invoker {
	if taskQueue == "" {
		taskQueue = QueueRefine
	}
	return &Invoker{client: c, taskQueue: taskQueue}
}

func (i *Invoker) Name() string { return "temporal" }

// Start executes the refine workflow. A run already open for the same key is returned instead of a new one.
func (i *Invoker) Start(ctx context.Context, req launcher.TransformationJobRequest) (launcher.JobRun, error) {
	wfID := RefineWorkflowID(req.IdempotencyKey)
	options := client.StartWorkflowOptions{
		ID:                       wfID,
		TaskQueue:                i.taskQueue,
		WorkflowIDConflictPolicy: enums.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
		// a finished partition may be refined again when a new snapshot lands
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}

	run, err := i.client.ExecuteWorkflow(ctx, options, WorkflowRefinePartition, req)
	if err != nil {
		var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &alreadyStarted) {
			return launcher.JobRun{JobID: wfID, RunID: alreadyStarted.RunId}, nil
		}
		return launcher.JobRun{}, classify(err)
	}
	return launcher.JobRun{JobID: run.GetID(), RunID: run.GetRunID()}, nil
}

// Status maps the workflow execution status onto a job status.
func (i *Invoker) Status(ctx context.Context, run launcher.JobRun) (launcher.JobStatus, error) {
	desc, err := i.client.DescribeWorkflowExecution(ctx, run.JobID, run.RunID)
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return launcher.StatusUnknown, err
		}
		return launcher.StatusUnknown, classify(err)
	}

	info := desc.GetWorkflowExecutionInfo()
	if info == nil {
		return launcher.StatusUnknown, nil
	}
	switch info.GetStatus() {
	case enums.WORKFLOW_EXECUTION_STATUS_RUNNING, enums.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return launcher.StatusRunning, nil
	case enums.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return launcher.StatusSucceeded, nil
	case enums.WORKFLOW_EXECUTION_STATUS_FAILED,
		enums.WORKFLOW_EXECUTION_STATUS_CANCELED,
		enums.WORKFLOW_EXECUTION_STATUS_TERMINATED,
		enums.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return launcher.StatusFailed, nil
	default:
		return launcher.StatusUnknown, nil
	}
}

// classify marks service errors that are worth retrying.
func classify(err error) error {
	var (
		unavailable *serviceerror.Unavailable
		deadline    *serviceerror.DeadlineExceeded
		exhausted   *serviceerror.ResourceExhausted
	)
	if errors.As(err, &unavailable) || errors.As(err, &deadline) || errors.As(err, &exhausted) {
		return launcher.TransientInvocationError.Wrap(err)
	}
	return err
}
