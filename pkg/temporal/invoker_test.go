package temporal

import (
	"context"
	"errors"
	"testing"

	"github.com/b3x-data/b3x/pkg/launcher"
	"github.com/stretchr/testify/require"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	workflowpb "go.temporal.io/api/workflow/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
)

type fakeRun struct{ id, runID string }

func (r fakeRun) GetID() string                          { return r.id }
func (r fakeRun) GetRunID() string                       { return r.runID }
func (r fakeRun) Get(context.Context, interface{}) error { return nil }
func (r fakeRun) GetWithOptions(context.Context, interface{}, client.WorkflowRunGetOptions) error {
	return nil
}

type fakeStarter struct {
	options  client.StartWorkflowOptions
	workflow interface{}
	args     []interface{}
	startErr error
	status   enums.WorkflowExecutionStatus
	descErr  error
}

func (f *fakeStarter) ExecuteWorkflow(_ context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error) {
	f.options, f.workflow, f.args = options, workflow, args
	if f.startErr != nil {
		return nil, f.startErr
	}
	return fakeRun{id: options.ID, runID: "run-1"}, nil
}

func (f *fakeStarter) DescribeWorkflowExecution(context.Context, string, string) (*workflowservice.DescribeWorkflowExecutionResponse, error) {
	if f.descErr != nil {
		return nil, f.descErr
	}
	return &workflowservice.DescribeWorkflowExecutionResponse{
		WorkflowExecutionInfo: &workflowpb.WorkflowExecutionInfo{Status: f.status},
	}, nil
}

func request() launcher.TransformationJobRequest {
	return launcher.TransformationJobRequest{IdempotencyKey: "abc123", TargetPrefix: "refined/"}
}

func TestStartUsesDeterministicWorkflowID(t *testing.T) {
	f := &fakeStarter{}
	inv := NewInvoker(f, "")

	run, err := inv.Start(context.Background(), request())
	require.NoError(t, err)
	require.Equal(t, launcher.JobRun{JobID: "refine:abc123", RunID: "run-1"}, run)
	require.Equal(t, QueueRefine, f.options.TaskQueue)
	require.Equal(t, enums.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING, f.options.WorkflowIDConflictPolicy)
	require.Equal(t, WorkflowRefinePartition, f.workflow)
	require.Len(t, f.args, 1)
	require.Equal(t, request(), f.args[0])
}

func TestStartAlreadyStartedReturnsExistingRun(t *testing.T) {
	f := &fakeStarter{startErr: serviceerror.NewWorkflowExecutionAlreadyStarted("exists", "req", "run-0")}
	inv := NewInvoker(f, QueueRefine)

	run, err := inv.Start(context.Background(), request())
	require.NoError(t, err)
	require.Equal(t, "run-0", run.RunID)
}

func TestStartClassifiesServiceErrors(t *testing.T) {
	transient := []error{
		serviceerror.NewUnavailable("down"),
		serviceerror.NewDeadlineExceeded("slow"),
		serviceerror.NewResourceExhausted(enums.RESOURCE_EXHAUSTED_CAUSE_RPS_LIMIT, "throttled"),
	}
	for _, e := range transient {
		_, err := NewInvoker(&fakeStarter{startErr: e}, "").Start(context.Background(), request())
		require.True(t, launcher.TransientInvocationError.Has(err), "%T should be transient", e)
	}

	_, err := NewInvoker(&fakeStarter{startErr: serviceerror.NewInvalidArgument("bad")}, "").Start(context.Background(), request())
	require.Error(t, err)
	require.False(t, launcher.TransientInvocationError.Has(err))
}

func TestStatusMapping(t *testing.T) {
	cases := map[enums.WorkflowExecutionStatus]launcher.JobStatus{
		enums.WORKFLOW_EXECUTION_STATUS_RUNNING:    launcher.StatusRunning,
		enums.WORKFLOW_EXECUTION_STATUS_COMPLETED:  launcher.StatusSucceeded,
		enums.WORKFLOW_EXECUTION_STATUS_FAILED:     launcher.StatusFailed,
		enums.WORKFLOW_EXECUTION_STATUS_TERMINATED: launcher.StatusFailed,
		enums.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:  launcher.StatusFailed,
	}
	for wf, want := range cases {
		got, err := NewInvoker(&fakeStarter{status: wf}, "").Status(context.Background(), launcher.JobRun{JobID: "refine:abc"})
		require.NoError(t, err)
		require.Equal(t, want, got, wf.String())
	}
}

func TestStatusTransientDescribeError(t *testing.T) {
	_, err := NewInvoker(&fakeStarter{descErr: serviceerror.NewUnavailable("down")}, "").
		Status(context.Background(), launcher.JobRun{JobID: "x"})
	require.True(t, launcher.TransientInvocationError.Has(err))

	_, err = NewInvoker(&fakeStarter{descErr: errors.New("boom")}, "").
		Status(context.Background(), launcher.JobRun{JobID: "x"})
	require.False(t, launcher.TransientInvocationError.Has(err))
}
