package launcher

import "context"

// Invoker starts and inspects transformation jobs in a downstream job service.
// Implementations wrap retryable failures with TransientInvocationError, and use
// RelaunchPendingError when the service is healthy but a previous job is still being replaced.
type Invoker interface {
	// Name identifies the downstream service; one circuit breaker exists per name.
	Name() string
	// Start launches the job for req. Starting a job whose idempotency key is already running returns that run.
	Start(ctx context.Context, req TransformationJobRequest) (JobRun, error)
	// Status reports the current status of run.
	Status(ctx context.Context, run JobRun) (JobStatus, error)
}
