package launcher

import "github.com/zeebo/errs"

var (
	// TransientInvocationError marks an invocation failure worth retrying (unavailable, timeout, throttled).
	TransientInvocationError = errs.Class("transient invocation")
	// RelaunchPendingError marks a start that must be retried while the service replaces a finished job.
	// It is retried like a transient failure but never counts against the circuit.
	RelaunchPendingError = errs.Class("relaunch pending")
	// JobLaunchExhaustedError is returned when retries or the launch timeout ran out.
	JobLaunchExhaustedError = errs.Class("job launch exhausted")
	// PollTimeoutError is returned when a job did not reach a terminal status in time.
	PollTimeoutError = errs.Class("poll timeout")
)
