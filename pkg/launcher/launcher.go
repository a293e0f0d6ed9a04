package launcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/b3x-data/b3x/pkg/breaker"
	"github.com/b3x-data/b3x/pkg/event"
	"github.com/b3x-data/b3x/pkg/retry"
	"go.uber.org/zap"
)

// Config controls launch retries and the completion poll.
type Config struct {
	TargetPrefix string
	WorkerSizing map[string]string

	Retry         retry.Config
	LaunchTimeout time.Duration // overall budget of one Launch, retries included

	PollInterval    time.Duration // first wait between status checks
	PollMaxInterval time.Duration
	PollTimeout     time.Duration // budget of one Await
}

// DefaultConfig returns production launch settings.
func DefaultConfig() Config {
	return Config{
		TargetPrefix: "refined/",
		Retry: retry.Config{
			MaxAttempts:   5,
			InitialDelay:  time.Second,
			MaxDelay:      30 * time.Second,
			Multiplier:    2,
			JitterEnabled: true,
		},
		LaunchTimeout:   2 * time.Minute,
		PollInterval:    5 * time.Second,
		PollMaxInterval: time.Minute,
		PollTimeout:     30 * time.Minute,
	}
}

// Launcher turns admitted partitions into transformation jobs.
// At most one job per idempotency key is in flight within the process.
type Launcher struct {
	cfg      Config
	invoker  Invoker
	breaker  *breaker.Breaker
	inflight *inflight
	logger   *zap.Logger
	now      func() time.Time

	watchCtx    context.Context
	stopWatches context.CancelFunc
	watches     sync.WaitGroup
}

// New builds a launcher. cb guards every call to invoker and is usually shared process-wide.
func New(cfg Config, invoker Invoker, cb *breaker.Breaker, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cb == nil {
		cb = breaker.New(breaker.Options{Name: invoker.Name(), Logger: logger})
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PollMaxInterval < cfg.PollInterval {
		cfg.PollMaxInterval = cfg.PollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Minute
	}
	cfg.Retry.Retryable = retryable

	ctx, cancel := context.WithCancel(context.Background())
	return &Launcher{
		cfg:         cfg,
		invoker:     invoker,
		breaker:     cb,
		inflight:    newInflight(),
		logger:      logger.With(zap.String("invoker", invoker.Name())),
		now:         time.Now,
		watchCtx:    ctx,
		stopWatches: cancel,
	}
}

// Breaker exposes the circuit guarding the invoker.
func (l *Launcher) Breaker() *breaker.Breaker { return l.breaker }

// InFlight returns the idempotency keys currently holding a slot.
func (l *Launcher) InFlight() []string { return l.inflight.keys() }

// Launch invokes the transformation job for desc and returns without waiting for it to finish.
// If the partition already has a job in flight, its handle is returned with Reused set.
func (l *Launcher) Launch(ctx context.Context, desc event.RawPartitionDescriptor) (JobHandle, error) {
	req := NewRequest(desc, l.cfg.TargetPrefix, l.cfg.WorkerSizing)
	log := l.logger.With(
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.String("source_location", desc.SourceLocation))

	f, owner := l.inflight.acquire(req.IdempotencyKey)
	if !owner {
		select {
		case <-f.ready:
		case <-ctx.Done():
			return JobHandle{}, ctx.Err()
		}
		if f.err != nil {
			return JobHandle{}, f.err
		}
		h := f.handle
		h.Reused = true
		log.Info("job already in flight, reusing handle", zap.String("job_id", h.JobID))
		return h, nil
	}

	run, err := l.invoke(ctx, &req, log)
	if err != nil {
		f.settle(JobHandle{}, err)
		l.inflight.release(req.IdempotencyKey, f)
		log.Error("job launch failed", zap.Int("attempts", req.Attempt), zap.Error(err))
		return JobHandle{}, err
	}

	h := JobHandle{
		IdempotencyKey: req.IdempotencyKey,
		JobID:          run.JobID,
		RunID:          run.RunID,
		StartedAt:      l.now().UTC(),
	}
	f.settle(h, nil)
	log.Info("job launched",
		zap.String("job_id", h.JobID),
		zap.String("run_id", h.RunID),
		zap.Int("attempts", req.Attempt))

	l.watches.Add(1)
	go l.watch(h, f)
	return h, nil
}

func (l *Launcher) invoke(ctx context.Context, req *TransformationJobRequest, log *zap.Logger) (JobRun, error) {
	launchCtx, cancel := context.WithTimeout(ctx, l.cfg.LaunchTimeout)
	defer cancel()

	var run JobRun
	err := retry.WithBackoff(launchCtx, l.cfg.Retry, log, "launch "+req.IdempotencyKey, func() error {
		ticket, err := l.breaker.Allow()
		if err != nil {
			return retry.Permanent(err)
		}
		req.Attempt++
		run, err = l.invoker.Start(launchCtx, *req)
		switch {
		case err == nil:
			l.breaker.Success(ticket)
			return nil
		case RelaunchPendingError.Has(err):
			l.breaker.Release(ticket)
			return err
		case TransientInvocationError.Has(err):
			l.breaker.Failure(ticket)
			return err
		default:
			l.breaker.Release(ticket)
			return retry.Permanent(err)
		}
	})
	if err == nil {
		return run, nil
	}

	var exhausted *retry.ExhaustedError
	switch {
	case errors.As(err, &exhausted):
		return JobRun{}, JobLaunchExhaustedError.New("%s after %d attempts: %v", req.Descriptor.SourceLocation, exhausted.Attempts, exhausted.Last)
	case ctx.Err() == nil && launchCtx.Err() != nil:
		return JobRun{}, JobLaunchExhaustedError.New("%s: launch timeout %s after %d attempts: %v", req.Descriptor.SourceLocation, l.cfg.LaunchTimeout, req.Attempt, err)
	default:
		return JobRun{}, err
	}
}

func retryable(err error) bool {
	return TransientInvocationError.Has(err) || RelaunchPendingError.Has(err)
}

// watch frees the in-flight slot once the job settles or the poll gives up.
func (l *Launcher) watch(h JobHandle, f *flight) {
	defer l.watches.Done()
	defer l.inflight.release(h.IdempotencyKey, f)

	status, err := l.Await(l.watchCtx, h)
	log := l.logger.With(zap.String("idempotency_key", h.IdempotencyKey), zap.String("job_id", h.JobID))
	switch {
	case err == nil:
		if status == StatusSucceeded {
			log.Info("job completed", zap.Duration("elapsed", l.now().Sub(h.StartedAt)))
		} else {
			log.Warn("job failed", zap.Stringer("status", status))
		}
	case PollTimeoutError.Has(err):
		log.Warn("job did not finish before poll timeout, releasing slot", zap.Error(err))
	case errors.Is(err, context.Canceled):
	default:
		log.Error("job status unavailable, releasing slot", zap.Error(err))
	}
}

// Await polls the job until it reaches a terminal status, backing off between checks.
// It gives up with PollTimeoutError after the configured poll timeout.
func (l *Launcher) Await(ctx context.Context, h JobHandle) (JobStatus, error) {
	pollCtx, cancel := context.WithTimeout(ctx, l.cfg.PollTimeout)
	defer cancel()

	backoff := retry.Config{InitialDelay: l.cfg.PollInterval, MaxDelay: l.cfg.PollMaxInterval, Multiplier: 2}

	for attempt := 1; ; attempt++ {
		status, err := l.invoker.Status(pollCtx, h.Run())
		switch {
		case err == nil && status.Terminal():
			return status, nil
		case err != nil && !TransientInvocationError.Has(err) && pollCtx.Err() == nil:
			return StatusUnknown, err
		}

		if err := retry.SleepContext(pollCtx, retry.Delay(backoff, attempt)); err != nil {
			if ctx.Err() != nil {
				return StatusUnknown, ctx.Err()
			}
			return StatusUnknown, PollTimeoutError.New("%s still %s after %s", h.JobID, status, l.cfg.PollTimeout)
		}
	}
}

// Close stops completion watchers and waits for them to exit.
func (l *Launcher) Close() {
	l.stopWatches()
	l.watches.Wait()
}
