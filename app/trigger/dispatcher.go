package trigger

import (
	"context"
	"errors"

	"github.com/alitto/pond/v2"
	"github.com/b3x-data/b3x/pkg/breaker"
	"github.com/b3x-data/b3x/pkg/event"
	"github.com/b3x-data/b3x/pkg/launcher"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Admitter is the event gate.
type Admitter interface {
	Admit(ctx context.Context, n event.Notification) (event.RawPartitionDescriptor, error)
}

// JobLauncher starts transformation jobs.
type JobLauncher interface {
	Launch(ctx context.Context, desc event.RawPartitionDescriptor) (launcher.JobHandle, error)
}

// Outcome is how one notification was handled.
type Outcome string

const (
	OutcomeLaunched    Outcome = "launched"
	OutcomeReused      Outcome = "reused"
	OutcomeInvalid     Outcome = "invalid"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeExhausted   Outcome = "exhausted"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeFailed      Outcome = "failed"
)

// Dispatcher runs each notification through the gate and the launcher as an independent task.
type Dispatcher struct {
	ctx      context.Context
	gate     Admitter
	launcher JobLauncher
	pool     pond.Pool
	counts   *xsync.Map[Outcome, *xsync.Counter]
	logger   *zap.Logger
}

// NewDispatcher returns a dispatcher with the given parallelism. Tasks submitted with Submit run
// under ctx, not under the submitter's context.
func NewDispatcher(ctx context.Context, gate Admitter, l JobLauncher, workers int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 16
	}
	return &Dispatcher{
		ctx:      ctx,
		gate:     gate,
		launcher: l,
		pool:     pond.NewPool(workers, pond.WithContext(ctx)),
		counts:   xsync.NewMap[Outcome, *xsync.Counter](),
		logger:   logger,
	}
}

// Handle admits and launches n, logging the outcome by error class.
func (d *Dispatcher) Handle(ctx context.Context, n event.Notification) (Outcome, error) {
	log := d.logger.With(zap.String("bucket", n.Location), zap.String("key", n.Key))

	desc, err := d.gate.Admit(ctx, n)
	if err != nil {
		return d.record(log, classify(err), err)
	}

	h, err := d.launcher.Launch(ctx, desc)
	if err != nil {
		return d.record(log.With(zap.String("source_location", desc.SourceLocation)), classify(err), err)
	}

	outcome := OutcomeLaunched
	if h.Reused {
		outcome = OutcomeReused
	}
	log.Info("partition dispatched",
		zap.String("source_location", desc.SourceLocation),
		zap.String("outcome", string(outcome)),
		zap.String("job_id", h.JobID),
		zap.String("run_id", h.RunID))
	return d.record(log, outcome, nil)
}

// Submit queues n. It returns false when the dispatcher is shutting down.
func (d *Dispatcher) Submit(n event.Notification) bool {
	_, ok := d.pool.TrySubmit(func() {
		_, _ = d.Handle(d.ctx, n)
	})
	if !ok {
		d.logger.Warn("dispatcher saturated or stopped, notification not queued", zap.String("key", n.Key))
	}
	return ok
}

// DispatchAll handles every notification on the pool and waits for all of them.
func (d *Dispatcher) DispatchAll(ctx context.Context, ns []event.Notification) []Outcome {
	out := make([]Outcome, len(ns))
	group := d.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i, n := range ns {
		i, n := i, n
		group.Submit(func() {
			out[i], _ = d.Handle(groupCtx, n)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		d.logger.Error("dispatch group failed", zap.Error(err))
	}
	return out
}

// Counts returns how many notifications ended in each outcome.
func (d *Dispatcher) Counts() map[Outcome]int64 {
	out := map[Outcome]int64{}
	d.counts.Range(func(o Outcome, c *xsync.Counter) bool {
		out[o] = c.Value()
		return true
	})
	return out
}

// Close waits for queued notifications and stops the pool.
func (d *Dispatcher) Close() { d.pool.StopAndWait() }

func (d *Dispatcher) record(log *zap.Logger, o Outcome, err error) (Outcome, error) {
	c, _ := d.counts.LoadOrStore(o, xsync.NewCounter())
	c.Inc()

	switch o {
	case OutcomeInvalid:
		log.Warn("notification dropped", zap.Error(err))
	case OutcomeDuplicate:
		log.Info("duplicate notification dropped", zap.Error(err))
	case OutcomeCircuitOpen:
		log.Warn("job service circuit open, launch refused", zap.Error(err))
	case OutcomeExhausted:
		log.Error("job launch exhausted retries", zap.Error(err))
	case OutcomeCancelled:
		log.Info("dispatch cancelled", zap.Error(err))
	case OutcomeFailed:
		log.Error("dispatch failed", zap.Error(err))
	}
	return o, err
}

func classify(err error) Outcome {
	switch {
	case event.InvalidEventError.Has(err):
		return OutcomeInvalid
	case event.DuplicateEventError.Has(err):
		return OutcomeDuplicate
	case breaker.CircuitOpenError.Has(err):
		return OutcomeCircuitOpen
	case launcher.JobLaunchExhaustedError.Has(err):
		return OutcomeExhausted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}
