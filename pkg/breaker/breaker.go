package breaker

import (
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// CircuitOpenError is returned by Allow while the circuit rejects calls.
var CircuitOpenError = errs.Class("circuit open")

// State of a circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Options configure a Breaker.
type Options struct {
	Name             string
	FailureThreshold int           // consecutive failures that open the circuit (default 5)
	Cooldown         time.Duration // time spent open before a probe is admitted (default 30s)
	Now              func() time.Time
	Logger           *zap.Logger
}

// Breaker is a Closed/Open/HalfOpen circuit shared by every caller of one downstream service.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	probing    bool
	generation uint64
}

// Ticket is handed out by Allow and must be settled with exactly one of Success, Failure or Release.
type Ticket struct {
	generation uint64
	probe      bool
}

// Probe reports whether the ticket is the single half-open probe.
func (t Ticket) Probe() bool { return t.probe }

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name     string    `json:"name"`
	State    string    `json:"state"`
	Failures int       `json:"consecutive_failures"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
	RetryAt  time.Time `json:"retry_at,omitempty"`
}

// New creates a closed breaker.
func New(o Options) *Breaker {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return &Breaker{
		name:      o.Name,
		threshold: o.FailureThreshold,
		cooldown:  o.Cooldown,
		now:       o.Now,
		logger:    o.Logger.With(zap.String("breaker", o.Name)),
		state:     Closed,
	}
}

// Allow admits a call or fails fast with CircuitOpenError.
// Once the cooldown has elapsed exactly one probe is admitted; every other caller is rejected until it settles.
func (b *Breaker) Allow() (Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return Ticket{generation: b.generation}, nil
	case Open:
		retryAt := b.openedAt.Add(b.cooldown)
		if b.now().Before(retryAt) {
			return Ticket{}, CircuitOpenError.New("%s: open until %s", b.name, retryAt.UTC().Format(time.RFC3339))
		}
		b.transition(Open, HalfOpen)
		b.probing = true
		return Ticket{generation: b.generation, probe: true}, nil
	default:
		if b.probing {
			return Ticket{}, CircuitOpenError.New("%s: probe in flight", b.name)
		}
		b.probing = true
		return Ticket{generation: b.generation, probe: true}, nil
	}
}

// Success records a successful call. A successful probe closes the circuit.
func (b *Breaker) Success(t Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.generation != b.generation {
		return
	}
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		if t.probe {
			b.probing = false
			b.failures = 0
			b.transition(HalfOpen, Closed)
		}
	}
}

// Failure records a failure of the downstream service.
func (b *Breaker) Failure(t Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.generation != b.generation {
		return
	}
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			b.transition(Closed, Open)
		}
	case HalfOpen:
		if t.probe {
			b.probing = false
			b.failures++
			b.openedAt = b.now()
			b.transition(HalfOpen, Open)
		}
	}
}

// Release settles a ticket without judging the service, e.g. when the call failed for a caller-side reason.
// A released probe lets the next caller probe instead.
func (b *Breaker) Release(t Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.generation == b.generation && t.probe && b.state == HalfOpen {
		b.probing = false
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current state for reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{Name: b.name, State: b.state.String(), Failures: b.failures}
	if b.state != Closed {
		s.OpenedAt = b.openedAt
		s.RetryAt = b.openedAt.Add(b.cooldown)
	}
	return s
}

// transition moves from -> to only if the breaker is currently in from. Callers hold mu.
func (b *Breaker) transition(from, to State) bool {
	if b.state != from {
		return false
	}
	b.state = to
	b.generation++
	b.logger.Info("circuit state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("consecutive_failures", b.failures))
	return true
}
