package launcher

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// flight is one launch in progress or one job being watched.
type flight struct {
	ready  chan struct{} // closed once handle or err is set
	handle JobHandle
	err    error
	once   sync.Once
}

func newFlight() *flight { return &flight{ready: make(chan struct{})} }

func (f *flight) settle(h JobHandle, err error) {
	f.handle, f.err = h, err
	close(f.ready)
}

// inflight maps idempotency keys to their single active flight.
type inflight struct {
	m *xsync.Map[string, *flight]
}

func newInflight() *inflight {
	return &inflight{m: xsync.NewMap[string, *flight]()}
}

// acquire returns the flight for key and whether the caller created it.
func (r *inflight) acquire(key string) (*flight, bool) {
	f, loaded := r.m.LoadOrStore(key, newFlight())
	return f, !loaded
}

// release frees key if f still owns it. Subsequent calls for the same flight are no-ops.
func (r *inflight) release(key string, f *flight) {
	f.once.Do(func() {
		r.m.Compute(key, func(cur *flight, loaded bool) (*flight, xsync.ComputeOp) {
			if loaded && cur == f {
				return nil, xsync.DeleteOp
			}
			return cur, xsync.CancelOp
		})
	})
}

func (r *inflight) size() int { return r.m.Size() }

func (r *inflight) keys() []string {
	var out []string
	r.m.Range(func(k string, _ *flight) bool {
		out = append(out, k)
		return true
	})
	return out
}
