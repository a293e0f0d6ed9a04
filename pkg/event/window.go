package event

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// MemoryWindow is an in-process dedup window bounded in both size and age.
type MemoryWindow struct {
	ttl      time.Duration
	capacity int
	now      func() time.Time

	seen    *xsync.Map[string, time.Time]
	pruneMu sync.Mutex
}

// NewMemoryWindow keeps keys for ttl, holding at most capacity of them.
func NewMemoryWindow(ttl time.Duration, capacity int) *MemoryWindow {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if capacity <= 0 {
		capacity = 10_000
	}
	return &MemoryWindow{
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		seen:     xsync.NewMap[string, time.Time](),
	}
}

// Seen implements Window.
func (w *MemoryWindow) Seen(_ context.Context, key string) (bool, error) {
	now := w.now()
	dup := false
	w.seen.Compute(key, func(admitted time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
		if loaded && now.Sub(admitted) < w.ttl {
			dup = true
			return admitted, xsync.CancelOp
		}
		return now, xsync.UpdateOp
	})
	if !dup && w.seen.Size() > w.capacity {
		w.prune(now)
	}
	return dup, nil
}

// Len returns the number of remembered keys.
func (w *MemoryWindow) Len() int { return w.seen.Size() }

// prune drops expired keys, then the oldest ones until the window fits its capacity.
func (w *MemoryWindow) prune(now time.Time) {
	w.pruneMu.Lock()
	defer w.pruneMu.Unlock()

	w.seen.Range(func(key string, admitted time.Time) bool {
		if now.Sub(admitted) >= w.ttl {
			w.seen.Delete(key)
		}
		return true
	})
	for w.seen.Size() > w.capacity {
		var oldestKey string
		var oldest time.Time
		w.seen.Range(func(key string, admitted time.Time) bool {
			if oldestKey == "" || admitted.Before(oldest) {
				oldestKey, oldest = key, admitted
			}
			return true
		})
		if oldestKey == "" {
			return
		}
		w.seen.Delete(oldestKey)
	}
}
