package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/b3x-data/b3x/pkg/catalog"
	"github.com/b3x-data/b3x/pkg/event"
	"github.com/b3x-data/b3x/pkg/storage"
	"go.uber.org/zap"
)

// PartitionDater extracts the collection date from a raw object key.
type PartitionDater interface {
	PartitionDate(key string) (storage.Date, bool)
}

// Sweeper finds raw partitions whose refined output is missing or did not read every current raw
// object, and dispatches them again.
type Sweeper struct {
	Store         storage.Store
	Dates         PartitionDater
	Dispatcher    *Dispatcher
	Bucket        string
	RawPrefix     string
	RefinedPrefix string
	Logger        *zap.Logger
}

// Pending returns one notification per stale partition, for its newest raw object, by date.
// A partition is fresh only when its manifest lists every raw object at its current modification time.
func (s *Sweeper) Pending(ctx context.Context) ([]event.Notification, error) {
	objects, err := s.Store.List(ctx, s.Bucket, s.RawPrefix)
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", s.Bucket, s.RawPrefix, err)
	}

	byDate := map[storage.Date][]storage.Object{}
	for _, o := range objects {
		d, ok := s.Dates.PartitionDate(o.Key)
		if !ok {
			continue
		}
		byDate[d] = append(byDate[d], o)
	}

	dates := make([]storage.Date, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Time().Before(dates[j].Time()) })

	var out []event.Notification
	for _, d := range dates {
		raw := byDate[d]
		fresh, err := s.fresh(ctx, d, raw)
		if err != nil {
			return nil, err
		}
		if fresh {
			continue
		}

		newest := raw[0]
		for _, o := range raw[1:] {
			if o.ModTime.After(newest.ModTime) {
				newest = o
			}
		}
		out = append(out, event.Notification{
			Location:  s.Bucket,
			Key:       newest.Key,
			EventTime: newest.ModTime.UTC(),
			SizeBytes: newest.Size,
		})
	}
	return out, nil
}

func (s *Sweeper) fresh(ctx context.Context, d storage.Date, raw []storage.Object) (bool, error) {
	body, err := s.Store.Get(ctx, s.Bucket, storage.ManifestKey(s.RefinedPrefix, d))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("read manifest of %s: %w", d, err)
	}

	var m catalog.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		s.Logger.Warn("unreadable manifest, refining again", zap.Stringer("date", d), zap.Error(err))
		return false, nil
	}
	for _, o := range raw {
		if !m.Covers(o.Key, o.ModTime.UTC()) {
			return false, nil
		}
	}
	return true, nil
}

// Sweep dispatches every pending partition and returns how many were launched.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	pending, err := s.Pending(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		s.Logger.Debug("catch-up sweep found nothing to refine")
		return 0, nil
	}

	launched := 0
	for _, o := range s.Dispatcher.DispatchAll(ctx, pending) {
		if o == OutcomeLaunched || o == OutcomeReused {
			launched++
		}
	}
	s.Logger.Info("catch-up sweep finished", zap.Int("pending", len(pending)), zap.Int("launched", launched))
	return launched, nil
}
