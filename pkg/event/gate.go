package event

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/b3x-data/b3x/pkg/storage"
	"go.uber.org/zap"
)

// Window remembers recently admitted notifications.
type Window interface {
	// Seen records key and reports whether it was already present and unexpired.
	Seen(ctx context.Context, key string) (bool, error)
}

// Config controls which objects are admitted.
type Config struct {
	Prefix string // default "raw/"
	Suffix string // default ".parquet"
}

// Gate validates and normalizes arrival notifications.
type Gate struct {
	prefix  string
	suffix  string
	pattern *regexp.Regexp
	window  Window
	logger  *zap.Logger
}

// NewGate builds a gate. window may be nil to disable deduplication.
func NewGate(cfg Config, window Window, logger *zap.Logger) *Gate {
	if cfg.Prefix == "" {
		cfg.Prefix = "raw/"
	}
	if !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	if cfg.Suffix == "" {
		cfg.Suffix = ".parquet"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		prefix: cfg.Prefix,
		suffix: cfg.Suffix,
		pattern: regexp.MustCompile(`^` + regexp.QuoteMeta(cfg.Prefix) +
			`year=(\d{4})/month=(\d{2})/day=(\d{2})/[^/]+` + regexp.QuoteMeta(cfg.Suffix) + `$`),
		window: window,
		logger: logger,
	}
}

// Admit validates n and returns its partition descriptor.
// Rejections are InvalidEventError or DuplicateEventError and are safe to drop.
func (g *Gate) Admit(ctx context.Context, n Notification) (RawPartitionDescriptor, error) {
	desc, err := g.describe(n)
	if err != nil {
		g.logger.Debug("notification rejected", zap.String("bucket", n.Location), zap.String("key", n.Key), zap.Error(err))
		return RawPartitionDescriptor{}, err
	}

	if g.window != nil {
		seen, err := g.window.Seen(ctx, n.DedupKey())
		switch {
		case err != nil:
			g.logger.Warn("dedup window unavailable, admitting notification",
				zap.String("key", n.Key), zap.Error(err))
		case seen:
			return RawPartitionDescriptor{}, DuplicateEventError.New("%s/%s at %s", n.Location, n.Key, n.EventTime.UTC().Format(time.RFC3339Nano))
		}
	}

	g.logger.Info("notification admitted",
		zap.String("source_location", desc.SourceLocation),
		zap.String("key", n.Key),
		zap.Int64("size_bytes", n.SizeBytes))
	return desc, nil
}

func (g *Gate) describe(n Notification) (RawPartitionDescriptor, error) {
	if n.Location == "" {
		return RawPartitionDescriptor{}, InvalidEventError.New("missing location for key %q", n.Key)
	}
	if n.EventTime.IsZero() {
		return RawPartitionDescriptor{}, InvalidEventError.New("missing event time for %s/%s", n.Location, n.Key)
	}
	if n.SizeBytes < 0 {
		return RawPartitionDescriptor{}, InvalidEventError.New("negative size %d for %s/%s", n.SizeBytes, n.Location, n.Key)
	}
	if !strings.HasPrefix(n.Key, g.prefix) || !strings.HasSuffix(n.Key, g.suffix) {
		return RawPartitionDescriptor{}, InvalidEventError.New("key %q outside %s*%s", n.Key, g.prefix, g.suffix)
	}

	m := g.pattern.FindStringSubmatch(n.Key)
	if m == nil {
		return RawPartitionDescriptor{}, InvalidEventError.New("key %q has no year=/month=/day= partition", n.Key)
	}
	date, ok := g.PartitionDate(n.Key)
	if !ok {
		return RawPartitionDescriptor{}, InvalidEventError.New("key %q: invalid date %s-%s-%s", n.Key, m[1], m[2], m[3])
	}

	prefix := storage.DatePrefix(g.prefix, date)
	return RawPartitionDescriptor{
		Bucket:           n.Location,
		ObjectKey:        n.Key,
		SourcePrefix:     prefix,
		SourceLocation:   n.Location + "/" + prefix,
		CollectionDate:   date,
		ArrivalTimestamp: n.EventTime.UTC(),
		SizeBytes:        n.SizeBytes,
	}, nil
}

// PartitionDate returns the collection date of key when key is an admissible raw object.
func (g *Gate) PartitionDate(key string) (storage.Date, bool) {
	m := g.pattern.FindStringSubmatch(key)
	if m == nil {
		return storage.Date{}, false
	}
	y, _ := strconv.Atoi(m[1])
	mo, _ := strconv.Atoi(m[2])
	d, _ := strconv.Atoi(m[3])
	date, err := storage.NewDate(y, mo, d)
	return date, err == nil
}
