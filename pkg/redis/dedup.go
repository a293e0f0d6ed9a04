package redis

import (
	"context"
	"time"

	"github.com/b3x-data/b3x/pkg/utils"
)

// DedupWindow remembers notification keys in Redis so every trigger replica shares one window.
type DedupWindow struct {
	client *Client
	prefix string
	ttl    time.Duration
}

// NewDedupWindow keeps keys for ttl under prefix.
func NewDedupWindow(client *Client, prefix string, ttl time.Duration) *DedupWindow {
	if prefix == "" {
		prefix = "b3x:dedup:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &DedupWindow{client: client, prefix: prefix, ttl: ttl}
}

// Seen records key and reports whether it was already present.
func (w *DedupWindow) Seen(ctx context.Context, key string) (bool, error) {
	stored, err := w.client.SetNX(ctx, w.prefix+utils.SHA256Hex(key), time.Now().UTC().Format(time.RFC3339), w.ttl)
	if err != nil {
		return false, err
	}
	return !stored, nil
}
