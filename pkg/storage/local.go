package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Local stores objects as files under root/<bucket>/<key>.
type Local struct {
	root string
}

var _ Store = (*Local)(nil)

// NewLocal creates root if needed.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Local{root: root}, nil
}

func (l *Local) path(bucket, key string) string {
	return filepath.Join(l.root, bucket, filepath.FromSlash(key))
}

func (l *Local) Get(_ context.Context, bucket, key string) ([]byte, error) {
	b, err := os.ReadFile(l.path(bucket, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	return b, err
}

// Put writes through a temporary file so readers never see a partial object.
func (l *Local) Put(_ context.Context, bucket, key string, data []byte) error {
	dst := l.path(bucket, key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func (l *Local) Stat(_ context.Context, bucket, key string) (Object, error) {
	fi, err := os.Stat(l.path(bucket, key))
	if errors.Is(err, fs.ErrNotExist) || (err == nil && fi.IsDir()) {
		return Object{}, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	if err != nil {
		return Object{}, err
	}
	return Object{Key: key, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (l *Local) List(_ context.Context, bucket, prefix string) ([]Object, error) {
	base := filepath.Join(l.root, bucket)
	// walk from the deepest directory fully contained in prefix
	start := base
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		start = filepath.Join(base, filepath.FromSlash(prefix[:i]))
	}

	var out []Object
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, Object{Key: key, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (l *Local) DeletePrefix(_ context.Context, bucket, prefix string) error {
	p := l.path(bucket, strings.TrimSuffix(prefix, "/"))
	if p == filepath.Join(l.root, bucket) {
		return fmt.Errorf("refusing to delete bucket root %s", bucket)
	}
	return os.RemoveAll(p)
}

// Publish swaps the staging directory into place with renames.
// The previous target is moved aside first and removed after the swap.
func (l *Local) Publish(_ context.Context, bucket, staging, target string) error {
	src := l.path(bucket, strings.TrimSuffix(staging, "/"))
	dst := l.path(bucket, strings.TrimSuffix(target, "/"))
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("staging %s: %w", staging, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	old := filepath.Join(l.root, bucket, StagingDir, "replaced-"+uuid.NewString())
	moved := false
	if _, err := os.Stat(dst); err == nil {
		if err := os.MkdirAll(filepath.Dir(old), 0o755); err != nil {
			return err
		}
		if err := os.Rename(dst, old); err != nil {
			return fmt.Errorf("move previous %s aside: %w", target, err)
		}
		moved = true
	}

	if err := os.Rename(src, dst); err != nil {
		if moved {
			_ = os.Rename(old, dst)
		}
		return fmt.Errorf("publish %s: %w", target, err)
	}
	if moved {
		return os.RemoveAll(old)
	}
	return nil
}
