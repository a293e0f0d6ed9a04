package storage

import (
	"context"
	"errors"
	"time"

	"github.com/b3x-data/b3x/pkg/utils"
	"go.uber.org/zap"
)

// ErrNotFound is returned for missing objects.
var ErrNotFound = errors.New("object not found")

// Object describes a stored object.
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Store is the object store holding raw snapshots, refined partitions and manifests.
type Store interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte) error
	Stat(ctx context.Context, bucket, key string) (Object, error)
	// List returns every object under prefix, recursively, ordered by key.
	List(ctx context.Context, bucket, prefix string) ([]Object, error)
	DeletePrefix(ctx context.Context, bucket, prefix string) error
	// Publish makes the objects under staging the only content of target and removes staging.
	Publish(ctx context.Context, bucket, staging, target string) error
}

// NewFromEnv selects the backend named by STORAGE_BACKEND (local or s3).
func NewFromEnv(logger *zap.Logger) (Store, error) {
	switch backend := utils.Env("STORAGE_BACKEND", "local"); backend {
	case "local":
		root := utils.Env("STORAGE_ROOT", "./data")
		logger.Info("Using local object store", zap.String("root", root))
		return NewLocal(root)
	case "s3":
		return NewS3(S3Config{
			Endpoint:  utils.Env("S3_ENDPOINT", "localhost:9000"),
			AccessKey: utils.Env("S3_ACCESS_KEY", ""),
			SecretKey: utils.Env("S3_SECRET_KEY", ""),
			UseSSL:    utils.EnvBool("S3_USE_SSL", false),
			Region:    utils.Env("S3_REGION", ""),
		}, logger)
	default:
		return nil, errors.New("unknown STORAGE_BACKEND " + backend)
	}
}
