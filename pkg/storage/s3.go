package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// S3Config addresses an S3-compatible endpoint.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// S3 stores objects in an S3-compatible service.
type S3 struct {
	client *minio.Client
	logger *zap.Logger
}

var _ Store = (*S3)(nil)

// NewS3 connects to cfg.Endpoint with static credentials.
func NewS3(cfg S3Config, logger *zap.Logger) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client %s: %w", cfg.Endpoint, err)
	}
	logger.Info("Using S3 object store", zap.String("endpoint", cfg.Endpoint), zap.Bool("ssl", cfg.UseSSL))
	return &S3{client: client, logger: logger}, nil
}

func (s *S3) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrap(bucket, key, err)
	}
	defer obj.Close()

	b, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.wrap(bucket, key, err)
	}
	return b, nil
}

func (s *S3) Put(ctx context.Context, bucket, key string, data []byte) error {
	contentType := "application/octet-stream"
	if strings.HasSuffix(key, ".json") {
		contentType = "application/json"
	}
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return s.wrap(bucket, key, err)
	}
	return nil
}

func (s *S3) Stat(ctx context.Context, bucket, key string) (Object, error) {
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return Object{}, s.wrap(bucket, key, err)
	}
	return Object{Key: info.Key, Size: info.Size, ModTime: info.LastModified}, nil
}

func (s *S3) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	var out []Object
	for info := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, info.Err)
		}
		out = append(out, Object{Key: info.Key, Size: info.Size, ModTime: info.LastModified})
	}
	// S3 lists in lexicographic key order already
	return out, nil
}

func (s *S3) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	if strings.Trim(prefix, "/") == "" {
		return fmt.Errorf("refusing to delete bucket root %s", bucket)
	}
	objects, err := s.List(ctx, bucket, prefix)
	if err != nil {
		return err
	}
	return s.remove(ctx, bucket, objects)
}

// Publish copies staged objects over the target, then removes target objects that were not staged.
// S3 has no rename, so readers may briefly observe a mix of old and new partitions.
func (s *S3) Publish(ctx context.Context, bucket, staging, target string) error {
	staged, err := s.List(ctx, bucket, staging)
	if err != nil {
		return err
	}
	if len(staged) == 0 {
		return fmt.Errorf("staging %s: %w", staging, ErrNotFound)
	}
	existing, err := s.List(ctx, bucket, target)
	if err != nil {
		return err
	}

	keep := make(map[string]struct{}, len(staged))
	for _, o := range staged {
		dst := target + strings.TrimPrefix(o.Key, staging)
		keep[dst] = struct{}{}
		if _, err := s.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: bucket, Object: dst},
			minio.CopySrcOptions{Bucket: bucket, Object: o.Key},
		); err != nil {
			return fmt.Errorf("publish %s: %w", dst, err)
		}
	}

	var stale []Object
	for _, o := range existing {
		if _, ok := keep[o.Key]; !ok {
			stale = append(stale, o)
		}
	}
	if err := s.remove(ctx, bucket, stale); err != nil {
		return err
	}
	return s.remove(ctx, bucket, staged)
}

func (s *S3) remove(ctx context.Context, bucket string, objects []Object) error {
	if len(objects) == 0 {
		return nil
	}
	ch := make(chan minio.ObjectInfo, len(objects))
	for _, o := range objects {
		ch <- minio.ObjectInfo{Key: o.Key}
	}
	close(ch)

	for rerr := range s.client.RemoveObjects(ctx, bucket, ch, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			return fmt.Errorf("remove %s/%s: %w", bucket, rerr.ObjectName, rerr.Err)
		}
	}
	return nil
}

func (s *S3) wrap(bucket, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	return fmt.Errorf("%s/%s: %w", bucket, key, err)
}
