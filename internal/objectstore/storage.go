// Package objectstore wraps MinIO/S3 interactions for original uploads and
// derived renditions.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/driftbyte/mediaflow/internal/config"
)

// Store is the object-store port. Paths are logical keys prefixed with
// "originals/" or "renditions/"; the MinIO implementation maps the prefix
// onto the matching bucket. Tests swap in a fake.
type Store interface {
	Upload(ctx context.Context, path string, reader io.Reader, size int64, contentType string) error
	Download(ctx context.Context, path string) ([]byte, error)
	Stream(ctx context.Context, path string) (io.ReadCloser, error)
	Stat(ctx context.Context, path string) (int64, error)
	Delete(ctx context.Context, path string) error
	PresignGet(ctx context.Context, path string, transform *Transform, expiry time.Duration) (string, error)
}

const (
	// OriginalPrefix and RenditionPrefix are the logical namespaces for
	// object keys throughout the system.
	OriginalPrefix  = "originals/"
	RenditionPrefix = "renditions/"
)

// ErrUnknownPrefix is returned for keys outside the two logical namespaces.
var ErrUnknownPrefix = errors.New("object path outside originals/ or renditions/")

// Storage is the MinIO-backed Store implementation.
type Storage struct {
	client           *minio.Client
	originalsBucket  string
	renditionsBucket string
	region           string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client:           client,
		originalsBucket:  cfg.OriginalsBucket,
		renditionsBucket: cfg.RenditionsBucket,
		region:           cfg.S3Region,
	}, nil
}

// EnsureBuckets makes sure the originals/renditions buckets exist before use.
func (s *Storage) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.originalsBucket, s.renditionsBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
				return fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

func (s *Storage) resolve(path string) (bucket, key string, err error) {
	switch {
	case strings.HasPrefix(path, OriginalPrefix):
		return s.originalsBucket, strings.TrimPrefix(path, OriginalPrefix), nil
	case strings.HasPrefix(path, RenditionPrefix):
		return s.renditionsBucket, strings.TrimPrefix(path, RenditionPrefix), nil
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnknownPrefix, path)
	}
}

// Upload stores an object under the logical path.
func (s *Storage) Upload(ctx context.Context, path string, reader io.Reader, size int64, contentType string) error {
	bucket, key, err := s.resolve(path)
	if err != nil {
		return err
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, bucket, key, reader, size, opts); err != nil {
		return fmt.Errorf("upload object %s: %w", path, err)
	}
	return nil
}

// Download fetches the full object into memory. Only the small-tier
// pipeline path uses this; larger objects go through Stream.
func (s *Storage) Download(ctx context.Context, path string) ([]byte, error) {
	obj, err := s.Stream(ctx, path)
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", path, err)
	}
	return buf, nil
}

// Stream returns a reader over the object without materializing it.
func (s *Storage) Stream(ctx context.Context, path string) (io.ReadCloser, error) {
	bucket, key, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", path, err)
	}
	return obj, nil
}

// Stat returns the object size in bytes.
func (s *Storage) Stat(ctx context.Context, path string) (int64, error) {
	bucket, key, err := s.resolve(path)
	if err != nil {
		return 0, err
	}
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("stat object %s: %w", path, err)
	}
	return info.Size, nil
}

// Delete removes the object. Used for original cleanup after a video is
// fully processed.
func (s *Storage) Delete(ctx context.Context, path string) error {
	bucket, key, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object %s: %w", path, err)
	}
	return nil
}

// PresignGet issues a time-limited signed GET URL, carrying the image
// transform as render query parameters when one is requested.
func (s *Storage) PresignGet(ctx context.Context, path string, transform *Transform, expiry time.Duration) (string, error) {
	bucket, key, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	u, err := s.client.PresignedGetObject(ctx, bucket, key, expiry, transform.Values())
	if err != nil {
		return "", fmt.Errorf("presign object %s: %w", path, err)
	}
	return u.String(), nil
}

// UploadBytes is a convenience wrapper for small derived artifacts such as
// thumbnails.
func UploadBytes(ctx context.Context, store Store, path string, data []byte, contentType string) error {
	return store.Upload(ctx, path, bytes.NewReader(data), int64(len(data)), contentType)
}
