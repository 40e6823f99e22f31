// Package storage wraps the object storage service used for face images and
// annotated overlays.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Store struct {
	client *minio.Client
	bucket string
}

// New connects to the object storage endpoint and makes sure the bucket
// exists.
func New(ctx context.Context, endpoint, bucket, accessKey, secretKey string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("could not check bucket %q: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("could not create bucket %q: %w", bucket, err)
		}
	}

	return &Store{client: client, bucket: bucket}, nil
}

// Resolve turns a stored image reference into a fetchable URL. References
// that are already fully-qualified URLs pass through unchanged, which keeps
// test and externally hosted images working without a storage round trip.
// Anything else is treated as an object key and presigned with the given TTL.
// Signing errors propagate: repeated signing failures are a configuration
// fault that should fail the pipeline, not be swallowed.
func (s *Store) Resolve(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	if IsExternalURL(ref) {
		return ref, nil
	}

	signed, err := s.client.PresignedGetObject(ctx, s.bucket, ref, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("could not presign %q: %w", ref, err)
	}
	return signed.String(), nil
}

// Upload stores a rendered overlay and returns its object key.
func (s *Store) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	ext := ".bin"
	switch contentType {
	case "image/jpeg":
		ext = ".jpg"
	case "image/png":
		ext = ".png"
	case "image/svg+xml":
		ext = ".svg"
	}
	key := "annotated/" + uuid.NewString() + ext

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("could not upload %q: %w", key, err)
	}

	return key, nil
}

// Passthrough serves deployments without object storage. Image references
// must already be fully-qualified URLs and overlay uploads are unsupported.
type Passthrough struct{}

func (Passthrough) Resolve(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	if IsExternalURL(ref) {
		return ref, nil
	}
	return "", fmt.Errorf("no object storage configured for reference %q", ref)
}

func (Passthrough) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	return "", errors.New("no object storage configured")
}

// IsExternalURL reports whether ref is an absolute http(s) URL rather than an
// object key.
func IsExternalURL(ref string) bool {
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return false
	}
	u, err := url.Parse(ref)
	return err == nil && u.Host != ""
}
