package objstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/printmint/printmint/internal/apperrors"
	"github.com/printmint/printmint/internal/logger"
)

const presignedTTL = time.Hour

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Store is the durable object store collaborator. Objects are
// addressed by opaque key strings; download access goes through
// short-lived presigned URLs, never raw object paths.
type Store struct {
	client *minio.Client
	bucket string
	logger logger.Logger
}

func New(ctx context.Context, cfg Config, l logger.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &Store{client: client, bucket: cfg.Bucket, logger: l}, nil
}

// Upload stores raw bytes under key. Content type is sniffed from the
// payload.
func (s *Store) Upload(ctx context.Context, data []byte, key string) (string, error) {
	contentType := http.DetectContentType(data)

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("%w: upload %q: %w", apperrors.ErrStorageFailure, key, err)
	}

	return key, nil
}

// UploadDataURL decodes an inline base64 data url and stores it.
func (s *Store) UploadDataURL(ctx context.Context, dataURL string, key string) (string, error) {
	_, payload, found := strings.Cut(dataURL, ",")
	if !found {
		return "", fmt.Errorf("%w: malformed data url", apperrors.ErrStorageFailure)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: decode data url: %w", apperrors.ErrStorageFailure, err)
	}

	return s.Upload(ctx, data, key)
}

// Delete removes an object, best effort. Failures are logged and
// swallowed so cleanup never blocks a refund.
func (s *Store) Delete(ctx context.Context, key string) {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		s.logger.Warn("Failed to delete object", "key", key, "error", err)
	}
}

// PresignedURL returns a short-lived download link for key.
func (s *Store) PresignedURL(ctx context.Context, key string) (string, error) {
	url, err := s.client.PresignedGetObject(ctx, s.bucket, key, presignedTTL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: presign %q: %w", apperrors.ErrStorageFailure, key, err)
	}

	return url.String(), nil
}
