package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// ObjectStoreConfig holds S3-compatible endpoint settings
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	TempDir   string
}

// ObjectStore fetches uploaded videos from an S3-compatible bucket
type ObjectStore struct {
	client  *miniogo.Client
	tempDir string
	logger  *zap.Logger
}

func NewObjectStore(cfg ObjectStoreConfig, logger *zap.Logger) (*ObjectStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object store endpoint is required")
	}
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	return &ObjectStore{client: client, tempDir: cfg.TempDir, logger: logger}, nil
}

// ParseObjectURL splits s3://bucket/key into its parts
func ParseObjectURL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid object url: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("unsupported object url scheme %q", u.Scheme)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("object url must be s3://bucket/key, got %q", raw)
	}
	return u.Host, key, nil
}

// Fetch downloads s3://bucket/key into the temp directory and returns the local path
func (s *ObjectStore) Fetch(ctx context.Context, objectURL, jobID string) (string, error) {
	bucket, key, err := ParseObjectURL(objectURL)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(s.tempDir, fmt.Sprintf("%s_%s", jobID, filepath.Base(key)))
	if err := s.client.FGetObject(ctx, bucket, key, dest, miniogo.GetObjectOptions{}); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("download object %s/%s: %w", bucket, key, err)
	}

	s.logger.Info("object fetched",
		zap.String("bucket", bucket),
		zap.String("key", key),
		zap.String("path", dest),
	)
	return dest, nil
}
