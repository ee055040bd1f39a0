package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Downloader fetches a remote video into a local file
type Downloader interface {
	Download(ctx context.Context, url, jobID string) (string, error)
	Cleanup(path string) error
}

// ObjectFetcher fetches s3://bucket/key objects into a local file
type ObjectFetcher interface {
	Fetch(ctx context.Context, objectURL, jobID string) (string, error)
}

// SourceResolver turns a video reference into a local file path. The
// returned cleanup removes anything the resolver created and is safe to
// call when nothing was.
type SourceResolver struct {
	downloader Downloader
	objects    ObjectFetcher
	logger     *zap.Logger
}

// NewSourceResolver creates a resolver; objects may be nil when no object store is configured
func NewSourceResolver(downloader Downloader, objects ObjectFetcher, logger *zap.Logger) *SourceResolver {
	return &SourceResolver{downloader: downloader, objects: objects, logger: logger}
}

// SourceType classifies a reference as "url", "s3" or "file"
func SourceType(ref string) string {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return "url"
	case strings.HasPrefix(ref, "s3://"):
		return "s3"
	default:
		return "file"
	}
}

func (r *SourceResolver) Resolve(ctx context.Context, ref, jobID string) (string, func(), error) {
	noop := func() {}

	switch SourceType(ref) {
	case "url":
		if r.downloader == nil {
			return "", noop, errors.New("url sources are not configured")
		}
		path, err := r.downloader.Download(ctx, ref, jobID)
		if err != nil {
			return "", noop, fmt.Errorf("download video: %w", err)
		}
		return path, func() {
			if err := r.downloader.Cleanup(path); err != nil {
				r.logger.Warn("failed to remove downloaded video", zap.String("path", path), zap.Error(err))
			}
		}, nil

	case "s3":
		if r.objects == nil {
			return "", noop, errors.New("object storage is not configured")
		}
		path, err := r.objects.Fetch(ctx, ref, jobID)
		if err != nil {
			return "", noop, fmt.Errorf("fetch video: %w", err)
		}
		return path, r.remover(path), nil

	default:
		info, err := os.Stat(ref)
		if err != nil {
			return "", noop, fmt.Errorf("video file: %w", err)
		}
		if info.IsDir() {
			return "", noop, fmt.Errorf("video file %s is a directory", ref)
		}
		return ref, noop, nil
	}
}

func (r *SourceResolver) remover(path string) func() {
	return func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("failed to remove fetched video", zap.String("path", path), zap.Error(err))
		}
	}
}
