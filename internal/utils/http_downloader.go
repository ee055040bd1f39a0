package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// HTTPDownloader fetches remote videos into the temp directory with retries
type HTTPDownloader struct {
	client       *http.Client
	maxRetries   int
	retryDelay   time.Duration
	maxFileSize  int64 // 0 = unlimited
	allowedTypes []string
	tempDir      string
	logger       *zap.Logger
}

// HTTPDownloaderConfig holds configuration for HTTP downloader
type HTTPDownloaderConfig struct {
	MaxRetries   int           // Default: 3
	RetryDelay   time.Duration // Default: 2s
	Timeout      time.Duration // Default: 5min
	MaxFileSize  int64         // Default: 500MB
	AllowedTypes []string      // Default: ["video/"]
	TempDir      string        // Default: os.TempDir()
	Logger       *zap.Logger
}

func NewHTTPDownloader(config HTTPDownloaderConfig) *HTTPDownloader {
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 2 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.MaxFileSize == 0 {
		config.MaxFileSize = 500 * 1024 * 1024
	}
	if len(config.AllowedTypes) == 0 {
		config.AllowedTypes = []string{"video/"}
	}
	if config.TempDir == "" {
		config.TempDir = os.TempDir()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &HTTPDownloader{
		client: &http.Client{
			Timeout: config.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		maxFileSize:  config.MaxFileSize,
		allowedTypes: config.AllowedTypes,
		tempDir:      config.TempDir,
		logger:       config.Logger,
	}
}

// Download fetches url and returns the local path of the saved file
func (d *HTTPDownloader) Download(ctx context.Context, url, jobID string) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		path, err := d.downloadAttempt(ctx, url, jobID)
		if err == nil {
			return path, nil
		}
		lastErr = err

		if !isRetryableDownloadError(err) {
			return "", fmt.Errorf("download failed (non-retryable): %w", err)
		}

		d.logger.Warn("video download attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt < d.maxRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(d.retryDelay * time.Duration(attempt)):
			}
		}
	}

	return "", fmt.Errorf("download failed after %d attempts: %w", d.maxRetries, lastErr)
}

func (d *HTTPDownloader) downloadAttempt(ctx context.Context, url, jobID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "VideoCoach-Worker/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, resp.Status),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if !d.isAllowedContentType(contentType) {
		return "", &ValidationError{
			Field:   "Content-Type",
			Value:   contentType,
			Message: "unsupported content type (expected video/*)",
		}
	}

	if resp.ContentLength > d.maxFileSize {
		return "", &ValidationError{
			Field:   "Content-Length",
			Value:   fmt.Sprintf("%d bytes", resp.ContentLength),
			Message: fmt.Sprintf("file too large (max: %d bytes)", d.maxFileSize),
		}
	}

	if err := os.MkdirAll(d.tempDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}
	f, err := os.CreateTemp(d.tempDir, fmt.Sprintf("videocoach-%s-*%s", jobID, extensionFor(contentType)))
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}

	if err := copyWithLimit(f, resp.Body, d.maxFileSize); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("download failed: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to close file: %w", err)
	}

	return f.Name(), nil
}

func copyWithLimit(dst io.Writer, src io.Reader, limit int64) error {
	written, err := io.Copy(dst, io.LimitReader(src, limit+1))
	if err != nil {
		return err
	}
	if written > limit {
		return &ValidationError{
			Field:   "file_size",
			Value:   fmt.Sprintf("%d bytes", written),
			Message: fmt.Sprintf("file exceeded size limit (max: %d bytes)", limit),
		}
	}
	return nil
}

// isAllowedContentType accepts an empty header since some servers omit it;
// the file is sniffed again before analysis.
func (d *HTTPDownloader) isAllowedContentType(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}
	for _, allowed := range d.allowedTypes {
		if strings.HasPrefix(mediaType, allowed) {
			return true
		}
	}
	return false
}

func extensionFor(contentType string) string {
	if contentType == "" {
		return ".tmp"
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".tmp"
	}
	if m := mimetype.Lookup(mediaType); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return ".tmp"
}

func isRetryableDownloadError(err error) bool {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	return true
}

// Cleanup removes a downloaded file; only files inside the temp directory are touched
func (d *HTTPDownloader) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(d.tempDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to delete file outside temp directory: %s", path)
	}
	return os.Remove(path)
}

// HTTPError represents a non-200 download response
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

// ValidationError represents a rejected input
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (value: %s)", e.Field, e.Message, e.Value)
}
