package processor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDownloader struct {
	path    string
	err     error
	cleaned []string
}

func (d *fakeDownloader) Download(context.Context, string, string) (string, error) {
	return d.path, d.err
}

func (d *fakeDownloader) Cleanup(path string) error {
	d.cleaned = append(d.cleaned, path)
	return nil
}

type fakeFetcher struct {
	path string
	url  string
}

func (f *fakeFetcher) Fetch(_ context.Context, objectURL, _ string) (string, error) {
	f.url = objectURL
	return f.path, nil
}

func TestSourceType(t *testing.T) {
	assert.Equal(t, "url", SourceType("https://cdn.example.com/kick.mp4"))
	assert.Equal(t, "s3", SourceType("s3://uploads/kick.mp4"))
	assert.Equal(t, "file", SourceType("/videos/kick.mp4"))
}

func TestResolveLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kick.mp4")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	r := NewSourceResolver(nil, nil, zap.NewNop())
	got, cleanup, err := r.Resolve(context.Background(), path, "job-1")
	require.NoError(t, err)
	cleanup()

	assert.Equal(t, path, got)
	assert.FileExists(t, path)
}

func TestResolveMissingFile(t *testing.T) {
	r := NewSourceResolver(nil, nil, zap.NewNop())
	_, cleanup, err := r.Resolve(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"), "job-1")
	assert.Error(t, err)
	cleanup()
}

func TestResolveURLCleansUpDownload(t *testing.T) {
	d := &fakeDownloader{path: "/tmp/videocoach/job-1.mp4"}
	r := NewSourceResolver(d, nil, zap.NewNop())

	got, cleanup, err := r.Resolve(context.Background(), "https://cdn.example.com/kick.mp4", "job-1")
	require.NoError(t, err)
	assert.Equal(t, d.path, got)

	cleanup()
	assert.Equal(t, []string{d.path}, d.cleaned)
}

func TestResolveURLDownloadError(t *testing.T) {
	r := NewSourceResolver(&fakeDownloader{err: errors.New("HTTP 404")}, nil, zap.NewNop())
	_, _, err := r.Resolve(context.Background(), "https://cdn.example.com/kick.mp4", "job-1")
	assert.ErrorContains(t, err, "HTTP 404")
}

func TestResolveObjectURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job-1_kick.mp4")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	f := &fakeFetcher{path: path}

	r := NewSourceResolver(nil, f, zap.NewNop())
	got, cleanup, err := r.Resolve(context.Background(), "s3://uploads/kick.mp4", "job-1")
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Equal(t, "s3://uploads/kick.mp4", f.url)

	cleanup()
	assert.NoFileExists(t, path)
}

func TestResolveObjectURLWithoutStore(t *testing.T) {
	r := NewSourceResolver(nil, nil, zap.NewNop())
	_, _, err := r.Resolve(context.Background(), "s3://uploads/kick.mp4", "job-1")
	assert.Error(t, err)
}
