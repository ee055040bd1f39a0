package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adverant/nexus/videocoach-worker/internal/extractor/extractortest"
	"github.com/adverant/nexus/videocoach-worker/internal/models"
	"github.com/adverant/nexus/videocoach-worker/internal/raster"
	"github.com/adverant/nexus/videocoach-worker/internal/utils"
)

func drain(t *testing.T, fe *FrameExtractor) []models.Frame {
	t.Helper()
	var frames []models.Frame
	for {
		f, ok, err := fe.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return frames
		}
		frames = append(frames, f)
	}
}

func TestFrameCountMatchesFloorPlusOne(t *testing.T) {
	for _, d := range []float64{0, 0.4, 1, 2.999, 3, 10.2, 59.97} {
		src := extractortest.New(models.VideoMetadata{Duration: d, Width: 8, Height: 6})
		fe := NewFrameExtractor(src, raster.NewSurface(0, 0), Options{})
		_, err := fe.Prepare(context.Background())
		require.NoError(t, err)

		frames := drain(t, fe)
		want := int(d) + 1
		assert.Len(t, frames, want, "duration %v", d)
		assert.Equal(t, want, fe.Count())
	}
}

func TestFrameCountGuardsBadInput(t *testing.T) {
	assert.Equal(t, 1, FrameCount(-3, 1))
	assert.Equal(t, 4, FrameCount(0.3, 0.1))
	assert.Equal(t, 4, FrameCount(3, 0))
}

func TestFrameCountNeverSamplesPastDuration(t *testing.T) {
	assert.Equal(t, 3, FrameCount(3-5e-10, 1))
	assert.Equal(t, 4, FrameCount(3, 1))
	assert.Equal(t, 1, FrameCount(0, 1))
	assert.Equal(t, 11, FrameCount(1, 0.1))
	assert.Equal(t, 2, FrameCount(0.5-1e-9, 0.25))
}

func TestFramesAreSequentialJPEGs(t *testing.T) {
	src := extractortest.New(models.VideoMetadata{Duration: 3.0, Width: 40, Height: 30})
	surface := raster.NewSurface(0, 0)
	fe := NewFrameExtractor(src, surface, Options{})

	meta, err := fe.Prepare(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, meta.Width)
	assert.Equal(t, 40, surface.Width())
	assert.Equal(t, 30, surface.Height())

	frames := drain(t, fe)
	require.Len(t, frames, 4)
	for i, f := range frames {
		assert.Equal(t, i, f.Index)
		assert.Equal(t, float64(i), f.Timestamp)

		img, err := jpeg.Decode(bytes.NewReader(f.Data))
		require.NoError(t, err)
		assert.Equal(t, image.Pt(40, 30), img.Bounds().Size())
		assert.Contains(t, f.DataURI(), "data:image/jpeg;base64,")
	}
	assert.Equal(t, []float64{0, 1, 2, 3}, src.Seeks())

	// forward-only
	_, ok, err := fe.Next(context.Background())
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestNextAdvancesPastFailedSeek(t *testing.T) {
	src := extractortest.New(models.VideoMetadata{Duration: 2, Width: 8, Height: 8})
	src.FailAt = map[float64]error{1: errors.New("decoder hiccup")}
	fe := NewFrameExtractor(src, raster.NewSurface(0, 0), Options{})
	_, err := fe.Prepare(context.Background())
	require.NoError(t, err)

	f0, ok, err := fe.Next(context.Background())
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, 0, f0.Index)

	f1, ok, err := fe.Next(context.Background())
	require.True(t, ok)
	assert.ErrorContains(t, err, "decoder hiccup")
	assert.Equal(t, 1, f1.Index)
	assert.Empty(t, f1.Data)

	f2, ok, err := fe.Next(context.Background())
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, 2, f2.Index)
}

func TestNextRequiresPrepare(t *testing.T) {
	fe := NewFrameExtractor(extractortest.New(models.VideoMetadata{Width: 1, Height: 1}), raster.NewSurface(0, 0), Options{})
	_, _, err := fe.Next(context.Background())
	assert.Error(t, err)
}

func TestPrepareWaitsForDimensions(t *testing.T) {
	src := extractortest.NewPending()
	fe := NewFrameExtractor(src, raster.NewSurface(0, 0), Options{})

	go func() {
		src.Send(models.VideoMetadata{Duration: 5})
		time.Sleep(10 * time.Millisecond)
		src.Send(models.VideoMetadata{Duration: 5, Width: 320, Height: 240})
	}()

	meta, err := fe.Prepare(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 320, meta.Width)
	assert.Equal(t, 6, fe.Count())
}

func TestPrepareTimesOut(t *testing.T) {
	fe := NewFrameExtractor(extractortest.NewPending(), raster.NewSurface(0, 0), Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := fe.Prepare(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPrepareReportsLoadFailure(t *testing.T) {
	src := extractortest.NewPending()
	src.Close(errors.New("moov atom not found"))
	_, err := NewFrameExtractor(src, raster.NewSurface(0, 0), Options{}).Prepare(context.Background())
	assert.ErrorContains(t, err, "moov atom not found")

	closed := extractortest.NewPending()
	closed.Close(nil)
	_, err = NewFrameExtractor(closed, raster.NewSurface(0, 0), Options{}).Prepare(context.Background())
	assert.ErrorIs(t, err, ErrSourceClosed)
}

type fakeDecoder struct {
	meta    models.VideoMetadata
	metaErr error
	// timestamps at or past this yield ErrNoFrame
	noFrameFrom float64

	mu    sync.Mutex
	calls []float64
}

func (d *fakeDecoder) GetVideoMetadata(ctx context.Context, path string) (models.VideoMetadata, error) {
	return d.meta, d.metaErr
}

func (d *fakeDecoder) ExtractFrameAt(ctx context.Context, path string, ts float64) (image.Image, error) {
	d.mu.Lock()
	d.calls = append(d.calls, ts)
	d.mu.Unlock()
	if d.noFrameFrom > 0 && ts >= d.noFrameFrom {
		return nil, fmt.Errorf("%w %.3f", utils.ErrNoFrame, ts)
	}
	return extractortest.Solid(d.meta.Width, d.meta.Height, color.White), nil
}

func (d *fakeDecoder) seen() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]float64(nil), d.calls...)
}

func TestFFmpegSourceLoadsAndSeeks(t *testing.T) {
	dec := &fakeDecoder{meta: models.VideoMetadata{Duration: 3, Width: 16, Height: 9, FrameRate: 25}}
	released := false
	src := OpenFFmpegSource(dec, "clip.mp4", zap.NewNop(), func() { released = true })

	meta, err := AwaitReady(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 16, meta.Width)

	require.NoError(t, <-src.Seek(1))
	assert.NotNil(t, src.CurrentFrame())

	// seeking to the end lands on the last frame
	require.NoError(t, <-src.Seek(3))
	assert.InDelta(t, 2.96, dec.seen()[1], 1e-9)

	require.NoError(t, src.Release())
	require.NoError(t, src.Release())
	assert.True(t, released)
	assert.ErrorIs(t, <-src.Seek(0), ErrSourceReleased)
}

func TestFFmpegSourceRetriesEmptyTailFrame(t *testing.T) {
	dec := &fakeDecoder{meta: models.VideoMetadata{Duration: 4, Width: 4, Height: 4, FrameRate: 30}, noFrameFrom: 3.9}
	src := OpenFFmpegSource(dec, "clip.mp4", zap.NewNop(), nil)
	_, err := AwaitReady(context.Background(), src)
	require.NoError(t, err)

	require.NoError(t, <-src.Seek(4))
	calls := dec.seen()
	require.Len(t, calls, 2)
	assert.Less(t, calls[1], 3.9)
}

func TestFFmpegSourceLoadError(t *testing.T) {
	dec := &fakeDecoder{metaErr: errors.New("ffprobe failed: exit status 1")}
	src := OpenFFmpegSource(dec, "broken.mp4", zap.NewNop(), nil)

	_, err := AwaitReady(context.Background(), src)
	assert.ErrorContains(t, err, "ffprobe failed")
}
