package extractor

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/adverant/nexus/videocoach-worker/internal/models"
	"github.com/adverant/nexus/videocoach-worker/internal/raster"
)

// DefaultStep is the sampling interval in seconds
const DefaultStep = 1.0

var errNotPrepared = errors.New("frame extractor not prepared")

// Options configures a FrameExtractor
type Options struct {
	Step    float64 // Seconds between samples, default 1.0
	Quality int     // JPEG quality, default 80
}

// FrameExtractor walks a VideoSource through timestamps 0, step, 2*step, ...
// up to the duration and yields one encoded frame per timestamp. It is
// forward-only; a new run needs a new extractor.
type FrameExtractor struct {
	src     VideoSource
	surface *raster.Surface
	step    float64
	quality int

	meta     models.VideoMetadata
	prepared bool
	count    int
	index    int
}

func NewFrameExtractor(src VideoSource, surface *raster.Surface, opts Options) *FrameExtractor {
	if opts.Step <= 0 {
		opts.Step = DefaultStep
	}
	if opts.Quality <= 0 {
		opts.Quality = raster.DefaultJPEGQuality
	}
	return &FrameExtractor{
		src:     src,
		surface: surface,
		step:    opts.Step,
		quality: opts.Quality,
	}
}

// FrameCount is the number of samples for a duration: floor(duration/step)+1
func FrameCount(duration, step float64) int {
	if step <= 0 {
		step = DefaultStep
	}
	if math.IsNaN(duration) || math.IsInf(duration, 0) || duration < 0 {
		duration = 0
	}
	n := math.Floor(duration / step)
	// 0.3/0.1 divides to 2.9999999999999996; count a sample that lands on
	// the duration within float rounding, and nothing short of it
	if (n+1)*step <= duration+1e-12*math.Max(1, duration) {
		n++
	}
	return int(n) + 1
}

// Prepare waits for the source's dimensions and sizes the surface to them
func (e *FrameExtractor) Prepare(ctx context.Context) (models.VideoMetadata, error) {
	meta, err := AwaitReady(ctx, e.src)
	if err != nil {
		return models.VideoMetadata{}, err
	}
	e.surface.Resize(meta.Width, meta.Height)
	e.meta = meta
	e.count = FrameCount(meta.Duration, e.step)
	e.prepared = true
	return meta, nil
}

// Count returns the total number of frames the sequence yields
func (e *FrameExtractor) Count() int {
	return e.count
}

func (e *FrameExtractor) Step() float64 {
	return e.step
}

// Next seeks to the next timestamp and returns its encoded frame. ok is
// false once the sequence is exhausted. When err is non-nil the returned
// frame still carries the index and timestamp that failed; the sequence has
// already moved past it.
func (e *FrameExtractor) Next(ctx context.Context) (frame models.Frame, ok bool, err error) {
	if !e.prepared {
		return models.Frame{}, false, errNotPrepared
	}
	if e.index >= e.count {
		return models.Frame{}, false, nil
	}

	idx := e.index
	e.index++

	frame = models.Frame{
		Index:     idx,
		Timestamp: float64(idx) * e.step,
		Width:     e.meta.Width,
		Height:    e.meta.Height,
	}

	select {
	case <-ctx.Done():
		return frame, true, ctx.Err()
	case err := <-e.src.Seek(frame.Timestamp):
		if err != nil {
			return frame, true, fmt.Errorf("seek to %.2fs: %w", frame.Timestamp, err)
		}
	}

	if err := e.surface.DrawFrame(e.src.CurrentFrame()); err != nil {
		return frame, true, fmt.Errorf("render frame at %.2fs: %w", frame.Timestamp, err)
	}

	data, err := e.surface.EncodeJPEG(e.quality)
	if err != nil {
		return frame, true, fmt.Errorf("encode frame at %.2fs: %w", frame.Timestamp, err)
	}
	frame.Data = data
	return frame, true, nil
}
