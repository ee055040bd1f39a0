package extractor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/adverant/nexus/videocoach-worker/internal/models"
	"github.com/adverant/nexus/videocoach-worker/internal/utils"
)

var (
	// ErrSourceClosed is returned when a source stopped signalling before its metadata was ready
	ErrSourceClosed = errors.New("video source closed before metadata was ready")
	// ErrSourceReleased is returned for seeks on a released source
	ErrSourceReleased = errors.New("video source released")
)

// VideoSource is a seekable media stream bound to one analysis run.
//
// Signals delivers metadata updates as they become known and is closed once
// loading finishes; Err explains a close without ready metadata. Seek
// repositions the stream and the returned channel receives exactly one value
// when the seek completes. CurrentFrame is the picture at the last completed
// seek.
type VideoSource interface {
	Signals() <-chan models.VideoMetadata
	Err() error
	Seek(t float64) <-chan error
	CurrentFrame() image.Image
	Release() error
}

// AwaitReady suspends until src reports non-zero dimensions
func AwaitReady(ctx context.Context, src VideoSource) (models.VideoMetadata, error) {
	for {
		select {
		case <-ctx.Done():
			return models.VideoMetadata{}, fmt.Errorf("waiting for video metadata: %w", ctx.Err())
		case meta, ok := <-src.Signals():
			if !ok {
				if err := src.Err(); err != nil {
					return models.VideoMetadata{}, err
				}
				return models.VideoMetadata{}, ErrSourceClosed
			}
			if meta.Ready() {
				return meta, nil
			}
		}
	}
}

// Decoder is the ffprobe/ffmpeg surface a FFmpegSource needs
type Decoder interface {
	GetVideoMetadata(ctx context.Context, videoPath string) (models.VideoMetadata, error)
	ExtractFrameAt(ctx context.Context, videoPath string, timestamp float64) (image.Image, error)
}

// FFmpegOpener opens local files as FFmpegSources
type FFmpegOpener struct {
	Decoder Decoder
	Logger  *zap.Logger
}

func (o FFmpegOpener) Open(_ context.Context, path string) (VideoSource, error) {
	return OpenFFmpegSource(o.Decoder, path, o.Logger, nil), nil
}

// FFmpegSource is a VideoSource backed by a local video file. Metadata comes
// from one ffprobe call; every seek is an ffmpeg process whose exit is the
// completion signal.
type FFmpegSource struct {
	decoder   Decoder
	path      string
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	signals   chan models.VideoMetadata
	onRelease func()

	mu      sync.RWMutex
	meta    models.VideoMetadata
	loadErr error
	current image.Image

	releaseOnce sync.Once
}

// OpenFFmpegSource starts loading path in the background. onRelease, if set,
// runs once when the source is released (e.g. to delete a downloaded file).
func OpenFFmpegSource(decoder Decoder, path string, logger *zap.Logger, onRelease func()) *FFmpegSource {
	ctx, cancel := context.WithCancel(context.Background())
	s := &FFmpegSource{
		decoder:   decoder,
		path:      path,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		signals:   make(chan models.VideoMetadata, 1),
		onRelease: onRelease,
	}
	go s.load()
	return s
}

func (s *FFmpegSource) load() {
	defer close(s.signals)

	meta, err := s.decoder.GetVideoMetadata(s.ctx, s.path)
	s.mu.Lock()
	s.meta, s.loadErr = meta, err
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("video metadata load failed", zap.String("path", s.path), zap.Error(err))
		return
	}

	s.logger.Debug("video metadata loaded",
		zap.String("path", s.path),
		zap.Float64("duration", meta.Duration),
		zap.Int("width", meta.Width),
		zap.Int("height", meta.Height),
	)
	s.signals <- meta
}

func (s *FFmpegSource) Signals() <-chan models.VideoMetadata {
	return s.signals
}

func (s *FFmpegSource) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadErr
}

func (s *FFmpegSource) Metadata() models.VideoMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

func (s *FFmpegSource) Seek(t float64) <-chan error {
	done := make(chan error, 1)
	if s.ctx.Err() != nil {
		done <- ErrSourceReleased
		return done
	}

	target := s.clamp(t)
	go func() {
		img, err := s.decoder.ExtractFrameAt(s.ctx, s.path, target)
		// Containers often report a duration slightly past the last decodable frame
		if errors.Is(err, utils.ErrNoFrame) && target > 0 {
			target = math.Max(0, target-0.5)
			img, err = s.decoder.ExtractFrameAt(s.ctx, s.path, target)
		}
		if err == nil {
			s.mu.Lock()
			s.current = img
			s.mu.Unlock()
		}
		done <- err
	}()
	return done
}

// clamp keeps seeks at or past the end on the last decodable position
func (s *FFmpegSource) clamp(t float64) float64 {
	meta := s.Metadata()
	fps := meta.FrameRate
	if fps <= 0 {
		fps = 30
	}
	last := math.Max(0, meta.Duration-1/fps)
	if t > last {
		return last
	}
	return math.Max(0, t)
}

func (s *FFmpegSource) CurrentFrame() image.Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *FFmpegSource) Release() error {
	s.releaseOnce.Do(func() {
		s.cancel()
		if s.onRelease != nil {
			s.onRelease()
		}
	})
	return nil
}
