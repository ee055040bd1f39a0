// Package extractortest provides an in-memory VideoSource for tests.
package extractortest

import (
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"

	"github.com/adverant/nexus/videocoach-worker/internal/models"
)

// Source is a scripted VideoSource. Each seek renders Picture(t); by
// default every timestamp gets a distinct solid color.
type Source struct {
	SeekDelay time.Duration
	FailAt    map[float64]error
	Picture   func(t float64) image.Image

	signals chan models.VideoMetadata
	meta    models.VideoMetadata

	mu       sync.Mutex
	loadErr  error
	current  image.Image
	seeks    []float64
	released bool
	closed   bool
}

// New returns a source whose metadata is already available
func New(meta models.VideoMetadata) *Source {
	s := NewPending()
	s.Send(meta)
	s.Close(nil)
	return s
}

// NewPending returns a source that signals nothing until Send is called
func NewPending() *Source {
	return &Source{signals: make(chan models.VideoMetadata, 8)}
}

// Send emits a metadata signal
func (s *Source) Send(meta models.VideoMetadata) {
	s.mu.Lock()
	if meta.Ready() {
		s.meta = meta
	}
	s.mu.Unlock()
	s.signals <- meta
}

// Close ends signalling with an optional load error
func (s *Source) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.loadErr = err
	close(s.signals)
}

func (s *Source) Signals() <-chan models.VideoMetadata {
	return s.signals
}

func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadErr
}

func (s *Source) Seek(t float64) <-chan error {
	done := make(chan error, 1)
	s.mu.Lock()
	s.seeks = append(s.seeks, t)
	s.mu.Unlock()

	go func() {
		if s.SeekDelay > 0 {
			time.Sleep(s.SeekDelay)
		}
		if err, ok := s.FailAt[t]; ok {
			done <- err
			return
		}
		s.mu.Lock()
		s.current = s.picture(t)
		s.mu.Unlock()
		done <- nil
	}()
	return done
}

func (s *Source) picture(t float64) image.Image {
	if s.Picture != nil {
		return s.Picture(t)
	}
	shade := uint8(int(t*37) % 256)
	return Solid(s.meta.Width, s.meta.Height, color.RGBA{R: shade, G: 255 - shade, B: 64, A: 255})
}

func (s *Source) CurrentFrame() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Source) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	return nil
}

// Seeks returns the timestamps requested so far
func (s *Source) Seeks() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.seeks...)
}

func (s *Source) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Solid returns a uniformly colored picture
func Solid(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}
