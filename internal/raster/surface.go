package raster

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"sync"

	xdraw "golang.org/x/image/draw"
)

// DefaultJPEGQuality is the fixed compression quality used for every frame of a run
const DefaultJPEGQuality = 80

// Surface is a raster target with two layers: the rendered video frame and
// a transparent overlay for pose markers.
type Surface struct {
	mu      sync.RWMutex
	frame   *image.RGBA
	overlay *image.RGBA
}

// NewSurface creates a surface; zero dimensions are allowed until Resize is called
func NewSurface(width, height int) *Surface {
	s := &Surface{}
	s.Resize(width, height)
	return s
}

// Resize reallocates both layers, discarding their contents
func (s *Surface) Resize(width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rect := image.Rect(0, 0, max(width, 0), max(height, 0))
	s.frame = image.NewRGBA(rect)
	s.overlay = image.NewRGBA(rect)
}

func (s *Surface) Width() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frame.Bounds().Dx()
}

func (s *Surface) Height() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frame.Bounds().Dy()
}

// DrawFrame renders src into the frame layer, scaling it to the surface size
func (s *Surface) DrawFrame(src image.Image) error {
	if src == nil {
		return fmt.Errorf("no picture to render")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame.Bounds().Empty() {
		return fmt.Errorf("surface has no size")
	}
	if src.Bounds().Size() == s.frame.Bounds().Size() {
		draw.Draw(s.frame, s.frame.Bounds(), src, src.Bounds().Min, draw.Src)
		return nil
	}
	xdraw.ApproxBiLinear.Scale(s.frame, s.frame.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return nil
}

// EncodeJPEG encodes the frame layer
func (s *Surface) EncodeJPEG(quality int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.frame.Bounds().Empty() {
		return nil, fmt.Errorf("surface has no size")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, s.frame, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

// WithOverlay runs fn with exclusive access to the overlay layer
func (s *Surface) WithOverlay(fn func(overlay *image.RGBA) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.overlay)
}

// OverlaySnapshot returns a copy of the overlay layer
func (s *Surface) OverlaySnapshot() *image.RGBA {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := image.NewRGBA(s.overlay.Bounds())
	copy(out.Pix, s.overlay.Pix)
	return out
}

// Composite returns the frame layer with the overlay drawn over it
func (s *Surface) Composite() *image.RGBA {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := image.NewRGBA(s.frame.Bounds())
	draw.Draw(out, out.Bounds(), s.frame, image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), s.overlay, image.Point{}, draw.Over)
	return out
}
