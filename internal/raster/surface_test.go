package raster

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

func TestDrawFrameAndEncode(t *testing.T) {
	s := NewSurface(32, 24)
	require.NoError(t, s.DrawFrame(solid(32, 24, color.RGBA{0, 0, 255, 255})))

	data, err := s.EncodeJPEG(DefaultJPEGQuality)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])

	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(32, 24), img.Bounds().Size())
}

func TestDrawFrameScalesToSurface(t *testing.T) {
	s := NewSurface(16, 16)
	require.NoError(t, s.DrawFrame(solid(64, 64, color.RGBA{0, 255, 0, 255})))

	img := s.Composite()
	r, g, b, _ := img.At(8, 8).RGBA()
	assert.Less(t, r, uint32(0x1000))
	assert.Greater(t, g, uint32(0xF000))
	assert.Less(t, b, uint32(0x1000))
}

func TestUnsizedSurfaceRejectsWork(t *testing.T) {
	s := NewSurface(0, 0)
	assert.Error(t, s.DrawFrame(solid(4, 4, color.Black)))
	_, err := s.EncodeJPEG(DefaultJPEGQuality)
	assert.Error(t, err)

	s.Resize(4, 4)
	assert.Equal(t, 4, s.Width())
	assert.Equal(t, 4, s.Height())
	assert.NoError(t, s.DrawFrame(solid(4, 4, color.Black)))
}

func TestOverlayIsSeparateFromFrame(t *testing.T) {
	s := NewSurface(8, 8)
	require.NoError(t, s.DrawFrame(solid(8, 8, color.White)))
	require.NoError(t, s.WithOverlay(func(o *image.RGBA) error {
		o.SetRGBA(1, 1, color.RGBA{255, 0, 0, 255})
		return nil
	}))

	assert.Equal(t, color.RGBA{255, 0, 0, 255}, s.OverlaySnapshot().RGBAAt(1, 1))
	assert.Equal(t, color.RGBA{255, 0, 0, 255}, s.Composite().RGBAAt(1, 1))
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, s.Composite().RGBAAt(2, 2))
}
