package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/fogleman/gg"

	"github.com/adverant/nexus/videocoach-worker/internal/models"
	"github.com/adverant/nexus/videocoach-worker/internal/raster"
)

const (
	MarkerRadius = 5.0
	MarkerColor  = "#FF0000"
)

// Renderer draws pose keypoints onto a surface's overlay layer
type Renderer struct {
	radius float64
	color  string
}

func NewRenderer() *Renderer {
	return &Renderer{radius: MarkerRadius, color: MarkerColor}
}

// Draw replaces the overlay with one filled marker per keypoint.
// An empty pose leaves the overlay untouched. Points with a zero or
// undefined coordinate are skipped.
func (r *Renderer) Draw(surface *raster.Surface, pose models.Pose) error {
	if len(pose) == 0 {
		return nil
	}

	return surface.WithOverlay(func(layer *image.RGBA) error {
		draw.Draw(layer, layer.Bounds(), image.Transparent, image.Point{}, draw.Src)

		w := float64(layer.Bounds().Dx())
		h := float64(layer.Bounds().Dy())

		dc := gg.NewContextForRGBA(layer)
		dc.SetHexColor(r.color)
		for _, p := range pose {
			if !drawable(p.X) || !drawable(p.Y) {
				continue
			}
			dc.DrawCircle(p.X*w, p.Y*h, r.radius)
			dc.Fill()
		}
		return nil
	})
}

// Clear wipes the overlay layer
func (r *Renderer) Clear(surface *raster.Surface) error {
	return surface.WithOverlay(func(layer *image.RGBA) error {
		draw.Draw(layer, layer.Bounds(), &image.Uniform{C: color.Transparent}, image.Point{}, draw.Src)
		return nil
	})
}

func drawable(v float64) bool {
	return v != 0 && !math.IsNaN(v)
}
