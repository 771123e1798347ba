// Package render draws the saliency visualization: the de-processed input
// next to the saliency map.
package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"

	"github.com/born-ml/saliency/internal/tensor"
	"github.com/born-ml/saliency/internal/transform"
)

// ErrPanelSize is returned when panels cannot be placed side by side.
var ErrPanelSize = errors.New("panel heights differ")

// Colormap maps a value in [0, 1] to a color.
type Colormap func(v float32) color.NRGBA

// copperKnee is where the red channel of matplotlib's copper saturates.
const copperKnee = 0.809524

// Copper is matplotlib's "copper" colormap: black through orange-brown.
func Copper(v float32) color.NRGBA {
	v = clamp01(v)
	return color.NRGBA{
		R: to8(min(1, v/copperKnee)),
		G: to8(0.7812 * v),
		B: to8(0.4975 * v),
		A: 0xff,
	}
}

func clamp01(v float32) float32 {
	if v != v { // NaN
		return 0
	}
	return min(max(v, 0), 1)
}

func to8(v float32) uint8 {
	return uint8(clamp01(v)*255 + 0.5)
}

// RGB converts an image to 8-bit color, clamping to [0, 1].
func RGB(im *transform.Image) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, im.Width, im.Height))
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			dst.SetNRGBA(x, y, color.NRGBA{
				R: to8(im.At(y, x, 0)),
				G: to8(im.At(y, x, 1)),
				B: to8(im.At(y, x, 2)),
				A: 0xff,
			})
		}
	}
	return dst
}

// Heatmap colors an [H, W] map. Values are rescaled to the map's own
// range first; a constant map takes the lowest color.
func Heatmap(m *tensor.Tensor, cmap Colormap) (*image.NRGBA, error) {
	s := m.Shape()
	if len(s) != 2 {
		return nil, fmt.Errorf("heatmap: expected [H, W], got %v", s)
	}
	h, w := s[0], s[1]
	lo, hi := m.Min(), m.Max()
	span := hi - lo

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	data := m.Data()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var v float32
			if span > 0 {
				v = (data[y*w+x] - lo) / span
			}
			dst.SetNRGBA(x, y, cmap(v))
		}
	}
	return dst, nil
}

// SideBySide concatenates panels horizontally with no gap.
func SideBySide(panels ...image.Image) (*image.NRGBA, error) {
	if len(panels) == 0 {
		return nil, errors.New("side by side: no panels")
	}
	height := panels[0].Bounds().Dy()
	width := 0
	for _, p := range panels {
		if p.Bounds().Dy() != height {
			return nil, fmt.Errorf("%w: %d and %d", ErrPanelSize, height, p.Bounds().Dy())
		}
		width += p.Bounds().Dx()
	}

	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	x := 0
	for _, p := range panels {
		b := p.Bounds()
		draw.Draw(dst, image.Rect(x, 0, x+b.Dx(), height), p, b.Min, draw.Src)
		x += b.Dx()
	}
	return dst, nil
}

// Visualization renders the input image and its saliency map side by side.
func Visualization(input *transform.Image, saliency *tensor.Tensor) (*image.NRGBA, error) {
	heat, err := Heatmap(saliency, Copper)
	if err != nil {
		return nil, err
	}
	return SideBySide(RGB(input), heat)
}

// SavePNG writes img to path.
func SavePNG(path string, img image.Image) error {
	//nolint:gosec // G304: File path comes from user input
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close() // Best effort close on error
		return fmt.Errorf("failed to encode png %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
