// Package transform loads images and converts them to and from network input blobs.
package transform

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"os"

	"github.com/nfnt/resize"
)

// Transform errors.
var (
	ErrDecodeImage     = errors.New("failed to decode image")
	ErrImageTooSmall   = errors.New("image smaller than crop")
	ErrChannelMismatch = errors.New("channel count mismatch")
	ErrBadChannelSwap  = errors.New("channel swap is not a permutation")
	ErrInvalidScale    = errors.New("raw scale must be positive")
)

// Image is an RGB image stored HWC with values in [0, 1].
type Image struct {
	Height int
	Width  int
	Pix    []float32 // len Height*Width*3, row-major, interleaved R, G, B
}

// Channels is the number of color channels of an Image.
const Channels = 3

// NewImage allocates a black image.
func NewImage(height, width int) *Image {
	return &Image{Height: height, Width: width, Pix: make([]float32, height*width*Channels)}
}

// At returns channel c of the pixel at row y, column x.
func (im *Image) At(y, x, c int) float32 {
	return im.Pix[(y*im.Width+x)*Channels+c]
}

// Set sets channel c of the pixel at row y, column x.
func (im *Image) Set(y, x, c int, v float32) {
	im.Pix[(y*im.Width+x)*Channels+c] = v
}

// FromImage converts a decoded image. Gray images are replicated to three
// channels and alpha is dropped (not premultiplied).
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	im := NewImage(b.Dy(), b.Dx())
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			c := color.NRGBA64Model.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA64)
			i := (y*im.Width + x) * Channels
			im.Pix[i] = float32(c.R) / 65535
			im.Pix[i+1] = float32(c.G) / 65535
			im.Pix[i+2] = float32(c.B) / 65535
		}
	}
	return im
}

// RGBA64 converts the image to 16-bit RGBA, clamping values to [0, 1].
func (im *Image) RGBA64() *image.RGBA64 {
	dst := image.NewRGBA64(image.Rect(0, 0, im.Width, im.Height))
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			dst.SetRGBA64(x, y, color.RGBA64{
				R: to16(im.At(y, x, 0)),
				G: to16(im.At(y, x, 1)),
				B: to16(im.At(y, x, 2)),
				A: 0xffff,
			})
		}
	}
	return dst
}

func to16(v float32) uint16 {
	return uint16(min(max(v, 0), 1)*65535 + 0.5)
}

// LoadImage decodes a JPEG or PNG file.
func LoadImage(path string) (*Image, error) {
	//nolint:gosec // G304: File path comes from user input
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer func() {
		_ = f.Close() // Read-only file
	}()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrDecodeImage, path, err)
	}
	return FromImage(img), nil
}

// Resize scales the image to height x width with bilinear interpolation.
func Resize(im *Image, height, width int) *Image {
	if im.Height == height && im.Width == width {
		return im
	}
	//nolint:gosec // G115: image dimensions are positive
	resized := resize.Resize(uint(width), uint(height), im.RGBA64(), resize.Bilinear)
	return FromImage(resized)
}

// CenterCrop cuts a height x width window from the middle of the image.
func CenterCrop(im *Image, height, width int) (*Image, error) {
	if im.Height < height || im.Width < width {
		return nil, fmt.Errorf("%w: %dx%d image, %dx%d crop", ErrImageTooSmall, im.Height, im.Width, height, width)
	}
	if im.Height == height && im.Width == width {
		return im, nil
	}

	top := (im.Height - height) / 2
	left := (im.Width - width) / 2
	out := NewImage(height, width)
	for y := 0; y < height; y++ {
		src := ((top+y)*im.Width + left) * Channels
		copy(out.Pix[y*width*Channels:(y+1)*width*Channels], im.Pix[src:src+width*Channels])
	}
	return out, nil
}
