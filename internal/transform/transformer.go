package transform

import (
	"fmt"

	"github.com/born-ml/saliency/internal/tensor"
)

// Transformer converts images to network input blobs and back.
//
// Preprocess applies, in order:
//  1. HWC -> CHW
//  2. channel reorder: out[c] = in[ChannelSwap[c]] (e.g. RGB -> BGR)
//  3. multiply by RawScale ([0,1] -> [0,255])
//  4. subtract the per-channel Mean
//
// Deprocess applies the inverse steps in reverse order.
type Transformer struct {
	Mean        []float32 // per channel, in network channel order
	ChannelSwap []int     // nil keeps the image order
	RawScale    float32   // 0 means 1
}

// Validate checks the transformer against a channel count.
func (t *Transformer) Validate(channels int) error {
	if t.Mean != nil && len(t.Mean) != channels {
		return fmt.Errorf("%w: mean has %d channels, input has %d", ErrChannelMismatch, len(t.Mean), channels)
	}
	if t.RawScale < 0 {
		return fmt.Errorf("%w: got %g", ErrInvalidScale, t.RawScale)
	}
	if t.ChannelSwap == nil {
		return nil
	}
	if len(t.ChannelSwap) != channels {
		return fmt.Errorf("%w: %v for %d channels", ErrBadChannelSwap, t.ChannelSwap, channels)
	}
	seen := make([]bool, channels)
	for _, c := range t.ChannelSwap {
		if c < 0 || c >= channels || seen[c] {
			return fmt.Errorf("%w: %v", ErrBadChannelSwap, t.ChannelSwap)
		}
		seen[c] = true
	}
	return nil
}

func (t *Transformer) scale() float32 {
	if t.RawScale == 0 {
		return 1
	}
	return t.RawScale
}

func (t *Transformer) source(c int) int {
	if t.ChannelSwap == nil {
		return c
	}
	return t.ChannelSwap[c]
}

// Preprocess converts an image into a [1, 3, H, W] blob.
func (t *Transformer) Preprocess(im *Image) (*tensor.Tensor, error) {
	if err := t.Validate(Channels); err != nil {
		return nil, err
	}

	h, w := im.Height, im.Width
	blob := tensor.Zeros(tensor.Shape{1, Channels, h, w})
	data := blob.Data()
	scale := t.scale()

	for c := 0; c < Channels; c++ {
		src := t.source(c)
		var mean float32
		if t.Mean != nil {
			mean = t.Mean[c]
		}
		plane := data[c*h*w : (c+1)*h*w]
		for i := range plane {
			plane[i] = im.Pix[i*Channels+src]*scale - mean
		}
	}
	return blob, nil
}

// Deprocess converts a [1, 3, H, W] or [3, H, W] blob back into an image.
// Values are not clamped.
func (t *Transformer) Deprocess(blob *tensor.Tensor) (*Image, error) {
	s := blob.Shape()
	if len(s) == 4 {
		if s[0] != 1 {
			return nil, fmt.Errorf("deprocess: expected a single image, got batch of %d", s[0])
		}
		s = s[1:]
	}
	if len(s) != 3 || s[0] != Channels {
		return nil, fmt.Errorf("%w: deprocess expects [%d, H, W], got %v", ErrChannelMismatch, Channels, blob.Shape())
	}
	if err := t.Validate(Channels); err != nil {
		return nil, err
	}

	h, w := s[1], s[2]
	im := NewImage(h, w)
	data := blob.Data()
	scale := t.scale()

	for c := 0; c < Channels; c++ {
		dst := t.source(c)
		var mean float32
		if t.Mean != nil {
			mean = t.Mean[c]
		}
		plane := data[c*h*w : (c+1)*h*w]
		for i, v := range plane {
			im.Pix[i*Channels+dst] = (v + mean) / scale
		}
	}
	return im, nil
}

// Prepare resizes an image to size x size and center-crops it to the
// network input, the single-crop equivalent of a Caffe classifier.
func Prepare(im *Image, size, cropH, cropW int) (*Image, error) {
	if size > 0 {
		im = Resize(im, size, size)
	}
	return CenterCrop(im, cropH, cropW)
}
