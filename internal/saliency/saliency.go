// Package saliency computes image-specific class saliency maps from input
// gradients (Simonyan et al., "Deep Inside Convolutional Networks").
package saliency

import (
	"errors"
	"fmt"

	"github.com/born-ml/saliency/internal/tensor"
)

// Saliency errors.
var (
	ErrLabelOutOfRange   = errors.New("label out of range")
	ErrTargetLength      = errors.New("target vector has wrong length")
	ErrNotOneHot         = errors.New("target vector is not one-hot")
	ErrNonFiniteGradient = errors.New("gradient contains NaN or Inf")
	ErrLabelCount        = errors.New("label count does not match network output")
)

// NewOneHot returns a [1, n] target vector with a 1 at index k.
func NewOneHot(n, k int) (*tensor.Tensor, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d labels", ErrTargetLength, n)
	}
	if k < 0 || k >= n {
		return nil, fmt.Errorf("%w: label %d not in [0, %d)", ErrLabelOutOfRange, k, n)
	}
	v := tensor.Zeros(tensor.Shape{1, n})
	v.Data()[k] = 1
	return v, nil
}

// ValidateOneHot checks that v has exactly n elements: one 1 and n-1 zeros.
func ValidateOneHot(v *tensor.Tensor, n int) error {
	if v.NumElements() != n {
		return fmt.Errorf("%w: want %d, got %d", ErrTargetLength, n, v.NumElements())
	}
	ones := 0
	for i, x := range v.Data() {
		switch x {
		case 0:
		case 1:
			ones++
		default:
			return fmt.Errorf("%w: element %d is %g", ErrNotOneHot, i, x)
		}
	}
	if ones != 1 {
		return fmt.Errorf("%w: %d non-zero elements", ErrNotOneHot, ones)
	}
	return nil
}

// Normalize min-max scales delta to [0, 1] into a new tensor of the same shape.
//
// When every element is equal the result is all zeros and degenerate is
// true. Non-finite input is rejected.
func Normalize(delta *tensor.Tensor) (norm *tensor.Tensor, degenerate bool, err error) {
	if delta.NumElements() == 0 {
		return nil, false, fmt.Errorf("normalize: empty gradient")
	}
	if !delta.IsFinite() {
		return nil, false, ErrNonFiniteGradient
	}

	// float64 so hi-lo cannot overflow for any finite float32 pair
	lo, hi := float64(delta.Min()), float64(delta.Max())
	norm = tensor.Zeros(delta.Shape())
	span := hi - lo
	if span == 0 {
		return norm, true, nil
	}

	out := norm.Data()
	for i, v := range delta.Data() {
		out[i] = float32((float64(v) - lo) / span)
	}
	return norm, false, nil
}

// ChannelMax reduces a [N, C, H, W] tensor to [N, H, W] by taking the
// maximum over channels.
func ChannelMax(t *tensor.Tensor) (*tensor.Tensor, error) {
	s := t.Shape()
	if len(s) != 4 {
		return nil, fmt.Errorf("channel max: expected [N, C, H, W], got %v", s)
	}
	n, c, plane := s[0], s[1], s[2]*s[3]

	out := tensor.Zeros(tensor.Shape{n, s[2], s[3]})
	src, dst := t.Data(), out.Data()
	for b := 0; b < n; b++ {
		o := dst[b*plane : (b+1)*plane]
		copy(o, src[b*c*plane:b*c*plane+plane])
		for ch := 1; ch < c; ch++ {
			base := (b*c + ch) * plane
			for i := range o {
				o[i] = max(o[i], src[base+i])
			}
		}
	}
	return out, nil
}

// Compute normalizes delta and returns the [H, W] saliency map of the first
// batch item.
func Compute(delta *tensor.Tensor) (saliency *tensor.Tensor, degenerate bool, err error) {
	norm, degenerate, err := Normalize(delta)
	if err != nil {
		return nil, false, err
	}
	maps, err := ChannelMax(norm)
	if err != nil {
		return nil, false, err
	}

	s := maps.Shape()
	first, err := tensor.FromSlice(maps.Data()[:s[1]*s[2]], tensor.Shape{s[1], s[2]})
	if err != nil {
		return nil, false, err
	}
	return first, degenerate, nil
}
