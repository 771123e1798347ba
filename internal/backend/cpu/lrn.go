package cpu

import (
	"math"

	"github.com/born-ml/saliency/internal/tensor"
)

// LRN performs cross-channel local response normalization (Caffe
// ACROSS_CHANNELS, as in AlexNet/CaffeNet norm1/norm2).
//
//	scale[c] = k + alpha/size * sum_{c' in window(c)} x[c']^2
//	y[c]     = x[c] * scale[c]^-beta
//
// window(c) spans size channels centred on c, clipped at the edges.
// Returns the output and the scale tensor needed by LRNBackward.
func (cpu *CPUBackend) LRN(input *tensor.Tensor, size int, alpha, beta, k float32) (*tensor.Tensor, *tensor.Tensor) {
	N, C, H, W := dims4(input, "lrn")
	plane := H * W
	pre := (size - 1) / 2
	coeff := alpha / float32(size)

	scale := tensor.Zeros(input.Shape())
	output := tensor.Zeros(input.Shape())
	x := input.Data()
	s := scale.Data()
	y := output.Data()

	for n := 0; n < N; n++ {
		base := n * C * plane
		for c := 0; c < C; c++ {
			lo := max(c-pre, 0)
			hi := min(c-pre+size, C)
			for p := 0; p < plane; p++ {
				var sq float32
				for cc := lo; cc < hi; cc++ {
					v := x[base+cc*plane+p]
					sq += v * v
				}
				idx := base + c*plane + p
				s[idx] = k + coeff*sq
				y[idx] = x[idx] * pow32(s[idx], -beta)
			}
		}
	}

	return output, scale
}

// LRNBackward computes the LRN input gradient.
//
//	dx[c] = dy[c] * scale[c]^-beta
//	        - 2*alpha*beta/size * x[c] * sum_{c' : c in window(c')} dy[c'] * y[c'] / scale[c']
func (cpu *CPUBackend) LRNBackward(input, output, scale, grad *tensor.Tensor, size int, alpha, beta float32) *tensor.Tensor {
	N, C, H, W := dims4(input, "lrn backward")
	plane := H * W
	pre := (size - 1) / 2
	coeff := 2 * alpha * beta / float32(size)

	inputGrad := tensor.Zeros(input.Shape())
	x := input.Data()
	y := output.Data()
	s := scale.Data()
	dy := grad.Data()
	dx := inputGrad.Data()

	for n := 0; n < N; n++ {
		base := n * C * plane
		for c := 0; c < C; c++ {
			// Channel c contributes to the windows of c' in [c-(size-1-pre), c+pre]
			lo := max(c-(size-1-pre), 0)
			hi := min(c+pre+1, C)
			for p := 0; p < plane; p++ {
				idx := base + c*plane + p

				var acc float32
				for cc := lo; cc < hi; cc++ {
					j := base + cc*plane + p
					acc += dy[j] * y[j] / s[j]
				}
				dx[idx] = dy[idx]*pow32(s[idx], -beta) - coeff*x[idx]*acc
			}
		}
	}

	return inputGrad
}

func pow32(x, y float32) float32 {
	return float32(math.Pow(float64(x), float64(y)))
}
