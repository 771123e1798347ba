package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/saliency/internal/tensor"
)

// ReLU computes max(0, x), or x*negativeSlope for x <= 0 when
// negativeSlope is non-zero (Caffe's leaky variant).
func (cpu *CPUBackend) ReLU(input *tensor.Tensor, negativeSlope float32) *tensor.Tensor {
	output := tensor.Zeros(input.Shape())
	outData := output.Data()
	for i, v := range input.Data() {
		if v > 0 {
			outData[i] = v
		} else {
			outData[i] = v * negativeSlope
		}
	}
	return output
}

// ReLUBackward computes the ReLU input gradient.
//
//	dx = dy        where x > 0
//	dx = dy*slope  elsewhere
func (cpu *CPUBackend) ReLUBackward(input, grad *tensor.Tensor, negativeSlope float32) *tensor.Tensor {
	inputGrad := tensor.Zeros(input.Shape())
	gData := grad.Data()
	out := inputGrad.Data()
	for i, v := range input.Data() {
		if v > 0 {
			out[i] = gData[i]
		} else {
			out[i] = gData[i] * negativeSlope
		}
	}
	return inputGrad
}

// Softmax computes softmax along axis 1.
//
// For a [N, K] tensor this is the per-row class distribution. For
// [N, C, H, W] it normalizes over channels at every spatial position.
// The row maximum is subtracted before exponentiation for stability.
func (cpu *CPUBackend) Softmax(input *tensor.Tensor) *tensor.Tensor {
	outer, channels, inner := softmaxDims(input.Shape())
	output := tensor.Zeros(input.Shape())
	in := input.Data()
	out := output.Data()

	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			base := o*channels*inner + i

			maxVal := in[base]
			for c := 1; c < channels; c++ {
				if v := in[base+c*inner]; v > maxVal {
					maxVal = v
				}
			}

			var sum float64
			for c := 0; c < channels; c++ {
				e := math.Exp(float64(in[base+c*inner] - maxVal))
				out[base+c*inner] = float32(e)
				sum += e
			}
			for c := 0; c < channels; c++ {
				out[base+c*inner] = float32(float64(out[base+c*inner]) / sum)
			}
		}
	}

	return output
}

// SoftmaxBackward computes the softmax input gradient from the forward
// output y:
//
//	dx = y * (dy - sum_c(dy * y))
func (cpu *CPUBackend) SoftmaxBackward(output, grad *tensor.Tensor) *tensor.Tensor {
	outer, channels, inner := softmaxDims(output.Shape())
	inputGrad := tensor.Zeros(output.Shape())
	y := output.Data()
	dy := grad.Data()
	dx := inputGrad.Data()

	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			base := o*channels*inner + i

			var dot float32
			for c := 0; c < channels; c++ {
				idx := base + c*inner
				dot += dy[idx] * y[idx]
			}
			for c := 0; c < channels; c++ {
				idx := base + c*inner
				dx[idx] = y[idx] * (dy[idx] - dot)
			}
		}
	}

	return inputGrad
}

func softmaxDims(s tensor.Shape) (outer, channels, inner int) {
	if len(s) < 2 {
		panic(fmt.Sprintf("softmax: expected at least 2D input, got %dD", len(s)))
	}
	inner = 1
	for _, d := range s[2:] {
		inner *= d
	}
	return s[0], s[1], inner
}
