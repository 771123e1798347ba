package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/saliency/internal/tensor"
)

// PoolOutputSize returns the spatial output size of a pooling window using
// Caffe's ceil rounding.
//
//	out = ceil((in + 2*padding - kernel) / stride) + 1
//
// With padding, the last window must start inside the image (not inside the
// trailing pad), otherwise it is dropped.
func PoolOutputSize(in, kernel, stride, padding int) int {
	out := int(math.Ceil(float64(in+2*padding-kernel)/float64(stride))) + 1
	if padding > 0 && (out-1)*stride >= in+padding {
		out--
	}
	return out
}

// MaxPool2D performs 2D max pooling.
//
// Input shape:  [batch, channels, height, width]
// Output shape: [batch, channels, out_h, out_w]
//
// Returns the output and, for every output element, the flat index (into
// the input data) of the maximum. The indices are the cache that
// MaxPool2DBackward routes gradients through.
func (cpu *CPUBackend) MaxPool2D(input *tensor.Tensor, kernelSize, stride, padding int) (*tensor.Tensor, []int) {
	N, C, H, W := dims4(input, "maxpool2d")
	HOut := PoolOutputSize(H, kernelSize, stride, padding)
	WOut := PoolOutputSize(W, kernelSize, stride, padding)
	if HOut <= 0 || WOut <= 0 {
		panic(fmt.Sprintf("maxpool2d: invalid output dimensions: out_h=%d, out_w=%d", HOut, WOut))
	}

	output := tensor.Zeros(tensor.Shape{N, C, HOut, WOut})
	maxIndices := make([]int, output.NumElements())

	inputData := input.Data()
	outputData := output.Data()

	outIdx := 0
	for plane := 0; plane < N*C; plane++ {
		base := plane * H * W
		for oh := 0; oh < HOut; oh++ {
			hStart := oh*stride - padding
			hEnd := min(hStart+kernelSize, H)
			hStart = max(hStart, 0)

			for ow := 0; ow < WOut; ow++ {
				wStart := ow*stride - padding
				wEnd := min(wStart+kernelSize, W)
				wStart = max(wStart, 0)

				best := float32(math.Inf(-1))
				bestIdx := -1
				for h := hStart; h < hEnd; h++ {
					for w := wStart; w < wEnd; w++ {
						idx := base + h*W + w
						if bestIdx < 0 || inputData[idx] > best {
							best = inputData[idx]
							bestIdx = idx
						}
					}
				}

				outputData[outIdx] = best
				maxIndices[outIdx] = bestIdx
				outIdx++
			}
		}
	}

	return output, maxIndices
}

// MaxPool2DBackward computes gradient w.r.t. input for MaxPool2D.
//
// Algorithm: Route gradients to max positions.
//   - Gradients flow only to positions that had the max value in forward pass
//   - For each output position, only ONE input position receives gradient
//   - Overlapping windows (kernel > stride) may route several gradients to
//     the same input position; they accumulate
//
// Example (2x2 pool, stride=2):
//
//	Input:  [[1, 2],  Output: [4]  Input Grad: [[0, 0],
//	         [3, 4]]                             [0, grad]]
func (cpu *CPUBackend) MaxPool2DBackward(inputShape tensor.Shape, grad *tensor.Tensor, maxIndices []int) *tensor.Tensor {
	if len(maxIndices) != grad.NumElements() {
		panic(fmt.Sprintf("MaxPool2DBackward: maxIndices length %d != expected %d", len(maxIndices), grad.NumElements()))
	}

	inputGrad := tensor.Zeros(inputShape)
	inputGradData := inputGrad.Data()
	for i, g := range grad.Data() {
		inputGradData[maxIndices[i]] += g
	}
	return inputGrad
}

// AvgPool2D performs 2D average pooling.
//
// Each window is divided by its size clipped to the padded extent
// (Caffe AVE semantics): pad cells count, cells past the pad do not.
func (cpu *CPUBackend) AvgPool2D(input *tensor.Tensor, kernelSize, stride, padding int) *tensor.Tensor {
	N, C, H, W := dims4(input, "avgpool2d")
	HOut := PoolOutputSize(H, kernelSize, stride, padding)
	WOut := PoolOutputSize(W, kernelSize, stride, padding)
	if HOut <= 0 || WOut <= 0 {
		panic(fmt.Sprintf("avgpool2d: invalid output dimensions: out_h=%d, out_w=%d", HOut, WOut))
	}

	output := tensor.Zeros(tensor.Shape{N, C, HOut, WOut})
	inputData := input.Data()
	outputData := output.Data()

	outIdx := 0
	for plane := 0; plane < N*C; plane++ {
		base := plane * H * W
		for oh := 0; oh < HOut; oh++ {
			for ow := 0; ow < WOut; ow++ {
				hStart, hEnd, wStart, wEnd, size := avgWindow(oh, ow, H, W, kernelSize, stride, padding)

				var sum float32
				for h := hStart; h < hEnd; h++ {
					for w := wStart; w < wEnd; w++ {
						sum += inputData[base+h*W+w]
					}
				}
				outputData[outIdx] = sum / float32(size)
				outIdx++
			}
		}
	}

	return output
}

// AvgPool2DBackward spreads each output gradient uniformly over its window.
func (cpu *CPUBackend) AvgPool2DBackward(inputShape tensor.Shape, grad *tensor.Tensor, kernelSize, stride, padding int) *tensor.Tensor {
	H := inputShape[2]
	W := inputShape[3]
	gradShape := grad.Shape()
	HOut := gradShape[2]
	WOut := gradShape[3]

	inputGrad := tensor.Zeros(inputShape)
	inputGradData := inputGrad.Data()
	gradData := grad.Data()

	outIdx := 0
	for plane := 0; plane < inputShape[0]*inputShape[1]; plane++ {
		base := plane * H * W
		for oh := 0; oh < HOut; oh++ {
			for ow := 0; ow < WOut; ow++ {
				hStart, hEnd, wStart, wEnd, size := avgWindow(oh, ow, H, W, kernelSize, stride, padding)
				share := gradData[outIdx] / float32(size)
				for h := hStart; h < hEnd; h++ {
					for w := wStart; w < wEnd; w++ {
						inputGradData[base+h*W+w] += share
					}
				}
				outIdx++
			}
		}
	}

	return inputGrad
}

// avgWindow returns the clipped window bounds and the divisor for one
// average-pooling output position.
func avgWindow(oh, ow, H, W, kernelSize, stride, padding int) (hStart, hEnd, wStart, wEnd, size int) {
	hStart = oh*stride - padding
	wStart = ow*stride - padding
	hEnd = min(hStart+kernelSize, H+padding)
	wEnd = min(wStart+kernelSize, W+padding)
	size = (hEnd - hStart) * (wEnd - wStart)

	hStart = max(hStart, 0)
	wStart = max(wStart, 0)
	hEnd = min(hEnd, H)
	wEnd = min(wEnd, W)
	return hStart, hEnd, wStart, wEnd, size
}

func dims4(t *tensor.Tensor, op string) (n, c, h, w int) {
	s := t.Shape()
	if len(s) != 4 {
		panic(fmt.Sprintf("%s: input must be 4D [N,C,H,W], got %dD", op, len(s)))
	}
	return s[0], s[1], s[2], s[3]
}
