package cpu

import (
	"fmt"

	"github.com/born-ml/saliency/internal/tensor"
)

// ConvOutputSize returns the spatial output size of a convolution.
//
//	out = (in + 2*padding - kernel) / stride + 1
func ConvOutputSize(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}

// Conv2D performs grouped 2D convolution using the im2col algorithm.
//
// Input shape:  [batch, in_channels, height, width]
// Kernel shape: [out_channels, in_channels/groups, kernel_h, kernel_w]
// Bias shape:   [out_channels] (may be nil)
// Output shape: [batch, out_channels, out_h, out_w]
//
// Channels are split into `groups` equal slices; output slice g only sees
// input slice g (Caffe's "group" parameter, used by CaffeNet conv2/4/5).
//
// Algorithm: Im2col
//  1. For each (batch, group) transform input patches into rows of colBuf
//  2. Multiply the group's kernel matrix with the column matrix
//  3. Add bias
func (cpu *CPUBackend) Conv2D(input, kernel, bias *tensor.Tensor, stride, padding, groups int) *tensor.Tensor {
	inputShape := input.Shape()
	kernelShape := kernel.Shape()

	if len(inputShape) != 4 {
		panic(fmt.Sprintf("conv2d: input must be 4D [N,C,H,W], got %dD", len(inputShape)))
	}
	if len(kernelShape) != 4 {
		panic(fmt.Sprintf("conv2d: kernel must be 4D [C_out,C_in/g,K_h,K_w], got %dD", len(kernelShape)))
	}
	if groups <= 0 {
		panic(fmt.Sprintf("conv2d: invalid groups %d", groups))
	}

	N := inputShape[0]     // batch size
	CIn := inputShape[1]   // input channels
	H := inputShape[2]     // input height
	W := inputShape[3]     // input width
	COut := kernelShape[0] // output channels
	KH := kernelShape[2]   // kernel height
	KW := kernelShape[3]   // kernel width

	if CIn%groups != 0 || COut%groups != 0 {
		panic(fmt.Sprintf("conv2d: channels in=%d out=%d not divisible by groups=%d", CIn, COut, groups))
	}
	if kernelShape[1] != CIn/groups {
		panic(fmt.Sprintf("conv2d: kernel expects %d input channels per group, input has %d", kernelShape[1], CIn/groups))
	}
	if bias != nil && bias.NumElements() != COut {
		panic(fmt.Sprintf("conv2d: bias has %d elements, expected %d", bias.NumElements(), COut))
	}

	HOut := ConvOutputSize(H, KH, stride, padding)
	WOut := ConvOutputSize(W, KW, stride, padding)
	if HOut <= 0 || WOut <= 0 {
		panic(fmt.Sprintf("conv2d: invalid output dimensions: out_h=%d, out_w=%d (check stride/padding)", HOut, WOut))
	}

	output := tensor.Zeros(tensor.Shape{N, COut, HOut, WOut})

	inputData := input.Data()
	kernelData := kernel.Data()
	outputData := output.Data()

	cInG := CIn / groups
	cOutG := COut / groups
	colWidth := cInG * KH * KW
	colHeight := HOut * WOut
	colBuf := make([]float32, colHeight*colWidth)

	for n := 0; n < N; n++ {
		for g := 0; g < groups; g++ {
			// Input slice for (n, g): channels [g*cInG, (g+1)*cInG)
			inOffset := (n*CIn + g*cInG) * H * W
			im2col(colBuf, inputData[inOffset:inOffset+cInG*H*W], cInG, H, W, KH, KW, HOut, WOut, stride, padding)

			for oc := 0; oc < cOutG; oc++ {
				co := g*cOutG + oc
				kernelRow := kernelData[co*colWidth : (co+1)*colWidth]
				outPlane := outputData[(n*COut+co)*colHeight : (n*COut+co+1)*colHeight]

				var b float32
				if bias != nil {
					b = bias.Data()[co]
				}

				for j := 0; j < colHeight; j++ {
					col := colBuf[j*colWidth : (j+1)*colWidth]
					sum := b
					for k, w := range kernelRow {
						sum += w * col[k]
					}
					outPlane[j] = sum
				}
			}
		}
	}

	return output
}

// im2col transforms one [C, H, W] plane stack into a column matrix.
//
// Output: colBuf [H_out * W_out, C * K_h * K_w]
//
// Each row of colBuf corresponds to one output position.
// Each column corresponds to one kernel weight.
// Positions that fall into the zero padding are written as 0.
func im2col(colBuf, inputData []float32, C, H, W, KH, KW, HOut, WOut, stride, padding int) {
	colWidth := C * KH * KW
	row := 0

	for outH := 0; outH < HOut; outH++ {
		for outW := 0; outW < WOut; outW++ {
			// Top-left corner in input space
			hStart := outH*stride - padding
			wStart := outW*stride - padding
			bufIdx := row * colWidth

			for c := 0; c < C; c++ {
				for kh := 0; kh < KH; kh++ {
					for kw := 0; kw < KW; kw++ {
						h := hStart + kh
						w := wStart + kw

						if h >= 0 && h < H && w >= 0 && w < W {
							colBuf[bufIdx] = inputData[c*H*W+h*W+w]
						} else {
							colBuf[bufIdx] = 0
						}
						bufIdx++
					}
				}
			}
			row++
		}
	}
}
