package cpu

import (
	"fmt"

	"github.com/born-ml/saliency/internal/tensor"
)

// Conv2DInputBackward computes the gradient w.r.t. the convolution input.
//
// Algorithm: transposed convolution via col2im.
//   - For each (batch, group) build the column gradient
//     colGrad[j, k] = sum_co grad[co, j] * kernel[co, k]
//   - Scatter-add colGrad back into the input positions it was read from
//
// Positions that were padding in the forward pass receive nothing.
//
// References:
//   - "A guide to convolution arithmetic for deep learning" (Dumoulin & Visin, 2016)
func (cpu *CPUBackend) Conv2DInputBackward(inputShape tensor.Shape, kernel, grad *tensor.Tensor, stride, padding, groups int) *tensor.Tensor {
	kernelShape := kernel.Shape()
	gradShape := grad.Shape()

	if len(inputShape) != 4 || len(gradShape) != 4 {
		panic(fmt.Sprintf("Conv2DInputBackward: expected 4D input and grad, got %v and %v", inputShape, gradShape))
	}

	N := inputShape[0]
	CIn := inputShape[1]
	H := inputShape[2]
	W := inputShape[3]
	COut := kernelShape[0]
	KH := kernelShape[2]
	KW := kernelShape[3]
	HOut := gradShape[2]
	WOut := gradShape[3]

	if gradShape[0] != N || gradShape[1] != COut {
		panic(fmt.Sprintf("Conv2DInputBackward: grad shape %v does not match batch %d / out channels %d", gradShape, N, COut))
	}

	inputGrad := tensor.Zeros(inputShape)
	inputGradData := inputGrad.Data()
	gradData := grad.Data()
	kernelData := kernel.Data()

	cInG := CIn / groups
	cOutG := COut / groups
	colWidth := cInG * KH * KW
	colHeight := HOut * WOut
	colGrad := make([]float32, colHeight*colWidth)

	for n := 0; n < N; n++ {
		for g := 0; g < groups; g++ {
			for i := range colGrad {
				colGrad[i] = 0
			}

			for oc := 0; oc < cOutG; oc++ {
				co := g*cOutG + oc
				kernelRow := kernelData[co*colWidth : (co+1)*colWidth]
				gradPlane := gradData[(n*COut+co)*colHeight : (n*COut+co+1)*colHeight]

				for j, gv := range gradPlane {
					if gv == 0 {
						continue
					}
					col := colGrad[j*colWidth : (j+1)*colWidth]
					for k, w := range kernelRow {
						col[k] += gv * w
					}
				}
			}

			inOffset := (n*CIn + g*cInG) * H * W
			col2im(inputGradData[inOffset:inOffset+cInG*H*W], colGrad, cInG, H, W, KH, KW, HOut, WOut, stride, padding)
		}
	}

	return inputGrad
}

// col2im is the adjoint of im2col: it accumulates column entries back into
// the [C, H, W] positions they were gathered from.
func col2im(dst, colBuf []float32, C, H, W, KH, KW, HOut, WOut, stride, padding int) {
	colWidth := C * KH * KW
	row := 0

	for outH := 0; outH < HOut; outH++ {
		for outW := 0; outW < WOut; outW++ {
			hStart := outH*stride - padding
			wStart := outW*stride - padding
			bufIdx := row * colWidth

			for c := 0; c < C; c++ {
				for kh := 0; kh < KH; kh++ {
					for kw := 0; kw < KW; kw++ {
						h := hStart + kh
						w := wStart + kw

						if h >= 0 && h < H && w >= 0 && w < W {
							dst[c*H*W+h*W+w] += colBuf[bufIdx]
						}
						bufIdx++
					}
				}
			}
			row++
		}
	}
}
