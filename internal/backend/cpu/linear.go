package cpu

import (
	"fmt"

	"github.com/born-ml/saliency/internal/tensor"
)

// Linear computes a fully connected layer (Caffe InnerProduct).
//
//	output = input @ weight^T + bias
//
// Input shape:  [batch, in_features]
// Weight shape: [out_features, in_features]
// Bias shape:   [out_features] (may be nil)
// Output shape: [batch, out_features]
func (cpu *CPUBackend) Linear(input, weight, bias *tensor.Tensor) *tensor.Tensor {
	inShape := input.Shape()
	wShape := weight.Shape()
	if len(inShape) != 2 || len(wShape) != 2 {
		panic(fmt.Sprintf("linear: expected 2D input and weight, got %v and %v", inShape, wShape))
	}

	batch, inFeatures := inShape[0], inShape[1]
	outFeatures := wShape[0]
	if wShape[1] != inFeatures {
		panic(fmt.Sprintf("linear: input has %d features, weight expects %d", inFeatures, wShape[1]))
	}

	output := tensor.Zeros(tensor.Shape{batch, outFeatures})
	x := input.Data()
	w := weight.Data()
	y := output.Data()

	for n := 0; n < batch; n++ {
		row := x[n*inFeatures : (n+1)*inFeatures]
		for o := 0; o < outFeatures; o++ {
			wRow := w[o*inFeatures : (o+1)*inFeatures]
			var sum float32
			if bias != nil {
				sum = bias.Data()[o]
			}
			for i, v := range row {
				sum += v * wRow[i]
			}
			y[n*outFeatures+o] = sum
		}
	}

	return output
}

// LinearInputBackward computes the Linear input gradient.
//
//	dx = dy @ weight
func (cpu *CPUBackend) LinearInputBackward(grad, weight *tensor.Tensor) *tensor.Tensor {
	gShape := grad.Shape()
	wShape := weight.Shape()
	batch, outFeatures := gShape[0], gShape[1]
	inFeatures := wShape[1]
	if wShape[0] != outFeatures {
		panic(fmt.Sprintf("LinearInputBackward: grad has %d features, weight has %d outputs", outFeatures, wShape[0]))
	}

	inputGrad := tensor.Zeros(tensor.Shape{batch, inFeatures})
	dy := grad.Data()
	w := weight.Data()
	dx := inputGrad.Data()

	for n := 0; n < batch; n++ {
		dxRow := dx[n*inFeatures : (n+1)*inFeatures]
		for o := 0; o < outFeatures; o++ {
			g := dy[n*outFeatures+o]
			if g == 0 {
				continue
			}
			wRow := w[o*inFeatures : (o+1)*inFeatures]
			for i, wv := range wRow {
				dxRow[i] += g * wv
			}
		}
	}

	return inputGrad
}
