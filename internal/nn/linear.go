package nn

import (
	"fmt"

	"github.com/born-ml/saliency/internal/backend/cpu"
	"github.com/born-ml/saliency/internal/tensor"
)

// Linear is a fully connected layer (Caffe InnerProduct).
//
// Inputs of any rank are flattened to [batch, features] first, so a
// Linear can follow a convolution or pooling layer directly.
//
// Weight shape: [out_features, in_features]
// Bias shape:   [out_features]
// Output shape: [batch, out_features]
type Linear struct {
	name        string
	outFeatures int
	useBias     bool

	weight *Parameter
	bias   *Parameter

	backend *cpu.CPUBackend
}

// NewLinear creates a fully connected layer. Parameters are allocated by Setup.
func NewLinear(name string, outFeatures int, useBias bool, backend *cpu.CPUBackend) (*Linear, error) {
	if outFeatures <= 0 {
		return nil, fmt.Errorf("%w: inner product %s: num_output must be > 0, got %d", ErrInvalidConfig, name, outFeatures)
	}
	return &Linear{name: name, outFeatures: outFeatures, useBias: useBias, backend: backend}, nil
}

// Name returns the layer name.
func (l *Linear) Name() string { return l.name }

// Type returns "InnerProduct".
func (l *Linear) Type() string { return "InnerProduct" }

// Setup allocates weight [out, prod(input[1:])] and bias [out].
func (l *Linear) Setup(input tensor.Shape) (tensor.Shape, error) {
	if len(input) < 2 {
		return nil, fmt.Errorf("inner product %s: expected at least 2D input, got %v", l.name, input)
	}
	inFeatures := input[1:].NumElements()

	l.weight = NewParameter("weight", tensor.Shape{l.outFeatures, inFeatures})
	if l.useBias {
		l.bias = NewParameter("bias", tensor.Shape{l.outFeatures})
	}
	return tensor.Shape{input[0], l.outFeatures}, nil
}

// Forward flattens the input and applies the affine map.
func (l *Linear) Forward(input *tensor.Tensor) *Context {
	flat := l.flatten(input)
	var bias *tensor.Tensor
	if l.bias != nil {
		bias = l.bias.Tensor()
	}
	return newContext(input, l.backend.Linear(flat, l.weight.Tensor(), bias))
}

// Backward returns the input gradient in the original input shape.
func (l *Linear) Backward(ctx *Context, grad *tensor.Tensor) *tensor.Tensor {
	dx := l.backend.LinearInputBackward(grad, l.weight.Tensor())
	out, err := dx.Reshape(ctx.Input.Shape()...)
	if err != nil {
		panic(fmt.Sprintf("inner product %s: %v", l.name, err))
	}
	return out
}

// Parameters returns weight and, if enabled, bias.
func (l *Linear) Parameters() []*Parameter {
	if l.weight == nil {
		return nil
	}
	if l.bias == nil {
		return []*Parameter{l.weight}
	}
	return []*Parameter{l.weight, l.bias}
}

func (l *Linear) flatten(input *tensor.Tensor) *tensor.Tensor {
	s := input.Shape()
	if len(s) == 2 {
		return input
	}
	flat, err := input.Reshape(s[0], s[1:].NumElements())
	if err != nil {
		panic(fmt.Sprintf("inner product %s: %v", l.name, err))
	}
	return flat
}

// String returns a string representation of the layer.
func (l *Linear) String() string {
	return fmt.Sprintf("Linear(%s, out=%d)", l.name, l.outFeatures)
}
