package nn

import (
	"fmt"

	"github.com/born-ml/saliency/internal/backend/cpu"
	"github.com/born-ml/saliency/internal/tensor"
)

// ReLU is a Rectified Linear Unit activation module.
//
// Applies the element-wise function: f(x) = max(0, x), or x*slope for
// x <= 0 when a negative slope is configured.
type ReLU struct {
	name          string
	negativeSlope float32
	backend       *cpu.CPUBackend
}

// NewReLU creates a new ReLU activation module.
func NewReLU(name string, negativeSlope float32, backend *cpu.CPUBackend) *ReLU {
	return &ReLU{name: name, negativeSlope: negativeSlope, backend: backend}
}

// Name returns the layer name.
func (r *ReLU) Name() string { return r.name }

// Type returns "ReLU".
func (r *ReLU) Type() string { return "ReLU" }

// Setup accepts any shape; the output shape equals the input shape.
func (r *ReLU) Setup(input tensor.Shape) (tensor.Shape, error) {
	return input.Clone(), nil
}

// Forward applies the activation.
func (r *ReLU) Forward(input *tensor.Tensor) *Context {
	return newContext(input, r.backend.ReLU(input, r.negativeSlope))
}

// Backward masks the gradient with the sign of the forward input.
func (r *ReLU) Backward(ctx *Context, grad *tensor.Tensor) *tensor.Tensor {
	return r.backend.ReLUBackward(ctx.Input, grad, r.negativeSlope)
}

// Parameters returns nil (ReLU has no trainable parameters).
func (r *ReLU) Parameters() []*Parameter { return nil }

// Softmax normalizes scores into a distribution along axis 1.
type Softmax struct {
	name    string
	backend *cpu.CPUBackend
}

// NewSoftmax creates a new Softmax module.
func NewSoftmax(name string, backend *cpu.CPUBackend) *Softmax {
	return &Softmax{name: name, backend: backend}
}

// Name returns the layer name.
func (s *Softmax) Name() string { return s.name }

// Type returns "Softmax".
func (s *Softmax) Type() string { return "Softmax" }

// Setup requires at least a [N, K] input.
func (s *Softmax) Setup(input tensor.Shape) (tensor.Shape, error) {
	if len(input) < 2 {
		return nil, fmt.Errorf("softmax %s: expected at least 2D input, got %v", s.name, input)
	}
	return input.Clone(), nil
}

// Forward computes the softmax.
func (s *Softmax) Forward(input *tensor.Tensor) *Context {
	return newContext(input, s.backend.Softmax(input))
}

// Backward uses the cached output distribution.
func (s *Softmax) Backward(ctx *Context, grad *tensor.Tensor) *tensor.Tensor {
	return s.backend.SoftmaxBackward(ctx.Output, grad)
}

// Parameters returns nil.
func (s *Softmax) Parameters() []*Parameter { return nil }

// Dropout is the identity at inference time. It exists so deploy files
// that still list dropout layers load unchanged.
type Dropout struct {
	name  string
	ratio float32
}

// NewDropout creates a Dropout module. The ratio is validated but unused.
func NewDropout(name string, ratio float32) (*Dropout, error) {
	if ratio < 0 || ratio >= 1 {
		return nil, fmt.Errorf("%w: dropout %s: ratio %.3f outside [0,1)", ErrInvalidConfig, name, ratio)
	}
	return &Dropout{name: name, ratio: ratio}, nil
}

// Name returns the layer name.
func (d *Dropout) Name() string { return d.name }

// Type returns "Dropout".
func (d *Dropout) Type() string { return "Dropout" }

// Setup returns the input shape.
func (d *Dropout) Setup(input tensor.Shape) (tensor.Shape, error) {
	return input.Clone(), nil
}

// Forward passes the input through.
func (d *Dropout) Forward(input *tensor.Tensor) *Context {
	return newContext(input, input)
}

// Backward passes the gradient through.
func (d *Dropout) Backward(_ *Context, grad *tensor.Tensor) *tensor.Tensor {
	return grad
}

// Parameters returns nil.
func (d *Dropout) Parameters() []*Parameter { return nil }
