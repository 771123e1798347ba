package nn

import (
	"fmt"

	"github.com/born-ml/saliency/internal/tensor"
)

// Parameter represents a frozen parameter (weight or bias) of a layer.
//
// The expected shape is fixed by the layer's Setup; the values arrive later
// from a weight file through Load.
//
// Example:
//
//	weight := nn.NewParameter("weight", tensor.Shape{96, 3, 11, 11})
//	if err := weight.Load(fromFile); err != nil { ... }
type Parameter struct {
	name   string
	shape  tensor.Shape
	tensor *tensor.Tensor
	loaded bool
}

// NewParameter creates a zero-valued parameter of the given shape.
func NewParameter(name string, shape tensor.Shape) *Parameter {
	return &Parameter{
		name:   name,
		shape:  shape.Clone(),
		tensor: tensor.Zeros(shape),
	}
}

// Name returns the parameter name (e.g. "weight", "bias").
func (p *Parameter) Name() string {
	return p.name
}

// Shape returns the expected parameter shape.
func (p *Parameter) Shape() tensor.Shape {
	return p.shape
}

// Tensor returns the parameter tensor.
func (p *Parameter) Tensor() *tensor.Tensor {
	return p.tensor
}

// Loaded reports whether Load has succeeded.
func (p *Parameter) Loaded() bool {
	return p.loaded
}

// Accepts reports whether a tensor of the given shape can be loaded: the
// shapes must agree once size-1 dimensions are dropped, so a [N,C,1,1]
// inner-product weight fits [N,C] but a transposed [C,N] does not.
func (p *Parameter) Accepts(shape tensor.Shape) bool {
	return shape.Squeeze().Equal(p.shape.Squeeze())
}

// Load replaces the parameter values. t must satisfy Accepts and is
// reshaped to the parameter shape.
func (p *Parameter) Load(t *tensor.Tensor) error {
	if !p.Accepts(t.Shape()) {
		return fmt.Errorf("parameter %s: expected shape %v, got %v", p.name, p.shape, t.Shape())
	}
	reshaped, err := t.Reshape(p.shape...)
	if err != nil {
		return fmt.Errorf("parameter %s: %w", p.name, err)
	}
	p.tensor = reshaped
	p.loaded = true
	return nil
}
