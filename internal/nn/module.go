// Package nn implements the frozen network layers of the saliency engine.
//
// This package provides the Caffe deploy layer set:
//   - Conv2D: grouped convolution ("Convolution")
//   - Pool2D: max / average pooling ("Pooling")
//   - ReLU, Softmax: activations
//   - LRN: cross-channel local response normalization
//   - Linear: fully connected layer ("InnerProduct")
//   - Dropout: identity at inference
//
// Layers are inference-only: Backward returns the gradient with respect to
// the layer input and never touches the parameters.
package nn

import (
	"errors"

	"github.com/born-ml/saliency/internal/tensor"
)

// ErrInvalidConfig is returned when a layer is constructed with parameters
// that cannot describe a valid layer.
var ErrInvalidConfig = errors.New("invalid layer configuration")

// Module is the base interface for all network layers.
//
// The lifecycle is:
//  1. Setup with the input shape: validates the layer against it,
//     allocates parameters and reports the output shape
//  2. Parameters are filled from a weight file
//  3. Forward / Backward any number of times
type Module interface {
	// Name returns the layer name, unique within a network.
	Name() string

	// Type returns the layer type name (e.g. "Convolution").
	Type() string

	// Setup prepares the layer for inputs of the given shape and returns the
	// output shape.
	Setup(input tensor.Shape) (tensor.Shape, error)

	// Forward computes the output of the layer and returns it together with
	// whatever the layer needs to run Backward.
	Forward(input *tensor.Tensor) *Context

	// Backward computes the gradient w.r.t. the input of the forward call
	// that produced ctx, given the gradient w.r.t. its output.
	Backward(ctx *Context, grad *tensor.Tensor) *tensor.Tensor

	// Parameters returns the layer parameters (nil for parameter-free layers).
	Parameters() []*Parameter
}

// Context is the record of one layer's forward computation.
type Context struct {
	Input  *tensor.Tensor
	Output *tensor.Tensor

	indices []int          // argmax positions (max pooling)
	aux     *tensor.Tensor // layer-specific intermediate (LRN scale)
}

func newContext(input, output *tensor.Tensor) *Context {
	return &Context{Input: input, Output: output}
}
