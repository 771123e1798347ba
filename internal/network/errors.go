package network

import (
	"errors"
	"fmt"

	"github.com/born-ml/saliency/internal/tensor"
)

// Network errors.
var (
	// ErrForceBackwardDisabled is returned when an architecture does not set
	// force_backward: true, so no gradient would reach the input layer.
	ErrForceBackwardDisabled = errors.New("architecture must set force_backward: true")

	// ErrInvalidArchitecture is returned for structurally broken architecture files.
	ErrInvalidArchitecture = errors.New("invalid architecture")

	// ErrUnknownLayerType is returned for layer types the engine does not implement.
	ErrUnknownLayerType = errors.New("unknown layer type")

	// ErrMissingWeight is returned when a layer parameter has no tensor in the weight file.
	ErrMissingWeight = errors.New("missing weight")

	// ErrForeignActivations is returned when Backward is given activations
	// produced by a different network.
	ErrForeignActivations = errors.New("activations were not produced by this network")
)

// ShapeError reports a tensor whose shape does not match what an operation expects.
type ShapeError struct {
	Op   string
	Want tensor.Shape
	Got  tensor.Shape
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: shape mismatch: want %v, got %v", e.Op, e.Want, e.Got)
}

// LayerError attaches the offending layer to an error raised while building
// or loading a network.
type LayerError struct {
	Layer string
	Type  string
	Err   error
}

func (e *LayerError) Error() string {
	return fmt.Sprintf("layer %q (%s): %v", e.Layer, e.Type, e.Err)
}

func (e *LayerError) Unwrap() error {
	return e.Err
}
