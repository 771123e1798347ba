// Package network assembles nn layers into a feed-forward deploy network and
// runs forward and backward passes over it.
//
// A Network is built from an Architecture, filled from a WeightSource and is
// immutable afterwards. Forward returns an Activations value that carries
// every intermediate blob; Backward consumes it, so a single network can
// serve any number of independent forward/backward pairs.
package network

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/born-ml/saliency/internal/backend/cpu"
	"github.com/born-ml/saliency/internal/loader"
	"github.com/born-ml/saliency/internal/nn"
	"github.com/born-ml/saliency/internal/tensor"
)

// WeightSource provides parameter tensors by name.
//
// *loader.SafeTensorsReader satisfies it.
type WeightSource interface {
	TensorNames() []string
	LoadTensor(name string) (*tensor.Tensor, error)
}

// MapWeights is an in-memory WeightSource.
type MapWeights map[string]*tensor.Tensor

// TensorNames returns the sorted tensor names.
func (m MapWeights) TensorNames() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadTensor returns the named tensor.
func (m MapWeights) LoadTensor(name string) (*tensor.Tensor, error) {
	t, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", loader.ErrTensorNotFound, name)
	}
	return t, nil
}

// WeightKey returns the weight-file key of a layer parameter, e.g. "conv1.weight".
func WeightKey(layer, param string) string {
	return layer + "." + param
}

// Network is a sequential stack of layers with a single input blob.
type Network struct {
	name      string
	inputName string
	input     tensor.Shape // declared input shape
	layers    []nn.Module
	shapes    []tensor.Shape // output shape of each layer for the declared input
	logger    *slog.Logger
}

// Build creates a network from an architecture. Parameters are allocated
// but zero; call LoadWeights before use.
func Build(arch *Architecture, logger *slog.Logger) (*Network, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	backend := cpu.New()
	net := &Network{
		name:      arch.Name,
		inputName: arch.InputName(),
		input:     arch.Input.Shape(),
		layers:    make([]nn.Module, 0, len(arch.Layers)),
		shapes:    make([]tensor.Shape, 0, len(arch.Layers)),
		logger:    logger,
	}

	shape := net.input
	for _, spec := range arch.Layers {
		layer, err := newLayer(spec, backend)
		if err != nil {
			return nil, &LayerError{Layer: spec.Name, Type: spec.Type, Err: err}
		}
		out, err := layer.Setup(shape)
		if err != nil {
			return nil, &LayerError{Layer: spec.Name, Type: spec.Type, Err: err}
		}
		logger.Debug("layer", "name", spec.Name, "type", spec.Type, "in", shape.String(), "out", out.String())

		net.layers = append(net.layers, layer)
		net.shapes = append(net.shapes, out)
		shape = out
	}
	logger.Debug("network built", "name", net.name, "backend", backend.Name(), "layers", len(net.layers))

	return net, nil
}

// Load builds a network from an architecture file and a safetensors weight file.
func Load(archPath, weightsPath string, logger *slog.Logger) (*Network, error) {
	arch, err := LoadArchitecture(archPath)
	if err != nil {
		return nil, err
	}
	net, err := Build(arch, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", archPath, err)
	}

	weights, err := loader.NewSafeTensorsReader(weightsPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = weights.Close() // Read-only file
	}()

	if err := net.LoadWeights(weights); err != nil {
		return nil, fmt.Errorf("%s: %w", weightsPath, err)
	}
	return net, nil
}

// LoadWeights fills every layer parameter from src.
//
// Every parameter must be present with a matching shape; size-1 dimensions
// are ignored. Tensors in src that no layer consumes are logged and ignored.
func (n *Network) LoadWeights(src WeightSource) error {
	used := make(map[string]bool)
	for _, layer := range n.layers {
		for _, p := range layer.Parameters() {
			key := WeightKey(layer.Name(), p.Name())
			t, err := src.LoadTensor(key)
			if err != nil {
				if errors.Is(err, loader.ErrTensorNotFound) {
					err = fmt.Errorf("%w: %s", ErrMissingWeight, key)
				}
				return &LayerError{Layer: layer.Name(), Type: layer.Type(), Err: err}
			}
			if !p.Accepts(t.Shape()) {
				return &LayerError{Layer: layer.Name(), Type: layer.Type(), Err: &ShapeError{
					Op: "load " + key, Want: p.Shape(), Got: t.Shape(),
				}}
			}
			if err := p.Load(t); err != nil {
				return &LayerError{Layer: layer.Name(), Type: layer.Type(), Err: err}
			}
			used[key] = true
		}
	}

	var unused []string
	for _, name := range src.TensorNames() {
		if !used[name] {
			unused = append(unused, name)
		}
	}
	if len(unused) > 0 {
		n.logger.Warn("ignoring unused weight tensors", "count", len(unused), "names", unused)
	}
	n.logger.Info("weights loaded", "network", n.name, "tensors", len(used))
	return nil
}

// Name returns the network name.
func (n *Network) Name() string { return n.name }

// InputName returns the name of the input blob.
func (n *Network) InputName() string { return n.inputName }

// InputShape returns the declared [N, C, H, W] input shape.
func (n *Network) InputShape() tensor.Shape { return n.input.Clone() }

// OutputShape returns the output shape for the declared input.
func (n *Network) OutputShape() tensor.Shape { return n.shapes[len(n.shapes)-1].Clone() }

// Layers returns the layers in execution order.
func (n *Network) Layers() []nn.Module { return n.layers }

// Activations holds the blobs of one forward pass.
type Activations struct {
	net      *Network
	input    *tensor.Tensor
	contexts []*nn.Context
}

// Input returns the input blob.
func (a *Activations) Input() *tensor.Tensor { return a.input }

// Output returns the output of the last layer.
func (a *Activations) Output() *tensor.Tensor { return a.contexts[len(a.contexts)-1].Output }

// Blob returns the output of the named layer, or the input blob.
func (a *Activations) Blob(name string) (*tensor.Tensor, bool) {
	if name == a.net.inputName {
		return a.input, true
	}
	for i, layer := range a.net.layers {
		if layer.Name() == name {
			return a.contexts[i].Output, true
		}
	}
	return nil, false
}

// Gradients holds the result of a backward pass.
type Gradients struct {
	// Input is the gradient with respect to the input blob.
	Input *tensor.Tensor

	// Blobs maps every blob name (the input and each layer output) to the
	// gradient with respect to it.
	Blobs map[string]*tensor.Tensor
}

// Forward runs every layer on input.
//
// The input must be [N, C, H, W] with the declared C, H, W and any N >= 1.
func (n *Network) Forward(input *tensor.Tensor) (*Activations, error) {
	if err := n.checkInput(input.Shape()); err != nil {
		return nil, err
	}

	acts := &Activations{
		net:      n,
		input:    input,
		contexts: make([]*nn.Context, len(n.layers)),
	}
	x := input
	for i, layer := range n.layers {
		ctx := layer.Forward(x)
		acts.contexts[i] = ctx
		x = ctx.Output
	}
	return acts, nil
}

// Backward propagates top, the gradient with respect to the network output,
// back to the input. acts must come from Forward on this network.
func (n *Network) Backward(acts *Activations, top *tensor.Tensor) (*Gradients, error) {
	if acts == nil || acts.net != n {
		return nil, ErrForeignActivations
	}
	if want := acts.Output().Shape(); !top.Shape().Equal(want) {
		return nil, &ShapeError{Op: "backward", Want: want, Got: top.Shape()}
	}

	grads := &Gradients{Blobs: make(map[string]*tensor.Tensor, len(n.layers)+1)}
	g := top
	for i := len(n.layers) - 1; i >= 0; i-- {
		layer := n.layers[i]
		grads.Blobs[layer.Name()] = g
		g = layer.Backward(acts.contexts[i], g)
	}
	grads.Input = g
	grads.Blobs[n.inputName] = g

	return grads, nil
}

func (n *Network) checkInput(s tensor.Shape) error {
	ok := len(s) == 4 && s[0] >= 1 && s[1] == n.input[1] && s[2] == n.input[2] && s[3] == n.input[3]
	if !ok {
		return &ShapeError{Op: "forward", Want: n.input, Got: s}
	}
	return nil
}
