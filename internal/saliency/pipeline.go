package saliency

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/born-ml/saliency/internal/network"
	"github.com/born-ml/saliency/internal/tensor"
	"github.com/born-ml/saliency/internal/transform"
)

// Pass is the record of one forward run.
type Pass interface {
	Output() *tensor.Tensor
}

// Model is the network the pipeline differentiates.
type Model interface {
	InputShape() tensor.Shape
	OutputShape() tensor.Shape
	Forward(input *tensor.Tensor) (Pass, error)
	// Backward returns the gradient of sum(top * output) w.r.t. the input.
	Backward(pass Pass, top *tensor.Tensor) (*tensor.Tensor, error)
}

// NetworkModel adapts a *network.Network to Model.
type NetworkModel struct {
	Net *network.Network
}

// InputShape returns the declared input shape.
func (m NetworkModel) InputShape() tensor.Shape { return m.Net.InputShape() }

// OutputShape returns the output shape.
func (m NetworkModel) OutputShape() tensor.Shape { return m.Net.OutputShape() }

// Forward runs the network.
func (m NetworkModel) Forward(input *tensor.Tensor) (Pass, error) {
	acts, err := m.Net.Forward(input)
	if err != nil {
		return nil, err
	}
	return acts, nil
}

// Backward returns the input gradient.
func (m NetworkModel) Backward(pass Pass, top *tensor.Tensor) (*tensor.Tensor, error) {
	acts, ok := pass.(*network.Activations)
	if !ok {
		return nil, network.ErrForeignActivations
	}
	grads, err := m.Net.Backward(acts, top)
	if err != nil {
		return nil, err
	}
	return grads.Input, nil
}

// Pipeline computes the saliency map of one image for one label.
type Pipeline struct {
	Model       Model
	Transformer *transform.Transformer

	// ImageSize is the square side images are resized to before the center
	// crop; 0 crops the image as is.
	ImageSize int

	// NumLabels must equal the model output width when set.
	NumLabels int

	// Labels names the classes in log output; optional.
	Labels []string
	TopK   int

	Logger *slog.Logger
}

// Result holds everything a run produces.
type Result struct {
	Input      *tensor.Tensor // preprocessed [1, C, H, W] blob
	Scores     *tensor.Tensor // model output [1, K]
	Top        []Prediction
	Gradient   *tensor.Tensor // input gradient, same shape as Input
	Map        *tensor.Tensor // [H, W] saliency in [0, 1]
	Degenerate bool           // gradient was constant, Map is all zeros
}

// Run preprocesses img, runs the forward and backward passes and reduces
// the input gradient to a saliency map.
func (p *Pipeline) Run(img *transform.Image, label int) (*Result, error) {
	log := p.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if p.Model == nil || p.Transformer == nil {
		return nil, errors.New("pipeline: model and transformer are required")
	}

	in := p.Model.InputShape()
	out := p.Model.OutputShape()
	if len(out) != 2 {
		return nil, fmt.Errorf("pipeline: model output must be [N, K], got %v", out)
	}
	numLabels := out[1]
	if p.NumLabels != 0 && p.NumLabels != numLabels {
		return nil, fmt.Errorf("%w: configured %d, network has %d", ErrLabelCount, p.NumLabels, numLabels)
	}
	top, err := NewOneHot(numLabels, label)
	if err != nil {
		return nil, err
	}
	if err := ValidateOneHot(top, numLabels); err != nil {
		return nil, err
	}

	prepared, err := transform.Prepare(img, p.ImageSize, in[2], in[3])
	if err != nil {
		return nil, fmt.Errorf("prepare image: %w", err)
	}
	blob, err := p.Transformer.Preprocess(prepared)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	log.Info("image prepared", "original", fmt.Sprintf("%dx%d", img.Height, img.Width), "input", blob.Shape().String())

	pass, err := p.Model.Forward(blob)
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	scores := pass.Output()

	res := &Result{Input: blob, Scores: scores}
	if p.TopK > 0 {
		res.Top = TopK(scores, p.TopK, p.Labels)
		for rank, pred := range res.Top {
			log.Info("prediction", "rank", rank+1, "index", pred.Index, "label", pred.Label, "score", pred.Score)
		}
	}

	grad, err := p.Model.Backward(pass, top)
	if err != nil {
		return nil, fmt.Errorf("backward: %w", err)
	}
	log.Debug("input gradient", "shape", grad.Shape().String(), "min", grad.Min(), "max", grad.Max())

	smap, degenerate, err := Compute(grad)
	if err != nil {
		return nil, err
	}
	if degenerate {
		log.Warn("input gradient is constant, saliency map is all zeros", "label", label)
	}

	res.Gradient = grad
	res.Map = smap
	res.Degenerate = degenerate
	return res, nil
}
