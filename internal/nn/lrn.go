package nn

import (
	"fmt"

	"github.com/born-ml/saliency/internal/backend/cpu"
	"github.com/born-ml/saliency/internal/tensor"
)

// LRNConfig holds the hyper-parameters of a local response normalization
// layer.
type LRNConfig struct {
	LocalSize int // window size across channels, odd
	Alpha     float32
	Beta      float32
	K         float32
}

// DefaultLRNConfig returns the Caffe defaults.
func DefaultLRNConfig() LRNConfig {
	return LRNConfig{LocalSize: 5, Alpha: 1, Beta: 0.75, K: 1}
}

// LRN is cross-channel local response normalization (AlexNet section 3.3).
type LRN struct {
	name    string
	cfg     LRNConfig
	backend *cpu.CPUBackend
}

// NewLRN creates an LRN layer. Every field of cfg is used as given.
func NewLRN(name string, cfg LRNConfig, backend *cpu.CPUBackend) (*LRN, error) {
	if cfg.LocalSize <= 0 || cfg.LocalSize%2 == 0 {
		return nil, fmt.Errorf("%w: lrn %s: local_size must be a positive odd number, got %d", ErrInvalidConfig, name, cfg.LocalSize)
	}
	if cfg.Alpha < 0 || cfg.Beta < 0 {
		return nil, fmt.Errorf("%w: lrn %s: alpha and beta must be >= 0, got %g and %g", ErrInvalidConfig, name, cfg.Alpha, cfg.Beta)
	}
	if cfg.K <= 0 {
		return nil, fmt.Errorf("%w: lrn %s: k must be > 0, got %g", ErrInvalidConfig, name, cfg.K)
	}
	return &LRN{name: name, cfg: cfg, backend: backend}, nil
}

// Name returns the layer name.
func (l *LRN) Name() string { return l.name }

// Type returns "LRN".
func (l *LRN) Type() string { return "LRN" }

// Setup requires a 4D input.
func (l *LRN) Setup(input tensor.Shape) (tensor.Shape, error) {
	if len(input) != 4 {
		return nil, fmt.Errorf("lrn %s: expected 4D input [N,C,H,W], got %v", l.name, input)
	}
	return input.Clone(), nil
}

// Forward normalizes the input and caches the per-element scale.
func (l *LRN) Forward(input *tensor.Tensor) *Context {
	out, scale := l.backend.LRN(input, l.cfg.LocalSize, l.cfg.Alpha, l.cfg.Beta, l.cfg.K)
	ctx := newContext(input, out)
	ctx.aux = scale
	return ctx
}

// Backward returns the input gradient.
func (l *LRN) Backward(ctx *Context, grad *tensor.Tensor) *tensor.Tensor {
	return l.backend.LRNBackward(ctx.Input, ctx.Output, ctx.aux, grad, l.cfg.LocalSize, l.cfg.Alpha, l.cfg.Beta)
}

// Parameters returns nil.
func (l *LRN) Parameters() []*Parameter { return nil }
