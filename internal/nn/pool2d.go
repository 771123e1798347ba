package nn

import (
	"fmt"
	"strings"

	"github.com/born-ml/saliency/internal/backend/cpu"
	"github.com/born-ml/saliency/internal/tensor"
)

// PoolMethod selects the pooling reduction.
type PoolMethod string

// Supported pooling methods.
const (
	PoolMax     PoolMethod = "MAX"
	PoolAverage PoolMethod = "AVE"
)

// Pool2DConfig holds the hyper-parameters of a pooling layer.
type Pool2DConfig struct {
	Method     PoolMethod // MAX (default) or AVE
	KernelSize int
	Stride     int // defaults to 1
	Padding    int
}

// Pool2D is a 2D pooling layer with Caffe's ceil-mode output size.
//
// Input shape:  [batch, channels, height, width]
// Output shape: [batch, channels, out_h, out_w]
//
// Max pooling caches the argmax of every window so Backward routes the
// gradient to exactly those inputs.
type Pool2D struct {
	name    string
	cfg     Pool2DConfig
	backend *cpu.CPUBackend
}

// NewPool2D creates a pooling layer.
func NewPool2D(name string, cfg Pool2DConfig, backend *cpu.CPUBackend) (*Pool2D, error) {
	if cfg.Method == "" {
		cfg.Method = PoolMax
	}
	cfg.Method = PoolMethod(strings.ToUpper(string(cfg.Method)))
	if cfg.Method != PoolMax && cfg.Method != PoolAverage {
		return nil, fmt.Errorf("%w: pool %s: unsupported method %q", ErrInvalidConfig, name, cfg.Method)
	}
	if cfg.Stride == 0 {
		cfg.Stride = 1
	}
	if cfg.KernelSize <= 0 || cfg.Stride < 0 || cfg.Padding < 0 {
		return nil, fmt.Errorf("%w: pool %s: kernel=%d stride=%d pad=%d", ErrInvalidConfig, name, cfg.KernelSize, cfg.Stride, cfg.Padding)
	}
	if cfg.Padding >= cfg.KernelSize {
		return nil, fmt.Errorf("%w: pool %s: pad %d must be smaller than kernel %d", ErrInvalidConfig, name, cfg.Padding, cfg.KernelSize)
	}

	return &Pool2D{name: name, cfg: cfg, backend: backend}, nil
}

// Name returns the layer name.
func (p *Pool2D) Name() string { return p.name }

// Type returns "Pooling".
func (p *Pool2D) Type() string { return "Pooling" }

// Method returns the pooling method.
func (p *Pool2D) Method() PoolMethod { return p.cfg.Method }

// Setup computes the pooled output shape.
func (p *Pool2D) Setup(input tensor.Shape) (tensor.Shape, error) {
	if len(input) != 4 {
		return nil, fmt.Errorf("pool %s: expected 4D input [N,C,H,W], got %v", p.name, input)
	}
	if min(input[2], input[3])+2*p.cfg.Padding < p.cfg.KernelSize {
		return nil, fmt.Errorf("pool %s: kernel %d larger than padded input %v", p.name, p.cfg.KernelSize, input)
	}
	hOut := cpu.PoolOutputSize(input[2], p.cfg.KernelSize, p.cfg.Stride, p.cfg.Padding)
	wOut := cpu.PoolOutputSize(input[3], p.cfg.KernelSize, p.cfg.Stride, p.cfg.Padding)
	if hOut <= 0 || wOut <= 0 {
		return nil, fmt.Errorf("pool %s: kernel %d does not fit input %v", p.name, p.cfg.KernelSize, input)
	}
	return tensor.Shape{input[0], input[1], hOut, wOut}, nil
}

// Forward performs pooling.
func (p *Pool2D) Forward(input *tensor.Tensor) *Context {
	if p.cfg.Method == PoolAverage {
		return newContext(input, p.backend.AvgPool2D(input, p.cfg.KernelSize, p.cfg.Stride, p.cfg.Padding))
	}
	out, indices := p.backend.MaxPool2D(input, p.cfg.KernelSize, p.cfg.Stride, p.cfg.Padding)
	ctx := newContext(input, out)
	ctx.indices = indices
	return ctx
}

// Backward returns the input gradient.
func (p *Pool2D) Backward(ctx *Context, grad *tensor.Tensor) *tensor.Tensor {
	if p.cfg.Method == PoolAverage {
		return p.backend.AvgPool2DBackward(ctx.Input.Shape(), grad, p.cfg.KernelSize, p.cfg.Stride, p.cfg.Padding)
	}
	return p.backend.MaxPool2DBackward(ctx.Input.Shape(), grad, ctx.indices)
}

// Parameters returns nil (pooling has no parameters).
func (p *Pool2D) Parameters() []*Parameter { return nil }

// String returns a string representation of the layer.
func (p *Pool2D) String() string {
	return fmt.Sprintf("Pool2D(%s, %s, kernel=%d, stride=%d, padding=%d)",
		p.name, p.cfg.Method, p.cfg.KernelSize, p.cfg.Stride, p.cfg.Padding)
}
