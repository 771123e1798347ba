package nn

import (
	"fmt"

	"github.com/born-ml/saliency/internal/backend/cpu"
	"github.com/born-ml/saliency/internal/tensor"
)

// Conv2DConfig holds the hyper-parameters of a convolution layer.
type Conv2DConfig struct {
	OutChannels int  // number of filters
	KernelSize  int  // square kernel side
	Stride      int  // defaults to 1
	Padding     int  // zero padding on every side
	Groups      int  // defaults to 1
	Bias        bool // include a bias term
}

// Conv2D is a 2D convolutional layer.
//
// Performs convolution: output = Conv2D(input, weight) + bias
//
// Input shape:  [batch, in_channels, height, width]
// Weight shape: [out_channels, in_channels/groups, kernel, kernel]
// Bias shape:   [out_channels]
// Output shape: [batch, out_channels, out_h, out_w]
//
// Where:
//
//	out_h = (height + 2*padding - kernel) / stride + 1
//	out_w = (width + 2*padding - kernel) / stride + 1
//
// The number of input channels is taken from the shape given to Setup.
type Conv2D struct {
	name string
	cfg  Conv2DConfig

	weight *Parameter
	bias   *Parameter

	backend *cpu.CPUBackend
}

// NewConv2D creates a convolution layer. Parameters are allocated by Setup.
func NewConv2D(name string, cfg Conv2DConfig, backend *cpu.CPUBackend) (*Conv2D, error) {
	if cfg.Stride == 0 {
		cfg.Stride = 1
	}
	if cfg.Groups == 0 {
		cfg.Groups = 1
	}
	if cfg.OutChannels <= 0 {
		return nil, fmt.Errorf("%w: conv %s: num_output must be > 0, got %d", ErrInvalidConfig, name, cfg.OutChannels)
	}
	if cfg.KernelSize <= 0 {
		return nil, fmt.Errorf("%w: conv %s: kernel_size must be > 0, got %d", ErrInvalidConfig, name, cfg.KernelSize)
	}
	if cfg.Stride < 0 || cfg.Padding < 0 || cfg.Groups < 0 {
		return nil, fmt.Errorf("%w: conv %s: negative stride/pad/group", ErrInvalidConfig, name)
	}
	if cfg.OutChannels%cfg.Groups != 0 {
		return nil, fmt.Errorf("%w: conv %s: num_output %d not divisible by group %d", ErrInvalidConfig, name, cfg.OutChannels, cfg.Groups)
	}

	return &Conv2D{name: name, cfg: cfg, backend: backend}, nil
}

// Name returns the layer name.
func (c *Conv2D) Name() string { return c.name }

// Type returns "Convolution".
func (c *Conv2D) Type() string { return "Convolution" }

// Setup validates the input shape and allocates weight and bias.
func (c *Conv2D) Setup(input tensor.Shape) (tensor.Shape, error) {
	if len(input) != 4 {
		return nil, fmt.Errorf("conv %s: expected 4D input [N,C,H,W], got %v", c.name, input)
	}
	inChannels := input[1]
	if inChannels%c.cfg.Groups != 0 {
		return nil, fmt.Errorf("conv %s: %d input channels not divisible by group %d", c.name, inChannels, c.cfg.Groups)
	}

	k := c.cfg.KernelSize
	hOut := cpu.ConvOutputSize(input[2], k, c.cfg.Stride, c.cfg.Padding)
	wOut := cpu.ConvOutputSize(input[3], k, c.cfg.Stride, c.cfg.Padding)
	if hOut <= 0 || wOut <= 0 {
		return nil, fmt.Errorf("conv %s: kernel %d does not fit input %v", c.name, k, input)
	}

	c.weight = NewParameter("weight", tensor.Shape{c.cfg.OutChannels, inChannels / c.cfg.Groups, k, k})
	if c.cfg.Bias {
		c.bias = NewParameter("bias", tensor.Shape{c.cfg.OutChannels})
	}

	return tensor.Shape{input[0], c.cfg.OutChannels, hOut, wOut}, nil
}

// Forward performs the convolution.
func (c *Conv2D) Forward(input *tensor.Tensor) *Context {
	var bias *tensor.Tensor
	if c.bias != nil {
		bias = c.bias.Tensor()
	}
	out := c.backend.Conv2D(input, c.weight.Tensor(), bias, c.cfg.Stride, c.cfg.Padding, c.cfg.Groups)
	return newContext(input, out)
}

// Backward returns the input gradient (transposed convolution of grad).
func (c *Conv2D) Backward(ctx *Context, grad *tensor.Tensor) *tensor.Tensor {
	return c.backend.Conv2DInputBackward(ctx.Input.Shape(), c.weight.Tensor(), grad, c.cfg.Stride, c.cfg.Padding, c.cfg.Groups)
}

// Parameters returns weight and, if enabled, bias.
func (c *Conv2D) Parameters() []*Parameter {
	if c.weight == nil {
		return nil
	}
	if c.bias == nil {
		return []*Parameter{c.weight}
	}
	return []*Parameter{c.weight, c.bias}
}

// String returns a string representation of the layer.
func (c *Conv2D) String() string {
	return fmt.Sprintf("Conv2D(%s, out=%d, kernel=%d, stride=%d, padding=%d, groups=%d)",
		c.name, c.cfg.OutChannels, c.cfg.KernelSize, c.cfg.Stride, c.cfg.Padding, c.cfg.Groups)
}
