package network

import (
	"fmt"
	"strings"

	"github.com/born-ml/saliency/internal/backend/cpu"
	"github.com/born-ml/saliency/internal/nn"
)

// Layer type names as they appear in architecture files.
const (
	TypeConvolution  = "Convolution"
	TypePooling      = "Pooling"
	TypeReLU         = "ReLU"
	TypeLRN          = "LRN"
	TypeInnerProduct = "InnerProduct"
	TypeDropout      = "Dropout"
	TypeSoftmax      = "Softmax"
)

// newLayer maps a layer declaration to its nn module.
func newLayer(spec LayerSpec, backend *cpu.CPUBackend) (nn.Module, error) {
	bias := spec.BiasTerm == nil || *spec.BiasTerm
	stride, err := positiveOr(spec.Name, "stride", spec.Stride, 1)
	if err != nil {
		return nil, err
	}

	switch spec.Type {
	case TypeConvolution:
		group, err := positiveOr(spec.Name, "group", spec.Group, 1)
		if err != nil {
			return nil, err
		}
		return nn.NewConv2D(spec.Name, nn.Conv2DConfig{
			OutChannels: spec.NumOutput,
			KernelSize:  spec.KernelSize,
			Stride:      stride,
			Padding:     spec.Pad,
			Groups:      group,
			Bias:        bias,
		}, backend)

	case TypePooling:
		return nn.NewPool2D(spec.Name, nn.Pool2DConfig{
			Method:     nn.PoolMethod(spec.Pool),
			KernelSize: spec.KernelSize,
			Stride:     stride,
			Padding:    spec.Pad,
		}, backend)

	case TypeReLU:
		return nn.NewReLU(spec.Name, spec.NegativeSlope, backend), nil

	case TypeLRN:
		if region := strings.ToUpper(spec.NormRegion); region != "" && region != "ACROSS_CHANNELS" {
			return nil, fmt.Errorf("%w: lrn %s: norm_region %s is not supported", nn.ErrInvalidConfig, spec.Name, spec.NormRegion)
		}
		cfg := nn.DefaultLRNConfig()
		if spec.LocalSize != nil {
			cfg.LocalSize = *spec.LocalSize
		}
		if spec.Alpha != nil {
			cfg.Alpha = *spec.Alpha
		}
		if spec.Beta != nil {
			cfg.Beta = *spec.Beta
		}
		if spec.K != nil {
			cfg.K = *spec.K
		}
		return nn.NewLRN(spec.Name, cfg, backend)

	case TypeInnerProduct:
		return nn.NewLinear(spec.Name, spec.NumOutput, bias, backend)

	case TypeDropout:
		ratio := float32(0.5)
		if spec.DropoutRatio != nil {
			ratio = *spec.DropoutRatio
		}
		return nn.NewDropout(spec.Name, ratio)

	case TypeSoftmax:
		return nn.NewSoftmax(spec.Name, backend), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayerType, spec.Type)
	}
}

// positiveOr returns *v, or def when the field is unset. An explicit value
// must be positive.
func positiveOr(layer, field string, v *int, def int) (int, error) {
	if v == nil {
		return def, nil
	}
	if *v <= 0 {
		return 0, fmt.Errorf("%w: %s: %s must be > 0, got %d", nn.ErrInvalidConfig, layer, field, *v)
	}
	return *v, nil
}
