// Package cpu implements the forward and input-gradient kernels of the
// saliency engine on the CPU.
//
// Kernels follow Caffe semantics for every layer type a deploy network may
// contain (convolution with groups, ceil-mode pooling, cross-channel LRN).
// Only gradients with respect to layer inputs are computed: weights are
// frozen, so no parameter gradients are ever needed.
//
// Kernels panic on malformed shapes. Callers validate shapes when the
// network is built, so a panic here indicates a programming error.
package cpu

// DeviceName is the device identifier accepted by configuration.
const DeviceName = "cpu"

// CPUBackend executes tensor kernels on the CPU.
type CPUBackend struct{}

// New creates a new CPU backend.
func New() *CPUBackend {
	return &CPUBackend{}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}
