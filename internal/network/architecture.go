package network

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/saliency/internal/tensor"
)

// Architecture is the declarative description of a deploy network.
//
// Example:
//
//	name: caffenet
//	force_backward: true
//	input: {name: data, channels: 3, height: 227, width: 227}
//	layers:
//	  - {name: conv1, type: Convolution, num_output: 96, kernel_size: 11, stride: 4}
//	  - {name: relu1, type: ReLU}
type Architecture struct {
	Name          string      `yaml:"name"`
	ForceBackward bool        `yaml:"force_backward"`
	Input         InputSpec   `yaml:"input"`
	Layers        []LayerSpec `yaml:"layers"`
}

// InputSpec declares the input blob.
type InputSpec struct {
	Name     string `yaml:"name"`
	Num      int    `yaml:"num"` // batch size used for shape inference (default 1)
	Channels int    `yaml:"channels"`
	Height   int    `yaml:"height"`
	Width    int    `yaml:"width"`
}

// Shape returns the declared [N, C, H, W] input shape.
func (s InputSpec) Shape() tensor.Shape {
	num := s.Num
	if num == 0 {
		num = 1
	}
	return tensor.Shape{num, s.Channels, s.Height, s.Width}
}

// LayerSpec declares one layer. Only the fields relevant to Type are read.
type LayerSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// Convolution, InnerProduct
	NumOutput  int   `yaml:"num_output"`
	BiasTerm   *bool `yaml:"bias_term"` // default true
	KernelSize int   `yaml:"kernel_size"`
	Stride     *int  `yaml:"stride"` // default 1
	Pad        int   `yaml:"pad"`
	Group      *int  `yaml:"group"` // default 1

	// Pooling
	Pool string `yaml:"pool"`

	// ReLU
	NegativeSlope float32 `yaml:"negative_slope"`

	// LRN; unset fields take nn.DefaultLRNConfig
	LocalSize  *int     `yaml:"local_size"`
	Alpha      *float32 `yaml:"alpha"`
	Beta       *float32 `yaml:"beta"`
	K          *float32 `yaml:"k"`
	NormRegion string   `yaml:"norm_region"`

	// Dropout
	DropoutRatio *float32 `yaml:"dropout_ratio"` // default 0.5
}

// LoadArchitecture reads and validates an architecture file.
func LoadArchitecture(path string) (*Architecture, error) {
	//nolint:gosec // G304: File path comes from user input
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read architecture: %w", err)
	}
	arch, err := ParseArchitecture(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return arch, nil
}

// ParseArchitecture decodes a YAML (or JSON) architecture and validates it.
// Unknown keys are rejected.
func ParseArchitecture(data []byte) (*Architecture, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var arch Architecture
	if err := dec.Decode(&arch); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidArchitecture)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchitecture, err)
	}
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	return &arch, nil
}

// Validate checks the parts of an architecture that do not depend on layer
// semantics: force_backward, the input declaration and unique layer names.
func (a *Architecture) Validate() error {
	if !a.ForceBackward {
		return ErrForceBackwardDisabled
	}

	in := a.Input
	if in.Num < 0 || in.Channels <= 0 || in.Height <= 0 || in.Width <= 0 {
		return fmt.Errorf("%w: input dimensions must be positive, got %v", ErrInvalidArchitecture, in.Shape())
	}
	if len(a.Layers) == 0 {
		return fmt.Errorf("%w: no layers", ErrInvalidArchitecture)
	}

	seen := map[string]bool{a.InputName(): true}
	for i, l := range a.Layers {
		if l.Name == "" {
			return fmt.Errorf("%w: layer %d has no name", ErrInvalidArchitecture, i)
		}
		if seen[l.Name] {
			return fmt.Errorf("%w: duplicate layer name %q", ErrInvalidArchitecture, l.Name)
		}
		seen[l.Name] = true
	}
	return nil
}

// InputName returns the input blob name, "data" unless declared.
func (a *Architecture) InputName() string {
	if a.Input.Name == "" {
		return "data"
	}
	return a.Input.Name
}
