// Package config holds the settings of a saliency run.
//
// Values come from three layers, later ones winning: Default, an optional
// YAML file (-config) and explicitly passed command-line flags.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/saliency/internal/backend/cpu"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// ErrUsage is wrapped by command-line parse errors. The FlagSet has already
// reported them on its output together with the usage text.
var ErrUsage = errors.New("invalid usage")

// Config is the complete set of run settings.
type Config struct {
	ArchitecturePath string `yaml:"arch"`
	WeightsPath      string `yaml:"weights"`
	MeanPath         string `yaml:"mean"`
	ImagePath        string `yaml:"image"`
	OutputPath       string `yaml:"out"`
	LabelsPath       string `yaml:"labels"` // optional

	ImageSize   int     `yaml:"image_size"`   // resize target before the center crop
	NumLabels   int     `yaml:"num_labels"`   // must match the network output
	Label       int     `yaml:"label"`        // class to explain, 0-based
	ChannelSwap []int   `yaml:"channel_swap"` // image channel feeding each network channel
	RawScale    float64 `yaml:"raw_scale"`
	TopK        int     `yaml:"topk"` // predictions to log, 0 disables

	Device  string `yaml:"device"`
	Verbose bool   `yaml:"verbose"`
}

// Default returns the CaffeNet / ILSVRC 2012 settings.
func Default() *Config {
	return &Config{
		ArchitecturePath: "models/deploy_fc8.yaml",
		WeightsPath:      "models/bvlc_reference_caffenet.safetensors",
		MeanPath:         "models/ilsvrc_2012_mean.npy",
		ImagePath:        "input_images/cat.jpg",
		OutputPath:       "saliency_visualization.png",
		ImageSize:        256,
		NumLabels:        1000,
		Label:            281,
		ChannelSwap:      []int{2, 1, 0},
		RawScale:         255,
		TopK:             5,
		Device:           cpu.DeviceName,
	}
}

// LoadFile reads a YAML config over the defaults. Unknown keys are rejected.
func LoadFile(path string) (*Config, error) {
	//nolint:gosec // G304: File path comes from user input
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// FromArgs builds and validates a Config from command-line arguments
// (without the program name). Usage and parse errors go to output.
func FromArgs(args []string, output io.Writer) (*Config, error) {
	cfg := Default()
	fs := newFlagSet(cfg, output)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUsage, err)
	}

	if path := fs.Lookup("config").Value.String(); path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		// Re-parse on top of the file values so explicit flags win
		cfg = fileCfg
		fs = newFlagSet(cfg, output)
		if err := fs.Parse(args); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUsage, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newFlagSet(cfg *Config, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("saliency", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.String("config", "", "YAML config file (flags override its values)")
	fs.StringVar(&cfg.ArchitecturePath, "arch", cfg.ArchitecturePath, "network architecture file (YAML)")
	fs.StringVar(&cfg.WeightsPath, "weights", cfg.WeightsPath, "pre-trained weights (safetensors)")
	fs.StringVar(&cfg.MeanPath, "mean", cfg.MeanPath, "dataset mean (.npy, [C,H,W] or [C])")
	fs.StringVar(&cfg.ImagePath, "image", cfg.ImagePath, "input image (JPEG or PNG)")
	fs.StringVar(&cfg.OutputPath, "out", cfg.OutputPath, "output visualization (PNG)")
	fs.StringVar(&cfg.LabelsPath, "labels", cfg.LabelsPath, "optional class names, one per line")
	fs.IntVar(&cfg.ImageSize, "image-size", cfg.ImageSize, "side images are resized to before cropping")
	fs.IntVar(&cfg.NumLabels, "num-labels", cfg.NumLabels, "number of output labels of the network")
	fs.IntVar(&cfg.Label, "label", cfg.Label, "label to compute saliency for (0-based)")
	fs.Float64Var(&cfg.RawScale, "raw-scale", cfg.RawScale, "scale applied to [0,1] pixels")
	fs.Var((*intList)(&cfg.ChannelSwap), "channel-swap", "channel order fed to the network, e.g. 2,1,0")
	fs.IntVar(&cfg.TopK, "topk", cfg.TopK, "number of top predictions to log (0 disables)")
	fs.StringVar(&cfg.Device, "device", cfg.Device, "compute device (only cpu)")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "debug logging")
	return fs
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	for _, p := range []struct{ name, value string }{
		{"arch", c.ArchitecturePath},
		{"weights", c.WeightsPath},
		{"mean", c.MeanPath},
		{"image", c.ImagePath},
		{"out", c.OutputPath},
	} {
		if p.value == "" {
			fail("%s path is required", p.name)
		}
	}
	if c.ImageSize <= 0 {
		fail("image_size must be > 0, got %d", c.ImageSize)
	}
	if c.NumLabels <= 0 {
		fail("num_labels must be > 0, got %d", c.NumLabels)
	}
	if c.Label < 0 || (c.NumLabels > 0 && c.Label >= c.NumLabels) {
		fail("label %d not in [0, %d)", c.Label, c.NumLabels)
	}
	if !isPermutation(c.ChannelSwap) {
		fail("channel_swap %v is not a permutation of 0..%d", c.ChannelSwap, len(c.ChannelSwap)-1)
	}
	if c.RawScale <= 0 {
		fail("raw_scale must be > 0, got %g", c.RawScale)
	}
	if c.TopK < 0 {
		fail("topk must be >= 0, got %d", c.TopK)
	}
	if c.Device != cpu.DeviceName {
		fail("device %q is not available (only %q)", c.Device, cpu.DeviceName)
	}

	return errors.Join(errs...)
}

func isPermutation(p []int) bool {
	if len(p) == 0 {
		return false
	}
	seen := make([]bool, len(p))
	for _, v := range p {
		if v < 0 || v >= len(p) || seen[v] {
			return false
		}
		seen[v] = true
	}
	return true
}

// intList is a flag.Value for comma-separated integers.
type intList []int

func (l *intList) String() string {
	if l == nil {
		return ""
	}
	parts := make([]string, len(*l))
	for i, v := range *l {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func (l *intList) Set(s string) error {
	var out []int
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return fmt.Errorf("invalid integer %q", part)
		}
		out = append(out, v)
	}
	*l = out
	return nil
}
