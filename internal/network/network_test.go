package network

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/saliency/internal/loader"
	"github.com/born-ml/saliency/internal/nn"
	"github.com/born-ml/saliency/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smoothArch avoids ReLU kinks and max-pool ties so finite differences are
// reliable across the whole network.
const smoothArch = `
name: tiny
force_backward: true
input: {name: data, channels: 2, height: 4, width: 4}
layers:
  - {name: conv1, type: Convolution, num_output: 3, kernel_size: 3, pad: 1}
  - {name: pool1, type: Pooling, pool: AVE, kernel_size: 2, stride: 2}
  - {name: norm1, type: LRN, local_size: 3, alpha: 0.5, beta: 0.75}
  - {name: fc1, type: InnerProduct, num_output: 4}
  - {name: drop1, type: Dropout, dropout_ratio: 0.5}
  - {name: prob, type: Softmax}
`

// caffenetArch is the CaffeNet layer stack with narrow fully connected layers.
const caffenetArch = `
name: caffenet-narrow
force_backward: true
input: {name: data, channels: 3, height: 227, width: 227}
layers:
  - {name: conv1, type: Convolution, num_output: 96, kernel_size: 11, stride: 4}
  - {name: relu1, type: ReLU}
  - {name: pool1, type: Pooling, pool: MAX, kernel_size: 3, stride: 2}
  - {name: norm1, type: LRN, local_size: 5, alpha: 0.0001, beta: 0.75}
  - {name: conv2, type: Convolution, num_output: 256, kernel_size: 5, pad: 2, group: 2}
  - {name: relu2, type: ReLU}
  - {name: pool2, type: Pooling, pool: MAX, kernel_size: 3, stride: 2}
  - {name: norm2, type: LRN, local_size: 5, alpha: 0.0001, beta: 0.75}
  - {name: conv3, type: Convolution, num_output: 384, kernel_size: 3, pad: 1}
  - {name: relu3, type: ReLU}
  - {name: conv4, type: Convolution, num_output: 384, kernel_size: 3, pad: 1, group: 2}
  - {name: relu4, type: ReLU}
  - {name: conv5, type: Convolution, num_output: 256, kernel_size: 3, pad: 1, group: 2}
  - {name: relu5, type: ReLU}
  - {name: pool5, type: Pooling, pool: MAX, kernel_size: 3, stride: 2}
  - {name: fc6, type: InnerProduct, num_output: 8}
  - {name: relu6, type: ReLU}
  - {name: drop6, type: Dropout, dropout_ratio: 0.5}
  - {name: fc8, type: InnerProduct, num_output: 10}
  - {name: prob, type: Softmax}
`

func randomWeights(rng *rand.Rand, net *Network) MapWeights {
	w := MapWeights{}
	for _, layer := range net.Layers() {
		for _, p := range layer.Parameters() {
			t := tensor.Zeros(p.Shape())
			for i := range t.Data() {
				t.Data()[i] = rng.Float32()*2 - 1
			}
			w[WeightKey(layer.Name(), p.Name())] = t
		}
	}
	return w
}

func buildTiny(t *testing.T, rng *rand.Rand) *Network {
	t.Helper()
	arch, err := ParseArchitecture([]byte(smoothArch))
	require.NoError(t, err)
	net, err := Build(arch, nil)
	require.NoError(t, err)
	require.NoError(t, net.LoadWeights(randomWeights(rng, net)))
	return net
}

func TestBuild_CaffeNetShapes(t *testing.T) {
	arch, err := ParseArchitecture([]byte(caffenetArch))
	require.NoError(t, err)

	net, err := Build(arch, nil)
	require.NoError(t, err)

	want := map[string]tensor.Shape{
		"conv1": {1, 96, 55, 55},
		"pool1": {1, 96, 27, 27},
		"conv2": {1, 256, 27, 27},
		"pool2": {1, 256, 13, 13},
		"conv5": {1, 256, 13, 13},
		"pool5": {1, 256, 6, 6},
		"fc6":   {1, 8},
		"prob":  {1, 10},
	}
	for i, layer := range net.Layers() {
		if s, ok := want[layer.Name()]; ok {
			assert.Equal(t, s, net.shapes[i], layer.Name())
		}
	}
	assert.Equal(t, tensor.Shape{1, 10}, net.OutputShape())
	assert.Equal(t, tensor.Shape{1, 3, 227, 227}, net.InputShape())
	assert.Equal(t, "data", net.InputName())

	// Grouped convolution halves the weight's input channels
	conv2 := net.Layers()[4]
	assert.Equal(t, tensor.Shape{256, 48, 5, 5}, conv2.Parameters()[0].Shape())
	fc6 := net.Layers()[15]
	assert.Equal(t, tensor.Shape{8, 256 * 6 * 6}, fc6.Parameters()[0].Shape())
}

func TestParseArchitecture_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"force_backward absent", "input: {channels: 1, height: 2, width: 2}\nlayers: [{name: r, type: ReLU}]", ErrForceBackwardDisabled},
		{"force_backward false", "force_backward: false\ninput: {channels: 1, height: 2, width: 2}\nlayers: [{name: r, type: ReLU}]", ErrForceBackwardDisabled},
		{"empty", "", ErrInvalidArchitecture},
		{"unknown key", "force_backward: true\nbogus: 1\n", ErrInvalidArchitecture},
		{"bad input", "force_backward: true\ninput: {channels: 0, height: 2, width: 2}\nlayers: [{name: r, type: ReLU}]", ErrInvalidArchitecture},
		{"no layers", "force_backward: true\ninput: {channels: 1, height: 2, width: 2}\n", ErrInvalidArchitecture},
		{"duplicate name", "force_backward: true\ninput: {channels: 1, height: 2, width: 2}\nlayers: [{name: r, type: ReLU}, {name: r, type: ReLU}]", ErrInvalidArchitecture},
		{"unnamed layer", "force_backward: true\ninput: {channels: 1, height: 2, width: 2}\nlayers: [{type: ReLU}]", ErrInvalidArchitecture},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseArchitecture([]byte(tt.yaml))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseArchitecture_JSON(t *testing.T) {
	arch, err := ParseArchitecture([]byte(`{"force_backward": true,
		"input": {"name": "img", "channels": 1, "height": 3, "width": 3},
		"layers": [{"name": "fc", "type": "InnerProduct", "num_output": 2, "bias_term": false}]}`))
	require.NoError(t, err)
	assert.Equal(t, "img", arch.InputName())
	require.NotNil(t, arch.Layers[0].BiasTerm)
	assert.False(t, *arch.Layers[0].BiasTerm)

	net, err := Build(arch, nil)
	require.NoError(t, err)
	assert.Len(t, net.Layers()[0].Parameters(), 1, "bias_term: false drops the bias")
}

func TestBuild_LayerErrors(t *testing.T) {
	build := func(layers string) error {
		arch, err := ParseArchitecture([]byte("force_backward: true\ninput: {channels: 3, height: 8, width: 8}\nlayers:\n" + layers))
		require.NoError(t, err)
		_, err = Build(arch, nil)
		return err
	}

	err := build("  - {name: crop, type: Crop}\n")
	require.ErrorIs(t, err, ErrUnknownLayerType)
	var le *LayerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "crop", le.Layer)

	err = build("  - {name: conv, type: Convolution, num_output: 4, kernel_size: 3, group: 2}\n")
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "conv", le.Layer, "3 input channels cannot be split into 2 groups")

	err = build("  - {name: norm, type: LRN, norm_region: WITHIN_CHANNEL}\n")
	assert.Error(t, err)

	err = build("  - {name: big, type: Pooling, kernel_size: 9}\n")
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "big", le.Layer)

	// Explicit values are never replaced by defaults
	for _, layer := range []string{
		"  - {name: norm, type: LRN, k: 0}\n",
		"  - {name: norm, type: LRN, local_size: 0}\n",
		"  - {name: conv, type: Convolution, num_output: 3, kernel_size: 3, stride: 0}\n",
		"  - {name: conv, type: Convolution, num_output: 3, kernel_size: 3, group: 0}\n",
		"  - {name: pool, type: Pooling, kernel_size: 2, stride: 0}\n",
	} {
		err = build(layer)
		assert.ErrorIs(t, err, nn.ErrInvalidConfig, layer)
	}
}

func TestBuild_LRNExplicitZeroAlpha(t *testing.T) {
	arch, err := ParseArchitecture([]byte("force_backward: true\ninput: {channels: 3, height: 2, width: 2}\nlayers:\n" +
		"  - {name: norm, type: LRN, local_size: 3, alpha: 0, beta: 0.75, k: 2}\n"))
	require.NoError(t, err)
	net, err := Build(arch, nil)
	require.NoError(t, err)

	// With alpha = 0 the layer divides by k^beta
	x := tensor.Full(tensor.Shape{1, 3, 2, 2}, 1)
	acts, err := net.Forward(x)
	require.NoError(t, err)
	want := float32(1 / math.Pow(2, 0.75))
	for _, v := range acts.Output().Data() {
		assert.InDelta(t, want, v, 1e-6)
	}
}

func TestLoadWeights_Errors(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	arch, err := ParseArchitecture([]byte(smoothArch))
	require.NoError(t, err)
	net, err := Build(arch, nil)
	require.NoError(t, err)

	weights := randomWeights(rng, net)
	delete(weights, "fc1.bias")
	err = net.LoadWeights(weights)
	require.ErrorIs(t, err, ErrMissingWeight)
	var le *LayerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "fc1", le.Layer)

	weights = randomWeights(rng, net)
	weights["conv1.weight"] = tensor.Zeros(tensor.Shape{3, 2, 5, 5})
	err = net.LoadWeights(weights)
	var se *ShapeError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, tensor.Shape{3, 2, 3, 3}, se.Want)
	assert.Equal(t, tensor.Shape{3, 2, 5, 5}, se.Got)

	// A transposed inner-product weight has the right element count
	weights = randomWeights(rng, net)
	fc := weights["fc1.weight"].Shape()
	require.Len(t, fc, 2)
	require.NotEqual(t, fc[0], fc[1])
	weights["fc1.weight"] = tensor.Zeros(tensor.Shape{fc[1], fc[0]})
	err = net.LoadWeights(weights)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, fc, se.Want)
	assert.Equal(t, tensor.Shape{fc[1], fc[0]}, se.Got)

	// So does a permuted conv kernel
	weights = randomWeights(rng, net)
	weights["conv1.weight"] = tensor.Zeros(tensor.Shape{2, 3, 3, 3})
	err = net.LoadWeights(weights)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "load conv1.weight", se.Op)

	// Caffe-style [N, C, 1, 1] inner-product weights still load
	weights = randomWeights(rng, net)
	weights["fc1.weight"] = tensor.Zeros(tensor.Shape{fc[0], fc[1], 1, 1})
	require.NoError(t, net.LoadWeights(weights))
}

func TestLoad_FromFiles(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(2))

	archPath := filepath.Join(dir, "deploy.yaml")
	require.NoError(t, os.WriteFile(archPath, []byte(smoothArch), 0o600))

	arch, err := ParseArchitecture([]byte(smoothArch))
	require.NoError(t, err)
	scratch, err := Build(arch, nil)
	require.NoError(t, err)
	weights := randomWeights(rng, scratch)
	weights["fc7.weight"] = tensor.Zeros(tensor.Shape{2, 2})

	weightsPath := filepath.Join(dir, "weights.safetensors")
	require.NoError(t, loader.WriteSafeTensors(weightsPath, weights, nil))

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	net, err := Load(archPath, weightsPath, logger)
	require.NoError(t, err)
	assert.Equal(t, "tiny", net.Name())
	assert.Contains(t, logs.String(), "ignoring unused weight tensors")
	assert.Contains(t, logs.String(), "fc7.weight")
	assert.Contains(t, logs.String(), "name=conv1")

	// Loaded values match the file
	conv := net.Layers()[0].Parameters()[0].Tensor()
	assert.Equal(t, weights["conv1.weight"].Data(), conv.Data())

	_, err = Load(filepath.Join(dir, "missing.yaml"), weightsPath, nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = Load(archPath, filepath.Join(dir, "missing.safetensors"), nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestForward_InputShape(t *testing.T) {
	net := buildTiny(t, rand.New(rand.NewSource(3)))

	_, err := net.Forward(tensor.Zeros(tensor.Shape{1, 3, 4, 4}))
	var se *ShapeError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "forward", se.Op)

	_, err = net.Forward(tensor.Zeros(tensor.Shape{2, 4, 4}))
	assert.ErrorAs(t, err, &se)

	// Any batch size is accepted
	acts, err := net.Forward(tensor.Zeros(tensor.Shape{2, 2, 4, 4}))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 4}, acts.Output().Shape())
}

func TestForward_OutputIsDistribution(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	net := buildTiny(t, rng)

	x := tensor.Zeros(tensor.Shape{1, 2, 4, 4})
	for i := range x.Data() {
		x.Data()[i] = rng.Float32()
	}
	acts, err := net.Forward(x)
	require.NoError(t, err)

	var sum float64
	for _, v := range acts.Output().Data() {
		assert.Greater(t, v, float32(0))
		sum += float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)

	blob, ok := acts.Blob("pool1")
	require.True(t, ok)
	assert.Equal(t, tensor.Shape{1, 3, 2, 2}, blob.Shape())
	blob, ok = acts.Blob("data")
	require.True(t, ok)
	assert.Same(t, x, blob)
	_, ok = acts.Blob("nope")
	assert.False(t, ok)
}

func TestBackward_MatchesFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	net := buildTiny(t, rng)

	x := tensor.Zeros(tensor.Shape{1, 2, 4, 4})
	for i := range x.Data() {
		x.Data()[i] = rng.Float32()*2 - 1
	}
	top := tensor.Zeros(tensor.Shape{1, 4})
	top.Data()[2] = 1

	acts, err := net.Forward(x)
	require.NoError(t, err)
	grads, err := net.Backward(acts, top)
	require.NoError(t, err)
	require.Equal(t, x.Shape(), grads.Input.Shape())
	assert.Same(t, grads.Input, grads.Blobs["data"])
	assert.Same(t, top, grads.Blobs["prob"])
	assert.Equal(t, tensor.Shape{1, 3, 4, 4}, grads.Blobs["conv1"].Shape())

	score := func() float64 {
		a, err := net.Forward(x)
		require.NoError(t, err)
		return float64(a.Output().Data()[2])
	}

	const eps = 1e-2
	for i := range x.Data() {
		orig := x.Data()[i]
		x.Data()[i] = orig + eps
		plus := score()
		x.Data()[i] = orig - eps
		minus := score()
		x.Data()[i] = orig

		numerical := (plus - minus) / (2 * eps)
		if math.Abs(numerical-float64(grads.Input.Data()[i])) > 2e-3 {
			t.Fatalf("input gradient[%d]: analytic %.6f, numerical %.6f", i, grads.Input.Data()[i], numerical)
		}
	}
}

func TestBackward_Errors(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	a := buildTiny(t, rng)
	b := buildTiny(t, rng)

	acts, err := a.Forward(tensor.Zeros(tensor.Shape{1, 2, 4, 4}))
	require.NoError(t, err)

	_, err = b.Backward(acts, tensor.Zeros(tensor.Shape{1, 4}))
	assert.ErrorIs(t, err, ErrForeignActivations)

	_, err = a.Backward(nil, tensor.Zeros(tensor.Shape{1, 4}))
	assert.ErrorIs(t, err, ErrForeignActivations)

	_, err = a.Backward(acts, tensor.Zeros(tensor.Shape{1, 5}))
	var se *ShapeError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, tensor.Shape{1, 4}, se.Want)
}
