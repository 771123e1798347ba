package saliency

import (
	"bytes"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"github.com/born-ml/saliency/internal/network"
	"github.com/born-ml/saliency/internal/tensor"
	"github.com/born-ml/saliency/internal/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePass struct {
	out *tensor.Tensor
}

func (p fakePass) Output() *tensor.Tensor { return p.out }

// fakeModel returns fixed scores and a fixed input gradient, recording the
// target it was given.
type fakeModel struct {
	in, out tensor.Shape
	scores  *tensor.Tensor
	grad    *tensor.Tensor
	gotTop  *tensor.Tensor
	gotIn   *tensor.Tensor
}

func (m *fakeModel) InputShape() tensor.Shape  { return m.in }
func (m *fakeModel) OutputShape() tensor.Shape { return m.out }

func (m *fakeModel) Forward(input *tensor.Tensor) (Pass, error) {
	m.gotIn = input
	return fakePass{out: m.scores}, nil
}

func (m *fakeModel) Backward(_ Pass, top *tensor.Tensor) (*tensor.Tensor, error) {
	m.gotTop = top
	return m.grad, nil
}

func newFakeModel(t *testing.T, grad []float32) *fakeModel {
	t.Helper()
	return &fakeModel{
		in:     tensor.Shape{1, 3, 4, 4},
		out:    tensor.Shape{1, 5},
		scores: mustTensor(t, []float32{0.1, 0.2, 0.4, 0.2, 0.1}, 1, 5),
		grad:   mustTensor(t, grad, 1, 3, 4, 4),
	}
}

func grayImage(h, w int, v float32) *transform.Image {
	im := transform.NewImage(h, w)
	for i := range im.Pix {
		im.Pix[i] = v
	}
	return im
}

func TestPipeline_Run(t *testing.T) {
	grad := make([]float32, 48)
	for i := range grad {
		grad[i] = float32(i%16) - 4
	}
	model := newFakeModel(t, grad)

	var logs bytes.Buffer
	p := &Pipeline{
		Model:       model,
		Transformer: &transform.Transformer{Mean: []float32{1, 2, 3}, ChannelSwap: []int{2, 1, 0}, RawScale: 255},
		ImageSize:   6,
		NumLabels:   5,
		Labels:      []string{"zero", "one", "two", "three", "four"},
		TopK:        2,
		Logger:      slog.New(slog.NewTextHandler(&logs, nil)),
	}

	res, err := p.Run(grayImage(10, 8, 0.5), 3)
	require.NoError(t, err)

	assert.Equal(t, tensor.Shape{1, 3, 4, 4}, res.Input.Shape())
	assert.Same(t, model.gotIn, res.Input)
	assert.InDelta(t, 0.5*255-3, res.Input.At(0, 2, 0, 0), 1e-2)

	require.NoError(t, ValidateOneHot(model.gotTop, 5))
	assert.Equal(t, float32(1), model.gotTop.At(0, 3))

	require.Len(t, res.Top, 2)
	assert.Equal(t, "two", res.Top[0].Label)
	assert.Contains(t, logs.String(), "label=two")

	assert.False(t, res.Degenerate)
	assert.Equal(t, tensor.Shape{4, 4}, res.Map.Shape())
	assert.Equal(t, float32(0), res.Map.At(0, 0))
	assert.Equal(t, float32(1), res.Map.At(3, 3))
}

func TestPipeline_Degenerate(t *testing.T) {
	model := newFakeModel(t, make([]float32, 48))

	var logs bytes.Buffer
	p := &Pipeline{
		Model:       model,
		Transformer: &transform.Transformer{},
		Logger:      slog.New(slog.NewTextHandler(&logs, nil)),
	}
	res, err := p.Run(grayImage(4, 4, 0.2), 0)
	require.NoError(t, err)
	assert.True(t, res.Degenerate)
	assert.True(t, res.Map.IsFinite())
	assert.Equal(t, float32(0), res.Map.Max())
	assert.Contains(t, logs.String(), "level=WARN")
}

func TestPipeline_Errors(t *testing.T) {
	model := newFakeModel(t, make([]float32, 48))
	img := grayImage(4, 4, 0.2)

	p := &Pipeline{Model: model, Transformer: &transform.Transformer{}}
	_, err := p.Run(img, 5)
	assert.ErrorIs(t, err, ErrLabelOutOfRange)
	assert.Nil(t, model.gotIn, "label is checked before the forward pass")

	p.NumLabels = 1000
	_, err = p.Run(img, 0)
	assert.ErrorIs(t, err, ErrLabelCount)

	p.NumLabels = 0
	_, err = p.Run(grayImage(3, 3, 0), 0)
	assert.ErrorIs(t, err, transform.ErrImageTooSmall)

	model.grad = mustTensor(t, append([]float32{float32(math.NaN())}, make([]float32, 47)...), 1, 3, 4, 4)
	_, err = p.Run(img, 0)
	assert.ErrorIs(t, err, ErrNonFiniteGradient)

	_, err = (&Pipeline{}).Run(img, 0)
	assert.Error(t, err)
}

const tinyArch = `
name: tiny
force_backward: true
input: {channels: 3, height: 6, width: 6}
layers:
  - {name: conv1, type: Convolution, num_output: 4, kernel_size: 3}
  - {name: relu1, type: ReLU}
  - {name: pool1, type: Pooling, pool: MAX, kernel_size: 2, stride: 2}
  - {name: fc1, type: InnerProduct, num_output: 3}
  - {name: prob, type: Softmax}
`

func TestPipeline_WithNetwork(t *testing.T) {
	arch, err := network.ParseArchitecture([]byte(tinyArch))
	require.NoError(t, err)
	net, err := network.Build(arch, nil)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	weights := network.MapWeights{}
	for _, layer := range net.Layers() {
		for _, p := range layer.Parameters() {
			w := tensor.Zeros(p.Shape())
			for i := range w.Data() {
				w.Data()[i] = rng.Float32() - 0.5
			}
			weights[network.WeightKey(layer.Name(), p.Name())] = w
		}
	}
	require.NoError(t, net.LoadWeights(weights))

	img := transform.NewImage(10, 10)
	for i := range img.Pix {
		img.Pix[i] = rng.Float32()
	}

	p := &Pipeline{
		Model:       NetworkModel{Net: net},
		Transformer: &transform.Transformer{Mean: []float32{0.5, 0.5, 0.5}, ChannelSwap: []int{2, 1, 0}},
		ImageSize:   8,
		TopK:        1,
	}
	res, err := p.Run(img, 1)
	require.NoError(t, err)

	assert.Equal(t, tensor.Shape{1, 3}, res.Scores.Shape())
	assert.Equal(t, tensor.Shape{1, 3, 6, 6}, res.Gradient.Shape())
	assert.Equal(t, tensor.Shape{6, 6}, res.Map.Shape())
	assert.GreaterOrEqual(t, res.Map.Min(), float32(0))
	assert.LessOrEqual(t, res.Map.Max(), float32(1))

	// A pass from another model is rejected
	_, err = NetworkModel{Net: net}.Backward(fakePass{}, tensor.Zeros(tensor.Shape{1, 3}))
	assert.ErrorIs(t, err, network.ErrForeignActivations)
}
