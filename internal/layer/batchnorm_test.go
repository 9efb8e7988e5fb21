package layer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ml/lattice/internal/tensor"
)

func TestBatchNormTrainingNormalizesPerChannel(t *testing.T) {
	b := NewBatchNorm()
	b.SetInput(tensor.Shape{N: 2, C: 2, H: 2, W: 2}, ChannelMajor)
	require.NoError(t, b.Build(0))

	tensor.SetSeed(51)
	input := tensor.Uniform(tensor.Shape{N: 2, C: 2, H: 2, W: 2}, -3, 3)
	out := b.Forward(input, true)

	// With gamma=1, beta=0 each channel of the output has zero mean and
	// (nearly) unit variance across batch and space.
	for c := 0; c < 2; c++ {
		var vals []float64
		for n := 0; n < 2; n++ {
			for h := 0; h < 2; h++ {
				for w := 0; w < 2; w++ {
					vals = append(vals, out.At(n, c, h, w))
				}
			}
		}
		mean := 0.0
		for _, v := range vals {
			mean += v
		}
		mean /= float64(len(vals))
		variance := 0.0
		for _, v := range vals {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(len(vals))

		assert.InDelta(t, 0.0, mean, 1e-9, "channel %d mean", c)
		assert.InDelta(t, 1.0, variance, 1e-3, "channel %d variance", c)
	}
}

func TestBatchNormGammaBetaApply(t *testing.T) {
	b := NewBatchNorm()
	b.SetInput(tensor.Shape{N: 1, C: 1, H: 1, W: 4}, ChannelMajor)
	require.NoError(t, b.Build(0))
	b.gamma.Fill(2)
	b.beta.Fill(0.5)

	input, err := tensor.FromSlice([]float64{1, 2, 3, 4}, tensor.Shape{N: 1, C: 1, H: 1, W: 4})
	require.NoError(t, err)
	out := b.Forward(input, true)

	// mean 2.5, var 1.25; xhat = (x-2.5)/sqrt(1.25+eps); out = 2*xhat + 0.5.
	inv := 1.0 / math.Sqrt(1.25+1e-5)
	for i, x := range input.Data() {
		want := 2*(x-2.5)*inv + 0.5
		assert.InDelta(t, want, out.Data()[i], 1e-12)
	}
}

func TestBatchNormRunningStatistics(t *testing.T) {
	b := NewBatchNorm(BatchNormWithMomentum(0.9))
	b.SetInput(tensor.Shape{N: 1, C: 1, H: 1, W: 4}, ChannelMajor)
	require.NoError(t, b.Build(0))

	input, err := tensor.FromSlice([]float64{1, 2, 3, 4}, tensor.Shape{N: 1, C: 1, H: 1, W: 4})
	require.NoError(t, err)

	b.Forward(input, true)
	mean, variance := b.RunningStats()
	// Start from (0, 1): 0.9*0 + 0.1*2.5 and 0.9*1 + 0.1*1.25.
	assert.InDelta(t, 0.25, mean[0], 1e-12)
	assert.InDelta(t, 1.025, variance[0], 1e-12)

	b.Forward(input, true)
	mean, variance = b.RunningStats()
	assert.InDelta(t, 0.9*0.25+0.1*2.5, mean[0], 1e-12)
	assert.InDelta(t, 0.9*1.025+0.1*1.25, variance[0], 1e-12)
}

func TestBatchNormInferenceUsesRunningStats(t *testing.T) {
	b := NewBatchNorm(BatchNormWithMomentum(0.5))
	b.SetInput(tensor.Shape{N: 1, C: 1, H: 1, W: 2}, ChannelMajor)
	require.NoError(t, b.Build(0))

	train, err := tensor.FromSlice([]float64{0, 2}, tensor.Shape{N: 1, C: 1, H: 1, W: 2})
	require.NoError(t, err)
	b.Forward(train, true) // running mean 0.5, running var 1.0

	probe, err := tensor.FromSlice([]float64{0.5, 1.5}, tensor.Shape{N: 1, C: 1, H: 1, W: 2})
	require.NoError(t, err)
	out := b.Forward(probe, false)

	inv := 1.0 / math.Sqrt(1.0+1e-5)
	assert.InDelta(t, (0.5-0.5)*inv, out.Data()[0], 1e-12)
	assert.InDelta(t, (1.5-0.5)*inv, out.Data()[1], 1e-12)

	// Inference must not touch the running averages.
	mean, variance := b.RunningStats()
	assert.InDelta(t, 0.5, mean[0], 1e-12)
	assert.InDelta(t, 1.0, variance[0], 1e-12)
}

func TestBatchNormBackwardClampsInputGradient(t *testing.T) {
	tensor.SetSeed(52)
	b := NewBatchNorm()
	b.SetInput(tensor.Shape{N: 2, C: 2, H: 2, W: 2}, ChannelMajor)
	require.NoError(t, b.Build(0))

	input := tensor.Uniform(tensor.Shape{N: 2, C: 2, H: 2, W: 2}, -1, 1)
	b.Forward(input, true)

	grad := tensor.Full(input.Shape(), 1e5)
	dX := b.Backward(grad)

	for _, v := range dX.Data() {
		assert.LessOrEqual(t, v, batchNormGradClamp)
		assert.GreaterOrEqual(t, v, -batchNormGradClamp)
	}
}

func TestBatchNormBackwardWithoutForwardPanics(t *testing.T) {
	b := NewBatchNorm()
	b.SetInput(tensor.Shape{N: 1, C: 1, H: 2, W: 2}, ChannelMajor)
	require.NoError(t, b.Build(0))

	assert.Panics(t, func() {
		b.Backward(tensor.New(tensor.Shape{N: 1, C: 1, H: 2, W: 2}))
	})
}

func TestBatchNormBuildErrors(t *testing.T) {
	b := NewBatchNorm()
	b.SetInput(tensor.Shape{N: 1, C: 1, H: 4, W: 2}, FeatureMajor)
	assert.Error(t, b.Build(0), "feature-major input rejected")

	assert.Panics(t, func() { NewBatchNorm(BatchNormWithMomentum(1.5)) })
}
