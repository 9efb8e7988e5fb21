package layer

import (
	"fmt"
	"math"

	"github.com/lattice-ml/lattice/internal/parallel"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// Batch-normalization backward stabilizers: the input gradient clamps to
// [-batchNormGradClamp, +batchNormGradClamp] and the gamma gradient is scaled
// before it is exposed to the optimizer.
const (
	batchNormGradClamp  = 1.0
	batchNormGammaScale = 0.1
)

// BatchNorm normalizes channel-major activations with statistics aggregated
// over the batch and spatial axes, per channel.
//
// Trainable parameters are gamma (scale, init ones) and beta (shift, init
// zeros), one value per channel. During training an exponential running
// mean/variance is maintained (momentum weighting the history) and used at
// inference in place of batch statistics.
type BatchNorm struct {
	shapeInfo

	momentum float64
	epsilon  float64

	gamma *tensor.Tensor // (1, 1, C, 1)
	beta  *tensor.Tensor
	gradG *tensor.Tensor
	gradB *tensor.Tensor

	runningMean []float64
	runningVar  []float64

	ctx batchNormContext
}

type batchNormContext struct {
	normalized *tensor.Tensor // x-hat, training only
	invStd     []float64      // 1/sqrt(var+eps) per channel
}

// BatchNormOption configures a BatchNorm layer at construction.
type BatchNormOption func(*BatchNorm)

// BatchNormWithMomentum overrides the running-statistics momentum
// (default 0.99).
func BatchNormWithMomentum(m float64) BatchNormOption {
	return func(b *BatchNorm) { b.momentum = m }
}

// BatchNormWithEpsilon overrides the variance stabilizer (default 1e-5).
func BatchNormWithEpsilon(eps float64) BatchNormOption {
	return func(b *BatchNorm) { b.epsilon = eps }
}

// NewBatchNorm creates a batch-normalization layer.
func NewBatchNorm(opts ...BatchNormOption) *BatchNorm {
	b := &BatchNorm{momentum: 0.99, epsilon: 1e-5}
	for _, opt := range opts {
		opt(b)
	}
	if b.momentum < 0 || b.momentum >= 1 {
		panic(fmt.Sprintf("batchnorm: invalid momentum %g", b.momentum))
	}
	return b
}

// Build allocates gamma/beta, their gradients, and the running statistics.
func (b *BatchNorm) Build(id int) error {
	if err := b.resolve("batchnorm", id); err != nil {
		return err
	}
	if b.inLayout != ChannelMajor {
		return fmt.Errorf("batchnorm %d: requires channel-major input, predecessor produces %s", id, b.inLayout)
	}

	channels := b.inShape.C
	paramShape := tensor.Shape{N: 1, C: 1, H: channels, W: 1}
	b.gamma = tensor.Ones(paramShape)
	b.beta = tensor.Zeros(paramShape)
	b.gradG = tensor.Zeros(paramShape)
	b.gradB = tensor.Zeros(paramShape)

	b.runningMean = make([]float64, channels)
	b.runningVar = make([]float64, channels)
	for i := range b.runningVar {
		b.runningVar[i] = 1
	}

	b.built = true
	return nil
}

// OutputShape matches the input shape.
func (b *BatchNorm) OutputShape() tensor.Shape { return b.inShape }

// OutputLayout reports ChannelMajor.
func (b *BatchNorm) OutputLayout() Layout { return ChannelMajor }

// Forward normalizes via (x - mean)/sqrt(var + eps), then scales and shifts
// by gamma/beta. Training uses batch statistics and folds them into the
// running averages; inference uses the running averages and caches nothing.
func (b *BatchNorm) Forward(input *tensor.Tensor, training bool) *tensor.Tensor {
	in := input.Shape()
	requireShape("batchnorm", "input", in, b.inShape)

	out := tensor.New(in)
	inData := input.Data()
	outData := out.Data()
	gamma := b.gamma.Data()
	beta := b.beta.Data()
	plane := in.H * in.W
	perChannel := float64(in.N * plane)

	var normalized *tensor.Tensor
	var invStd []float64
	if training {
		normalized = tensor.New(in)
		invStd = make([]float64, in.C)
	}

	parallel.For(in.C, func(c int) {
		mean := b.runningMean[c]
		variance := b.runningVar[c]
		if training {
			sum := 0.0
			for n := 0; n < in.N; n++ {
				p := inData[(n*in.C+c)*plane : (n*in.C+c+1)*plane]
				for _, v := range p {
					sum += v
				}
			}
			mean = sum / perChannel

			sq := 0.0
			for n := 0; n < in.N; n++ {
				p := inData[(n*in.C+c)*plane : (n*in.C+c+1)*plane]
				for _, v := range p {
					d := v - mean
					sq += d * d
				}
			}
			variance = sq / perChannel

			b.runningMean[c] = b.momentum*b.runningMean[c] + (1-b.momentum)*mean
			b.runningVar[c] = b.momentum*b.runningVar[c] + (1-b.momentum)*variance
		}

		inv := 1.0 / math.Sqrt(variance+b.epsilon)
		g, bet := gamma[c], beta[c]
		for n := 0; n < in.N; n++ {
			src := inData[(n*in.C+c)*plane : (n*in.C+c+1)*plane]
			dst := outData[(n*in.C+c)*plane : (n*in.C+c+1)*plane]
			if training {
				norm := normalized.Data()[(n*in.C+c)*plane : (n*in.C+c+1)*plane]
				for i, v := range src {
					xh := (v - mean) * inv
					norm[i] = xh
					dst[i] = g*xh + bet
				}
			} else {
				for i, v := range src {
					dst[i] = g*(v-mean)*inv + bet
				}
			}
		}
		if training {
			invStd[c] = inv
		}
	}, parallel.Config{Enabled: true, NumWorkers: parallel.Workers(), MinChunkSize: 1})

	if training {
		b.ctx = batchNormContext{normalized: normalized, invStd: invStd}
	}
	return out
}

// Backward applies the standard normalization gradient decomposition per
// channel:
//
//	dGamma = sum(dOut * xhat)
//	dBeta  = sum(dOut)
//	dX     = invStd * (dOut*gamma - mean(dOut*gamma) - xhat*mean(dOut*gamma*xhat))
//
// then clamps dX to the fixed stabilizer range and scales dGamma.
func (b *BatchNorm) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if b.ctx.normalized == nil {
		panic("batchnorm: backward called without a training forward pass")
	}
	in := b.ctx.normalized.Shape()
	requireShape("batchnorm", "gradient", grad.Shape(), in)

	dX := tensor.New(in)
	gradData := grad.Data()
	normData := b.ctx.normalized.Data()
	dXData := dX.Data()
	gamma := b.gamma.Data()
	dG := b.gradG.Data()
	dB := b.gradB.Data()
	plane := in.H * in.W
	m := float64(in.N * plane)

	parallel.For(in.C, func(c int) {
		sumDy := 0.0     // sum of dOut*gamma
		sumDyXhat := 0.0 // sum of dOut*gamma*xhat
		sumGrad := 0.0
		sumGradXhat := 0.0
		for n := 0; n < in.N; n++ {
			g := gradData[(n*in.C+c)*plane : (n*in.C+c+1)*plane]
			xh := normData[(n*in.C+c)*plane : (n*in.C+c+1)*plane]
			for i, v := range g {
				dy := v * gamma[c]
				sumDy += dy
				sumDyXhat += dy * xh[i]
				sumGrad += v
				sumGradXhat += v * xh[i]
			}
		}

		dG[c] = sumGradXhat * batchNormGammaScale
		dB[c] = sumGrad

		inv := b.ctx.invStd[c]
		meanDy := sumDy / m
		meanDyXhat := sumDyXhat / m
		for n := 0; n < in.N; n++ {
			g := gradData[(n*in.C+c)*plane : (n*in.C+c+1)*plane]
			xh := normData[(n*in.C+c)*plane : (n*in.C+c+1)*plane]
			dst := dXData[(n*in.C+c)*plane : (n*in.C+c+1)*plane]
			for i, v := range g {
				dst[i] = inv * (v*gamma[c] - meanDy - xh[i]*meanDyXhat)
			}
		}
	}, parallel.Config{Enabled: true, NumWorkers: parallel.Workers(), MinChunkSize: 1})

	clampRange(dX, -batchNormGradClamp, batchNormGradClamp)
	return dX
}

// Parameters returns [gamma, beta].
func (b *BatchNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{b.gamma, b.beta}
}

// Gradients returns the gradient tensors in Parameters order.
func (b *BatchNorm) Gradients() []*tensor.Tensor {
	return []*tensor.Tensor{b.gradG, b.gradB}
}

// UpdateParameters applies parameter -= delta per slot.
func (b *BatchNorm) UpdateParameters(deltas []*tensor.Tensor) {
	applyDeltas("batchnorm", b.Parameters(), deltas)
}

// ZeroGradients resets both gradient buffers.
func (b *BatchNorm) ZeroGradients() {
	b.gradG.Zero()
	b.gradB.Zero()
}

// RunningStats exposes the running mean and variance for inspection.
func (b *BatchNorm) RunningStats() (mean, variance []float64) {
	return b.runningMean, b.runningVar
}
