package layer

import (
	"math"

	"github.com/lattice-ml/lattice/internal/parallel"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// LayerNorm normalizes over the feature/embedding axis independently for
// every (batch, position) pair: each (n, c) feature block of H*W values gets
// its own mean and variance. Unlike BatchNorm there are no running
// statistics; inference normalizes exactly like training.
//
// Gamma (init ones) and beta (init zeros) are sized to the feature block.
type LayerNorm struct {
	shapeInfo

	epsilon float64

	gamma *tensor.Tensor // (1, 1, H, W) of the input feature block
	beta  *tensor.Tensor
	gradG *tensor.Tensor
	gradB *tensor.Tensor

	ctx layerNormContext
}

type layerNormContext struct {
	normalized *tensor.Tensor
	invStd     []float64 // per (n, c) position
}

// LayerNormOption configures a LayerNorm layer at construction.
type LayerNormOption func(*LayerNorm)

// LayerNormWithEpsilon overrides the variance stabilizer (default 1e-5).
func LayerNormWithEpsilon(eps float64) LayerNormOption {
	return func(l *LayerNorm) { l.epsilon = eps }
}

// NewLayerNorm creates a per-position normalization layer.
func NewLayerNorm(opts ...LayerNormOption) *LayerNorm {
	l := &LayerNorm{epsilon: 1e-5}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Build sizes gamma/beta to the input's feature block.
func (l *LayerNorm) Build(id int) error {
	if err := l.resolve("layernorm", id); err != nil {
		return err
	}

	paramShape := tensor.Shape{N: 1, C: 1, H: l.inShape.H, W: l.inShape.W}
	l.gamma = tensor.Ones(paramShape)
	l.beta = tensor.Zeros(paramShape)
	l.gradG = tensor.Zeros(paramShape)
	l.gradB = tensor.Zeros(paramShape)

	l.built = true
	return nil
}

// OutputShape matches the input shape.
func (l *LayerNorm) OutputShape() tensor.Shape { return l.inShape }

// OutputLayout passes the input layout through.
func (l *LayerNorm) OutputLayout() Layout { return l.inLayout }

// Forward normalizes each (batch, position) feature block and applies
// gamma/beta.
func (l *LayerNorm) Forward(input *tensor.Tensor, training bool) *tensor.Tensor {
	in := input.Shape()
	requireShape("layernorm", "input", in, l.inShape)

	out := tensor.New(in)
	inData := input.Data()
	outData := out.Data()
	gamma := l.gamma.Data()
	beta := l.beta.Data()
	features := in.H * in.W
	positions := in.N * in.C

	var normalized *tensor.Tensor
	var invStd []float64
	if training {
		normalized = tensor.New(in)
		invStd = make([]float64, positions)
	}

	parallel.For(positions, func(p int) {
		block := inData[p*features : (p+1)*features]
		dst := outData[p*features : (p+1)*features]

		sum := 0.0
		for _, v := range block {
			sum += v
		}
		mean := sum / float64(features)

		sq := 0.0
		for _, v := range block {
			d := v - mean
			sq += d * d
		}
		variance := sq / float64(features)
		inv := 1.0 / math.Sqrt(variance+l.epsilon)

		if training {
			norm := normalized.Data()[p*features : (p+1)*features]
			for i, v := range block {
				xh := (v - mean) * inv
				norm[i] = xh
				dst[i] = gamma[i]*xh + beta[i]
			}
			invStd[p] = inv
		} else {
			for i, v := range block {
				dst[i] = gamma[i]*(v-mean)*inv + beta[i]
			}
		}
	}, parallel.Config{Enabled: true, NumWorkers: parallel.Workers(), MinChunkSize: 1})

	if training {
		l.ctx = layerNormContext{normalized: normalized, invStd: invStd}
	}
	return out
}

// Backward applies the normalization gradient decomposition per (batch,
// position) block for the input gradient, then reduces over all blocks for
// gamma/beta. The two passes partition their output strictly (blocks, then
// feature indices), so no parallel task shares a destination.
func (l *LayerNorm) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if l.ctx.normalized == nil {
		panic("layernorm: backward called without a training forward pass")
	}
	in := l.ctx.normalized.Shape()
	requireShape("layernorm", "gradient", grad.Shape(), in)

	dX := tensor.New(in)
	gradData := grad.Data()
	normData := l.ctx.normalized.Data()
	dXData := dX.Data()
	gamma := l.gamma.Data()
	features := in.H * in.W
	positions := in.N * in.C
	cfg := parallel.Config{Enabled: true, NumWorkers: parallel.Workers(), MinChunkSize: 1}

	parallel.For(positions, func(p int) {
		g := gradData[p*features : (p+1)*features]
		xh := normData[p*features : (p+1)*features]
		dst := dXData[p*features : (p+1)*features]

		sumDy := 0.0
		sumDyXhat := 0.0
		for i, v := range g {
			dy := v * gamma[i]
			sumDy += dy
			sumDyXhat += dy * xh[i]
		}
		meanDy := sumDy / float64(features)
		meanDyXhat := sumDyXhat / float64(features)

		inv := l.ctx.invStd[p]
		for i, v := range g {
			dst[i] = inv * (v*gamma[i] - meanDy - xh[i]*meanDyXhat)
		}
	}, cfg)

	dG := l.gradG.Data()
	dB := l.gradB.Data()
	parallel.For(features, func(i int) {
		sumG, sumB := 0.0, 0.0
		for p := 0; p < positions; p++ {
			sumG += gradData[p*features+i] * normData[p*features+i]
			sumB += gradData[p*features+i]
		}
		dG[i] = sumG
		dB[i] = sumB
	}, cfg)

	return dX
}

// Parameters returns [gamma, beta].
func (l *LayerNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{l.gamma, l.beta}
}

// Gradients returns the gradient tensors in Parameters order.
func (l *LayerNorm) Gradients() []*tensor.Tensor {
	return []*tensor.Tensor{l.gradG, l.gradB}
}

// UpdateParameters applies parameter -= delta per slot.
func (l *LayerNorm) UpdateParameters(deltas []*tensor.Tensor) {
	applyDeltas("layernorm", l.Parameters(), deltas)
}

// ZeroGradients resets both gradient buffers.
func (l *LayerNorm) ZeroGradients() {
	l.gradG.Zero()
	l.gradB.Zero()
}
