package layer

import (
	"fmt"
	"math"

	"github.com/lattice-ml/lattice/internal/tensor"
)

// Dense is a fully connected layer over feature-major data.
//
// Input is a (1, 1, in, batch) tensor: feature rows, one column per sample.
// Forward computes weights x input plus a broadcast bias; the optional matmul
// scaling divides by the input feature count.
//
// Unlike most layers, Dense ACCUMULATES parameter gradients across backward
// calls, so the orchestrator can run several micro-batches before an update;
// ZeroGradients ends an accumulation window. Each backward contribution is
// clipped adaptively: it is rescaled only when its norm exceeds
// adaptiveClipEpsilon times the parameter's own norm.
type Dense struct {
	shapeInfo

	units   int
	useBias bool
	scaled  bool
	initFn  func(shape tensor.Shape, fanIn, fanOut int) *tensor.Tensor

	weights *tensor.Tensor // (1, 1, units, in)
	bias    *tensor.Tensor // (1, 1, units, 1)
	gradW   *tensor.Tensor
	gradB   *tensor.Tensor

	ctx denseContext
}

type denseContext struct {
	input *tensor.Tensor // cached forward input, training only
}

// DenseOption configures a Dense layer at construction.
type DenseOption func(*Dense)

// DenseWithInput declares the input feature count for a Dense layer used at
// the head of the chain, where no predecessor supplies a shape.
func DenseWithInput(features int) DenseOption {
	return func(d *Dense) {
		d.SetInput(tensor.Shape{N: 1, C: 1, H: features, W: tensor.BatchSentinel}, FeatureMajor)
	}
}

// DenseWithBias toggles the bias term (enabled by default).
func DenseWithBias(enabled bool) DenseOption {
	return func(d *Dense) { d.useBias = enabled }
}

// DenseWithScaling divides matmul outputs by the input feature count.
func DenseWithScaling() DenseOption {
	return func(d *Dense) { d.scaled = true }
}

// DenseWithUniformInit overrides the default Xavier weights with draws from
// [lo, hi).
func DenseWithUniformInit(lo, hi float64) DenseOption {
	return func(d *Dense) {
		d.initFn = func(shape tensor.Shape, _, _ int) *tensor.Tensor {
			return tensor.Uniform(shape, lo, hi)
		}
	}
}

// DenseWithNormalInit overrides the default Xavier weights with draws from
// N(mean, stddev^2).
func DenseWithNormalInit(mean, stddev float64) DenseOption {
	return func(d *Dense) {
		d.initFn = func(shape tensor.Shape, _, _ int) *tensor.Tensor {
			return tensor.Normal(shape, mean, stddev)
		}
	}
}

// NewDense creates a fully connected layer with the given output feature
// count. Panics on a non-positive unit count; that is a construction-time
// configuration bug.
func NewDense(units int, opts ...DenseOption) *Dense {
	if units <= 0 {
		panic(fmt.Sprintf("dense: invalid unit count %d", units))
	}
	d := &Dense{units: units, useBias: true}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Build allocates and initializes weights, bias and their gradient buffers.
func (d *Dense) Build(id int) error {
	if err := d.resolve("dense", id); err != nil {
		return err
	}
	if d.inShape.N != 1 || d.inShape.C != 1 {
		return fmt.Errorf("dense %d: expected feature-major input (1,1,features,batch), got %v", id, d.inShape)
	}

	in := d.inShape.H
	weightShape := tensor.Shape{N: 1, C: 1, H: d.units, W: in}
	if d.initFn != nil {
		d.weights = d.initFn(weightShape, in, d.units)
	} else {
		// Xavier uniform: U(-sqrt(6/(fanIn+fanOut)), +sqrt(...)).
		bound := math.Sqrt(6.0 / float64(in+d.units))
		d.weights = tensor.Uniform(weightShape, -bound, bound)
	}
	d.gradW = tensor.Zeros(weightShape)

	if d.useBias {
		biasShape := tensor.Shape{N: 1, C: 1, H: d.units, W: 1}
		d.bias = tensor.Zeros(biasShape)
		d.gradB = tensor.Zeros(biasShape)
	}

	d.built = true
	return nil
}

// OutputShape reports (1, 1, units, batch) with the batch axis unresolved.
func (d *Dense) OutputShape() tensor.Shape {
	return tensor.Shape{N: 1, C: 1, H: d.units, W: tensor.BatchSentinel}
}

// OutputLayout reports FeatureMajor.
func (d *Dense) OutputLayout() Layout { return FeatureMajor }

// Forward computes weights x input (+ bias).
func (d *Dense) Forward(input *tensor.Tensor, training bool) *tensor.Tensor {
	in := input.Shape()
	if in.N != 1 || in.C != 1 || in.H != d.weights.Shape().W {
		panic(fmt.Sprintf("dense: input shape %v does not match weight shape %v", in, d.weights.Shape()))
	}

	out := d.weights.MatMul(input, d.scaled)
	if d.useBias {
		data := out.Data()
		bias := d.bias.Data()
		batch := in.W
		for r := 0; r < d.units; r++ {
			row := data[r*batch : (r+1)*batch]
			b := bias[r]
			for c := range row {
				row[c] += b
			}
		}
	}

	if training {
		d.ctx.input = input
	}
	return out
}

// Backward accumulates the weight gradient (gradient x cached-input^T) and
// the batch-mean bias gradient, then returns weights^T x gradient.
func (d *Dense) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if d.ctx.input == nil {
		panic("dense: backward called without a training forward pass")
	}
	g := grad.Shape()
	batch := d.ctx.input.Shape().W
	if g.N != 1 || g.C != 1 || g.H != d.units || g.W != batch {
		panic(fmt.Sprintf("dense: gradient shape %v does not match output (1,1,%d,%d)", g, d.units, batch))
	}

	dW := grad.MatMul(d.ctx.input.Transpose(), false)
	if d.scaled {
		dW.Scale(1.0 / float64(d.weights.Shape().W))
	}
	clipAdaptive(dW, d.weights, adaptiveClipEpsilon)
	d.gradW.AddInPlace(dW)

	if d.useBias {
		dB := grad.SumAxis(tensor.AxisWidth).Scale(1.0 / float64(batch))
		clipAdaptive(dB, d.bias, adaptiveClipEpsilon)
		d.gradB.AddInPlace(dB)
	}

	dX := d.weights.Transpose().MatMul(grad, false)
	if d.scaled {
		dX.Scale(1.0 / float64(d.weights.Shape().W))
	}
	return dX
}

// Parameters returns [weights, bias] (bias omitted when disabled).
func (d *Dense) Parameters() []*tensor.Tensor {
	if d.useBias {
		return []*tensor.Tensor{d.weights, d.bias}
	}
	return []*tensor.Tensor{d.weights}
}

// Gradients returns the gradient tensors in Parameters order.
func (d *Dense) Gradients() []*tensor.Tensor {
	if d.useBias {
		return []*tensor.Tensor{d.gradW, d.gradB}
	}
	return []*tensor.Tensor{d.gradW}
}

// UpdateParameters applies parameter -= delta per slot.
func (d *Dense) UpdateParameters(deltas []*tensor.Tensor) {
	applyDeltas("dense", d.Parameters(), deltas)
}

// ZeroGradients resets the accumulation buffers.
func (d *Dense) ZeroGradients() {
	d.gradW.Zero()
	if d.useBias {
		d.gradB.Zero()
	}
}
