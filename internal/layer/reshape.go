package layer

import (
	"fmt"

	"github.com/lattice-ml/lattice/internal/tensor"
)

// Reshape reinterprets each sample's features under a new (channels, height,
// width) target, keeping the batch axis. Feature-major input (dense
// predecessors store samples as columns) is transposed to batch-major first;
// channel-major input is reinterpreted in place.
//
// The exact input shape of the most recent forward call is recorded so
// backward can restore it, including the transpose.
type Reshape struct {
	shapeInfo

	targetC, targetH, targetW int

	ctx reshapeContext
}

type reshapeContext struct {
	lastShape tensor.Shape
	seen      bool
}

// NewReshape creates a reshape layer targeting (channels, height, width) per
// sample.
func NewReshape(channels, height, width int) *Reshape {
	if channels <= 0 || height <= 0 || width <= 0 {
		panic(fmt.Sprintf("reshape: invalid target (%d, %d, %d)", channels, height, width))
	}
	return &Reshape{targetC: channels, targetH: height, targetW: width}
}

// featuresPerSample returns the per-sample element count of the input.
func (r *Reshape) featuresPerSample() int {
	if r.inLayout == FeatureMajor {
		return r.inShape.H // (1, 1, features, batch)
	}
	return r.inShape.C * r.inShape.H * r.inShape.W
}

// Build checks that the target preserves the per-sample element count.
func (r *Reshape) Build(id int) error {
	if err := r.resolve("reshape", id); err != nil {
		return err
	}
	have := r.featuresPerSample()
	want := r.targetC * r.targetH * r.targetW
	if have != want {
		return fmt.Errorf("reshape %d: target (%d, %d, %d) needs %d elements per sample, input provides %d",
			id, r.targetC, r.targetH, r.targetW, want, have)
	}
	r.built = true
	return nil
}

// OutputShape reports (batch, targetC, targetH, targetW).
func (r *Reshape) OutputShape() tensor.Shape {
	batch := r.inShape.N
	if r.inLayout == FeatureMajor {
		batch = r.inShape.W
	}
	return tensor.Shape{N: batch, C: r.targetC, H: r.targetH, W: r.targetW}
}

// OutputLayout reports ChannelMajor.
func (r *Reshape) OutputLayout() Layout { return ChannelMajor }

// Forward reinterprets (and, for feature-major input, transposes) the input
// into the target shape.
func (r *Reshape) Forward(input *tensor.Tensor, training bool) *tensor.Tensor {
	in := input.Shape()
	requireShape("reshape", "input", in, r.inShape)
	r.ctx = reshapeContext{lastShape: in, seen: true}

	if r.inLayout == FeatureMajor {
		// Columns are samples: transpose to batch-major before reshaping.
		return input.Transpose().Reshape(in.W, r.targetC, r.targetH, r.targetW)
	}
	return input.Clone().Reshape(in.N, r.targetC, r.targetH, r.targetW)
}

// Backward restores the incoming gradient to the exact shape (and layout) of
// the latest forward input.
func (r *Reshape) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if !r.ctx.seen {
		panic("reshape: backward called before any forward pass")
	}
	last := r.ctx.lastShape

	if r.inLayout == FeatureMajor {
		batch := last.W
		want := tensor.Shape{N: batch, C: r.targetC, H: r.targetH, W: r.targetW}
		if !grad.Shape().Equal(want) {
			panic(fmt.Sprintf("reshape: gradient shape %v does not match output %v", grad.Shape(), want))
		}
		flat := grad.Clone().Reshape(1, 1, batch, last.H)
		return flat.Transpose()
	}

	want := tensor.Shape{N: last.N, C: r.targetC, H: r.targetH, W: r.targetW}
	if !grad.Shape().Equal(want) {
		panic(fmt.Sprintf("reshape: gradient shape %v does not match output %v", grad.Shape(), want))
	}
	return grad.Clone().Reshape(last.N, last.C, last.H, last.W)
}
