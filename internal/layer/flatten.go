package layer

import (
	"fmt"

	"github.com/lattice-ml/lattice/internal/parallel"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// Flatten converts channel-major activations into the feature-major 2D form
// dense layers consume: each image's C*H*W values become one column of a
// (1, 1, features, batch) matrix.
//
// Flatten records the exact shape it saw on the most recent forward call so
// backward can route the incoming gradient back to that shape. Feature-major
// input is already flat and passes through unchanged.
type Flatten struct {
	shapeInfo

	ctx flattenContext
}

type flattenContext struct {
	lastShape tensor.Shape
	seen      bool
}

// NewFlatten creates a flatten layer.
func NewFlatten() *Flatten {
	return &Flatten{}
}

// Build validates the wiring.
func (f *Flatten) Build(id int) error {
	if err := f.resolve("flatten", id); err != nil {
		return err
	}
	f.built = true
	return nil
}

// OutputShape reports (1, 1, C*H*W, batch) for channel-major input, or the
// input shape unchanged for feature-major input.
func (f *Flatten) OutputShape() tensor.Shape {
	if f.inLayout == FeatureMajor {
		return f.inShape
	}
	return tensor.Shape{N: 1, C: 1, H: f.inShape.C * f.inShape.H * f.inShape.W, W: f.inShape.N}
}

// OutputLayout reports FeatureMajor.
func (f *Flatten) OutputLayout() Layout { return FeatureMajor }

// Forward transposes each image's features into a column.
func (f *Flatten) Forward(input *tensor.Tensor, training bool) *tensor.Tensor {
	in := input.Shape()
	requireShape("flatten", "input", in, f.inShape)
	f.ctx = flattenContext{lastShape: in, seen: true}

	if f.inLayout == FeatureMajor {
		return input.Clone()
	}

	features := in.C * in.H * in.W
	out := tensor.New(tensor.Shape{N: 1, C: 1, H: features, W: in.N})
	src := input.Data()
	dst := out.Data()
	parallel.For(in.N, func(n int) {
		image := src[n*features : (n+1)*features]
		for i, v := range image {
			dst[i*in.N+n] = v
		}
	}, parallel.Config{Enabled: true, NumWorkers: parallel.Workers(), MinChunkSize: 1})

	return out
}

// Backward restores the incoming gradient to the exact shape of the latest
// forward input.
func (f *Flatten) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if !f.ctx.seen {
		panic("flatten: backward called before any forward pass")
	}
	last := f.ctx.lastShape

	if f.inLayout == FeatureMajor {
		requireShape("flatten", "gradient", grad.Shape(), last)
		return grad.Clone()
	}

	features := last.C * last.H * last.W
	want := tensor.Shape{N: 1, C: 1, H: features, W: last.N}
	if !grad.Shape().Equal(want) {
		panic(fmt.Sprintf("flatten: gradient shape %v does not match output %v", grad.Shape(), want))
	}

	out := tensor.New(last)
	src := grad.Data()
	dst := out.Data()
	parallel.For(last.N, func(n int) {
		image := dst[n*features : (n+1)*features]
		for i := range image {
			image[i] = src[i*last.N+n]
		}
	}, parallel.Config{Enabled: true, NumWorkers: parallel.Workers(), MinChunkSize: 1})

	return out
}
