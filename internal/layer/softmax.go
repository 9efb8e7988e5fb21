package layer

import (
	"math"

	"github.com/lattice-ml/lattice/internal/parallel"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// Softmax normalizes scores into a probability distribution over the feature
// axis of each sample, subtracting the per-sample maximum before
// exponentiation for numerical stability.
//
// Softmax assumes it is the output layer paired with a cross-entropy loss:
// Backward treats the incoming tensor as the target distribution and returns
// output - target directly instead of a Jacobian-vector product.
type Softmax struct {
	shapeInfo

	ctx softmaxContext
}

type softmaxContext struct {
	output *tensor.Tensor
}

// NewSoftmax creates a softmax output layer.
func NewSoftmax() *Softmax {
	return &Softmax{}
}

// Build validates the wiring.
func (s *Softmax) Build(id int) error {
	if err := s.resolve("softmax", id); err != nil {
		return err
	}
	s.built = true
	return nil
}

// OutputShape matches the input shape.
func (s *Softmax) OutputShape() tensor.Shape { return s.inShape }

// OutputLayout passes the input layout through.
func (s *Softmax) OutputLayout() Layout { return s.inLayout }

// Forward exponentiates max-subtracted scores and normalizes per sample.
// Feature-major input normalizes each batch column; channel-major input
// normalizes each (batch, channel) feature block.
func (s *Softmax) Forward(input *tensor.Tensor, training bool) *tensor.Tensor {
	in := input.Shape()
	requireShape("softmax", "input", in, s.inShape)

	out := tensor.New(in)
	src := input.Data()
	dst := out.Data()
	cfg := parallel.Config{Enabled: true, NumWorkers: parallel.Workers(), MinChunkSize: 1}

	if s.inLayout == FeatureMajor {
		// Columns are samples: normalize down each column.
		rows := in.Rows()
		cols := in.Cols()
		parallel.For(cols, func(c int) {
			maxVal := math.Inf(-1)
			for r := 0; r < rows; r++ {
				if v := src[r*cols+c]; v > maxVal {
					maxVal = v
				}
			}
			sum := 0.0
			for r := 0; r < rows; r++ {
				e := math.Exp(src[r*cols+c] - maxVal)
				dst[r*cols+c] = e
				sum += e
			}
			for r := 0; r < rows; r++ {
				dst[r*cols+c] /= sum
			}
		}, cfg)
	} else {
		features := in.H * in.W
		parallel.For(in.N*in.C, func(p int) {
			block := src[p*features : (p+1)*features]
			o := dst[p*features : (p+1)*features]
			maxVal := math.Inf(-1)
			for _, v := range block {
				if v > maxVal {
					maxVal = v
				}
			}
			sum := 0.0
			for i, v := range block {
				e := math.Exp(v - maxVal)
				o[i] = e
				sum += e
			}
			for i := range o {
				o[i] /= sum
			}
		}, cfg)
	}

	if training {
		s.ctx.output = out
	}
	return out
}

// Backward returns output - target, the fused softmax/cross-entropy
// gradient.
func (s *Softmax) Backward(target *tensor.Tensor) *tensor.Tensor {
	if s.ctx.output == nil {
		panic("softmax: backward called without a training forward pass")
	}
	requireShape("softmax", "target", target.Shape(), s.ctx.output.Shape())
	return s.ctx.output.Sub(target)
}
