package layer

import (
	"fmt"

	"github.com/lattice-ml/lattice/internal/tensor"
)

// Dropout zeroes a random subset of activations during training and rescales
// the survivors by 1/(1-rate) so the expected activation magnitude is
// preserved. Inference is an identity copy.
//
// The keep-mask is drawn fresh on every training forward from the
// process-wide seed (chunk-derived sub-seeds, so generation is race-free and
// repeatable). When the predecessor produces channel-major data the mask is
// drawn per channel instead of per element, so entire feature maps drop
// together (spatial dropout).
type Dropout struct {
	shapeInfo

	rate float64

	ctx dropoutContext
}

type dropoutContext struct {
	mask *tensor.Tensor // keep-scale per element: 0 or 1/(1-rate)
}

// NewDropout creates a dropout layer with the given drop rate in [0, 1).
func NewDropout(rate float64) *Dropout {
	if rate < 0 || rate >= 1 {
		panic(fmt.Sprintf("dropout: rate %g outside [0, 1)", rate))
	}
	return &Dropout{rate: rate}
}

// Build validates the wiring; dropout has no state to allocate.
func (d *Dropout) Build(id int) error {
	if err := d.resolve("dropout", id); err != nil {
		return err
	}
	d.built = true
	return nil
}

// OutputShape matches the input shape.
func (d *Dropout) OutputShape() tensor.Shape { return d.inShape }

// OutputLayout passes the input layout through.
func (d *Dropout) OutputLayout() Layout { return d.inLayout }

// Forward applies a fresh keep-mask during training; inference copies the
// input unchanged.
func (d *Dropout) Forward(input *tensor.Tensor, training bool) *tensor.Tensor {
	in := input.Shape()
	requireShape("dropout", "input", in, d.inShape)

	if !training || d.rate == 0 {
		return input.Clone()
	}

	scale := 1.0 / (1.0 - d.rate)
	mask := tensor.New(in)
	maskData := mask.Data()

	if d.inLayout == ChannelMajor && in.H*in.W > 1 {
		// Spatial dropout: one decision per (image, channel) plane.
		keep := tensor.Bernoulli(tensor.Shape{N: in.N, C: in.C, H: 1, W: 1}, 1.0-d.rate)
		keepData := keep.Data()
		plane := in.H * in.W
		for nc, k := range keepData {
			if k == 0 {
				continue
			}
			dst := maskData[nc*plane : (nc+1)*plane]
			for i := range dst {
				dst[i] = scale
			}
		}
	} else {
		keep := tensor.Bernoulli(in, 1.0-d.rate)
		keepData := keep.Data()
		for i, k := range keepData {
			maskData[i] = k * scale
		}
	}

	d.ctx.mask = mask
	return input.Mul(mask)
}

// Backward reapplies the cached mask and scale to the incoming gradient.
func (d *Dropout) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if d.ctx.mask == nil {
		panic("dropout: backward called without a training forward pass")
	}
	return grad.Mul(d.ctx.mask)
}
