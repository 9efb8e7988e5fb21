package layer

import (
	"fmt"

	"github.com/lattice-ml/lattice/internal/parallel"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// Upsampling2D enlarges channel-major activations by an integer factor using
// nearest-neighbor repetition: every source value expands into a scale x
// scale block. Backward SUMS all gradient values in each expanded block back
// into the source position.
type Upsampling2D struct {
	shapeInfo

	scale int

	ctx upsampleContext
}

type upsampleContext struct {
	lastShape tensor.Shape
	seen      bool
}

// NewUpsampling2D creates an upsampling layer with the given integer scale.
func NewUpsampling2D(scale int) *Upsampling2D {
	if scale <= 0 {
		panic(fmt.Sprintf("upsampling2d: invalid scale %d", scale))
	}
	return &Upsampling2D{scale: scale}
}

// Build validates the input layout.
func (u *Upsampling2D) Build(id int) error {
	if err := u.resolve("upsampling2d", id); err != nil {
		return err
	}
	if u.inLayout != ChannelMajor {
		return fmt.Errorf("upsampling2d %d: requires channel-major input, predecessor produces %s", id, u.inLayout)
	}
	u.built = true
	return nil
}

// OutputShape reports (batch, channels, H*scale, W*scale).
func (u *Upsampling2D) OutputShape() tensor.Shape {
	return tensor.Shape{N: u.inShape.N, C: u.inShape.C, H: u.inShape.H * u.scale, W: u.inShape.W * u.scale}
}

// OutputLayout reports ChannelMajor.
func (u *Upsampling2D) OutputLayout() Layout { return ChannelMajor }

// Forward repeats every value into its expanded block.
func (u *Upsampling2D) Forward(input *tensor.Tensor, training bool) *tensor.Tensor {
	in := input.Shape()
	requireShape("upsampling2d", "input", in, u.inShape)
	u.ctx = upsampleContext{lastShape: in, seen: true}

	outH := in.H * u.scale
	outW := in.W * u.scale
	out := tensor.New(tensor.Shape{N: in.N, C: in.C, H: outH, W: outW})
	src := input.Data()
	dst := out.Data()
	plane := in.H * in.W
	outPlane := outH * outW

	parallel.For(in.N*in.C, func(nc int) {
		channel := src[nc*plane : (nc+1)*plane]
		o := dst[nc*outPlane : (nc+1)*outPlane]
		for oh := 0; oh < outH; oh++ {
			srcRow := channel[(oh/u.scale)*in.W : (oh/u.scale+1)*in.W]
			outRow := o[oh*outW : (oh+1)*outW]
			for ow := 0; ow < outW; ow++ {
				outRow[ow] = srcRow[ow/u.scale]
			}
		}
	}, parallel.Config{Enabled: true, NumWorkers: parallel.Workers(), MinChunkSize: 1})

	return out
}

// Backward sums each expanded block's gradient into its source position.
func (u *Upsampling2D) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if !u.ctx.seen {
		panic("upsampling2d: backward called before any forward pass")
	}
	last := u.ctx.lastShape
	want := tensor.Shape{N: last.N, C: last.C, H: last.H * u.scale, W: last.W * u.scale}
	if !grad.Shape().Equal(want) {
		panic(fmt.Sprintf("upsampling2d: gradient shape %v does not match output %v", grad.Shape(), want))
	}

	out := tensor.New(last)
	src := grad.Data()
	dst := out.Data()
	plane := last.H * last.W
	outPlane := want.H * want.W

	parallel.For(last.N*last.C, func(nc int) {
		g := src[nc*outPlane : (nc+1)*outPlane]
		o := dst[nc*plane : (nc+1)*plane]
		for h := 0; h < last.H; h++ {
			for w := 0; w < last.W; w++ {
				sum := 0.0
				for dh := 0; dh < u.scale; dh++ {
					row := g[(h*u.scale+dh)*want.W : (h*u.scale+dh+1)*want.W]
					for dw := 0; dw < u.scale; dw++ {
						sum += row[w*u.scale+dw]
					}
				}
				o[h*last.W+w] = sum
			}
		}
	}, parallel.Config{Enabled: true, NumWorkers: parallel.Workers(), MinChunkSize: 1})

	return out
}
