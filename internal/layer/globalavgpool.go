package layer

import (
	"fmt"

	"github.com/lattice-ml/lattice/internal/parallel"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// GlobalAvgPool averages every spatial position per (batch, channel),
// producing a (batch, channels, 1, 1) tensor. Backward divides the incoming
// gradient by the spatial element count and broadcasts it uniformly.
type GlobalAvgPool struct {
	shapeInfo
}

// NewGlobalAvgPool creates a global average pooling layer.
func NewGlobalAvgPool() *GlobalAvgPool {
	return &GlobalAvgPool{}
}

// Build validates the input layout.
func (g *GlobalAvgPool) Build(id int) error {
	if err := g.resolve("globalavgpool", id); err != nil {
		return err
	}
	if g.inLayout != ChannelMajor {
		return fmt.Errorf("globalavgpool %d: requires channel-major input, predecessor produces %s", id, g.inLayout)
	}
	g.built = true
	return nil
}

// OutputShape reports (batch, channels, 1, 1).
func (g *GlobalAvgPool) OutputShape() tensor.Shape {
	return tensor.Shape{N: g.inShape.N, C: g.inShape.C, H: 1, W: 1}
}

// OutputLayout reports ChannelMajor.
func (g *GlobalAvgPool) OutputLayout() Layout { return ChannelMajor }

// Forward averages each (batch, channel) plane.
func (g *GlobalAvgPool) Forward(input *tensor.Tensor, training bool) *tensor.Tensor {
	in := input.Shape()
	requireShape("globalavgpool", "input", in, g.inShape)

	out := tensor.New(tensor.Shape{N: in.N, C: in.C, H: 1, W: 1})
	inData := input.Data()
	outData := out.Data()
	plane := in.H * in.W

	parallel.For(in.N*in.C, func(nc int) {
		sum := 0.0
		for _, v := range inData[nc*plane : (nc+1)*plane] {
			sum += v
		}
		outData[nc] = sum / float64(plane)
	}, parallel.Config{Enabled: true, NumWorkers: parallel.Workers(), MinChunkSize: 1})

	return out
}

// Backward broadcasts grad/(H*W) to every spatial position.
func (g *GlobalAvgPool) Backward(grad *tensor.Tensor) *tensor.Tensor {
	in := g.inShape
	want := tensor.Shape{N: grad.Shape().N, C: in.C, H: 1, W: 1}
	if !grad.Shape().Equal(want) {
		panic(fmt.Sprintf("globalavgpool: gradient shape %v does not match output %v", grad.Shape(), want))
	}

	out := tensor.New(tensor.Shape{N: grad.Shape().N, C: in.C, H: in.H, W: in.W})
	gradData := grad.Data()
	outData := out.Data()
	plane := in.H * in.W
	inv := 1.0 / float64(plane)

	parallel.For(len(gradData), func(nc int) {
		share := gradData[nc] * inv
		dst := outData[nc*plane : (nc+1)*plane]
		for i := range dst {
			dst[i] = share
		}
	}, parallel.Config{Enabled: true, NumWorkers: parallel.Workers(), MinChunkSize: 1})

	return out
}
