package layer

import (
	"fmt"
	"math"

	"github.com/lattice-ml/lattice/internal/parallel"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// MaxPool2D downsamples channel-major input by taking the maximum of each
// pooling window.
//
// Backward re-derives the arg-max from the cached input instead of storing
// indices at forward time: the window is re-scanned and the first position
// whose value is strictly greater than the running max wins. That fixes the
// tie-break (earliest position in scan order) and keeps gradients
// deterministic. The incoming gradient is ADDED into the winning position,
// because overlapping windows (stride < poolSize) can route gradient to the
// same input position more than once.
type MaxPool2D struct {
	shapeInfo

	poolSize int
	stride   int

	outH, outW int

	ctx maxPoolContext
}

type maxPoolContext struct {
	input *tensor.Tensor
}

// NewMaxPool2D creates a max-pooling layer. Panics on non-positive pool size
// or stride.
func NewMaxPool2D(poolSize, stride int) *MaxPool2D {
	if poolSize <= 0 || stride <= 0 {
		panic(fmt.Sprintf("maxpool2d: invalid configuration pool=%d stride=%d", poolSize, stride))
	}
	return &MaxPool2D{poolSize: poolSize, stride: stride}
}

// Build resolves the output extents.
func (m *MaxPool2D) Build(id int) error {
	if err := m.resolve("maxpool2d", id); err != nil {
		return err
	}
	if m.inLayout != ChannelMajor {
		return fmt.Errorf("maxpool2d %d: requires channel-major input, predecessor produces %s", id, m.inLayout)
	}
	if m.poolSize > m.inShape.H || m.poolSize > m.inShape.W {
		return fmt.Errorf("maxpool2d %d: pool %d exceeds input extent %dx%d",
			id, m.poolSize, m.inShape.H, m.inShape.W)
	}

	m.outH, m.outW = m.outExtents()
	m.built = true
	return nil
}

func (m *MaxPool2D) outExtents() (int, int) {
	return (m.inShape.H-m.poolSize)/m.stride + 1, (m.inShape.W-m.poolSize)/m.stride + 1
}

// OutputShape reports (batch, channels, outH, outW); the batch axis follows
// the input shape (sentinel until known).
func (m *MaxPool2D) OutputShape() tensor.Shape {
	if !m.built {
		// Best-effort static shape from configuration alone.
		if !m.inSet {
			return tensor.Shape{N: tensor.BatchSentinel, C: tensor.BatchSentinel, H: tensor.BatchSentinel, W: tensor.BatchSentinel}
		}
		outH, outW := m.outExtents()
		return tensor.Shape{N: m.inShape.N, C: m.inShape.C, H: outH, W: outW}
	}
	return tensor.Shape{N: m.inShape.N, C: m.inShape.C, H: m.outH, W: m.outW}
}

// OutputLayout reports ChannelMajor.
func (m *MaxPool2D) OutputLayout() Layout { return ChannelMajor }

// Forward scans every pooling window and records the maximum.
func (m *MaxPool2D) Forward(input *tensor.Tensor, training bool) *tensor.Tensor {
	in := input.Shape()
	requireShape("maxpool2d", "input", in, m.inShape)

	out := tensor.New(tensor.Shape{N: in.N, C: in.C, H: m.outH, W: m.outW})
	inData := input.Data()
	outData := out.Data()
	plane := in.H * in.W
	outPlane := m.outH * m.outW

	parallel.For(in.N*in.C, func(nc int) {
		channel := inData[nc*plane : (nc+1)*plane]
		dst := outData[nc*outPlane : (nc+1)*outPlane]
		for oh := 0; oh < m.outH; oh++ {
			hStart := oh * m.stride
			for ow := 0; ow < m.outW; ow++ {
				wStart := ow * m.stride
				maxVal := math.Inf(-1)
				for kh := 0; kh < m.poolSize; kh++ {
					row := channel[(hStart+kh)*in.W : (hStart+kh+1)*in.W]
					for kw := 0; kw < m.poolSize; kw++ {
						if v := row[wStart+kw]; v > maxVal {
							maxVal = v
						}
					}
				}
				dst[oh*m.outW+ow] = maxVal
			}
		}
	}, parallel.Config{Enabled: true, NumWorkers: parallel.Workers(), MinChunkSize: 1})

	if training {
		m.ctx.input = input
	}
	return out
}

// Backward routes each output gradient to the window's arg-max, re-derived
// from the cached input with the same strictly-greater scan the forward pass
// used. Each parallel task owns one (image, channel) plane, so overlapping
// windows accumulate safely within a single task.
func (m *MaxPool2D) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if m.ctx.input == nil {
		panic("maxpool2d: backward called without a training forward pass")
	}
	in := m.ctx.input.Shape()
	want := tensor.Shape{N: in.N, C: in.C, H: m.outH, W: m.outW}
	if !grad.Shape().Equal(want) {
		panic(fmt.Sprintf("maxpool2d: gradient shape %v does not match output %v", grad.Shape(), want))
	}

	dX := tensor.New(in)
	inData := m.ctx.input.Data()
	gradData := grad.Data()
	dXData := dX.Data()
	plane := in.H * in.W
	outPlane := m.outH * m.outW

	parallel.For(in.N*in.C, func(nc int) {
		channel := inData[nc*plane : (nc+1)*plane]
		dst := dXData[nc*plane : (nc+1)*plane]
		g := gradData[nc*outPlane : (nc+1)*outPlane]
		for oh := 0; oh < m.outH; oh++ {
			hStart := oh * m.stride
			for ow := 0; ow < m.outW; ow++ {
				wStart := ow * m.stride
				maxVal := math.Inf(-1)
				argmax := 0
				for kh := 0; kh < m.poolSize; kh++ {
					for kw := 0; kw < m.poolSize; kw++ {
						idx := (hStart+kh)*in.W + (wStart + kw)
						// Strictly greater: earliest position wins ties.
						if channel[idx] > maxVal {
							maxVal = channel[idx]
							argmax = idx
						}
					}
				}
				dst[argmax] += g[oh*m.outW+ow]
			}
		}
	}, parallel.Config{Enabled: true, NumWorkers: parallel.Workers(), MinChunkSize: 1})

	return dX
}
