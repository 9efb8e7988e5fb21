package layer

import (
	"fmt"
	"math"

	"github.com/lattice-ml/lattice/internal/parallel"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// Padding selects the convolution output-size convention.
type Padding int

const (
	// PaddingValid applies no padding: out = (in - kernel)/stride + 1.
	PaddingValid Padding = iota
	// PaddingSame pads implicitly with zeros so out = ceil(in/stride).
	// Total padding max(0, (out-1)*stride + kernel - in) splits as
	// floor(total/2) on the top/left, the remainder bottom/right.
	PaddingSame
)

// ParsePadding maps the textual padding modes to their enum values.
func ParsePadding(s string) (Padding, error) {
	switch s {
	case "valid":
		return PaddingValid, nil
	case "same":
		return PaddingSame, nil
	default:
		return 0, fmt.Errorf("conv2d: unsupported padding mode %q", s)
	}
}

// String returns the textual padding mode.
func (p Padding) String() string {
	if p == PaddingSame {
		return "same"
	}
	return "valid"
}

// Fixed L2 ceilings for the convolution gradients; the input-gradient
// ceiling is deliberately looser than the parameter ceilings.
const (
	maxKernelGradNorm = 5.0
	maxBiasGradNorm   = 5.0
	maxInputGradNorm  = 50.0
)

// convTileSize is the spatial tile edge for the input-gradient pass. Each
// parallel task owns one tile per image/channel, a disjoint bounded working
// set.
const convTileSize = 32

// Conv2D is a padded, strided 2D convolution over channel-major input.
//
// Kernels are (filters, inChannels, k, k), bias is one value per filter.
// Backward runs three independent parallel passes (bias, kernel, input
// gradients); each result is clipped to a fixed L2 ceiling. Parameter
// gradients are overwritten per backward call.
type Conv2D struct {
	shapeInfo

	filters    int
	kernelSize int
	stride     int
	padding    Padding
	initFn     func(shape tensor.Shape, fanIn int) *tensor.Tensor

	outH, outW      int
	padTop, padLeft int
	kernels         *tensor.Tensor // (filters, inC, k, k)
	bias            *tensor.Tensor // (1, 1, filters, 1)
	gradK           *tensor.Tensor
	gradB           *tensor.Tensor

	ctx convContext
}

type convContext struct {
	input *tensor.Tensor // cached forward input, training only
}

// Conv2DOption configures a Conv2D layer at construction.
type Conv2DOption func(*Conv2D)

// Conv2DWithInput declares the input shape (channels, height, width) for a
// convolution at the head of the chain.
func Conv2DWithInput(channels, height, width int) Conv2DOption {
	return func(c *Conv2D) {
		c.SetInput(tensor.Shape{N: tensor.BatchSentinel, C: channels, H: height, W: width}, ChannelMajor)
	}
}

// Conv2DWithUniformInit overrides the default He kernels with draws from
// [lo, hi).
func Conv2DWithUniformInit(lo, hi float64) Conv2DOption {
	return func(c *Conv2D) {
		c.initFn = func(shape tensor.Shape, _ int) *tensor.Tensor {
			return tensor.Uniform(shape, lo, hi)
		}
	}
}

// Conv2DWithNormalInit overrides the default He kernels with draws from
// N(mean, stddev^2).
func Conv2DWithNormalInit(mean, stddev float64) Conv2DOption {
	return func(c *Conv2D) {
		c.initFn = func(shape tensor.Shape, _ int) *tensor.Tensor {
			return tensor.Normal(shape, mean, stddev)
		}
	}
}

// NewConv2D creates a convolution with the given filter count, square kernel
// size, stride and padding mode. Panics on non-positive dimensions or an
// unknown padding mode; these are construction-time configuration bugs.
func NewConv2D(filters, kernelSize, stride int, padding Padding, opts ...Conv2DOption) *Conv2D {
	if filters <= 0 || kernelSize <= 0 || stride <= 0 {
		panic(fmt.Sprintf("conv2d: invalid configuration filters=%d kernel=%d stride=%d",
			filters, kernelSize, stride))
	}
	if padding != PaddingValid && padding != PaddingSame {
		panic(fmt.Sprintf("conv2d: unsupported padding mode %d", int(padding)))
	}
	c := &Conv2D{filters: filters, kernelSize: kernelSize, stride: stride, padding: padding}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// outExtent computes one spatial output extent and the leading pad for it.
func (c *Conv2D) outExtent(in int) (out, padLead int) {
	if c.padding == PaddingValid {
		out = (in-c.kernelSize)/c.stride + 1
		return out, 0
	}
	out = (in + c.stride - 1) / c.stride // ceil(in/stride)
	total := max(0, (out-1)*c.stride+c.kernelSize-in)
	return out, total / 2
}

// Build resolves the output extents and initializes kernels and bias.
func (c *Conv2D) Build(id int) error {
	if err := c.resolve("conv2d", id); err != nil {
		return err
	}
	in := c.inShape
	if c.inLayout != ChannelMajor {
		return fmt.Errorf("conv2d %d: requires channel-major input, predecessor produces %s", id, c.inLayout)
	}
	if c.padding == PaddingValid && (in.H < c.kernelSize || in.W < c.kernelSize) {
		return fmt.Errorf("conv2d %d: kernel %d exceeds input extent %dx%d under valid padding",
			id, c.kernelSize, in.H, in.W)
	}

	c.outH, c.padTop = c.outExtent(in.H)
	c.outW, c.padLeft = c.outExtent(in.W)
	if c.outH <= 0 || c.outW <= 0 {
		return fmt.Errorf("conv2d %d: non-positive output extent %dx%d", id, c.outH, c.outW)
	}

	kernelShape := tensor.Shape{N: c.filters, C: in.C, H: c.kernelSize, W: c.kernelSize}
	fanIn := in.C * c.kernelSize * c.kernelSize
	if c.initFn != nil {
		c.kernels = c.initFn(kernelShape, fanIn)
	} else {
		// He uniform: U(-sqrt(6/fanIn), +sqrt(6/fanIn)).
		bound := math.Sqrt(6.0 / float64(fanIn))
		c.kernels = tensor.Uniform(kernelShape, -bound, bound)
	}
	c.gradK = tensor.Zeros(kernelShape)

	biasShape := tensor.Shape{N: 1, C: 1, H: c.filters, W: 1}
	c.bias = tensor.Zeros(biasShape)
	c.gradB = tensor.Zeros(biasShape)

	c.built = true
	return nil
}

// OutputShape reports (batch, filters, outH, outW); the batch axis follows
// the input shape (sentinel until known).
func (c *Conv2D) OutputShape() tensor.Shape {
	if !c.built {
		// Best-effort static shape from configuration alone.
		if !c.inSet {
			return tensor.Shape{N: tensor.BatchSentinel, C: c.filters, H: tensor.BatchSentinel, W: tensor.BatchSentinel}
		}
		outH, _ := c.outExtent(c.inShape.H)
		outW, _ := c.outExtent(c.inShape.W)
		return tensor.Shape{N: c.inShape.N, C: c.filters, H: outH, W: outW}
	}
	return tensor.Shape{N: c.inShape.N, C: c.filters, H: c.outH, W: c.outW}
}

// OutputLayout reports ChannelMajor.
func (c *Conv2D) OutputLayout() Layout { return ChannelMajor }

// Forward computes, per output position and filter, the bias plus the sum of
// input*kernel over the window, skipping positions outside the input bounds
// (implicit zero padding).
//
// Parallelization adapts to the batch size: with few images relative to the
// available parallelism it fans out across filters inside each image,
// otherwise across images with filters iterated inside.
func (c *Conv2D) Forward(input *tensor.Tensor, training bool) *tensor.Tensor {
	in := input.Shape()
	requireShape("conv2d", "input", in, c.inShape)

	out := tensor.New(tensor.Shape{N: in.N, C: c.filters, H: c.outH, W: c.outW})
	cfg := parallel.Config{Enabled: true, NumWorkers: parallel.Workers(), MinChunkSize: 1}

	if in.N < parallel.Workers() {
		for n := 0; n < in.N; n++ {
			parallel.For(c.filters, func(f int) {
				c.forwardImageFilter(out, input, n, f)
			}, cfg)
		}
	} else {
		parallel.For(in.N, func(n int) {
			for f := 0; f < c.filters; f++ {
				c.forwardImageFilter(out, input, n, f)
			}
		}, cfg)
	}

	if training {
		c.ctx.input = input
	}
	return out
}

// forwardImageFilter fills one (image, filter) output plane.
func (c *Conv2D) forwardImageFilter(out, input *tensor.Tensor, n, f int) {
	in := input.Shape()
	k := c.kernelSize
	inData := input.Data()
	outData := out.Data()
	kernelData := c.kernels.Data()
	biasVal := c.bias.Data()[f]

	kernelPlane := kernelData[f*in.C*k*k : (f+1)*in.C*k*k]
	outPlane := outData[(n*c.filters+f)*c.outH*c.outW : (n*c.filters+f+1)*c.outH*c.outW]
	imageOffset := n * in.C * in.H * in.W

	for oh := 0; oh < c.outH; oh++ {
		hStart := oh*c.stride - c.padTop
		for ow := 0; ow < c.outW; ow++ {
			wStart := ow*c.stride - c.padLeft
			sum := biasVal
			for ch := 0; ch < in.C; ch++ {
				channel := inData[imageOffset+ch*in.H*in.W : imageOffset+(ch+1)*in.H*in.W]
				kernelCh := kernelPlane[ch*k*k : (ch+1)*k*k]
				for kh := 0; kh < k; kh++ {
					h := hStart + kh
					if h < 0 || h >= in.H {
						continue
					}
					row := channel[h*in.W : (h+1)*in.W]
					kRow := kernelCh[kh*k : (kh+1)*k]
					for kw := 0; kw < k; kw++ {
						w := wStart + kw
						if w < 0 || w >= in.W {
							continue
						}
						sum += row[w] * kRow[kw]
					}
				}
			}
			outPlane[oh*c.outW+ow] = sum
		}
	}
}

// Backward runs the three gradient passes and returns the input gradient.
func (c *Conv2D) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if c.ctx.input == nil {
		panic("conv2d: backward called without a training forward pass")
	}
	in := c.ctx.input.Shape()
	g := grad.Shape()
	want := tensor.Shape{N: in.N, C: c.filters, H: c.outH, W: c.outW}
	if !g.Equal(want) {
		panic(fmt.Sprintf("conv2d: gradient shape %v does not match output %v", g, want))
	}

	c.biasBackward(grad)
	c.kernelBackward(grad)
	dX := c.inputBackward(grad)

	clipL2(c.gradK, maxKernelGradNorm)
	clipL2(c.gradB, maxBiasGradNorm)
	clipL2(dX, maxInputGradNorm)
	return dX
}

// biasBackward sums the output gradient over images and spatial positions,
// per filter.
func (c *Conv2D) biasBackward(grad *tensor.Tensor) {
	in := c.ctx.input.Shape()
	gradData := grad.Data()
	dB := c.gradB.Data()
	plane := c.outH * c.outW

	parallel.For(c.filters, func(f int) {
		sum := 0.0
		for n := 0; n < in.N; n++ {
			p := gradData[(n*c.filters+f)*plane : (n*c.filters+f+1)*plane]
			for _, v := range p {
				sum += v
			}
		}
		dB[f] = sum
	}, parallel.Config{Enabled: true, NumWorkers: parallel.Workers(), MinChunkSize: 1})
}

// kernelBackward accumulates cachedInput*outputGradient per kernel weight,
// inverting the forward stride/padding mapping and skipping positions that
// fall outside the input.
func (c *Conv2D) kernelBackward(grad *tensor.Tensor) {
	in := c.ctx.input.Shape()
	k := c.kernelSize
	inData := c.ctx.input.Data()
	gradData := grad.Data()
	dK := c.gradK.Data()
	gradPlane := c.outH * c.outW

	parallel.For(c.filters*in.C, func(fc int) {
		f := fc / in.C
		ch := fc % in.C
		for kh := 0; kh < k; kh++ {
			for kw := 0; kw < k; kw++ {
				sum := 0.0
				for n := 0; n < in.N; n++ {
					channel := inData[(n*in.C+ch)*in.H*in.W : (n*in.C+ch+1)*in.H*in.W]
					gPlane := gradData[(n*c.filters+f)*gradPlane : (n*c.filters+f+1)*gradPlane]
					for oh := 0; oh < c.outH; oh++ {
						h := oh*c.stride - c.padTop + kh
						if h < 0 || h >= in.H {
							continue
						}
						row := channel[h*in.W : (h+1)*in.W]
						gRow := gPlane[oh*c.outW : (oh+1)*c.outW]
						for ow := 0; ow < c.outW; ow++ {
							w := ow*c.stride - c.padLeft + kw
							if w < 0 || w >= in.W {
								continue
							}
							sum += row[w] * gRow[ow]
						}
					}
				}
				dK[((f*in.C+ch)*k+kh)*k+kw] = sum
			}
		}
	}, parallel.Config{Enabled: true, NumWorkers: parallel.Workers(), MinChunkSize: 1})
}

// inputBackward computes the gradient with respect to the cached input.
//
// For each input position it solves the forward affine relation for the
// output index: oh = (h + padTop - kh) / stride, contributing only when the
// division is exact and the result lies inside the output extent. The pass is
// partitioned into convTileSize square spatial tiles per image/channel, so
// every parallel task owns a disjoint bounded slice of the destination.
func (c *Conv2D) inputBackward(grad *tensor.Tensor) *tensor.Tensor {
	in := c.ctx.input.Shape()
	k := c.kernelSize
	dX := tensor.New(in)
	dXData := dX.Data()
	gradData := grad.Data()
	kernelData := c.kernels.Data()
	gradPlane := c.outH * c.outW

	tilesH := (in.H + convTileSize - 1) / convTileSize
	tilesW := (in.W + convTileSize - 1) / convTileSize
	tasks := in.N * in.C * tilesH * tilesW

	parallel.For(tasks, func(task int) {
		tw := task % tilesW
		th := (task / tilesW) % tilesH
		ch := (task / (tilesW * tilesH)) % in.C
		n := task / (tilesW * tilesH * in.C)

		hLo := th * convTileSize
		hHi := min(hLo+convTileSize, in.H)
		wLo := tw * convTileSize
		wHi := min(wLo+convTileSize, in.W)

		dPlane := dXData[(n*in.C+ch)*in.H*in.W : (n*in.C+ch+1)*in.H*in.W]

		for h := hLo; h < hHi; h++ {
			for w := wLo; w < wHi; w++ {
				sum := 0.0
				for f := 0; f < c.filters; f++ {
					kernelCh := kernelData[(f*in.C+ch)*k*k : (f*in.C+ch+1)*k*k]
					gPlane := gradData[(n*c.filters+f)*gradPlane : (n*c.filters+f+1)*gradPlane]
					for kh := 0; kh < k; kh++ {
						num := h + c.padTop - kh
						if num < 0 || num%c.stride != 0 {
							continue
						}
						oh := num / c.stride
						if oh >= c.outH {
							continue
						}
						for kw := 0; kw < k; kw++ {
							numW := w + c.padLeft - kw
							if numW < 0 || numW%c.stride != 0 {
								continue
							}
							ow := numW / c.stride
							if ow >= c.outW {
								continue
							}
							sum += kernelCh[kh*k+kw] * gPlane[oh*c.outW+ow]
						}
					}
				}
				dPlane[h*in.W+w] = sum
			}
		}
	}, parallel.Config{Enabled: true, NumWorkers: parallel.Workers(), MinChunkSize: 1})

	return dX
}

// Parameters returns [kernels, bias].
func (c *Conv2D) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{c.kernels, c.bias}
}

// Gradients returns the gradient tensors in Parameters order.
func (c *Conv2D) Gradients() []*tensor.Tensor {
	return []*tensor.Tensor{c.gradK, c.gradB}
}

// UpdateParameters applies parameter -= delta per slot.
func (c *Conv2D) UpdateParameters(deltas []*tensor.Tensor) {
	applyDeltas("conv2d", c.Parameters(), deltas)
}

// ZeroGradients resets both gradient buffers.
func (c *Conv2D) ZeroGradients() {
	c.gradK.Zero()
	c.gradB.Zero()
}
