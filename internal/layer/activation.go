package layer

import (
	"math"

	"github.com/lattice-ml/lattice/internal/parallel"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// Activation is an elementwise, shape-preserving nonlinearity with a
// closed-form derivative computed from the cached input or output (whichever
// the specific derivative needs).
//
// The one exception to the chain rule is the output-layer sigmoid
// (NewOutputSigmoid): paired with binary cross-entropy, its backward treats
// the incoming tensor as the target and returns output - target directly.
type Activation struct {
	shapeInfo

	name       string
	fn         func(x float64) float64
	derivative func(x, y float64) float64 // x: cached input, y: cached output
	outputMode bool                       // backward returns output - target

	ctx activationContext
}

type activationContext struct {
	input  *tensor.Tensor
	output *tensor.Tensor
}

// NewSigmoid creates a sigmoid activation: 1/(1+exp(-x)).
func NewSigmoid() *Activation {
	return &Activation{
		name: "sigmoid",
		fn:   sigmoid,
		derivative: func(_, y float64) float64 {
			return y * (1 - y)
		},
	}
}

// NewOutputSigmoid creates the output-layer sigmoid whose backward implements
// the binary cross-entropy shortcut (returns output - target).
func NewOutputSigmoid() *Activation {
	a := NewSigmoid()
	a.outputMode = true
	return a
}

// NewTanh creates a tanh activation.
func NewTanh() *Activation {
	return &Activation{
		name: "tanh",
		fn:   math.Tanh,
		derivative: func(_, y float64) float64 {
			return 1 - y*y
		},
	}
}

// NewReLU creates a rectified linear activation: max(0, x).
func NewReLU() *Activation {
	return &Activation{
		name: "relu",
		fn: func(x float64) float64 {
			return math.Max(0, x)
		},
		derivative: func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		},
	}
}

// NewLeakyReLU creates a leaky rectified linear activation with slope alpha
// for negative inputs.
func NewLeakyReLU(alpha float64) *Activation {
	return &Activation{
		name: "leakyrelu",
		fn: func(x float64) float64 {
			if x > 0 {
				return x
			}
			return alpha * x
		},
		derivative: func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return alpha
		},
	}
}

// NewGELU creates the exact error-function GELU, 0.5*x*(1+erf(x/sqrt(2))),
// with erf evaluated by a fixed-coefficient rational approximation.
func NewGELU() *Activation {
	return &Activation{
		name: "gelu",
		fn:   gelu,
		derivative: func(x, _ float64) float64 {
			// d/dx = Phi(x) + x*phi(x), with Phi the normal CDF.
			phi := math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
			return 0.5*(1+erfApprox(x/math.Sqrt2)) + x*phi
		},
	}
}

// NewMish creates the Mish activation: x*tanh(softplus(x)).
func NewMish() *Activation {
	return &Activation{
		name: "mish",
		fn: func(x float64) float64 {
			return x * math.Tanh(softplus(x))
		},
		derivative: func(x, _ float64) float64 {
			sp := softplus(x)
			tsp := math.Tanh(sp)
			// d/dx = tanh(sp) + x*sigmoid(x)*(1 - tanh(sp)^2)
			return tsp + x*sigmoid(x)*(1-tsp*tsp)
		},
	}
}

// NewSwish creates the Swish (SiLU) activation: x*sigmoid(x).
func NewSwish() *Activation {
	return &Activation{
		name: "swish",
		fn: func(x float64) float64 {
			return x * sigmoid(x)
		},
		derivative: func(x, y float64) float64 {
			return y + sigmoid(x)*(1-y)
		},
	}
}

// Build validates the wiring; activations allocate nothing.
func (a *Activation) Build(id int) error {
	if err := a.resolve(a.name, id); err != nil {
		return err
	}
	a.built = true
	return nil
}

// OutputShape matches the input shape.
func (a *Activation) OutputShape() tensor.Shape { return a.inShape }

// OutputLayout passes the input layout through.
func (a *Activation) OutputLayout() Layout { return a.inLayout }

// Forward applies the nonlinearity elementwise.
func (a *Activation) Forward(input *tensor.Tensor, training bool) *tensor.Tensor {
	requireShape(a.name, "input", input.Shape(), a.inShape)

	out := tensor.New(input.Shape())
	src := input.Data()
	dst := out.Data()
	parallel.ForChunks(len(src), 1024, func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			dst[i] = a.fn(src[i])
		}
	}, parallel.DefaultConfig())

	if training {
		a.ctx = activationContext{input: input, output: out}
	}
	return out
}

// Backward multiplies the incoming gradient by the pointwise derivative. In
// output mode the incoming tensor is the target and the result is
// output - target.
func (a *Activation) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if a.ctx.output == nil {
		panic(a.name + ": backward called without a training forward pass")
	}
	requireShape(a.name, "gradient", grad.Shape(), a.ctx.output.Shape())

	if a.outputMode {
		return a.ctx.output.Sub(grad)
	}

	out := tensor.New(grad.Shape())
	g := grad.Data()
	x := a.ctx.input.Data()
	y := a.ctx.output.Data()
	dst := out.Data()
	parallel.ForChunks(len(g), 1024, func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			dst[i] = g[i] * a.derivative(x[i], y[i])
		}
	}, parallel.DefaultConfig())
	return out
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// softplus guards against overflow for large x.
func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

// erfApprox is the Abramowitz-Stegun 7.1.26 rational approximation of erf,
// with absolute error below 1.5e-7.
func erfApprox(x float64) float64 {
	sign := 1.0
	if x < 0 {
		sign = -1.0
		x = -x
	}
	const (
		a1 = 0.254829592
		a2 = -0.284496736
		a3 = 1.421413741
		a4 = -1.453152027
		a5 = 1.061405429
		p  = 0.3275911
	)
	t := 1.0 / (1.0 + p*x)
	y := 1.0 - ((((a5*t+a4)*t+a3)*t+a2)*t+a1)*t*math.Exp(-x*x)
	return sign * y
}

func gelu(x float64) float64 {
	return 0.5 * x * (1 + erfApprox(x/math.Sqrt2))
}
