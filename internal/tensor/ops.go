package tensor

import (
	"fmt"
	"math"
)

// Axis identifies one of the four tensor axes for reductions.
type Axis int

// Reduction axes.
const (
	AxisBatch Axis = iota
	AxisChannel
	AxisHeight
	AxisWidth
)

// String returns a human-readable axis name.
func (a Axis) String() string {
	switch a {
	case AxisBatch:
		return "batch"
	case AxisChannel:
		return "channel"
	case AxisHeight:
		return "height"
	case AxisWidth:
		return "width"
	default:
		return "unknown"
	}
}

func (t *Tensor) requireSameShape(other *Tensor, op string) {
	if !t.shape.Equal(other.shape) {
		panic(fmt.Sprintf("tensor: %s: shape mismatch %v vs %v", op, t.shape, other.shape))
	}
}

// Add returns a new tensor t + other.
func (t *Tensor) Add(other *Tensor) *Tensor {
	return t.Clone().AddInPlace(other)
}

// Sub returns a new tensor t - other.
func (t *Tensor) Sub(other *Tensor) *Tensor {
	return t.Clone().SubInPlace(other)
}

// Mul returns a new tensor with the elementwise product t * other.
func (t *Tensor) Mul(other *Tensor) *Tensor {
	return t.Clone().MulInPlace(other)
}

// AddInPlace adds other into t and returns t.
func (t *Tensor) AddInPlace(other *Tensor) *Tensor {
	t.requireSameShape(other, "add")
	for i := range t.data {
		t.data[i] += other.data[i]
	}
	return t
}

// SubInPlace subtracts other from t and returns t.
func (t *Tensor) SubInPlace(other *Tensor) *Tensor {
	t.requireSameShape(other, "sub")
	for i := range t.data {
		t.data[i] -= other.data[i]
	}
	return t
}

// MulInPlace multiplies t by other elementwise and returns t.
func (t *Tensor) MulInPlace(other *Tensor) *Tensor {
	t.requireSameShape(other, "mul")
	for i := range t.data {
		t.data[i] *= other.data[i]
	}
	return t
}

// Scale multiplies every element by s in place and returns t.
func (t *Tensor) Scale(s float64) *Tensor {
	for i := range t.data {
		t.data[i] *= s
	}
	return t
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float64) {
	for i := range t.data {
		t.data[i] = v
	}
}

// Zero resets every element to zero.
func (t *Tensor) Zero() {
	t.Fill(0)
}

// Sum returns the total of all elements.
func (t *Tensor) Sum() float64 {
	total := 0.0
	for _, v := range t.data {
		total += v
	}
	return total
}

// SumAxis reduces one axis to length 1 by summation, returning a new tensor.
// Summing the width axis of a (1,1,out,batch) gradient yields the per-row
// totals used for bias gradients.
func (t *Tensor) SumAxis(axis Axis) *Tensor {
	s := t.shape
	outShape := s
	switch axis {
	case AxisBatch:
		outShape.N = 1
	case AxisChannel:
		outShape.C = 1
	case AxisHeight:
		outShape.H = 1
	case AxisWidth:
		outShape.W = 1
	default:
		panic(fmt.Sprintf("tensor: sum: unknown axis %d", axis))
	}

	out := New(outShape)
	for n := 0; n < s.N; n++ {
		for c := 0; c < s.C; c++ {
			for h := 0; h < s.H; h++ {
				for w := 0; w < s.W; w++ {
					on, oc, oh, ow := n, c, h, w
					switch axis {
					case AxisBatch:
						on = 0
					case AxisChannel:
						oc = 0
					case AxisHeight:
						oh = 0
					case AxisWidth:
						ow = 0
					}
					out.data[outShape.Index(on, oc, oh, ow)] += t.data[s.Index(n, c, h, w)]
				}
			}
		}
	}
	return out
}

// L2Norm returns the Euclidean norm of the flattened tensor.
func (t *Tensor) L2Norm() float64 {
	total := 0.0
	for _, v := range t.data {
		total += v * v
	}
	return math.Sqrt(total)
}

// Transpose swaps the two axes of the 2D matrix view (Rows x Cols), returning
// a new (1, 1, Cols, Rows) tensor. Dense-style layers use this to reconcile
// feature-major and batch-major layouts.
func (t *Tensor) Transpose() *Tensor {
	rows := t.shape.Rows()
	cols := t.shape.Cols()
	out := New(Shape{N: 1, C: 1, H: cols, W: rows})
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out.data[c*rows+r] = t.data[r*cols+c]
		}
	}
	return out
}
