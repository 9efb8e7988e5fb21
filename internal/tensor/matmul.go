package tensor

import (
	"fmt"

	"github.com/lattice-ml/lattice/internal/parallel"
)

// MatMul multiplies two tensors treated as 2D matrices (Rows x Cols view) and
// returns the (1, 1, t.Rows, other.Cols) product.
//
// When scale is true the accumulated dot products are divided by the inner
// dimension, normalizing the output variance. That is the right setting for
// convolution-like data; attention-style uses should pass false and apply
// their own scaling.
//
// Panics when the inner dimensions disagree.
func (t *Tensor) MatMul(other *Tensor, scale bool) *Tensor {
	rows := t.shape.Rows()
	inner := t.shape.Cols()
	otherRows := other.shape.Rows()
	cols := other.shape.Cols()

	if inner != otherRows {
		panic(fmt.Sprintf("tensor: matmul: inner dimensions disagree: %v (cols=%d) x %v (rows=%d)",
			t.shape, inner, other.shape, otherRows))
	}

	out := New(Shape{N: 1, C: 1, H: rows, W: cols})
	a := t.data
	b := other.data
	dst := out.data
	inv := 1.0
	if scale {
		inv = 1.0 / float64(inner)
	}

	// Each task owns a disjoint row range of the output, so no locking.
	parallel.For(rows, func(r int) {
		rowOut := dst[r*cols : (r+1)*cols]
		rowA := a[r*inner : (r+1)*inner]
		for k := 0; k < inner; k++ {
			av := rowA[k]
			if av == 0 {
				continue
			}
			rowB := b[k*cols : (k+1)*cols]
			for c := range rowOut {
				rowOut[c] += av * rowB[c]
			}
		}
		if scale {
			for c := range rowOut {
				rowOut[c] *= inv
			}
		}
	}, parallel.DefaultConfig())

	return out
}
