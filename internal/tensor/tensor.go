// Package tensor implements the dense 4D tensor all layers operate on.
//
// A Tensor owns a single contiguous float64 buffer addressed by the affine
// index ((n*C+c)*H+h)*W+w. Shape errors at compute time (mismatched operands,
// reshape with a different element count) are structural configuration bugs
// and panic; construction helpers that take caller-supplied data return
// errors instead.
package tensor

import (
	"fmt"
	"strings"
)

// Tensor is a dense 4D array of float64 values.
type Tensor struct {
	shape Shape
	data  []float64
}

// New creates a zero-filled tensor with the given shape.
// Panics if the shape has a non-positive dimension.
func New(shape Shape) *Tensor {
	if err := shape.Validate(); err != nil {
		panic(fmt.Sprintf("tensor: %v", err))
	}
	return &Tensor{
		shape: shape,
		data:  make([]float64, shape.Elems()),
	}
}

// FromSlice creates a tensor that copies the given data.
func FromSlice(data []float64, shape Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if shape.Elems() != len(data) {
		return nil, fmt.Errorf("shape %v requires %d elements, but got %d", shape, shape.Elems(), len(data))
	}
	t := New(shape)
	copy(t.data, data)
	return t, nil
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// Elems returns the total number of elements.
func (t *Tensor) Elems() int {
	return len(t.data)
}

// Data returns the backing buffer. Mutations are visible to the tensor;
// external parameter updates rely on this.
func (t *Tensor) Data() []float64 {
	return t.data
}

// At returns the element at (n, c, h, w).
func (t *Tensor) At(n, c, h, w int) float64 {
	return t.data[t.shape.Index(n, c, h, w)]
}

// Set stores v at (n, c, h, w).
func (t *Tensor) Set(n, c, h, w int, v float64) {
	t.data[t.shape.Index(n, c, h, w)] = v
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		shape: t.shape,
		data:  make([]float64, len(t.data)),
	}
	copy(out.data, t.data)
	return out
}

// Reshape reinterprets the tensor under a new shape with the same element
// count. Only the shape descriptor changes; the buffer is never reallocated.
// Panics if the element counts differ.
func (t *Tensor) Reshape(n, c, h, w int) *Tensor {
	next := Shape{N: n, C: c, H: h, W: w}
	if err := next.Validate(); err != nil {
		panic(fmt.Sprintf("tensor: reshape: %v", err))
	}
	if next.Elems() != t.shape.Elems() {
		panic(fmt.Sprintf("tensor: reshape %v -> %v changes element count (%d != %d)",
			t.shape, next, t.shape.Elems(), next.Elems()))
	}
	t.shape = next
	return t
}

// Equal reports whether two tensors have identical shape and contents.
func (t *Tensor) Equal(other *Tensor) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	for i, v := range t.data {
		if v != other.data[i] {
			return false
		}
	}
	return true
}

// String renders the shape and a bounded prefix of the data.
func (t *Tensor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tensor%v[", t.shape)
	limit := min(len(t.data), 8)
	for i := 0; i < limit; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%g", t.data[i])
	}
	if len(t.data) > limit {
		sb.WriteString(", ...")
	}
	sb.WriteString("]")
	return sb.String()
}
