package tensor

import "fmt"

// BatchSentinel marks a batch dimension that is not resolved yet. Layers
// report it from OutputShape before the first forward call substitutes the
// real batch size.
const BatchSentinel = -1

// Shape describes the four axes of a tensor: batch, channel (or sequence
// position), height (the feature/embedding axis for sequence data) and width.
// All four axes are always meaningful; rank never varies.
type Shape struct {
	N, C, H, W int
}

// Elems returns the total number of elements N*C*H*W.
func (s Shape) Elems() int {
	return s.N * s.C * s.H * s.W
}

// Index returns the flat offset of element (n, c, h, w) in row-major order.
func (s Shape) Index(n, c, h, w int) int {
	return ((n*s.C+c)*s.H+h)*s.W + w
}

// Rows returns the row count of the 2D matrix view (trailing axis flattened
// out): N*C*H.
func (s Shape) Rows() int {
	return s.N * s.C * s.H
}

// Cols returns the column count of the 2D matrix view: W.
func (s Shape) Cols() int {
	return s.W
}

// Validate checks that every dimension is positive.
func (s Shape) Validate() error {
	dims := [4]int{s.N, s.C, s.H, s.W}
	names := [4]string{"N", "C", "H", "W"}
	for i, d := range dims {
		if d <= 0 {
			return fmt.Errorf("invalid dimension %s: %d (must be > 0)", names[i], d)
		}
	}
	return nil
}

// Equal checks if two shapes match on every axis.
func (s Shape) Equal(other Shape) bool {
	return s == other
}

// WithBatch returns a copy of the shape with the batch axis replaced.
func (s Shape) WithBatch(n int) Shape {
	s.N = n
	return s
}

// String returns the shape as "(N, C, H, W)".
func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d)", s.N, s.C, s.H, s.W)
}
