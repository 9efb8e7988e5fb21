package tensor

import (
	"math"
	"testing"
)

// Test helpers

func assertEqualFloat(t *testing.T, expected, actual float64, msg string) {
	t.Helper()
	if math.Abs(expected-actual) > 1e-9 {
		t.Errorf("%s: expected %v, got %v", msg, expected, actual)
	}
}

func assertEqualShape(t *testing.T, expected, actual Shape, msg string) {
	t.Helper()
	if !expected.Equal(actual) {
		t.Errorf("%s: expected shape %v, got %v", msg, expected, actual)
	}
}

// Shape tests

func TestShapeElems(t *testing.T) {
	tests := []struct {
		shape Shape
		elems int
	}{
		{Shape{N: 1, C: 1, H: 1, W: 1}, 1},
		{Shape{N: 2, C: 3, H: 4, W: 5}, 120},
		{Shape{N: 1, C: 1, H: 10, W: 4}, 40},
	}
	for _, tt := range tests {
		if got := tt.shape.Elems(); got != tt.elems {
			t.Errorf("%v.Elems() = %d, want %d", tt.shape, got, tt.elems)
		}
	}
}

func TestShapeIndex(t *testing.T) {
	s := Shape{N: 2, C: 3, H: 4, W: 5}
	if got := s.Index(0, 0, 0, 0); got != 0 {
		t.Errorf("Index(0,0,0,0) = %d, want 0", got)
	}
	if got := s.Index(1, 2, 3, 4); got != s.Elems()-1 {
		t.Errorf("Index(1,2,3,4) = %d, want %d", got, s.Elems()-1)
	}
	// Row-major: the width axis varies fastest.
	if got := s.Index(0, 0, 0, 1); got != 1 {
		t.Errorf("Index(0,0,0,1) = %d, want 1", got)
	}
	if got := s.Index(0, 0, 1, 0); got != 5 {
		t.Errorf("Index(0,0,1,0) = %d, want 5", got)
	}
	if got := s.Index(0, 1, 0, 0); got != 20 {
		t.Errorf("Index(0,1,0,0) = %d, want 20", got)
	}
	if got := s.Index(1, 0, 0, 0); got != 60 {
		t.Errorf("Index(1,0,0,0) = %d, want 60", got)
	}
}

func TestShapeMatrixView(t *testing.T) {
	s := Shape{N: 2, C: 3, H: 4, W: 5}
	if got := s.Rows(); got != 24 {
		t.Errorf("Rows() = %d, want 24", got)
	}
	if got := s.Cols(); got != 5 {
		t.Errorf("Cols() = %d, want 5", got)
	}
}

func TestShapeValidate(t *testing.T) {
	if err := (Shape{N: 1, C: 1, H: 2, W: 2}).Validate(); err != nil {
		t.Errorf("valid shape rejected: %v", err)
	}
	if err := (Shape{N: 0, C: 1, H: 2, W: 2}).Validate(); err == nil {
		t.Error("zero dimension accepted")
	}
	if err := (Shape{N: BatchSentinel, C: 1, H: 2, W: 2}).Validate(); err == nil {
		t.Error("sentinel batch accepted as concrete shape")
	}
}

func TestShapeWithBatch(t *testing.T) {
	s := Shape{N: 8, C: 3, H: 4, W: 5}
	got := s.WithBatch(BatchSentinel)
	assertEqualShape(t, Shape{N: BatchSentinel, C: 3, H: 4, W: 5}, got, "WithBatch")
	// The receiver is unchanged.
	assertEqualShape(t, Shape{N: 8, C: 3, H: 4, W: 5}, s, "WithBatch receiver")
}

// Tensor tests

func TestNewZeroFilled(t *testing.T) {
	tr := New(Shape{N: 2, C: 1, H: 3, W: 3})
	if tr.Elems() != 18 {
		t.Fatalf("Elems() = %d, want 18", tr.Elems())
	}
	for i, v := range tr.Data() {
		if v != 0 {
			t.Fatalf("element %d = %v, want 0", i, v)
		}
	}
}

func TestNewPanicsOnInvalidShape(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for non-positive dimension")
		}
	}()
	New(Shape{N: 1, C: -1, H: 2, W: 2})
}

func TestFromSlice(t *testing.T) {
	tr, err := FromSlice([]float64{1, 2, 3, 4, 5, 6}, Shape{N: 1, C: 1, H: 2, W: 3})
	if err != nil {
		t.Fatalf("FromSlice: %v", err)
	}
	assertEqualFloat(t, 6, tr.At(0, 0, 1, 2), "At(0,0,1,2)")

	if _, err := FromSlice([]float64{1, 2, 3}, Shape{N: 1, C: 1, H: 2, W: 3}); err == nil {
		t.Error("element count mismatch accepted")
	}
	if _, err := FromSlice(nil, Shape{N: 0, C: 1, H: 1, W: 1}); err == nil {
		t.Error("invalid shape accepted")
	}
}

func TestAtSet(t *testing.T) {
	tr := New(Shape{N: 2, C: 2, H: 2, W: 2})
	tr.Set(1, 0, 1, 1, 3.5)
	assertEqualFloat(t, 3.5, tr.At(1, 0, 1, 1), "At after Set")
	assertEqualFloat(t, 3.5, tr.Data()[tr.Shape().Index(1, 0, 1, 1)], "flat index")
}

func TestCloneIsIndependent(t *testing.T) {
	tr, _ := FromSlice([]float64{1, 2, 3, 4}, Shape{N: 1, C: 1, H: 2, W: 2})
	cp := tr.Clone()
	cp.Set(0, 0, 0, 0, 99)
	assertEqualFloat(t, 1, tr.At(0, 0, 0, 0), "original after clone mutation")
	assertEqualFloat(t, 99, cp.At(0, 0, 0, 0), "clone")
}

func TestReshapeKeepsBuffer(t *testing.T) {
	tr, _ := FromSlice([]float64{1, 2, 3, 4, 5, 6}, Shape{N: 1, C: 1, H: 2, W: 3})
	out := tr.Reshape(1, 1, 3, 2)
	if out != tr {
		t.Error("Reshape should return the receiver")
	}
	assertEqualShape(t, Shape{N: 1, C: 1, H: 3, W: 2}, tr.Shape(), "reshaped")
	// Flat data order is untouched.
	assertEqualFloat(t, 4, tr.At(0, 0, 1, 1), "flat order preserved")
}

func TestReshapePanicsOnCountMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for element count change")
		}
	}()
	New(Shape{N: 1, C: 1, H: 2, W: 3}).Reshape(1, 1, 2, 2)
}

func TestTensorEqual(t *testing.T) {
	a, _ := FromSlice([]float64{1, 2, 3, 4}, Shape{N: 1, C: 1, H: 2, W: 2})
	b, _ := FromSlice([]float64{1, 2, 3, 4}, Shape{N: 1, C: 1, H: 2, W: 2})
	c, _ := FromSlice([]float64{1, 2, 3, 5}, Shape{N: 1, C: 1, H: 2, W: 2})
	d, _ := FromSlice([]float64{1, 2, 3, 4}, Shape{N: 1, C: 1, H: 4, W: 1})

	if !a.Equal(b) {
		t.Error("identical tensors reported unequal")
	}
	if a.Equal(c) {
		t.Error("different contents reported equal")
	}
	if a.Equal(d) {
		t.Error("different shapes reported equal")
	}
}
