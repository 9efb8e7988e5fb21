// Package layer implements the composable transformation units of the
// network: each layer computes a forward activation from an input tensor and,
// given the gradient of the loss with respect to its output, the gradient
// with respect to its input and its own trainable parameters. Every backward
// formula is hand-derived; there is no autodiff graph, and layers form a
// linear chain.
//
// Lifecycle: a layer is constructed with its configuration, receives its
// input shape and layout from the builder via SetInput (the first layer gets
// them from an explicit option), is built exactly once in input-to-output
// order, and then serves Forward/Backward repeatedly. Training-only state
// (cached inputs, masks, normalization statistics) lives in an explicit
// per-layer context populated by Forward(..., true) and consumed by the next
// Backward; inference never touches it.
package layer

import (
	"fmt"

	"github.com/lattice-ml/lattice/internal/tensor"
)

// Layout tags the memory convention a layer stamps on its output. Successor
// layers consume the tag instead of introspecting the predecessor's type.
type Layout int

const (
	// ChannelMajor is the convolutional convention: (batch, channel,
	// height, width) with the batch axis leading.
	ChannelMajor Layout = iota
	// FeatureMajor is the dense convention: a 2D view with feature rows
	// and one column per batch sample.
	FeatureMajor
)

// String returns a human-readable layout name.
func (l Layout) String() string {
	switch l {
	case ChannelMajor:
		return "channel-major"
	case FeatureMajor:
		return "feature-major"
	default:
		return "unknown"
	}
}

// Layer is the contract every transformation unit implements.
type Layer interface {
	// SetInput resolves the layer's input shape and layout, normally from
	// the predecessor's OutputShape/OutputLayout. Must be called before
	// Build unless the constructor received an explicit input option.
	SetInput(shape tensor.Shape, layout Layout)

	// Build resolves the output shape and allocates parameter and
	// gradient tensors. Called exactly once, in input-to-output order.
	// Returns an error when no input shape can be resolved.
	Build(id int) error

	// OutputShape reports the layer's output shape. Before Build it
	// returns a best-effort static shape derived from configuration, with
	// tensor.BatchSentinel for the batch axis.
	OutputShape() tensor.Shape

	// OutputLayout reports the layout tag stamped on this layer's output.
	OutputLayout() Layout

	// Forward computes the layer's output. When training is true the
	// layer caches whatever state its backward pass needs; inference
	// neither caches nor mutates training-only state.
	Forward(input *tensor.Tensor, training bool) *tensor.Tensor

	// Backward consumes the gradient with respect to this layer's output,
	// updates the layer's parameter gradients as a side effect, and
	// returns the gradient with respect to its input. Layers with no
	// input-gradient semantics (Embedding) return nil.
	Backward(grad *tensor.Tensor) *tensor.Tensor
}

// Trainable is the capability interface implemented by layers that own
// parameters. Parameters and Gradients expose owned tensors by reference, in
// the same fixed order, so an external optimizer can mutate them in place.
type Trainable interface {
	Parameters() []*tensor.Tensor
	Gradients() []*tensor.Tensor

	// UpdateParameters applies parameter -= delta per slot, in the order
	// Parameters reports.
	UpdateParameters(deltas []*tensor.Tensor)

	// ZeroGradients resets every gradient buffer, ending an accumulation
	// window.
	ZeroGradients()
}

// shapeInfo carries the build-time wiring every layer needs: the resolved
// input shape/layout and the build state.
type shapeInfo struct {
	id       int
	inShape  tensor.Shape
	inLayout Layout
	inSet    bool
	built    bool
}

func (s *shapeInfo) SetInput(shape tensor.Shape, layout Layout) {
	s.inShape = shape
	s.inLayout = layout
	s.inSet = true
}

// resolve validates the build preconditions shared by all layers and records
// the layer's position id.
func (s *shapeInfo) resolve(kind string, id int) error {
	if s.built {
		return fmt.Errorf("%s %d: already built", kind, id)
	}
	if !s.inSet {
		return fmt.Errorf("%s %d: input shape unresolved: first layer needs an explicit input shape", kind, id)
	}
	s.id = id
	return nil
}

// applyDeltas subtracts each delta from the matching parameter slot.
func applyDeltas(kind string, params, deltas []*tensor.Tensor) {
	if len(deltas) != len(params) {
		panic(fmt.Sprintf("%s: update expects %d delta tensors, got %d", kind, len(params), len(deltas)))
	}
	for i, p := range params {
		p.SubInPlace(deltas[i])
	}
}

// requireShape panics when a forward/backward operand does not match the
// shape the layer was built for (the batch axis is exempt when the built
// shape holds the sentinel).
func requireShape(kind, what string, got, want tensor.Shape) {
	match := got.Equal(want) ||
		(want.N == tensor.BatchSentinel && got.WithBatch(tensor.BatchSentinel).Equal(want))
	if !match {
		panic(fmt.Sprintf("%s: %s shape %v does not match %v", kind, what, got, want))
	}
}
