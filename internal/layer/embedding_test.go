package layer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ml/lattice/internal/tensor"
)

func buildTestEmbedding(t *testing.T, opts ...EmbeddingOption) *Embedding {
	t.Helper()
	opts = append([]EmbeddingOption{EmbeddingWithInput(3)}, opts...)
	e := NewEmbedding(4, 2, opts...)
	require.NoError(t, e.Build(0))
	return e
}

func TestEmbeddingForwardGathersRows(t *testing.T) {
	e := buildTestEmbedding(t)
	// Row i of the table is (10i, 10i+1).
	copy(e.table.Data(), []float64{0, 1, 10, 11, 20, 21, 30, 31})

	ids, err := tensor.FromSlice(
		[]float64{2, 0, 3, 1, 1, 2},
		tensor.Shape{N: 2, C: 1, H: 1, W: 3},
	)
	require.NoError(t, err)

	out := e.Forward(ids, false)
	require.True(t, out.Shape().Equal(tensor.Shape{N: 2, C: 3, H: 2, W: 1}))
	assert.Equal(t, []float64{20, 21, 0, 1, 30, 31, 10, 11, 10, 11, 20, 21}, out.Data())
}

func TestEmbeddingBackwardScatterAddsDuplicates(t *testing.T) {
	e := buildTestEmbedding(t)

	// Token 1 appears three times, token 3 never.
	ids, err := tensor.FromSlice(
		[]float64{1, 1, 0, 2, 1, 0},
		tensor.Shape{N: 2, C: 1, H: 1, W: 3},
	)
	require.NoError(t, err)
	e.Forward(ids, true)

	grad := tensor.Ones(tensor.Shape{N: 2, C: 3, H: 2, W: 1})
	require.Nil(t, e.Backward(grad))

	g := e.gradTable.Data()
	assert.Equal(t, []float64{2, 2}, g[0:2], "token 0 twice")
	assert.Equal(t, []float64{3, 3}, g[2:4], "token 1 three times")
	assert.Equal(t, []float64{1, 1}, g[4:6], "token 2 once")
	assert.Equal(t, []float64{0, 0}, g[6:8], "token 3 never")
}

func TestEmbeddingBackwardOverwritesPreviousBatch(t *testing.T) {
	e := buildTestEmbedding(t)

	ids1, err := tensor.FromSlice([]float64{0, 0, 0}, tensor.Shape{N: 1, C: 1, H: 1, W: 3})
	require.NoError(t, err)
	ids2, err := tensor.FromSlice([]float64{1, 1, 1}, tensor.Shape{N: 1, C: 1, H: 1, W: 3})
	require.NoError(t, err)
	grad := tensor.Ones(tensor.Shape{N: 1, C: 3, H: 2, W: 1})

	e.Forward(ids1, true)
	e.Backward(grad)
	e.Forward(ids2, true)
	e.Backward(grad)

	g := e.gradTable.Data()
	assert.Equal(t, []float64{0, 0}, g[0:2], "previous batch cleared")
	assert.Equal(t, []float64{3, 3}, g[2:4])
}

func TestEmbeddingOutOfRangeTokenPanics(t *testing.T) {
	e := buildTestEmbedding(t)
	bad, err := tensor.FromSlice([]float64{0, 4, 0}, tensor.Shape{N: 1, C: 1, H: 1, W: 3})
	require.NoError(t, err)
	assert.Panics(t, func() { e.Forward(bad, false) })

	neg, err := tensor.FromSlice([]float64{-1, 0, 0}, tensor.Shape{N: 1, C: 1, H: 1, W: 3})
	require.NoError(t, err)
	assert.Panics(t, func() { e.Forward(neg, false) })
}

func TestEmbeddingBadTokenPanicsOnCallerGoroutine(t *testing.T) {
	// assert.Panics can only recover a panic raised on its own goroutine, so
	// these assertions double as proof that id validation happens before the
	// parallel fan-out of the gather and the scatter-add.
	e := buildTestEmbedding(t)
	ids, err := tensor.FromSlice([]float64{0, 1, 2}, tensor.Shape{N: 1, C: 1, H: 1, W: 3})
	require.NoError(t, err)

	e.Forward(ids, true)
	ids.Data()[1] = 4
	assert.Panics(t, func() { e.Backward(tensor.Ones(tensor.Shape{N: 1, C: 3, H: 2, W: 1})) })

	assert.Panics(t, func() { e.Forward(ids, false) })
}

func TestEmbeddingTiedWeightsShareBuffer(t *testing.T) {
	shared := tensor.New(tensor.Shape{N: 1, C: 1, H: 4, W: 2})
	copy(shared.Data(), []float64{0, 1, 10, 11, 20, 21, 30, 31})

	e := buildTestEmbedding(t, EmbeddingWithTiedWeights(shared, false))
	assert.Empty(t, e.Parameters(), "uncounted tied table is reported by its owner")
	assert.Empty(t, e.Gradients())

	// Mutations through the owner are visible to the gather.
	shared.Data()[0] = 99
	ids, err := tensor.FromSlice([]float64{0, 0, 0}, tensor.Shape{N: 1, C: 1, H: 1, W: 3})
	require.NoError(t, err)
	out := e.Forward(ids, false)
	assert.Equal(t, 99.0, out.Data()[0])

	// The scatter-add target stays reachable for the owner.
	e.Forward(ids, true)
	e.Backward(tensor.Ones(tensor.Shape{N: 1, C: 3, H: 2, W: 1}))
	assert.Equal(t, 3.0, e.TableGradient().Data()[0])
}

func TestEmbeddingTiedCountedKeepsParameterSlot(t *testing.T) {
	shared := tensor.New(tensor.Shape{N: 1, C: 1, H: 4, W: 2})
	e := buildTestEmbedding(t, EmbeddingWithTiedWeights(shared, true))

	require.Len(t, e.Parameters(), 1)
	assert.Same(t, shared, e.Parameters()[0])
	require.Len(t, e.Gradients(), 1)
}

func TestEmbeddingTiedShapeMismatchPanics(t *testing.T) {
	wrong := tensor.New(tensor.Shape{N: 1, C: 1, H: 5, W: 2})
	assert.Panics(t, func() {
		NewEmbedding(4, 2, EmbeddingWithTiedWeights(wrong, true))
	})
}

func TestEmbeddingBuildErrors(t *testing.T) {
	e := NewEmbedding(4, 2)
	e.SetInput(tensor.Shape{N: 1, C: 2, H: 3, W: 3}, ChannelMajor)
	assert.Error(t, e.Build(0), "id input must be (batch,1,1,seq)")

	assert.Panics(t, func() { NewEmbedding(0, 2) })
	assert.Panics(t, func() { NewEmbedding(4, 0) })
}
