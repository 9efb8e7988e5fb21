package layer

import (
	"fmt"

	"github.com/lattice-ml/lattice/internal/parallel"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// Embedding maps integer token ids to dense vectors.
//
// Forward is a gather: the id at every (batch, position) selects a table row,
// copied into the output. Backward is a scatter-add into the table's gradient
// row for that id; repeated ids accumulate. Token ids are not
// differentiable, so Backward returns nil.
//
// The table can be tied to an externally owned tensor; a tied table may be
// excluded from Parameters when the shared buffer is counted and updated
// elsewhere.
type Embedding struct {
	shapeInfo

	vocab int
	dim   int

	tied      bool
	countTied bool
	initFn    func(shape tensor.Shape) *tensor.Tensor

	table     *tensor.Tensor // (1, 1, vocab, dim)
	gradTable *tensor.Tensor

	ctxIDs *tensor.Tensor // forward ids cached for the scatter-add
}

// EmbeddingOption configures an Embedding layer at construction.
type EmbeddingOption func(*Embedding)

// EmbeddingWithInput declares the sequence length for an embedding at the
// head of the chain; its input is a (batch, 1, 1, seq) tensor of token ids.
func EmbeddingWithInput(seqLen int) EmbeddingOption {
	return func(e *Embedding) {
		e.SetInput(tensor.Shape{N: tensor.BatchSentinel, C: 1, H: 1, W: seqLen}, ChannelMajor)
	}
}

// EmbeddingWithTiedWeights shares an externally owned (1, 1, vocab, dim)
// table. When counted is false the table is excluded from Parameters: the
// owner of the shared buffer reports and updates it.
func EmbeddingWithTiedWeights(table *tensor.Tensor, counted bool) EmbeddingOption {
	return func(e *Embedding) {
		s := table.Shape()
		if s.N != 1 || s.C != 1 || s.H != e.vocab || s.W != e.dim {
			panic(fmt.Sprintf("embedding: tied weight shape %v does not match (1,1,%d,%d)", s, e.vocab, e.dim))
		}
		e.table = table
		e.tied = true
		e.countTied = counted
	}
}

// EmbeddingWithNormalInit overrides the default N(0, 0.01^2) table draws.
func EmbeddingWithNormalInit(mean, stddev float64) EmbeddingOption {
	return func(e *Embedding) {
		e.initFn = func(shape tensor.Shape) *tensor.Tensor {
			return tensor.Normal(shape, mean, stddev)
		}
	}
}

// NewEmbedding creates an embedding table with the given vocabulary size and
// vector dimension.
func NewEmbedding(vocab, dim int, opts ...EmbeddingOption) *Embedding {
	if vocab <= 0 || dim <= 0 {
		panic(fmt.Sprintf("embedding: invalid configuration vocab=%d dim=%d", vocab, dim))
	}
	e := &Embedding{vocab: vocab, dim: dim}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Build initializes the table (unless tied) and its gradient buffer.
func (e *Embedding) Build(id int) error {
	if err := e.resolve("embedding", id); err != nil {
		return err
	}
	if e.inShape.C != 1 || e.inShape.H != 1 {
		return fmt.Errorf("embedding %d: expected (batch,1,1,seq) id input, got %v", id, e.inShape)
	}

	tableShape := tensor.Shape{N: 1, C: 1, H: e.vocab, W: e.dim}
	if !e.tied {
		if e.initFn != nil {
			e.table = e.initFn(tableShape)
		} else {
			e.table = tensor.Normal(tableShape, 0, 0.01)
		}
	}
	e.gradTable = tensor.Zeros(tableShape)

	e.built = true
	return nil
}

// OutputShape reports (batch, seq, dim, 1): one embedding column per token.
func (e *Embedding) OutputShape() tensor.Shape {
	return tensor.Shape{N: e.inShape.N, C: e.inShape.W, H: e.dim, W: 1}
}

// OutputLayout reports ChannelMajor (batch axis leads).
func (e *Embedding) OutputLayout() Layout { return ChannelMajor }

// validateTokens checks every id on the caller's goroutine. It must run
// before any parallel fan-out: a panic raised on a worker goroutine cannot
// propagate to the caller.
func (e *Embedding) validateTokens(ids []float64) {
	for _, v := range ids {
		if id := int(v); id < 0 || id >= e.vocab {
			panic(fmt.Sprintf("embedding: token id %d outside [0, %d)", id, e.vocab))
		}
	}
}

// Forward gathers the table row for every token id.
func (e *Embedding) Forward(input *tensor.Tensor, training bool) *tensor.Tensor {
	in := input.Shape()
	requireShape("embedding", "input", in, e.inShape)

	seq := in.W
	out := tensor.New(tensor.Shape{N: in.N, C: seq, H: e.dim, W: 1})
	ids := input.Data()
	e.validateTokens(ids)
	tableData := e.table.Data()
	outData := out.Data()

	parallel.For(in.N*seq, func(pos int) {
		id := int(ids[pos])
		copy(outData[pos*e.dim:(pos+1)*e.dim], tableData[id*e.dim:(id+1)*e.dim])
	}, parallel.Config{Enabled: true, NumWorkers: parallel.Workers(), MinChunkSize: 1})

	if training {
		e.ctxIDs = input
	}
	return out
}

// Backward scatter-adds each position's gradient into the table gradient row
// of its token id. Parallelism partitions the embedding dimension, not the
// positions: every task owns a disjoint column range of the table, so
// repeated ids accumulate without concurrent writers.
func (e *Embedding) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if e.ctxIDs == nil {
		panic("embedding: backward called without a training forward pass")
	}
	in := e.ctxIDs.Shape()
	want := tensor.Shape{N: in.N, C: in.W, H: e.dim, W: 1}
	if !grad.Shape().Equal(want) {
		panic(fmt.Sprintf("embedding: gradient shape %v does not match output %v", grad.Shape(), want))
	}

	e.gradTable.Zero()
	ids := e.ctxIDs.Data()
	e.validateTokens(ids)
	gradData := grad.Data()
	tableGrad := e.gradTable.Data()
	positions := in.N * in.W

	parallel.ForChunks(e.dim, 64, func(_, lo, hi int) {
		for pos := 0; pos < positions; pos++ {
			id := int(ids[pos])
			row := tableGrad[id*e.dim : (id+1)*e.dim]
			g := gradData[pos*e.dim : (pos+1)*e.dim]
			for i := lo; i < hi; i++ {
				row[i] += g[i]
			}
		}
	}, parallel.DefaultConfig())

	// Token ids carry no gradient.
	return nil
}

// Parameters returns [table], or nothing when the table is tied and counted
// elsewhere.
func (e *Embedding) Parameters() []*tensor.Tensor {
	if e.tied && !e.countTied {
		return nil
	}
	return []*tensor.Tensor{e.table}
}

// Gradients returns the table gradient in Parameters order.
func (e *Embedding) Gradients() []*tensor.Tensor {
	if e.tied && !e.countTied {
		return nil
	}
	return []*tensor.Tensor{e.gradTable}
}

// TableGradient exposes the scatter-add target even when the table is tied
// and excluded from Parameters, so the tied owner can fold it in.
func (e *Embedding) TableGradient() *tensor.Tensor {
	return e.gradTable
}

// UpdateParameters applies parameter -= delta per slot.
func (e *Embedding) UpdateParameters(deltas []*tensor.Tensor) {
	applyDeltas("embedding", e.Parameters(), deltas)
}

// ZeroGradients resets the table gradient.
func (e *Embedding) ZeroGradients() {
	e.gradTable.Zero()
}
