package tensor

import (
	"math/rand"
	"sync/atomic"

	"github.com/lattice-ml/lattice/internal/parallel"
)

// Random initialization is reproducible and parallel-safe: a process-wide
// root seed plus a per-call stream counter and a per-chunk index are hashed
// into a task-local generator. No generator is ever shared between
// concurrent tasks, and chunk boundaries are fixed, so a given seed produces
// bit-identical tensors at any worker count.

// randChunkSize is the fixed element count each task-local generator covers.
const randChunkSize = 4096

var (
	rootSeed      atomic.Uint64
	streamCounter atomic.Uint64
)

func init() {
	rootSeed.Store(1)
}

// SetSeed sets the process-wide root seed and resets the stream counter.
// Call before building a model to make initialization and dropout masks
// reproducible.
func SetSeed(seed uint64) {
	rootSeed.Store(seed)
	streamCounter.Store(0)
}

// nextStream reserves a fresh stream id so consecutive random tensors drawn
// from the same root seed are independent.
func nextStream() uint64 {
	return streamCounter.Add(1)
}

// splitmix64 is the finalizer from Steele et al.'s SplittableRandom,
// used here to spread (root, stream, chunk) into decorrelated seeds.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func deriveSeed(root, stream, chunk uint64) int64 {
	h := splitmix64(root)
	h = splitmix64(h ^ stream)
	h = splitmix64(h ^ chunk)
	return int64(h) //nolint:gosec // deliberate wrap into the rand.Source seed space
}

// fillRandom populates data chunk by chunk, each chunk with its own derived
// generator. gen receives the task-local source and the element index.
func fillRandom(data []float64, stream uint64, cfg parallel.Config, gen func(rng *rand.Rand) float64) {
	root := rootSeed.Load()
	parallel.ForChunks(len(data), randChunkSize, func(chunk, start, end int) {
		//nolint:gosec // math/rand is appropriate for weight initialization
		rng := rand.New(rand.NewSource(deriveSeed(root, stream, uint64(chunk))))
		for i := start; i < end; i++ {
			data[i] = gen(rng)
		}
	}, cfg)
}

// Zeros creates a zero-filled tensor.
func Zeros(shape Shape) *Tensor {
	return New(shape)
}

// Ones creates a tensor filled with ones.
func Ones(shape Shape) *Tensor {
	return Full(shape, 1)
}

// Full creates a tensor with every element set to v.
func Full(shape Shape, v float64) *Tensor {
	t := New(shape)
	t.Fill(v)
	return t
}

// Uniform creates a tensor with elements drawn uniformly from [lo, hi).
func Uniform(shape Shape, lo, hi float64) *Tensor {
	t := New(shape)
	uniformInto(t.data, lo, hi, nextStream(), parallel.DefaultConfig())
	return t
}

// Normal creates a tensor with elements drawn from N(mean, stddev^2).
func Normal(shape Shape, mean, stddev float64) *Tensor {
	t := New(shape)
	normalInto(t.data, mean, stddev, nextStream(), parallel.DefaultConfig())
	return t
}

// Bernoulli creates a tensor of 0/1 values with P(1) = p. Dropout keep-masks
// are drawn through this, so mask generation inherits the seed-derivation
// scheme above.
func Bernoulli(shape Shape, p float64) *Tensor {
	t := New(shape)
	bernoulliInto(t.data, p, nextStream(), parallel.DefaultConfig())
	return t
}

func uniformInto(data []float64, lo, hi float64, stream uint64, cfg parallel.Config) {
	span := hi - lo
	fillRandom(data, stream, cfg, func(rng *rand.Rand) float64 {
		return lo + rng.Float64()*span
	})
}

func normalInto(data []float64, mean, stddev float64, stream uint64, cfg parallel.Config) {
	fillRandom(data, stream, cfg, func(rng *rand.Rand) float64 {
		return rng.NormFloat64()*stddev + mean
	})
}

func bernoulliInto(data []float64, p float64, stream uint64, cfg parallel.Config) {
	fillRandom(data, stream, cfg, func(rng *rand.Rand) float64 {
		if rng.Float64() < p {
			return 1
		}
		return 0
	})
}
