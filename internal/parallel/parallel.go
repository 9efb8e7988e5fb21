// Package parallel provides data-parallel execution helpers for the numerical
// kernels. Work is partitioned into disjoint index ranges executed on a pool
// of goroutines; partitions never overlap, so callers need no locking for
// their output buffers.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinChunkSize int  // Minimum items per goroutine to avoid overhead.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 64,
	}
}

// Sequential returns a config that disables the worker pool entirely.
func Sequential() Config {
	return Config{Enabled: false, NumWorkers: 1, MinChunkSize: 1}
}

// Workers reports the parallelism the default config would use.
func Workers() int {
	return runtime.NumCPU()
}

// For executes f(i) for i in [0, n) with optional parallelism.
// Falls back to sequential execution if parallelism is disabled or n is too
// small to amortize goroutine overhead.
func For(n int, f func(i int), cfg Config) {
	if !cfg.Enabled || n < cfg.MinChunkSize {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	var wg sync.WaitGroup
	chunkSize := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize)

	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()
}

// ForChunks executes f(chunk, start, end) over fixed-size chunks of [0, n).
// Chunk boundaries depend only on n and chunkSize, never on the worker count,
// so per-chunk work (seeded random generation in particular) produces
// identical results at any parallelism level.
func ForChunks(n, chunkSize int, f func(chunk, start, end int), cfg Config) {
	if chunkSize <= 0 {
		panic("parallel: chunk size must be positive")
	}
	numChunks := (n + chunkSize - 1) / chunkSize

	run := func(c int) {
		start := c * chunkSize
		end := min(start+chunkSize, n)
		f(c, start, end)
	}

	if !cfg.Enabled || numChunks <= 1 {
		for c := 0; c < numChunks; c++ {
			run(c)
		}
		return
	}

	var wg sync.WaitGroup
	perWorker := max((numChunks+cfg.NumWorkers-1)/cfg.NumWorkers, 1)
	for start := 0; start < numChunks; start += perWorker {
		end := min(start+perWorker, numChunks)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for c := s; c < e; c++ {
				run(c)
			}
		}(start, end)
	}
	wg.Wait()
}
