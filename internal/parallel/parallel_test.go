package parallel

import (
	"sync/atomic"
	"testing"
)

func TestFor(t *testing.T) {
	cfg := DefaultConfig()

	var counter int64
	n := 1000

	For(n, func(_ int) {
		atomic.AddInt64(&counter, 1)
	}, cfg)

	if counter != int64(n) {
		t.Errorf("Expected %d, got %d", n, counter)
	}
}

func TestFor_EveryIndexOnce(t *testing.T) {
	for _, cfg := range []Config{
		Sequential(),
		{Enabled: true, NumWorkers: 1, MinChunkSize: 1},
		{Enabled: true, NumWorkers: 4, MinChunkSize: 1},
		{Enabled: true, NumWorkers: 16, MinChunkSize: 8},
	} {
		counts := make([]int64, 1000)
		For(len(counts), func(i int) {
			atomic.AddInt64(&counts[i], 1)
		}, cfg)
		for i, c := range counts {
			if c != 1 {
				t.Errorf("cfg %+v: index %d visited %d times", cfg, i, c)
			}
		}
	}
}

func TestFor_Sequential(t *testing.T) {
	cfg := Config{Enabled: false}

	var counter int64
	For(100, func(_ int) {
		atomic.AddInt64(&counter, 1)
	}, cfg)

	if counter != 100 {
		t.Errorf("Expected 100, got %d", counter)
	}
}

func TestFor_SmallChunk(t *testing.T) {
	// Small work units fall back to sequential, in submission order.
	var order []int
	For(4, func(i int) {
		order = append(order, i)
	}, Config{Enabled: true, NumWorkers: 8, MinChunkSize: 64})

	for i, v := range order {
		if v != i {
			t.Fatalf("Expected inline order [0 1 2 3], got %v", order)
		}
	}
	if len(order) != 4 {
		t.Fatalf("Expected 4 calls, got %d", len(order))
	}
}

func TestForChunks(t *testing.T) {
	type span struct{ chunk, start, end int }
	want := map[span]bool{
		{0, 0, 3}:  true,
		{1, 3, 6}:  true,
		{2, 6, 9}:  true,
		{3, 9, 10}: true,
	}

	for _, cfg := range []Config{
		Sequential(),
		{Enabled: true, NumWorkers: 8, MinChunkSize: 1},
	} {
		ch := make(chan span, 16)
		ForChunks(10, 3, func(chunk, start, end int) {
			ch <- span{chunk, start, end}
		}, cfg)
		close(ch)

		got := 0
		for s := range ch {
			if !want[s] {
				t.Errorf("cfg %+v: unexpected span %+v", cfg, s)
			}
			got++
		}
		if got != len(want) {
			t.Errorf("cfg %+v: expected %d chunks, got %d", cfg, len(want), got)
		}
	}
}

func TestForChunks_InvalidChunkSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for non-positive chunk size")
		}
	}()
	ForChunks(10, 0, func(int, int, int) {}, Sequential())
}

func BenchmarkFor(b *testing.B) {
	cfg := DefaultConfig()
	n := 10000

	b.Run("parallel", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			var sum int64
			For(n, func(i int) {
				atomic.AddInt64(&sum, int64(i))
			}, cfg)
		}
	})

	b.Run("sequential", func(b *testing.B) {
		cfgSeq := cfg
		cfgSeq.Enabled = false
		for i := 0; i < b.N; i++ {
			var sum int64
			For(n, func(i int) {
				atomic.AddInt64(&sum, int64(i))
			}, cfgSeq)
		}
	})
}

func BenchmarkForChunks(b *testing.B) {
	cfg := DefaultConfig()
	n := 65536

	b.Run("parallel", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			var sum int64
			ForChunks(n, 4096, func(_, start, end int) {
				atomic.AddInt64(&sum, int64(end-start))
			}, cfg)
		}
	})

	b.Run("sequential", func(b *testing.B) {
		cfgSeq := cfg
		cfgSeq.Enabled = false
		for i := 0; i < b.N; i++ {
			var sum int64
			ForChunks(n, 4096, func(_, start, end int) {
				atomic.AddInt64(&sum, int64(end-start))
			}, cfgSeq)
		}
	})
}
