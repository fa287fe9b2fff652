// Copyright 2024 The Challoc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package challoc

import "testing"

// workload tables mirror the shapes original_source's benchmark harness
// drove the allocator with, without porting its C benchmark code
// verbatim: a few representative request-size distributions rather than
// one-size-fits-all micro-benchmarks.
var (
	smallAllocs = []int{4, 8, 16, 32, 64}
	mixedAllocs = []int{16, 128, 512, 1024, 4096, 64 * 1024}
	bigAllocs   = []int{256 * 1024, 1 << 20, 4 << 20}
)

func benchmarkMallocFree(b *testing.B, sizes []int) {
	a, err := NewAllocator()
	if err != nil {
		b.Fatal(err)
	}
	defer a.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		size := sizes[i%len(sizes)]
		buf, err := a.Malloc(size)
		if err != nil {
			b.Fatal(err)
		}
		if err := a.Free(buf); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkMallocFreeSmall(b *testing.B) { benchmarkMallocFree(b, smallAllocs) }
func BenchmarkMallocFreeMixed(b *testing.B) { benchmarkMallocFree(b, mixedAllocs) }
func BenchmarkMallocFreeBig(b *testing.B)   { benchmarkMallocFree(b, bigAllocs) }

func BenchmarkCalloc(b *testing.B) {
	a, err := NewAllocator()
	if err != nil {
		b.Fatal(err)
	}
	defer a.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf, err := a.Calloc(64, 16)
		if err != nil {
			b.Fatal(err)
		}
		if err := a.Free(buf); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkZeroedMatrix(b *testing.B) {
	a, err := NewAllocator()
	if err != nil {
		b.Fatal(err)
	}
	defer a.Close()

	const rows, cols = 64, 64
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rowsBuf := make([][]byte, rows)
		for r := 0; r < rows; r++ {
			buf, err := a.Calloc(cols, 8)
			if err != nil {
				b.Fatal(err)
			}
			rowsBuf[r] = buf
		}
		for _, buf := range rowsBuf {
			if err := a.Free(buf); err != nil {
				b.Fatal(err)
			}
		}
	}
}
