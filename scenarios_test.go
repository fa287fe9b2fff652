// Copyright 2024 The Challoc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package challoc

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// S1: a tiny allocation lands in the minislab's 4-byte class.
func TestScenarioTinyAllocLandsInMinislab(t *testing.T) {
	a, err := NewAllocator()
	require.NoError(t, err)
	defer a.Close()

	p, err := a.UnsafeMalloc(1)
	require.NoError(t, err)
	require.True(t, a.slab.contains(p))
	require.NoError(t, a.UnsafeFree(p))
}

// S2: an allocation above the minislab ceiling lands outside the arena,
// and once freed shows up in the freed list with a full initial TTL.
func TestScenarioOversizeAllocFreedListTTL(t *testing.T) {
	a, err := NewAllocator()
	require.NoError(t, err)
	defer a.Close()

	p, err := a.UnsafeMalloc(513)
	require.NoError(t, err)
	require.False(t, a.slab.contains(p))

	require.NoError(t, a.UnsafeFree(p))
	require.Equal(t, 1, a.freed.len())
	require.Equal(t, initialTTL(a.freed.at(0).size), a.freed.at(0).ttl)
}

// S3: a mixed run of minislab- and block-sized allocations, touched and
// freed in the order allocated, leaves the in-use list empty with no
// pointer handed out twice.
func TestScenarioMixedSizesNoOverlap(t *testing.T) {
	sizes := []int{895, 19, 84, 48, 97, 111, 355, 8, 95, 94, 2, 36, 12, 256, 61, 32, 11, 990, 659, 676}

	a, err := NewAllocator()
	require.NoError(t, err)
	defer a.Close()

	ptrs := make([]unsafe.Pointer, len(sizes))
	seen := map[unsafe.Pointer]bool{}
	for i, s := range sizes {
		p, err := a.UnsafeMalloc(s)
		require.NoError(t, err)
		require.False(t, seen[p], "size %d at index %d overlaps a previous allocation", s, i)
		seen[p] = true
		ptrs[i] = p
		*(*byte)(p) = 1
	}

	for _, p := range ptrs {
		require.NoError(t, a.UnsafeFree(p))
	}

	require.Equal(t, 0, a.inUse.len())
}

// S4: calloc zeroes memory, and realloc growing it preserves that zeroed
// prefix whether it came from a fresh block or a copy on revival.
func TestScenarioCallocThenReallocStaysZeroed(t *testing.T) {
	a, err := NewAllocator()
	require.NoError(t, err)
	defer a.Close()

	p, err := a.UnsafeCalloc(10, 4)
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		require.Zero(t, *(*byte)(unsafe.Pointer(uintptr(p) + uintptr(i))))
	}

	q, err := a.UnsafeRealloc(p, 80)
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		require.Zero(t, *(*byte)(unsafe.Pointer(uintptr(q) + uintptr(i))))
	}

	require.NoError(t, a.UnsafeFree(q))
}

// S5: after every originating block's allocation is freed, a handful of
// further public calls is enough to unmap them all, given the small
// sizes here carry a short TTL.
func TestScenarioFreedBlocksEventuallyUnmap(t *testing.T) {
	a, err := NewAllocator()
	require.NoError(t, err)
	defer a.Close()

	const n = 64
	ptrs := make([]unsafe.Pointer, n)
	for i := range ptrs {
		p, err := a.UnsafeMalloc(600 + i*4)
		require.NoError(t, err)
		*(*int)(p) = i
		ptrs[i] = p
	}
	for _, p := range ptrs {
		require.NoError(t, a.UnsafeFree(p))
	}

	// Any further public call runs the TTL sweep before its own work;
	// six no-op round trips through the minislab are plenty to carry
	// every freed block's TTL (at most 5 for sizes this small) to zero.
	for i := 0; i < 6; i++ {
		probe, err := a.UnsafeMalloc(1)
		require.NoError(t, err)
		require.NoError(t, a.UnsafeFree(probe))
	}

	require.Equal(t, 0, a.freed.len())
}

// S6: concurrent allocators each claim 1024 four-byte pointers; once
// joined, every pointer is unique and lies either inside the minislab or
// past it once the 4-byte class saturates.
func TestScenarioConcurrentAllocNoOverlap(t *testing.T) {
	a, err := NewAllocator()
	require.NoError(t, err)
	defer a.Close()

	const goroutines = 8
	const perGoroutine = 1024

	var wg sync.WaitGroup
	var mu sync.Mutex
	all := make([]unsafe.Pointer, 0, goroutines*perGoroutine)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]unsafe.Pointer, 0, perGoroutine)
			for i := 0; i < perGoroutine; i++ {
				p, err := a.UnsafeMalloc(4)
				require.NoError(t, err)
				local = append(local, p)
			}
			mu.Lock()
			all = append(all, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, all, goroutines*perGoroutine)
	seen := map[unsafe.Pointer]bool{}
	for _, p := range all {
		require.False(t, seen[p], "pointer %p allocated twice", p)
		seen[p] = true
	}
}
