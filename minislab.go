// Copyright 2024 The Challoc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package challoc

import (
	"math/bits"
	"unsafe"

	"github.com/cznic/mathutil"
)

// minislabSize is the size, in bytes, of the one static arena the minislab
// hands chunks out of.
const minislabSize = pageSize

// minislabRatio is the maximum tolerated ratio of chunk size to requested
// size before a request falls through to the block allocator: it caps
// internal fragmentation within a chunk at 16.7%.
const minislabRatio = 1.2

// Size classes in address order, matching layout table
// exactly: one 512B chunk, two 256B, four 128B, eight 64B, sixteen 32B,
// thirty-two 16B, sixty-four 8B, sixty-four 4B.
var (
	classChunkSize  = [8]int{512, 256, 128, 64, 32, 16, 8, 4}
	classChunkCount = [8]int{1, 2, 4, 8, 16, 32, 64, 64}
	classBaseOffset [8]int
)

func init() {
	off := 0
	for i, sz := range classChunkSize {
		classBaseOffset[i] = off
		off += sz * classChunkCount[i]
	}
	// The eight classes need not fill the page exactly -- the arena is
	// sized to hold them, not the other way around -- but they must never
	// overrun it.
	if off > minislabSize {
		panic("challoc: minislab size-class layout overflows one page")
	}
}

// classify reports the minislab size class for a request of size bytes,
// and whether the minislab should be tried at all. Requests above 512
// bytes, and requests above 4 bytes whose nearest power-of-two chunk
// wastes more than the minislabRatio, decline (the block allocator
// handles them instead)
func classify(size int) (class int, ok bool) {
	if size <= 0 || size > 512 {
		return 0, false
	}
	if size <= 4 {
		return 7, true
	}

	exp := uint(mathutil.BitLen(size - 1)) // smallest power-of-two exponent >= size
	chunk := 1 << exp
	if float64(chunk)/float64(size) > minislabRatio {
		return 0, false
	}
	// exp ranges over [3,9] here (chunk in {8..512}); class 0 is 512B (exp 9).
	return 9 - int(exp), true
}

func maskForCount(n int) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(n)) - 1
}

// minislab is the single process-global, page-aligned arena serving
// allocations up to 512 bytes. Its occupancy is tracked
// with one bitmap word per size class rather than the original C source's
// hand-packed bitfields, since Go has no portable bitfield-in-struct
// layout control; the invariants (bit==1 means live, offset fully
// determines class and index) are identical.
type minislab struct {
	base  []byte
	usage [8]uint64
}

// newMinislab obtains the arena from the page source. mmap'd memory is
// inherently page-aligned, giving the arena 4096-byte alignment without
// a compiler alignment attribute (Go has none for package-level arrays).
func newMinislab(ps *pageSource) (*minislab, error) {
	b, err := ps.mapPages(minislabSize)
	if err != nil {
		return nil, err
	}
	return &minislab{base: b}, nil
}

func (m *minislab) baseAddr() uintptr { return uintptr(unsafe.Pointer(&m.base[0])) }

// contains reports whether p was allocated from this arena: an address p
// belongs to it iff base <= p < base + 4096.
func (m *minislab) contains(p unsafe.Pointer) bool {
	if p == nil {
		return false
	}
	addr := uintptr(p)
	base := m.baseAddr()
	return addr >= base && addr < base+minislabSize
}

// alloc tries to place a request of size bytes in the minislab, scanning
// the chosen class's occupancy bitmap for the lowest zero bit, an O(1)
// expected word-at-a-time scan.
func (m *minislab) alloc(size int) (unsafe.Pointer, bool) {
	class, ok := classify(size)
	if !ok {
		return nil, false
	}

	mask := maskForCount(classChunkCount[class])
	free := ^m.usage[class] & mask
	if free == 0 {
		return nil, false
	}

	idx := bits.TrailingZeros64(free)
	m.usage[class] |= uint64(1) << uint(idx)
	off := classBaseOffset[class] + idx*classChunkSize[class]
	return unsafe.Pointer(&m.base[off]), true
}

// classifyPointer derives the class and chunk index of p purely from its
// offset into the arena.
func (m *minislab) classifyPointer(p unsafe.Pointer) (class, idx int) {
	offset := int(uintptr(p) - m.baseAddr())
	for c := 0; c < 8; c++ {
		span := classChunkCount[c] * classChunkSize[c]
		if offset >= classBaseOffset[c] && offset < classBaseOffset[c]+span {
			return c, (offset - classBaseOffset[c]) / classChunkSize[c]
		}
	}
	panic("challoc: pointer does not belong to the minislab arena")
}

// free clears the occupancy bit for p. The bit cleared is always
// (offset-classBase)/classSize, never the raw offset — a one-revision bug
// in the C source that only happened to work for offset < 32.
func (m *minislab) free(p unsafe.Pointer) {
	class, idx := m.classifyPointer(p)
	bit := uint64(1) << uint(idx)
	if m.usage[class]&bit == 0 {
		debugAssert(false, "double free of minislab pointer")
		return
	}
	m.usage[class] &^= bit
}

// sizeOf reports the chunk size backing p, needed by Realloc to learn the
// old size of a minislab allocation.
func (m *minislab) sizeOf(p unsafe.Pointer) int {
	class, _ := m.classifyPointer(p)
	return classChunkSize[class]
}

func (m *minislab) close(ps *pageSource) error {
	if m.base == nil {
		return nil
	}
	err := ps.unmapPages(m.base)
	m.base = nil
	return err
}
