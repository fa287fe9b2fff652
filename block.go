// Copyright 2024 The Challoc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package challoc

import "unsafe"

// header is the fixed-size record immediately preceding every block-backed
// user pointer. prev/next thread the live
// allocations of one block together in ascending address order;
// blockIndex names the owning block's current slot in the in-use list so
// a free can locate its block without a separate lookup structure.
type header struct {
	userSize   int
	prev, next *header
	blockIndex int
}

var headerSize = int(unsafe.Sizeof(header{}))

// headerFor recovers the header immediately preceding a user pointer.
func headerFor(p unsafe.Pointer) *header {
	return (*header)(unsafe.Pointer(uintptr(p) - uintptr(headerSize)))
}

func userPtr(h *header) unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(h)) + uintptr(headerSize))
}

// blockStructSize is folded into the size requested for a freshly mapped
// block's region: the fresh-block sizing pads in room for the block's
// own bookkeeping overhead even though the block struct itself lives in
// the block list's array, not inside the mapped region.
var blockStructSize = int(unsafe.Sizeof(block{}))

// block is a mapped region carrying a doubly-linked list of live
// allocation headers in ascending address order.
type block struct {
	region           []byte
	size             int
	freeSpace        int
	head, tail       *header
	ttl              int
	freshlyAllocated bool
}

func newBlock(ps *pageSource, minSize int) (block, error) {
	region, err := ps.mapPages(minSize)
	if err != nil {
		return block{}, err
	}
	return block{
		region:           region,
		size:             len(region),
		freeSpace:        len(region),
		freshlyAllocated: true,
		ttl:              initialTTL(len(region)),
	}, nil
}

func (b *block) baseAddr() uintptr { return uintptr(unsafe.Pointer(&b.region[0])) }
func (b *block) endAddr() uintptr  { return b.baseAddr() + uintptr(b.size) }

// hasRoomFor is a cheap pre-check: it can say no for certain, but a yes
// still requires tryAllocate to find an actual gap.
func (b *block) hasRoomFor(size int) bool {
	return b.freeSpace >= size+headerSize
}

// tryAllocate runs the first-fit placement search of empty
// block, gap between two headers, or gap at the tail. It reports the
// block's freshlyAllocated flag as it was *before* this call, which
// Calloc needs to decide whether the OS already zeroed the memory.
func (b *block) tryAllocate(size, blockIdx int) (ptr unsafe.Pointer, ok bool, wasFresh bool) {
	need := size + headerSize
	if b.freeSpace < need {
		return nil, false, false
	}
	wasFresh = b.freshlyAllocated

	if b.head == nil {
		h := (*header)(unsafe.Pointer(&b.region[0]))
		*h = header{userSize: size, blockIndex: blockIdx}
		b.head, b.tail = h, h
		b.freeSpace -= need
		debugAssert(b.freeSpace <= b.size, "free space exceeds block size")
		b.freshlyAllocated = false
		return userPtr(h), true, wasFresh
	}

	for cur := b.head; cur != nil; cur = cur.next {
		curEnd := uintptr(unsafe.Pointer(cur)) + uintptr(headerSize+cur.userSize)
		var gapEnd uintptr
		if cur.next != nil {
			gapEnd = uintptr(unsafe.Pointer(cur.next))
		} else {
			gapEnd = b.endAddr()
		}

		if int(gapEnd-curEnd) < need {
			continue
		}

		h := (*header)(unsafe.Pointer(curEnd))
		*h = header{userSize: size, prev: cur, next: cur.next, blockIndex: blockIdx}
		if cur.next != nil {
			cur.next.prev = h
		} else {
			b.tail = h
		}
		cur.next = h
		b.freeSpace -= need
		debugAssert(b.freeSpace <= b.size, "free space exceeds block size")
		b.freshlyAllocated = false
		return userPtr(h), true, wasFresh
	}

	return nil, false, false
}

// free unlinks h from the block's list and returns its bytes to
// freeSpace.
func (b *block) free(h *header) {
	switch {
	case h.prev == nil && h.next == nil:
		b.head, b.tail = nil, nil
	case h.prev == nil:
		h.next.prev = nil
		b.head = h.next
	case h.next == nil:
		h.prev.next = nil
		b.tail = h.prev
	default:
		h.prev.next = h.next
		h.next.prev = h.prev
	}
	b.freeSpace += headerSize + h.userSize
	debugAssert(b.freeSpace <= b.size, "free space exceeds block size after free")
}

// empty reports whether the block currently holds no live allocations.
func (b *block) empty() bool { return b.freeSpace == b.size }
