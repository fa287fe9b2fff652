// Copyright 2024 The Challoc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package challoc

import (
	"errors"
	"io"
	"math/bits"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
)

const (
	defaultInUseCapacity = 30
	defaultFreedCapacity = 10
	defaultLeakCapacity  = 64
)

var (
	// ErrClosed is returned by every method once Close has run.
	ErrClosed = errors.New("challoc: allocator is closed")

	// ErrInvalidFree is returned when a pointer outside the minislab arena
	// carries a header whose block index names no block in the in-use
	// list, as with a second free of a block allocation whose block has
	// since emptied. Other foreign or double-freed pointers are not
	// detected.
	ErrInvalidFree = errors.New("challoc: invalid or double free")

	// ErrCallocOverflow is returned when count*size would overflow a
	// 64-bit size, instead of silently wrapping and under-allocating.
	ErrCallocOverflow = errors.New("challoc: calloc size overflow")
)

// Allocator is the one owned state object this package constructs: a
// minislab arena, two block lists (in-use and pending-unmap), and an
// optional leak tracker, all sharing a single page source and guarded by
// a single mutex held across each public call.
type Allocator struct {
	mu sync.Mutex

	ps    pageSource
	slab  *minislab
	inUse *blockList
	freed *blockList

	leak        *leakTracker
	leakEnabled bool

	log    *logrus.Logger
	closed bool
}

// allocResult is the outcome of a placement attempt: the pointer, plus
// whether it came from a block that had never served a prior allocation
// (and so is still OS-zeroed), which Calloc needs to skip a redundant
// zero-fill.
type allocResult struct {
	ptr            unsafe.Pointer
	fromFreshBlock bool
}

// NewAllocator constructs a ready-to-use Allocator: one minislab arena and
// two empty block lists, requested with room for at least 30 in-use and
// 10 freed blocks before anything has been allocated. Each list's backing
// mapping is rounded up to whole pages and every slot that fits is used,
// so the freed list's actual bound is the number of blocks one page holds.
func NewAllocator(opts ...Option) (*Allocator, error) {
	a := &Allocator{log: newSilentLogger()}
	for _, opt := range opts {
		opt(a)
	}

	slab, err := newMinislab(&a.ps)
	if err != nil {
		return nil, err
	}
	a.slab = slab

	inUse, err := newBlockList(&a.ps, defaultInUseCapacity)
	if err != nil {
		return nil, err
	}
	a.inUse = inUse

	freed, err := newBlockList(&a.ps, defaultFreedCapacity)
	if err != nil {
		return nil, err
	}
	a.freed = freed

	if a.leakEnabled {
		leak, err := newLeakTracker(&a.ps, defaultLeakCapacity, a.log)
		if err != nil {
			return nil, err
		}
		a.leak = leak
	}

	return a, nil
}

func newSilentLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// UnsafeMalloc is the router's entry point for a plain allocation: the
// minislab is tried first, falling back to the block allocator, with a
// TTL sweep run ahead of the placement attempt on every call so a block
// freed by an earlier call can be reclaimed here.
func (a *Allocator) UnsafeMalloc(size int) (unsafe.Pointer, error) {
	if size < 0 {
		panic("challoc: negative size")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	if err := a.sweepTTL(); err != nil {
		return nil, err
	}

	res, err := a.allocLockedFull(size)
	if err != nil {
		return nil, err
	}
	if res.ptr != nil && a.leakEnabled {
		a.leak.record(res.ptr, size)
	}
	return res.ptr, nil
}

// UnsafeFree returns p to whichever collaborator owns it. Freeing nil
// frees nothing, though the TTL sweep still runs as on every call.
func (a *Allocator) UnsafeFree(p unsafe.Pointer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if err := a.sweepTTL(); err != nil {
		return err
	}
	if p == nil {
		return nil
	}

	if a.leakEnabled {
		a.leak.remove(p)
	}
	return a.freeLocked(p)
}

// UnsafeCalloc allocates count*size zeroed bytes, rejecting a request
// whose product overflows rather than silently wrapping and
// under-allocating. Memory handed out from a block that has never served
// a prior allocation is already OS-zeroed and is not zeroed again.
func (a *Allocator) UnsafeCalloc(count, size int) (unsafe.Pointer, error) {
	if count < 0 || size < 0 {
		panic("challoc: negative size")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	if err := a.sweepTTL(); err != nil {
		return nil, err
	}
	if count == 0 || size == 0 {
		return nil, nil
	}
	if mulOverflows(count, size) {
		return nil, ErrCallocOverflow
	}

	total := count * size
	res, err := a.allocLockedFull(total)
	if err != nil {
		return nil, err
	}
	if res.ptr == nil {
		return nil, nil
	}
	if !res.fromFreshBlock {
		zero(res.ptr, total)
	}
	if a.leakEnabled {
		a.leak.record(res.ptr, total)
	}
	return res.ptr, nil
}

// UnsafeRealloc resizes the allocation at p to newSize, preserving the
// lesser of the old and new sizes' worth of content. p == nil behaves as
// UnsafeMalloc; newSize == 0 behaves as UnsafeFree.
func (a *Allocator) UnsafeRealloc(p unsafe.Pointer, newSize int) (unsafe.Pointer, error) {
	if newSize < 0 {
		panic("challoc: negative size")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	if err := a.sweepTTL(); err != nil {
		return nil, err
	}

	if p == nil {
		res, err := a.allocLockedFull(newSize)
		if err != nil {
			return nil, err
		}
		if res.ptr != nil && a.leakEnabled {
			a.leak.record(res.ptr, newSize)
		}
		return res.ptr, nil
	}

	if newSize == 0 {
		if a.leakEnabled {
			a.leak.remove(p)
		}
		return nil, a.freeLocked(p)
	}

	oldSize := a.sizeOfLocked(p)
	res, err := a.allocLockedFull(newSize)
	if err != nil {
		return nil, err
	}

	n := oldSize
	if newSize < n {
		n = newSize
	}
	copyBytes(res.ptr, p, n)

	if a.leakEnabled {
		a.leak.remove(p)
	}
	if err := a.freeLocked(p); err != nil {
		return nil, err
	}
	if res.ptr != nil && a.leakEnabled {
		a.leak.record(res.ptr, newSize)
	}
	return res.ptr, nil
}

// UnsafeUsableSize reports the usable size of p: the minislab's chunk size
// for a minislab pointer, or the header's recorded userSize (the size
// originally requested) for a block pointer.
func (a *Allocator) UnsafeUsableSize(p unsafe.Pointer) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sizeOfLocked(p)
}

// Malloc is UnsafeMalloc wrapped in a []byte of the requested length.
func (a *Allocator) Malloc(size int) ([]byte, error) {
	p, err := a.UnsafeMalloc(size)
	if err != nil || p == nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), size), nil
}

// Free is UnsafeFree taking a []byte; freeing a nil or empty slice is a
// no-op.
func (a *Allocator) Free(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return a.UnsafeFree(unsafe.Pointer(&b[0]))
}

// Calloc is UnsafeCalloc wrapped in a []byte of count*size bytes.
func (a *Allocator) Calloc(count, size int) ([]byte, error) {
	p, err := a.UnsafeCalloc(count, size)
	if err != nil || p == nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), count*size), nil
}

// Realloc is UnsafeRealloc taking and returning a []byte.
func (a *Allocator) Realloc(b []byte, newSize int) ([]byte, error) {
	var p unsafe.Pointer
	if len(b) != 0 {
		p = unsafe.Pointer(&b[0])
	}
	np, err := a.UnsafeRealloc(p, newSize)
	if err != nil || np == nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(np), newSize), nil
}

// UsableSize is UnsafeUsableSize taking a []byte.
func (a *Allocator) UsableSize(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	return a.UnsafeUsableSize(unsafe.Pointer(&b[0]))
}

// Close unmaps every region this allocator still owns (the minislab
// arena, every in-use and pending-unmap block, and the block lists' and
// leak tracker's own backing storage) and, if leak tracking was enabled,
// reports any allocation still outstanding.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	if a.leakEnabled {
		record(a.leak.report())
		record(a.leak.close())
	}

	for i := 0; i < a.inUse.len(); i++ {
		record(a.ps.unmapPages(a.inUse.at(i).region))
	}
	for i := 0; i < a.freed.len(); i++ {
		record(a.ps.unmapPages(a.freed.at(i).region))
	}

	record(a.inUse.close())
	record(a.freed.close())
	record(a.slab.close(&a.ps))

	return first
}

// allocLockedFull is the shared placement routine behind Malloc, Calloc
// and Realloc: the minislab first, the block allocator on decline.
func (a *Allocator) allocLockedFull(size int) (allocResult, error) {
	if size == 0 {
		return allocResult{}, nil
	}
	if p, ok := a.slab.alloc(size); ok {
		return allocResult{ptr: p}, nil
	}
	return a.allocBlockLocked(size)
}

// allocBlockLocked places size bytes in the block allocator: first-fit
// across the in-use list, then revival of a block waiting in the freed
// list, then a freshly mapped block as the last resort.
func (a *Allocator) allocBlockLocked(size int) (allocResult, error) {
	for i := 0; i < a.inUse.len(); i++ {
		blk := a.inUse.at(i)
		if !blk.hasRoomFor(size) {
			continue
		}
		if ptr, ok, wasFresh := blk.tryAllocate(size, i); ok {
			return allocResult{ptr: ptr, fromFreshBlock: wasFresh}, nil
		}
	}

	for i := 0; i < a.freed.len(); i++ {
		if !a.freed.at(i).hasRoomFor(size) {
			continue
		}
		revived := a.freed.swapRemove(i)
		if err := a.inUse.push(revived); err != nil {
			return allocResult{}, err
		}
		idx := a.inUse.len() - 1
		blk := a.inUse.at(idx)
		ptr, ok, wasFresh := blk.tryAllocate(size, idx)
		debugAssert(ok, "revived block failed to allocate the space it reported room for")
		return allocResult{ptr: ptr, fromFreshBlock: wasFresh}, nil
	}

	minSize := size + headerSize + blockStructSize
	fresh, err := newBlock(&a.ps, minSize)
	if err != nil {
		return allocResult{}, err
	}
	if err := a.inUse.push(fresh); err != nil {
		return allocResult{}, err
	}
	idx := a.inUse.len() - 1
	blk := a.inUse.at(idx)
	ptr, ok, wasFresh := blk.tryAllocate(size, idx)
	debugAssert(ok, "freshly mapped block failed to allocate the space it was sized for")
	return allocResult{ptr: ptr, fromFreshBlock: wasFresh}, nil
}

// freeLocked routes p to the minislab or to the block owning it, and
// moves a block that becomes empty from the in-use list to the freed
// list with a fresh TTL.
func (a *Allocator) freeLocked(p unsafe.Pointer) error {
	if a.slab.contains(p) {
		a.slab.free(p)
		return nil
	}

	h := headerFor(p)
	idx := h.blockIndex
	if idx < 0 || idx >= a.inUse.len() {
		return ErrInvalidFree
	}
	blk := a.inUse.at(idx)
	blk.free(h)

	if !blk.empty() {
		return nil
	}

	removed := a.inUse.swapRemove(idx)
	removed.ttl = initialTTL(removed.size)
	removed.head, removed.tail = nil, nil
	return a.freed.pushOrUnmap(removed)
}

// sizeOfLocked reports the usable size of p without acquiring a.mu;
// callers must already hold it.
func (a *Allocator) sizeOfLocked(p unsafe.Pointer) int {
	if p == nil {
		return 0
	}
	if a.slab.contains(p) {
		return a.slab.sizeOf(p)
	}
	return headerFor(p).userSize
}

func copyBytes(dst, src unsafe.Pointer, n int) {
	if n == 0 {
		return
	}
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(src), n))
}

func zero(p unsafe.Pointer, n int) {
	if n == 0 {
		return
	}
	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		b[i] = 0
	}
}

// mulOverflows reports whether count*size overflows a non-negative int, a
// check a naive calloc implementation built on plain multiplication
// skips entirely.
func mulOverflows(count, size int) bool {
	if count < 0 || size < 0 {
		return true
	}
	hi, lo := bits.Mul64(uint64(count), uint64(size))
	return hi != 0 || lo>>63 != 0
}
