// Copyright 2024 The Challoc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package challoc is a general-purpose dynamic memory allocator built from
// a small fixed-size minislab, a fragmented block allocator for larger
// requests, and a deferred-unmap cache that lets a freed block survive a
// handful of further calls before its pages are returned to the OS.
//
// Most callers use the package-level Malloc/Free/Calloc/Realloc family,
// which lazily construct and share one process-wide Allocator the way a
// C allocator's global state would be brought up by a library
// constructor. Callers that want an isolated arena, leak tracking, or a
// non-default logger construct their own Allocator with NewAllocator.
package challoc

import (
	"sync"
	"unsafe"
)

var (
	globalOnce sync.Once
	global     *Allocator
	globalErr  error
)

func globalAllocator() (*Allocator, error) {
	globalOnce.Do(func() {
		global, globalErr = NewAllocator()
	})
	return global, globalErr
}

// Close tears down the process-wide allocator. It is safe to call even if
// the global allocator was never used; a later package-level call lazily
// brings up a new one.
func Close() error {
	if global == nil {
		return nil
	}
	err := global.Close()
	global, globalErr = nil, nil
	globalOnce = sync.Once{}
	return err
}

// Malloc allocates size bytes from the process-wide allocator.
func Malloc(size int) ([]byte, error) {
	a, err := globalAllocator()
	if err != nil {
		return nil, err
	}
	return a.Malloc(size)
}

// Free returns b to the process-wide allocator.
func Free(b []byte) error {
	a, err := globalAllocator()
	if err != nil {
		return err
	}
	return a.Free(b)
}

// Calloc allocates count*size zeroed bytes from the process-wide
// allocator.
func Calloc(count, size int) ([]byte, error) {
	a, err := globalAllocator()
	if err != nil {
		return nil, err
	}
	return a.Calloc(count, size)
}

// Realloc resizes b to newSize using the process-wide allocator.
func Realloc(b []byte, newSize int) ([]byte, error) {
	a, err := globalAllocator()
	if err != nil {
		return nil, err
	}
	return a.Realloc(b, newSize)
}

// UsableSize reports the usable size of b as tracked by the process-wide
// allocator.
func UsableSize(b []byte) int {
	a, err := globalAllocator()
	if err != nil {
		return 0
	}
	return a.UsableSize(b)
}

// UnsafeMalloc is Malloc returning an unsafe.Pointer, for callers
// bridging to code that already speaks in raw pointers (e.g. a cgo
// interposition shim).
func UnsafeMalloc(size int) (unsafe.Pointer, error) {
	a, err := globalAllocator()
	if err != nil {
		return nil, err
	}
	return a.UnsafeMalloc(size)
}

// UnsafeFree is Free taking an unsafe.Pointer.
func UnsafeFree(p unsafe.Pointer) error {
	a, err := globalAllocator()
	if err != nil {
		return err
	}
	return a.UnsafeFree(p)
}

// UnsafeCalloc is Calloc returning an unsafe.Pointer.
func UnsafeCalloc(count, size int) (unsafe.Pointer, error) {
	a, err := globalAllocator()
	if err != nil {
		return nil, err
	}
	return a.UnsafeCalloc(count, size)
}

// UnsafeRealloc is Realloc taking and returning an unsafe.Pointer.
func UnsafeRealloc(p unsafe.Pointer, newSize int) (unsafe.Pointer, error) {
	a, err := globalAllocator()
	if err != nil {
		return nil, err
	}
	return a.UnsafeRealloc(p, newSize)
}

// UnsafeUsableSize is UsableSize taking an unsafe.Pointer.
func UnsafeUsableSize(p unsafe.Pointer) int {
	a, err := globalAllocator()
	if err != nil {
		return 0
	}
	return a.UnsafeUsableSize(p)
}
