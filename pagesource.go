// Copyright 2024 The Challoc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package challoc

import (
	"os"
	"unsafe"
)

// pageSize is the granularity every mapped region is rounded up to. The
// minislab, every block and every off-heap pagearray are sized in
// multiples of it, regardless of the OS's own (usually identical) page
// size.
const pageSize = 4096

const pageMask = pageSize - 1

// osPageSize is the real OS allocation granularity, used only to sanity
// check that mmap returned page-aligned memory as promised.
var (
	osPageSize = os.Getpagesize()
	osPageMask = osPageSize - 1
)

// ceilToPage rounds n up to the next multiple of pageSize.
func ceilToPage(n int) int {
	r := n % pageSize
	if r == 0 {
		return n
	}
	return n + pageSize - r
}

// pageSource hands out and reclaims page-aligned, zero-filled memory from
// the OS. It is the only thing in this package that talks to mmap/munmap;
// the minislab arena, every Block's region, and every pagearray's backing
// storage all go through it so that none of them re-enter the public
// allocator API to grow themselves.
type pageSource struct {
	mmaps int // number of live mappings, for diagnostics
	bytes int // total bytes currently mapped
}

// mapPages obtains a zero-filled, page-aligned region of exactly
// ceilToPage(size) bytes.
func (ps *pageSource) mapPages(size int) ([]byte, error) {
	size = ceilToPage(size)
	b, err := mmap0(size)
	if err != nil {
		return nil, err
	}

	if uintptr(unsafe.Pointer(&b[0]))&uintptr(osPageMask) != 0 {
		panic("challoc: mmap returned a non-page-aligned address")
	}

	ps.mmaps++
	ps.bytes += len(b)
	return b, nil
}

// unmapPages releases a region previously obtained from mapPages.
func (ps *pageSource) unmapPages(b []byte) error {
	if len(b) == 0 {
		return nil
	}

	ps.mmaps--
	ps.bytes -= len(b)
	return unmap(unsafe.Pointer(&b[0]), len(b))
}
