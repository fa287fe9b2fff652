// Copyright 2024 The Challoc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package challoc

// blockList is a dynamic array of blocks, used for both the in-use list
// and the freed (reclamation-pending) list. Its backing storage is a
// pagearray, so growing it never re-enters the public allocator API.
type blockList struct {
	ps    *pageSource
	items *pagearray[block]
}

func newBlockList(ps *pageSource, capacity int) (*blockList, error) {
	items, err := newPagearray[block](ps, capacity)
	if err != nil {
		return nil, err
	}
	return &blockList{ps: ps, items: items}, nil
}

func (bl *blockList) len() int        { return bl.items.len() }
func (bl *blockList) at(i int) *block { return bl.items.at(i) }

// push appends b, growing the list's own backing mapping by doubling if
// it is full (the in-use list's behavior — "grows by
// doubling").
func (bl *blockList) push(b block) error { return bl.items.push(b) }

// pushOrUnmap appends b if there is room, or immediately unmaps its
// region if the list is at capacity — the freed list never grows itself
// to make room for a block waiting out its TTL.
func (bl *blockList) pushOrUnmap(b block) error {
	if bl.items.pushNoGrow(b) {
		return nil
	}
	return bl.ps.unmapPages(b.region)
}

// swapRemove removes the block at i, moving the list's last block into
// its slot if i wasn't already last, and re-stamps blockIndex on every
// header still linked in the moved block ("update
// block_index on remaining headers of the block that was swapped into
// its old slot").
func (bl *blockList) swapRemove(i int) block {
	removed := bl.items.swapRemove(i)
	if i < bl.items.len() {
		moved := bl.items.at(i)
		for h := moved.head; h != nil; h = h.next {
			h.blockIndex = i
		}
	}
	return removed
}

func (bl *blockList) close() error { return bl.items.close() }
