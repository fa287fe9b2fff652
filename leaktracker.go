// Copyright 2024 The Challoc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package challoc

import (
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"
)

// leakRecord is one outstanding-allocation record ("every
// successful alloc/calloc records (pointer, requested_size)").
type leakRecord struct {
	ptr  unsafe.Pointer
	size int
}

// leakTracker is the optional leak-tracker collaborator, wired only at
// its interface to the core: append on alloc/calloc,
// remove on free, remove-then-add on realloc, report outstanding records
// at Close. Its own storage is a pagearray so it never calls back into
// the locked public API to grow itself.
type leakTracker struct {
	records *pagearray[leakRecord]
	log     *logrus.Logger
}

func newLeakTracker(ps *pageSource, capacity int, log *logrus.Logger) (*leakTracker, error) {
	records, err := newPagearray[leakRecord](ps, capacity)
	if err != nil {
		return nil, err
	}
	return &leakTracker{records: records, log: log}, nil
}

func (lt *leakTracker) record(p unsafe.Pointer, size int) {
	if err := lt.records.push(leakRecord{ptr: p, size: size}); err != nil {
		lt.log.WithError(err).Warn("challoc: failed to record allocation for leak tracking")
	}
}

func (lt *leakTracker) remove(p unsafe.Pointer) {
	for i := 0; i < lt.records.len(); i++ {
		if lt.records.at(i).ptr == p {
			lt.records.swapRemove(i)
			return
		}
	}
}

// report dumps every remaining record (pointer, size, raw bytes) and
// returns a non-nil error when any leak was found, so a caller's main can
// turn it into a non-zero exit status without this library
// calling os.Exit itself.
func (lt *leakTracker) report() error {
	n := lt.records.len()
	if n == 0 {
		lt.log.Debug("challoc: no memory leaks detected")
		return nil
	}

	for i := 0; i < n; i++ {
		r := lt.records.at(i)
		raw := unsafe.Slice((*byte)(r.ptr), r.size)
		lt.log.WithFields(logrus.Fields{
			"pointer": r.ptr,
			"size":    r.size,
		}).Errorf("challoc: leaked allocation, content %x", raw)
	}
	return fmt.Errorf("challoc: detected %d memory leaks", n)
}

func (lt *leakTracker) close() error { return lt.records.close() }
