// Copyright 2024 The Challoc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package challoc

import "testing"

func TestLeakTrackerReportsOutstandingAllocations(t *testing.T) {
	a, err := NewAllocator(WithLeakTracking())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.Malloc(64); err != nil {
		t.Fatal(err)
	}
	b, err := a.Malloc(128)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Free(b); err != nil {
		t.Fatal(err)
	}

	// One allocation (64 bytes) remains outstanding.
	if err := a.Close(); err == nil {
		t.Fatal("expected Close to report the leaked 64-byte allocation")
	}
}

func TestLeakTrackerCleanExit(t *testing.T) {
	a, err := NewAllocator(WithLeakTracking())
	if err != nil {
		t.Fatal(err)
	}

	b, err := a.Malloc(32)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Free(b); err != nil {
		t.Fatal(err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close reported a leak where none exists: %v", err)
	}
}

func TestLeakTrackerIgnoresFreedThenReallocated(t *testing.T) {
	a, err := NewAllocator(WithLeakTracking())
	if err != nil {
		t.Fatal(err)
	}

	b, err := a.Malloc(16)
	if err != nil {
		t.Fatal(err)
	}
	grown, err := a.Realloc(b, 256)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Free(grown); err != nil {
		t.Fatal(err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close reported a leak after realloc+free: %v", err)
	}
}
