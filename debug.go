// Copyright 2024 The Challoc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build debug

package challoc

// debugAssert panics with msg if cond is false. Only compiled with
// `-tags debug`: "Assertion violations (broken
// invariants) are fatal in debug; optional in release."
func debugAssert(cond bool, msg string) {
	if !cond {
		panic("challoc: assertion failed: " + msg)
	}
}
