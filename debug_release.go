// Copyright 2024 The Challoc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !debug

package challoc

// debugAssert is a no-op in release builds; see debug.go.
func debugAssert(bool, string) {}
