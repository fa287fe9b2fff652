// Copyright 2024 The Challoc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package challoc

import "github.com/sirupsen/logrus"

// Option configures an Allocator at construction time. The allocator is
// one owned state object built at construction, with no hidden
// singletons beyond it; functional options are the idiomatic way to
// parameterize that single constructor.
type Option func(*Allocator)

// WithLeakTracking enables recording of every outstanding allocation so
// Close can report leaks. Off by default: the tracker's own storage is a
// live pagearray that costs a mapping, and most callers don't want leak
// bookkeeping on a hot path.
func WithLeakTracking() Option {
	return func(a *Allocator) { a.leakEnabled = true }
}

// WithLogger overrides the allocator's ambient logger. The default
// logger is silent; pass a configured *logrus.Logger (e.g.
// logrus.StandardLogger()) to see the leak tracker's diagnostics. Only the
// leak tracker logs; block map/unmap and errors are not logged.
func WithLogger(l *logrus.Logger) Option {
	return func(a *Allocator) { a.log = l }
}
