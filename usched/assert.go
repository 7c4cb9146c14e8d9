// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package usched

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// maxQueuedWarnings bounds the violations held for logging between
// flushes. Excess ones are counted in Failures but not logged.
const maxQueuedWarnings = 16

// warnings holds violations detected under a cpu lock until they can
// be logged with no lock held.
type warnings struct {
	mu   sync.Mutex
	errs []error
	n    atomic.Int32
}

// fail reports a broken bookkeeping invariant. In strict mode it
// panics. Otherwise it queues the error for logging and returns so the
// caller can abandon the operation before touching any structure.
// fail may be called with cpu locks held; it does no I/O.
func (s *Scheduler) fail(format string, args ...any) {
	err := errors.AssertionFailedf(format, args...)
	if s.cfg.Strict {
		panic(err)
	}
	s.failures.Add(1)
	w := &s.warnings
	w.mu.Lock()
	if len(w.errs) < maxQueuedWarnings {
		w.errs = append(w.errs, err)
		w.n.Store(int32(len(w.errs)))
	}
	w.mu.Unlock()
}

// flush logs the queued violations, throttled.
// Entry points defer it so that it runs after their locks are released.
func (s *Scheduler) flush() {
	w := &s.warnings
	if w.n.Load() == 0 {
		return
	}
	w.mu.Lock()
	errs := w.errs
	w.errs = nil
	w.n.Store(0)
	w.mu.Unlock()
	for _, err := range errs {
		if s.warn.Allow() {
			s.log.WithError(err).Error("usched: invariant violated")
		}
	}
}
