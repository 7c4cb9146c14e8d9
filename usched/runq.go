// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package usched

import (
	"math/bits"

	"github.com/cockroachdb/errors"
)

// A runq is the run queue set of one class on one cpu:
// NQS FIFO lists of threads and a bitmap whose bit i is set
// exactly when list i is non-empty.
//
// Threads are linked through their own next/prev fields,
// so no operation allocates.
type runq struct {
	bits  uint32
	count int
	q     [NQS]struct{ head, tail *Thread }
}

// enqueue appends t to the tail of the bucket for t.priority.
// It reports false, leaving q unchanged, if the priority is out of
// range or t is already on a queue.
func (q *runq) enqueue(t *Thread) bool {
	if t.priority < 0 || t.priority >= MAXPRI || t.onq != nil {
		return false
	}
	i := t.priority / PPQ
	b := &q.q[i]
	t.prev = b.tail
	t.next = nil
	if b.tail == nil {
		b.head = t
	} else {
		b.tail.next = t
	}
	b.tail = t
	t.rqindex = i
	t.onq = q
	q.bits |= 1 << i
	q.count++
	return true
}

// dequeue removes t from its bucket, wherever it sits in the list.
// It reports false, leaving q unchanged, if t is not on q.
func (q *runq) dequeue(t *Thread) bool {
	if t.onq != q || t.rqindex < 0 || t.rqindex >= NQS || q.bits&(1<<t.rqindex) == 0 {
		return false
	}
	b := &q.q[t.rqindex]
	if t.prev == nil {
		if b.head != t {
			return false
		}
		b.head = t.next
	} else {
		t.prev.next = t.next
	}
	if t.next == nil {
		b.tail = t.prev
	} else {
		t.next.prev = t.prev
	}
	if b.head == nil {
		q.bits &^= 1 << t.rqindex
	}
	t.next, t.prev, t.onq = nil, nil, nil
	q.count--
	return true
}

// best returns the head of the lowest non-empty bucket, or nil.
func (q *runq) best() *Thread {
	if q.bits == 0 {
		return nil
	}
	return q.q[bits.TrailingZeros32(q.bits)].head
}

// worst returns the tail of the highest non-empty bucket, or nil.
func (q *runq) worst() *Thread {
	if q.bits == 0 {
		return nil
	}
	return q.q[31-bits.LeadingZeros32(q.bits)].tail
}

// each calls fn for every queued thread, lowest bucket first.
// fn may move the thread it is given to a lower bucket.
func (q *runq) each(fn func(t *Thread)) {
	for m := q.bits; m != 0; {
		i := bits.TrailingZeros32(m)
		m &^= 1 << i
		for t := q.q[i].head; t != nil; {
			next := t.next
			fn(t)
			t = next
		}
	}
}

// check verifies the occupancy bitmap and list links of q.
func (q *runq) check() error {
	n := 0
	for i := range q.q {
		b := &q.q[i]
		set := q.bits&(1<<i) != 0
		if set != (b.head != nil) {
			return errors.Newf("bucket %d: bitmap bit %v, head %v", i, set, b.head != nil)
		}
		var prev *Thread
		for t := b.head; t != nil; t = t.next {
			if t.prev != prev || t.onq != q || t.rqindex != i {
				return errors.Newf("bucket %d: thread %d mislinked", i, t.ID)
			}
			if t.priority/PPQ != i {
				return errors.Newf("bucket %d: thread %d has priority %d", i, t.ID, t.priority)
			}
			prev = t
			n++
		}
		if b.tail != prev {
			return errors.Newf("bucket %d: bad tail", i)
		}
	}
	if n != q.count {
		return errors.Newf("count %d, found %d threads", q.count, n)
	}
	return nil
}
