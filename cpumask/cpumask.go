// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cpumask implements fixed-width sets of CPU ids.
//
// A Mask is a plain value, copied freely. An Atomic is a mask that can
// be updated bit by bit from several goroutines without a lock; it is
// meant for hints that may be read stale.
package cpumask

import (
	"math/bits"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

const (
	MaxCPU = 256 /* largest number of CPUs a mask can hold */

	nwords = MaxCPU / 64
)

// A Mask is a set of CPU ids in [0, MaxCPU).
type Mask [nwords]uint64

// Of returns the mask holding exactly the given CPUs.
func Of(cpus ...int) Mask {
	var m Mask
	for _, c := range cpus {
		m.Set(c)
	}
	return m
}

// All returns the mask holding CPUs 0 through n-1.
func All(n int) Mask {
	var m Mask
	if n > MaxCPU {
		n = MaxCPU
	}
	for i := 0; i < n/64; i++ {
		m[i] = ^uint64(0)
	}
	if r := n % 64; r != 0 {
		m[n/64] = 1<<r - 1
	}
	return m
}

func (m Mask) Has(cpu int) bool {
	if cpu < 0 || cpu >= MaxCPU {
		return false
	}
	return m[cpu/64]&(1<<(cpu%64)) != 0
}

func (m *Mask) Set(cpu int) {
	if cpu < 0 || cpu >= MaxCPU {
		panic("cpumask: cpu out of range")
	}
	m[cpu/64] |= 1 << (cpu % 64)
}

func (m *Mask) Clear(cpu int) {
	if cpu < 0 || cpu >= MaxCPU {
		return
	}
	m[cpu/64] &^= 1 << (cpu % 64)
}

func (m Mask) And(o Mask) Mask {
	for i := range m {
		m[i] &= o[i]
	}
	return m
}

func (m Mask) AndNot(o Mask) Mask {
	for i := range m {
		m[i] &^= o[i]
	}
	return m
}

func (m Mask) Or(o Mask) Mask {
	for i := range m {
		m[i] |= o[i]
	}
	return m
}

func (m Mask) IsZero() bool {
	return m == Mask{}
}

// Count returns the number of CPUs in m.
func (m Mask) Count() int {
	n := 0
	for _, w := range m {
		n += bits.OnesCount64(w)
	}
	return n
}

// First returns the lowest CPU in m, or -1 if m is empty.
func (m Mask) First() int {
	return m.Next(0)
}

// Next returns the lowest CPU in m that is >= cpu, or -1.
func (m Mask) Next(cpu int) int {
	if cpu < 0 {
		cpu = 0
	}
	for i := cpu / 64; i < nwords; i++ {
		w := m[i]
		if i == cpu/64 {
			w &= ^uint64(0) << (cpu % 64)
		}
		if w != 0 {
			return i*64 + bits.TrailingZeros64(w)
		}
	}
	return -1
}

// ForEach calls fn for every CPU in m, in increasing order.
func (m Mask) ForEach(fn func(cpu int)) {
	for i, w := range m {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			w &^= 1 << b
			fn(i*64 + b)
		}
	}
}

// String formats m as a CPU list, such as "0-3,6".
func (m Mask) String() string {
	var b strings.Builder
	for c := m.First(); c >= 0; {
		end := c
		for m.Has(end + 1) {
			end++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(c))
		if end > c {
			b.WriteByte('-')
			b.WriteString(strconv.Itoa(end))
		}
		c = m.Next(end + 1)
	}
	return b.String()
}

// Parse parses a CPU list in the format written by String.
// The empty string is the empty mask.
func Parse(s string) (Mask, error) {
	var m Mask
	if s == "" {
		return m, nil
	}
	for _, f := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(f, "-")
		a, err := strconv.Atoi(lo)
		if err != nil {
			return Mask{}, errors.Wrapf(err, "cpumask %q", s)
		}
		b := a
		if isRange {
			if b, err = strconv.Atoi(hi); err != nil {
				return Mask{}, errors.Wrapf(err, "cpumask %q", s)
			}
		}
		if a < 0 || b >= MaxCPU || a > b {
			return Mask{}, errors.Newf("cpumask %q: bad range %d-%d", s, a, b)
		}
		for c := a; c <= b; c++ {
			m.Set(c)
		}
	}
	return m, nil
}

// An Atomic is a Mask whose bits are set and cleared atomically.
// The zero value is an empty mask.
type Atomic struct {
	w [nwords]atomic.Uint64
}

func (a *Atomic) Set(cpu int) {
	w := &a.w[cpu/64]
	bit := uint64(1) << (cpu % 64)
	for {
		old := w.Load()
		if old&bit != 0 || w.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

func (a *Atomic) Clear(cpu int) {
	w := &a.w[cpu/64]
	bit := uint64(1) << (cpu % 64)
	for {
		old := w.Load()
		if old&bit == 0 || w.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}

func (a *Atomic) Has(cpu int) bool {
	if cpu < 0 || cpu >= MaxCPU {
		return false
	}
	return a.w[cpu/64].Load()&(1<<(cpu%64)) != 0
}

// Load returns a copy of the mask. Words are read one at a time, so
// the copy is not a consistent snapshot across words.
func (a *Atomic) Load() Mask {
	var m Mask
	for i := range a.w {
		m[i] = a.w[i].Load()
	}
	return m
}
