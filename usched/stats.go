// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package usched

import (
	"github.com/cockroachdb/errors"
)

// A CPUStat is a copy of one cpu's scheduler state.
type CPUStat struct {
	CPU       int
	Ticks     int64
	RunqCount int
	ULoad     int64
	UCount    int
	UPri      int       // global priority of the current thread
	Current   int       // current thread id, -1 if idle
	Bits      [3]uint32 // occupancy bitmaps: real-time, normal, idle
	Ready     bool      // cpu's bit in the has-work mask
	Busy      bool      // cpu's bit in the running mask

	Switches    uint64
	MigratedIn  uint64
	MigratedOut uint64
	IPIs        uint64
	IPISkipped  uint64
}

// Snapshot returns the state of cpu.
func (s *Scheduler) Snapshot(cpu int) CPUStat {
	dd := &s.cpus[cpu]
	dd.mu.Lock()
	defer dd.mu.Unlock()
	st := CPUStat{
		CPU:         cpu,
		Ticks:       dd.ticks,
		RunqCount:   dd.runqcount,
		ULoad:       dd.uload.Load(),
		UCount:      int(dd.ucount.Load()),
		UPri:        int(dd.upri.Load()),
		Current:     -1,
		Ready:       s.rdyMask.Has(cpu),
		Busy:        s.curMask.Has(cpu),
		Switches:    dd.switches.Load(),
		MigratedIn:  dd.migratedIn.Load(),
		MigratedOut: dd.migratedOut.Load(),
		IPIs:        dd.ipis.Load(),
		IPISkipped:  dd.ipiSkipped.Load(),
	}
	if dd.uschedcp != nil {
		st.Current = dd.uschedcp.ID
	}
	for c := range dd.runq {
		st.Bits[c] = dd.runq[c].bits
	}
	return st
}

// CheckInvariants locks each cpu in turn and verifies its bookkeeping:
// bitmaps match bucket occupancy, counts and loads match the threads
// actually assigned, and no thread is assigned to two cpus.
func (s *Scheduler) CheckInvariants() error {
	seen := make(map[*Thread]int)
	for i := range s.cpus {
		if err := s.checkCPU(&s.cpus[i], seen); err != nil {
			return errors.Wrapf(err, "cpu %d", i)
		}
	}
	return nil
}

func (s *Scheduler) checkCPU(dd *pcpu, seen map[*Thread]int) error {
	dd.mu.Lock()
	defer dd.mu.Unlock()

	var uload int64
	n := 0
	visit := func(t *Thread, want State) error {
		if c, ok := seen[t]; ok {
			return errors.Newf("thread %d also on cpu %d", t.ID, c)
		}
		seen[t] = dd.id
		if t.CPU() != dd.id {
			return errors.Newf("thread %d has qcpu %d", t.ID, t.CPU())
		}
		if t.State() != want {
			return errors.Newf("thread %d is %v, want %v", t.ID, t.State(), want)
		}
		if t.priority < 0 || t.priority >= MAXPRI {
			return errors.Newf("thread %d has priority %d", t.ID, t.priority)
		}
		if t.estcpu < 0 || t.estcpu >= ESTCPUMAX {
			return errors.Newf("thread %d has estcpu %d", t.ID, t.estcpu)
		}
		uload += t.uload
		return nil
	}
	for c := range dd.runq {
		q := &dd.runq[c]
		if err := q.check(); err != nil {
			return errors.Wrapf(err, "%v queue", Class(c))
		}
		var err error
		q.each(func(t *Thread) {
			if err == nil {
				err = visit(t, Runnable)
			}
			if err == nil && t.rqtype != Class(c) {
				err = errors.Newf("thread %d of class %v on %v queue", t.ID, t.rqtype, Class(c))
			}
		})
		if err != nil {
			return err
		}
		n += q.count
	}
	if n != dd.runqcount {
		return errors.Newf("runqcount %d, %d threads queued", dd.runqcount, n)
	}
	assigned := n
	if cur := dd.uschedcp; cur != nil {
		if cur.onq != nil {
			return errors.Newf("running thread %d is queued", cur.ID)
		}
		if err := visit(cur, Running); err != nil {
			return err
		}
		assigned++
		if int32(dd.upri.Load()) != cur.gpri() {
			return errors.Newf("upri %d, running thread %d has %d", dd.upri.Load(), cur.ID, cur.gpri())
		}
	} else if dd.upri.Load() != idlePri {
		return errors.Newf("idle with upri %d", dd.upri.Load())
	}
	if u := dd.uload.Load(); u != uload {
		return errors.Newf("uload %d, threads sum to %d", u, uload)
	}
	if c := int(dd.ucount.Load()); c != assigned {
		return errors.Newf("ucount %d, %d threads assigned", c, assigned)
	}
	if r := s.rdyMask.Has(dd.id); r != (n > 0) {
		return errors.Newf("ready bit %v with %d threads queued", r, n)
	}
	if b := s.curMask.Has(dd.id); b != (dd.uschedcp != nil) {
		return errors.Newf("running bit %v with current %v", b, dd.uschedcp != nil)
	}
	return nil
}
