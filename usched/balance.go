// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package usched

import (
	"github.com/DragonFlyBSD/DragonFlyBSD-sub066/cpumask"
	"github.com/DragonFlyBSD/DragonFlyBSD-sub066/topo"
)

// candidates returns the cpus t may be placed on and run on: its
// affinity restricted to online cpus. An affinity naming no online cpu
// is treated as naming all of them, and fallback is reported true.
func (s *Scheduler) candidates(t *Thread) (m cpumask.Mask, fallback bool) {
	online := s.topo.Online()
	aff := t.Params().Affinity
	if aff.IsZero() {
		return online, false
	}
	if m = aff.And(online); m.IsZero() {
		return online, true
	}
	return m, false
}

// allowed reports whether t may run on cpu.
func (s *Scheduler) allowed(t *Thread, cpu int) bool {
	m, _ := s.candidates(t)
	return m.Has(cpu)
}

// SelectCPU returns the cpu a newly runnable t should be queued on.
//
// An idle cpu wins, the one closest to t's last cpu first. Otherwise
// the cpu with the lowest load wins. Ties go to the lowest cpu id.
// The choice is made from hints read without locks, so it can be
// stale; a stale choice costs latency, never correctness.
func (s *Scheduler) SelectCPU(t *Thread) int {
	return s.selectCPU(t)
}

// selectCPU is called without any cpu lock held.
func (s *Scheduler) selectCPU(t *Thread) int {
	cand, fallback := s.candidates(t)
	if fallback {
		s.log.WithField("tid", t.ID).Warnf("usched: affinity %v has no online cpu, using all", t.Params().Affinity)
	}
	idle := cand.AndNot(s.rdyMask.Load()).AndNot(s.curMask.Load())
	best, bestDist := -1, topo.Remote+1
	idle.ForEach(func(c int) {
		if d := s.topo.Distance(t.lastcpu, c); d < bestDist {
			best, bestDist = c, d
		}
	})
	if best >= 0 {
		return best
	}
	var bestLoad int64
	cand.ForEach(func(c int) {
		if l := s.load(&s.cpus[c]); best < 0 || l < bestLoad {
			best, bestLoad = c, l
		}
	})
	return best
}

// shouldMigrate reports whether t, queued on cur, should move, and to
// which cpu. It moves only when cur's load exceeds the lightest
// candidate's by more than t's own load plus the hysteresis, so that
// the move strictly narrows the gap and two cpus do not trade a
// thread back and forth.
func (s *Scheduler) shouldMigrate(t *Thread, cur int) (int, bool) {
	curLoad := s.load(&s.cpus[cur])
	target := -1
	var minLoad int64
	cand, _ := s.candidates(t)
	cand.ForEach(func(c int) {
		if c == cur {
			return
		}
		l := s.load(&s.cpus[c])
		if target < 0 || l < minLoad || l == minLoad && s.topo.Distance(cur, c) < s.topo.Distance(cur, target) {
			target, minLoad = c, l
		}
	})
	if target < 0 {
		return -1, false
	}
	w := t.uload + s.cfg.LoadWeight
	return target, curLoad-minLoad > w+s.cfg.Hysteresis
}

// ShouldMigrate reports whether the queued thread t would be pushed
// off its cpu by the next balancing pass.
func (s *Scheduler) ShouldMigrate(t *Thread) bool {
	dd := s.lockThread(t)
	if dd == nil {
		return false
	}
	defer dd.mu.Unlock()
	if t.State() != Runnable {
		return false
	}
	_, ok := s.shouldMigrate(t, dd.id)
	return ok
}

// balance pushes the least eligible queued thread of cpu to a lighter
// cpu if the imbalance warrants it. The thread changes hands with both
// cpus locked, so it is never owned by two cpus or by none. The target
// is only try-locked: on contention the thread stays where it is.
func (s *Scheduler) balance(cpu int) {
	dd := &s.cpus[cpu]
	dd.mu.Lock()
	t := dd.worstLocked()
	if t == nil {
		dd.mu.Unlock()
		return
	}
	target, ok := s.shouldMigrate(t, cpu)
	if !s.allowed(t, cpu) {
		// Its affinity no longer includes cpu; any candidate will do.
		ok = target >= 0
	}
	if !ok {
		dd.mu.Unlock()
		return
	}
	td := &s.cpus[target]
	if !td.mu.TryLock() {
		dd.mu.Unlock()
		return
	}
	moved := s.canUnassignLocked(dd, t) && s.unqueueLocked(dd, t) && s.unassignLocked(dd, t)
	var pri int32
	if moved {
		s.assignLocked(td, t)
		s.queueLocked(td, t)
		pri = t.gpri()
		dd.migratedOut.Add(1)
		td.migratedIn.Add(1)
	}
	td.mu.Unlock()
	dd.mu.Unlock()
	if moved {
		s.debugf(cpu, t, "migrate to cpu %d", target)
		s.notify(target, pri)
	}
}

// notify pokes cpu after a thread of global priority pri was queued
// on it. The IPI is only sent if the cpu is idle or running something
// less eligible, judged from the cpu's published priority.
func (s *Scheduler) notify(cpu int, pri int32) {
	dd := &s.cpus[cpu]
	if pri >= dd.upri.Load() {
		dd.ipiSkipped.Add(1)
		return
	}
	dd.resched.Store(true)
	dd.ipis.Add(1)
	s.debugf(cpu, nil, "resched ipi for priority %d", pri)
	if s.plat != nil {
		s.plat.SendReschedIPI(cpu)
	}
}
