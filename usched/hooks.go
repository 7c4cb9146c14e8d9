// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package usched

import "github.com/DragonFlyBSD/DragonFlyBSD-sub066/cpumask"

// The entry points in this file are what the rest of the kernel calls.

// OnThreadCreated seeds a new thread's scheduling state and makes it
// runnable. A child inherits its parent's class, nice, level and
// affinity, starts near its parent's cpu, and takes a share of the
// parent's estcpu. parent may be nil.
func (s *Scheduler) OnThreadCreated(t, parent *Thread) {
	defer s.flush()
	t.cpbase = s.clock.Load()
	if parent != nil {
		pp := parent.Params()
		t.mu.Lock()
		t.params = pp
		t.mu.Unlock()

		var est, last int
		if dd := s.lockThread(parent); dd != nil {
			est, last = parent.estcpu, parent.lastcpu
			dd.mu.Unlock()
		} else {
			est, last = parent.estcpu, parent.lastcpu
		}
		t.estcpu = ClampEstcpu(est >> s.cfg.ForkShift)
		t.lastcpu = last
		t.forked = true
		t.parent = parent
	}
	s.SetRunqueue(t)
}

// OnThreadBlocked takes a thread that is going to sleep off its cpu.
func (s *Scheduler) OnThreadBlocked(t *Thread) {
	defer s.flush()
	s.Remove(t)
}

// OnThreadExited takes an exiting thread off its cpu and clears its
// scheduling state. A forked child hands its share of estcpu back to
// its parent, if the parent is still alive.
func (s *Scheduler) OnThreadExited(t *Thread) {
	defer s.flush()
	s.Remove(t)
	if t.exited.Swap(true) {
		return
	}
	if p := t.parent; t.forked && p != nil && !p.Exited() {
		s.charge(p, t.estcpu>>s.cfg.ForkShift)
	}
	t.estcpu, t.uload, t.priority, t.rrcount = 0, 0, 0, 0
	t.forked, t.parent = false, nil
	t.lastcpu = -1
}

// charge adds est to t's estcpu. The charge is parked in t.pending
// and folded in by whoever owns t next, so it is safe even if t is
// asleep and being woken concurrently.
func (s *Scheduler) charge(t *Thread, est int) {
	if est <= 0 {
		return
	}
	t.pending.Add(int64(est))
	if dd := s.lockThread(t); dd != nil {
		s.decayLocked(t, s.clock.Load())
		s.rescoreLocked(dd, t)
		dd.mu.Unlock()
	}
}

// PickNext is called on the context switch path of cpu and returns the
// thread cpu should run, or nil to idle. A current thread whose
// affinity no longer includes cpu is sent elsewhere first.
func (s *Scheduler) PickNext(cpu int) *Thread {
	defer s.flush()
	dd := &s.cpus[cpu]
	dd.mu.Lock()
	var evict *Thread
	if cur := dd.uschedcp; cur != nil && !s.allowed(cur, cpu) {
		if s.removeLocked(dd, cur) {
			evict = cur
		}
	}
	t := s.chooseNextLocked(dd)
	dd.mu.Unlock()
	if evict != nil {
		s.SetRunqueue(evict)
	}
	return t
}

// A Hint is an external request to change a thread's priority.
type Hint struct {
	Class Class
	Nice  int // normal class
	Level int // real-time and idle classes
}

// SetPriorityHint applies h to t. A queued thread moves to its new
// bucket right away. A running thread is rescored in place and its cpu
// asked to reschedule if a queued thread now beats it.
func (s *Scheduler) SetPriorityHint(t *Thread, h Hint) {
	defer s.flush()
	if !h.Class.queued() {
		s.fail("thread %d: class %v cannot be scheduled", t.ID, h.Class)
		return
	}
	t.mu.Lock()
	t.params.Class, t.params.Nice, t.params.Level = h.Class, ClampNice(h.Nice), ClampLevel(h.Level)
	t.mu.Unlock()

	dd := s.lockThread(t)
	if dd == nil {
		return
	}
	s.rescoreLocked(dd, t)
	cpu := dd.id
	var pri int32 = -1
	switch t.State() {
	case Runnable:
		pri = t.gpri()
	case Running:
		if best := dd.bestLocked(); best != nil && best.gpri() < t.gpri() {
			pri = best.gpri()
		}
	}
	dd.mu.Unlock()
	if pri >= 0 {
		s.notify(cpu, pri)
	}
}

// SetAffinity changes the cpus t may run on. A queued thread on a cpu
// outside the mask is moved at once; a running one is moved by its cpu
// at the next PickNext.
func (s *Scheduler) SetAffinity(t *Thread, m cpumask.Mask) {
	defer s.flush()
	t.mu.Lock()
	t.params.Affinity = m
	t.mu.Unlock()

	dd := s.lockThread(t)
	if dd == nil {
		return
	}
	if s.allowed(t, dd.id) {
		dd.mu.Unlock()
		return
	}
	cpu := dd.id
	requeue := false
	switch t.State() {
	case Runnable:
		requeue = s.removeLocked(dd, t)
	case Running:
		dd.resched.Store(true)
	}
	dd.mu.Unlock()
	if requeue {
		s.SetRunqueue(t)
	} else if s.plat != nil {
		s.plat.SendReschedIPI(cpu)
	}
}

// Info returns a consistent copy of t's scheduling fields.
func (s *Scheduler) Info(t *Thread) ThreadInfo {
	dd := s.lockThread(t)
	if dd != nil {
		defer dd.mu.Unlock()
	}
	return ThreadInfo{
		ID:       t.ID,
		State:    t.State(),
		CPU:      t.CPU(),
		LastCPU:  t.lastcpu,
		Class:    t.rqtype,
		Priority: t.priority,
		Queue:    t.priority / PPQ,
		Estcpu:   t.estcpu,
		ULoad:    t.uload,
		RRCount:  t.rrcount,
		Forked:   t.forked,
	}
}
