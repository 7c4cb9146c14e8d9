// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package usched implements a per-cpu user thread scheduler.
//
// Every cpu owns a set of run queues, one per class (real-time, normal,
// idle), each holding NQS FIFO buckets of PPQ priorities. A cpu only
// ever picks work from its own queues. Threads reach a cpu when they
// become runnable, at which point the load balancer chooses the cpu,
// and move between cpus only when a loaded cpu pushes a queued thread
// to a lighter one.
//
// Each cpu's state is guarded by its own lock. Other cpus read its
// load, thread count and current priority without the lock, as hints,
// through atomics; two global masks record which cpus have queued work
// and which are running something.
package usched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/DragonFlyBSD/DragonFlyBSD-sub066/cpumask"
	"github.com/DragonFlyBSD/DragonFlyBSD-sub066/topo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/cpu"
	"golang.org/x/time/rate"
)

// A Platform delivers reschedule requests to cpus.
type Platform interface {
	// SendReschedIPI asks cpu to call PickNext soon. Delivery is
	// asynchronous and may be coalesced with earlier requests.
	SendReschedIPI(cpu int)
}

// A Scheduler schedules threads over the cpus of a topology.
type Scheduler struct {
	cfg  Config
	topo *topo.Topology
	plat Platform
	log  *logrus.Logger
	warn *rate.Limiter

	cpus []pcpu

	// Hints, set and cleared with the owning cpu's lock held,
	// read by anyone without it.
	rdyMask cpumask.Atomic // cpus with queued threads
	curMask cpumask.Atomic // cpus running a thread

	clock    atomic.Int64 // highest tick count of any cpu
	failures atomic.Uint64
	warnings warnings
}

// pcpu is the scheduler state of one cpu.
// It is padded so that no two cpus share a cache line.
type pcpu struct {
	mu sync.Mutex

	id      int
	cpumask cpumask.Mask
	node    topo.Node

	runq      [nrunq]runq
	runqcount int
	uschedcp  *Thread
	ticks     int64
	nextBal   int64

	// Written under mu, read anywhere.
	uload   atomic.Int64
	ucount  atomic.Int32
	upri    atomic.Int32
	resched atomic.Bool

	switches    atomic.Uint64
	migratedIn  atomic.Uint64
	migratedOut atomic.Uint64
	ipis        atomic.Uint64
	ipiSkipped  atomic.Uint64

	_ cpu.CacheLinePad
}

// New returns a scheduler for the cpus of tp.
func New(tp *topo.Topology, plat Platform, cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		cfg:  cfg,
		topo: tp,
		plat: plat,
		log:  cfg.Log,
		warn: rate.NewLimiter(rate.Every(time.Second), 10),
		cpus: make([]pcpu, tp.NCPU()),
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	for i := range s.cpus {
		dd := &s.cpus[i]
		dd.id = i
		dd.cpumask = cpumask.Of(i)
		dd.node = tp.Node(i)
		dd.upri.Store(idlePri)
		dd.nextBal = int64(cfg.BalanceInterval)
	}
	return s, nil
}

// NCPU returns the number of cpus s schedules.
func (s *Scheduler) NCPU() int { return len(s.cpus) }

// Topology returns the topology s was created with.
func (s *Scheduler) Topology() *topo.Topology { return s.topo }

// Clock returns the scheduler's tick clock.
func (s *Scheduler) Clock() int64 { return s.clock.Load() }

// Failures returns how many invariant violations were tolerated
// in non-strict mode.
func (s *Scheduler) Failures() uint64 { return s.failures.Load() }

// NeedResched reports whether cpu has been asked to call PickNext.
func (s *Scheduler) NeedResched(cpu int) bool { return s.cpus[cpu].resched.Load() }

// load is the balancing load of dd: its threads' uload plus
// LoadWeight for every assigned thread. It is read without the lock.
func (s *Scheduler) load(dd *pcpu) int64 {
	return dd.uload.Load() + int64(dd.ucount.Load())*s.cfg.LoadWeight
}

// lockThread locks and returns the cpu t is assigned to,
// or returns nil if t is not assigned to any cpu.
func (s *Scheduler) lockThread(t *Thread) *pcpu {
	for {
		c := t.qcpu.Load()
		if c < 0 {
			return nil
		}
		dd := &s.cpus[c]
		dd.mu.Lock()
		if t.qcpu.Load() == c {
			return dd
		}
		dd.mu.Unlock()
	}
}

// rescoreLocked recomputes t's priority and load from its estcpu and
// params, keeping dd's aggregate load and run queues consistent.
// dd is t's cpu, locked, or nil if t is unassigned.
func (s *Scheduler) rescoreLocked(dd *pcpu, t *Thread) bool {
	p := t.Params()
	if !p.Class.queued() {
		s.fail("thread %d: class %v cannot be scheduled", t.ID, p.Class)
		return false
	}
	pri := Priority(p.Class, t.estcpu, p.Nice, p.Level)
	if pri < 0 || pri >= MAXPRI {
		s.fail("thread %d: priority %d out of range", t.ID, pri)
		return false
	}
	ul := ULoad(p.Class, t.estcpu, p.Nice)
	if dd == nil {
		t.priority, t.rqtype, t.uload = pri, p.Class, ul
		return true
	}
	if dd.uload.Load()+ul-t.uload < 0 {
		s.fail("cpu %d: uload underflow rescoring thread %d", dd.id, t.ID)
		return false
	}
	move := t.State() == Runnable && (p.Class != t.rqtype || pri/PPQ != t.rqindex)
	if move && !dd.runq[t.rqtype].dequeue(t) {
		s.fail("cpu %d: thread %d not on its run queue", dd.id, t.ID)
		return false
	}
	dd.uload.Add(ul - t.uload)
	t.priority, t.rqtype, t.uload = pri, p.Class, ul
	if move {
		dd.runq[t.rqtype].enqueue(t)
	}
	if dd.uschedcp == t {
		dd.upri.Store(t.gpri())
	}
	return true
}

// assignLocked makes dd the owner of t and charges t's load to it.
func (s *Scheduler) assignLocked(dd *pcpu, t *Thread) {
	t.qcpu.Store(int32(dd.id))
	t.lastcpu = dd.id
	dd.ucount.Add(1)
	dd.uload.Add(t.uload)
}

// canUnassignLocked reports whether releasing t would leave dd's
// accounting non-negative. Callers check it before changing anything.
func (s *Scheduler) canUnassignLocked(dd *pcpu, t *Thread) bool {
	if dd.uload.Load() < t.uload || dd.ucount.Load() <= 0 {
		s.fail("cpu %d: uload underflow releasing thread %d (uload %d, thread %d, ucount %d)",
			dd.id, t.ID, dd.uload.Load(), t.uload, dd.ucount.Load())
		return false
	}
	return true
}

// unassignLocked releases t from dd. It reports false, changing
// nothing, if the accounting does not add up.
func (s *Scheduler) unassignLocked(dd *pcpu, t *Thread) bool {
	if !s.canUnassignLocked(dd, t) {
		return false
	}
	dd.uload.Add(-t.uload)
	dd.ucount.Add(-1)
	t.qcpu.Store(-1)
	return true
}

// queueLocked puts t, assigned to dd, at the tail of its bucket.
func (s *Scheduler) queueLocked(dd *pcpu, t *Thread) bool {
	if !dd.runq[t.rqtype].enqueue(t) {
		s.fail("cpu %d: cannot queue thread %d at priority %d", dd.id, t.ID, t.priority)
		return false
	}
	dd.runqcount++
	t.setState(Runnable)
	s.rdyMask.Set(dd.id)
	return true
}

// unqueueLocked takes t off dd's run queues.
func (s *Scheduler) unqueueLocked(dd *pcpu, t *Thread) bool {
	if !t.rqtype.queued() || !dd.runq[t.rqtype].dequeue(t) {
		s.fail("cpu %d: thread %d not on its run queue", dd.id, t.ID)
		return false
	}
	dd.runqcount--
	if dd.runqcount == 0 {
		s.rdyMask.Clear(dd.id)
	}
	return true
}

// bestLocked returns the most eligible queued thread on dd:
// real-time before normal before idle.
func (dd *pcpu) bestLocked() *Thread {
	for c := ClassRealTime; c < nrunq; c++ {
		if t := dd.runq[c].best(); t != nil {
			return t
		}
	}
	return nil
}

// worstLocked returns the least eligible queued thread on dd.
func (dd *pcpu) worstLocked() *Thread {
	for c := ClassIdle; ; c-- {
		if t := dd.runq[c].worst(); t != nil {
			return t
		}
		if c == ClassRealTime {
			return nil
		}
	}
}

// setCurLocked records t (possibly nil) as the thread owning dd.
func (s *Scheduler) setCurLocked(dd *pcpu, t *Thread) {
	dd.uschedcp = t
	if t == nil {
		dd.upri.Store(idlePri)
		s.curMask.Clear(dd.id)
		return
	}
	dd.upri.Store(t.gpri())
	s.curMask.Set(dd.id)
}

// advanceClock moves the global clock up to ticks.
func (s *Scheduler) advanceClock(ticks int64) int64 {
	for {
		now := s.clock.Load()
		if now >= ticks || s.clock.CompareAndSwap(now, ticks) {
			return max(now, ticks)
		}
	}
}

// decayLocked brings t's estcpu up to date with the clock and folds in
// any pending charge.
func (s *Scheduler) decayLocked(t *Thread, now int64) {
	if el := now - t.cpbase; el > 0 {
		t.estcpu = Decay(t.estcpu, el, s.cfg.DecayRate)
	}
	t.cpbase = now
	if p := t.pending.Swap(0); p != 0 {
		t.estcpu = ClampEstcpu(t.estcpu + int(p))
	}
}
