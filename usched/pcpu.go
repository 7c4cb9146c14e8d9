// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package usched

import "github.com/sirupsen/logrus"

/*
 * Make an Unqueued thread runnable.
 * The load balancer picks the cpu; the thread is queued there
 * under that cpu's lock, and the cpu is poked if the thread
 * beats whatever it is running.
 * May be called from any goroutine that owns t.
 */
func (s *Scheduler) SetRunqueue(t *Thread) {
	defer s.flush()
	if st := t.State(); st != Unqueued || t.CPU() >= 0 {
		s.fail("setrunqueue: thread %d is %v on cpu %d", t.ID, st, t.CPU())
		return
	}
	if t.Exited() {
		s.fail("setrunqueue: thread %d has exited", t.ID)
		return
	}
	s.decayLocked(t, s.clock.Load())
	if !s.rescoreLocked(nil, t) {
		return
	}
	cpu := s.selectCPU(t)
	dd := &s.cpus[cpu]
	dd.mu.Lock()
	s.assignLocked(dd, t)
	if !s.queueLocked(dd, t) {
		s.unassignLocked(dd, t)
		dd.mu.Unlock()
		return
	}
	pri := t.gpri()
	dd.mu.Unlock()
	s.notify(cpu, pri)
}

// ChooseNext returns the thread that should own cpu next and makes it
// Running, or returns nil if cpu has nothing to run. A thread already
// running on cpu keeps it unless a strictly better one is queued, in
// which case it goes back to the tail of its bucket.
// Only cpu itself may call ChooseNext.
func (s *Scheduler) ChooseNext(cpu int) *Thread {
	defer s.flush()
	dd := &s.cpus[cpu]
	dd.mu.Lock()
	t := s.chooseNextLocked(dd)
	dd.mu.Unlock()
	return t
}

func (s *Scheduler) chooseNextLocked(dd *pcpu) *Thread {
	dd.resched.Store(false)
	best := dd.bestLocked()
	if cur := dd.uschedcp; cur != nil {
		if best == nil || best.gpri() >= cur.gpri() {
			return cur
		}
		if !s.requeueCurrentLocked(dd) {
			return cur
		}
		best = dd.bestLocked()
	}
	if best == nil {
		s.setCurLocked(dd, nil)
		return nil
	}
	if !s.unqueueLocked(dd, best) {
		return nil
	}
	best.setState(Running)
	best.rrcount = 0
	best.lastcpu = dd.id
	s.setCurLocked(dd, best)
	dd.switches.Add(1)
	return best
}

// RequeueCurrent ends the time slice of the thread running on cpu:
// it is rescored and put at the tail of its bucket, behind threads of
// equal priority. Only cpu itself may call RequeueCurrent.
func (s *Scheduler) RequeueCurrent(cpu int) {
	defer s.flush()
	dd := &s.cpus[cpu]
	dd.mu.Lock()
	s.requeueCurrentLocked(dd)
	dd.mu.Unlock()
}

func (s *Scheduler) requeueCurrentLocked(dd *pcpu) bool {
	cur := dd.uschedcp
	if cur == nil {
		return false
	}
	if cur.onq != nil {
		s.fail("cpu %d: running thread %d is already queued", dd.id, cur.ID)
		return false
	}
	if !s.rescoreLocked(dd, cur) {
		return false
	}
	s.setCurLocked(dd, nil)
	cur.rrcount = 0
	return s.queueLocked(dd, cur)
}

// Remove takes t off whatever cpu it is queued or running on.
// Removing an Unqueued thread does nothing.
func (s *Scheduler) Remove(t *Thread) {
	defer s.flush()
	dd := s.lockThread(t)
	if dd == nil {
		return
	}
	s.removeLocked(dd, t)
	dd.mu.Unlock()
}

func (s *Scheduler) removeLocked(dd *pcpu, t *Thread) bool {
	if !s.canUnassignLocked(dd, t) {
		return false
	}
	switch t.State() {
	case Runnable:
		if !s.unqueueLocked(dd, t) {
			return false
		}
	case Running:
		if dd.uschedcp != t {
			s.fail("remove: thread %d running on cpu %d is not its current thread", t.ID, dd.id)
			return false
		}
		s.setCurLocked(dd, nil)
	default:
		s.fail("remove: thread %d assigned to cpu %d but %v", t.ID, dd.id, t.State())
		return false
	}
	if !s.unassignLocked(dd, t) {
		return false
	}
	t.setState(Unqueued)
	return true
}

/*
 * Scheduler clock for cpu.
 * Decays every thread resident on the cpu, charges the running
 * thread for the tick, and ends its slice when its round-robin
 * quantum is used up. Every BalanceInterval ticks it also tries to
 * push a queued thread to a less loaded cpu.
 * Reports whether the caller should call PickNext.
 * Only cpu itself may call OnTick.
 */
func (s *Scheduler) OnTick(cpu int) bool {
	defer s.flush()
	dd := &s.cpus[cpu]
	dd.mu.Lock()
	dd.ticks++
	now := s.advanceClock(dd.ticks)
	for c := ClassRealTime; c < nrunq; c++ {
		dd.runq[c].each(func(t *Thread) {
			s.decayLocked(t, now)
			s.rescoreLocked(dd, t)
		})
	}
	resched := false
	if cur := dd.uschedcp; cur != nil {
		s.decayLocked(cur, now)
		cur.estcpu = Charge(cur.estcpu, s.cfg.EstcpuIncr)
		s.rescoreLocked(dd, cur)
		cur.rrcount++
		if cur.rrcount >= s.cfg.RRInterval {
			resched = s.requeueCurrentLocked(dd)
		} else if best := dd.bestLocked(); best != nil && best.gpri() < cur.gpri() {
			resched = true
		}
	} else if dd.runqcount > 0 {
		resched = true
	}
	if dd.resched.Load() {
		resched = true
	}
	balance := false
	if s.cfg.BalanceInterval > 0 && dd.ticks >= dd.nextBal {
		dd.nextBal = dd.ticks + int64(s.cfg.BalanceInterval)
		balance = true
	}
	dd.mu.Unlock()

	if balance {
		s.balance(cpu)
	}
	return resched
}

// debugf logs a scheduler event at debug level.
func (s *Scheduler) debugf(cpu int, t *Thread, format string, args ...any) {
	if !s.log.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	f := logrus.Fields{"cpu": cpu}
	if t != nil {
		f["tid"] = t.ID
	}
	s.log.WithFields(f).Debugf(format, args...)
}
