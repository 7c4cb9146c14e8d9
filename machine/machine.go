// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package machine simulates a multiprocessor running a synthetic
// workload under the usched scheduler.
//
// Each simulated cpu repeatedly asks the scheduler what to run, runs it
// for one tick, and delivers the scheduler clock interrupt. Threads
// block and wake according to their TaskSpec. Reschedule IPIs travel
// over one buffered channel per cpu.
//
// A Machine runs either in lock step, where a single goroutine ticks
// every cpu in order and runs are reproducible, or concurrently, with
// one goroutine per cpu.
package machine

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/DragonFlyBSD/DragonFlyBSD-sub066/topo"
	"github.com/DragonFlyBSD/DragonFlyBSD-sub066/usched"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// A Mode selects how a Machine drives its cpus.
type Mode int

const (
	LockStep   Mode = iota /* one goroutine, cpus ticked in order */
	Concurrent             /* one goroutine per cpu */
)

func (m Mode) String() string {
	switch m {
	case LockStep:
		return "lockstep"
	case Concurrent:
		return "concurrent"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode returns the mode named s, as printed by String.
func ParseMode(s string) (Mode, bool) {
	for m := LockStep; m <= Concurrent; m++ {
		if m.String() == s {
			return m, true
		}
	}
	return 0, false
}

// A Machine is a simulated multiprocessor.
type Machine struct {
	Sched *usched.Scheduler
	Mode  Mode

	log   *logrus.Logger
	cpus  []*cpu
	tasks []*Task

	mu       sync.Mutex
	pending  []*Task // tasks to create, by Start
	sleepers []*Task // by wakeAt

	exited atomic.Int64
}

// cpu is the simulated state of one processor.
// Only the goroutine driving the cpu touches it.
type cpu struct {
	id    int
	ipi   chan struct{}
	cur   *Task
	need  bool
	busy  int64
	idle  int64
	ipiIn int64
}

// New returns a machine with the cpus of tp, scheduling with cfg,
// that will run specs.
func New(tp *topo.Topology, cfg usched.Config, specs []TaskSpec) (*Machine, error) {
	m := &Machine{log: cfg.Log}
	if m.log == nil {
		m.log = logrus.StandardLogger()
	}
	s, err := usched.New(tp, m, cfg)
	if err != nil {
		return nil, err
	}
	m.Sched = s
	for i := 0; i < tp.NCPU(); i++ {
		m.cpus = append(m.cpus, &cpu{id: i, ipi: make(chan struct{}, 1)})
	}

	byName := make(map[string]*Task)
	for i, spec := range specs {
		if err := checkSpec(spec, tp.NCPU()); err != nil {
			return nil, errors.Wrapf(err, "task %q", spec.Name)
		}
		if byName[spec.Name] != nil {
			return nil, errors.Newf("task %q defined twice", spec.Name)
		}
		tk := newTask(i, spec)
		if spec.Parent != "" {
			p := byName[spec.Parent]
			if p == nil {
				return nil, errors.Newf("task %q: parent %q must be defined before it", spec.Name, spec.Parent)
			}
			tk.parent = p
			p.children = append(p.children, tk)
		} else {
			m.pending = append(m.pending, tk)
		}
		byName[spec.Name] = tk
		m.tasks = append(m.tasks, tk)
	}
	for _, tk := range m.tasks {
		sort.SliceStable(tk.children, func(i, j int) bool {
			return tk.children[i].Spec.Start < tk.children[j].Spec.Start
		})
	}
	sort.SliceStable(m.pending, func(i, j int) bool {
		return m.pending[i].Spec.Start < m.pending[j].Spec.Start
	})
	return m, nil
}

func checkSpec(spec TaskSpec, ncpu int) error {
	switch {
	case spec.Name == "":
		return errors.New("missing name")
	case spec.Class != usched.ClassRealTime && spec.Class != usched.ClassNormal && spec.Class != usched.ClassIdle:
		return errors.Newf("class %v cannot be scheduled", spec.Class)
	case spec.Burst < 0 || spec.Sleep < 0 || spec.Work < 0 || spec.Start < 0:
		return errors.New("negative burst, sleep, work or start")
	case spec.Burst > 0 && spec.Sleep == 0:
		return errors.New("burst without sleep")
	}
	bad := -1
	spec.Affinity.ForEach(func(c int) {
		if c >= ncpu && bad < 0 {
			bad = c
		}
	})
	if bad >= 0 {
		return errors.Newf("affinity %v names cpu %d of %d", spec.Affinity, bad, ncpu)
	}
	return nil
}

// SendReschedIPI implements usched.Platform.
// An IPI already pending for cpu absorbs the new one.
func (m *Machine) SendReschedIPI(c int) {
	select {
	case m.cpus[c].ipi <- struct{}{}:
	default:
	}
}

// Tasks returns the machine's tasks in definition order.
func (m *Machine) Tasks() []*Task { return m.tasks }

// Done reports whether every task has exited.
func (m *Machine) Done() bool { return m.exited.Load() == int64(len(m.tasks)) }

// Current returns the task running on cpu c, or nil.
// It must not be called while the machine is running concurrently.
func (m *Machine) Current(c int) *Task { return m.cpus[c].cur }

// Step runs one lock-step tick of every cpu, in cpu order.
func (m *Machine) Step() error {
	for _, cp := range m.cpus {
		if err := m.protect(cp, m.tick); err != nil {
			return err
		}
	}
	return nil
}

// Run runs the machine for ticks ticks, or until every task has
// exited. In Concurrent mode each cpu runs ticks ticks on its own.
func (m *Machine) Run(ticks int) error {
	if m.Mode == LockStep {
		for i := 0; i < ticks && !m.Done(); i++ {
			if err := m.Step(); err != nil {
				return err
			}
		}
		return nil
	}

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		first error
	)
	for _, cp := range m.cpus {
		wg.Add(1)
		go func(cp *cpu) {
			defer wg.Done()
			for i := 0; i < ticks && !m.Done(); i++ {
				if err := m.protect(cp, m.tick); err != nil {
					errMu.Lock()
					if first == nil {
						first = err
					}
					errMu.Unlock()
					return
				}
			}
		}(cp)
	}
	wg.Wait()
	return first
}

// protect runs f for cp, turning a scheduler assertion panic into an error.
func (m *Machine) protect(cp *cpu, f func(*cpu)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(error)
			if !ok {
				panic(r)
			}
			err = errors.Wrapf(e, "cpu %d", cp.id)
		}
	}()
	f(cp)
	return nil
}

/*
 * One tick of one cpu.
 * Create and wake whatever is due, reschedule if asked to,
 * run the current task for the tick, and take the clock interrupt.
 */
func (m *Machine) tick(cp *cpu) {
	now := m.Sched.Clock()
	m.due(now)

	select {
	case <-cp.ipi:
		cp.ipiIn++
		cp.need = true
	default:
	}
	if cp.need || cp.cur == nil || m.Sched.NeedResched(cp.id) {
		cp.need = false
		var next *Task
		if t := m.Sched.PickNext(cp.id); t != nil {
			next = m.tasks[t.ID]
		}
		if next != nil && next != cp.cur {
			next.picks++
			m.debugf(cp.id, next, "switch")
		}
		cp.cur = next
	}

	if tk := cp.cur; tk != nil {
		if !tk.owner.CompareAndSwap(-1, int32(cp.id)) {
			panic(errors.AssertionFailedf("task %s picked by cpu %d while on cpu %d", tk.Spec.Name, cp.id, tk.owner.Load()))
		}
		cp.busy++
		m.spawn(tk, now)
		exit, sleep := tk.tick()
		switch {
		case exit:
			m.exit(tk)
			cp.cur, cp.need = nil, true
		case sleep:
			m.Sched.OnThreadBlocked(tk.Thread)
			m.sleep(tk, now+int64(tk.Spec.Sleep))
			cp.cur, cp.need = nil, true
		}
		tk.owner.Store(-1)
	} else {
		cp.idle++
	}

	if m.Sched.OnTick(cp.id) {
		cp.need = true
	}
}

// due creates and wakes the tasks due at now.
func (m *Machine) due(now int64) {
	m.mu.Lock()
	var start, wake []*Task
	for len(m.pending) > 0 && m.pending[0].Spec.Start <= now {
		start = append(start, m.pending[0])
		m.pending = m.pending[1:]
	}
	for len(m.sleepers) > 0 && m.sleepers[0].wakeAt <= now {
		wake = append(wake, m.sleepers[0])
		m.sleepers = m.sleepers[1:]
	}
	for _, tk := range start {
		tk.phase = phaseLive
	}
	for _, tk := range wake {
		tk.phase = phaseLive
	}
	m.mu.Unlock()

	for _, tk := range start {
		m.Sched.OnThreadCreated(tk.Thread, nil)
		m.debugf(-1, tk, "start")
	}
	for _, tk := range wake {
		m.Sched.SetRunqueue(tk.Thread)
		m.debugf(-1, tk, "wake")
	}
}

// spawn forks the children of the running task tk that are due.
func (m *Machine) spawn(tk *Task, now int64) {
	for tk.spawned < len(tk.children) && tk.children[tk.spawned].Spec.Start <= now {
		child := tk.children[tk.spawned]
		tk.spawned++
		m.mu.Lock()
		child.phase = phaseLive
		m.mu.Unlock()
		m.Sched.OnThreadCreated(child.Thread, tk.Thread)
		m.debugf(-1, child, "fork from %s", tk.Spec.Name)
	}
}

// sleep parks the blocked task tk until the clock reaches at.
func (m *Machine) sleep(tk *Task, at int64) {
	m.mu.Lock()
	tk.phase = phaseAsleep
	tk.wakeAt = at
	i := sort.Search(len(m.sleepers), func(i int) bool { return m.sleepers[i].wakeAt > at })
	m.sleepers = append(m.sleepers, nil)
	copy(m.sleepers[i+1:], m.sleepers[i:])
	m.sleepers[i] = tk
	m.mu.Unlock()
	m.debugf(-1, tk, "sleep until %d", at)
}

// exit retires tk. Children it never got to fork start on their own.
func (m *Machine) exit(tk *Task) {
	m.Sched.OnThreadExited(tk.Thread)
	m.mu.Lock()
	tk.phase = phaseDone
	for _, child := range tk.children[tk.spawned:] {
		child.orphaned = true
		i := sort.Search(len(m.pending), func(i int) bool { return m.pending[i].Spec.Start > child.Spec.Start })
		m.pending = append(m.pending, nil)
		copy(m.pending[i+1:], m.pending[i:])
		m.pending[i] = child
	}
	tk.spawned = len(tk.children)
	m.mu.Unlock()
	m.exited.Add(1)
	m.debugf(-1, tk, "exit after %d ticks", tk.ran)
}

// Check verifies the scheduler's bookkeeping and that every live
// task, and only those, is assigned to some cpu. The machine must
// not be running.
func (m *Machine) Check() error {
	if err := m.Sched.CheckInvariants(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	live := 0
	for _, tk := range m.tasks {
		assigned := tk.Thread.State() != usched.Unqueued
		if assigned != (tk.phase == phaseLive) {
			return errors.Newf("task %s: phase %d but thread %v", tk.Spec.Name, tk.phase, tk.Thread.State())
		}
		if assigned {
			live++
		}
	}
	n := 0
	for c := range m.cpus {
		n += m.Sched.Snapshot(c).UCount
	}
	if n != live {
		return errors.Newf("%d live tasks, cpus hold %d", live, n)
	}
	return nil
}

func (m *Machine) debugf(c int, tk *Task, format string, args ...any) {
	if !m.log.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	f := logrus.Fields{"clock": m.Sched.Clock(), "task": tk.Spec.Name}
	if c >= 0 {
		f["cpu"] = c
	}
	m.log.WithFields(f).Debugf(format, args...)
}
