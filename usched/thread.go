// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package usched

import (
	"sync"
	"sync/atomic"

	"github.com/DragonFlyBSD/DragonFlyBSD-sub066/cpumask"
)

// Params are the externally controlled scheduling inputs of a thread.
type Params struct {
	Class    Class
	Nice     int          // normal class only
	Level    int          // real-time and idle classes only
	Affinity cpumask.Mask // cpus the thread may run on; empty means all
}

// A Thread is a schedulable unit of execution.
//
// While a thread is assigned to a cpu (Runnable or Running) its
// scheduling fields belong to that cpu and are only touched under the
// cpu's lock. An Unqueued thread belongs to whoever holds it: the code
// that blocked it, or the code about to wake it.
type Thread struct {
	ID   int
	Name string

	mu     sync.Mutex // guards params
	params Params

	state   atomic.Uint32 // State
	qcpu    atomic.Int32  // owning cpu, -1 when unassigned
	exited  atomic.Bool
	lastcpu int // cpu the thread last ran or queued on, -1 if none

	priority int   // [0, MAXPRI) within rqtype
	rqtype   Class // class the priority was computed for
	rqindex  int   // run queue bucket, priority / PPQ
	estcpu   int
	pending  atomic.Int64 // estcpu charged by others, not yet folded in
	uload    int64        // contribution to qcpu's uload
	rrcount  int          // ticks run since last scheduled
	forked   bool
	parent   *Thread
	cpbase   int64 // clock tick estcpu was last decayed at

	// run queue linkage
	onq        *runq
	next, prev *Thread
}

// NewThread returns an Unqueued thread.
func NewThread(id int, p Params) *Thread {
	t := &Thread{ID: id, params: p, lastcpu: -1, rqtype: p.Class}
	t.qcpu.Store(-1)
	return t
}

// State returns the thread's scheduling state. The result is stale as
// soon as it is returned unless the caller owns the thread.
func (t *Thread) State() State { return State(t.state.Load()) }

// CPU returns the cpu the thread is assigned to, or -1.
func (t *Thread) CPU() int { return int(t.qcpu.Load()) }

// Exited reports whether OnThreadExited has been called for t.
func (t *Thread) Exited() bool { return t.exited.Load() }

// Params returns a copy of the thread's scheduling inputs.
func (t *Thread) Params() Params {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.params
}

func (t *Thread) setState(s State) { t.state.Store(uint32(s)) }

// gpri is t's global priority; see globalPri.
func (t *Thread) gpri() int32 { return globalPri(t.rqtype, t.priority) }

// A ThreadInfo is a consistent copy of a thread's scheduling fields.
type ThreadInfo struct {
	ID       int
	State    State
	CPU      int
	LastCPU  int
	Class    Class
	Priority int
	Queue    int
	Estcpu   int
	ULoad    int64
	RRCount  int
	Forked   bool
}
