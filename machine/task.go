// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package machine

import (
	"sync/atomic"

	"github.com/DragonFlyBSD/DragonFlyBSD-sub066/cpumask"
	"github.com/DragonFlyBSD/DragonFlyBSD-sub066/usched"
)

// A TaskSpec describes one synthetic thread of a workload.
//
// A task alternates between running for Burst ticks and sleeping for
// Sleep ticks until it has run Work ticks in all, then exits.
// Burst 0 means the task never sleeps; Work 0 means it never exits.
type TaskSpec struct {
	Name     string
	Class    usched.Class
	Nice     int
	Level    int
	Affinity cpumask.Mask
	Burst    int
	Sleep    int
	Work     int
	Start    int64  // clock tick the task is created at
	Parent   string // task that forks this one; its params are inherited
}

// phases of a task, as seen by the machine
const (
	phaseNew  = iota /* not yet created */
	phaseLive        /* runnable or running */
	phaseAsleep
	phaseDone
)

// A Task is a running instance of a TaskSpec.
type Task struct {
	Spec   TaskSpec
	Thread *usched.Thread

	idx      int
	parent   *Task
	children []*Task
	spawned  int // children created so far

	// Owned by whoever owns the thread: the cpu running it,
	// or the machine while it is asleep or not yet created.
	phase    int
	ran      int64
	burst    int
	picks    int64
	wakeAt   int64
	orphaned bool

	owner atomic.Int32 // cpu running the task this tick, -1 if none
}

func newTask(idx int, spec TaskSpec) *Task {
	tk := &Task{
		Spec:  spec,
		idx:   idx,
		burst: spec.Burst,
		Thread: usched.NewThread(idx, usched.Params{
			Class:    spec.Class,
			Nice:     spec.Nice,
			Level:    spec.Level,
			Affinity: spec.Affinity,
		}),
	}
	tk.Thread.Name = spec.Name
	tk.owner.Store(-1)
	return tk
}

// tick accounts one tick of cpu to tk and reports what it does next.
func (tk *Task) tick() (exit, sleep bool) {
	tk.ran++
	if tk.Spec.Work > 0 && tk.ran >= int64(tk.Spec.Work) {
		return true, false
	}
	if tk.Spec.Burst > 0 {
		tk.burst--
		if tk.burst <= 0 {
			tk.burst = tk.Spec.Burst
			return false, true
		}
	}
	return false, false
}
