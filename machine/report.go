// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package machine

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/DragonFlyBSD/DragonFlyBSD-sub066/usched"
)

// A Report summarizes a run.
type Report struct {
	Clock    int64
	Failures uint64
	CPUs     []CPUReport
	Tasks    []TaskReport
}

// A CPUReport is the activity of one simulated cpu.
type CPUReport struct {
	usched.CPUStat
	Busy  int64
	Idle  int64
	IPIIn int64 // reschedule IPIs taken
}

// A TaskReport is the activity of one task.
type TaskReport struct {
	Name     string
	Class    usched.Class
	Priority int
	Estcpu   int
	Ran      int64
	Picks    int64
	State    string
	LastCPU  int
}

// Report returns the machine's activity so far.
// The machine must not be running.
func (m *Machine) Report() *Report {
	r := &Report{Clock: m.Sched.Clock(), Failures: m.Sched.Failures()}
	for _, cp := range m.cpus {
		r.CPUs = append(r.CPUs, CPUReport{
			CPUStat: m.Sched.Snapshot(cp.id),
			Busy:    cp.busy,
			Idle:    cp.idle,
			IPIIn:   cp.ipiIn,
		})
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tk := range m.tasks {
		info := m.Sched.Info(tk.Thread)
		state := info.State.String()
		switch tk.phase {
		case phaseNew:
			state = "new"
		case phaseAsleep:
			state = "asleep"
		case phaseDone:
			state = "exited"
		}
		r.Tasks = append(r.Tasks, TaskReport{
			Name:     tk.Spec.Name,
			Class:    info.Class,
			Priority: info.Priority,
			Estcpu:   info.Estcpu,
			Ran:      tk.ran,
			Picks:    tk.picks,
			State:    state,
			LastCPU:  info.LastCPU,
		})
	}
	return r
}

// Print writes r to w as two tables.
func (r *Report) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "cpu\tbusy\tidle\tswitches\tin\tout\tipi\tskipped\tuload\tthreads\t\n")
	for _, c := range r.CPUs {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t\n",
			c.CPU, c.Busy, c.Idle, c.Switches, c.MigratedIn, c.MigratedOut,
			c.IPIs, c.IPISkipped, c.ULoad, c.UCount)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n")
	tw = tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "task\tclass\tpri\testcpu\tran\tpicks\tstate\tcpu\n")
	for _, t := range r.Tasks {
		fmt.Fprintf(tw, "%s\t%v\t%d\t%d\t%d\t%d\t%s\t%d\n",
			t.Name, t.Class, t.Priority, t.Estcpu, t.Ran, t.Picks, t.State, t.LastCPU)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if r.Failures > 0 {
		fmt.Fprintf(w, "\n%d invariant failures tolerated\n", r.Failures)
	}
	return nil
}
