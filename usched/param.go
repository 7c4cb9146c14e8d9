// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package usched

import "fmt"

/*
 * priorities and run queues
 * lower numbers run first
 */
const (
	MAXPRI  = 128          /* priorities per class */
	PRIMASK = MAXPRI - 1   /* mask for priority within a class */
	NQS     = 32           /* run queues per class */
	PPQ     = MAXPRI / NQS /* priorities per queue */
	PPQMASK = PPQ - 1      /* mask for priority within a queue */
)

/*
 * cpu usage estimate
 */
const (
	ESTCPUPPQ = 512               /* estcpu units per queue */
	ESTQS     = 20                /* queues estcpu can shift a thread */
	ESTCPUMAX = ESTCPUPPQ * ESTQS /* estcpu ceiling */
)

/*
 * nice
 */
const (
	NICEMIN = -20
	NICEMAX = 20
	NICEQS  = 24 /* queues nice can shift a thread */
)

// RTPRIOMAX is the highest real-time or idle level a thread may request.
const RTPRIOMAX = NQS - 1

// A Class selects which of a CPU's run queue sets holds a thread.
// ClassThread and ClassNull are bookkeeping classes for threads
// that are never placed on a user run queue.
type Class uint8

const (
	ClassRealTime Class = iota
	ClassNormal
	ClassIdle
	ClassThread
	ClassNull

	nrunq = ClassIdle + 1 /* classes with run queues */
)

func (c Class) String() string {
	switch c {
	case ClassRealTime:
		return "realtime"
	case ClassNormal:
		return "normal"
	case ClassIdle:
		return "idle"
	case ClassThread:
		return "thread"
	case ClassNull:
		return "null"
	}
	return fmt.Sprintf("Class(%d)", c)
}

// ParseClass returns the class named s, as printed by String.
func ParseClass(s string) (Class, bool) {
	for c := ClassRealTime; c <= ClassNull; c++ {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// queued reports whether threads of class c live on a run queue.
func (c Class) queued() bool { return c < nrunq }

// base is the first global priority of the class.
// Global priorities order threads across classes.
func (c Class) base() int32 { return int32(c) * MAXPRI }

// idlePri is the global priority a CPU publishes when it runs nothing.
const idlePri = int32(ClassNull) * MAXPRI

// A State is a thread's scheduling state.
type State uint32

const (
	Unqueued State = iota /* blocked, exited, or not yet started */
	Runnable              /* on some cpu's run queue */
	Running               /* owns some cpu */
)

func (s State) String() string {
	switch s {
	case Unqueued:
		return "Unqueued"
	case Runnable:
		return "Runnable"
	case Running:
		return "Running"
	}
	return fmt.Sprintf("State(%d)", s)
}
