// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package usched

// The functions in this file map a thread's cpu usage, nice value and
// class to a priority and a load. They are pure and never fail; every
// input is clamped to its domain first.

// ClampEstcpu clamps v into [0, ESTCPUMAX).
func ClampEstcpu(v int) int {
	return max(0, min(v, ESTCPUMAX-1))
}

// ClampNice clamps n into [NICEMIN, NICEMAX].
func ClampNice(n int) int {
	return max(NICEMIN, min(n, NICEMAX))
}

// ClampLevel clamps a real-time or idle level into [0, RTPRIOMAX].
func ClampLevel(l int) int {
	return max(0, min(l, RTPRIOMAX))
}

// NiceQueues returns how many queues nice moves a normal thread,
// from 0 at NICEMIN to NICEQS at NICEMAX.
func NiceQueues(nice int) int {
	return (ClampNice(nice) - NICEMIN) * NICEQS / (NICEMAX - NICEMIN)
}

// EstcpuLevels returns how many priority levels estcpu moves a normal
// thread, from 0 to just under ESTQS*PPQ.
func EstcpuLevels(estcpu int) int {
	return ClampEstcpu(estcpu) * PPQ / ESTCPUPPQ
}

// Priority returns the priority, in [0, MAXPRI), of a thread of class c.
//
// Real-time and idle threads sit at the queue named by their level and
// do not decay. Normal threads are shifted down by nice (up to NICEQS
// queues) and by estcpu (up to ESTQS queues); the sum saturates at the
// last queue.
func Priority(c Class, estcpu, nice, level int) int {
	switch c {
	case ClassRealTime, ClassIdle:
		return ClampLevel(level) * PPQ
	case ClassNormal:
		return min(NiceQueues(nice)*PPQ+EstcpuLevels(estcpu), MAXPRI-1)
	}
	return 0
}

// ULoad returns a thread's contribution to its CPU's load.
// Only normal threads carry load.
func ULoad(c Class, estcpu, nice int) int64 {
	if c != ClassNormal {
		return 0
	}
	u := int64(ClampEstcpu(estcpu) / NQS)
	u -= u * int64(ClampNice(nice)) / (NICEMAX - NICEMIN + 1)
	return u
}

// Decay applies elapsed ticks of exponential decay to estcpu.
// Each tick keeps (rate-1)/rate of the estimate, rounding down,
// so a thread that does not run reaches zero and stays there.
// Rates below 2 are treated as 2.
func Decay(estcpu int, elapsed int64, rate int) int {
	e := ClampEstcpu(estcpu)
	if rate < 2 {
		rate = 2
	}
	for ; elapsed > 0 && e > 0; elapsed-- {
		// e*(rate-1)/rate, without the product.
		d := e / rate
		if e%rate != 0 {
			d++
		}
		e -= d
	}
	return e
}

// Charge adds one tick of cpu use to estcpu, saturating below ESTCPUMAX.
func Charge(estcpu, incr int) int {
	return ClampEstcpu(ClampEstcpu(estcpu) + max(0, min(incr, ESTCPUMAX)))
}

// globalPri orders priorities across classes:
// every real-time priority beats every normal one, and so on.
func globalPri(c Class, pri int) int32 {
	return c.base() + int32(pri)
}
