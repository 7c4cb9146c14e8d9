// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package usched

import (
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// Config holds the scheduler's tuning knobs.
type Config struct {
	// DecayRate is the estcpu filter constant: every tick a thread
	// keeps (DecayRate-1)/DecayRate of its estimate.
	DecayRate int

	// EstcpuIncr is added to the estcpu of the running thread each tick.
	EstcpuIncr int

	// RRInterval is the round-robin quantum in ticks.
	RRInterval int

	// BalanceInterval is how often, in ticks, a cpu tries to push a
	// queued thread to a less loaded cpu. Zero disables pushing.
	BalanceInterval int

	// LoadWeight is the load each assigned thread adds to its cpu on
	// top of the thread's uload when comparing cpus.
	LoadWeight int64

	// Hysteresis is the extra imbalance, beyond the moved thread's own
	// load, required before a thread is pushed to another cpu.
	Hysteresis int64

	// ForkShift sets the share of a parent's estcpu a forked child
	// starts with, and returns to the parent when it exits: estcpu>>ForkShift.
	ForkShift uint

	// Strict makes invariant violations panic. Without it they are
	// logged and the offending operation is skipped.
	Strict bool

	// Log receives scheduler events. Nil means logrus.StandardLogger().
	Log *logrus.Logger
}

// MaxDecayRate is the largest DecayRate Validate accepts.
const MaxDecayRate = 1 << 16

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		DecayRate:       32,
		EstcpuIncr:      400,
		RRInterval:      5,
		BalanceInterval: 10,
		LoadWeight:      40,
		Hysteresis:      20,
		ForkShift:       1,
		Strict:          true,
	}
}

// Validate reports whether c is usable.
func (c *Config) Validate() error {
	switch {
	case c.DecayRate < 2 || c.DecayRate > MaxDecayRate:
		return errors.Newf("decay rate %d: must be in [2, %d]", c.DecayRate, MaxDecayRate)
	case c.EstcpuIncr < 0 || c.EstcpuIncr >= ESTCPUMAX:
		return errors.Newf("estcpu increment %d: must be in [0, %d)", c.EstcpuIncr, ESTCPUMAX)
	case c.RRInterval < 1:
		return errors.Newf("round-robin interval %d: must be at least 1", c.RRInterval)
	case c.BalanceInterval < 0:
		return errors.Newf("balance interval %d: must not be negative", c.BalanceInterval)
	case c.LoadWeight < 0:
		return errors.Newf("load weight %d: must not be negative", c.LoadWeight)
	case c.Hysteresis < 0:
		return errors.Newf("hysteresis %d: must not be negative", c.Hysteresis)
	case c.ForkShift > 16:
		return errors.Newf("fork shift %d: must be at most 16", c.ForkShift)
	}
	return nil
}
