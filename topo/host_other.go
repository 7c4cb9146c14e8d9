// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package topo

import (
	"runtime"

	"github.com/DragonFlyBSD/DragonFlyBSD-sub066/cpumask"
)

// Host returns a flat topology with one CPU per runtime.NumCPU.
func Host() (*Topology, error) {
	return Flat(min(runtime.NumCPU(), cpumask.MaxCPU)), nil
}
