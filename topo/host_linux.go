// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package topo

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/DragonFlyBSD/DragonFlyBSD-sub066/cpumask"
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

const (
	sysfsCPU   = "/sys/devices/system/cpu"
	cpuSetSize = 1024 /* CPU_SETSIZE */
)

// Host returns the topology of the CPUs the calling process may run on.
// Package and core ids come from sysfs; CPUs whose topology files are
// missing are treated as separate cores of package 0.
func Host() (*Topology, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, errors.Wrap(err, "sched_getaffinity")
	}
	var nodes []Node
	threads := make(map[[2]int]int)
	for hc := 0; hc < cpuSetSize && len(nodes) < cpumask.MaxCPU; hc++ {
		if !set.IsSet(hc) {
			continue
		}
		nd := Node{CPU: len(nodes), HostCPU: hc, Core: hc}
		if v, ok := readSysfsInt(hc, "physical_package_id"); ok {
			nd.Package = v
		}
		if v, ok := readSysfsInt(hc, "core_id"); ok {
			nd.Core = v
		}
		key := [2]int{nd.Package, nd.Core}
		nd.Thread = threads[key]
		threads[key]++
		nodes = append(nodes, nd)
	}
	return New(nodes)
}

func readSysfsInt(cpu int, name string) (int, bool) {
	data, err := os.ReadFile(fmt.Sprintf("%s/cpu%d/topology/%s", sysfsCPU, cpu, name))
	if err != nil {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
