// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package topo describes the CPU topology a scheduler runs on:
// which CPUs share an SMT core and which share a package.
// A Topology is built once and never modified.
package topo

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/DragonFlyBSD/DragonFlyBSD-sub066/cpumask"
	"github.com/cockroachdb/errors"
)

// Distances returned by Topology.Distance.
const (
	Self    = 0 /* same cpu */
	SMT     = 1 /* hyperthread sibling on the same core */
	Package = 2 /* different core, same package */
	Remote  = 3 /* different package */
)

// A Node is the position of one CPU in the machine.
type Node struct {
	CPU     int // dense cpu id, 0 through NCPU-1
	Package int // physical package (socket)
	Core    int // core within the package
	Thread  int // SMT thread within the core
	HostCPU int // cpu number on the host, for topologies from Host
}

// A Topology is an immutable set of CPU nodes.
type Topology struct {
	nodes  []Node
	online cpumask.Mask
	core   []cpumask.Mask // cpu -> cpus on the same core
	pkg    []cpumask.Mask // cpu -> cpus on the same package
}

// New returns a topology for nodes, which must name the CPUs
// 0 through len(nodes)-1 exactly once each.
func New(nodes []Node) (*Topology, error) {
	n := len(nodes)
	if n == 0 {
		return nil, errors.New("topology has no cpus")
	}
	if n > cpumask.MaxCPU {
		return nil, errors.Newf("topology has %d cpus, max %d", n, cpumask.MaxCPU)
	}
	t := &Topology{
		nodes: make([]Node, n),
		core:  make([]cpumask.Mask, n),
		pkg:   make([]cpumask.Mask, n),
	}
	for _, nd := range nodes {
		if nd.CPU < 0 || nd.CPU >= n {
			return nil, errors.Newf("cpu %d out of range [0, %d)", nd.CPU, n)
		}
		if t.online.Has(nd.CPU) {
			return nil, errors.Newf("cpu %d listed twice", nd.CPU)
		}
		t.online.Set(nd.CPU)
		t.nodes[nd.CPU] = nd
	}
	for i, a := range t.nodes {
		for j, b := range t.nodes {
			if a.Package != b.Package {
				continue
			}
			t.pkg[i].Set(j)
			if a.Core == b.Core {
				t.core[i].Set(j)
			}
		}
	}
	return t, nil
}

// Flat returns a single-package topology of n CPUs, one per core.
func Flat(n int) *Topology {
	nodes := make([]Node, n)
	for i := range nodes {
		nodes[i] = Node{CPU: i, Core: i, HostCPU: i}
	}
	t, err := New(nodes)
	if err != nil {
		panic(err)
	}
	return t
}

// Grid returns a topology of packages*cores*threads CPUs, numbered so
// that SMT siblings are adjacent.
func Grid(packages, cores, threads int) *Topology {
	var nodes []Node
	for p := 0; p < packages; p++ {
		for c := 0; c < cores; c++ {
			for th := 0; th < threads; th++ {
				id := len(nodes)
				nodes = append(nodes, Node{CPU: id, Package: p, Core: c, Thread: th, HostCPU: id})
			}
		}
	}
	t, err := New(nodes)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Topology) NCPU() int { return len(t.nodes) }

func (t *Topology) Node(cpu int) Node { return t.nodes[cpu] }

// Online returns the mask of all CPUs in t.
func (t *Topology) Online() cpumask.Mask { return t.online }

// Siblings returns the CPUs sharing a core with cpu, cpu included.
func (t *Topology) Siblings(cpu int) cpumask.Mask { return t.core[cpu] }

// PackageMask returns the CPUs sharing a package with cpu, cpu included.
func (t *Topology) PackageMask(cpu int) cpumask.Mask { return t.pkg[cpu] }

// Distance reports how far apart two CPUs are: Self, SMT, Package or Remote.
// A negative cpu (no previous cpu) is Remote from everything.
func (t *Topology) Distance(a, b int) int {
	switch {
	case a < 0 || b < 0 || a >= len(t.nodes) || b >= len(t.nodes):
		return Remote
	case a == b:
		return Self
	case t.core[a].Has(b):
		return SMT
	case t.pkg[a].Has(b):
		return Package
	}
	return Remote
}

// String formats t in the format read by Parse.
func (t *Topology) String() string {
	var b strings.Builder
	for _, nd := range t.nodes {
		fmt.Fprintf(&b, "cpu %d package %d core %d thread %d\n", nd.CPU, nd.Package, nd.Core, nd.Thread)
	}
	return b.String()
}

// Parse parses a topology description, one CPU per line:
//
//	cpu 0 package 0 core 0 thread 0
//
// Fields after the cpu id may be omitted and default to zero,
// except core, which defaults to the cpu id.
// Blank lines and lines starting with # are ignored.
func Parse(text string) (*Topology, error) {
	var nodes []Node
	sc := bufio.NewScanner(strings.NewReader(text))
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f := strings.Fields(line)
		if len(f)%2 != 0 || f[0] != "cpu" {
			return nil, errors.Newf("line %d: malformed cpu line %q", lineno, line)
		}
		nd := Node{Core: -1}
		for i := 0; i < len(f); i += 2 {
			v, err := strconv.Atoi(f[i+1])
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", lineno)
			}
			switch f[i] {
			case "cpu":
				nd.CPU = v
			case "package":
				nd.Package = v
			case "core":
				nd.Core = v
			case "thread":
				nd.Thread = v
			default:
				return nil, errors.Newf("line %d: unknown field %q", lineno, f[i])
			}
		}
		if nd.Core < 0 {
			nd.Core = nd.CPU
		}
		nd.HostCPU = nd.CPU
		nodes = append(nodes, nd)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return New(nodes)
}
