// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package machine

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/DragonFlyBSD/DragonFlyBSD-sub066/cpumask"
	"github.com/DragonFlyBSD/DragonFlyBSD-sub066/topo"
	"github.com/DragonFlyBSD/DragonFlyBSD-sub066/usched"
	"github.com/cockroachdb/errors"
	"golang.org/x/tools/txtar"
)

// A Scenario is a machine, a scheduler configuration and a workload,
// as read from a txtar archive:
//
//	description of the scenario
//	-- config --
//	cpus 2
//	ticks 500
//	mode lockstep
//	rr 5
//	-- topology --
//	cpu 0 package 0 core 0 thread 0
//	cpu 1 package 0 core 0 thread 1
//	-- tasks --
//	hog count=2
//	editor nice=-5 burst=1 sleep=20
//	make work=300
//	cc parent=make start=10 work=50
//
// The config section sets one value per line; see ParseScenario for
// the keys. The topology section is in the format read by topo.Parse;
// without it the machine has cpus cpus sharing nothing. Each tasks line
// names a task and sets TaskSpec fields as key=value pairs.
type Scenario struct {
	Name     string
	Comment  string
	Ticks    int
	Mode     Mode
	Config   usched.Config
	Topology *topo.Topology
	Tasks    []TaskSpec
}

// LoadScenario reads the scenario in file.
func LoadScenario(file string) (*Scenario, error) {
	ar, err := txtar.ParseFile(file)
	if err != nil {
		return nil, err
	}
	return parseArchive(file, ar)
}

// ParseScenario parses the scenario archive data.
//
// Config keys are cpus, ticks, mode (lockstep or concurrent),
// decay, incr, rr, balance, weight, hysteresis, forkshift and strict,
// the last seven setting the usched.Config field of the same meaning.
// Task keys are class (realtime, normal or idle), nice, level,
// affinity (a cpu list such as 0-3,6), burst, sleep, work, start,
// parent and count. A task with count=N stands for N tasks named
// name.0 to name.N-1.
func ParseScenario(name string, data []byte) (*Scenario, error) {
	return parseArchive(name, txtar.Parse(data))
}

func parseArchive(name string, ar *txtar.Archive) (*Scenario, error) {
	sc := &Scenario{
		Name:    name,
		Comment: strings.TrimSpace(string(ar.Comment)),
		Ticks:   1000,
		Config:  usched.DefaultConfig(),
	}
	ncpu := 1
	var tasks []byte
	haveTasks := false
	for _, f := range ar.Files {
		var err error
		switch f.Name {
		case "config":
			ncpu, err = sc.parseConfig(f.Data, ncpu)
		case "topology":
			sc.Topology, err = topo.Parse(string(f.Data))
		case "tasks":
			tasks, haveTasks = f.Data, true
		default:
			err = errors.New("unknown section")
		}
		if err != nil {
			return nil, errors.Wrapf(err, "%s: %s", name, f.Name)
		}
	}
	if sc.Topology == nil {
		if ncpu < 1 || ncpu > cpumask.MaxCPU {
			return nil, errors.Newf("%s: config: cpus %d out of range", name, ncpu)
		}
		sc.Topology = topo.Flat(ncpu)
	}
	if !haveTasks {
		return nil, errors.Newf("%s: no tasks section", name)
	}
	var err error
	if sc.Tasks, err = parseTasks(tasks); err != nil {
		return nil, errors.Wrapf(err, "%s: tasks", name)
	}
	if err := sc.Config.Validate(); err != nil {
		return nil, errors.Wrapf(err, "%s: config", name)
	}
	return sc, nil
}

// lines calls fn for every non-blank, non-comment line of data.
func lines(data []byte, fn func(f []string) error) error {
	s := bufio.NewScanner(strings.NewReader(string(data)))
	lineno := 0
	for s.Scan() {
		lineno++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := fn(strings.Fields(line)); err != nil {
			return errors.Wrapf(err, "line %d", lineno)
		}
	}
	return s.Err()
}

func (sc *Scenario) parseConfig(data []byte, ncpu int) (int, error) {
	cfg := &sc.Config
	err := lines(data, func(f []string) error {
		if len(f) != 2 {
			return errors.Newf("want key value, have %q", strings.Join(f, " "))
		}
		k, v := f[0], f[1]
		switch k {
		case "mode":
			m, ok := ParseMode(v)
			if !ok {
				return errors.Newf("unknown mode %q", v)
			}
			sc.Mode = m
			return nil
		case "strict":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			cfg.Strict = b
			return nil
		}
		i, err := strconv.ParseInt(v, 0, 64)
		if err != nil {
			return errors.Wrapf(err, "%s", k)
		}
		switch k {
		default:
			return errors.Newf("unknown key %q", k)
		case "cpus":
			ncpu = int(i)
		case "ticks":
			sc.Ticks = int(i)
		case "decay":
			cfg.DecayRate = int(i)
		case "incr":
			cfg.EstcpuIncr = int(i)
		case "rr":
			cfg.RRInterval = int(i)
		case "balance":
			cfg.BalanceInterval = int(i)
		case "weight":
			cfg.LoadWeight = i
		case "hysteresis":
			cfg.Hysteresis = i
		case "forkshift":
			if i < 0 {
				return errors.Newf("forkshift %d is negative", i)
			}
			cfg.ForkShift = uint(i)
		}
		return nil
	})
	return ncpu, err
}

func parseTasks(data []byte) ([]TaskSpec, error) {
	var specs []TaskSpec
	err := lines(data, func(f []string) error {
		spec := TaskSpec{Name: f[0], Class: usched.ClassNormal}
		if strings.Contains(spec.Name, "=") {
			return errors.Newf("task line must start with a name, have %q", spec.Name)
		}
		count := 1
		for _, arg := range f[1:] {
			k, v, ok := strings.Cut(arg, "=")
			if !ok {
				return errors.Newf("invalid k=v: %s", arg)
			}
			switch k {
			case "class":
				c, ok := usched.ParseClass(v)
				if !ok {
					return errors.Newf("unknown class %q", v)
				}
				spec.Class = c
				continue
			case "affinity":
				m, err := cpumask.Parse(v)
				if err != nil {
					return err
				}
				spec.Affinity = m
				continue
			case "parent":
				spec.Parent = v
				continue
			}
			i, err := strconv.ParseInt(v, 0, 64)
			if err != nil {
				return errors.Newf("invalid k=v: %s", arg)
			}
			switch k {
			default:
				return errors.Newf("unknown key %q", k)
			case "nice":
				spec.Nice = int(i)
			case "level":
				spec.Level = int(i)
			case "burst":
				spec.Burst = int(i)
			case "sleep":
				spec.Sleep = int(i)
			case "work":
				spec.Work = int(i)
			case "start":
				spec.Start = i
			case "count":
				count = int(i)
			}
		}
		if count < 1 {
			return errors.Newf("task %s: count %d", spec.Name, count)
		}
		if count == 1 {
			specs = append(specs, spec)
			return nil
		}
		for j := 0; j < count; j++ {
			s := spec
			s.Name = fmt.Sprintf("%s.%d", spec.Name, j)
			specs = append(specs, s)
		}
		return nil
	})
	return specs, err
}

// Machine returns a machine set up to run sc.
func (sc *Scenario) Machine() (*Machine, error) {
	m, err := New(sc.Topology, sc.Config, sc.Tasks)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", sc.Name)
	}
	m.Mode = sc.Mode
	return m, nil
}
