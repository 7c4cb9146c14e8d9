// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Dflysim runs a scheduling scenario on a simulated multiprocessor.
//
// Usage:
//
//	dflysim [-n ticks] [-mode lockstep|concurrent] [-host] [-check] [-v] [-i] scenario.txtar
//
// Dflysim loads the scenario, runs it, and prints per-cpu and per-task
// statistics. The -n and -mode flags override the scenario's config.
// The -host flag replaces the scenario's topology with the cpus this
// process may run on.
//
// With -i, dflysim puts the terminal in raw mode and runs the scenario
// in lock step one tick per key press, showing what each cpu runs.
// Enter runs ten ticks, r runs to the end, q or ^\ quits.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"runtime/pprof"
	"strings"

	"github.com/DragonFlyBSD/DragonFlyBSD-sub066/machine"
	"github.com/DragonFlyBSD/DragonFlyBSD-sub066/topo"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

var (
	nticks      = flag.Int("n", 0, "run for `ticks` ticks instead of the scenario's count")
	mode        = flag.String("mode", "", "run in `mode`: lockstep or concurrent")
	host        = flag.Bool("host", false, "use the host cpu topology")
	check       = flag.Bool("check", false, "verify scheduler invariants after the run")
	verbose     = flag.Bool("v", false, "log scheduler events to standard error")
	interactive = flag.Bool("i", false, "step through the run interactively")
	cpuprofile  = flag.String("cpuprofile", "", "write cpuprofile to `file`")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: dflysim [flags] scenario.txtar\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.SetPrefix("dflysim: ")
	log.SetFlags(0)
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal(err)
		}
		defer pprof.StopCPUProfile()
	}

	sc, err := machine.LoadScenario(flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	lg := logrus.New()
	lg.SetOutput(io.Discard)
	if *verbose {
		lg.SetOutput(os.Stderr)
		lg.SetLevel(logrus.DebugLevel)
	}
	sc.Config.Log = lg
	if *nticks > 0 {
		sc.Ticks = *nticks
	}
	if *mode != "" {
		m, ok := machine.ParseMode(*mode)
		if !ok {
			log.Fatalf("unknown mode %q", *mode)
		}
		sc.Mode = m
	}
	if *host {
		tp, err := topo.Host()
		if err != nil {
			log.Fatal(err)
		}
		sc.Topology = tp
	}

	m, err := sc.Machine()
	if err != nil {
		log.Fatal(err)
	}
	if sc.Comment != "" {
		fmt.Printf("%s\n\n", sc.Comment)
	}

	if *interactive {
		if err := step(m, sc.Ticks); err != nil {
			log.Fatal(err)
		}
	} else if err := m.Run(sc.Ticks); err != nil {
		log.Fatal(err)
	}

	if err := m.Report().Print(os.Stdout); err != nil {
		log.Fatal(err)
	}
	if *check {
		if err := m.Check(); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("\ninvariants ok\n")
	}
}

// step runs m in lock step, one batch of ticks per key press.
func step(m *machine.Machine, ticks int) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("-i needs a terminal")
	}
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, oldState)

	m.Mode = machine.LockStep
	buf := make([]byte, 1)
	for done := 0; done < ticks && !m.Done(); {
		n := 1
		if _, err := os.Stdin.Read(buf); err != nil {
			return err
		}
		switch buf[0] {
		case 'q', 0x1c:
			return nil
		case '\r', '\n':
			n = 10
		case 'r':
			n = ticks - done
		}
		for ; n > 0 && done < ticks && !m.Done(); n-- {
			if err := m.Step(); err != nil {
				return err
			}
			done++
		}
		line := status(m, done)
		if len(line) > width-1 {
			line = line[:width-1]
		}
		// Raw mode: no output post-processing, so return the carriage.
		fmt.Printf("%s\r\n", line)
	}
	return nil
}

// status is one line showing the task on each cpu.
func status(m *machine.Machine, tick int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%6d", tick)
	for c := 0; c < m.Sched.NCPU(); c++ {
		name := "-"
		if tk := m.Current(c); tk != nil {
			name = tk.Spec.Name
		}
		fmt.Fprintf(&b, " %d:%-10s", c, name)
	}
	return b.String()
}
