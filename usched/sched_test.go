// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package usched

import (
	"io"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/DragonFlyBSD/DragonFlyBSD-sub066/cpumask"
	"github.com/DragonFlyBSD/DragonFlyBSD-sub066/topo"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// ipiLog is a Platform that records the IPIs it is asked to send.
type ipiLog struct {
	mu   sync.Mutex
	sent []int
}

func (l *ipiLog) SendReschedIPI(cpu int) {
	l.mu.Lock()
	l.sent = append(l.sent, cpu)
	l.mu.Unlock()
}

func (l *ipiLog) count(cpu int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.sent {
		if c == cpu {
			n++
		}
	}
	return n
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestScheduler(t *testing.T, tp *topo.Topology, edit func(*Config)) (*Scheduler, *ipiLog) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Log = quietLogger()
	if edit != nil {
		edit(&cfg)
	}
	ipi := new(ipiLog)
	s, err := New(tp, ipi, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return s, ipi
}

func checkInvariants(t *testing.T, s *Scheduler) {
	t.Helper()
	if err := s.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

func normal(id int, cpus ...int) *Thread {
	var m cpumask.Mask
	if len(cpus) > 0 {
		m = cpumask.Of(cpus...)
	}
	return NewThread(id, Params{Class: ClassNormal, Affinity: m})
}

func TestIdleCPUWins(t *testing.T) {
	s, _ := newTestScheduler(t, topo.Flat(2), nil)
	for i := 1; i <= 3; i++ {
		th := normal(i, 0)
		s.SetRunqueue(th)
		if th.CPU() != 0 {
			t.Fatalf("pinned thread %d on cpu %d", i, th.CPU())
		}
	}
	th := normal(4)
	if c := s.SelectCPU(th); c != 1 {
		t.Errorf("SelectCPU = %d, want idle cpu 1", c)
	}
	s.SetRunqueue(th)
	if c := th.CPU(); c != 1 {
		t.Errorf("fourth thread on cpu %d, want 1", c)
	}
	checkInvariants(t, s)
	if st := s.Snapshot(0); st.RunqCount != 3 || st.UCount != 3 {
		t.Errorf("cpu 0: runqcount %d ucount %d, want 3 3", st.RunqCount, st.UCount)
	}
}

func TestSelectPrefersNearIdle(t *testing.T) {
	// cpus 0,1 share a core; 2,3 share another core in the same package;
	// 4-7 are a second package.
	s, _ := newTestScheduler(t, topo.Grid(2, 2, 2), nil)
	var tests = []struct {
		last int
		want int
	}{
		{-1, 0},
		{0, 0},
		{1, 1},
		{3, 3},
		{6, 6},
	}
	for _, tt := range tests {
		th := normal(100)
		th.lastcpu = tt.last
		if c := s.SelectCPU(th); c != tt.want {
			t.Errorf("last cpu %d: SelectCPU = %d, want %d", tt.last, c, tt.want)
		}
	}

	// Keep cpu 5 busy: the nearest idle cpu to 5 is its sibling 4.
	s.SetRunqueue(normal(1, 5))
	th := normal(2)
	th.lastcpu = 5
	if c := s.SelectCPU(th); c != 4 {
		t.Errorf("SelectCPU near busy cpu 5 = %d, want sibling 4", c)
	}
	// With 4 busy as well, the package mates 6 and 7 come next.
	s.SetRunqueue(normal(3, 4))
	if c := s.SelectCPU(th); c != 6 {
		t.Errorf("SelectCPU near busy core 4-5 = %d, want 6", c)
	}
}

func TestSelectLowestLoad(t *testing.T) {
	s, _ := newTestScheduler(t, topo.Flat(3), nil)
	for i, cpu := range []int{0, 0, 0, 1, 2, 2} {
		s.SetRunqueue(normal(i+1, cpu))
	}
	// No cpu is idle; cpu 1 has one thread, the others more.
	if c := s.SelectCPU(normal(10)); c != 1 {
		t.Errorf("SelectCPU = %d, want 1", c)
	}
	// Affinity restricts the choice.
	if c := s.SelectCPU(normal(11, 0, 2)); c != 2 {
		t.Errorf("SelectCPU with affinity 0,2 = %d, want 2", c)
	}
	// Ties break by cpu id.
	s.SetRunqueue(normal(12, 1))
	if c := s.SelectCPU(normal(13, 1, 2)); c != 1 {
		t.Errorf("SelectCPU on tie = %d, want 1", c)
	}
}

func TestChooseNextFIFO(t *testing.T) {
	s, _ := newTestScheduler(t, topo.Flat(1), nil)
	var ths []*Thread
	for i := 1; i <= 5; i++ {
		th := normal(i)
		ths = append(ths, th)
		s.SetRunqueue(th)
	}
	for _, want := range ths {
		th := s.ChooseNext(0)
		if th != want {
			t.Fatalf("ChooseNext = %v, want thread %d", th, want.ID)
		}
		if th.State() != Running {
			t.Fatalf("thread %d is %v after ChooseNext", th.ID, th.State())
		}
		checkInvariants(t, s)
		s.Remove(th)
		if th.State() != Unqueued || th.CPU() != -1 {
			t.Fatalf("thread %d is %v on cpu %d after Remove", th.ID, th.State(), th.CPU())
		}
	}
	if th := s.ChooseNext(0); th != nil {
		t.Fatalf("ChooseNext on empty cpu = %d", th.ID)
	}
	checkInvariants(t, s)
}

func TestRoundRobin(t *testing.T) {
	s, _ := newTestScheduler(t, topo.Flat(1), nil)
	var ths []*Thread
	for i := 1; i <= 3; i++ {
		th := normal(i)
		ths = append(ths, th)
		s.SetRunqueue(th)
	}
	for round := 0; round < 3; round++ {
		for _, want := range ths {
			if th := s.ChooseNext(0); th != want {
				t.Fatalf("round %d: ChooseNext = %d, want %d", round, th.ID, want.ID)
			}
			s.RequeueCurrent(0)
			checkInvariants(t, s)
		}
	}
}

func TestQuantum(t *testing.T) {
	// With no estcpu charge the two threads stay at equal priority,
	// so only the quantum moves the cpu from one to the other.
	s, _ := newTestScheduler(t, topo.Flat(1), func(c *Config) { c.EstcpuIncr = 0 })
	a, b := normal(1), normal(2)
	s.SetRunqueue(a)
	s.SetRunqueue(b)
	for _, want := range []*Thread{a, b, a, b} {
		if th := s.PickNext(0); th != want {
			t.Fatalf("PickNext = %v, want %d", th, want.ID)
		}
		for i := 1; i < s.cfg.RRInterval; i++ {
			if s.OnTick(0) {
				t.Fatalf("thread %d: reschedule after %d ticks", want.ID, i)
			}
			if info := s.Info(want); info.RRCount != i || info.State != Running {
				t.Fatalf("thread %d after %d ticks: %+v", want.ID, i, info)
			}
		}
		if !s.OnTick(0) {
			t.Fatalf("thread %d: no reschedule after a full quantum", want.ID)
		}
		if want.State() != Runnable {
			t.Fatalf("thread %d is %v after its quantum", want.ID, want.State())
		}
		checkInvariants(t, s)
	}
}

func TestClassOrder(t *testing.T) {
	s, _ := newTestScheduler(t, topo.Flat(1), nil)
	idle := NewThread(1, Params{Class: ClassIdle, Level: 0})
	norm := NewThread(2, Params{Class: ClassNormal, Nice: -20})
	rt := NewThread(3, Params{Class: ClassRealTime, Level: RTPRIOMAX})
	for _, th := range []*Thread{idle, norm, rt} {
		s.SetRunqueue(th)
	}
	for _, want := range []*Thread{rt, norm, idle} {
		th := s.ChooseNext(0)
		if th != want {
			t.Fatalf("ChooseNext = %d, want %d", th.ID, want.ID)
		}
		s.Remove(th)
	}
}

func TestPreempt(t *testing.T) {
	s, ipi := newTestScheduler(t, topo.Flat(1), nil)
	n := normal(1)
	s.SetRunqueue(n)
	if ipi.count(0) != 1 {
		t.Fatalf("waking idle cpu sent %d IPIs, want 1", ipi.count(0))
	}
	if s.PickNext(0) != n {
		t.Fatal("PickNext did not pick the only thread")
	}
	if s.NeedResched(0) {
		t.Fatal("resched still pending after PickNext")
	}

	rt := NewThread(2, Params{Class: ClassRealTime})
	s.SetRunqueue(rt)
	if ipi.count(0) != 2 || !s.NeedResched(0) {
		t.Fatalf("real-time wakeup: %d IPIs, resched %v", ipi.count(0), s.NeedResched(0))
	}
	if !s.OnTick(0) {
		t.Fatal("OnTick did not ask for a reschedule")
	}
	if th := s.PickNext(0); th != rt {
		t.Fatalf("PickNext = %v, want real-time thread", th)
	}
	if n.State() != Runnable {
		t.Fatalf("preempted thread is %v", n.State())
	}

	// A normal thread queued behind a running real-time one does not
	// warrant an IPI.
	s.SetRunqueue(normal(3))
	if ipi.count(0) != 2 {
		t.Fatalf("queueing behind real-time thread sent an IPI")
	}
	if st := s.Snapshot(0); st.IPISkipped != 1 || st.IPIs != 2 {
		t.Fatalf("ipis %d skipped %d, want 2 1", st.IPIs, st.IPISkipped)
	}
	checkInvariants(t, s)
}

func TestEstcpuGrowsAndDecays(t *testing.T) {
	s, _ := newTestScheduler(t, topo.Flat(1), nil)
	th := normal(1)
	s.SetRunqueue(th)
	prev := s.Info(th)
	for i := 0; i < 200; i++ {
		if s.PickNext(0) != th {
			t.Fatalf("tick %d: lone thread not picked", i)
		}
		s.OnTick(0)
		info := s.Info(th)
		if info.Estcpu < prev.Estcpu || info.Priority < prev.Priority {
			t.Fatalf("tick %d: cpu-bound thread went from %+v to %+v", i, prev, info)
		}
		if info.Estcpu < 0 || info.Estcpu >= ESTCPUMAX {
			t.Fatalf("tick %d: estcpu %d out of range", i, info.Estcpu)
		}
		prev = info
	}
	if prev.Estcpu != ESTCPUMAX-1 || prev.Priority != MAXPRI-1 {
		t.Fatalf("cpu-bound thread settled at estcpu %d priority %d", prev.Estcpu, prev.Priority)
	}
	if u := s.Snapshot(0).ULoad; u != prev.ULoad || u != (ESTCPUMAX-1)/NQS {
		t.Fatalf("cpu uload %d, thread uload %d", u, prev.ULoad)
	}

	s.OnThreadBlocked(th)
	if u := s.Snapshot(0).ULoad; u != 0 {
		t.Fatalf("uload %d after only thread blocked", u)
	}
	for i := 0; i < 1000; i++ {
		s.OnTick(0)
	}
	s.SetRunqueue(th)
	if info := s.Info(th); info.Estcpu != 0 || info.Priority != Priority(ClassNormal, 0, 0, 0) {
		t.Fatalf("after sleeping 1000 ticks: %+v", info)
	}
	checkInvariants(t, s)
}

func TestQueuedThreadsDecay(t *testing.T) {
	s, _ := newTestScheduler(t, topo.Flat(1), nil)
	a, b := normal(1), normal(2)
	s.SetRunqueue(a)
	for i := 0; i < 30; i++ {
		s.PickNext(0)
		s.OnTick(0)
	}
	s.SetRunqueue(b)
	if s.PickNext(0) != b {
		t.Fatal("fresh b not ahead of cpu-bound a")
	}
	last := s.Info(a).Estcpu
	if last == 0 {
		t.Fatal("a accumulated no estcpu")
	}
	for i := 0; ; i++ {
		s.OnTick(0)
		info := s.Info(a)
		if info.Estcpu >= last {
			t.Fatalf("tick %d: queued thread estcpu went from %d to %d", i, last, info.Estcpu)
		}
		last = info.Estcpu
		if s.PickNext(0) == a {
			break
		}
		if i == 100 {
			t.Fatal("a never got the cpu back")
		}
	}
	checkInvariants(t, s)
}

func TestNicePriorityGap(t *testing.T) {
	s, _ := newTestScheduler(t, topo.Flat(1), nil)
	hi := NewThread(1, Params{Class: ClassNormal, Nice: 20})
	lo := NewThread(2, Params{Class: ClassNormal, Nice: -20})
	s.SetRunqueue(hi)
	s.SetRunqueue(lo)
	if d := s.Info(hi).Priority - s.Info(lo).Priority; d != NICEQS*PPQ {
		t.Errorf("nice +20 and -20 differ by %d levels, want %d", d, NICEQS*PPQ)
	}
	if d := s.Info(hi).Queue - s.Info(lo).Queue; d != NICEQS {
		t.Errorf("nice +20 and -20 differ by %d queues, want %d", d, NICEQS)
	}
}

func TestSetPriorityHint(t *testing.T) {
	s, ipi := newTestScheduler(t, topo.Flat(1), nil)
	a, b := normal(1), normal(2)
	s.SetRunqueue(a)
	s.SetRunqueue(b)
	if s.PickNext(0) != a {
		t.Fatal("a not picked first")
	}
	sent := ipi.count(0)

	// Renicing queued b ahead of running a moves it and pokes the cpu.
	s.SetPriorityHint(b, Hint{Class: ClassNormal, Nice: -10})
	if q := s.Info(b).Queue; q != NiceQueues(-10) {
		t.Fatalf("b in queue %d, want %d", q, NiceQueues(-10))
	}
	if ipi.count(0) != sent+1 || !s.NeedResched(0) {
		t.Fatal("renice of queued thread past the running one did not reschedule")
	}
	checkInvariants(t, s)
	if s.PickNext(0) != b {
		t.Fatal("reniced b not picked")
	}

	// Moving the running thread to the idle class lets a win.
	s.SetPriorityHint(b, Hint{Class: ClassIdle, Level: 3})
	if info := s.Info(b); info.Class != ClassIdle || info.Priority != 3*PPQ {
		t.Fatalf("b after class change: %+v", info)
	}
	if !s.NeedResched(0) {
		t.Fatal("running thread demoted below queued one without reschedule")
	}
	if s.PickNext(0) != a {
		t.Fatal("a not picked after b demoted")
	}
	checkInvariants(t, s)

	// Hints for sleeping threads apply when they wake.
	s.Remove(a)
	s.SetPriorityHint(a, Hint{Class: ClassRealTime, Level: 2})
	s.SetRunqueue(a)
	if info := s.Info(a); info.Class != ClassRealTime || info.Priority != 2*PPQ {
		t.Fatalf("a after waking: %+v", info)
	}
	checkInvariants(t, s)
}

func TestBalancePush(t *testing.T) {
	s, ipi := newTestScheduler(t, topo.Flat(2), nil)
	var ths []*Thread
	for i := 1; i <= 4; i++ {
		th := normal(i, 0)
		ths = append(ths, th)
		s.SetRunqueue(th)
	}
	for _, th := range ths {
		s.SetAffinity(th, cpumask.Mask{})
		if th.CPU() != 0 {
			t.Fatalf("widening affinity moved thread %d", th.ID)
		}
	}
	if !s.ShouldMigrate(ths[3]) {
		t.Fatal("ShouldMigrate = false with 4 threads against an idle cpu")
	}
	for i := 0; i < 5*s.cfg.BalanceInterval; i++ {
		s.OnTick(0)
		checkInvariants(t, s)
	}
	s0, s1 := s.Snapshot(0), s.Snapshot(1)
	if s0.UCount != 2 || s1.UCount != 2 {
		t.Fatalf("after balancing: cpu0 %d threads, cpu1 %d", s0.UCount, s1.UCount)
	}
	if s0.MigratedOut != 2 || s1.MigratedIn != 2 {
		t.Fatalf("migrations: out %d in %d, want 2 2", s0.MigratedOut, s1.MigratedIn)
	}
	if ipi.count(1) == 0 {
		t.Fatal("idle cpu 1 not poked after receiving work")
	}
	for _, th := range ths {
		if th.CPU() == 1 && s.ShouldMigrate(th) {
			t.Fatalf("thread %d would bounce back", th.ID)
		}
	}
}

func TestSetAffinity(t *testing.T) {
	s, _ := newTestScheduler(t, topo.Flat(4), nil)
	a, b := normal(1, 2), normal(2, 2)
	s.SetRunqueue(a)
	s.SetRunqueue(b)
	if s.PickNext(2) != a {
		t.Fatal("a not running on cpu 2")
	}

	// Queued b moves at once.
	s.SetAffinity(b, cpumask.Of(3))
	if b.CPU() != 3 || b.State() != Runnable {
		t.Fatalf("b on cpu %d %v, want 3 Runnable", b.CPU(), b.State())
	}

	// Running a moves at its cpu's next PickNext.
	s.SetAffinity(a, cpumask.Of(0, 1))
	if a.CPU() != 2 || !s.NeedResched(2) {
		t.Fatalf("a on cpu %d, resched %v", a.CPU(), s.NeedResched(2))
	}
	if th := s.PickNext(2); th != nil {
		t.Fatalf("cpu 2 picked %d, want idle", th.ID)
	}
	if c := a.CPU(); c != 0 && c != 1 {
		t.Fatalf("a on cpu %d, want 0 or 1", c)
	}
	checkInvariants(t, s)
}

func TestForkExit(t *testing.T) {
	s, _ := newTestScheduler(t, topo.Flat(1), nil)
	parent := NewThread(1, Params{Class: ClassNormal, Nice: 5})
	s.OnThreadCreated(parent, nil)
	if s.PickNext(0) != parent {
		t.Fatal("parent not running")
	}
	for i := 0; i < 20; i++ {
		s.OnTick(0)
		s.PickNext(0)
	}
	pe := s.Info(parent).Estcpu
	if pe == 0 {
		t.Fatal("parent accumulated no estcpu")
	}

	child := NewThread(2, Params{})
	s.OnThreadCreated(child, parent)
	ci := s.Info(child)
	if !ci.Forked || ci.Estcpu != pe>>s.cfg.ForkShift || ci.State != Runnable {
		t.Fatalf("child: %+v, want forked with estcpu %d", ci, pe>>s.cfg.ForkShift)
	}
	if p := child.Params(); p.Class != ClassNormal || p.Nice != 5 {
		t.Fatalf("child params %+v, want inherited from parent", p)
	}

	s.OnThreadExited(child)
	if !child.Exited() || child.State() != Unqueued {
		t.Fatalf("child after exit: exited %v state %v", child.Exited(), child.State())
	}
	want := ClampEstcpu(pe + (ci.Estcpu >> s.cfg.ForkShift))
	if e := s.Info(parent).Estcpu; e != want {
		t.Fatalf("parent estcpu %d after child exit, want %d", e, want)
	}
	if ci := s.Info(child); ci.Estcpu != 0 || ci.ULoad != 0 || ci.Forked {
		t.Fatalf("exited child not cleared: %+v", ci)
	}
	checkInvariants(t, s)
}

func TestStrictPanics(t *testing.T) {
	s, _ := newTestScheduler(t, topo.Flat(1), nil)
	th := normal(1)
	s.SetRunqueue(th)
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.HasAssertionFailure(err) {
			t.Fatalf("recovered %v, want assertion failure", r)
		}
	}()
	s.SetRunqueue(th)
	t.Fatal("double SetRunqueue did not panic")
}

func TestNonStrictSkips(t *testing.T) {
	s, _ := newTestScheduler(t, topo.Flat(1), func(c *Config) { c.Strict = false })
	th := normal(1)
	s.SetRunqueue(th)
	s.SetRunqueue(th)
	if s.Failures() != 1 {
		t.Fatalf("Failures = %d, want 1", s.Failures())
	}
	if st := s.Snapshot(0); st.RunqCount != 1 || st.UCount != 1 {
		t.Fatalf("runqcount %d ucount %d after rejected double queue", st.RunqCount, st.UCount)
	}
	s.SetRunqueue(NewThread(2, Params{Class: ClassNull}))
	if s.Failures() != 2 {
		t.Fatalf("Failures = %d, want 2", s.Failures())
	}
	checkInvariants(t, s)
}

func TestConfigValidate(t *testing.T) {
	edits := []func(*Config){
		func(c *Config) { c.DecayRate = 1 },
		func(c *Config) { c.DecayRate = MaxDecayRate + 1 },
		func(c *Config) { c.DecayRate = math.MaxInt },
		func(c *Config) { c.EstcpuIncr = ESTCPUMAX },
		func(c *Config) { c.RRInterval = 0 },
		func(c *Config) { c.BalanceInterval = -1 },
		func(c *Config) { c.LoadWeight = -1 },
		func(c *Config) { c.Hysteresis = -1 },
		func(c *Config) { c.ForkShift = 17 },
	}
	for i, edit := range edits {
		cfg := DefaultConfig()
		edit(&cfg)
		if _, err := New(topo.Flat(1), nil, cfg); err == nil {
			t.Errorf("edit %d: New accepted bad config %+v", i, cfg)
		}
	}
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.DecayRate = MaxDecayRate
	if err := cfg.Validate(); err != nil {
		t.Fatalf("decay rate %d: %v", MaxDecayRate, err)
	}
}

func TestSlowDecayAccumulates(t *testing.T) {
	s, _ := newTestScheduler(t, topo.Flat(1), func(c *Config) { c.DecayRate = MaxDecayRate })
	th := normal(1)
	s.SetRunqueue(th)
	last := 0
	for i := 1; i <= 3; i++ {
		if s.PickNext(0) != th {
			t.Fatalf("tick %d: lone thread not picked", i)
		}
		s.OnTick(0)
		e := s.Info(th).Estcpu
		if e <= last {
			t.Fatalf("tick %d: estcpu went from %d to %d", i, last, e)
		}
		last = e
	}
	// The first tick has nothing to decay; the next two each lose one.
	if want := 3*s.cfg.EstcpuIncr - 2; last != want {
		t.Fatalf("estcpu after 3 ticks = %d, want %d", last, want)
	}
}

func randomHint(rng *rand.Rand) Hint {
	switch rng.Intn(4) {
	case 0:
		return Hint{Class: ClassRealTime, Level: rng.Intn(RTPRIOMAX + 1)}
	case 1:
		return Hint{Class: ClassIdle, Level: rng.Intn(RTPRIOMAX + 1)}
	}
	return Hint{Class: ClassNormal, Nice: rng.Intn(NICEMAX-NICEMIN+1) + NICEMIN}
}

func randomMask(rng *rand.Rand, ncpu int) cpumask.Mask {
	var m cpumask.Mask
	if rng.Intn(3) == 0 {
		return m
	}
	for c := 0; c < ncpu; c++ {
		if rng.Intn(2) == 0 {
			m.Set(c)
		}
	}
	return m
}

// TestRandomOps applies random operation sequences from one goroutine
// and checks the bookkeeping after every step.
func TestRandomOps(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		s, _ := newTestScheduler(t, topo.Grid(2, 2, 2), nil)
		ncpu := s.NCPU()
		ths := make([]*Thread, 24)
		for i := range ths {
			ths[i] = NewThread(i, Params{Class: ClassNormal})
		}
		for step := 0; step < 2000; step++ {
			th := ths[rng.Intn(len(ths))]
			cpu := rng.Intn(ncpu)
			var op string
			switch rng.Intn(8) {
			case 0, 1:
				op = "setrunqueue"
				if th.State() == Unqueued {
					s.SetRunqueue(th)
				}
			case 2:
				op = "picknext"
				s.PickNext(cpu)
			case 3, 4:
				op = "tick"
				s.OnTick(cpu)
			case 5:
				op = "remove"
				s.Remove(th)
			case 6:
				op = "hint"
				s.SetPriorityHint(th, randomHint(rng))
			case 7:
				op = "affinity"
				s.SetAffinity(th, randomMask(rng, ncpu))
			}
			if err := s.CheckInvariants(); err != nil {
				t.Fatalf("seed %d step %d (%s thread %d cpu %d): %v", seed, step, op, th.ID, cpu, err)
			}
			assigned, ucount := 0, 0
			for _, th := range ths {
				if th.State() != Unqueued {
					assigned++
				}
			}
			for c := 0; c < ncpu; c++ {
				ucount += s.Snapshot(c).UCount
			}
			if assigned != ucount {
				t.Fatalf("seed %d step %d: %d threads assigned, cpus count %d", seed, step, assigned, ucount)
			}
		}
	}
}

// TestConcurrent runs every cpu in its own goroutine alongside a waker
// that wakes sleepers and changes priorities and affinities.
func TestConcurrent(t *testing.T) {
	const (
		nthread = 32
		iters   = 3000
	)
	s, _ := newTestScheduler(t, topo.Grid(1, 2, 2), nil)
	ncpu := s.NCPU()
	ths := make([]*Thread, nthread)
	owner := make([]atomic.Int32, nthread)
	sleepers := make(chan *Thread, nthread)
	for i := range ths {
		ths[i] = NewThread(i, Params{Class: ClassNormal})
		owner[i].Store(-1)
		sleepers <- ths[i]
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		errs   []string
		stop   = make(chan struct{})
		wakerc = make(chan struct{})
	)
	report := func(format string, args ...any) {
		mu.Lock()
		if len(errs) < 10 {
			errs = append(errs, errors.Newf(format, args...).Error())
		}
		mu.Unlock()
	}

	go func() {
		defer close(wakerc)
		rng := rand.New(rand.NewSource(1))
		for {
			select {
			case <-stop:
				return
			case th := <-sleepers:
				s.SetRunqueue(th)
			default:
			}
			th := ths[rng.Intn(nthread)]
			switch rng.Intn(8) {
			case 0:
				s.SetPriorityHint(th, randomHint(rng))
			case 1:
				s.SetAffinity(th, randomMask(rng, ncpu))
			}
		}
	}()

	for c := 0; c < ncpu; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(c) + 100))
			for i := 0; i < iters; i++ {
				th := s.PickNext(c)
				if th != nil {
					if !owner[th.ID].CompareAndSwap(-1, int32(c)) {
						report("cpu %d picked thread %d owned by cpu %d", c, th.ID, owner[th.ID].Load())
					}
					if th.CPU() != c || th.State() != Running {
						report("cpu %d picked thread %d: %v on cpu %d", c, th.ID, th.State(), th.CPU())
					}
					owner[th.ID].Store(-1)
				}
				s.OnTick(c)
				// Only cpu c changes the thread it is running.
				if th != nil && rng.Intn(4) == 0 && th.State() == Running && th.CPU() == c {
					s.OnThreadBlocked(th)
					sleepers <- th
				}
			}
		}(c)
	}
	wg.Wait()
	close(stop)
	<-wakerc

	for _, e := range errs {
		t.Error(e)
	}
	checkInvariants(t, s)
	ucount := 0
	for c := 0; c < ncpu; c++ {
		ucount += s.Snapshot(c).UCount
	}
	if n := ucount + len(sleepers); n != nthread {
		t.Fatalf("%d threads assigned and %d asleep, want %d in all", ucount, len(sleepers), nthread)
	}
}

func TestOfflineAffinity(t *testing.T) {
	s, _ := newTestScheduler(t, topo.Flat(2), nil)
	th := normal(1, 5) // cpu 5 does not exist
	s.SetRunqueue(th)
	if th.CPU() != 0 {
		t.Fatalf("thread on cpu %d, want idle cpu 0", th.CPU())
	}
	for i := 0; i < 2*s.cfg.BalanceInterval; i++ {
		s.OnTick(0)
	}
	if c, st := th.CPU(), s.Snapshot(0); c != 0 || st.MigratedOut != 0 {
		t.Fatalf("lone thread pushed to cpu %d (%d migrations)", c, st.MigratedOut)
	}
	for i := 0; i < 4; i++ {
		if have := s.PickNext(0); have != th {
			t.Fatalf("PickNext call %d = %v, want the queued thread", i, have)
		}
		if th.State() != Running || th.CPU() != 0 {
			t.Fatalf("PickNext call %d: thread %v on cpu %d", i, th.State(), th.CPU())
		}
		checkInvariants(t, s)
	}
	if sw := s.Snapshot(0).Switches; sw != 1 {
		t.Fatalf("%d switches, want 1", sw)
	}

	s.SetAffinity(th, cpumask.Of(7))
	if s.NeedResched(0) || s.PickNext(0) != th {
		t.Fatal("affinity naming only offline cpus moved the running thread")
	}
}

// lockCheckHook records log entries emitted while any cpu lock is held.
type lockCheckHook struct {
	s      *Scheduler
	fired  int
	locked int
}

func (h *lockCheckHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *lockCheckHook) Fire(*logrus.Entry) error {
	h.fired++
	for i := range h.s.cpus {
		mu := &h.s.cpus[i].mu
		if !mu.TryLock() {
			h.locked++
			continue
		}
		mu.Unlock()
	}
	return nil
}

func newLockCheckScheduler(t *testing.T) (*Scheduler, *lockCheckHook) {
	hook := new(lockCheckHook)
	lg := quietLogger()
	lg.AddHook(hook)
	s, _ := newTestScheduler(t, topo.Flat(2), func(c *Config) {
		c.Strict = false
		c.Log = lg
	})
	hook.s = s
	return s, hook
}

func TestWarningsLoggedUnlocked(t *testing.T) {
	s, hook := newLockCheckScheduler(t)
	th := normal(1)
	s.SetRunqueue(th)

	// A queued thread that claims to be Unqueued is caught under the lock.
	th.setState(Unqueued)
	s.Remove(th)
	th.setState(Runnable)
	if s.Failures() != 1 || hook.fired != 1 {
		t.Fatalf("failures %d, log entries %d, want 1 1", s.Failures(), hook.fired)
	}
	if hook.locked != 0 {
		t.Fatalf("%d log entries written with a cpu lock held", hook.locked)
	}

	// Affinity fallback warnings are logged too, also unlocked.
	s.SetRunqueue(normal(2, 9))
	if hook.fired != 2 || hook.locked != 0 {
		t.Fatalf("log entries %d, locked %d, want 2 0", hook.fired, hook.locked)
	}
	checkInvariants(t, s)
}

func TestRemoveBadAccounting(t *testing.T) {
	s, _ := newLockCheckScheduler(t)
	th := normal(1, 0)
	s.SetRunqueue(th)
	dd := &s.cpus[0]

	dd.ucount.Store(0)
	s.Remove(th)
	if s.Failures() != 1 {
		t.Fatalf("Failures = %d, want 1", s.Failures())
	}
	if th.State() != Runnable || th.CPU() != 0 || th.onq == nil {
		t.Fatalf("thread left %v on cpu %d (queued %v)", th.State(), th.CPU(), th.onq != nil)
	}
	if st := s.Snapshot(0); st.RunqCount != 1 || !st.Ready {
		t.Fatalf("runqcount %d ready %v after refused remove", st.RunqCount, st.Ready)
	}
	dd.ucount.Store(1)
	checkInvariants(t, s)

	// The same thread running: the cpu keeps it.
	if s.PickNext(0) != th {
		t.Fatal("thread not picked")
	}
	dd.ucount.Store(0)
	s.Remove(th)
	dd.ucount.Store(1)
	if th.State() != Running || s.Snapshot(0).Current != th.ID {
		t.Fatalf("running thread left %v, cpu current %d", th.State(), s.Snapshot(0).Current)
	}
	checkInvariants(t, s)
}
