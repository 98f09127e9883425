//go:build linux

package alice

import (
	"sync"
	"syscall"
	"testing"

	"github.com/containerd/errdefs"

	"github.com/ext-sakamoro/ALICE-Container/cgroups"
	"github.com/ext-sakamoro/ALICE-Container/namespaces"
)

// fakeManager satisfies cgroups.Manager entirely in memory, so the
// lifecycle machine can be driven without privileges.
type fakeManager struct {
	mu        sync.Mutex
	path      string
	destroyed bool
	frozen    bool
	pids      []int
	killed    bool
	stats     cgroups.CpuStats
	memory    uint64
	applied   []int
}

func newFakeManager() *fakeManager {
	return &fakeManager{path: "/fake/cgroup/c1"}
}

func (f *fakeManager) Path() string { return f.path }

func (f *fakeManager) Exists() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.destroyed
}

func (f *fakeManager) Apply(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, pid)
	f.pids = append(f.pids, pid)
	return nil
}

func (f *fakeManager) Set(r cgroups.Resources) error            { return nil }
func (f *fakeManager) SetCpuMax(quotaUs, periodUs uint64) error { return nil }
func (f *fakeManager) SetMemoryMax(bytes uint64) error          { return nil }
func (f *fakeManager) SetIoMax(l cgroups.IoLimit) error         { return nil }

func (f *fakeManager) Freeze() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frozen = true
	return nil
}

func (f *fakeManager) Thaw() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frozen = false
	return nil
}

func (f *fakeManager) GetPids() ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.pids...), nil
}

func (f *fakeManager) Stat() (cgroups.CpuStats, error) { return f.stats, nil }
func (f *fakeManager) CpuUsage() (uint64, error)       { return f.stats.UsageUsec, nil }
func (f *fakeManager) MemoryCurrent() (uint64, error)  { return f.memory, nil }

func (f *fakeManager) Events() (cgroups.Events, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cgroups.Events{Populated: len(f.pids) > 0, Frozen: f.frozen}, nil
}

func (f *fakeManager) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
	f.pids = nil
	return nil
}

func (f *fakeManager) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	f.pids = nil
	return nil
}

// fakeChild is a controllable stand-in for a spawned process. A
// stubborn child ignores SIGTERM and dies only to SIGKILL.
type fakeChild struct {
	mu       sync.Mutex
	pid      int
	stubborn bool
	signals  []syscall.Signal
	exited   chan struct{}
	status   int
}

func newFakeChild(pid int) *fakeChild {
	return &fakeChild{pid: pid, exited: make(chan struct{})}
}

func (f *fakeChild) Pid() int { return f.pid }

func (f *fakeChild) Signal(sig syscall.Signal) error {
	f.mu.Lock()
	f.signals = append(f.signals, sig)
	stubborn := f.stubborn
	f.mu.Unlock()
	if sig == syscall.SIGKILL || (sig == syscall.SIGTERM && !stubborn) {
		f.exit(128 + int(sig))
	}
	return nil
}

func (f *fakeChild) exit(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.exited:
	default:
		f.status = status
		close(f.exited)
	}
}

func (f *fakeChild) Wait() (int, error) {
	<-f.exited
	return f.status, nil
}

func (f *fakeChild) Terminate() { f.exit(137) }

// recorder captures the telemetry stream.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventKind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func (r *recorder) stateChanges() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Kind == EventStateChanged {
			out = append(out, e.Payload.(string))
		}
	}
	return out
}

// newTestContainer wires a Created container over fakes.
func newTestContainer(t *testing.T, rec *recorder) (*linuxContainer, *fakeManager, *fakeChild) {
	t.Helper()
	fm := newFakeManager()
	fc := newFakeChild(4242)
	c := &linuxContainer{
		id: "c1",
		config: &Config{
			Rootfs: t.TempDir(),
			Args:   []string{"/bin/true"},
		},
		cgroup:    fm,
		telemetry: newEmitter("c1", rec),
		status:    Created,
		spawn: func(o *namespaces.SpawnOptions) (childHandle, error) {
			if o.Place != nil {
				if err := o.Place(fc.pid); err != nil {
					return nil, err
				}
			}
			return fc, nil
		},
		execSpawn: func(o *namespaces.ExecOptions) (childHandle, error) {
			ec := newFakeChild(4300)
			if o.Place != nil {
				if err := o.Place(ec.pid); err != nil {
					return nil, err
				}
			}
			ec.exit(0)
			return ec, nil
		},
	}
	return c, fm, fc
}

func TestLifecycleHappyPath(t *testing.T) {
	rec := &recorder{}
	c, fm, _ := newTestContainer(t, rec)

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if c.Status() != Running {
		t.Fatalf("status = %v, want running", c.Status())
	}
	if len(fm.applied) != 1 || fm.applied[0] != 4242 {
		t.Errorf("init pid placement: %v", fm.applied)
	}

	status, err := c.Exec(&Process{Args: []string{"/bin/true"}})
	if err != nil {
		t.Fatal(err)
	}
	if status != 0 {
		t.Errorf("exec status = %d", status)
	}

	if err := c.Stop(1000); err != nil {
		t.Fatal(err)
	}
	if c.Status() != Stopped {
		t.Fatalf("status = %v, want stopped", c.Status())
	}
	if err := c.Destroy(); err != nil {
		t.Fatal(err)
	}
	if c.Status() != Destroyed {
		t.Fatalf("status = %v, want destroyed", c.Status())
	}
	if !fm.destroyed {
		t.Error("cgroup survived destroy")
	}

	want := []string{"running", "stopped", "destroyed"}
	got := rec.stateChanges()
	if len(got) != len(want) {
		t.Fatalf("state changes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("state change %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDestroyIdempotent(t *testing.T) {
	c, _, _ := newTestContainer(t, &recorder{})
	if err := c.Destroy(); err != nil {
		t.Fatal(err)
	}
	if err := c.Destroy(); err != nil {
		t.Errorf("second destroy: %v", err)
	}
	if c.Status() != Destroyed {
		t.Errorf("status = %v", c.Status())
	}
}

func TestRefuseDestroyWhileRunning(t *testing.T) {
	c, fm, _ := newTestContainer(t, &recorder{})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	err := c.Destroy()
	if !errdefs.IsInvalidArgument(err) {
		t.Fatalf("got %v, want invalid argument", err)
	}
	if c.Status() != Running {
		t.Errorf("status = %v, want still running", c.Status())
	}
	if fm.destroyed {
		t.Error("cgroup destroyed despite refusal")
	}
	c.Stop(0)
	c.Destroy()
}

func TestPauseResume(t *testing.T) {
	c, fm, fc := newTestContainer(t, &recorder{})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.Pause(); err != nil {
		t.Fatal(err)
	}
	if !fm.frozen {
		t.Error("cgroup not frozen")
	}
	if c.Status() != Paused {
		t.Errorf("status = %v", c.Status())
	}
	// The init pid survives a pause cycle.
	select {
	case <-fc.exited:
		t.Error("init died during pause")
	default:
	}
	if err := c.Resume(); err != nil {
		t.Fatal(err)
	}
	if fm.frozen {
		t.Error("cgroup still frozen")
	}
	if c.Status() != Running {
		t.Errorf("status = %v", c.Status())
	}
	c.Stop(0)
	c.Destroy()
}

func TestPauseOnlyFromRunning(t *testing.T) {
	c, _, _ := newTestContainer(t, &recorder{})
	if err := c.Pause(); !errdefs.IsInvalidArgument(err) {
		t.Errorf("pause from created: %v", err)
	}
	if err := c.Resume(); !errdefs.IsInvalidArgument(err) {
		t.Errorf("resume from created: %v", err)
	}
}

func TestStopIdempotent(t *testing.T) {
	c, _, fc := newTestContainer(t, &recorder{})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(1000); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(1000); err != nil {
		t.Errorf("second stop: %v", err)
	}
	fc.mu.Lock()
	sawTerm := false
	for _, s := range fc.signals {
		if s == syscall.SIGTERM {
			sawTerm = true
		}
	}
	fc.mu.Unlock()
	if !sawTerm {
		t.Error("init never received SIGTERM")
	}
}

func TestStopEscalatesAfterGrace(t *testing.T) {
	c, _, _ := newTestContainer(t, &recorder{})
	stubborn := newFakeChild(4242)
	stubborn.stubborn = true
	c.spawn = func(o *namespaces.SpawnOptions) (childHandle, error) { return stubborn, nil }
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(10); err != nil {
		t.Fatal(err)
	}
	if c.Status() != Stopped {
		t.Errorf("status = %v", c.Status())
	}
	stubborn.mu.Lock()
	defer stubborn.mu.Unlock()
	if len(stubborn.signals) < 2 || stubborn.signals[0] != syscall.SIGTERM ||
		stubborn.signals[len(stubborn.signals)-1] != syscall.SIGKILL {
		t.Errorf("signal sequence = %v, want TERM then KILL", stubborn.signals)
	}
}

func TestExecOnlyWhileRunning(t *testing.T) {
	c, _, _ := newTestContainer(t, &recorder{})
	if _, err := c.Exec(&Process{Args: []string{"/bin/true"}}); !errdefs.IsInvalidArgument(err) {
		t.Errorf("exec from created: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Exec(&Process{}); !errdefs.IsInvalidArgument(err) {
		t.Errorf("exec without args: %v", err)
	}
	c.Stop(0)
	if _, err := c.Exec(&Process{Args: []string{"/bin/true"}}); !errdefs.IsInvalidArgument(err) {
		t.Errorf("exec from stopped: %v", err)
	}
	c.Destroy()
}

func TestExecPlacesPidInCgroup(t *testing.T) {
	c, fm, _ := newTestContainer(t, &recorder{})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Exec(&Process{Args: []string{"/bin/true"}}); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, pid := range fm.applied {
		if pid == 4300 {
			found = true
		}
	}
	if !found {
		t.Errorf("exec pid never placed: %v", fm.applied)
	}
	c.Stop(0)
	c.Destroy()
}

func TestStartOnlyFromCreated(t *testing.T) {
	c, _, _ := newTestContainer(t, &recorder{})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); !errdefs.IsInvalidArgument(err) {
		t.Errorf("second start: %v", err)
	}
	c.Stop(0)
	c.Destroy()
	if err := c.Start(); !errdefs.IsInvalidArgument(err) {
		t.Errorf("start after destroy: %v", err)
	}
}

func TestStartFailureDestroysContainer(t *testing.T) {
	rec := &recorder{}
	c, fm, _ := newTestContainer(t, rec)
	c.spawn = func(o *namespaces.SpawnOptions) (childHandle, error) {
		return nil, errdefs.ErrPermissionDenied
	}
	err := c.Start()
	if !errdefs.IsPermissionDenied(err) {
		t.Fatalf("got %v, want permission denied", err)
	}
	if c.Status() != Destroyed {
		t.Errorf("status = %v, want destroyed after fatal start", c.Status())
	}
	if !fm.destroyed {
		t.Error("cgroup survived fatal start")
	}
}

func TestStatsAndUsage(t *testing.T) {
	c, fm, _ := newTestContainer(t, &recorder{})
	fm.stats = cgroups.CpuStats{UsageUsec: 555, ThrottledUsec: 7}
	fm.memory = 2048
	s, err := c.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if s.Cpu.UsageUsec != 555 || s.MemoryCurrent != 2048 {
		t.Errorf("stats = %+v", s)
	}
	mem, _ := c.MemoryUsage()
	cpu, _ := c.CpuUsage()
	if mem != 2048 || cpu != 555 {
		t.Errorf("usage = %d/%d", mem, cpu)
	}
}

func TestUpdateLimitsValidate(t *testing.T) {
	c, _, _ := newTestContainer(t, &recorder{})
	if err := c.UpdateCpu(cgroups.CpuConfig{QuotaUs: 0, PeriodUs: 100_000}); !errdefs.IsInvalidArgument(err) {
		t.Errorf("zero quota: %v", err)
	}
	if err := c.UpdateCpu(cgroups.CpuConfig{QuotaUs: 50_000, PeriodUs: 100_000}); err != nil {
		t.Errorf("valid update: %v", err)
	}
	if err := c.UpdateMemory(1 << 20); err != nil {
		t.Errorf("memory update: %v", err)
	}
}
