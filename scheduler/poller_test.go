package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/containerd/errdefs"

	"github.com/ext-sakamoro/ALICE-Container/cgroups"
)

// fakeCgroup is an in-memory stand-in for the fs2 manager.
type fakeCgroup struct {
	stats     cgroups.CpuStats
	statErr   error
	quota     uint64
	period    uint64
	setErr    error
	gone      bool
	setCalls  int
	statCalls int
}

func (f *fakeCgroup) Path() string { return "/fake/cgroup" }
func (f *fakeCgroup) Exists() bool { return !f.gone }

func (f *fakeCgroup) Stat() (cgroups.CpuStats, error) {
	f.statCalls++
	return f.stats, f.statErr
}

func (f *fakeCgroup) SetCpuMax(quotaUs, periodUs uint64) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.setCalls++
	f.quota, f.period = quotaUs, periodUs
	return nil
}

func newTestScheduler(t *testing.T, cg *fakeCgroup, hook Hook) *Scheduler {
	t.Helper()
	s, err := New(cg, testConfig(), hook)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// newSlowScheduler ticks once a second, so tests that exercise the
// loop's lifecycle never race its ticks against their own assertions.
func newSlowScheduler(t *testing.T, cg *fakeCgroup, hook Hook) *Scheduler {
	t.Helper()
	cfg := testConfig()
	cfg.TickIntervalUs = 1_000_000
	s, err := New(cg, cfg, hook)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSchedulerStartAppliesInitialQuota(t *testing.T) {
	cg := &fakeCgroup{}
	s := newSlowScheduler(t, cg, Hook{})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if cg.quota != 100_000 {
		t.Errorf("initial quota = %d, want max 100000", cg.quota)
	}
	if s.State() != StateRunning {
		t.Errorf("state = %v, want running", s.State())
	}
}

func TestSchedulerStartIdempotent(t *testing.T) {
	cg := &fakeCgroup{}
	s := newSlowScheduler(t, cg, Hook{})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	calls := cg.setCalls
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if cg.setCalls != calls {
		t.Error("second start re-applied the quota")
	}
}

func TestSchedulerStopIdempotent(t *testing.T) {
	cg := &fakeCgroup{}
	s := newSlowScheduler(t, cg, Hook{})
	s.Stop() // stopping a stopped scheduler is a no-op
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	s.Stop()
	s.Stop()
	if s.State() != StateStopped {
		t.Errorf("state = %v, want stopped", s.State())
	}
}

func TestSchedulerTickAdjustsQuota(t *testing.T) {
	cg := &fakeCgroup{}
	var adjusted []uint64
	s := newTestScheduler(t, cg, Hook{QuotaAdjusted: func(q uint64) { adjusted = append(adjusted, q) }})
	// Drive ticks by hand instead of through the loop so the fake
	// clock is the only clock.
	s.state = StateRunning
	now := time.Now()
	s.now = func() time.Time { return now }
	if _, err := s.Tick(); err != nil { // primes the previous sample
		t.Fatal(err)
	}
	// Underutilized interval: no usage at all against the max quota.
	now = now.Add(100 * time.Millisecond)
	cg.stats = cgroups.CpuStats{UsageUsec: 0}
	d, err := s.Tick()
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != Adjust {
		t.Fatalf("action = %v, want adjust", d.Action)
	}
	if cg.quota != d.NewQuotaUs {
		t.Errorf("cgroup quota %d does not match decision %d", cg.quota, d.NewQuotaUs)
	}
	if len(adjusted) != 1 || adjusted[0] != d.NewQuotaUs {
		t.Errorf("hook saw %v", adjusted)
	}
}

func TestSchedulerStopsAfterRepeatedFailures(t *testing.T) {
	cg := &fakeCgroup{statErr: fmt.Errorf("transient io")}
	var stopped error
	s := newTestScheduler(t, cg, Hook{Stopped: func(err error) { stopped = err }})
	s.state = StateRunning
	for i := 0; i < maxConsecutiveFailures; i++ {
		if _, err := s.Tick(); err == nil {
			t.Fatal("tick swallowed the stat error")
		} else if s.noteFailure(err) {
			break
		}
	}
	if s.State() != StateStopped {
		t.Errorf("state = %v, want stopped after %d failures", s.State(), maxConsecutiveFailures)
	}
	if stopped == nil {
		t.Error("stop reason never surfaced through the hook")
	}
}

func TestSchedulerStopsWhenCgroupVanishes(t *testing.T) {
	cg := &fakeCgroup{}
	var stopped error
	s := newTestScheduler(t, cg, Hook{Stopped: func(err error) { stopped = err }})
	s.state = StateRunning
	cg.gone = true
	_, err := s.Tick()
	if !errdefs.IsNotFound(err) {
		t.Fatalf("got %v, want not found", err)
	}
	if fatal := s.noteFailure(err); !fatal {
		t.Error("vanished cgroup was not fatal")
	}
	if s.State() != StateStopped || stopped == nil {
		t.Error("scheduler kept running against a vanished cgroup")
	}
}

func TestSchedulerForcedModes(t *testing.T) {
	cg := &fakeCgroup{}
	var throttled []uint64
	s := newTestScheduler(t, cg, Hook{Throttled: func(q uint64) { throttled = append(throttled, q) }})

	if err := s.Throttle(); err != nil {
		t.Fatal(err)
	}
	if cg.quota != 10_000 || s.CurrentQuota() != 10_000 {
		t.Errorf("throttle quota = %d", cg.quota)
	}
	if len(throttled) != 1 {
		t.Errorf("throttle hook calls = %d", len(throttled))
	}
	if err := s.Burst(); err != nil {
		t.Fatal(err)
	}
	if cg.quota != 100_000 {
		t.Errorf("burst quota = %d", cg.quota)
	}
	if err := s.SetQuota(1); err != nil {
		t.Fatal(err)
	}
	if cg.quota != 10_000 {
		t.Errorf("set quota below min applied %d", cg.quota)
	}
}

func TestSchedulerTickWhileStoppedHolds(t *testing.T) {
	cg := &fakeCgroup{}
	s := newTestScheduler(t, cg, Hook{})
	d, err := s.Tick()
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != Hold {
		t.Errorf("stopped tick = %v, want hold", d.Action)
	}
	if cg.statCalls != 0 {
		t.Error("stopped scheduler touched the cgroup")
	}
}
