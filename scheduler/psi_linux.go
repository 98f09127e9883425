//go:build linux

package scheduler

import (
	"sync"
	"time"

	"github.com/containerd/errdefs"
	log "github.com/sirupsen/logrus"

	"github.com/ext-sakamoro/ALICE-Container/cgroups"
	"github.com/ext-sakamoro/ALICE-Container/psi"
)

// monitor is the slice of the PSI monitor the scheduler needs, so the
// event loop is testable with a fake the same way Cgroup fakes the
// controller.
type monitor interface {
	AddTrigger(t psi.Trigger) error
	Wait(timeout time.Duration) (*psi.Event, error)
	Wake()
	Close() error
	ReadStats(r psi.Resource) (psi.Stats, error)
	TriggerCount() int
}

var _ monitor = (*psi.Monitor)(nil)

// PsiScheduler is the event-driven variant: instead of polling it
// parks on a pressure trigger inside the cgroup and runs the decision
// core only when the kernel reports a stall, so an idle container
// costs nothing.
type PsiScheduler struct {
	mu sync.Mutex

	cfg     Config
	cg      Cgroup
	hook    Hook
	monitor monitor

	state        State
	currentQuota uint64
	prev         cgroups.Sample
	havePrev     bool
	failures     int

	now func() time.Time
}

// NewPsi builds the pressure-driven scheduler over the cgroup. The
// trigger threshold derives from the config's target latency over a
// one second window.
func NewPsi(cg Cgroup, cfg Config, hook Hook) (*PsiScheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	monitor, err := psi.NewMonitor(cg.Path())
	if err != nil {
		return nil, err
	}
	return &PsiScheduler{
		cfg:          cfg,
		cg:           cg,
		hook:         hook,
		monitor:      monitor,
		currentQuota: cfg.MaxQuotaUs(),
		now:          time.Now,
	}, nil
}

// triggerWindowUs is the observation window the threshold is spread
// over.
const triggerWindowUs = 1_000_000

// Start registers the pressure trigger and applies the initial quota.
// Starting twice is idempotent.
func (p *PsiScheduler) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateRunning {
		return nil
	}
	if p.monitor.TriggerCount() == 0 {
		// The trigger fires once stall time inside the window exceeds
		// the latency budget. The kernel rejects sub-millisecond
		// thresholds, so the budget is floored there.
		threshold := clamp(p.cfg.TargetLatencyUs, 1_000, triggerWindowUs)
		if err := p.monitor.AddTrigger(psi.CpuSome(threshold, triggerWindowUs)); err != nil {
			return err
		}
	}
	if err := p.cg.SetCpuMax(p.currentQuota, p.cfg.PeriodUs); err != nil {
		return err
	}
	p.state = StateRunning
	p.failures = 0
	p.havePrev = false
	return nil
}

// Stop halts the scheduler and promptly wakes any Wait in flight.
// Stopping a stopped scheduler is a no-op.
func (p *PsiScheduler) Stop() {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	p.state = StateStopped
	p.mu.Unlock()
	p.monitor.Wake()
}

// Close stops the scheduler if it is running and releases the trigger
// descriptors.
func (p *PsiScheduler) Close() error {
	p.Stop()
	return p.monitor.Close()
}

// Wait parks on the trigger for at most timeout. A pressure event
// feeds the decision core and is returned; nil means the interval was
// quiet or the scheduler was stopped. A wake-up that carries no real
// pressure holds the quota.
func (p *PsiScheduler) Wait(timeout time.Duration) (*psi.Event, error) {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return nil, nil
	}
	p.mu.Unlock()

	ev, err := p.monitor.Wait(timeout)
	if err != nil {
		if p.noteFailure(err) {
			return nil, err
		}
		return nil, err
	}
	if ev == nil {
		return nil, nil
	}
	p.hook.pressure(*ev)

	if err := p.react(); err != nil {
		if p.noteFailure(err) {
			return ev, err
		}
		log.WithError(err).Warn("psi scheduler reaction failed")
	}
	return ev, nil
}

// react reads fresh PSI metrics and cgroup stats and applies the
// decision core, mirroring one polling tick.
func (p *PsiScheduler) react() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning {
		return nil
	}
	if !p.cg.Exists() {
		return notFound(p.cg.Path())
	}
	// The PSI read keeps telemetry fresh even when the stat delta alone
	// decides; a spurious wake shows no stall growth and holds.
	if _, err := p.monitor.ReadStats(psi.Cpu); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	stats, err := p.cg.Stat()
	if err != nil {
		return err
	}
	cur := cgroups.Sample{Stats: stats, At: p.now()}
	if !p.havePrev {
		p.prev = cur
		p.havePrev = true
		return nil
	}
	prev := p.prev
	p.prev = cur
	if cur.Stats.ThrottledUsec == prev.Stats.ThrottledUsec {
		// The trigger fired but the cgroup shows no new stall time:
		// a spurious wake holds the quota. Shrinking on quiet
		// intervals is the polling variant's job.
		p.failures = 0
		return nil
	}
	d := Decide(p.cfg, prev, cur, p.currentQuota)
	if d.Action == Adjust {
		if err := p.cg.SetCpuMax(d.NewQuotaUs, p.cfg.PeriodUs); err != nil {
			return err
		}
		p.currentQuota = d.NewQuotaUs
		p.hook.quotaAdjusted(d.NewQuotaUs)
	}
	p.failures = 0
	return nil
}

func (p *PsiScheduler) noteFailure(err error) (fatal bool) {
	if errdefs.IsNotFound(err) {
		p.transitionStopped(err)
		return true
	}
	p.mu.Lock()
	p.failures++
	n := p.failures
	p.mu.Unlock()
	if n >= maxConsecutiveFailures {
		p.transitionStopped(err)
		return true
	}
	return false
}

func (p *PsiScheduler) transitionStopped(err error) {
	p.mu.Lock()
	if p.state == StateRunning {
		p.state = StateStopped
	}
	p.mu.Unlock()
	p.hook.stopped(err)
}

// CurrentQuota reports the last applied quota.
func (p *PsiScheduler) CurrentQuota() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentQuota
}

// State reports the scheduler state.
func (p *PsiScheduler) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
