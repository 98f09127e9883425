package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	log "github.com/sirupsen/logrus"

	"github.com/ext-sakamoro/ALICE-Container/cgroups"
	"github.com/ext-sakamoro/ALICE-Container/psi"
)

// Cgroup is the slice of the cgroup controller a scheduler needs. The
// scheduler never owns the cgroup: it checks liveness before every
// operation and stops cleanly once the cgroup is gone.
type Cgroup interface {
	Path() string
	Exists() bool
	Stat() (cgroups.CpuStats, error)
	SetCpuMax(quotaUs, periodUs uint64) error
}

// Hook receives scheduler telemetry. Any field may be nil.
type Hook struct {
	QuotaAdjusted func(quotaUs uint64)
	Throttled     func(quotaUs uint64)
	Stopped       func(err error)
	Pressure      func(ev psi.Event)
}

func (h Hook) quotaAdjusted(q uint64) {
	if h.QuotaAdjusted != nil {
		h.QuotaAdjusted(q)
	}
}

func (h Hook) throttled(q uint64) {
	if h.Throttled != nil {
		h.Throttled(q)
	}
}

func (h Hook) stopped(err error) {
	if h.Stopped != nil {
		h.Stopped(err)
	}
}

func (h Hook) pressure(ev psi.Event) {
	if h.Pressure != nil {
		h.Pressure(ev)
	}
}

// A scheduler that keeps failing its cgroup reads or writes this many
// times in a row gives up and transitions to Stopped.
const maxConsecutiveFailures = 16

// State of a scheduler.
type State int

const (
	StateStopped State = iota
	StateRunning
)

// Scheduler is the polling variant: it samples cpu.stat on a fixed
// cadence and applies the decision core's verdict through cpu.max.
type Scheduler struct {
	mu sync.Mutex

	cfg  Config
	cg   Cgroup
	hook Hook

	state        State
	currentQuota uint64
	prev         cgroups.Sample
	havePrev     bool
	failures     int

	stopCh chan struct{}
	doneCh chan struct{}

	// now is swapped out by tests.
	now func() time.Time
}

// New builds a polling scheduler over the cgroup.
func New(cg Cgroup, cfg Config, hook Hook) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:          cfg,
		cg:           cg,
		hook:         hook,
		currentQuota: cfg.MaxQuotaUs(),
		now:          time.Now,
	}, nil
}

// Start applies the initial quota and launches the tick loop. Starting
// a running scheduler is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return nil
	}
	if err := s.cg.SetCpuMax(s.currentQuota, s.cfg.PeriodUs); err != nil {
		return err
	}
	s.state = StateRunning
	s.failures = 0
	s.havePrev = false
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(s.stopCh, s.doneCh)
	return nil
}

// Stop halts the loop. Stopping a stopped scheduler is a no-op. The
// quota is left where the last decision put it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()
	<-done
}

func (s *Scheduler) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Duration(s.cfg.TickIntervalUs) * time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := s.Tick(); err != nil {
				if s.noteFailure(err) {
					return
				}
			}
		}
	}
}

// noteFailure counts consecutive errors and decides whether the loop
// must give up. NotFound means the cgroup is gone: stop immediately.
func (s *Scheduler) noteFailure(err error) (fatal bool) {
	if errdefs.IsNotFound(err) {
		log.WithError(err).Debug("scheduler target cgroup is gone")
		s.transitionStopped(err)
		return true
	}
	s.mu.Lock()
	s.failures++
	n := s.failures
	s.mu.Unlock()
	log.WithError(err).Warnf("scheduler tick failed (%d consecutive)", n)
	if n >= maxConsecutiveFailures {
		s.transitionStopped(err)
		return true
	}
	return false
}

// transitionStopped flips to Stopped from inside the loop and surfaces
// the reason through the hook.
func (s *Scheduler) transitionStopped(err error) {
	s.mu.Lock()
	if s.state == StateRunning {
		s.state = StateStopped
	}
	s.mu.Unlock()
	s.hook.stopped(err)
}

// Tick performs one observe-decide-apply step and reports the decision.
// A stopped scheduler holds.
func (s *Scheduler) Tick() (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return Decision{Action: Hold, NewQuotaUs: s.currentQuota}, nil
	}
	if !s.cg.Exists() {
		return Decision{Action: Hold, NewQuotaUs: s.currentQuota}, notFound(s.cg.Path())
	}
	stats, err := s.cg.Stat()
	if err != nil {
		return Decision{Action: Hold, NewQuotaUs: s.currentQuota}, err
	}
	cur := cgroups.Sample{Stats: stats, At: s.now()}
	if !s.havePrev {
		s.prev = cur
		s.havePrev = true
		return Decision{Action: Hold, NewQuotaUs: s.currentQuota}, nil
	}
	d := Decide(s.cfg, s.prev, cur, s.currentQuota)
	s.prev = cur
	if d.Action == Adjust {
		if err := s.cg.SetCpuMax(d.NewQuotaUs, s.cfg.PeriodUs); err != nil {
			return d, err
		}
		s.currentQuota = d.NewQuotaUs
		s.hook.quotaAdjusted(d.NewQuotaUs)
	}
	s.failures = 0
	return d, nil
}

// Burst forces the quota to the configured maximum.
func (s *Scheduler) Burst() error {
	return s.force(s.cfg.MaxQuotaUs(), false)
}

// Throttle forces the quota to the configured minimum.
func (s *Scheduler) Throttle() error {
	return s.force(s.cfg.MinQuotaUs(), true)
}

// SetQuota applies a specific quota, clamped to the configured bounds.
func (s *Scheduler) SetQuota(quotaUs uint64) error {
	return s.force(clamp(quotaUs, s.cfg.MinQuotaUs(), s.cfg.MaxQuotaUs()), false)
}

func (s *Scheduler) force(quotaUs uint64, throttle bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cg.Exists() {
		return notFound(s.cg.Path())
	}
	if err := s.cg.SetCpuMax(quotaUs, s.cfg.PeriodUs); err != nil {
		return err
	}
	s.currentQuota = quotaUs
	if throttle {
		s.hook.throttled(quotaUs)
	} else {
		s.hook.quotaAdjusted(quotaUs)
	}
	return nil
}

// CurrentQuota reports the last applied quota in microseconds.
func (s *Scheduler) CurrentQuota() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentQuota
}

// State reports whether the loop is running.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats is a point-in-time view for operators.
type Stats struct {
	State        State  `json:"state"`
	CurrentQuota uint64 `json:"current_quota_us"`
	MinQuota     uint64 `json:"min_quota_us"`
	MaxQuota     uint64 `json:"max_quota_us"`
}

func notFound(path string) error {
	return fmt.Errorf("cgroup %s: %w", path, errdefs.ErrNotFound)
}

// Snapshot returns the operator view.
func (s *Scheduler) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:        s.state,
		CurrentQuota: s.currentQuota,
		MinQuota:     s.cfg.MinQuotaUs(),
		MaxQuota:     s.cfg.MaxQuotaUs(),
	}
}
