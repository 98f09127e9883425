//go:build linux

package alice

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	log "github.com/sirupsen/logrus"

	"github.com/ext-sakamoro/ALICE-Container/cgroups"
	"github.com/ext-sakamoro/ALICE-Container/mount"
	"github.com/ext-sakamoro/ALICE-Container/namespaces"
	"github.com/ext-sakamoro/ALICE-Container/psi"
	"github.com/ext-sakamoro/ALICE-Container/scheduler"
)

// childHandle is the supervisor's view of a spawned process, narrowed
// so the lifecycle machine is testable without privileges.
type childHandle interface {
	Pid() int
	Signal(sig syscall.Signal) error
	Wait() (int, error)
	Terminate()
}

// spawnFunc starts the init child; execFunc starts an additional
// process in the running container's namespaces.
type spawnFunc func(o *namespaces.SpawnOptions) (childHandle, error)
type execFunc func(o *namespaces.ExecOptions) (childHandle, error)

// schedRunner is either scheduler variant plus whatever drives it.
type schedRunner interface {
	Start() error
	Stop()
}

type linuxContainer struct {
	m sync.Mutex

	id     string
	root   string // state directory
	config *Config
	caps   Capabilities

	cgroup      cgroups.Manager
	spawn       spawnFunc
	execSpawn   execFunc
	telemetry   emitter
	persistence Persistence
	secrets     SecretProvider

	status  Status
	init    *Process
	sched   schedRunner
	oomStop chan struct{}
}

var _ Container = (*linuxContainer)(nil)

func (c *linuxContainer) ID() string { return c.id }

func (c *linuxContainer) Status() Status {
	c.m.Lock()
	defer c.m.Unlock()
	return c.status
}

func (c *linuxContainer) Config() Config { return *c.config }

func (c *linuxContainer) Capabilities() Capabilities { return c.caps }

// setStatus flips the state, persists the snapshot, and emits the
// state_changed event. Callers hold the lock.
func (c *linuxContainer) setStatus(s Status) {
	c.status = s
	if err := c.saveState(); err != nil {
		log.WithError(err).Warnf("persisting state of %s", c.id)
	}
	c.telemetry.emit(EventStateChanged, s.String())
}

func (c *linuxContainer) saveState() error {
	if c.persistence == nil {
		return nil
	}
	st := c.stateLocked()
	return c.persistence.Save(c.id, st)
}

func (c *linuxContainer) stateLocked() *State {
	st := &State{
		ID:         c.id,
		Status:     c.status,
		Config:     *c.config,
		CgroupPath: c.cgroup.Path(),
		Limits:     c.config.resources(),
	}
	if c.init != nil {
		st.InitPid = c.init.Pid()
	}
	return st
}

func (c *linuxContainer) State() (*State, error) {
	c.m.Lock()
	defer c.m.Unlock()
	if c.status == Destroyed {
		return nil, fmt.Errorf("container %s is destroyed: %w", c.id, errdefs.ErrNotFound)
	}
	return c.stateLocked(), nil
}

// Start spawns the init child and attaches the scheduler. Any failure
// after the first side-effecting syscall unwinds everything and leaves
// the container Destroyed.
func (c *linuxContainer) Start() (err error) {
	c.m.Lock()
	defer c.m.Unlock()
	if c.status != Created {
		return fmt.Errorf("cannot start container in %s state: %w", c.status, errdefs.ErrInvalidArgument)
	}

	// Spec assembly has no side effects; failures here leave the
	// container Created. Everything after the spawn does not.
	spec, err := c.initSpec()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			c.fatalCleanup()
		}
	}()
	opts := &namespaces.SpawnOptions{
		Spec:      spec,
		CgroupDir: c.cgroup.Path(),
		UidMaps:   c.config.UidMappings,
		GidMaps:   c.config.GidMappings,
	}
	if !c.caps.Has(CapDirectSpawn) {
		opts.Place = c.cgroup.Apply
	}
	child, err := c.spawn(opts)
	if err != nil {
		return fmt.Errorf("spawn init: %w", err)
	}
	c.init = &Process{Args: c.config.Args, child: child}

	if c.config.Scheduler != nil {
		if err := c.attachScheduler(); err != nil {
			child.Terminate()
			c.init = nil
			return err
		}
	}

	c.oomStop = make(chan struct{})
	go watchOom(c.cgroup.Path(), c.oomStop, func(count uint64) {
		c.telemetry.emit(EventOom, count)
	})

	c.setStatus(Running)
	return nil
}

// initSpec assembles what the init child needs, resolving secrets
// through the hook.
func (c *linuxContainer) initSpec() (*namespaces.InitSpec, error) {
	mc := mount.Config{
		Rootfs:      c.config.Rootfs,
		Hostname:    c.config.Hostname,
		Nameservers: c.config.Nameservers,
		Readonly:    c.config.ReadonlyRootfs,
	}
	for _, b := range c.config.BindMounts {
		mc.BindMounts = append(mc.BindMounts, mount.Bind{Source: b.Source, Target: b.Target})
	}
	for _, target := range c.config.SecretTargets {
		if c.secrets == nil {
			return nil, fmt.Errorf("secret target %q without a secret provider: %w", target, errdefs.ErrInvalidArgument)
		}
		data, err := c.secrets.Secret(c.id, target)
		if err != nil {
			return nil, fmt.Errorf("resolve secret %q: %w", target, err)
		}
		mc.Secrets = append(mc.Secrets, mount.SecretFile{Target: target, Data: data})
	}
	env := c.config.Env
	if len(env) == 0 {
		env = defaultEnv
	}
	return &namespaces.InitSpec{
		Namespaces: c.config.nsSet(),
		Hostname:   c.config.Hostname,
		Mounts:     mc,
		Args:       c.config.Args,
		Env:        env,
		Cwd:        "/",
		MapRoot:    len(c.config.UidMappings) > 0,
	}, nil
}

// attachScheduler builds and starts the configured scheduler variant.
func (c *linuxContainer) attachScheduler() error {
	spec := c.config.Scheduler
	cfg := spec.schedConfig()
	hook := scheduler.Hook{
		QuotaAdjusted: func(q uint64) { c.telemetry.emit(EventQuotaAdjusted, q) },
		Throttled:     func(q uint64) { c.telemetry.emit(EventThrottle, q) },
		Stopped: func(err error) {
			c.telemetry.emit(EventThrottle, fmt.Sprintf("scheduler stopped: %v", err))
		},
		Pressure: func(ev psi.Event) { c.telemetry.emit(EventPsi, ev.Trigger.String()) },
	}
	var runner schedRunner
	if spec.Psi && c.caps.Has(CapPsiTriggers) {
		ps, err := scheduler.NewPsi(c.cgroup, cfg, hook)
		if err != nil {
			return err
		}
		runner = newPsiDriver(ps)
	} else {
		s, err := scheduler.New(c.cgroup, cfg, hook)
		if err != nil {
			return err
		}
		runner = s
	}
	if err := runner.Start(); err != nil {
		return err
	}
	c.sched = runner
	return nil
}

// schedConfig folds the user-facing spec over the package defaults.
func (s *SchedulerSpec) schedConfig() scheduler.Config {
	cfg := scheduler.DefaultConfig()
	if s.TargetLatencyUsec != 0 {
		cfg.TargetLatencyUs = s.TargetLatencyUsec
	}
	if s.MinQuotaPct != 0 {
		cfg.MinQuotaPct = s.MinQuotaPct
	}
	if s.MaxQuotaPct != 0 {
		cfg.MaxQuotaPct = s.MaxQuotaPct
	}
	if s.TickIntervalUsec != 0 {
		cfg.TickIntervalUs = s.TickIntervalUsec
	}
	if s.BurstFactor != 0 {
		cfg.BurstFactor = s.BurstFactor
	}
	if s.HysteresisPct != 0 {
		cfg.HysteresisPct = s.HysteresisPct
	}
	return cfg
}

// fatalCleanup implements the fatal-failure policy during Start: kill
// anything spawned, unwind mounts, delete the cgroup. Cleanup errors
// never replace the originating error; they are logged.
func (c *linuxContainer) fatalCleanup() {
	if c.sched != nil {
		c.sched.Stop()
		c.sched = nil
	}
	if err := c.cgroup.Kill(); err != nil {
		log.WithError(err).Warnf("cleanup: killing cgroup of %s", c.id)
	}
	if err := mount.Teardown(c.config.Rootfs); err != nil {
		log.WithError(err).Warnf("cleanup: rootfs of %s", c.id)
	}
	if err := c.cgroup.Destroy(); err != nil {
		log.WithError(err).Warnf("cleanup: cgroup of %s", c.id)
	}
	c.init = nil
	c.setStatus(Destroyed)
}

// Exec runs an additional process inside the container and returns its
// exit status. The lock covers spawning only, so concurrent execs (and
// other operations) proceed while the child runs.
func (c *linuxContainer) Exec(p *Process) (int, error) {
	c.m.Lock()
	if c.status != Running {
		c.m.Unlock()
		return -1, fmt.Errorf("cannot exec in %s state: %w", c.status, errdefs.ErrInvalidArgument)
	}
	if len(p.Args) == 0 {
		c.m.Unlock()
		return -1, fmt.Errorf("exec needs a command: %w", errdefs.ErrInvalidArgument)
	}
	opts := &namespaces.ExecOptions{
		InitPid:    c.init.Pid(),
		Namespaces: c.config.nsSet(),
		Args:       p.Args,
		Env:        p.env(),
		Cwd:        p.Cwd,
		Stdin:      p.Stdin,
		Stdout:     p.Stdout,
		Stderr:     p.Stderr,
		Place:      c.cgroup.Apply,
	}
	child, err := c.execSpawn(opts)
	if err != nil {
		c.m.Unlock()
		return -1, err
	}
	p.child = child
	c.m.Unlock()

	return p.Wait()
}

// Pause freezes the cgroup. The init pid survives, merely stopped.
func (c *linuxContainer) Pause() error {
	c.m.Lock()
	defer c.m.Unlock()
	if c.status != Running {
		return fmt.Errorf("cannot pause container in %s state: %w", c.status, errdefs.ErrInvalidArgument)
	}
	if err := c.cgroup.Freeze(); err != nil {
		return err
	}
	c.setStatus(Paused)
	return nil
}

// Resume thaws the cgroup.
func (c *linuxContainer) Resume() error {
	c.m.Lock()
	defer c.m.Unlock()
	if c.status != Paused {
		return fmt.Errorf("cannot resume container in %s state: %w", c.status, errdefs.ErrInvalidArgument)
	}
	if err := c.cgroup.Thaw(); err != nil {
		return err
	}
	c.setStatus(Running)
	return nil
}

// Stop terminates the init child: SIGTERM, the grace window, SIGKILL.
// It is idempotent from Stopped.
func (c *linuxContainer) Stop(graceMs uint32) error {
	c.m.Lock()
	defer c.m.Unlock()
	switch c.status {
	case Stopped:
		return nil
	case Running, Paused:
	default:
		return fmt.Errorf("cannot stop container in %s state: %w", c.status, errdefs.ErrInvalidArgument)
	}
	if c.status == Paused {
		// A frozen child cannot act on SIGTERM.
		if err := c.cgroup.Thaw(); err != nil {
			return err
		}
	}
	c.stopScheduler()
	c.stopOomWatch()

	if c.init != nil {
		if err := c.init.Signal(syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
			log.WithError(err).Warnf("signalling init of %s", c.id)
		}
		done := make(chan struct{})
		go func() {
			c.init.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Duration(graceMs) * time.Millisecond):
			if err := c.init.Signal(syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
				log.WithError(err).Warnf("killing init of %s", c.id)
			}
			<-done
		}
		c.init = nil
	}
	// Straggler processes (execs, daemonized children) go with the
	// cgroup's kill switch.
	if err := c.cgroup.Kill(); err != nil && !errdefs.IsNotFound(err) {
		log.WithError(err).Warnf("draining cgroup of %s", c.id)
	}
	c.setStatus(Stopped)
	return nil
}

// Destroy tears down the scheduler, rootfs mounts, and cgroup. Allowed
// from Created and Stopped; a second Destroy is a no-op.
func (c *linuxContainer) Destroy() error {
	c.m.Lock()
	defer c.m.Unlock()
	switch c.status {
	case Destroyed:
		return nil
	case Created, Stopped:
	default:
		return fmt.Errorf("cannot destroy container in %s state: %w", c.status, errdefs.ErrInvalidArgument)
	}
	c.stopScheduler()
	c.stopOomWatch()

	if err := mount.Teardown(c.config.Rootfs); err != nil {
		log.WithError(err).Warnf("tearing down rootfs of %s", c.id)
	}
	if err := c.cgroup.Destroy(); err != nil {
		return err
	}
	if c.persistence != nil {
		if err := c.persistence.Remove(c.id); err != nil {
			log.WithError(err).Warnf("removing persisted state of %s", c.id)
		}
	}
	if c.root != "" {
		if err := os.RemoveAll(c.root); err != nil {
			log.WithError(err).Warnf("removing state dir of %s", c.id)
		}
	}
	c.init = nil
	c.status = Destroyed
	c.telemetry.emit(EventStateChanged, Destroyed.String())
	return nil
}

func (c *linuxContainer) stopScheduler() {
	if c.sched != nil {
		c.sched.Stop()
		c.sched = nil
	}
}

func (c *linuxContainer) stopOomWatch() {
	if c.oomStop != nil {
		close(c.oomStop)
		c.oomStop = nil
	}
}

func (c *linuxContainer) Processes() ([]int, error) {
	c.m.Lock()
	defer c.m.Unlock()
	if c.status == Destroyed {
		return nil, fmt.Errorf("container %s is destroyed: %w", c.id, errdefs.ErrNotFound)
	}
	return c.cgroup.GetPids()
}

func (c *linuxContainer) Stats() (*Stats, error) {
	c.m.Lock()
	defer c.m.Unlock()
	if c.status == Destroyed {
		return nil, fmt.Errorf("container %s is destroyed: %w", c.id, errdefs.ErrNotFound)
	}
	cpu, err := c.cgroup.Stat()
	if err != nil {
		return nil, err
	}
	mem, err := c.cgroup.MemoryCurrent()
	if err != nil {
		return nil, err
	}
	return &Stats{Cpu: cpu, MemoryCurrent: mem}, nil
}

func (c *linuxContainer) MemoryUsage() (uint64, error) {
	return c.cgroup.MemoryCurrent()
}

func (c *linuxContainer) CpuUsage() (uint64, error) {
	return c.cgroup.CpuUsage()
}

// UpdateCpu applies a new cpu tuple to the live cgroup.
func (c *linuxContainer) UpdateCpu(cc cgroups.CpuConfig) error {
	c.m.Lock()
	defer c.m.Unlock()
	if c.status == Destroyed {
		return fmt.Errorf("container %s is destroyed: %w", c.id, errdefs.ErrNotFound)
	}
	if err := cc.Validate(); err != nil {
		return err
	}
	return c.cgroup.SetCpuMax(cc.QuotaUs, cc.PeriodUs)
}

// UpdateMemory applies a new memory cap to the live cgroup.
func (c *linuxContainer) UpdateMemory(bytes uint64) error {
	c.m.Lock()
	defer c.m.Unlock()
	if c.status == Destroyed {
		return fmt.Errorf("container %s is destroyed: %w", c.id, errdefs.ErrNotFound)
	}
	return c.cgroup.SetMemoryMax(bytes)
}
