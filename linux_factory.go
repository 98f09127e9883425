//go:build linux

package alice

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
	log "github.com/sirupsen/logrus"

	"github.com/ext-sakamoro/ALICE-Container/cgroups"
	"github.com/ext-sakamoro/ALICE-Container/cgroups/fs2"
	"github.com/ext-sakamoro/ALICE-Container/mount"
	"github.com/ext-sakamoro/ALICE-Container/namespaces"
	"github.com/ext-sakamoro/ALICE-Container/uring"
)

// StateRootEnvVar overrides where container state directories live.
const StateRootEnvVar = "ALICE_ROOTFS_ROOT"

// DefaultStateRoot is the fallback state directory.
const DefaultStateRoot = "/var/lib/alice/containers"

// Options configure a factory. Zero values resolve from the
// environment and default to no-op hooks.
type Options struct {
	// CgroupRoot is the unified hierarchy mount point; empty resolves
	// ALICE_CGROUP_ROOT and falls back to /sys/fs/cgroup.
	CgroupRoot string

	// StateRoot holds per-container state directories; empty resolves
	// ALICE_ROOTFS_ROOT and falls back to /var/lib/alice/containers.
	StateRoot string

	// Telemetry receives the event stream; nil discards it.
	Telemetry Telemetry

	// Persistence stores snapshots; nil selects the file hook under
	// StateRoot.
	Persistence Persistence

	// Secrets resolves secret mounts; nil refuses secret targets.
	Secrets SecretProvider
}

type linuxFactory struct {
	cgroupRoot  string
	stateRoot   string
	telemetry   Telemetry
	persistence Persistence
	secrets     SecretProvider
}

// New returns the default factory for container creation.
func New(opts *Options) (Factory, error) {
	if opts == nil {
		opts = &Options{}
	}
	f := &linuxFactory{
		cgroupRoot:  opts.CgroupRoot,
		stateRoot:   opts.StateRoot,
		telemetry:   opts.Telemetry,
		persistence: opts.Persistence,
		secrets:     opts.Secrets,
	}
	if f.cgroupRoot == "" {
		f.cgroupRoot = cgroups.Root()
	}
	if f.stateRoot == "" {
		f.stateRoot = os.Getenv(StateRootEnvVar)
		if f.stateRoot == "" {
			f.stateRoot = DefaultStateRoot
		}
	}
	if err := os.MkdirAll(f.stateRoot, 0o700); err != nil {
		return nil, err
	}
	if f.persistence == nil {
		f.persistence = NewFilePersistence(f.stateRoot)
	}
	return f, nil
}

func (f *linuxFactory) Create(id string, config *Config) (Container, error) {
	if err := config.Validate(id); err != nil {
		return nil, err
	}
	stateDir := filepath.Join(f.stateRoot, id)
	if _, err := os.Stat(stateDir); err == nil {
		return nil, fmt.Errorf("container %s: %w", id, errdefs.ErrAlreadyExists)
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}

	caps := ProbeCapabilities()
	log.WithField("capabilities", caps.String()).Debugf("creating container %s", id)

	var flusher cgroups.Flusher
	if caps.Has(CapBatchedWrites) {
		flusher = uring.Flusher{}
	}
	mgr, err := fs2.Create(f.cgroupRoot, id, flusher)
	if err != nil {
		os.RemoveAll(stateDir)
		return nil, err
	}
	if err := mgr.Set(config.resources()); err != nil {
		if derr := mgr.Destroy(); derr != nil {
			log.WithError(derr).Warnf("cleanup: cgroup of %s", id)
		}
		os.RemoveAll(stateDir)
		return nil, err
	}

	mc := mount.Config{Rootfs: config.Rootfs, Hostname: config.Hostname, Nameservers: config.Nameservers}
	if err := mount.Build(&mc); err != nil {
		if derr := mgr.Destroy(); derr != nil {
			log.WithError(derr).Warnf("cleanup: cgroup of %s", id)
		}
		os.RemoveAll(stateDir)
		return nil, err
	}

	c := f.newContainer(id, stateDir, config, caps, mgr)
	c.m.Lock()
	c.setStatus(Created)
	c.m.Unlock()
	return c, nil
}

// Load rebuilds a container handle from the persistence hook. The
// status is the one recorded in the snapshot; if the cgroup directory
// is gone, Load returns a not-found error instead of a handle.
func (f *linuxFactory) Load(id string) (Container, error) {
	snapshot, err := f.persistence.Load(id)
	if err != nil {
		return nil, err
	}
	mgr, err := fs2.Open(f.cgroupRoot, id)
	if err != nil {
		return nil, err
	}
	caps := ProbeCapabilities()
	c := f.newContainer(id, filepath.Join(f.stateRoot, id), &snapshot.Config, caps, mgr)
	c.status = snapshot.Status
	if snapshot.InitPid != 0 && c.status == Running {
		// The recovered handle can signal and observe, but the child
		// belongs to another supervisor; adopt the pid only.
		c.init = &Process{Args: snapshot.Config.Args, child: pidHandle(snapshot.InitPid)}
	}
	return c, nil
}

func (f *linuxFactory) newContainer(id, stateDir string, config *Config, caps Capabilities, mgr cgroups.Manager) *linuxContainer {
	cfg := *config
	c := &linuxContainer{
		id:          id,
		root:        stateDir,
		config:      &cfg,
		caps:        caps,
		cgroup:      mgr,
		telemetry:   newEmitter(id, f.telemetry),
		persistence: f.persistence,
		secrets:     f.secrets,
		status:      Created,
	}
	var spawner namespaces.Spawner
	if caps.Has(CapDirectSpawn) {
		spawner = namespaces.DirectSpawner{}
	} else {
		spawner = namespaces.GenericSpawner{}
	}
	c.spawn = func(o *namespaces.SpawnOptions) (childHandle, error) {
		child, err := spawner.Spawn(o)
		if err != nil {
			return nil, err
		}
		return child, nil
	}
	c.execSpawn = func(o *namespaces.ExecOptions) (childHandle, error) {
		child, err := namespaces.SpawnSetns(o)
		if err != nil {
			return nil, err
		}
		return child, nil
	}
	return c
}
