// Package fs2 drives one container cgroup on the v2 unified hierarchy
// through the pseudo-filesystem.
package fs2

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ext-sakamoro/ALICE-Container/cgroups"
)

// Controllers required by the runtime; all are enabled on the parent's
// subtree_control before the container cgroup is used.
var requiredControllers = []string{"cpu", "memory", "io", "pids"}

// State-file polls are spaced stateWaitEvery apart, up to stateWaitMax
// attempts (about 100ms total) before giving up with a timeout.
const (
	stateWaitEvery = 100 * time.Microsecond
	stateWaitMax   = 1000
)

// Manager drives a single cgroup directory. The zero value is not
// usable; construct through Create or Open.
type Manager struct {
	dir     string
	flusher cgroups.Flusher
}

var _ cgroups.Manager = (*Manager)(nil)

// Create materializes root/<name>, enabling the required controllers on
// the parent first. It fails with an already-exists error if the
// directory is present and populated, and with a not-implemented error
// when the kernel does not offer all required controllers.
func Create(root, name string, flusher cgroups.Flusher) (*Manager, error) {
	if err := enableControllers(root); err != nil {
		return nil, err
	}
	dir := filepath.Join(root, name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			m := &Manager{dir: dir}
			if ev, eerr := m.Events(); eerr == nil && ev.Populated {
				return nil, fmt.Errorf("cgroup %s is populated: %w", dir, errdefs.ErrAlreadyExists)
			}
			// Empty leftover from a crashed supervisor; reuse it.
			m.flusher = flusher
			return m, nil
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("mkdir %s: %w", dir, errdefs.ErrPermissionDenied)
		}
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Manager{dir: dir, flusher: flusher}, nil
}

// Open returns a manager for an existing cgroup directory.
func Open(root, name string) (*Manager, error) {
	dir := filepath.Join(root, name)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("cgroup %s: %w", dir, errdefs.ErrNotFound)
		}
		return nil, err
	}
	return &Manager{dir: dir}, nil
}

// enableControllers writes "+cpu +memory +io +pids" into the parent's
// subtree_control. Concurrent containers race benignly here: the writes
// are commutative and idempotent.
func enableControllers(root string) error {
	avail, err := cgroups.ReadFile(root, "cgroup.controllers")
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("unified hierarchy not mounted at %s: %w", root, errdefs.ErrNotImplemented)
		}
		return err
	}
	have := strings.Fields(avail)
	for _, want := range requiredControllers {
		found := false
		for _, c := range have {
			if c == want {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("controller %q unavailable in %s: %w", want, root, errdefs.ErrNotImplemented)
		}
	}
	payload := "+" + strings.Join(requiredControllers, " +")
	if err := cgroups.WriteFile(root, "cgroup.subtree_control", payload); err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("enable controllers in %s: %w", root, errdefs.ErrPermissionDenied)
		}
		return fmt.Errorf("enable controllers in %s: %w", root, err)
	}
	return nil
}

// Path returns the absolute cgroup directory.
func (m *Manager) Path() string { return m.dir }

// Exists reports whether the directory is still materialized.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.dir)
	return err == nil
}

// Apply writes the decimal pid into cgroup.procs.
func (m *Manager) Apply(pid int) error {
	err := cgroups.WriteFile(m.dir, "cgroup.procs", strconv.Itoa(pid))
	if err == nil {
		return nil
	}
	switch {
	case isErrno(err, unix.ESRCH) || os.IsNotExist(err):
		return fmt.Errorf("add pid %d to %s: %w", pid, m.dir, errdefs.ErrNotFound)
	case isErrno(err, unix.EBUSY):
		return fmt.Errorf("add pid %d to %s: %w", pid, m.dir, errdefs.ErrConflict)
	case os.IsPermission(err):
		return fmt.Errorf("add pid %d to %s: %w", pid, m.dir, errdefs.ErrPermissionDenied)
	}
	return err
}

// GetPids lists the member processes.
func (m *Manager) GetPids() ([]int, error) {
	content, err := cgroups.ReadFile(m.dir, "cgroup.procs")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("cgroup %s: %w", m.dir, errdefs.ErrNotFound)
		}
		return nil, err
	}
	var pids []int
	for _, line := range strings.Fields(content) {
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// Events parses cgroup.events.
func (m *Manager) Events() (cgroups.Events, error) {
	content, err := cgroups.ReadFile(m.dir, "cgroup.events")
	if err != nil {
		if os.IsNotExist(err) {
			return cgroups.Events{}, fmt.Errorf("cgroup %s: %w", m.dir, errdefs.ErrNotFound)
		}
		return cgroups.Events{}, err
	}
	return cgroups.ParseEvents(content), nil
}

// Kill terminates every member. Kernels with cgroup.kill take one write;
// otherwise each listed pid gets a SIGKILL.
func (m *Manager) Kill() error {
	if _, err := os.Stat(filepath.Join(m.dir, "cgroup.kill")); err == nil {
		return cgroups.WriteFile(m.dir, "cgroup.kill", "1")
	}
	pids, err := m.GetPids()
	if err != nil {
		return err
	}
	for _, pid := range pids {
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			return fmt.Errorf("kill %d: %w", pid, err)
		}
	}
	return nil
}

// Destroy drains the cgroup and removes its directory. It is idempotent:
// a cgroup that is already gone reports success.
func (m *Manager) Destroy() error {
	if !m.Exists() {
		return nil
	}
	if err := m.Kill(); err != nil && !errdefs.IsNotFound(err) {
		log.WithError(err).Warnf("draining cgroup %s", m.dir)
	}
	if err := m.waitEvents(func(e cgroups.Events) bool { return !e.Populated }); err != nil {
		return fmt.Errorf("cgroup %s did not drain: %w", m.dir, err)
	}
	if err := unix.Rmdir(m.dir); err != nil {
		switch err {
		case unix.ENOENT:
			return nil
		case unix.EBUSY:
			return fmt.Errorf("rmdir %s: %w", m.dir, errdefs.ErrConflict)
		}
		return fmt.Errorf("rmdir %s: %w", m.dir, err)
	}
	return nil
}

// Freeze writes 1 to cgroup.freeze and confirms "frozen 1" through
// cgroup.events before returning.
func (m *Manager) Freeze() error {
	return m.setFreeze(true)
}

// Thaw writes 0 to cgroup.freeze and confirms "frozen 0".
func (m *Manager) Thaw() error {
	return m.setFreeze(false)
}

func (m *Manager) setFreeze(frozen bool) error {
	payload := "0"
	if frozen {
		payload = "1"
	}
	if err := cgroups.WriteFile(m.dir, "cgroup.freeze", payload); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("cgroup %s: %w", m.dir, errdefs.ErrNotFound)
		}
		return err
	}
	return m.waitEvents(func(e cgroups.Events) bool { return e.Frozen == frozen })
}

// waitEvents polls cgroup.events until cond holds, bounded by the
// package retry budget. A vanished cgroup satisfies any drain-style
// condition the same way an empty one does.
func (m *Manager) waitEvents(cond func(cgroups.Events) bool) error {
	for i := 0; i < stateWaitMax; i++ {
		ev, err := m.Events()
		if err != nil {
			if errdefs.IsNotFound(err) {
				return nil
			}
			return err
		}
		if cond(ev) {
			return nil
		}
		time.Sleep(stateWaitEvery)
	}
	return cgroups.ErrTimeout
}

// isErrno unwraps an error chain down to a specific errno.
func isErrno(err error, target unix.Errno) bool {
	return errors.Is(err, target)
}
