//go:build linux

package namespaces

import (
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
)

// SpawnOptions carries everything a spawner needs to start an init
// child: the child-side spec, the supervisor-side stdio, and how the
// child gets into its cgroup.
type SpawnOptions struct {
	// Spec is shipped to the child over the sync pipe.
	Spec *InitSpec

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// CgroupDir is opened and handed to clone3 on the direct path.
	CgroupDir string

	// Place is invoked with the child pid before the child is released,
	// on the generic path only. It writes cgroup.procs, so at the
	// moment user code begins executing the pid is accounted.
	Place func(pid int) error

	// Id maps the parent writes while the child is gated.
	UidMaps []IdMap
	GidMaps []IdMap
}

// A Spawner creates the init child inside its namespace set. The two
// implementations share one contract; capability probing at container
// construction picks between them.
type Spawner interface {
	Spawn(o *SpawnOptions) (*Child, error)
}

// GenericSpawner clones with the namespace flags, then the parent
// writes the pid into cgroup.procs before releasing the gated child.
type GenericSpawner struct{}

// DirectSpawner passes the cgroup directory fd to clone3 with
// CLONE_INTO_CGROUP: the child never executes outside the cgroup, and a
// pidfd comes back for race-free signalling.
type DirectSpawner struct{}

// Child is the supervisor's handle on a spawned process.
type Child struct {
	cmd   *exec.Cmd
	pid   int
	pidFd int
}

// Pid in the supervisor's namespace.
func (c *Child) Pid() int { return c.pid }

// PidFd returns the pidfd, or -1 when the kernel did not provide one.
func (c *Child) PidFd() int { return c.pidFd }

// Signal delivers sig through the pidfd when one exists, falling back
// to the pid. The pidfd path cannot hit a recycled pid.
func (c *Child) Signal(sig syscall.Signal) error {
	if c.pidFd >= 0 {
		err := unix.PidfdSendSignal(c.pidFd, sig, nil, 0)
		if err == nil || err != unix.ENOSYS {
			if err == unix.ESRCH {
				return fmt.Errorf("process %d: %w", c.pid, errdefs.ErrNotFound)
			}
			return err
		}
	}
	if err := unix.Kill(c.pid, sig); err != nil {
		if err == unix.ESRCH {
			return fmt.Errorf("process %d: %w", c.pid, errdefs.ErrNotFound)
		}
		return err
	}
	return nil
}

// Wait reaps the child and returns its exit status. A non-zero status
// is not an error.
func (c *Child) Wait() (int, error) {
	err := c.cmd.Wait()
	if c.pidFd >= 0 {
		unix.Close(c.pidFd)
		c.pidFd = -1
	}
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return 128 + int(ws.Signal()), nil
			}
			return ws.ExitStatus(), nil
		}
	}
	return -1, err
}

// Terminate kills and reaps the child, for failure paths.
func (c *Child) Terminate() {
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	c.cmd.Wait()
	if c.pidFd >= 0 {
		unix.Close(c.pidFd)
		c.pidFd = -1
	}
}

// Spawn implements the generic path.
func (GenericSpawner) Spawn(o *SpawnOptions) (*Child, error) {
	cmd, pipe, err := commandTemplate(InitCommand, o)
	if err != nil {
		return nil, err
	}
	defer pipe.Close()
	cmd.SysProcAttr.Cloneflags = o.Spec.Namespaces.CloneFlags()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start init: %w", err)
	}
	// The parent's copy of the child end must go away, or the EOF that
	// signals a successful exec never arrives.
	pipe.CloseChild()
	child := &Child{cmd: cmd, pid: cmd.Process.Pid, pidFd: -1}

	if o.Place != nil {
		if err := o.Place(child.pid); err != nil {
			child.Terminate()
			return nil, err
		}
	}
	if err := release(child, pipe, o); err != nil {
		return nil, err
	}
	return child, nil
}

// Spawn implements the direct path.
func (DirectSpawner) Spawn(o *SpawnOptions) (*Child, error) {
	cgroupFd, err := unix.Open(o.CgroupDir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open cgroup %s: %w", o.CgroupDir, err)
	}
	defer unix.Close(cgroupFd)

	cmd, pipe, err := commandTemplate(InitCommand, o)
	if err != nil {
		return nil, err
	}
	defer pipe.Close()
	pidFd := -1
	cmd.SysProcAttr.Cloneflags = o.Spec.Namespaces.CloneFlags()
	cmd.SysProcAttr.UseCgroupFD = true
	cmd.SysProcAttr.CgroupFD = cgroupFd
	cmd.SysProcAttr.PidFD = &pidFd

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start init into cgroup: %w", err)
	}
	pipe.CloseChild()
	child := &Child{cmd: cmd, pid: cmd.Process.Pid, pidFd: pidFd}

	if err := release(child, pipe, o); err != nil {
		return nil, err
	}
	return child, nil
}

// release writes id maps while the child is still gated, ships the
// spec, and waits for the child's exec (EOF) or its reported error.
func release(child *Child, pipe pipePair, o *SpawnOptions) error {
	if len(o.UidMaps) > 0 || len(o.GidMaps) > 0 {
		if err := WriteUserMappings(child.pid, o.UidMaps, o.GidMaps); err != nil {
			child.Terminate()
			return fmt.Errorf("write id mappings: %w", err)
		}
	}
	payload, err := json.Marshal(o.Spec)
	if err != nil {
		child.Terminate()
		return err
	}
	if err := pipe.send(payload); err != nil {
		child.Terminate()
		return err
	}
	if err := pipe.errorsFromChild(); err != nil {
		child.Terminate()
		return fmt.Errorf("container init: %w", err)
	}
	return nil
}
