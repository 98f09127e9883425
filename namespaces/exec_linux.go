//go:build linux

package namespaces

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/moby/sys/reexec"

	"github.com/ext-sakamoro/ALICE-Container/syncpipe"
)

// pipePair narrows syncpipe to what the spawners use on the parent side.
type pipePair struct {
	*syncpipe.SyncPipe
}

func (p pipePair) send(data []byte) error { return p.SendToChild(data) }
func (p pipePair) errorsFromChild() error { return p.ErrorsFromChild() }

// commandTemplate builds the re-exec command with the sync pipe wired
// as the child's first extra descriptor and the caller's stdio passed
// through. The child dies with the supervisor.
func commandTemplate(entry string, o *SpawnOptions) (*exec.Cmd, pipePair, error) {
	pipe, err := syncpipe.New()
	if err != nil {
		return nil, pipePair{}, err
	}
	cmd := reexec.Command(entry)
	cmd.Stdin = o.Stdin
	cmd.Stdout = o.Stdout
	cmd.Stderr = o.Stderr
	cmd.ExtraFiles = []*os.File{pipe.Child()}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
	}
	return cmd, pipePair{pipe}, nil
}

// nsProcFiles orders the /proc/<pid>/ns entries joined by a setns
// child. The mount namespace is listed even though the child joins it
// last; user must come first so the join grants the capabilities the
// rest need.
var nsProcFiles = []struct {
	kind Set
	name string
}{
	{USER, "user"},
	{IPC, "ipc"},
	{UTS, "uts"},
	{NET, "net"},
	{PID, "pid"},
	{CGROUP, "cgroup"},
	{TIME, "time"},
	{MOUNT, "mnt"},
}

// ExecOptions describe an additional process started inside a running
// container's namespaces and cgroup.
type ExecOptions struct {
	InitPid    int
	Namespaces Set
	Args       []string
	Env        []string
	// Cwd inside the container; empty resets to "/".
	Cwd string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Place writes the new pid into the container's cgroup before the
	// child is released.
	Place func(pid int) error
}

// SpawnSetns starts a child that joins the namespaces of the running
// init process, is placed into the same cgroup while gated, and execs.
func SpawnSetns(o *ExecOptions) (*Child, error) {
	pipe, err := syncpipe.New()
	if err != nil {
		return nil, err
	}
	defer pipe.Close()

	spec := setnsSpec{Args: o.Args, Env: o.Env, Cwd: o.Cwd}
	extra := []*os.File{pipe.Child()}
	for _, nf := range nsProcFiles {
		if !o.Namespaces.Contains(nf.kind) {
			continue
		}
		f, err := os.Open(fmt.Sprintf("/proc/%d/ns/%s", o.InitPid, nf.name))
		if err != nil {
			for _, open := range extra[1:] {
				open.Close()
			}
			return nil, fmt.Errorf("open namespace %s of %d: %w", nf.name, o.InitPid, err)
		}
		extra = append(extra, f)
		spec.NsKinds = append(spec.NsKinds, nf.name)
	}
	defer func() {
		for _, f := range extra[1:] {
			f.Close()
		}
	}()

	cmd := reexec.Command(SetnsCommand)
	cmd.Stdin = o.Stdin
	cmd.Stdout = o.Stdout
	cmd.Stderr = o.Stderr
	cmd.ExtraFiles = extra
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start setns child: %w", err)
	}
	pipe.CloseChild()
	child := &Child{cmd: cmd, pid: cmd.Process.Pid, pidFd: -1}

	if o.Place != nil {
		if err := o.Place(child.pid); err != nil {
			child.Terminate()
			return nil, err
		}
	}
	payload, err := json.Marshal(&spec)
	if err != nil {
		child.Terminate()
		return nil, err
	}
	if err := pipe.SendToChild(payload); err != nil {
		child.Terminate()
		return nil, err
	}
	if err := pipe.ErrorsFromChild(); err != nil {
		child.Terminate()
		return nil, fmt.Errorf("setns child: %w", err)
	}
	return child, nil
}

// asExitError unwraps err to an *exec.ExitError if one is present.
func asExitError(err error, target **exec.ExitError) bool {
	return errors.As(err, target)
}
