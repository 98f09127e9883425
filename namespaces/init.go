//go:build linux

package namespaces

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/moby/sys/reexec"
	"golang.org/x/sys/unix"

	"github.com/ext-sakamoro/ALICE-Container/mount"
	"github.com/ext-sakamoro/ALICE-Container/syncpipe"
)

// Reexec entry points. Importing this package registers both; the main
// package must call reexec.Init() first thing.
const (
	InitCommand  = "alice-init"
	SetnsCommand = "alice-setns"
)

// The child end of the sync pipe is always ExtraFiles[0].
const childPipeFd = 3

func init() {
	reexec.Register(InitCommand, initMain)
	reexec.Register(SetnsCommand, setnsMain)
}

// InitSpec is everything the init child needs to finish constructing
// the container from inside its new namespaces. It travels over the
// sync pipe as JSON, after the parent has completed cgroup placement
// and id-map writes.
type InitSpec struct {
	// Namespaces the child was cloned into.
	Namespaces Set `json:"namespaces"`

	// Hostname set inside the UTS namespace.
	Hostname string `json:"hostname,omitempty"`

	// Mounts drives rootfs construction and the pivot.
	Mounts mount.Config `json:"mounts"`

	// Args, Env, and Cwd for the exec.
	Args []string `json:"args"`
	Env  []string `json:"env,omitempty"`
	Cwd  string   `json:"cwd,omitempty"`

	// MapRoot indicates the parent wrote id maps; the child assumes
	// mapped root before touching the filesystem.
	MapRoot bool `json:"map_root,omitempty"`
}

// initMain is the first thing that runs inside the new namespaces. Any
// failure is reported to the parent over the pipe as the child's last
// act.
func initMain() {
	runtime.LockOSThread()

	pipe, err := syncpipe.NewFromFd(0, childPipeFd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	if err := containerInit(pipe); err != nil {
		pipe.ReportChildError(err)
		os.Exit(1)
	}
	// Reached only if exec failed to replace the image without error,
	// which the kernel does not do.
	os.Exit(2)
}

// containerInit blocks on the parent's gate, then performs the ordered
// setup sequence: identity, hostname, mounts, pivot, exec.
func containerInit(pipe *syncpipe.SyncPipe) error {
	data, err := pipe.ReadFromParent()
	if err != nil {
		return err
	}
	var spec InitSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("decode init spec: %w", err)
	}

	// Detach from the supervisor's session.
	unix.Setsid()

	if spec.MapRoot {
		// The parent's id maps are in place; assume mapped root so the
		// mounts below are permitted by the user namespace.
		if err := unix.Setgid(0); err != nil {
			return fmt.Errorf("setgid 0: %w", err)
		}
		if err := unix.Setuid(0); err != nil {
			return fmt.Errorf("setuid 0: %w", err)
		}
	}

	if spec.Hostname != "" && spec.Namespaces.Contains(UTS) {
		if err := SetHostname(spec.Hostname); err != nil {
			return err
		}
	}

	if err := mount.Initialize(&spec.Mounts); err != nil {
		return fmt.Errorf("setup mount namespace %w", err)
	}

	cwd := spec.Cwd
	if cwd == "" {
		cwd = "/"
	}
	if err := unix.Chdir(cwd); err != nil {
		return fmt.Errorf("chdir to %s: %w", cwd, err)
	}

	if err := CloseExecFrom(3); err != nil {
		return fmt.Errorf("close open file descriptors %w", err)
	}
	return execv(spec.Args, spec.Env)
}

// setnsMain enters the namespaces of a running init process and execs.
// The parent passes one namespace fd per kind after the sync pipe.
type setnsSpec struct {
	Args []string `json:"args"`
	Env  []string `json:"env,omitempty"`
	Cwd  string   `json:"cwd,omitempty"`
	// NsKinds lists the namespace kind for each fd passed after the
	// pipe, in ExtraFiles order.
	NsKinds []string `json:"ns_kinds"`
}

func setnsMain() {
	runtime.LockOSThread()

	pipe, err := syncpipe.NewFromFd(0, childPipeFd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setns: %v\n", err)
		os.Exit(1)
	}
	if err := setnsInit(pipe); err != nil {
		pipe.ReportChildError(err)
		os.Exit(1)
	}
	os.Exit(2)
}

func setnsInit(pipe *syncpipe.SyncPipe) error {
	data, err := pipe.ReadFromParent()
	if err != nil {
		return err
	}
	var spec setnsSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("decode setns spec: %w", err)
	}
	// Namespace fds follow the pipe fd, in spec order. The mount
	// namespace is joined last so the proc the fds came from stays
	// visible while the others are entered.
	var mountFd = -1
	for i, kind := range spec.NsKinds {
		fd := childPipeFd + 1 + i
		if kind == "mnt" {
			mountFd = fd
			continue
		}
		if err := unix.Setns(fd, 0); err != nil {
			return fmt.Errorf("setns %s: %w", kind, err)
		}
	}
	if mountFd >= 0 {
		if err := unix.Setns(mountFd, unix.CLONE_NEWNS); err != nil {
			return fmt.Errorf("setns mnt: %w", err)
		}
	}
	cwd := spec.Cwd
	if cwd == "" {
		cwd = "/"
	}
	if err := unix.Chdir(cwd); err != nil {
		return fmt.Errorf("chdir to %s: %w", cwd, err)
	}
	if err := CloseExecFrom(3); err != nil {
		return err
	}
	return execv(spec.Args, spec.Env)
}
