//go:build linux

package alice

import (
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
)

// pidHandle adopts a process by pid alone. Load uses it for containers
// whose init child was spawned by another supervisor: it can signal and
// observe liveness, but cannot reap, so Wait degrades to polling for
// disappearance.
type pidHandle int

func (p pidHandle) Pid() int { return int(p) }

func (p pidHandle) Signal(sig syscall.Signal) error {
	if err := unix.Kill(int(p), sig); err != nil {
		if err == unix.ESRCH {
			return fmt.Errorf("process %d: %w", int(p), errdefs.ErrNotFound)
		}
		return err
	}
	return nil
}

func (p pidHandle) Wait() (int, error) {
	for {
		if err := unix.Kill(int(p), 0); err == unix.ESRCH {
			// The real exit status went to the original parent.
			return 0, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (p pidHandle) Terminate() {
	unix.Kill(int(p), unix.SIGKILL)
}
