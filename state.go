package alice

import (
	"github.com/ext-sakamoro/ALICE-Container/cgroups"
)

// Status of the container.
type Status int

const (
	// The container has been created but no processes are running.
	Created Status = iota

	// The container's init process is alive.
	Running

	// The container exists, but all its processes are frozen.
	Paused

	// The container's processes have been terminated; resources remain.
	Stopped

	// The container's cgroup, rootfs mounts, and state are gone.
	Destroyed
)

func (s Status) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	case Destroyed:
		return "destroyed"
	}
	return "unknown"
}

// The name of the runtime state file written into the container root.
const stateFilename = "state.json"

// State is the runtime state persisted for a container. Together with
// the kernel-side resources it is sufficient to reconstruct a Container
// value in another process.
type State struct {
	// ID is the container's name.
	ID string `json:"id"`

	// InitPid is the init process id in the parent pid namespace.
	InitPid int `json:"init_pid,omitempty"`

	// Status at the time the state was written.
	Status Status `json:"status"`

	// Config the container was created with.
	Config Config `json:"config"`

	// CgroupPath is the container's directory under the unified hierarchy.
	CgroupPath string `json:"cgroup_path"`

	// Limits last applied to the cgroup.
	Limits cgroups.Resources `json:"limits"`
}

// Snapshot is the unit handed to the persistence hook: everything needed
// to re-admit a container after a supervisor restart.
type Snapshot = State
