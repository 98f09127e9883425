package alice

import (
	"github.com/ext-sakamoro/ALICE-Container/cgroups"
)

// A Container value controls one isolated process tree: a cgroup, a
// root filesystem, zero or one init process, and zero or one CPU
// scheduler.
//
// Containers are created through the Factory interface. A Container is
// a handle with exclusive-write semantics: no method is safe to call
// concurrently from two goroutines, with the exception of Exec, which
// may run concurrently with itself while the container is Running.
// Distinct containers are fully independent.
type Container interface {
	// ID returns the container's stable name.
	ID() string

	// Status returns the current state in the lifecycle graph.
	Status() Status

	// Config returns a copy of the immutable creation config.
	Config() Config

	// Capabilities reports the kernel features negotiated at
	// construction.
	Capabilities() Capabilities

	// Start spawns the init child and attaches the scheduler.
	// Allowed only from Created.
	//
	// Any failure past the first side-effecting syscall triggers a
	// reverse-order cleanup and leaves the container Destroyed.
	Start() error

	// Exec runs an additional process in the container's namespaces
	// and cgroup and returns its exit status. Allowed only from
	// Running. A non-zero exit status is not an error.
	Exec(p *Process) (int, error)

	// Pause freezes every process in the cgroup; Resume thaws them.
	Pause() error
	Resume() error

	// Stop terminates the init child: SIGTERM, a grace period of
	// graceMs milliseconds, then SIGKILL. Stopping a stopped
	// container is a no-op.
	Stop(graceMs uint32) error

	// Destroy tears down the scheduler, rootfs mounts, and cgroup.
	// Allowed from Created and Stopped; refused while Running or
	// Paused. Destroying a destroyed container is a no-op.
	Destroy() error

	// Processes lists the pids accounted to the container's cgroup,
	// in the supervisor's pid namespace.
	Processes() ([]int, error)

	// Stats returns current cgroup telemetry.
	Stats() (*Stats, error)

	// MemoryUsage and CpuUsage read single counters.
	MemoryUsage() (uint64, error)
	CpuUsage() (uint64, error)

	// UpdateCpu and UpdateMemory apply new limits to the live cgroup.
	UpdateCpu(c cgroups.CpuConfig) error
	UpdateMemory(bytes uint64) error

	// State snapshots the container for the persistence hook.
	State() (*State, error)
}

// Stats is the point-in-time cgroup telemetry for a container.
type Stats struct {
	Cpu           cgroups.CpuStats `json:"cpu"`
	MemoryCurrent uint64           `json:"memory_current"`
}
