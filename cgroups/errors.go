package cgroups

import "errors"

// ErrTimeout is returned when a bounded wait on a cgroup state file
// (cgroup.events after freeze, populated drain during destroy) elapses
// before the kernel reaches the requested state.
var ErrTimeout = errors.New("cgroup state wait timed out")
