package alice

import (
	"context"
	"errors"
	"os"

	"github.com/containerd/errdefs"

	"github.com/ext-sakamoro/ALICE-Container/cgroups"
)

// ErrTimeout is returned when a bounded wait elapses before the kernel
// reaches the requested state (frozen confirmation, cgroup drain). It is
// the cgroup layer's sentinel so the two layers report the same error.
var ErrTimeout = cgroups.ErrTimeout

// IsTimeout reports whether err is a bounded-wait expiry, from this
// package or from the underlying runtime.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}

// IsInvalidState reports whether err rejects a forbidden state
// transition. These surface as invalid-argument errors carrying the
// current state.
func IsInvalidState(err error) bool {
	return errdefs.IsInvalidArgument(err)
}
