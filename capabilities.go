//go:build linux

package alice

import (
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ext-sakamoro/ALICE-Container/psi"
	"github.com/ext-sakamoro/ALICE-Container/uring"
)

// Capabilities is the bitset of optional kernel features negotiated at
// Container construction. Absent capabilities select the generic
// fallback paths; nothing is emulated beyond that.
type Capabilities uint32

const (
	// CapDirectSpawn: clone3 with CLONE_INTO_CGROUP (Linux 5.7+), the
	// race-free spawn path.
	CapDirectSpawn Capabilities = 1 << iota

	// CapBatchedWrites: io_uring submission ring (Linux 5.6+) for
	// batched cgroup writes.
	CapBatchedWrites

	// CapPsiTriggers: PSI event triggers (Linux 5.2+) for the
	// event-driven scheduler.
	CapPsiTriggers
)

// Has reports whether every capability in mask was negotiated.
func (c Capabilities) Has(mask Capabilities) bool {
	return c&mask == mask
}

func (c Capabilities) String() string {
	var parts []string
	if c.Has(CapDirectSpawn) {
		parts = append(parts, "direct-spawn")
	}
	if c.Has(CapBatchedWrites) {
		parts = append(parts, "batched-writes")
	}
	if c.Has(CapPsiTriggers) {
		parts = append(parts, "psi-triggers")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// ProbeCapabilities interrogates the kernel once per container
// construction.
func ProbeCapabilities() Capabilities {
	var caps Capabilities
	if clone3Available() {
		caps |= CapDirectSpawn
	}
	if uring.Supported() {
		caps |= CapBatchedWrites
	}
	if psi.TriggersSupported() {
		caps |= CapPsiTriggers
	}
	return caps
}

// clone3Available probes the syscall with a zero-sized argument block:
// a kernel that has clone3 answers EINVAL, one that does not answers
// ENOSYS.
func clone3Available() bool {
	_, _, errno := unix.Syscall(unix.SYS_CLONE3, 0, 0, 0)
	return errno != unix.ENOSYS
}
