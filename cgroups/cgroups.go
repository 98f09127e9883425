package cgroups

import (
	"fmt"
	"math"
	"os"

	"github.com/containerd/errdefs"
)

// DefaultRoot is the unified hierarchy mount point. It can be overridden
// per Manager through the ALICE_CGROUP_ROOT environment variable, which
// the factory resolves and passes down explicitly.
const DefaultRoot = "/sys/fs/cgroup"

// RootEnvVar names the environment override for the hierarchy root.
const RootEnvVar = "ALICE_CGROUP_ROOT"

// DefaultPeriodUs is the cpu.max period used when none is given (100ms).
const DefaultPeriodUs = 100_000

// Period bounds enforced by this package, matching the kernel's.
const (
	MinPeriodUs = 1_000
	MaxPeriodUs = 1_000_000
)

// Unlimited is written as the literal "max" on the wire.
const Unlimited = math.MaxUint64

// Root resolves the hierarchy root from the environment.
func Root() string {
	if v := os.Getenv(RootEnvVar); v != "" {
		return v
	}
	return DefaultRoot
}

// A Manager owns exactly one cgroup directory under the unified
// hierarchy and provides a typed, fallible interface over its files.
type Manager interface {
	// Path returns the absolute cgroup directory path.
	Path() string

	// Apply writes pid into cgroup.procs.
	Apply(pid int) error

	// Set applies the full resource bundle, batching writes when the
	// manager was built with a batch flusher.
	Set(r Resources) error

	// SetCpuMax writes "<quota> <period>" (or "max <period>") to cpu.max.
	SetCpuMax(quotaUs, periodUs uint64) error

	// SetMemoryMax writes memory.max.
	SetMemoryMax(bytes uint64) error

	// SetIoMax writes one device line to io.max.
	SetIoMax(l IoLimit) error

	// Freeze writes 1 to cgroup.freeze and waits for "frozen 1" in
	// cgroup.events. Thaw is the inverse. Both are idempotent.
	Freeze() error
	Thaw() error

	// GetPids lists the member processes.
	GetPids() ([]int, error)

	// Stat parses cpu.stat; MemoryCurrent and CpuUsage read single
	// counters. Unknown keys are ignored.
	Stat() (CpuStats, error)
	CpuUsage() (uint64, error)
	MemoryCurrent() (uint64, error)

	// Events parses cgroup.events.
	Events() (Events, error)

	// Kill terminates every member, via cgroup.kill when the kernel has
	// it and SIGKILL per pid otherwise.
	Kill() error

	// Destroy drains the cgroup and removes the directory. Calling it
	// on an already-removed cgroup returns nil.
	Destroy() error

	// Exists reports whether the directory is still materialized.
	Exists() bool
}

// CpuConfig is the cpu controller tuple.
type CpuConfig struct {
	// QuotaUs per period; Unlimited writes the literal "max".
	QuotaUs uint64 `json:"quota_us"`
	// PeriodUs in [MinPeriodUs, MaxPeriodUs].
	PeriodUs uint64 `json:"period_us"`
	// Weight in 1..=10000; 0 leaves cpu.weight untouched.
	Weight uint16 `json:"weight,omitempty"`
}

// UnlimitedCpu returns the no-limit tuple at the default period.
func UnlimitedCpu() CpuConfig {
	return CpuConfig{QuotaUs: Unlimited, PeriodUs: DefaultPeriodUs}
}

// CpuFromPercent builds a quota for a percentage of one CPU over the
// default period.
func CpuFromPercent(percent uint32) CpuConfig {
	return CpuConfig{
		QuotaUs:  QuotaFromPercent(percent, DefaultPeriodUs),
		PeriodUs: DefaultPeriodUs,
	}
}

// QuotaFromPercent converts a CPU percentage to a quota in microseconds.
func QuotaFromPercent(percent uint32, periodUs uint64) uint64 {
	return periodUs * uint64(percent) / 100
}

// PercentFromQuota converts a quota back to a CPU percentage.
func PercentFromQuota(quotaUs, periodUs uint64) uint32 {
	if periodUs == 0 {
		return 0
	}
	return uint32(quotaUs * 100 / periodUs)
}

// Validate enforces the documented quota and period constraints.
func (c CpuConfig) Validate() error {
	if c.QuotaUs == 0 {
		return fmt.Errorf("cpu quota of zero: %w", errdefs.ErrInvalidArgument)
	}
	if c.PeriodUs < MinPeriodUs || c.PeriodUs > MaxPeriodUs {
		return fmt.Errorf("cpu period %d outside [%d, %d]: %w",
			c.PeriodUs, MinPeriodUs, MaxPeriodUs, errdefs.ErrInvalidArgument)
	}
	if c.QuotaUs != Unlimited && c.QuotaUs > c.PeriodUs<<20 {
		return fmt.Errorf("cpu quota %d exceeds period*2^20: %w", c.QuotaUs, errdefs.ErrInvalidArgument)
	}
	return nil
}

// CpuMaxLine renders the single-write cpu.max payload.
func (c CpuConfig) CpuMaxLine() string {
	if c.QuotaUs == Unlimited {
		return fmt.Sprintf("max %d", c.PeriodUs)
	}
	return fmt.Sprintf("%d %d", c.QuotaUs, c.PeriodUs)
}

// IoLimit is one device line for io.max.
type IoLimit struct {
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
	Rbps  uint64 `json:"rbps,omitempty"`
	Wbps  uint64 `json:"wbps,omitempty"`
	Riops uint64 `json:"riops,omitempty"`
	Wiops uint64 `json:"wiops,omitempty"`
}

// IoMaxLine renders the io.max payload for the device. Zero and
// Unlimited both render the literal "max".
func (l IoLimit) IoMaxLine() string {
	f := func(v uint64) string {
		if v == 0 || v == Unlimited {
			return "max"
		}
		return fmt.Sprintf("%d", v)
	}
	return fmt.Sprintf("%d:%d rbps=%s wbps=%s riops=%s wiops=%s",
		l.Major, l.Minor, f(l.Rbps), f(l.Wbps), f(l.Riops), f(l.Wiops))
}

// MemoryMaxLine renders the memory.max payload.
func MemoryMaxLine(bytes uint64) string {
	if bytes == Unlimited {
		return "max"
	}
	return fmt.Sprintf("%d", bytes)
}

// Resources bundles every limit the runtime applies to a cgroup.
type Resources struct {
	Cpu    CpuConfig `json:"cpu"`
	Memory uint64    `json:"memory"`
	Io     []IoLimit `json:"io,omitempty"`
}
