package alice

import (
	"fmt"
	"regexp"

	"github.com/containerd/errdefs"

	"github.com/ext-sakamoro/ALICE-Container/cgroups"
	"github.com/ext-sakamoro/ALICE-Container/namespaces"
)

// Container names are stable slugs; they become cgroup directory names
// and rootfs directory names, so the charset is deliberately narrow.
var idRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Config is the immutable bundle describing how a container is isolated
// and limited. It is fixed at Create time; live limit updates go through
// the Container's Update methods and do not mutate the original Config.
type Config struct {
	// Rootfs is the absolute path to the container's root filesystem.
	Rootfs string `json:"rootfs"`

	// Args is the init command run at Start, with its arguments.
	Args []string `json:"args"`

	// Env entries for the init process, KEY=VALUE form.
	Env []string `json:"env,omitempty"`

	// Hostname set inside the UTS namespace and written to /etc/hostname.
	Hostname string `json:"hostname,omitempty"`

	// CpuPercent caps the container at a percentage of one CPU over the
	// default period. 0 means unlimited. Valid range 1..=100.
	CpuPercent uint32 `json:"cpu_percent,omitempty"`

	// MemoryMax caps memory in bytes. 0 means unlimited.
	MemoryMax uint64 `json:"memory_max,omitempty"`

	// Io holds per-device bandwidth limits.
	Io []cgroups.IoLimit `json:"io,omitempty"`

	// Namespaces the init process is created in. Zero value means the
	// default container set {MOUNT, PID, UTS, IPC}.
	Namespaces namespaces.Set `json:"namespaces,omitempty"`

	// UidMappings and GidMappings are applied when Namespaces contains
	// USER. Ranges must not overlap on either side.
	UidMappings []namespaces.IdMap `json:"uid_mappings,omitempty"`
	GidMappings []namespaces.IdMap `json:"gid_mappings,omitempty"`

	// BindMounts are host directories made visible inside the rootfs,
	// read-only, before pivoting.
	BindMounts []BindMount `json:"bind_mounts,omitempty"`

	// Nameservers written to /etc/resolv.conf. Empty leaves the file
	// untouched.
	Nameservers []string `json:"nameservers,omitempty"`

	// SecretTargets are rootfs-relative paths resolved through the
	// secret-binding hook at Start and mounted as tmpfs files.
	SecretTargets []string `json:"secret_targets,omitempty"`

	// ReadonlyRootfs remounts the pivoted root read-only.
	ReadonlyRootfs bool `json:"readonly_rootfs,omitempty"`

	// Scheduler, when non-nil, attaches a CPU scheduler at Start.
	Scheduler *SchedulerSpec `json:"scheduler,omitempty"`
}

// BindMount maps a host path onto a path relative to the rootfs.
type BindMount struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// SchedulerSpec selects and tunes the scheduler attached at Start.
type SchedulerSpec struct {
	// Psi selects the event-driven variant when the PSI trigger
	// capability is present; otherwise the polling variant is used.
	Psi bool `json:"psi,omitempty"`

	// TargetLatencyUsec is the throttling budget; range [100, 100000].
	TargetLatencyUsec uint64 `json:"target_latency_usec,omitempty"`

	// MinQuotaPct and MaxQuotaPct bound the adjusted quota as
	// percentages of the period; range [1, 100], min <= max.
	MinQuotaPct uint32 `json:"min_quota_pct,omitempty"`
	MaxQuotaPct uint32 `json:"max_quota_pct,omitempty"`

	// TickIntervalUsec is the polling cadence (polling variant only).
	TickIntervalUsec uint64 `json:"tick_interval_usec,omitempty"`

	// BurstFactor multiplies the quota on observed throttling;
	// range [1.0, 4.0].
	BurstFactor float64 `json:"burst_factor,omitempty"`

	// HysteresisPct is the dead band preventing oscillation; default 5.
	HysteresisPct uint32 `json:"hysteresis_pct,omitempty"`
}

// Validate checks the documented constraints on a Config. It is called
// by Factory.Create before any side effect.
func (c *Config) Validate(id string) error {
	if !idRegexp.MatchString(id) {
		return fmt.Errorf("container id %q: %w", id, errdefs.ErrInvalidArgument)
	}
	if c.Rootfs == "" {
		return fmt.Errorf("rootfs path is required: %w", errdefs.ErrInvalidArgument)
	}
	if len(c.Args) == 0 {
		return fmt.Errorf("init args are required: %w", errdefs.ErrInvalidArgument)
	}
	if len(c.Hostname) > namespaces.HostnameMax {
		return fmt.Errorf("hostname exceeds %d bytes: %w", namespaces.HostnameMax, errdefs.ErrInvalidArgument)
	}
	if c.CpuPercent > 100 {
		return fmt.Errorf("cpu percent %d out of range 1..=100: %w", c.CpuPercent, errdefs.ErrInvalidArgument)
	}
	if err := namespaces.ValidateMappings(c.UidMappings); err != nil {
		return err
	}
	if err := namespaces.ValidateMappings(c.GidMappings); err != nil {
		return err
	}
	if len(c.UidMappings) > 0 && !c.nsSet().Contains(namespaces.USER) {
		return fmt.Errorf("uid mappings require a USER namespace: %w", errdefs.ErrInvalidArgument)
	}
	return nil
}

// nsSet resolves the zero value to the default container set.
func (c *Config) nsSet() namespaces.Set {
	if c.Namespaces == 0 {
		return namespaces.DefaultSet
	}
	return c.Namespaces
}

// resources maps the config's limits onto cgroup attributes.
func (c *Config) resources() cgroups.Resources {
	r := cgroups.Resources{
		Cpu:    cgroups.UnlimitedCpu(),
		Memory: cgroups.Unlimited,
		Io:     c.Io,
	}
	if c.CpuPercent != 0 {
		r.Cpu = cgroups.CpuFromPercent(c.CpuPercent)
	}
	if c.MemoryMax != 0 {
		r.Memory = c.MemoryMax
	}
	return r
}
