package fs2

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"

	"github.com/ext-sakamoro/ALICE-Container/cgroups"
)

// Stat parses cpu.stat. Unknown keys are ignored so newer kernels do
// not break older supervisors.
func (m *Manager) Stat() (cgroups.CpuStats, error) {
	content, err := cgroups.ReadFile(m.dir, "cpu.stat")
	if err != nil {
		if os.IsNotExist(err) {
			return cgroups.CpuStats{}, fmt.Errorf("cgroup %s: %w", m.dir, errdefs.ErrNotFound)
		}
		return cgroups.CpuStats{}, err
	}
	return cgroups.ParseCpuStat(content), nil
}

// CpuUsage returns the usage_usec counter.
func (m *Manager) CpuUsage() (uint64, error) {
	s, err := m.Stat()
	if err != nil {
		return 0, err
	}
	return s.UsageUsec, nil
}

// MemoryCurrent reads the memory.current counter.
func (m *Manager) MemoryCurrent() (uint64, error) {
	content, err := cgroups.ReadFile(m.dir, "memory.current")
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("cgroup %s: %w", m.dir, errdefs.ErrNotFound)
		}
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(content), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memory.current %q: %w", strings.TrimSpace(content), errdefs.ErrInvalidArgument)
	}
	return v, nil
}

// MemoryEventCount reads one counter out of memory.events.
func (m *Manager) MemoryEventCount(key string) (uint64, error) {
	content, err := cgroups.ReadFile(m.dir, "memory.events")
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("cgroup %s: %w", m.dir, errdefs.ErrNotFound)
		}
		return 0, err
	}
	return cgroups.ParseMemoryEvents(content, key), nil
}
