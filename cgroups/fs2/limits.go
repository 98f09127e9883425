package fs2

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/containerd/errdefs"

	"github.com/ext-sakamoro/ALICE-Container/cgroups"
)

// Set applies the full resource bundle in one batch: one submission
// burst through the ring when a flusher was negotiated, sequential
// single-file writes otherwise. Either way each attribute is a single
// write(2) and a failed entry aborts the remainder.
func (m *Manager) Set(r cgroups.Resources) error {
	if err := r.Cpu.Validate(); err != nil {
		return err
	}
	b := cgroups.NewBatch(m.dir, m.flusher)
	b.QueueCpuMax(r.Cpu)
	b.QueueMemoryMax(r.Memory)
	for _, l := range r.Io {
		b.QueueIoMax(l)
	}
	if err := b.Flush(); err != nil {
		return m.mapWriteErr(err)
	}
	if r.Cpu.Weight != 0 {
		if err := m.setWeight(r.Cpu.Weight); err != nil {
			return err
		}
	}
	return nil
}

// SetCpuMax writes "<quota> <period>" to cpu.max, with the literal
// "max" for an unlimited quota.
func (m *Manager) SetCpuMax(quotaUs, periodUs uint64) error {
	c := cgroups.CpuConfig{QuotaUs: quotaUs, PeriodUs: periodUs}
	if err := c.Validate(); err != nil {
		return err
	}
	if err := cgroups.WriteFile(m.dir, "cpu.max", c.CpuMaxLine()); err != nil {
		return m.mapWriteErr(err)
	}
	return nil
}

// setWeight writes cpu.weight when the file exists.
func (m *Manager) setWeight(weight uint16) error {
	if _, err := os.Stat(filepath.Join(m.dir, "cpu.weight")); err != nil {
		return nil
	}
	if err := cgroups.WriteFile(m.dir, "cpu.weight", strconv.Itoa(int(weight))); err != nil {
		return m.mapWriteErr(err)
	}
	return nil
}

// SetMemoryMax writes memory.max, and memory.high at 90% of the cap
// when the file exists so reclaim starts before the OOM killer does.
func (m *Manager) SetMemoryMax(bytes uint64) error {
	if err := cgroups.WriteFile(m.dir, "memory.max", cgroups.MemoryMaxLine(bytes)); err != nil {
		return m.mapWriteErr(err)
	}
	if bytes == cgroups.Unlimited {
		return nil
	}
	if _, err := os.Stat(filepath.Join(m.dir, "memory.high")); err == nil {
		high := bytes / 10 * 9
		if err := cgroups.WriteFile(m.dir, "memory.high", cgroups.MemoryMaxLine(high)); err != nil {
			return m.mapWriteErr(err)
		}
	}
	return nil
}

// SetIoMax writes one device line to io.max.
func (m *Manager) SetIoMax(l cgroups.IoLimit) error {
	if err := cgroups.WriteFile(m.dir, "io.max", l.IoMaxLine()); err != nil {
		return m.mapWriteErr(err)
	}
	return nil
}

// mapWriteErr folds pseudo-filesystem errors into the runtime taxonomy.
func (m *Manager) mapWriteErr(err error) error {
	switch {
	case os.IsNotExist(err):
		return fmt.Errorf("cgroup %s: %w", m.dir, errdefs.ErrNotFound)
	case os.IsPermission(err):
		return fmt.Errorf("cgroup %s: %w", m.dir, errdefs.ErrPermissionDenied)
	}
	return err
}
