package cgroups

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// touch pre-creates attribute files; cgroup writes never create them.
func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestBatchSequentialFlush(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "cpu.max", "memory.max", "io.max")

	b := NewBatch(dir, nil)
	b.QueueCpuMax(CpuConfig{QuotaUs: 50_000, PeriodUs: 100_000})
	b.QueueMemoryMax(268435456)
	b.QueueIoMax(IoLimit{Major: 8, Minor: 0, Rbps: 1048576})
	if b.Len() != 3 {
		t.Fatalf("queued %d ops, want 3", b.Len())
	}
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}

	content, err := os.ReadFile(filepath.Join(dir, "cpu.max"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "50000 100000" {
		t.Errorf("cpu.max = %q", content)
	}
	content, _ = os.ReadFile(filepath.Join(dir, "memory.max"))
	if string(content) != "268435456" {
		t.Errorf("memory.max = %q", content)
	}
}

func TestBatchAbortsOnFirstError(t *testing.T) {
	dir := t.TempDir()
	// memory.max is missing, so the second write must fail and the
	// third must never happen.
	touch(t, dir, "cpu.max", "io.max")

	b := NewBatch(dir, nil)
	b.QueueCpuMax(CpuConfig{QuotaUs: 50_000, PeriodUs: 100_000})
	b.QueueMemoryMax(1024)
	b.QueueIoMax(IoLimit{Major: 8, Minor: 0})
	err := b.Flush()
	if err == nil {
		t.Fatal("flush succeeded past a missing file")
	}
	if !strings.Contains(err.Error(), "memory.max") {
		t.Errorf("error does not name the failing entry: %v", err)
	}
	content, _ := os.ReadFile(filepath.Join(dir, "io.max"))
	if len(content) != 0 {
		t.Errorf("write after failure was applied: %q", content)
	}
	// Entries before the failure stay applied.
	content, _ = os.ReadFile(filepath.Join(dir, "cpu.max"))
	if string(content) != "50000 100000" {
		t.Errorf("write before failure lost: %q", content)
	}
}

func TestBatchFlushEmptiesQueue(t *testing.T) {
	dir := t.TempDir()
	b := NewBatch(dir, nil)
	b.Queue("cpu.max", "max 100000")
	b.Flush() // fails, file missing
	if b.Len() != 0 {
		t.Errorf("queue kept %d stale entries", b.Len())
	}
	if err := b.Flush(); err != nil {
		t.Errorf("empty flush: %v", err)
	}
}
