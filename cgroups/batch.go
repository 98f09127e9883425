package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
)

// A WriteOp is one queued attribute write: a file name relative to the
// cgroup directory and its full payload. Each op is a single write(2)
// on the wire regardless of how the batch is flushed.
type WriteOp struct {
	File    string
	Payload string
}

// A Flusher drains a queue of writes against one cgroup directory in
// enqueue order. Partial failure reports the first erring entry and
// aborts the remainder; entries before the failure stay applied.
type Flusher interface {
	Flush(dir string, ops []WriteOp) error
}

// Batch queues attribute writes for a single flush. The zero value uses
// sequential writes; a batch-capable flusher (the submission ring) can
// be installed when the capability was negotiated.
type Batch struct {
	dir     string
	ops     []WriteOp
	flusher Flusher
}

// NewBatch returns a batch for the cgroup directory. flusher may be nil,
// selecting the sequential path.
func NewBatch(dir string, flusher Flusher) *Batch {
	return &Batch{dir: dir, flusher: flusher}
}

// Queue appends one write. Order is preserved across Flush.
func (b *Batch) Queue(file, payload string) {
	b.ops = append(b.ops, WriteOp{File: file, Payload: payload})
}

// QueueCpuMax queues the cpu.max line.
func (b *Batch) QueueCpuMax(c CpuConfig) {
	b.Queue("cpu.max", c.CpuMaxLine())
}

// QueueMemoryMax queues the memory.max line.
func (b *Batch) QueueMemoryMax(bytes uint64) {
	b.Queue("memory.max", MemoryMaxLine(bytes))
}

// QueueIoMax queues one io.max device line.
func (b *Batch) QueueIoMax(l IoLimit) {
	b.Queue("io.max", l.IoMaxLine())
}

// Len reports the number of queued writes.
func (b *Batch) Len() int { return len(b.ops) }

// Flush drains the queue. The queue is emptied even on error so a batch
// is never re-submitted with stale entries.
func (b *Batch) Flush() error {
	ops := b.ops
	b.ops = nil
	if len(ops) == 0 {
		return nil
	}
	if b.flusher != nil {
		return b.flusher.Flush(b.dir, ops)
	}
	return SequentialFlush(b.dir, ops)
}

// SequentialFlush is the fallback path: one open/write/close per entry,
// with external semantics identical to the ring.
func SequentialFlush(dir string, ops []WriteOp) error {
	for i, op := range ops {
		if err := WriteFile(dir, op.File, op.Payload); err != nil {
			return fmt.Errorf("batched write %d (%s): %w", i, op.File, err)
		}
	}
	return nil
}

// WriteFile writes one attribute with a single write(2). A failed write
// leaves the attribute at its prior kernel-visible value.
func WriteFile(dir, file, payload string) error {
	f, err := os.OpenFile(filepath.Join(dir, file), os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(payload); err != nil {
		return fmt.Errorf("write %s to %q: %w", payload, filepath.Join(dir, file), err)
	}
	return nil
}

// ReadFile slurps one attribute file.
func ReadFile(dir, file string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
