//go:build linux

package uring

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/ext-sakamoro/ALICE-Container/cgroups"
)

// Flusher drains cgroup write batches through a submission ring: the
// kernel receives one submission burst instead of one write syscall per
// attribute. Entries are chained, so the first failure cancels every
// later entry, matching the sequential path's abort semantics.
type Flusher struct{}

var _ cgroups.Flusher = Flusher{}

// Flush opens each target file, submits the whole batch as one linked
// chain, and reaps completions. The first erring entry is reported with
// its queue position; earlier entries stay applied.
func (Flusher) Flush(dir string, ops []cgroups.WriteOp) error {
	ring, err := New(nextPow2(uint32(len(ops))))
	if err != nil {
		// Ring creation failing after a positive capability probe is a
		// transient condition (fd pressure, memlock); the sequential
		// path has identical semantics.
		return cgroups.SequentialFlush(dir, ops)
	}
	defer ring.Close()

	files := make([]*os.File, 0, len(ops))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	// Payload buffers must outlive the submission.
	bufs := make([][]byte, len(ops))

	for i, op := range ops {
		f, err := os.OpenFile(filepath.Join(dir, op.File), os.O_WRONLY, 0)
		if err != nil {
			return fmt.Errorf("batched write %d (%s): %w", i, op.File, err)
		}
		files = append(files, f)
		bufs[i] = []byte(op.Payload)
		sqe := WriteSqe(int(f.Fd()), bufs[i], uint64(i))
		if i != len(ops)-1 {
			sqe = sqe.Linked()
		}
		if err := ring.Queue(sqe); err != nil {
			return fmt.Errorf("batched write %d (%s): %w", i, op.File, err)
		}
	}

	if _, err := ring.Submit(uint32(len(ops))); err != nil {
		return err
	}

	cqes := ring.Completions()
	sort.Slice(cqes, func(i, j int) bool { return cqes[i].UserData < cqes[j].UserData })
	for _, cqe := range cqes {
		if cqe.Res < 0 {
			errno := unix.Errno(-cqe.Res)
			if errno == unix.ECANCELED {
				// Canceled by an earlier failure in the chain; the
				// earlier entry is the one reported.
				continue
			}
			op := ops[int(cqe.UserData)]
			return fmt.Errorf("batched write %d (%s): %w", cqe.UserData, op.File, errno)
		}
	}
	return nil
}

func nextPow2(n uint32) uint32 {
	p := uint32(4)
	for p < n {
		p <<= 1
	}
	return p
}
