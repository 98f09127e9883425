//go:build linux

// Package uring implements the minimal io_uring surface the cgroup
// controller needs: queue a chain of write submissions and collect their
// completions with a single enter syscall.
package uring

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ring mmap offsets, from the io_uring ABI.
const (
	offSqRing = 0
	offCqRing = 0x8000000
	offSqes   = 0x10000000
)

// Opcodes and flags used here.
const (
	opWrite        = 23
	sqeLink        = 1 << 2 // IOSQE_IO_LINK
	enterGetevents = 1 << 0 // IORING_ENTER_GETEVENTS
)

// params mirrors struct io_uring_params.
type params struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        sqRingOffsets
	cqOff        cqRingOffsets
}

type sqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type cqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

// Sqe mirrors struct io_uring_sqe (64 bytes).
type Sqe struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	Addr3       uint64
	_pad        [1]uint64
}

// Cqe mirrors struct io_uring_cqe.
type Cqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// Ring is one io_uring instance. It is not safe for concurrent use; the
// cgroup batch writer serializes access behind the container handle.
type Ring struct {
	fd      int
	entries uint32

	sqRing []byte
	cqRing []byte
	sqes   []byte

	sqHead  *uint32
	sqTail  *uint32
	sqMask  uint32
	sqArray *uint32

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   *Cqe
}

// New sets up a ring with the given number of submission entries.
func New(entries uint32) (*Ring, error) {
	var p params
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP,
		uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}
	r := &Ring{fd: int(fd), entries: p.sqEntries}

	sqSz := int(p.sqOff.array) + int(p.sqEntries)*4
	cqSz := int(p.cqOff.cqes) + int(p.cqEntries)*int(unsafe.Sizeof(Cqe{}))
	sqesSz := int(p.sqEntries) * int(unsafe.Sizeof(Sqe{}))

	var err error
	if r.sqRing, err = unix.Mmap(r.fd, offSqRing, sqSz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE); err != nil {
		r.Close()
		return nil, fmt.Errorf("mmap sq ring: %w", err)
	}
	if r.cqRing, err = unix.Mmap(r.fd, offCqRing, cqSz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE); err != nil {
		r.Close()
		return nil, fmt.Errorf("mmap cq ring: %w", err)
	}
	if r.sqes, err = unix.Mmap(r.fd, offSqes, sqesSz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE); err != nil {
		r.Close()
		return nil, fmt.Errorf("mmap sqes: %w", err)
	}

	r.sqHead = (*uint32)(unsafe.Pointer(&r.sqRing[p.sqOff.head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&r.sqRing[p.sqOff.tail]))
	r.sqMask = *(*uint32)(unsafe.Pointer(&r.sqRing[p.sqOff.ringMask]))
	r.sqArray = (*uint32)(unsafe.Pointer(&r.sqRing[p.sqOff.array]))
	r.cqHead = (*uint32)(unsafe.Pointer(&r.cqRing[p.cqOff.head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&r.cqRing[p.cqOff.tail]))
	r.cqMask = *(*uint32)(unsafe.Pointer(&r.cqRing[p.cqOff.ringMask]))
	r.cqes = (*Cqe)(unsafe.Pointer(&r.cqRing[p.cqOff.cqes]))
	return r, nil
}

// Supported probes whether the kernel offers io_uring by setting up and
// immediately tearing down a small ring.
func Supported() bool {
	r, err := New(4)
	if err != nil {
		return false
	}
	r.Close()
	return true
}

// SpaceLeft reports free submission slots.
func (r *Ring) SpaceLeft() uint32 {
	head := atomic.LoadUint32(r.sqHead)
	tail := atomic.LoadUint32(r.sqTail)
	return r.entries - (tail - head)
}

// Queue places one SQE at the tail. The caller must keep any buffers the
// entry points at alive until its completion is reaped.
func (r *Ring) Queue(sqe Sqe) error {
	if r.SpaceLeft() == 0 {
		return fmt.Errorf("submission ring full: %w", unix.EBUSY)
	}
	tail := atomic.LoadUint32(r.sqTail)
	idx := tail & r.sqMask

	sqes := (*Sqe)(unsafe.Pointer(&r.sqes[0]))
	*(*Sqe)(unsafe.Pointer(uintptr(unsafe.Pointer(sqes)) + uintptr(idx)*unsafe.Sizeof(Sqe{}))) = sqe
	*(*uint32)(unsafe.Pointer(uintptr(unsafe.Pointer(r.sqArray)) + uintptr(idx)*4)) = idx

	// Publish the entry before moving the tail.
	atomic.StoreUint32(r.sqTail, tail+1)
	return nil
}

// Submit pushes every queued entry to the kernel in one enter call and
// waits for waitNr completions.
func (r *Ring) Submit(waitNr uint32) (int, error) {
	head := atomic.LoadUint32(r.sqHead)
	tail := atomic.LoadUint32(r.sqTail)
	toSubmit := tail - head
	if toSubmit == 0 && waitNr == 0 {
		return 0, nil
	}
	var flags uintptr
	if waitNr > 0 {
		flags = enterGetevents
	}
	n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER,
		uintptr(r.fd), uintptr(toSubmit), uintptr(waitNr), flags, 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("io_uring_enter: %w", errno)
	}
	return int(n), nil
}

// Completions drains the completion queue.
func (r *Ring) Completions() []Cqe {
	var out []Cqe
	for {
		head := atomic.LoadUint32(r.cqHead)
		tail := atomic.LoadUint32(r.cqTail)
		if head == tail {
			return out
		}
		idx := head & r.cqMask
		cqe := *(*Cqe)(unsafe.Pointer(uintptr(unsafe.Pointer(r.cqes)) + uintptr(idx)*unsafe.Sizeof(Cqe{})))
		out = append(out, cqe)
		atomic.StoreUint32(r.cqHead, head+1)
	}
}

// Close unmaps the rings and closes the fd.
func (r *Ring) Close() error {
	if r.sqes != nil {
		unix.Munmap(r.sqes)
		r.sqes = nil
	}
	if r.cqRing != nil {
		unix.Munmap(r.cqRing)
		r.cqRing = nil
	}
	if r.sqRing != nil {
		unix.Munmap(r.sqRing)
		r.sqRing = nil
	}
	if r.fd > 0 {
		err := unix.Close(r.fd)
		r.fd = -1
		return err
	}
	return nil
}

// WriteSqe builds a write submission for an already-open fd.
func WriteSqe(fd int, buf []byte, userData uint64) Sqe {
	return Sqe{
		Opcode:   opWrite,
		Fd:       int32(fd),
		Addr:     uint64(uintptr(unsafe.Pointer(&buf[0]))),
		Len:      uint32(len(buf)),
		UserData: userData,
	}
}

// Linked marks the entry as chained to its successor: if it fails, the
// kernel cancels the rest of the chain.
func (s Sqe) Linked() Sqe {
	s.Flags |= sqeLink
	return s
}
