//go:build linux

package uring

import "testing"

func TestWriteSqe(t *testing.T) {
	buf := []byte("50000 100000")
	sqe := WriteSqe(5, buf, 42)
	if sqe.Opcode != opWrite {
		t.Errorf("opcode = %d", sqe.Opcode)
	}
	if sqe.Fd != 5 || sqe.Len != uint32(len(buf)) || sqe.UserData != 42 {
		t.Errorf("sqe = %+v", sqe)
	}
	if sqe.Flags&sqeLink != 0 {
		t.Error("unlinked sqe carries the link flag")
	}
	linked := sqe.Linked()
	if linked.Flags&sqeLink == 0 {
		t.Error("Linked did not set the link flag")
	}
}

func TestNextPow2(t *testing.T) {
	cases := map[uint32]uint32{0: 4, 1: 4, 4: 4, 5: 8, 9: 16, 17: 32}
	for in, want := range cases {
		if got := nextPow2(in); got != want {
			t.Errorf("nextPow2(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestRingLifecycle(t *testing.T) {
	r, err := New(4)
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	defer r.Close()
	if r.SpaceLeft() == 0 {
		t.Error("fresh ring reports no space")
	}
	// A no-op submit with nothing queued is a clean zero.
	n, err := r.Submit(0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("submitted %d from an empty queue", n)
	}
}
