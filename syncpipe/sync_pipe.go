// Package syncpipe synchronizes a supervisor with its init child over a
// socketpair: the child blocks reading its spec until the parent has
// finished cgroup placement and id-map writes, and the child's setup
// errors travel back over the same descriptor.
package syncpipe

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// SyncPipe allows communication to and from the child process to its
// parent and allows the two independent processes to synchronize their
// state.
type SyncPipe struct {
	parent, child *os.File
}

// New creates a connected pair. The parent end stays in the supervisor;
// the child end is passed through ExtraFiles.
func New() (*SyncPipe, error) {
	fds, err := unix.Socketpair(unix.AF_LOCAL, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &SyncPipe{
		parent: os.NewFile(uintptr(fds[1]), "parentPipe"),
		child:  os.NewFile(uintptr(fds[0]), "childPipe"),
	}, nil
}

// NewFromFd reattaches to one end of an existing pipe, used by the
// re-executed child.
func NewFromFd(parentFd, childFd uintptr) (*SyncPipe, error) {
	s := &SyncPipe{}
	switch {
	case parentFd > 0:
		s.parent = os.NewFile(parentFd, "parentPipe")
	case childFd > 0:
		s.child = os.NewFile(childFd, "childPipe")
	default:
		return nil, fmt.Errorf("no valid sync pipe fd specified")
	}
	return s, nil
}

func (s *SyncPipe) Child() *os.File { return s.child }

func (s *SyncPipe) Parent() *os.File { return s.parent }

// SendToChild writes the payload and shuts down the write side so the
// child's read completes.
func (s *SyncPipe) SendToChild(data []byte) error {
	if _, err := s.parent.Write(data); err != nil {
		return err
	}
	return unix.Shutdown(int(s.parent.Fd()), unix.SHUT_WR)
}

// ErrorsFromChild blocks until the child execs (EOF) or reports an
// error as its final act.
func (s *SyncPipe) ErrorsFromChild() error {
	data, err := io.ReadAll(s.parent)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		return fmt.Errorf("%s", data)
	}
	return nil
}

// ReadFromParent blocks until the parent has sent the full payload.
func (s *SyncPipe) ReadFromParent() ([]byte, error) {
	data, err := io.ReadAll(s.child)
	if err != nil {
		return nil, fmt.Errorf("error reading from sync pipe %s", err)
	}
	return data, nil
}

// ReportChildError sends err to the parent and closes the child end.
func (s *SyncPipe) ReportChildError(err error) {
	s.child.Write([]byte(err.Error()))
	s.CloseChild()
}

func (s *SyncPipe) Close() error {
	if s.parent != nil {
		s.parent.Close()
	}
	if s.child != nil {
		s.child.Close()
	}
	return nil
}

func (s *SyncPipe) CloseChild() {
	if s.child != nil {
		s.child.Close()
		s.child = nil
	}
}
