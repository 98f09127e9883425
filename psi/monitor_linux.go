//go:build linux

package psi

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
)

// wakeToken marks the self-pipe in epoll payloads; trigger indices
// start at zero.
const wakeToken = ^uint64(0)

// Monitor registers PSI triggers and blocks on their notifications via
// epoll. A monitor watches either a cgroup directory or the system-wide
// /proc/pressure files.
type Monitor struct {
	epollFd   int
	cgroupDir string
	triggers  []registered
	wakeR     *os.File
	wakeW     *os.File
	closed    bool
}

type registered struct {
	trigger Trigger
	file    *os.File
}

// Supported reports whether the kernel exposes PSI at all.
func Supported() bool {
	_, err := os.Stat("/proc/pressure/cpu")
	return err == nil
}

// TriggersSupported reports whether PSI triggers can be registered
// (Linux 5.2+), by attempting a wide throwaway trigger.
func TriggersSupported() bool {
	f, err := os.OpenFile("/proc/pressure/cpu", os.O_RDWR, 0)
	if err != nil {
		return false
	}
	defer f.Close()
	_, err = f.WriteString(CpuSome(500_000, 1_000_000).String())
	return err == nil
}

// NewMonitor builds a monitor over the given cgroup directory; an empty
// dir watches the system-wide files.
func NewMonitor(cgroupDir string) (*Monitor, error) {
	if !Supported() {
		return nil, fmt.Errorf("kernel lacks PSI (needs 4.20+): %w", errdefs.ErrNotImplemented)
	}
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	m := &Monitor{epollFd: epollFd, cgroupDir: cgroupDir}

	// Self-pipe so Stop can wake a blocked Wait promptly.
	r, w, err := os.Pipe()
	if err != nil {
		unix.Close(epollFd)
		return nil, err
	}
	m.wakeR, m.wakeW = r, w
	if err := epollCtlAdd(epollFd, int(r.Fd()), unix.EPOLLIN, wakeToken); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// epollCtlAdd registers fd with a 64-bit token packed into the event.
func epollCtlAdd(epollFd, fd int, events uint32, token uint64) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(token), Pad: int32(token >> 32)}
	if err := unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add: %w", err)
	}
	return nil
}

// AddTrigger writes the trigger into its pressure file and registers
// the descriptor for priority notifications.
func (m *Monitor) AddTrigger(t Trigger) error {
	path := t.Resource.ProcPath()
	if m.cgroupDir != "" {
		path = filepath.Join(m.cgroupDir, t.Resource.CgroupFile())
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("pressure file %s: %w", path, errdefs.ErrNotFound)
		}
		return err
	}
	if _, err := f.WriteString(t.String()); err != nil {
		f.Close()
		return fmt.Errorf("register trigger %q on %s: %w", t, path, errdefs.ErrNotImplemented)
	}
	token := uint64(len(m.triggers))
	if err := epollCtlAdd(m.epollFd, int(f.Fd()), unix.EPOLLPRI, token); err != nil {
		f.Close()
		return err
	}
	m.triggers = append(m.triggers, registered{trigger: t, file: f})
	return nil
}

// Wait blocks until a trigger fires, the timeout elapses (nil), or the
// monitor is woken by Stop (nil).
func (m *Monitor) Wait(timeout time.Duration) (*Event, error) {
	events := make([]unix.EpollEvent, 8)
	ms := int(timeout.Milliseconds())
	for {
		n, err := unix.EpollWait(m.epollFd, events, ms)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("epoll_wait: %w", err)
		}
		if n == 0 {
			return nil, nil
		}
		for _, ev := range events[:n] {
			token := uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32
			if token == wakeToken {
				m.drainWake()
				return nil, nil
			}
			if int(token) < len(m.triggers) {
				return &Event{Trigger: m.triggers[token].trigger}, nil
			}
		}
		return nil, nil
	}
}

// Wake unblocks a Wait in progress without delivering an event.
func (m *Monitor) Wake() {
	if m.wakeW != nil {
		m.wakeW.Write([]byte{1})
	}
}

func (m *Monitor) drainWake() {
	buf := make([]byte, 16)
	m.wakeR.Read(buf)
}

// ReadStats reads and parses the pressure file for the resource.
func (m *Monitor) ReadStats(r Resource) (Stats, error) {
	path := r.ProcPath()
	if m.cgroupDir != "" {
		path = filepath.Join(m.cgroupDir, r.CgroupFile())
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Stats{}, fmt.Errorf("pressure file %s: %w", path, errdefs.ErrNotFound)
		}
		return Stats{}, err
	}
	return ParseStats(string(content)), nil
}

// TriggerCount reports registered triggers.
func (m *Monitor) TriggerCount() int { return len(m.triggers) }

// Close deregisters every trigger and releases the epoll instance.
func (m *Monitor) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	for _, t := range m.triggers {
		unix.EpollCtl(m.epollFd, unix.EPOLL_CTL_DEL, int(t.file.Fd()), nil)
		t.file.Close()
	}
	m.triggers = nil
	if m.wakeR != nil {
		m.wakeR.Close()
		m.wakeW.Close()
	}
	return unix.Close(m.epollFd)
}
