//go:build linux

package alice

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ext-sakamoro/ALICE-Container/cgroups"
)

// pollIntervalMs bounds each poll so the stop channel is honored
// promptly even on a quiet cgroup.
const pollIntervalMs = 250

// watchOom follows the cgroup's memory.events file with inotify and
// reports every increase of the oom_kill counter. OOM kills are
// telemetry, not failures: the watcher never affects the container.
//
// The inotify fd is polled with a bounded timeout rather than blocking
// reads.
func watchOom(cgroupDir string, stop <-chan struct{}, onOom func(count uint64)) {
	path := filepath.Join(cgroupDir, "memory.events")
	last := readOomCount(path)

	inFd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		log.WithError(err).Debug("oom watch unavailable")
		return
	}
	defer unix.Close(inFd)
	if _, err := unix.InotifyAddWatch(inFd, path, unix.IN_MODIFY); err != nil {
		// The kernel rewrites memory.events in place; a cgroup that is
		// already gone simply ends the watch.
		return
	}

	fds := []unix.PollFd{{Fd: int32(inFd), Events: unix.POLLIN}}
	buf := make([]byte, 4096)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := unix.Poll(fds, pollIntervalMs)
		if err != nil && err != unix.EINTR {
			return
		}
		if n > 0 {
			if _, err := unix.Read(inFd, buf); err != nil && err != unix.EAGAIN {
				return
			}
			if count := readOomCount(path); count > last {
				last = count
				onOom(count)
			}
		}
	}
}

func readOomCount(path string) uint64 {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return cgroups.ParseMemoryEvents(string(content), "oom_kill")
}
