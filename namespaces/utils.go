package namespaces

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// CloseExecFrom marks every descriptor >= minFd close-on-exec, so
// nothing the supervisor had open leaks past the child's exec.
func CloseExecFrom(minFd int) error {
	fds, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return err
	}
	for _, e := range fds {
		fd, err := strconv.Atoi(e.Name())
		if err != nil || fd < minFd {
			continue
		}
		unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC)
	}
	return nil
}

// lookPath resolves argv0 against the PATH entries in env. It runs
// after the pivot, so relative resolution happens in the container's
// own filesystem.
func lookPath(argv0 string, env []string) (string, error) {
	if strings.Contains(argv0, "/") {
		return argv0, nil
	}
	path := "/usr/local/bin:/usr/bin:/bin"
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			path = v
		}
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, argv0)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s: executable file not found in PATH", argv0)
}

// execv replaces the current process image.
func execv(args, env []string) error {
	path, err := lookPath(args[0], env)
	if err != nil {
		return err
	}
	return unix.Exec(path, args, env)
}
