/*
Utility for testing cgroup operations.

Creates a mock of the unified hierarchy for the duration of the test.
*/
package fs2

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ext-sakamoro/ALICE-Container/cgroups"
)

type cgroupTestUtil struct {
	// Root is the mock hierarchy mount point.
	Root string

	t *testing.T
}

// newCgroupTestUtil materializes a fake unified hierarchy root with the
// controllers the runtime requires.
func newCgroupTestUtil(t *testing.T) *cgroupTestUtil {
	t.Helper()
	root := t.TempDir()
	u := &cgroupTestUtil{Root: root, t: t}
	u.writeRootFile("cgroup.controllers", "cpuset cpu io memory pids")
	u.writeRootFile("cgroup.subtree_control", "")
	return u
}

func (u *cgroupTestUtil) writeRootFile(name, content string) {
	u.t.Helper()
	if err := os.WriteFile(filepath.Join(u.Root, name), []byte(content), 0o644); err != nil {
		u.t.Fatal(err)
	}
}

// materialize populates the attribute files a fresh kernel cgroup would
// carry, since regular filesystems do not conjure them on mkdir.
func (u *cgroupTestUtil) materialize(name string, files map[string]string) string {
	u.t.Helper()
	dir := filepath.Join(u.Root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		u.t.Fatal(err)
	}
	defaults := map[string]string{
		"cgroup.procs":   "",
		"cgroup.events":  "populated 0\nfrozen 0\n",
		"cgroup.freeze":  "0",
		"cpu.max":        "max 100000",
		"memory.max":     "max",
		"memory.current": "0",
		"io.max":         "",
		"cpu.stat":       "usage_usec 0\nuser_usec 0\nsystem_usec 0\nnr_periods 0\nnr_throttled 0\nthrottled_usec 0\n",
	}
	for k, v := range files {
		defaults[k] = v
	}
	for k, v := range defaults {
		if err := os.WriteFile(filepath.Join(dir, k), []byte(v), 0o644); err != nil {
			u.t.Fatal(err)
		}
	}
	return dir
}

func (u *cgroupTestUtil) readFile(name, file string) string {
	u.t.Helper()
	content, err := cgroups.ReadFile(filepath.Join(u.Root, name), file)
	if err != nil {
		u.t.Fatal(err)
	}
	return content
}

func (u *cgroupTestUtil) writeFile(name, file, content string) {
	u.t.Helper()
	if err := os.WriteFile(filepath.Join(u.Root, name, file), []byte(content), 0o644); err != nil {
		u.t.Fatal(err)
	}
}
