//go:build linux

package mount

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// node is one device created in the container's /dev.
type node struct {
	name  string
	major uint32
	minor uint32
	mode  uint32
}

var devNodes = []node{
	{"null", 1, 3, 0o666},
	{"zero", 1, 5, 0o666},
	{"full", 1, 7, 0o666},
	{"random", 1, 8, 0o666},
	{"urandom", 1, 9, 0o666},
	{"tty", 5, 0, 0o666},
	{"console", 5, 1, 0o620},
}

// setupDev mounts a tmpfs /dev and populates the minimal node set,
// pts/shm directories, ptmx and fd symlinks. Nodes are created with
// mknod where allowed; in a user namespace the kernel forbids that, so
// each node falls back to a bind of the host device. Returned records
// cover every mount made, even on error, so the caller can unwind.
func setupDev(rootfs string) ([]record, error) {
	var applied []record
	dev := filepath.Join(rootfs, "dev")
	if err := os.MkdirAll(dev, 0o755); err != nil {
		return applied, err
	}
	if err := unix.Mount("tmpfs", dev, "tmpfs", unix.MS_NOSUID, "mode=755,size=64k"); err != nil {
		return applied, mountErr("mount dev tmpfs", err)
	}
	applied = append(applied, record{dev})

	for _, n := range devNodes {
		path := filepath.Join(dev, n.name)
		err := unix.Mknod(path, unix.S_IFCHR|n.mode, int(unix.Mkdev(n.major, n.minor)))
		switch err {
		case nil, unix.EEXIST:
		case unix.EPERM:
			// Node creation is forbidden in user namespaces; bind the
			// host's device instead.
			target, berr := bindDevNode(dev, n.name)
			if berr != nil {
				return applied, berr
			}
			applied = append(applied, record{target})
		default:
			return applied, fmt.Errorf("mknod %s: %w", path, err)
		}
	}

	for _, dir := range []string{"pts", "shm"} {
		if err := os.MkdirAll(filepath.Join(dev, dir), 0o755); err != nil {
			return applied, err
		}
	}
	pts := filepath.Join(dev, "pts")
	if err := unix.Mount("devpts", pts, "devpts",
		unix.MS_NOSUID|unix.MS_NOEXEC, "newinstance,ptmxmode=0666,mode=0620"); err == nil {
		applied = append(applied, record{pts})
	}

	if err := setupPtmx(dev); err != nil {
		return applied, err
	}
	for link, target := range map[string]string{
		"fd":     "/proc/self/fd",
		"stdin":  "/proc/self/fd/0",
		"stdout": "/proc/self/fd/1",
		"stderr": "/proc/self/fd/2",
	} {
		if err := os.Symlink(target, filepath.Join(dev, link)); err != nil && !os.IsExist(err) {
			return applied, err
		}
	}
	return applied, nil
}

// bindDevNode binds a host device file over an empty file in /dev.
func bindDevNode(dev, name string) (string, error) {
	target := filepath.Join(dev, name)
	f, err := os.OpenFile(target, os.O_CREATE, 0o666)
	if err != nil {
		return "", err
	}
	f.Close()
	if err := unix.Mount(filepath.Join("/dev", name), target, "", unix.MS_BIND, ""); err != nil {
		return "", mountErr("bind /dev/"+name, err)
	}
	return target, nil
}

// setupPtmx points dev/ptmx at the per-instance pts/ptmx.
func setupPtmx(dev string) error {
	ptmx := filepath.Join(dev, "ptmx")
	if err := os.Remove(ptmx); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Symlink("pts/ptmx", ptmx); err != nil {
		return fmt.Errorf("symlink dev ptmx %s", err)
	}
	return nil
}
