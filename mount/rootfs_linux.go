//go:build linux

package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// putOldDir is the pivot_root landing directory inside the rootfs.
const putOldDir = ".put_old"

// essential directories materialized by Build.
var skeleton = []string{"bin", "lib", "lib64", "usr", "etc", "proc", "sys", "dev", "tmp", "root", putOldDir}

// Build materializes the rootfs skeleton and synthesized etc files. It
// performs no mounts, so it runs in the supervisor before any child
// exists and needs no privileges beyond directory ownership.
func Build(c *Config) error {
	if !filepath.IsAbs(c.Rootfs) {
		return fmt.Errorf("rootfs %q is not absolute: %w", c.Rootfs, errdefs.ErrInvalidArgument)
	}
	if err := os.MkdirAll(c.Rootfs, 0o755); err != nil {
		return err
	}
	for _, dir := range skeleton {
		if err := os.MkdirAll(filepath.Join(c.Rootfs, dir), 0o755); err != nil {
			return err
		}
	}
	if err := os.Chmod(filepath.Join(c.Rootfs, "tmp"), 0o1777); err != nil {
		return err
	}
	if c.Hostname != "" {
		if err := SetHostnameFile(c.Rootfs, c.Hostname); err != nil {
			return err
		}
		if err := SetHosts(c.Rootfs, c.Hostname); err != nil {
			return err
		}
	}
	if len(c.Nameservers) > 0 {
		if err := SetResolvConf(c.Rootfs, c.Nameservers); err != nil {
			return err
		}
	}
	return nil
}

// Initialize runs inside the new mount namespace: it severs propagation,
// applies every mount, and pivots into the rootfs. Partial construction
// unwinds in reverse order before the error is returned, leaving the
// directory intact but inert.
func Initialize(c *Config) (err error) {
	var applied []record
	defer func() {
		if err != nil {
			unwind(applied)
		}
	}()

	// Nothing mounted after this propagates back to the host.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return mountErr("make / private", err)
	}
	// pivot_root requires the new root to be a mount point.
	if err := unix.Mount(c.Rootfs, c.Rootfs, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return mountErr("self-bind rootfs", err)
	}
	applied = append(applied, record{c.Rootfs})

	for _, b := range c.BindMounts {
		target, err := bindMountRo(c.Rootfs, b)
		if err != nil {
			return err
		}
		applied = append(applied, record{target})
	}

	procTarget := filepath.Join(c.Rootfs, "proc")
	if err := unix.Mount("proc", procTarget, "proc",
		unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return mountErr("mount proc", err)
	}
	applied = append(applied, record{procTarget})

	sysTarget := filepath.Join(c.Rootfs, "sys")
	if err := unix.Mount("sysfs", sysTarget, "sysfs",
		unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		// Without a NET namespace of its own the container may not be
		// allowed a fresh sysfs; fall back to a read-only bind.
		if err := unix.Mount("/sys", sysTarget, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return mountErr("mount sysfs", err)
		}
		if err := unix.Mount("", sysTarget, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
			applied = append(applied, record{sysTarget})
			return mountErr("remount sysfs ro", err)
		}
	}
	applied = append(applied, record{sysTarget})

	devRecords, err := setupDev(c.Rootfs)
	applied = append(applied, devRecords...)
	if err != nil {
		return err
	}

	tmpTarget := filepath.Join(c.Rootfs, "tmp")
	if err := unix.Mount("tmpfs", tmpTarget, "tmpfs",
		unix.MS_NOSUID|unix.MS_NODEV, "size=64m,mode=1777"); err != nil {
		return mountErr("mount tmp", err)
	}
	applied = append(applied, record{tmpTarget})

	for _, s := range c.Secrets {
		target, err := bindSecret(c.Rootfs, s)
		if err != nil {
			return err
		}
		applied = append(applied, record{target})
	}

	putOld, err := PreparePivot(c.Rootfs)
	if err != nil {
		return err
	}
	if err := Pivot(c.Rootfs, putOld); err != nil {
		return err
	}
	// From here the container's root is "/"; nothing to unwind.
	applied = nil

	if c.Readonly {
		if err := unix.Mount("", "/", "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
			return mountErr("remount root read-only", err)
		}
	}
	return nil
}

// bindMountRo applies the two-step bind + read-only remount.
func bindMountRo(rootfs string, b Bind) (string, error) {
	target := filepath.Join(rootfs, b.Target)
	if err := checkMountDest(rootfs, target); err != nil {
		return "", err
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", err
	}
	if err := unix.Mount(b.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return "", mountErr("bind "+b.Source, err)
	}
	if err := unix.Mount("", target, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
		return target, mountErr("remount ro "+target, err)
	}
	return target, nil
}

// bindSecret mounts a small tmpfs at the target's parent directory, writes
// the material, and seals the tmpfs read-only.
func bindSecret(rootfs string, s SecretFile) (string, error) {
	target := filepath.Join(rootfs, s.Target)
	if err := checkMountDest(rootfs, target); err != nil {
		return "", err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := unix.Mount("tmpfs", dir, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, "size=1m,mode=0700"); err != nil {
		return "", mountErr("mount secret tmpfs", err)
	}
	if err := WriteSecret(target, s); err != nil {
		return dir, err
	}
	if err := unix.Mount("", dir, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
		return dir, mountErr("seal secret tmpfs", err)
	}
	return dir, nil
}

// checkMountDest refuses targets that escape the rootfs or shadow the
// rootfs itself.
func checkMountDest(rootfs, dest string) error {
	clean := filepath.Clean(dest)
	if clean == filepath.Clean(rootfs) {
		return fmt.Errorf("mount destination is the rootfs itself: %w", errdefs.ErrInvalidArgument)
	}
	rel, err := filepath.Rel(rootfs, clean)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return fmt.Errorf("mount destination %q escapes the rootfs: %w", dest, errdefs.ErrInvalidArgument)
	}
	return nil
}

// unwind unmounts applied records deepest-last-first.
func unwind(applied []record) {
	for i := len(applied) - 1; i >= 0; i-- {
		if err := unix.Unmount(applied[i].target, unix.MNT_DETACH); err != nil && err != unix.EINVAL && err != unix.ENOENT {
			log.WithError(err).Warnf("unwinding mount %s", applied[i].target)
		}
	}
}

func mountErr(what string, err error) error {
	switch err {
	case unix.EPERM, unix.EACCES:
		return fmt.Errorf("%s: %w", what, errdefs.ErrPermissionDenied)
	case unix.ENOENT:
		return fmt.Errorf("%s: %w", what, errdefs.ErrNotFound)
	case unix.EINVAL:
		return fmt.Errorf("%s: %w", what, errdefs.ErrInvalidArgument)
	}
	return fmt.Errorf("%s: %w", what, err)
}
