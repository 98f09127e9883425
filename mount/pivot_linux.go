//go:build linux

package mount

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
)

// PreparePivot ensures the put-old directory exists inside the rootfs
// and returns its absolute path. The rootfs must already be a mount
// point (Initialize self-binds it).
func PreparePivot(rootfs string) (string, error) {
	putOld := filepath.Join(rootfs, putOldDir)
	if err := os.MkdirAll(putOld, 0o700); err != nil {
		return "", err
	}
	return putOld, nil
}

// Pivot swaps the task's root for newRoot, detaches the old root, and
// removes the landing directory. After it returns, the old root is
// unreachable through the mount table.
func Pivot(newRoot, putOld string) error {
	if filepath.Dir(filepath.Clean(putOld)) != filepath.Clean(newRoot) {
		return fmt.Errorf("put_old %q is not directly beneath new root %q: %w",
			putOld, newRoot, errdefs.ErrInvalidArgument)
	}
	if filepath.Clean(newRoot) == filepath.Clean(putOld) {
		return fmt.Errorf("new root and put_old are the same path: %w", errdefs.ErrInvalidArgument)
	}
	if err := unix.PivotRoot(newRoot, putOld); err != nil {
		return mountErr("pivot_root", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	inside := "/" + putOldDir
	if err := unix.Unmount(inside, unix.MNT_DETACH); err != nil {
		return mountErr("unmount old root", err)
	}
	if err := os.Remove(inside); err != nil {
		return err
	}
	return nil
}
