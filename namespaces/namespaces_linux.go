//go:build linux

package namespaces

import (
	"fmt"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
)

// Unshare moves the calling task into new namespaces of exactly the
// requested kinds. When USER is requested together with other kinds and
// the caller is unprivileged, the kernel applies the user namespace
// first, granting the capabilities the rest of the set needs.
func Unshare(set Set) error {
	if err := unix.Unshare(int(set.CloneFlags())); err != nil {
		switch err {
		case unix.EPERM:
			return fmt.Errorf("unshare %s: %w", set, errdefs.ErrPermissionDenied)
		case unix.EINVAL:
			return fmt.Errorf("unshare %s: %w", set, errdefs.ErrInvalidArgument)
		case unix.ENOSYS:
			return fmt.Errorf("unshare %s: %w", set, errdefs.ErrNotImplemented)
		}
		return fmt.Errorf("unshare %s: %w", set, err)
	}
	return nil
}

// SetHostname sets the UTS hostname. It validates length and charset
// before touching the kernel so the caller gets the same error with or
// without privileges.
func SetHostname(name string) error {
	if err := ValidateHostname(name); err != nil {
		return err
	}
	if err := unix.Sethostname([]byte(name)); err != nil {
		if err == unix.EPERM {
			return fmt.Errorf("sethostname %q: %w", name, errdefs.ErrPermissionDenied)
		}
		return fmt.Errorf("sethostname %q: %w", name, err)
	}
	return nil
}
