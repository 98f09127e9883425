//go:build linux

package mount

import (
	"fmt"
	"sort"

	"github.com/moby/sys/mount"
	"github.com/moby/sys/mountinfo"
	log "github.com/sirupsen/logrus"
)

// Teardown unmounts everything still mounted at or beneath the rootfs,
// deepest first, leaving the directory tree itself in place. It runs in
// the supervisor's mount namespace during Destroy and after a failed
// Start, so it must tolerate mounts that are already gone.
func Teardown(rootfs string) error {
	mounts, err := mountinfo.GetMounts(mountinfo.PrefixFilter(rootfs))
	if err != nil {
		return fmt.Errorf("enumerate mounts under %s: %w", rootfs, err)
	}
	sort.Slice(mounts, func(i, j int) bool {
		return len(mounts[i].Mountpoint) > len(mounts[j].Mountpoint)
	})
	var firstErr error
	for _, m := range mounts {
		if err := mount.RecursiveUnmount(m.Mountpoint); err != nil {
			log.WithError(err).Warnf("tearing down %s", m.Mountpoint)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
