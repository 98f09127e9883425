package namespaces

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/moby/sys/userns"
)

// IdMap is one uid_map/gid_map triple.
type IdMap struct {
	// InsideId is the first id inside the namespace.
	InsideId uint32 `json:"inside_id"`
	// OutsideId is the first id in the parent namespace.
	OutsideId uint32 `json:"outside_id"`
	// Length of the mapped range.
	Length uint32 `json:"length"`
}

// Identity maps a single id onto itself.
func Identity(id uint32) IdMap {
	return IdMap{InsideId: id, OutsideId: id, Length: 1}
}

// RootTo maps root inside the namespace onto the given outside id.
func RootTo(outside uint32) IdMap {
	return IdMap{InsideId: 0, OutsideId: outside, Length: 1}
}

// The kernel accepts at most this many map lines per file.
const maxMappings = 340

// ValidateMappings rejects empty ranges and overlap on either side.
func ValidateMappings(maps []IdMap) error {
	if len(maps) > maxMappings {
		return fmt.Errorf("%d id mappings exceed the kernel limit of %d: %w",
			len(maps), maxMappings, errdefs.ErrInvalidArgument)
	}
	for _, m := range maps {
		if m.Length == 0 {
			return fmt.Errorf("id mapping with zero length: %w", errdefs.ErrInvalidArgument)
		}
	}
	for _, side := range []func(IdMap) uint32{
		func(m IdMap) uint32 { return m.InsideId },
		func(m IdMap) uint32 { return m.OutsideId },
	} {
		sorted := append([]IdMap(nil), maps...)
		sort.Slice(sorted, func(i, j int) bool { return side(sorted[i]) < side(sorted[j]) })
		for i := 1; i < len(sorted); i++ {
			prev, cur := sorted[i-1], sorted[i]
			if side(prev)+prev.Length > side(cur) {
				return fmt.Errorf("id mappings overlap at %d: %w", side(cur), errdefs.ErrInvalidArgument)
			}
		}
	}
	return nil
}

// formatMappings renders the single-write payload for a map file.
func formatMappings(maps []IdMap) string {
	lines := make([]string, len(maps))
	for i, m := range maps {
		lines[i] = fmt.Sprintf("%d %d %d", m.InsideId, m.OutsideId, m.Length)
	}
	return strings.Join(lines, "\n")
}

// WriteUserMappings writes uid_map and gid_map for pid. The kernel
// requires each map to land in a single write. When the writer runs
// unprivileged, setgroups must be denied before gid_map becomes
// writable, and only a single identity pair is mappable.
func WriteUserMappings(pid int, uidMaps, gidMaps []IdMap) error {
	if err := ValidateMappings(uidMaps); err != nil {
		return err
	}
	if err := ValidateMappings(gidMaps); err != nil {
		return err
	}
	unprivileged := os.Geteuid() != 0 || userns.RunningInUserNS()
	if unprivileged && (len(uidMaps) > 1 || len(gidMaps) > 1) {
		return fmt.Errorf("multi-range id mappings need CAP_SETUID/CAP_SETGID: %w", errdefs.ErrPermissionDenied)
	}
	if len(uidMaps) > 0 {
		if err := writeMapFile(fmt.Sprintf("/proc/%d/uid_map", pid), formatMappings(uidMaps)); err != nil {
			return err
		}
	}
	if len(gidMaps) > 0 {
		if unprivileged {
			if err := writeMapFile(fmt.Sprintf("/proc/%d/setgroups", pid), "deny"); err != nil {
				return err
			}
		}
		if err := writeMapFile(fmt.Sprintf("/proc/%d/gid_map", pid), formatMappings(gidMaps)); err != nil {
			return err
		}
	}
	return nil
}

func writeMapFile(path, payload string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("open %s: %w", path, errdefs.ErrPermissionDenied)
		}
		if os.IsNotExist(err) {
			return fmt.Errorf("open %s: %w", path, errdefs.ErrNotFound)
		}
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(payload); err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("write %s: %w", path, errdefs.ErrPermissionDenied)
		}
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
