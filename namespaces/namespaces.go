// Package namespaces creates and enters the kernel namespaces a
// container runs in, and spawns init processes into them.
package namespaces

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
)

// Set is a bitset over namespace kinds, expressed directly in clone
// flag values so it can be handed to clone/unshare unchanged.
type Set uintptr

const (
	MOUNT  Set = unix.CLONE_NEWNS
	PID    Set = unix.CLONE_NEWPID
	NET    Set = unix.CLONE_NEWNET
	UTS    Set = unix.CLONE_NEWUTS
	IPC    Set = unix.CLONE_NEWIPC
	USER   Set = unix.CLONE_NEWUSER
	CGROUP Set = unix.CLONE_NEWCGROUP
	TIME   Set = unix.CLONE_NEWTIME
)

// HostnameMax is the kernel's hostname length limit.
const HostnameMax = 64

// ValidateHostname enforces the length and printable-ASCII constraints.
func ValidateHostname(name string) error {
	if name == "" || len(name) > HostnameMax {
		return fmt.Errorf("hostname must be 1..%d bytes: %w", HostnameMax, errdefs.ErrInvalidArgument)
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x21 || name[i] > 0x7e {
			return fmt.Errorf("hostname contains non-printable byte %#x: %w", name[i], errdefs.ErrInvalidArgument)
		}
	}
	return nil
}

// DefaultSet is the container isolation set used when a config does not
// choose its own.
const DefaultSet = MOUNT | PID | UTS | IPC

// FullSet is every kind except USER and TIME, which need dedicated
// setup (id maps, time offsets) and are opted into explicitly.
const FullSet = MOUNT | PID | NET | UTS | IPC | CGROUP

var names = map[Set]string{
	MOUNT:  "MOUNT",
	PID:    "PID",
	NET:    "NET",
	UTS:    "UTS",
	IPC:    "IPC",
	USER:   "USER",
	CGROUP: "CGROUP",
	TIME:   "TIME",
}

// Contains reports whether every kind in other is present.
func (s Set) Contains(other Set) bool {
	return s&other == other
}

// Union merges two sets.
func (s Set) Union(other Set) Set {
	return s | other
}

// CloneFlags returns the set as clone(2) flags.
func (s Set) CloneFlags() uintptr {
	return uintptr(s)
}

func (s Set) String() string {
	var parts []string
	for flag, name := range names {
		if s.Contains(flag) {
			parts = append(parts, name)
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// MarshalJSON renders the set as its comma-separated names so state
// files stay readable and stable across kernels.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Set) UnmarshalJSON(data []byte) error {
	var spec string
	if err := json.Unmarshal(data, &spec); err != nil {
		return err
	}
	parsed, err := Parse(spec)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Parse builds a Set from a comma-separated list of kind names.
func Parse(spec string) (Set, error) {
	var s Set
	for _, tok := range strings.Split(spec, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		found := false
		for flag, name := range names {
			if strings.EqualFold(tok, name) {
				s |= flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown namespace %q: %w", tok, errdefs.ErrInvalidArgument)
		}
	}
	return s, nil
}
