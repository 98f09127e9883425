// Package psi exposes the kernel's Pressure Stall Information files and
// their event triggers.
package psi

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Resource selects which pressure file a trigger or read targets.
type Resource int

const (
	Cpu Resource = iota
	Memory
	Io
)

// ProcPath is the system-wide pressure file for the resource.
func (r Resource) ProcPath() string {
	switch r {
	case Memory:
		return "/proc/pressure/memory"
	case Io:
		return "/proc/pressure/io"
	default:
		return "/proc/pressure/cpu"
	}
}

// CgroupFile is the per-cgroup pressure file name.
func (r Resource) CgroupFile() string {
	switch r {
	case Memory:
		return "memory.pressure"
	case Io:
		return "io.pressure"
	default:
		return "cpu.pressure"
	}
}

func (r Resource) String() string {
	switch r {
	case Memory:
		return "memory"
	case Io:
		return "io"
	default:
		return "cpu"
	}
}

// Level distinguishes partial stalls from complete ones.
type Level int

const (
	// Some tasks stalled.
	Some Level = iota
	// All tasks stalled. Not reported for CPU at the system level.
	Full
)

func (l Level) String() string {
	if l == Full {
		return "full"
	}
	return "some"
}

// Trigger fires when stall time exceeds ThresholdUs within WindowUs.
type Trigger struct {
	Resource    Resource
	Level       Level
	ThresholdUs uint64
	WindowUs    uint64
}

// CpuSome builds the common partial-stall CPU trigger.
func CpuSome(thresholdUs, windowUs uint64) Trigger {
	return Trigger{Resource: Cpu, Level: Some, ThresholdUs: thresholdUs, WindowUs: windowUs}
}

// String renders the exact payload written into the pressure file.
func (t Trigger) String() string {
	return fmt.Sprintf("%s %d %d", t.Level, t.ThresholdUs, t.WindowUs)
}

// Event is delivered when a registered trigger fires.
type Event struct {
	Trigger Trigger
}

// StatLine is one "some" or "full" line of a pressure file.
type StatLine struct {
	Avg10   float64
	Avg60   float64
	Avg300  float64
	TotalUs uint64
}

// Stats is the parsed form of a pressure file.
type Stats struct {
	Some StatLine
	// Full is absent for CPU at the system level.
	Full *StatLine
}

// ParseStats parses pressure file content. Unknown fields are ignored.
func ParseStats(content string) Stats {
	var s Stats
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "some"):
			s.Some = parseStatLine(line)
		case strings.HasPrefix(line, "full"):
			full := parseStatLine(line)
			s.Full = &full
		}
	}
	return s
}

func parseStatLine(line string) StatLine {
	var s StatLine
	for _, part := range strings.Fields(line)[1:] {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch key {
		case "avg10":
			s.Avg10, _ = strconv.ParseFloat(value, 64)
		case "avg60":
			s.Avg60, _ = strconv.ParseFloat(value, 64)
		case "avg300":
			s.Avg300, _ = strconv.ParseFloat(value, 64)
		case "total":
			s.TotalUs, _ = strconv.ParseUint(value, 10, 64)
		}
	}
	return s
}
