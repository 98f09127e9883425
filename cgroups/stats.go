package cgroups

import (
	"bufio"
	"strconv"
	"strings"
	"time"
)

// CpuStats are the monotonically non-decreasing counters parsed from
// cpu.stat. Key order in the file is not significant; unknown keys are
// ignored.
type CpuStats struct {
	UsageUsec     uint64 `json:"usage_usec"`
	UserUsec      uint64 `json:"user_usec"`
	SystemUsec    uint64 `json:"system_usec"`
	NrPeriods     uint64 `json:"nr_periods"`
	NrThrottled   uint64 `json:"nr_throttled"`
	ThrottledUsec uint64 `json:"throttled_usec"`
}

// ParseCpuStat parses the content of a cpu.stat file.
func ParseCpuStat(content string) CpuStats {
	var s CpuStats
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), " ")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "usage_usec":
			s.UsageUsec = v
		case "user_usec":
			s.UserUsec = v
		case "system_usec":
			s.SystemUsec = v
		case "nr_periods":
			s.NrPeriods = v
		case "nr_throttled":
			s.NrThrottled = v
		case "throttled_usec":
			s.ThrottledUsec = v
		}
	}
	return s
}

// Sample pairs a counter snapshot with the wall clock it was taken at.
// The scheduler differentiates across consecutive samples.
type Sample struct {
	Stats CpuStats
	At    time.Time
}

// Events is the parsed form of cgroup.events.
type Events struct {
	Populated bool
	Frozen    bool
}

// ParseEvents parses the content of a cgroup.events file.
func ParseEvents(content string) Events {
	var e Events
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), " ")
		if !ok {
			continue
		}
		on := strings.TrimSpace(value) == "1"
		switch key {
		case "populated":
			e.Populated = on
		case "frozen":
			e.Frozen = on
		}
	}
	return e
}

// ParseMemoryEvents extracts a single counter (e.g. oom_kill) from
// memory.events content. Missing keys read as zero.
func ParseMemoryEvents(content, key string) uint64 {
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		k, value, ok := strings.Cut(sc.Text(), " ")
		if !ok || k != key {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return 0
		}
		return v
	}
	return 0
}
