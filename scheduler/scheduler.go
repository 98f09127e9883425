// Package scheduler adjusts a cgroup's CPU quota in response to
// observed utilization and throttling. A pure decision core is shared
// by the polling and the pressure-driven variants.
package scheduler

import (
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/ext-sakamoro/ALICE-Container/cgroups"
)

// Config tunes a scheduler. The zero value is not valid; start from
// DefaultConfig.
type Config struct {
	// TargetLatencyUs is the tolerated throttled time per second of
	// wall clock; observed throttling above it triggers a burst.
	// Range [100, 100000].
	TargetLatencyUs uint64 `json:"target_latency_usec"`

	// MinQuotaPct and MaxQuotaPct clamp the adjusted quota, as
	// percentages of the period. Range [1, 100], min <= max.
	MinQuotaPct uint32 `json:"min_quota_pct"`
	MaxQuotaPct uint32 `json:"max_quota_pct"`

	// PeriodUs is the cpu.max period the quota is applied against.
	PeriodUs uint64 `json:"period_us"`

	// TickIntervalUs is the polling cadence. Ignored by the pressure
	// variant.
	TickIntervalUs uint64 `json:"tick_interval_usec"`

	// BurstFactor multiplies the quota when throttling is observed.
	// Range [1.0, 4.0].
	BurstFactor float64 `json:"burst_factor"`

	// HysteresisPct is the dead band below the current quota share
	// that utilization must clear before the quota shrinks.
	HysteresisPct uint32 `json:"hysteresis_pct"`
}

// DefaultConfig is a balanced starting point: 1ms of tolerated
// throttling, 10ms ticks, 2x bursts.
func DefaultConfig() Config {
	return Config{
		TargetLatencyUs: 1_000,
		MinQuotaPct:     10,
		MaxQuotaPct:     100,
		PeriodUs:        cgroups.DefaultPeriodUs,
		TickIntervalUs:  10_000,
		BurstFactor:     2.0,
		HysteresisPct:   5,
	}
}

// Validate enforces the documented option ranges.
func (c Config) Validate() error {
	if c.TargetLatencyUs < 100 || c.TargetLatencyUs > 100_000 {
		return fmt.Errorf("target latency %dus outside [100, 100000]: %w", c.TargetLatencyUs, errdefs.ErrInvalidArgument)
	}
	if c.MinQuotaPct < 1 || c.MinQuotaPct > 100 || c.MaxQuotaPct < 1 || c.MaxQuotaPct > 100 {
		return fmt.Errorf("quota bounds outside [1, 100]: %w", errdefs.ErrInvalidArgument)
	}
	if c.MinQuotaPct > c.MaxQuotaPct {
		return fmt.Errorf("min quota %d%% above max %d%%: %w", c.MinQuotaPct, c.MaxQuotaPct, errdefs.ErrInvalidArgument)
	}
	if c.BurstFactor < 1.0 || c.BurstFactor > 4.0 {
		return fmt.Errorf("burst factor %v outside [1.0, 4.0]: %w", c.BurstFactor, errdefs.ErrInvalidArgument)
	}
	if c.PeriodUs < cgroups.MinPeriodUs || c.PeriodUs > cgroups.MaxPeriodUs {
		return fmt.Errorf("period %dus outside [%d, %d]: %w",
			c.PeriodUs, cgroups.MinPeriodUs, cgroups.MaxPeriodUs, errdefs.ErrInvalidArgument)
	}
	return nil
}

// MinQuotaUs and MaxQuotaUs are the percentage bounds in microseconds.
func (c Config) MinQuotaUs() uint64 { return cgroups.QuotaFromPercent(c.MinQuotaPct, c.PeriodUs) }
func (c Config) MaxQuotaUs() uint64 { return cgroups.QuotaFromPercent(c.MaxQuotaPct, c.PeriodUs) }

// Action distinguishes decision outcomes.
type Action int

const (
	// Hold leaves the quota as it is.
	Hold Action = iota
	// Adjust moves the quota to Decision.NewQuotaUs.
	Adjust
	// Throttle is the forced-minimum mode entered through
	// Scheduler.Throttle, never produced by the decision core.
	Throttle
)

func (a Action) String() string {
	switch a {
	case Adjust:
		return "adjust"
	case Throttle:
		return "throttle"
	}
	return "hold"
}

// Decision is the decision core's verdict for one pair of samples.
type Decision struct {
	Action     Action
	NewQuotaUs uint64
}

// Decide is the shared decision core: a pure function of the previous
// and current samples, the current quota, and the config.
//
// Throttling wins over underutilization when both fire, and an interval
// that shows any throttling never shrinks the quota, so a workload that
// is both bursty and idle-averaged does not oscillate downward.
func Decide(cfg Config, prev, cur cgroups.Sample, currentQuotaUs uint64) Decision {
	wallUs := cur.At.Sub(prev.At).Microseconds()
	if wallUs <= 0 {
		// Identical or reordered samples carry no information.
		return Decision{Action: Hold, NewQuotaUs: currentQuotaUs}
	}

	usageDelta := saturatingSub(cur.Stats.UsageUsec, prev.Stats.UsageUsec)
	throttledDelta := saturatingSub(cur.Stats.ThrottledUsec, prev.Stats.ThrottledUsec)

	util := float64(usageDelta) / float64(wallUs)
	throttleRatio := float64(throttledDelta) / float64(wallUs)

	if throttleRatio > float64(cfg.TargetLatencyUs)/1_000_000 {
		grown := clamp(uint64(float64(currentQuotaUs)*cfg.BurstFactor), cfg.MinQuotaUs(), cfg.MaxQuotaUs())
		if grown == currentQuotaUs {
			return Decision{Action: Hold, NewQuotaUs: currentQuotaUs}
		}
		return Decision{Action: Adjust, NewQuotaUs: grown}
	}

	// Once the quota share is inside the hysteresis band the shrink
	// threshold goes non-positive and no utilization can clear it.
	currentPct := cgroups.PercentFromQuota(currentQuotaUs, cfg.PeriodUs)
	if throttledDelta == 0 && currentPct > cfg.HysteresisPct &&
		util < float64(currentPct-cfg.HysteresisPct)/100 {
		step := currentQuotaUs / 10
		if min := cfg.PeriodUs / 100; step < min {
			step = min
		}
		shrunk := clamp(saturatingSub(currentQuotaUs, step), cfg.MinQuotaUs(), cfg.MaxQuotaUs())
		if shrunk == currentQuotaUs {
			return Decision{Action: Hold, NewQuotaUs: currentQuotaUs}
		}
		return Decision{Action: Adjust, NewQuotaUs: shrunk}
	}

	return Decision{Action: Hold, NewQuotaUs: currentQuotaUs}
}

func clamp(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
