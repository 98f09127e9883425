package scheduler

import (
	"testing"
	"time"

	"github.com/containerd/errdefs"

	"github.com/ext-sakamoro/ALICE-Container/cgroups"
)

func testConfig() Config {
	return Config{
		TargetLatencyUs: 1_000,
		MinQuotaPct:     10,
		MaxQuotaPct:     100,
		PeriodUs:        100_000,
		TickIntervalUs:  10_000,
		BurstFactor:     2.0,
		HysteresisPct:   5,
	}
}

func sample(at time.Time, usage, throttled uint64) cgroups.Sample {
	return cgroups.Sample{
		Stats: cgroups.CpuStats{UsageUsec: usage, ThrottledUsec: throttled},
		At:    at,
	}
}

func TestDecideIdenticalSamplesHold(t *testing.T) {
	now := time.Now()
	s := sample(now, 1000, 0)
	d := Decide(testConfig(), s, s, 50_000)
	if d.Action != Hold {
		t.Errorf("identical samples: %v, want hold", d.Action)
	}
}

func TestDecideThrottleDrivenBurst(t *testing.T) {
	// The end-to-end scenario: 10ms of throttling inside a 100ms
	// window at a 10ms quota doubles the quota.
	t0 := time.Now()
	prev := sample(t0, 0, 0)
	cur := sample(t0.Add(100*time.Millisecond), 50_000, 10_000)
	d := Decide(testConfig(), prev, cur, 10_000)
	if d.Action != Adjust {
		t.Fatalf("action = %v, want adjust", d.Action)
	}
	if d.NewQuotaUs != 20_000 {
		t.Errorf("new quota = %d, want 20000", d.NewQuotaUs)
	}
}

func TestDecideBurstClampsToMax(t *testing.T) {
	t0 := time.Now()
	prev := sample(t0, 0, 0)
	cur := sample(t0.Add(100*time.Millisecond), 90_000, 50_000)
	d := Decide(testConfig(), prev, cur, 80_000)
	if d.Action != Adjust || d.NewQuotaUs != 100_000 {
		t.Errorf("decision = %+v, want adjust to 100000", d)
	}
}

func TestDecideBurstAtMaxHolds(t *testing.T) {
	t0 := time.Now()
	prev := sample(t0, 0, 0)
	cur := sample(t0.Add(100*time.Millisecond), 100_000, 50_000)
	d := Decide(testConfig(), prev, cur, 100_000)
	if d.Action != Hold {
		t.Errorf("already at max: %v, want hold", d.Action)
	}
}

func TestDecideUnderutilizedShrinks(t *testing.T) {
	t0 := time.Now()
	prev := sample(t0, 0, 0)
	// 10% utilization against an 80% quota, no throttling.
	cur := sample(t0.Add(100*time.Millisecond), 10_000, 0)
	d := Decide(testConfig(), prev, cur, 80_000)
	if d.Action != Adjust {
		t.Fatalf("action = %v, want adjust", d.Action)
	}
	if d.NewQuotaUs != 72_000 {
		t.Errorf("new quota = %d, want 72000 (one 10%% step down)", d.NewQuotaUs)
	}
}

func TestDecideShrinkClampsToMin(t *testing.T) {
	t0 := time.Now()
	prev := sample(t0, 0, 0)
	cur := sample(t0.Add(100*time.Millisecond), 0, 0)
	d := Decide(testConfig(), prev, cur, 11_000)
	if d.Action != Adjust || d.NewQuotaUs != 10_000 {
		t.Errorf("decision = %+v, want clamp to 10000", d)
	}
	// At the floor the core holds instead of re-proposing the floor.
	d = Decide(testConfig(), prev, cur, 10_000)
	if d.Action != Hold {
		t.Errorf("at min: %v, want hold", d.Action)
	}
}

func TestDecideHysteresisDeadBand(t *testing.T) {
	t0 := time.Now()
	prev := sample(t0, 0, 0)
	// 46% utilization with a 50% quota is inside the 5% dead band.
	cur := sample(t0.Add(100*time.Millisecond), 46_000, 0)
	d := Decide(testConfig(), prev, cur, 50_000)
	if d.Action != Hold {
		t.Errorf("inside dead band: %v, want hold", d.Action)
	}
}

func TestDecideHoldsInsideHysteresisFloor(t *testing.T) {
	// With the quota share at or below the hysteresis band the shrink
	// threshold is non-positive, so even a fully idle interval holds.
	cfg := testConfig()
	cfg.MinQuotaPct = 1
	t0 := time.Now()
	prev := sample(t0, 0, 0)
	cur := sample(t0.Add(100*time.Millisecond), 0, 0)
	for _, quota := range []uint64{3_000, 5_000, 1_000} {
		d := Decide(cfg, prev, cur, quota)
		if d.Action != Hold {
			t.Errorf("quota %d inside hysteresis floor: %v, want hold", quota, d.Action)
		}
		if d.NewQuotaUs != quota {
			t.Errorf("quota %d changed to %d", quota, d.NewQuotaUs)
		}
	}
	// Just above the band the shrink condition is live again.
	d := Decide(cfg, prev, cur, 6_000)
	if d.Action != Adjust || d.NewQuotaUs >= 6_000 {
		t.Errorf("quota above the band: %+v, want a shrink", d)
	}
}

func TestDecideNeverShrinksWhileThrottled(t *testing.T) {
	// Throttled time is growing but below the burst threshold; low
	// utilization must not shrink the quota.
	cfg := testConfig()
	cfg.TargetLatencyUs = 100_000
	t0 := time.Now()
	prev := sample(t0, 0, 0)
	cur := sample(t0.Add(100*time.Millisecond), 5_000, 500)
	d := Decide(cfg, prev, cur, 80_000)
	if d.Action != Hold {
		t.Errorf("throttled interval: %v, want hold", d.Action)
	}
	if d.NewQuotaUs < 80_000 {
		t.Errorf("quota dropped to %d while throttling", d.NewQuotaUs)
	}
}

func TestDecideTieBreakThrottlingWins(t *testing.T) {
	// Both conditions fire: heavy throttling and low utilization.
	t0 := time.Now()
	prev := sample(t0, 0, 0)
	cur := sample(t0.Add(100*time.Millisecond), 1_000, 20_000)
	d := Decide(testConfig(), prev, cur, 50_000)
	if d.Action != Adjust || d.NewQuotaUs <= 50_000 {
		t.Errorf("decision = %+v, want burst above 50000", d)
	}
}

func TestDecideQuotaAlwaysInBounds(t *testing.T) {
	cfg := testConfig()
	t0 := time.Now()
	for _, quota := range []uint64{1, 5_000, 10_000, 55_000, 100_000, 400_000} {
		for _, throttled := range []uint64{0, 10_000, 90_000} {
			prev := sample(t0, 0, 0)
			cur := sample(t0.Add(100*time.Millisecond), 30_000, throttled)
			d := Decide(cfg, prev, cur, quota)
			if d.Action != Adjust {
				continue
			}
			if d.NewQuotaUs < cfg.MinQuotaUs() || d.NewQuotaUs > cfg.MaxQuotaUs() {
				t.Errorf("quota %d escaped bounds from %d (throttled %d)", d.NewQuotaUs, quota, throttled)
			}
		}
	}
}

func TestConfigValidate(t *testing.T) {
	ok := testConfig()
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	cases := []func(*Config){
		func(c *Config) { c.TargetLatencyUs = 50 },
		func(c *Config) { c.TargetLatencyUs = 200_000 },
		func(c *Config) { c.MinQuotaPct = 0 },
		func(c *Config) { c.MaxQuotaPct = 101 },
		func(c *Config) { c.MinQuotaPct = 80; c.MaxQuotaPct = 20 },
		func(c *Config) { c.BurstFactor = 0.5 },
		func(c *Config) { c.BurstFactor = 5.0 },
		func(c *Config) { c.PeriodUs = 10 },
	}
	for i, mutate := range cases {
		c := testConfig()
		mutate(&c)
		if err := c.Validate(); !errdefs.IsInvalidArgument(err) {
			t.Errorf("case %d: got %v, want invalid argument", i, err)
		}
	}
}
