package cgroups

import (
	"testing"

	"github.com/containerd/errdefs"
)

func TestCpuMaxLine(t *testing.T) {
	c := CpuConfig{QuotaUs: 50_000, PeriodUs: 100_000}
	if got := c.CpuMaxLine(); got != "50000 100000" {
		t.Errorf("cpu.max line = %q", got)
	}
	c = UnlimitedCpu()
	if got := c.CpuMaxLine(); got != "max 100000" {
		t.Errorf("unlimited cpu.max line = %q", got)
	}
}

func TestCpuConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		c       CpuConfig
		invalid bool
	}{
		{"ok", CpuConfig{QuotaUs: 50_000, PeriodUs: 100_000}, false},
		{"zero quota", CpuConfig{QuotaUs: 0, PeriodUs: 100_000}, true},
		{"period too small", CpuConfig{QuotaUs: 500, PeriodUs: 999}, true},
		{"period too large", CpuConfig{QuotaUs: 500, PeriodUs: 1_000_001}, true},
		{"quota over ceiling", CpuConfig{QuotaUs: (100_000 << 20) + 1, PeriodUs: 100_000}, true},
		{"unlimited", UnlimitedCpu(), false},
	}
	for _, tc := range cases {
		err := tc.c.Validate()
		if tc.invalid && !errdefs.IsInvalidArgument(err) {
			t.Errorf("%s: got %v, want invalid argument", tc.name, err)
		}
		if !tc.invalid && err != nil {
			t.Errorf("%s: unexpected %v", tc.name, err)
		}
	}
}

func TestIoMaxLine(t *testing.T) {
	l := IoLimit{Major: 8, Minor: 0, Rbps: 1048576, Wbps: 524288}
	got := l.IoMaxLine()
	want := "8:0 rbps=1048576 wbps=524288 riops=max wiops=max"
	if got != want {
		t.Errorf("io.max line = %q, want %q", got, want)
	}
}

func TestMemoryMaxLine(t *testing.T) {
	if got := MemoryMaxLine(268435456); got != "268435456" {
		t.Errorf("memory.max line = %q", got)
	}
	if got := MemoryMaxLine(Unlimited); got != "max" {
		t.Errorf("unlimited memory.max line = %q", got)
	}
}

func TestQuotaPercentConversion(t *testing.T) {
	if q := QuotaFromPercent(50, 100_000); q != 50_000 {
		t.Errorf("quota from 50%% = %d", q)
	}
	if q := QuotaFromPercent(100, 100_000); q != 100_000 {
		t.Errorf("quota from 100%% = %d", q)
	}
	if p := PercentFromQuota(50_000, 100_000); p != 50 {
		t.Errorf("percent from quota = %d", p)
	}
	if p := PercentFromQuota(1, 0); p != 0 {
		t.Errorf("zero period percent = %d", p)
	}
}
