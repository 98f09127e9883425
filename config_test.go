package alice

import (
	"strings"
	"testing"

	"github.com/containerd/errdefs"

	"github.com/ext-sakamoro/ALICE-Container/cgroups"
	"github.com/ext-sakamoro/ALICE-Container/namespaces"
)

func validConfig() *Config {
	return &Config{
		Rootfs: "/var/lib/alice/rootfs",
		Args:   []string{"/bin/sh"},
	}
}

func TestConfigValidate(t *testing.T) {
	if err := validConfig().Validate("c1"); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name string
		id   string
		edit func(*Config)
	}{
		{"empty id", "", nil},
		{"bad id charset", "no/slash", nil},
		{"id too long", strings.Repeat("x", 65), nil},
		{"missing rootfs", "c1", func(c *Config) { c.Rootfs = "" }},
		{"missing args", "c1", func(c *Config) { c.Args = nil }},
		{"hostname too long", "c1", func(c *Config) { c.Hostname = strings.Repeat("h", 65) }},
		{"cpu percent over 100", "c1", func(c *Config) { c.CpuPercent = 101 }},
		{"overlapping id maps", "c1", func(c *Config) {
			c.Namespaces = namespaces.DefaultSet | namespaces.USER
			c.UidMappings = []namespaces.IdMap{
				{InsideId: 0, OutsideId: 1000, Length: 10},
				{InsideId: 5, OutsideId: 2000, Length: 10},
			}
		}},
		{"id maps without user ns", "c1", func(c *Config) {
			c.UidMappings = []namespaces.IdMap{namespaces.RootTo(1000)}
		}},
	}
	for _, tc := range cases {
		c := validConfig()
		if tc.edit != nil {
			tc.edit(c)
		}
		if err := c.Validate(tc.id); !errdefs.IsInvalidArgument(err) {
			t.Errorf("%s: got %v, want invalid argument", tc.name, err)
		}
	}
}

func TestConfigNamespaceDefault(t *testing.T) {
	c := validConfig()
	if got := c.nsSet(); got != namespaces.DefaultSet {
		t.Errorf("default namespaces = %s", got)
	}
	c.Namespaces = namespaces.MOUNT | namespaces.NET
	if got := c.nsSet(); got != namespaces.MOUNT|namespaces.NET {
		t.Errorf("explicit namespaces = %s", got)
	}
}

func TestConfigResources(t *testing.T) {
	c := validConfig()
	r := c.resources()
	if r.Cpu.QuotaUs != cgroups.Unlimited || r.Memory != cgroups.Unlimited {
		t.Errorf("unlimited defaults: %+v", r)
	}
	c.CpuPercent = 50
	c.MemoryMax = 256 << 20
	r = c.resources()
	if r.Cpu.QuotaUs != 50_000 || r.Cpu.PeriodUs != 100_000 {
		t.Errorf("cpu resources = %+v", r.Cpu)
	}
	if r.Memory != 256<<20 {
		t.Errorf("memory = %d", r.Memory)
	}
}
