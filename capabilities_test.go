//go:build linux

package alice

import "testing"

func TestCapabilitiesBitset(t *testing.T) {
	var c Capabilities
	if c.Has(CapDirectSpawn) {
		t.Error("empty set claims direct spawn")
	}
	if c.String() != "none" {
		t.Errorf("empty set = %q", c.String())
	}
	c = CapDirectSpawn | CapPsiTriggers
	if !c.Has(CapDirectSpawn) || !c.Has(CapPsiTriggers) {
		t.Error("set membership broken")
	}
	if c.Has(CapBatchedWrites) {
		t.Error("phantom capability")
	}
	if c.Has(CapDirectSpawn | CapBatchedWrites) {
		t.Error("partial mask reported as full")
	}
	got := c.String()
	if got != "direct-spawn,psi-triggers" {
		t.Errorf("string = %q", got)
	}
}
