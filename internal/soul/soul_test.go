package soul

import (
	"testing"

	"github.com/bastionhq/bastion/internal/capability"
)

func TestDefaultAuthority(t *testing.T) {
	a := DefaultAuthority()

	if a.FloorTier(capability.CapFileDelete) != capability.TierT1 {
		t.Error("file_delete floor should be T1")
	}
	if a.FloorTier(capability.CapFileRead) != capability.TierT0 {
		t.Error("undeclared capabilities have a T0 floor")
	}
	if a.Version() == "" {
		t.Error("authority must report a version")
	}
}

func TestSwap(t *testing.T) {
	a := NewStaticAuthority("v1", map[capability.Capability]capability.RiskTier{
		capability.CapNetCall: capability.TierT2,
	})

	floors := map[capability.Capability]capability.RiskTier{
		capability.CapNetCall: capability.TierT3,
	}
	a.Swap("v2", floors)

	if a.FloorTier(capability.CapNetCall) != capability.TierT3 {
		t.Error("swap should take effect immediately")
	}
	if a.Version() != "v2" {
		t.Errorf("version should follow the swap, got %s", a.Version())
	}

	// Mutating the caller's map after the swap must not reach the authority.
	floors[capability.CapNetCall] = capability.TierT0
	if a.FloorTier(capability.CapNetCall) != capability.TierT3 {
		t.Error("authority must copy the floor table")
	}
}
