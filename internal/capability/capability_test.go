package capability

import "testing"

func TestParseRoundTrip(t *testing.T) {
	for _, c := range All {
		if got := Parse(c.String()); got != c {
			t.Errorf("Parse(%q) = %v, want %v", c.String(), got, c)
		}
	}
	if Parse("time_travel") != CapUnspecified {
		t.Error("unknown names must parse to CapUnspecified")
	}
}

func TestParseTier_UnknownFailsClosed(t *testing.T) {
	for _, s := range []string{"", "T4", "t1", "low"} {
		if got := ParseTier(s); got != TierT3 {
			t.Errorf("ParseTier(%q) = %s, want T3", s, got)
		}
	}
	if ParseTier("T1") != TierT1 {
		t.Error("ParseTier(T1) should round-trip")
	}
}

func TestTierOrdering(t *testing.T) {
	if !TierT3.MoreRestrictive(TierT0) {
		t.Error("T3 is more restrictive than T0")
	}
	if Max(TierT1, TierT2) != TierT2 {
		t.Error("Max should return the more restrictive tier")
	}
	if Min(TierT1, TierT2) != TierT1 {
		t.Error("Min should return the less restrictive tier")
	}
	if TierT0.Clamp(TierT1, TierT3) != TierT1 {
		t.Error("Clamp should raise below-range tiers to the floor")
	}
}

func TestIntentKey(t *testing.T) {
	intent := ActionIntent{Capability: CapShellExec, Scope: "connectors/ci"}
	if got := intent.Key(); got != "shell_exec:connectors/ci" {
		t.Errorf("Key() = %q", got)
	}
}
