package policy

import (
	"testing"

	"github.com/bastionhq/bastion/internal/capability"
)

func netIntent(target string) capability.ActionIntent {
	return capability.ActionIntent{
		Capability: capability.CapNetCall,
		Action:     "http_get",
		Target:     target,
		Scope:      "web",
	}
}

func netConfig(domains ...string) *Config {
	return &Config{
		WorkspaceRoot: "/workspace",
		Network: NetworkPolicy{
			AllowedCapabilities: []string{"net_call"},
			AllowedDomains:      domains,
		},
	}
}

func TestNetworkGate_AllowedDomain(t *testing.T) {
	g := NewNetworkGate()
	cfg := netConfig("example.com")

	for _, target := range []string{
		"https://example.com/api",
		"https://api.example.com/v1",
		"http://deep.sub.example.com",
	} {
		if v := g.Check(netIntent(target), cfg); v != nil {
			t.Errorf("unexpected violation for %q: %s", target, v.Detail)
		}
	}
}

func TestNetworkGate_DotBoundary(t *testing.T) {
	g := NewNetworkGate()
	cfg := netConfig("example.com")

	// A lookalike domain must not satisfy the allowlist.
	for _, target := range []string{
		"https://evilexample.com/",
		"https://example.com.evil.net/",
	} {
		if v := g.Check(netIntent(target), cfg); v == nil {
			t.Errorf("expected violation for lookalike %q", target)
		}
	}
}

func TestNetworkGate_EmptyAllowlistDeniesAll(t *testing.T) {
	g := NewNetworkGate()
	cfg := netConfig()

	if v := g.Check(netIntent("https://example.com/"), cfg); v == nil {
		t.Error("expected violation with empty domain allowlist")
	}
}

func TestNetworkGate_CapabilityWithoutException(t *testing.T) {
	g := NewNetworkGate()
	cfg := netConfig("example.com")

	// A URL-shaped target from a non-network capability is still network
	// shaped, and file_read has no allow-exception.
	intent := capability.ActionIntent{
		Capability: capability.CapFileRead,
		Target:     "https://example.com/data.csv",
	}
	if v := g.Check(intent, cfg); v == nil {
		t.Error("expected violation: file_read has no network allow-exception")
	}
}

func TestNetworkGate_UndeterminableHost(t *testing.T) {
	g := NewNetworkGate()
	cfg := netConfig("example.com")

	if v := g.Check(netIntent("not a url"), cfg); v == nil {
		t.Error("expected violation when host cannot be determined")
	}
}

func TestNetworkGate_IgnoresLocalPaths(t *testing.T) {
	g := NewNetworkGate()
	cfg := netConfig("example.com")

	intent := capability.ActionIntent{
		Capability: capability.CapFileRead,
		Target:     "docs/notes.txt",
	}
	if v := g.Check(intent, cfg); v != nil {
		t.Errorf("unexpected violation for local path: %s", v.Detail)
	}
}

func TestDomainMatches(t *testing.T) {
	if !domainMatches("api.example.com", "example.com") {
		t.Error("subdomain should match")
	}
	if !domainMatches("example.com", "EXAMPLE.com") {
		t.Error("matching is case-insensitive")
	}
	if domainMatches("evilexample.com", "example.com") {
		t.Error("suffix without dot boundary must not match")
	}
}
