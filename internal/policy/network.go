package policy

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/bastionhq/bastion/internal/capability"
)

// NetworkGate enforces the default-deny network policy. Only capabilities
// carrying an explicit allow-exception may reach the network, and only
// toward allow-listed domains. A target whose host cannot be determined is
// denied: fail closed.
type NetworkGate struct{}

func NewNetworkGate() *NetworkGate { return &NetworkGate{} }

func (g *NetworkGate) Name() string { return "network_policy" }

func (g *NetworkGate) Check(intent capability.ActionIntent, cfg *Config) *Violation {
	networkShaped := intent.Capability == capability.CapNetCall || looksLikeURL(intent.Target)
	if !networkShaped {
		return nil
	}

	if !capabilityAllowed(intent.Capability, cfg.Network.AllowedCapabilities) {
		return &Violation{
			Rule:   g.Name(),
			Detail: fmt.Sprintf("capability %s has no network allow-exception", intent.Capability),
		}
	}

	host := hostOf(intent.Target)
	if host == "" {
		return &Violation{Rule: g.Name(), Detail: "cannot determine target host"}
	}

	for _, domain := range cfg.Network.AllowedDomains {
		if domainMatches(host, domain) {
			return nil
		}
	}
	return &Violation{
		Rule:   g.Name(),
		Detail: fmt.Sprintf("domain %s not in allowlist", host),
	}
}

func capabilityAllowed(c capability.Capability, allowed []string) bool {
	for _, name := range allowed {
		if capability.Parse(name) == c {
			return true
		}
	}
	return false
}

func looksLikeURL(target string) bool {
	return strings.HasPrefix(target, "http://") ||
		strings.HasPrefix(target, "https://") ||
		strings.HasPrefix(target, "ws://") ||
		strings.HasPrefix(target, "wss://")
}

func hostOf(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// domainMatches reports whether host equals domain or is one of its
// subdomains. The dot boundary prevents evilexample.com matching example.com.
func domainMatches(host, domain string) bool {
	domain = strings.ToLower(domain)
	return host == domain || strings.HasSuffix(host, "."+domain)
}
