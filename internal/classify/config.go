package classify

import (
	"strings"

	"github.com/bastionhq/bastion/internal/capability"
)

// ScopeRule forces a tier floor for intents whose scope falls under a scope
// path. Scope paths are "/"-separated; a rule matches its own path and any
// descendant.
type ScopeRule struct {
	Name  string `yaml:"name"`
	Scope string `yaml:"scope"`
	Tier  string `yaml:"tier"`
}

// MinTier returns the tier the rule enforces.
func (r ScopeRule) MinTier() capability.RiskTier {
	return capability.ParseTier(r.Tier)
}

func (r ScopeRule) matches(scope string) bool {
	return scope == r.Scope || strings.HasPrefix(scope, r.Scope+"/")
}

// Config is the classifier's read-only rule snapshot.
type Config struct {
	// Defaults maps capability name to its default tier label.
	Defaults map[string]string `yaml:"defaults"`

	// ScopeRules escalate by scope path.
	ScopeRules []ScopeRule `yaml:"scope_rules"`
}

// DefaultConfig returns the shipped tier table.
func DefaultConfig() *Config {
	return &Config{
		Defaults: map[string]string{
			"file_read":   "T0",
			"file_write":  "T1",
			"shell_exec":  "T2",
			"net_call":    "T2",
			"repo_mutate": "T2",
			"file_delete": "T3",
		},
	}
}

// DefaultTier returns the configured default for a capability. Capabilities
// missing from the table get T3: an unknown action fails closed.
func (c *Config) DefaultTier(cap capability.Capability) capability.RiskTier {
	label, ok := c.Defaults[cap.String()]
	if !ok {
		return capability.TierT3
	}
	return capability.ParseTier(label)
}

// MatchScopeRule returns the winning rule for a scope, if any. The most
// specific match (longest scope path) wins; among equally specific matches
// the more restrictive tier wins.
func (c *Config) MatchScopeRule(scope string) (ScopeRule, bool) {
	var best ScopeRule
	bestLen := -1
	found := false
	for _, r := range c.ScopeRules {
		if !r.matches(scope) {
			continue
		}
		l := len(r.Scope)
		switch {
		case l > bestLen:
			best, bestLen, found = r, l, true
		case l == bestLen && r.MinTier() > best.MinTier():
			best = r
		}
	}
	return best, found
}
