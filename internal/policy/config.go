package policy

// Config is a read-only snapshot of the policy rule set. A Config value is
// never mutated after load; hot reload swaps in a whole new value so readers
// never observe a partially updated rule set.
type Config struct {
	// WorkspaceRoot is the absolute directory all path-shaped targets must
	// stay inside.
	WorkspaceRoot string `yaml:"workspace_root"`

	// CommandDenylist holds banned command tokens. Matching is exact or
	// prefix on shell-tokenized words, never substring.
	CommandDenylist []string `yaml:"command_denylist"`

	// SensitivePatterns are path basename patterns blocked regardless of
	// workspace membership. Patterns use filepath.Match syntax.
	SensitivePatterns []string `yaml:"sensitive_patterns"`

	// Network is the default-deny network policy.
	Network NetworkPolicy `yaml:"network"`

	// ParamSchemas maps "capability:action" to a JSON Schema (as a generic
	// document) that the intent's parameters must satisfy.
	ParamSchemas map[string]map[string]any `yaml:"param_schemas"`
}

// NetworkPolicy controls which capabilities may reach the network and where.
type NetworkPolicy struct {
	// AllowedCapabilities lists capability names with an explicit network
	// allow-exception. Everything else is denied network access.
	AllowedCapabilities []string `yaml:"allowed_capabilities"`

	// AllowedDomains is the domain allowlist for permitted capabilities.
	// A domain entry matches itself and its subdomains.
	AllowedDomains []string `yaml:"allowed_domains"`
}

// DefaultConfig returns the shipped rule set used when no config file is
// present. Conservative by construction.
func DefaultConfig() *Config {
	return &Config{
		WorkspaceRoot: "/workspace",
		CommandDenylist: []string{
			"rm", "rmdir", "mkfs", "dd", "shred",
			"shutdown", "reboot", "halt",
			"chmod", "chown",
			"curl", "wget", "nc", "ncat",
			"sudo", "su", "doas",
			"eval", "exec",
		},
		SensitivePatterns: []string{
			".env", ".env.*", ".ssh", ".aws", ".gnupg",
			"credentials*", "secrets*", "*.pem", "*.key", "id_rsa*",
		},
		Network: NetworkPolicy{
			AllowedCapabilities: []string{"net_call"},
			AllowedDomains:      nil, // empty allowlist: all domains denied
		},
	}
}
