package trust

import "time"

// Config holds the trust ledger tunables.
type Config struct {
	// GraduationThresholds are the consecutive-success streaks required for
	// each downward step, indexed by the tier being left: [T3→T2, T2→T1,
	// T1→T0].
	GraduationThresholds [3]int `yaml:"graduation_thresholds"`

	// RevocationThreshold is the consecutive-failure count that triggers
	// snap-back revocation.
	RevocationThreshold int `yaml:"revocation_threshold"`

	// ZeroTolerance lists capability names that revoke on the first failure.
	ZeroTolerance []string `yaml:"zero_tolerance"`

	// DeclineCooldown is how long after a declined proposal no new proposal
	// may be generated for the key.
	DeclineCooldown time.Duration `yaml:"decline_cooldown"`

	// ProposalTTL is how long a PENDING proposal stays decidable before it
	// expires.
	ProposalTTL time.Duration `yaml:"proposal_ttl"`

	// DailyApprovalLimit caps automatic approvals per key per UTC day.
	DailyApprovalLimit int `yaml:"daily_approval_limit"`

	// LifetimeReconfirmThreshold is the cumulative auto-approval count after
	// which the owner must re-confirm the rule.
	LifetimeReconfirmThreshold int `yaml:"lifetime_reconfirm_threshold"`
}

// DefaultConfig returns the shipped ledger tunables.
func DefaultConfig() *Config {
	return &Config{
		GraduationThresholds:       [3]int{50, 100, 200},
		RevocationThreshold:        3,
		ZeroTolerance:              []string{"file_delete", "repo_mutate"},
		DeclineCooldown:            7 * 24 * time.Hour,
		ProposalTTL:                72 * time.Hour,
		DailyApprovalLimit:         50,
		LifetimeReconfirmThreshold: 1000,
	}
}

// thresholdFor returns the streak needed to leave the given tier, or 0 when
// the tier has no downward step.
func (c *Config) thresholdFor(tier int) int {
	// tier is the RiskTier integer: T3=3 → index 0, T2=2 → index 1, T1=1 → index 2.
	switch tier {
	case 3:
		return c.GraduationThresholds[0]
	case 2:
		return c.GraduationThresholds[1]
	case 1:
		return c.GraduationThresholds[2]
	default:
		return 0
	}
}

func (c *Config) zeroTolerance(capName string) bool {
	for _, n := range c.ZeroTolerance {
		if n == capName {
			return true
		}
	}
	return false
}
