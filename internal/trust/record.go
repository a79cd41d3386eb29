// Package trust tracks per-(capability, scope) success and failure streaks,
// proposes and applies one-step tier graduation, and enforces circuit
// breakers, cooldowns and snap-back revocation. All counter mutations for a
// key are serialized; distinct keys never contend.
package trust

import (
	"time"

	"github.com/bastionhq/bastion/internal/capability"
)

// Key identifies a trust record.
func Key(c capability.Capability, scope string) string {
	return c.String() + ":" + scope
}

// Record is the long-lived trust state for one (capability, scope) key.
// Mutated only through the Ledger's serialized operations and persisted
// after each committed mutation.
type Record struct {
	Capability           capability.Capability
	Scope                string
	ConsecutiveSuccesses int
	ConsecutiveFailures  int
	EffectiveTier        capability.RiskTier
	DefaultTier          capability.RiskTier // configured default, revocation target
	CooldownUntil        time.Time           // no new proposals before this
	History              []GraduationEvent
	UpdatedAt            time.Time
}

// clone returns a deep copy, used by dry-run projections.
func (r *Record) clone() *Record {
	cp := *r
	cp.History = append([]GraduationEvent(nil), r.History...)
	return &cp
}

// GraduationEvent is one committed trust transition, kept in the record's
// history for audit.
type GraduationEvent struct {
	At       time.Time
	FromTier capability.RiskTier
	ToTier   capability.RiskTier
	Kind     string // "graduation", "revocation"
	Detail   string
}

// ProposalStatus is the lifecycle state of a graduation proposal.
type ProposalStatus int

const (
	ProposalPending ProposalStatus = iota
	ProposalApproved
	ProposalDeclined
	ProposalExpired
)

// String returns the uppercase status name.
func (s ProposalStatus) String() string {
	switch s {
	case ProposalPending:
		return "PENDING"
	case ProposalApproved:
		return "APPROVED"
	case ProposalDeclined:
		return "DECLINED"
	case ProposalExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// GraduationProposal proposes exactly one tier step down for a key.
// Skipping tiers is structurally impossible: ToTier is always FromTier-1.
type GraduationProposal struct {
	ID         string
	Capability capability.Capability
	Scope      string
	FromTier   capability.RiskTier
	ToTier     capability.RiskTier
	Streak     int // supporting evidence: consecutive successes at creation
	Status     ProposalStatus
	CreatedAt  time.Time
	DecidedAt  time.Time
	ExpiresAt  time.Time
}

// RevokeSeverity selects the revocation target tier.
type RevokeSeverity int

const (
	// SeverityResetToDefault restores the capability's configured default tier.
	SeverityResetToDefault RevokeSeverity = iota
	// SeverityResetAboveDefault lands one tier worse than the default,
	// capped at T3. Used for rollback-path failures.
	SeverityResetAboveDefault
)

// String returns the snake_case severity name.
func (s RevokeSeverity) String() string {
	if s == SeverityResetAboveDefault {
		return "reset_above_default"
	}
	return "reset_to_default"
}

// BreakerState is the circuit-breaker ledger entry for one key. Counters are
// monotonically non-decreasing within a window; the daily window resets at
// UTC midnight.
type BreakerState struct {
	Key           string
	Day           string // UTC date "2006-01-02" the daily counter belongs to
	DailyCount    int
	LifetimeCount int
	Reconfirmed   bool // owner re-confirmation after the lifetime threshold
	UpdatedAt     time.Time
}

func (b *BreakerState) clone() *BreakerState {
	cp := *b
	return &cp
}
