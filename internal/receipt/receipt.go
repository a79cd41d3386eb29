// Package receipt defines the immutable audit record written for every
// dispatched action and the append-only sinks that persist it.
package receipt

import (
	"time"

	"github.com/google/uuid"

	"github.com/bastionhq/bastion/internal/capability"
	"github.com/bastionhq/bastion/internal/policy"
	"github.com/bastionhq/bastion/internal/route"
)

// Outcome names the stage at which a dispatch settled.
type Outcome int

const (
	OutcomeUnspecified Outcome = iota
	OutcomeSucceeded
	OutcomePolicyDenied
	OutcomeBreakerTripped
	OutcomeApprovalDenied
	OutcomeProviderFailed
	OutcomeCancelled
)

// String returns the snake_case outcome name (used for storage).
func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomePolicyDenied:
		return "policy_denied"
	case OutcomeBreakerTripped:
		return "breaker_tripped"
	case OutcomeApprovalDenied:
		return "approval_denied"
	case OutcomeProviderFailed:
		return "provider_failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unspecified"
	}
}

// Receipt is written exactly once per dispatch, success or failure, and
// never mutated afterward. Retention is an external concern; this core never
// deletes receipts.
type Receipt struct {
	ID         string
	Timestamp  time.Time
	Capability capability.Capability
	Action     string
	Scope      string
	TierUsed   capability.RiskTier
	Policy     *policy.Snapshot
	Route      *route.Decision
	Outcome    Outcome
	Duration   time.Duration
	Error      string // redacted, bounded; empty on success
}

// New creates a receipt skeleton for an intent. The dispatcher fills in the
// remaining fields before emitting.
func New(intent capability.ActionIntent) *Receipt {
	return &Receipt{
		ID:         uuid.New().String(),
		Timestamp:  time.Now(),
		Capability: intent.Capability,
		Action:     intent.Action,
		Scope:      intent.Scope,
	}
}

// Emitter is an append-only receipt sink. Emit must never block the caller.
type Emitter interface {
	Emit(r *Receipt)
	Close()
}
