// Package classify computes the authorization tier for an action intent by
// layering capability defaults, scope escalation rules, the constitutional
// floor and the trust ledger's adjustment. All layers except the last may
// only escalate; trust may only lower, and never below the floor.
package classify

import (
	"context"

	"go.uber.org/zap"

	"github.com/bastionhq/bastion/internal/capability"
	"github.com/bastionhq/bastion/internal/soul"
)

// TrustReader is the classifier's read-only view of the trust ledger.
type TrustReader interface {
	// EffectiveTier returns the ledger's current effective tier for the
	// (capability, scope) key. ok is false when the key has no record.
	EffectiveTier(ctx context.Context, c capability.Capability, scope string) (capability.RiskTier, bool)
}

// Explanation records how each layer contributed to the final tier.
// Embedded in receipts so an audit can replay the decision.
type Explanation struct {
	Default      capability.RiskTier
	ScopeRule    string // name of the winning scope rule, "" if none matched
	AfterScope   capability.RiskTier
	Floor        capability.RiskTier
	FloorVersion string
	AfterFloor   capability.RiskTier
	TrustApplied bool
	TrustTier    capability.RiskTier
	Final        capability.RiskTier
}

// Classifier is pure over its config snapshot plus the injected collaborators.
type Classifier struct {
	authority soul.Authority
	trust     TrustReader
	logger    *zap.Logger
}

// NewClassifier creates a classifier. trust may be nil (no adjustment layer).
func NewClassifier(authority soul.Authority, trust TrustReader, logger *zap.Logger) *Classifier {
	return &Classifier{authority: authority, trust: trust, logger: logger}
}

// Classify computes the effective tier for an intent.
//
// Layering:
//  1. capability default (config table, T3 when absent: unknown fails closed)
//  2. scope rule escalation: most specific (longest) matching scope wins,
//     equally specific rules resolve to the higher tier
//  3. constitutional floor, re-read from the authority on every call
//  4. trust adjustment: applied only when lower than the tier so far, and
//     clamped so it never goes below the floor
func (cl *Classifier) Classify(ctx context.Context, intent capability.ActionIntent, cfg *Config) (capability.RiskTier, Explanation) {
	var ex Explanation

	ex.Default = cfg.DefaultTier(intent.Capability)
	tier := ex.Default

	if rule, ok := cfg.MatchScopeRule(intent.Scope); ok {
		ex.ScopeRule = rule.Name
		tier = capability.Max(tier, rule.MinTier())
	}
	ex.AfterScope = tier

	ex.Floor = cl.authority.FloorTier(intent.Capability)
	ex.FloorVersion = cl.authority.Version()
	tier = capability.Max(tier, ex.Floor)
	ex.AfterFloor = tier

	if cl.trust != nil {
		if trustTier, ok := cl.trust.EffectiveTier(ctx, intent.Capability, intent.Scope); ok {
			ex.TrustTier = trustTier
			// Trust can only lower, and only down to the floor.
			if trustTier < tier {
				tier = capability.Max(trustTier, ex.Floor)
				ex.TrustApplied = true
			}
		}
	}

	ex.Final = tier
	cl.logger.Debug("classified intent",
		zap.String("capability", intent.Capability.String()),
		zap.String("scope", intent.Scope),
		zap.String("tier", tier.String()),
		zap.String("floor", ex.Floor.String()),
		zap.Bool("trust_applied", ex.TrustApplied),
	)
	return tier, ex
}
