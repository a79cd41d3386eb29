// Package policy implements the stateless security gate chain: command
// denylist, path canonicalization and workspace boundary checks, sensitive
// path blocking, network policy and parameter schema validation. Gates run in
// a fixed order and short-circuit on the first violation. The engine fails
// closed: any gate error is a deny.
package policy

import (
	"time"

	"go.uber.org/zap"

	"github.com/bastionhq/bastion/internal/capability"
)

// Decision is the outcome of a policy evaluation.
type Decision int

const (
	DecisionDeny Decision = iota
	DecisionAllow
)

// String returns the lowercase decision name.
func (d Decision) String() string {
	if d == DecisionAllow {
		return "allow"
	}
	return "deny"
}

// Violation describes why a gate rejected an intent.
type Violation struct {
	Rule   string
	Detail string
}

// Snapshot is the immutable record of one policy evaluation. It is embedded
// verbatim in receipts, so it must only ever carry redacted inputs.
type Snapshot struct {
	Decision       Decision
	ViolatedRules  []string
	Details        []string
	RedactedTarget string
	RedactedParams string
	RiskEstimate   float32 // 0.0 - 1.0, highest gate confidence observed
	EvaluatedAt    time.Time
}

// Denied reports whether the snapshot is a deny.
func (s *Snapshot) Denied() bool { return s.Decision == DecisionDeny }

// Gate is a single policy check. Implementations are stateless and must be
// safe for concurrent use; all mutable inputs arrive via the arguments.
type Gate interface {
	// Name returns the gate's unique rule identifier.
	Name() string

	// Check inspects the intent against the supplied config snapshot.
	// A nil return means the gate passed.
	Check(intent capability.ActionIntent, cfg *Config) *Violation
}

// Engine runs the gate chain over intents. Engines are pure: the only state
// is the ordered gate list and a logger, both fixed at construction.
type Engine struct {
	gates  []Gate
	logger *zap.Logger
	clock  func() time.Time
}

// NewEngine creates an engine with the default gate chain in enforcement
// order. The order is part of the contract: cheaper, higher-signal gates run
// first so a blatantly banned command never reaches path canonicalization.
func NewEngine(logger *zap.Logger) *Engine {
	return NewEngineWithGates(logger,
		NewDenylistGate(),
		NewTraversalGate(),
		NewWorkspaceGate(),
		NewSensitivePathGate(),
		NewNetworkGate(),
		NewSchemaGate(),
	)
}

// NewEngineWithGates creates an engine with an explicit gate chain.
func NewEngineWithGates(logger *zap.Logger, gates ...Gate) *Engine {
	return &Engine{gates: gates, logger: logger, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Evaluate runs the gate chain against the intent and returns a snapshot.
// The first violation wins and later gates are skipped. A deny can never be
// overridden by a subsequently matching allow rule.
func (e *Engine) Evaluate(intent capability.ActionIntent, cfg *Config) *Snapshot {
	snap := &Snapshot{
		Decision:       DecisionAllow,
		RedactedTarget: Redact(intent.Target),
		RedactedParams: Redact(intent.ParamsJSON),
		EvaluatedAt:    e.clock(),
	}

	for _, g := range e.gates {
		v := g.Check(intent, cfg)
		if v == nil {
			continue
		}
		snap.Decision = DecisionDeny
		snap.ViolatedRules = append(snap.ViolatedRules, v.Rule)
		snap.Details = append(snap.Details, Redact(v.Detail))
		snap.RiskEstimate = 1.0
		e.logger.Info("policy deny",
			zap.String("rule", v.Rule),
			zap.String("capability", intent.Capability.String()),
			zap.String("action", intent.Action),
			zap.String("scope", intent.Scope),
		)
		return snap
	}

	return snap
}
