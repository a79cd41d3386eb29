// Package dispatch orchestrates the safety pipeline: classify, policy,
// circuit breaker, approval, provider execution, trust recording, receipt.
// The dispatcher is the only component with side effects outside its own
// state: it calls providers and writes receipts. Every dispatch settles to
// exactly one typed outcome and exactly one receipt; no provider error or
// panic escapes to the caller unwrapped.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bastionhq/bastion/internal/approval"
	"github.com/bastionhq/bastion/internal/capability"
	"github.com/bastionhq/bastion/internal/classify"
	"github.com/bastionhq/bastion/internal/policy"
	"github.com/bastionhq/bastion/internal/receipt"
	"github.com/bastionhq/bastion/internal/route"
	"github.com/bastionhq/bastion/internal/trust"
)

const malformedPayloadLimit = 512

// ConfigSource yields immutable config snapshots. Readers get a consistent
// rule set for the whole dispatch even if a hot reload lands mid-flight.
type ConfigSource interface {
	PolicyConfig() *policy.Config
	ClassifyConfig() *classify.Config
}

// State is the shared context one dispatch carries through the stage
// pipeline. Stages read what earlier stages wrote.
type State struct {
	Intent      capability.ActionIntent
	Tier        capability.RiskTier
	Explanation classify.Explanation
	Policy      *policy.Snapshot
	Route       *route.Decision
	Result      capability.ExecResult

	policyCfg     *policy.Config
	classifyCfg   *classify.Config
	needsApproval bool
	approvalWhy   string
	breakerWhy    trust.BreakerVerdict
	executed      bool // provider invocation began; trust must be recorded

	outcome receipt.Outcome
	err     error
}

// Stage is one step of the dispatch pipeline. Returning a non-nil error
// halts the pipeline; the stage must have set the state's outcome first.
// New gates slot into the ordered stage list without touching the
// dispatcher's control flow.
type Stage interface {
	Name() string
	Run(ctx context.Context, st *State) error
}

// stageFunc adapts a function to Stage.
type stageFunc struct {
	name string
	fn   func(ctx context.Context, st *State) error
}

func (s stageFunc) Name() string                             { return s.name }
func (s stageFunc) Run(ctx context.Context, st *State) error { return s.fn(ctx, st) }

// Dispatcher wires the pipeline components. All collaborators are injected;
// there are no ambient globals, so tests construct fresh dispatchers freely.
type Dispatcher struct {
	classifier      *classify.Classifier
	engine          *policy.Engine
	router          *route.Router
	ledger          *trust.Ledger
	approvals       approval.Channel
	emitter         receipt.Emitter
	configs         ConfigSource
	approvalTimeout time.Duration
	logger          *zap.Logger
	stages          []Stage
}

// Options configures a Dispatcher.
type Options struct {
	Classifier      *classify.Classifier
	Engine          *policy.Engine
	Router          *route.Router
	Ledger          *trust.Ledger
	Approvals       approval.Channel
	Emitter         receipt.Emitter
	Configs         ConfigSource
	ApprovalTimeout time.Duration
	Logger          *zap.Logger
}

// NewDispatcher creates a dispatcher with the standard stage order.
func NewDispatcher(opts Options) *Dispatcher {
	timeout := opts.ApprovalTimeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	approvals := opts.Approvals
	if approvals == nil {
		approvals = approval.DenyAll{}
	}
	d := &Dispatcher{
		classifier:      opts.Classifier,
		engine:          opts.Engine,
		router:          opts.Router,
		ledger:          opts.Ledger,
		approvals:       approvals,
		emitter:         opts.Emitter,
		configs:         opts.Configs,
		approvalTimeout: timeout,
		logger:          opts.Logger,
	}
	d.stages = []Stage{
		stageFunc{"classify", d.stageClassify},
		stageFunc{"policy", d.stagePolicy},
		stageFunc{"breaker", d.stageBreaker},
		stageFunc{"approval", d.stageApproval},
		stageFunc{"execute", d.stageExecute},
		stageFunc{"record", d.stageRecord},
	}
	return d
}

// Dispatch evaluates and executes one intent. It always returns a receipt,
// regardless of outcome, and the receipt is emitted exactly once.
func (d *Dispatcher) Dispatch(ctx context.Context, intent capability.ActionIntent) (capability.ExecResult, *receipt.Receipt, error) {
	start := time.Now()
	st := &State{
		Intent:      intent,
		policyCfg:   d.configs.PolicyConfig(),
		classifyCfg: d.configs.ClassifyConfig(),
	}

	// Cancellation before any stage leaves no side effects at all.
	if err := ctx.Err(); err != nil {
		st.outcome = receipt.OutcomeCancelled
		st.err = ErrCancelled
	} else {
		d.run(ctx, st)
	}

	rec := receipt.New(intent)
	rec.TierUsed = st.Tier
	rec.Policy = st.Policy
	rec.Route = redactDecision(st.Route)
	rec.Outcome = st.outcome
	rec.Duration = time.Since(start)
	if st.err != nil {
		rec.Error = policy.Redact(st.err.Error())
	}
	d.emitter.Emit(rec)

	d.logger.Info("dispatch settled",
		zap.String("receipt_id", rec.ID),
		zap.String("capability", intent.Capability.String()),
		zap.String("action", intent.Action),
		zap.String("outcome", st.outcome.String()),
		zap.Duration("duration", rec.Duration),
	)
	return st.Result, rec, st.err
}

func (d *Dispatcher) run(ctx context.Context, st *State) {
	for _, stage := range d.stages {
		// A caller cancel before provider invocation aborts with no
		// counters touched. Once execution began we settle normally so the
		// outcome is counted exactly once.
		if ctx.Err() != nil && !st.executed {
			st.outcome = receipt.OutcomeCancelled
			st.err = ErrCancelled
			return
		}
		if err := stage.Run(ctx, st); err != nil {
			if st.outcome == receipt.OutcomeUnspecified {
				st.outcome = receipt.OutcomeProviderFailed
			}
			st.err = err
			return
		}
	}
	st.outcome = receipt.OutcomeSucceeded
}

func (d *Dispatcher) stageClassify(ctx context.Context, st *State) error {
	st.Tier, st.Explanation = d.classifier.Classify(ctx, st.Intent, st.classifyCfg)
	return nil
}

func (d *Dispatcher) stagePolicy(_ context.Context, st *State) error {
	st.Policy = d.engine.Evaluate(st.Intent, st.policyCfg)
	if st.Policy.Denied() {
		st.outcome = receipt.OutcomePolicyDenied
		return &PolicyViolationError{Snapshot: st.Policy}
	}
	return nil
}

func (d *Dispatcher) stageBreaker(ctx context.Context, st *State) error {
	if st.Tier >= capability.TierT3 {
		// Owner approval is required anyway; nothing automatic to meter.
		st.needsApproval = true
		st.approvalWhy = "tier T3 requires explicit owner approval"
		return nil
	}

	key := trust.Key(st.Intent.Capability, st.Intent.Scope)
	verdict, err := d.ledger.ConsumeApproval(ctx, key)
	if err != nil {
		st.outcome = receipt.OutcomeBreakerTripped
		return fmt.Errorf("breaker check: %w", err)
	}
	if verdict != trust.BreakerAllow {
		// Trust would allow it, but the breaker demands a human.
		st.needsApproval = true
		st.approvalWhy = "circuit breaker: " + verdict.String()
		st.breakerWhy = verdict
	}
	return nil
}

func (d *Dispatcher) stageApproval(ctx context.Context, st *State) error {
	if !st.needsApproval {
		return nil
	}

	askCtx, cancel := context.WithTimeout(ctx, d.approvalTimeout)
	defer cancel()

	decision, err := d.approvals.Ask(askCtx, approval.Request{
		Kind:       "action",
		Capability: st.Intent.Capability.String(),
		Scope:      st.Intent.Scope,
		Summary:    fmt.Sprintf("%s %s (%s)", st.Intent.Action, policy.Redact(st.Intent.Target), st.approvalWhy),
	})
	if err != nil {
		decision = approval.Declined // fail closed on a broken channel
	}
	if decision == approval.Approved {
		return nil
	}

	if st.breakerWhy != trust.BreakerAllow {
		st.outcome = receipt.OutcomeBreakerTripped
		return &BreakerTrippedError{
			Key:     trust.Key(st.Intent.Capability, st.Intent.Scope),
			Verdict: st.breakerWhy,
		}
	}
	st.outcome = receipt.OutcomeApprovalDenied
	return &ApprovalDeniedError{Reason: decision.String()}
}

func (d *Dispatcher) stageExecute(ctx context.Context, st *State) error {
	st.executed = true

	result, decision, err := d.router.Execute(ctx, st.Intent)
	st.Route = decision
	st.Result = result

	if err != nil {
		st.outcome = receipt.OutcomeProviderFailed
		d.recordOutcome(st, false)
		var offline *route.AllProvidersOfflineError
		if errors.As(err, &offline) {
			return offline
		}
		return fmt.Errorf("provider execution: %w", err)
	}

	// A provider claiming success with uninterpretable output is a failure
	// for trust purposes; the payload is bounded before it can reach audit.
	if result.OutputJSON != "" && !json.Valid([]byte(result.OutputJSON)) {
		st.Result.Status = capability.ExecStatusMalformed
		st.outcome = receipt.OutcomeProviderFailed
		d.recordOutcome(st, false)
		return &MalformedOutputError{
			ProviderID: result.ProviderID,
			Payload:    truncatePayload(result.OutputJSON),
		}
	}
	return nil
}

func (d *Dispatcher) stageRecord(ctx context.Context, st *State) error {
	d.recordOutcome(st, true)
	_ = ctx
	return nil
}

// recordOutcome settles the trust ledger exactly once per dispatch.
func (d *Dispatcher) recordOutcome(st *State, success bool) {
	// Detached context: the caller cancelling must not lose the settlement.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, scope := st.Intent.Capability, st.Intent.Scope
	if success {
		if proposal, err := d.ledger.RecordSuccess(ctx, c, scope); err != nil {
			d.logger.Error("trust record success failed", zap.Error(err))
		} else if proposal != nil {
			go d.offerGraduation(proposal)
		}
		return
	}
	if err := d.ledger.RecordFailure(ctx, c, scope); err != nil {
		d.logger.Error("trust record failure failed", zap.Error(err))
	}
}

// offerGraduation forwards a fresh proposal to the approval channel and
// applies the owner's decision.
func (d *Dispatcher) offerGraduation(p *trust.GraduationProposal) {
	ctx, cancel := context.WithTimeout(context.Background(), d.approvalTimeout)
	defer cancel()

	decision, err := d.approvals.Ask(ctx, approval.Request{
		ID:         p.ID,
		Kind:       "graduation",
		Capability: p.Capability.String(),
		Scope:      p.Scope,
		Summary: fmt.Sprintf("graduate %s from %s to %s after %d consecutive successes",
			p.Capability, p.FromTier, p.ToTier, p.Streak),
	})
	if err != nil {
		d.logger.Error("graduation approval ask failed", zap.Error(err))
		return
	}
	if decision == approval.TimedOut {
		// Leave the proposal pending; it expires on its own TTL.
		return
	}
	if _, err := d.ledger.ApplyGraduation(ctx, p.ID, decision == approval.Approved); err != nil {
		d.logger.Error("apply graduation failed",
			zap.String("proposal_id", p.ID),
			zap.Error(err),
		)
	}
}

// ExplainPolicy runs classification and policy evaluation without routing,
// executing or touching any counter. Dry-run tooling for callers.
func (d *Dispatcher) ExplainPolicy(ctx context.Context, intent capability.ActionIntent) (capability.RiskTier, classify.Explanation, *policy.Snapshot) {
	tier, ex := d.classifier.Classify(ctx, intent, d.configs.ClassifyConfig())
	snap := d.engine.Evaluate(intent, d.configs.PolicyConfig())
	return tier, ex, snap
}

// Revoke exposes trust revocation to the orchestrator layer.
func (d *Dispatcher) Revoke(ctx context.Context, c capability.Capability, scope string, severity trust.RevokeSeverity) error {
	return d.ledger.RevokeTrust(ctx, c, scope, severity)
}

// Ledger exposes the trust ledger for read paths (status endpoints).
func (d *Dispatcher) Ledger() *trust.Ledger { return d.ledger }

// redactDecision copies a routing decision with provider failure reasons
// redacted. Provider errors can quote backend credentials; the receipt copy
// must not.
func redactDecision(d *route.Decision) *route.Decision {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Rationale = policy.Redact(d.Rationale)
	cp.Candidates = make([]route.Candidate, len(d.Candidates))
	for i, c := range d.Candidates {
		c.Reason = policy.Redact(c.Reason)
		cp.Candidates[i] = c
	}
	return &cp
}

func truncatePayload(s string) string {
	if len(s) <= malformedPayloadLimit {
		return s
	}
	return s[:malformedPayloadLimit] + "...(truncated)"
}
