package route

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bastionhq/bastion/internal/capability"
)

// ErrNoCandidates means no registered provider supports the capability at
// all (before health filtering).
var ErrNoCandidates = errors.New("no provider supports capability")

// AllProvidersOfflineError is terminal: every eligible candidate was tried
// and failed. The decision inside records every attempt and its reason.
type AllProvidersOfflineError struct {
	Capability capability.Capability
	Decision   *Decision
}

func (e *AllProvidersOfflineError) Error() string {
	return fmt.Sprintf("all providers offline for %s (%d candidates tried)",
		e.Capability, len(e.Decision.Candidates))
}

// Candidate records why one provider was accepted or rejected during
// selection and execution. Kept for audit, not just the winner.
type Candidate struct {
	ProviderID string
	Priority   int
	Health     string
	Sandboxed  bool
	Accepted   bool
	Reason     string
}

// Decision is the audit record of one routing pass.
type Decision struct {
	SelectedID string
	Rationale  string
	Candidates []Candidate
}

// Router selects and executes against providers with failover.
type Router struct {
	registry       *Registry
	health         *HealthCache
	executeTimeout time.Duration
	safeMode       bool
	logger         *zap.Logger
}

// Options configures a Router.
type Options struct {
	Registry       *Registry
	Health         *HealthCache
	ExecuteTimeout time.Duration // per-candidate execution deadline
	SafeMode       bool          // restrict to sandboxed providers
	Logger         *zap.Logger
}

// NewRouter creates a router.
func NewRouter(opts Options) *Router {
	timeout := opts.ExecuteTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Router{
		registry:       opts.Registry,
		health:         opts.Health,
		executeTimeout: timeout,
		safeMode:       opts.SafeMode,
		logger:         opts.Logger,
	}
}

// Select filters and orders candidates for a capability without executing.
// The returned decision lists every registered candidate with its acceptance
// or rejection reason; the first accepted candidate is SelectedID.
func (r *Router) Select(ctx context.Context, c capability.Capability) (*Decision, []Provider, error) {
	candidates := r.registry.ForCapability(c)
	if len(candidates) == 0 {
		return &Decision{Rationale: "no provider supports capability"}, nil, ErrNoCandidates
	}

	decision := &Decision{}
	var eligible []Provider

	for _, p := range candidates {
		cand := Candidate{
			ProviderID: p.ID(),
			Priority:   p.Priority(),
			Sandboxed:  p.Sandboxed(),
		}

		h := r.health.Get(ctx, p)
		cand.Health = h.String()

		switch {
		case !h.Eligible():
			cand.Reason = "health OFFLINE"
		case r.safeMode && !p.Sandboxed():
			cand.Reason = "safe mode requires sandboxed provider"
		default:
			cand.Accepted = true
			cand.Reason = "eligible"
			eligible = append(eligible, p)
		}
		decision.Candidates = append(decision.Candidates, cand)
	}

	if len(eligible) == 0 {
		decision.Rationale = "no eligible candidate"
		return decision, nil, &AllProvidersOfflineError{Capability: c, Decision: decision}
	}

	decision.SelectedID = eligible[0].ID()
	decision.Rationale = fmt.Sprintf("priority %d, health %s",
		eligible[0].Priority(), r.health.Get(ctx, eligible[0]))
	return decision, eligible, nil
}

// Execute selects candidates and tries them in priority order. A candidate
// failure (error, non-OK status, timeout) marks the provider DEGRADED and
// moves on to the next candidate. Provider panics are converted to failures
// so they can never escape the router.
func (r *Router) Execute(ctx context.Context, intent capability.ActionIntent) (capability.ExecResult, *Decision, error) {
	decision, eligible, err := r.Select(ctx, intent.Capability)
	if err != nil {
		return capability.ExecResult{}, decision, err
	}

	for i, p := range eligible {
		result, execErr := r.executeOne(ctx, p, intent)
		if execErr == nil && result.OK() {
			decision.SelectedID = p.ID()
			r.annotate(decision, p.ID(), true, "executed")
			return result, decision, nil
		}

		reason := "execution failed"
		if execErr != nil {
			reason = execErr.Error()
		} else if result.Status == capability.ExecStatusTimeout {
			reason = "execution timed out"
		}
		r.annotate(decision, p.ID(), false, reason)
		r.health.Set(p.ID(), HealthDegraded)
		r.logger.Warn("provider attempt failed, trying next candidate",
			zap.String("provider", p.ID()),
			zap.String("capability", intent.Capability.String()),
			zap.Int("remaining", len(eligible)-i-1),
			zap.String("reason", reason),
		)

		if ctx.Err() != nil {
			return capability.ExecResult{}, decision, ctx.Err()
		}
	}

	decision.SelectedID = ""
	decision.Rationale = "all candidates exhausted"
	return capability.ExecResult{}, decision, &AllProvidersOfflineError{
		Capability: intent.Capability,
		Decision:   decision,
	}
}

// executeOne runs a single provider attempt under the per-candidate timeout,
// converting panics and deadline hits into typed failures.
func (r *Router) executeOne(ctx context.Context, p Provider, intent capability.ActionIntent) (result capability.ExecResult, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.executeTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("provider %s panicked: %v", p.ID(), rec)
			result = capability.ExecResult{Status: capability.ExecStatusFailed, ProviderID: p.ID()}
		}
	}()

	start := time.Now()
	result, err = p.Execute(attemptCtx, intent)
	result.ProviderID = p.ID()
	result.Duration = time.Since(start)

	if err == nil && attemptCtx.Err() == context.DeadlineExceeded {
		result.Status = capability.ExecStatusTimeout
	}
	return result, err
}

// annotate updates the candidate entry for a provider after an attempt.
func (r *Router) annotate(d *Decision, providerID string, accepted bool, reason string) {
	for i := range d.Candidates {
		if d.Candidates[i].ProviderID == providerID {
			d.Candidates[i].Accepted = accepted
			d.Candidates[i].Reason = reason
			return
		}
	}
}
