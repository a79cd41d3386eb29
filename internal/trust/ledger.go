package trust

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bastionhq/bastion/internal/capability"
)

var (
	// ErrProposalNotFound means the id does not name a stored proposal.
	ErrProposalNotFound = errors.New("graduation proposal not found")
	// ErrProposalNotPending means the proposal was already decided or expired.
	ErrProposalNotPending = errors.New("graduation proposal is not pending")
)

// TierFunc resolves a capability to a tier. Used to inject the configured
// default table and the constitutional floor without coupling packages.
type TierFunc func(c capability.Capability) capability.RiskTier

// Ledger owns all trust-record and circuit-breaker mutations. Every
// operation on a (capability, scope) key runs under that key's mutex, so
// concurrent callers on the same key serialize while distinct keys proceed
// independently.
type Ledger struct {
	store       Store
	cfg         *Config
	defaultTier TierFunc
	floorTier   TierFunc
	logger      *zap.Logger
	clock       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLedger creates a ledger. defaultTier supplies each capability's
// configured default; floorTier supplies the constitutional floor (may be
// nil, meaning no floor).
func NewLedger(store Store, cfg *Config, defaultTier, floorTier TierFunc, logger *zap.Logger) *Ledger {
	if floorTier == nil {
		floorTier = func(capability.Capability) capability.RiskTier { return capability.TierT0 }
	}
	return &Ledger{
		store:       store,
		cfg:         cfg,
		defaultTier: defaultTier,
		floorTier:   floorTier,
		logger:      logger,
		clock:       time.Now,
		locks:       make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// keyLock returns the mutex serializing mutations for one key.
func (l *Ledger) keyLock(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// loadOrInit loads the record for a key, creating a fresh one at the
// capability's default tier when absent. Caller must hold the key lock.
func (l *Ledger) loadOrInit(ctx context.Context, c capability.Capability, scope string) (*Record, error) {
	rec, err := l.store.LoadRecord(ctx, Key(c, scope))
	if err != nil {
		return nil, fmt.Errorf("trust: load record: %w", err)
	}
	if rec == nil {
		def := l.defaultTier(c)
		rec = &Record{
			Capability:    c,
			Scope:         scope,
			EffectiveTier: def,
			DefaultTier:   def,
		}
	}
	return rec, nil
}

// EffectiveTier implements the classifier's read-only view.
func (l *Ledger) EffectiveTier(ctx context.Context, c capability.Capability, scope string) (capability.RiskTier, bool) {
	rec, err := l.store.LoadRecord(ctx, Key(c, scope))
	if err != nil || rec == nil {
		return capability.TierT3, false
	}
	return rec.EffectiveTier, true
}

// Record returns a copy of the stored trust record for a key, if any.
func (l *Ledger) Record(ctx context.Context, c capability.Capability, scope string) (*Record, error) {
	return l.store.LoadRecord(ctx, Key(c, scope))
}

// RecordSuccess increments the key's consecutive-success counter, resets the
// failure counter, persists, and returns a new PENDING GraduationProposal if
// the streak just made the key eligible for a one-step tier drop.
func (l *Ledger) RecordSuccess(ctx context.Context, c capability.Capability, scope string) (*GraduationProposal, error) {
	key := Key(c, scope)
	lock := l.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	rec, err := l.loadOrInit(ctx, c, scope)
	if err != nil {
		return nil, err
	}

	rec.ConsecutiveSuccesses++
	rec.ConsecutiveFailures = 0
	rec.UpdatedAt = l.clock()
	if err := l.store.SaveRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("trust: save record: %w", err)
	}

	return l.maybePropose(ctx, rec)
}

// maybePropose creates a one-step graduation proposal when the record is
// eligible. Caller must hold the key lock.
func (l *Ledger) maybePropose(ctx context.Context, rec *Record) (*GraduationProposal, error) {
	now := l.clock()
	if rec.EffectiveTier == capability.TierT0 {
		return nil, nil
	}
	if now.Before(rec.CooldownUntil) {
		return nil, nil
	}
	floor := l.floorTier(rec.Capability)
	if rec.EffectiveTier <= floor {
		return nil, nil // graduating below the floor would be meaningless
	}
	threshold := l.cfg.thresholdFor(int(rec.EffectiveTier))
	if threshold == 0 || rec.ConsecutiveSuccesses < threshold {
		return nil, nil
	}

	key := Key(rec.Capability, rec.Scope)
	pending, err := l.store.PendingProposal(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("trust: pending proposal: %w", err)
	}
	if pending != nil {
		if now.Before(pending.ExpiresAt) {
			return nil, nil // one pending proposal per key at a time
		}
		pending.Status = ProposalExpired
		pending.DecidedAt = now
		if err := l.store.SaveProposal(ctx, pending); err != nil {
			return nil, fmt.Errorf("trust: expire proposal: %w", err)
		}
	}

	p := &GraduationProposal{
		ID:         uuid.New().String(),
		Capability: rec.Capability,
		Scope:      rec.Scope,
		FromTier:   rec.EffectiveTier,
		ToTier:     rec.EffectiveTier - 1, // exactly one step, never a skip
		Streak:     rec.ConsecutiveSuccesses,
		Status:     ProposalPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(l.cfg.ProposalTTL),
	}
	if err := l.store.SaveProposal(ctx, p); err != nil {
		return nil, fmt.Errorf("trust: save proposal: %w", err)
	}

	l.logger.Info("graduation proposal created",
		zap.String("proposal_id", p.ID),
		zap.String("capability", rec.Capability.String()),
		zap.String("scope", rec.Scope),
		zap.String("from", p.FromTier.String()),
		zap.String("to", p.ToTier.String()),
		zap.Int("streak", p.Streak),
	)
	return p, nil
}

// CheckGraduation reports the key's pending proposal, creating one first if
// the current streak already qualifies. Returns nil when nothing is pending.
func (l *Ledger) CheckGraduation(ctx context.Context, c capability.Capability, scope string) (*GraduationProposal, error) {
	key := Key(c, scope)
	lock := l.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	pending, err := l.store.PendingProposal(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("trust: pending proposal: %w", err)
	}
	if pending != nil && l.clock().Before(pending.ExpiresAt) {
		return pending, nil
	}

	rec, err := l.loadOrInit(ctx, c, scope)
	if err != nil {
		return nil, err
	}
	return l.maybePropose(ctx, rec)
}

// ApplyGraduation commits or declines a pending proposal. Approval lowers
// the key's effective tier by exactly one step and logs a GraduationEvent;
// decline starts the cooldown window.
func (l *Ledger) ApplyGraduation(ctx context.Context, proposalID string, approve bool) (*GraduationProposal, error) {
	p, err := l.store.LoadProposal(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("trust: load proposal: %w", err)
	}
	if p == nil {
		return nil, ErrProposalNotFound
	}

	key := Key(p.Capability, p.Scope)
	lock := l.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a concurrent decision may have landed.
	p, err = l.store.LoadProposal(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("trust: load proposal: %w", err)
	}
	if p == nil {
		return nil, ErrProposalNotFound
	}
	now := l.clock()
	if p.Status == ProposalPending && now.After(p.ExpiresAt) {
		p.Status = ProposalExpired
		p.DecidedAt = now
		if err := l.store.SaveProposal(ctx, p); err != nil {
			return nil, fmt.Errorf("trust: expire proposal: %w", err)
		}
	}
	if p.Status != ProposalPending {
		return p, ErrProposalNotPending
	}

	rec, err := l.loadOrInit(ctx, p.Capability, p.Scope)
	if err != nil {
		return nil, err
	}

	p.DecidedAt = now
	if !approve {
		p.Status = ProposalDeclined
		rec.CooldownUntil = now.Add(l.cfg.DeclineCooldown)
	} else {
		p.Status = ProposalApproved
		rec.EffectiveTier = p.ToTier
		rec.History = append(rec.History, GraduationEvent{
			At:       now,
			FromTier: p.FromTier,
			ToTier:   p.ToTier,
			Kind:     "graduation",
			Detail:   fmt.Sprintf("approved after %d consecutive successes", p.Streak),
		})
	}
	rec.UpdatedAt = now

	if err := l.store.SaveRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("trust: save record: %w", err)
	}
	if err := l.store.SaveProposal(ctx, p); err != nil {
		return nil, fmt.Errorf("trust: save proposal: %w", err)
	}

	l.logger.Info("graduation proposal decided",
		zap.String("proposal_id", p.ID),
		zap.String("status", p.Status.String()),
		zap.String("capability", p.Capability.String()),
		zap.String("scope", p.Scope),
	)
	return p, nil
}

// RecordFailure increments the key's consecutive-failure counter and resets
// the success counter. Crossing the revocation threshold (immediately, for
// zero-tolerance capabilities) snaps the key back via RevokeTrust.
func (l *Ledger) RecordFailure(ctx context.Context, c capability.Capability, scope string) error {
	key := Key(c, scope)
	lock := l.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	rec, err := l.loadOrInit(ctx, c, scope)
	if err != nil {
		return err
	}

	rec.ConsecutiveFailures++
	rec.ConsecutiveSuccesses = 0
	rec.UpdatedAt = l.clock()
	if err := l.store.SaveRecord(ctx, rec); err != nil {
		return fmt.Errorf("trust: save record: %w", err)
	}

	if l.cfg.zeroTolerance(c.String()) || rec.ConsecutiveFailures >= l.cfg.RevocationThreshold {
		return l.revokeLocked(ctx, rec, SeverityResetToDefault)
	}
	return nil
}

// RevokeTrust resets the key's trust. Idempotent: revoking an already-reset
// record is a no-op with the same resulting state.
func (l *Ledger) RevokeTrust(ctx context.Context, c capability.Capability, scope string, severity RevokeSeverity) error {
	key := Key(c, scope)
	lock := l.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	rec, err := l.loadOrInit(ctx, c, scope)
	if err != nil {
		return err
	}
	return l.revokeLocked(ctx, rec, severity)
}

// revokeLocked applies a revocation. Caller must hold the key lock.
func (l *Ledger) revokeLocked(ctx context.Context, rec *Record, severity RevokeSeverity) error {
	target := rec.DefaultTier
	if severity == SeverityResetAboveDefault {
		target = capability.Min(rec.DefaultTier+1, capability.TierT3)
	}

	now := l.clock()
	if rec.EffectiveTier != target || rec.ConsecutiveSuccesses != 0 || rec.ConsecutiveFailures != 0 {
		if rec.EffectiveTier != target {
			rec.History = append(rec.History, GraduationEvent{
				At:       now,
				FromTier: rec.EffectiveTier,
				ToTier:   target,
				Kind:     "revocation",
				Detail:   severity.String(),
			})
		}
		rec.EffectiveTier = target
		rec.ConsecutiveSuccesses = 0
		rec.ConsecutiveFailures = 0
		rec.UpdatedAt = now
		if err := l.store.SaveRecord(ctx, rec); err != nil {
			return fmt.Errorf("trust: save record: %w", err)
		}
	}

	// An in-flight proposal no longer reflects reality after a revocation.
	pending, err := l.store.PendingProposal(ctx, Key(rec.Capability, rec.Scope))
	if err != nil {
		return fmt.Errorf("trust: pending proposal: %w", err)
	}
	if pending != nil {
		pending.Status = ProposalExpired
		pending.DecidedAt = now
		if err := l.store.SaveProposal(ctx, pending); err != nil {
			return fmt.Errorf("trust: expire proposal: %w", err)
		}
	}

	l.logger.Warn("trust revoked",
		zap.String("capability", rec.Capability.String()),
		zap.String("scope", rec.Scope),
		zap.String("severity", severity.String()),
		zap.String("tier", rec.EffectiveTier.String()),
	)
	return nil
}

// SimulatedStep is one projected state transition from SimulateTimeline.
type SimulatedStep struct {
	Outcome        string // "success" or "failure"
	Successes      int
	Failures       int
	EffectiveTier  capability.RiskTier
	WouldPropose   bool
	WouldRevoke    bool
	ProposalToTier capability.RiskTier
}

// SimulateTimeline projects the ledger rules over a hypothetical outcome
// sequence without mutating any state. Approvals are assumed granted
// immediately so the projection shows the fastest possible graduation path.
func (l *Ledger) SimulateTimeline(ctx context.Context, c capability.Capability, scope string, outcomes []bool) ([]SimulatedStep, error) {
	rec, err := l.store.LoadRecord(ctx, Key(c, scope))
	if err != nil {
		return nil, fmt.Errorf("trust: load record: %w", err)
	}
	if rec == nil {
		def := l.defaultTier(c)
		rec = &Record{Capability: c, Scope: scope, EffectiveTier: def, DefaultTier: def}
	} else {
		rec = rec.clone()
	}

	floor := l.floorTier(c)
	steps := make([]SimulatedStep, 0, len(outcomes))
	for _, success := range outcomes {
		step := SimulatedStep{Outcome: "failure"}
		if success {
			step.Outcome = "success"
			rec.ConsecutiveSuccesses++
			rec.ConsecutiveFailures = 0
			threshold := l.cfg.thresholdFor(int(rec.EffectiveTier))
			if rec.EffectiveTier > capability.TierT0 && rec.EffectiveTier > floor &&
				threshold > 0 && rec.ConsecutiveSuccesses >= threshold {
				step.WouldPropose = true
				step.ProposalToTier = rec.EffectiveTier - 1
				rec.EffectiveTier-- // assume approval; the streak keeps accruing
			}
		} else {
			rec.ConsecutiveFailures++
			rec.ConsecutiveSuccesses = 0
			if l.cfg.zeroTolerance(c.String()) || rec.ConsecutiveFailures >= l.cfg.RevocationThreshold {
				step.WouldRevoke = true
				rec.EffectiveTier = rec.DefaultTier
				rec.ConsecutiveSuccesses = 0
				rec.ConsecutiveFailures = 0
			}
		}
		step.Successes = rec.ConsecutiveSuccesses
		step.Failures = rec.ConsecutiveFailures
		step.EffectiveTier = rec.EffectiveTier
		steps = append(steps, step)
	}
	return steps, nil
}
