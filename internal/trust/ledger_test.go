package trust

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bastionhq/bastion/internal/capability"
)

func testTierFunc(c capability.Capability) capability.RiskTier {
	switch c {
	case capability.CapFileRead:
		return capability.TierT0
	case capability.CapFileWrite:
		return capability.TierT1
	case capability.CapFileDelete:
		return capability.TierT3
	default:
		return capability.TierT2
	}
}

func newTestLedger(t *testing.T) (*Ledger, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &now
	l := NewLedger(NewMemoryStore(), DefaultConfig(), testTierFunc, nil, zap.NewNop()).
		WithClock(func() time.Time { return *clock })
	return l, clock
}

func TestRecordSuccess_ConcurrentCountersAreExact(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	const n = 1000
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := l.RecordSuccess(ctx, capability.CapFileWrite, "ws"); err != nil {
				t.Errorf("RecordSuccess: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, err := l.Record(ctx, capability.CapFileWrite, "ws")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.ConsecutiveSuccesses != n {
		t.Errorf("expected exactly %d successes, got %d", n, rec.ConsecutiveSuccesses)
	}
}

func TestGraduation_ProposalAtThreshold(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	// shell_exec starts at T2; leaving T2 needs a 100-success streak.
	var proposal *GraduationProposal
	for i := 0; i < 100; i++ {
		p, err := l.RecordSuccess(ctx, capability.CapShellExec, "ws")
		if err != nil {
			t.Fatalf("RecordSuccess: %v", err)
		}
		if p != nil {
			if i != 99 {
				t.Fatalf("proposal appeared at streak %d, expected 100", i+1)
			}
			proposal = p
		}
	}
	if proposal == nil {
		t.Fatal("expected a proposal at streak 100")
	}
	if proposal.FromTier != capability.TierT2 || proposal.ToTier != capability.TierT1 {
		t.Errorf("expected T2 -> T1, got %s -> %s", proposal.FromTier, proposal.ToTier)
	}
	if proposal.Status != ProposalPending {
		t.Errorf("new proposal should be PENDING, got %s", proposal.Status)
	}

	// Only one pending proposal per key: further successes do not propose.
	p, err := l.RecordSuccess(ctx, capability.CapShellExec, "ws")
	if err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if p != nil {
		t.Error("a second proposal must not appear while one is pending")
	}
}

func TestGraduation_ApproveLowersOneStep(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	var proposal *GraduationProposal
	for i := 0; i < 100; i++ {
		p, _ := l.RecordSuccess(ctx, capability.CapShellExec, "ws")
		if p != nil {
			proposal = p
		}
	}

	decided, err := l.ApplyGraduation(ctx, proposal.ID, true)
	if err != nil {
		t.Fatalf("ApplyGraduation: %v", err)
	}
	if decided.Status != ProposalApproved {
		t.Errorf("expected APPROVED, got %s", decided.Status)
	}

	rec, _ := l.Record(ctx, capability.CapShellExec, "ws")
	if rec.EffectiveTier != capability.TierT1 {
		t.Errorf("expected effective tier T1 after approval, got %s", rec.EffectiveTier)
	}
	if len(rec.History) != 1 || rec.History[0].Kind != "graduation" {
		t.Errorf("expected one graduation history event, got %+v", rec.History)
	}

	// The streak keeps accruing: the next step (T1 -> T0) needs 200 total.
	if rec.ConsecutiveSuccesses != 100 {
		t.Errorf("streak should survive approval, got %d", rec.ConsecutiveSuccesses)
	}

	// Deciding an already-decided proposal fails.
	if _, err := l.ApplyGraduation(ctx, proposal.ID, true); err != ErrProposalNotPending {
		t.Errorf("expected ErrProposalNotPending, got %v", err)
	}
}

func TestGraduation_DeclineStartsCooldown(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	var proposal *GraduationProposal
	for i := 0; i < 100; i++ {
		p, _ := l.RecordSuccess(ctx, capability.CapShellExec, "ws")
		if p != nil {
			proposal = p
		}
	}
	if _, err := l.ApplyGraduation(ctx, proposal.ID, false); err != nil {
		t.Fatalf("ApplyGraduation: %v", err)
	}

	rec, _ := l.Record(ctx, capability.CapShellExec, "ws")
	if rec.EffectiveTier != capability.TierT2 {
		t.Errorf("decline must not change the tier, got %s", rec.EffectiveTier)
	}

	// Inside the cooldown: no new proposal, however long the streak.
	for i := 0; i < 50; i++ {
		if p, _ := l.RecordSuccess(ctx, capability.CapShellExec, "ws"); p != nil {
			t.Fatal("no proposal may appear during the decline cooldown")
		}
	}

	// Past the cooldown the streak still qualifies, so the next success
	// proposes again.
	*clock = clock.Add(8 * 24 * time.Hour)
	p, err := l.RecordSuccess(ctx, capability.CapShellExec, "ws")
	if err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if p == nil {
		t.Error("expected a fresh proposal after the cooldown")
	}
}

func TestGraduation_ProposalExpires(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	var proposal *GraduationProposal
	for i := 0; i < 100; i++ {
		p, _ := l.RecordSuccess(ctx, capability.CapShellExec, "ws")
		if p != nil {
			proposal = p
		}
	}

	*clock = clock.Add(73 * time.Hour) // past the 72h TTL
	decided, err := l.ApplyGraduation(ctx, proposal.ID, true)
	if err != ErrProposalNotPending {
		t.Fatalf("expected ErrProposalNotPending for expired proposal, got %v", err)
	}
	if decided.Status != ProposalExpired {
		t.Errorf("expected EXPIRED, got %s", decided.Status)
	}

	rec, _ := l.Record(ctx, capability.CapShellExec, "ws")
	if rec.EffectiveTier != capability.TierT2 {
		t.Errorf("expired proposal must not change the tier, got %s", rec.EffectiveTier)
	}
}

func TestRecordFailure_RevokesAtThreshold(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	// Earn T1 on shell_exec first.
	var proposal *GraduationProposal
	for i := 0; i < 100; i++ {
		p, _ := l.RecordSuccess(ctx, capability.CapShellExec, "ws")
		if p != nil {
			proposal = p
		}
	}
	if _, err := l.ApplyGraduation(ctx, proposal.ID, true); err != nil {
		t.Fatalf("ApplyGraduation: %v", err)
	}

	// Two failures: not yet revoked.
	for i := 0; i < 2; i++ {
		if err := l.RecordFailure(ctx, capability.CapShellExec, "ws"); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
	rec, _ := l.Record(ctx, capability.CapShellExec, "ws")
	if rec.EffectiveTier != capability.TierT1 {
		t.Fatalf("tier should survive two failures, got %s", rec.EffectiveTier)
	}

	// The third failure snaps back to the default.
	if err := l.RecordFailure(ctx, capability.CapShellExec, "ws"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	rec, _ = l.Record(ctx, capability.CapShellExec, "ws")
	if rec.EffectiveTier != capability.TierT2 {
		t.Errorf("expected snap-back to default T2, got %s", rec.EffectiveTier)
	}
	if rec.ConsecutiveSuccesses != 0 || rec.ConsecutiveFailures != 0 {
		t.Errorf("revocation must zero the counters, got %d/%d",
			rec.ConsecutiveSuccesses, rec.ConsecutiveFailures)
	}
}

func TestRecordFailure_ZeroToleranceRevokesImmediately(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	// Earn T2 on file_delete, then fail once.
	var proposal *GraduationProposal
	for i := 0; i < 50; i++ {
		p, _ := l.RecordSuccess(ctx, capability.CapFileDelete, "ws")
		if p != nil {
			proposal = p
		}
	}
	if proposal == nil {
		t.Fatal("expected a T3 -> T2 proposal at streak 50")
	}
	if _, err := l.ApplyGraduation(ctx, proposal.ID, true); err != nil {
		t.Fatalf("ApplyGraduation: %v", err)
	}

	if err := l.RecordFailure(ctx, capability.CapFileDelete, "ws"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	rec, _ := l.Record(ctx, capability.CapFileDelete, "ws")
	if rec.EffectiveTier != capability.TierT3 {
		t.Errorf("zero-tolerance capability must revoke on first failure, got %s", rec.EffectiveTier)
	}
}

func TestRevokeTrust_Idempotent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	var proposal *GraduationProposal
	for i := 0; i < 100; i++ {
		p, _ := l.RecordSuccess(ctx, capability.CapShellExec, "ws")
		if p != nil {
			proposal = p
		}
	}
	if _, err := l.ApplyGraduation(ctx, proposal.ID, true); err != nil {
		t.Fatalf("ApplyGraduation: %v", err)
	}

	if err := l.RevokeTrust(ctx, capability.CapShellExec, "ws", SeverityResetToDefault); err != nil {
		t.Fatalf("RevokeTrust: %v", err)
	}
	first, _ := l.Record(ctx, capability.CapShellExec, "ws")

	if err := l.RevokeTrust(ctx, capability.CapShellExec, "ws", SeverityResetToDefault); err != nil {
		t.Fatalf("second RevokeTrust: %v", err)
	}
	second, _ := l.Record(ctx, capability.CapShellExec, "ws")

	if second.EffectiveTier != first.EffectiveTier {
		t.Errorf("second revoke changed the tier: %s vs %s", second.EffectiveTier, first.EffectiveTier)
	}
	if len(second.History) != len(first.History) {
		t.Errorf("second revoke appended history: %d vs %d events",
			len(second.History), len(first.History))
	}
}

func TestRevokeTrust_ResetAboveDefault(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	// file_write defaults to T1; the harsher severity lands at T2.
	if err := l.RevokeTrust(ctx, capability.CapFileWrite, "ws", SeverityResetAboveDefault); err != nil {
		t.Fatalf("RevokeTrust: %v", err)
	}
	rec, _ := l.Record(ctx, capability.CapFileWrite, "ws")
	if rec.EffectiveTier != capability.TierT2 {
		t.Errorf("expected T2 (one above default), got %s", rec.EffectiveTier)
	}

	// file_delete defaults to T3; above-default clamps at T3.
	if err := l.RevokeTrust(ctx, capability.CapFileDelete, "ws", SeverityResetAboveDefault); err != nil {
		t.Fatalf("RevokeTrust: %v", err)
	}
	rec, _ = l.Record(ctx, capability.CapFileDelete, "ws")
	if rec.EffectiveTier != capability.TierT3 {
		t.Errorf("expected clamp at T3, got %s", rec.EffectiveTier)
	}
}

func TestRevokeTrust_ExpiresPendingProposal(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	var proposal *GraduationProposal
	for i := 0; i < 100; i++ {
		p, _ := l.RecordSuccess(ctx, capability.CapShellExec, "ws")
		if p != nil {
			proposal = p
		}
	}
	if err := l.RevokeTrust(ctx, capability.CapShellExec, "ws", SeverityResetToDefault); err != nil {
		t.Fatalf("RevokeTrust: %v", err)
	}
	if _, err := l.ApplyGraduation(ctx, proposal.ID, true); err != ErrProposalNotPending {
		t.Errorf("proposal should be expired after revocation, got %v", err)
	}
}

func TestEffectiveTier_AbsentKey(t *testing.T) {
	l, _ := newTestLedger(t)

	if _, ok := l.EffectiveTier(context.Background(), capability.CapShellExec, "nowhere"); ok {
		t.Error("absent key must report ok=false")
	}
}

func TestSimulateTimeline(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	outcomes := make([]bool, 150)
	for i := range outcomes {
		outcomes[i] = true
	}
	steps, err := l.SimulateTimeline(ctx, capability.CapShellExec, "ws", outcomes)
	if err != nil {
		t.Fatalf("SimulateTimeline: %v", err)
	}
	if len(steps) != 150 {
		t.Fatalf("expected 150 steps, got %d", len(steps))
	}

	if !steps[99].WouldPropose {
		t.Error("step 100 should propose T2 -> T1")
	}
	if steps[99].EffectiveTier != capability.TierT1 {
		t.Errorf("projected tier after step 100 should be T1, got %s", steps[99].EffectiveTier)
	}
	if steps[149].EffectiveTier != capability.TierT1 {
		t.Errorf("streak 150 is short of the 200 needed for T0, got %s", steps[149].EffectiveTier)
	}

	// Projection only: no record was written.
	rec, _ := l.Record(ctx, capability.CapShellExec, "ws")
	if rec != nil {
		t.Error("simulation must not persist state")
	}
}

func TestSimulateTimeline_FailureRevokes(t *testing.T) {
	l, _ := newTestLedger(t)

	// file_delete is zero tolerance: one projected failure snaps back.
	steps, err := l.SimulateTimeline(context.Background(), capability.CapFileDelete, "ws", []bool{true, false})
	if err != nil {
		t.Fatalf("SimulateTimeline: %v", err)
	}
	if !steps[1].WouldRevoke {
		t.Error("projected failure on a zero-tolerance capability should revoke")
	}
	if steps[1].EffectiveTier != capability.TierT3 {
		t.Errorf("expected projected snap-back to T3, got %s", steps[1].EffectiveTier)
	}
}
