package trust

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// BreakerVerdict is the outcome of a circuit-breaker check.
type BreakerVerdict int

const (
	BreakerAllow BreakerVerdict = iota
	// BreakerDailyExhausted blocks automatic approval until the next UTC day.
	BreakerDailyExhausted
	// BreakerNeedsReconfirm blocks automatic approval until the owner
	// explicitly re-confirms the rule.
	BreakerNeedsReconfirm
)

// String returns the snake_case verdict name.
func (v BreakerVerdict) String() string {
	switch v {
	case BreakerDailyExhausted:
		return "daily_exhausted"
	case BreakerNeedsReconfirm:
		return "needs_reconfirm"
	default:
		return "allow"
	}
}

// breakerDay formats the UTC day bucket. The daily counter resets at UTC
// midnight, a deterministic wall-clock boundary rather than a rolling 24h
// window.
func breakerDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// CheckBreaker evaluates the circuit breaker for a key without consuming an
// approval. When both the lifetime re-confirmation gate and the daily cap
// are tripped, the lifetime gate is reported: it is the stricter one, since
// a day boundary will not clear it.
func (l *Ledger) CheckBreaker(ctx context.Context, key string) (BreakerVerdict, error) {
	lock := l.keyLock("breaker/" + key)
	lock.Lock()
	defer lock.Unlock()

	st, err := l.loadBreaker(ctx, key)
	if err != nil {
		return BreakerNeedsReconfirm, err // fail closed
	}
	return l.verdictLocked(st), nil
}

// ConsumeApproval records one automatic approval against the key's counters.
// Returns the verdict that held before consumption; only BreakerAllow
// consumes. Counters are monotonically non-decreasing within their window.
func (l *Ledger) ConsumeApproval(ctx context.Context, key string) (BreakerVerdict, error) {
	lock := l.keyLock("breaker/" + key)
	lock.Lock()
	defer lock.Unlock()

	st, err := l.loadBreaker(ctx, key)
	if err != nil {
		return BreakerNeedsReconfirm, err // fail closed
	}

	verdict := l.verdictLocked(st)
	if verdict != BreakerAllow {
		return verdict, nil
	}

	st.DailyCount++
	st.LifetimeCount++
	st.UpdatedAt = l.clock()
	if err := l.store.SaveBreaker(ctx, st); err != nil {
		return BreakerNeedsReconfirm, fmt.Errorf("trust: save breaker: %w", err)
	}
	return BreakerAllow, nil
}

// Reconfirm records explicit owner re-confirmation for a key, clearing the
// lifetime gate and restarting the cumulative count.
func (l *Ledger) Reconfirm(ctx context.Context, key string) error {
	lock := l.keyLock("breaker/" + key)
	lock.Lock()
	defer lock.Unlock()

	st, err := l.loadBreaker(ctx, key)
	if err != nil {
		return err
	}
	st.Reconfirmed = true
	st.LifetimeCount = 0
	st.UpdatedAt = l.clock()
	if err := l.store.SaveBreaker(ctx, st); err != nil {
		return fmt.Errorf("trust: save breaker: %w", err)
	}
	l.logger.Info("circuit breaker reconfirmed", zap.String("key", key))
	return nil
}

// loadBreaker loads the state for a key, rolling the daily window when the
// stored day is not today. Caller must hold the breaker key lock.
func (l *Ledger) loadBreaker(ctx context.Context, key string) (*BreakerState, error) {
	st, err := l.store.LoadBreaker(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("trust: load breaker: %w", err)
	}
	today := breakerDay(l.clock())
	if st == nil {
		return &BreakerState{Key: key, Day: today}, nil
	}
	if st.Day != today {
		st.Day = today
		st.DailyCount = 0
	}
	return st, nil
}

func (l *Ledger) verdictLocked(st *BreakerState) BreakerVerdict {
	if l.cfg.LifetimeReconfirmThreshold > 0 &&
		st.LifetimeCount >= l.cfg.LifetimeReconfirmThreshold {
		return BreakerNeedsReconfirm
	}
	if l.cfg.DailyApprovalLimit > 0 && st.DailyCount >= l.cfg.DailyApprovalLimit {
		return BreakerDailyExhausted
	}
	return BreakerAllow
}
