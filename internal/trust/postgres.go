package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bastionhq/bastion/internal/capability"
)

// PostgresStore persists trust state in Postgres, one row per key. Every
// Save is a single upsert, so a committed mutation is flushed before the
// ledger releases the key lock.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open *sql.DB (pgx stdlib driver).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema is the DDL for the trust tables. Applied by the operator or a
// migration step, not by this package.
const Schema = `
CREATE TABLE IF NOT EXISTS trust_records (
    key            TEXT PRIMARY KEY,
    capability     TEXT NOT NULL,
    scope          TEXT NOT NULL,
    successes      INTEGER NOT NULL DEFAULT 0,
    failures       INTEGER NOT NULL DEFAULT 0,
    effective_tier TEXT NOT NULL,
    default_tier   TEXT NOT NULL,
    cooldown_until TIMESTAMPTZ,
    history        JSONB NOT NULL DEFAULT '[]',
    updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS breaker_states (
    key            TEXT PRIMARY KEY,
    day            TEXT NOT NULL,
    daily_count    INTEGER NOT NULL DEFAULT 0,
    lifetime_count INTEGER NOT NULL DEFAULT 0,
    reconfirmed    BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS graduation_proposals (
    id         TEXT PRIMARY KEY,
    key        TEXT NOT NULL,
    capability TEXT NOT NULL,
    scope      TEXT NOT NULL,
    from_tier  TEXT NOT NULL,
    to_tier    TEXT NOT NULL,
    streak     INTEGER NOT NULL,
    status     TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    decided_at TIMESTAMPTZ,
    expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS graduation_proposals_key_status
    ON graduation_proposals (key, status);
`

type historyJSON []GraduationEvent

func (s *PostgresStore) LoadRecord(ctx context.Context, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT capability, scope, successes, failures, effective_tier,
		       default_tier, cooldown_until, history, updated_at
		FROM trust_records
		WHERE key = $1
	`, key)

	var (
		capName, scope, effective, def string
		successes, failures            int
		cooldown                       sql.NullTime
		historyRaw                     []byte
		updatedAt                      time.Time
	)
	if err := row.Scan(&capName, &scope, &successes, &failures, &effective,
		&def, &cooldown, &historyRaw, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("LoadRecord: %w", err)
	}

	rec := &Record{
		Capability:           capability.Parse(capName),
		Scope:                scope,
		ConsecutiveSuccesses: successes,
		ConsecutiveFailures:  failures,
		EffectiveTier:        capability.ParseTier(effective),
		DefaultTier:          capability.ParseTier(def),
		UpdatedAt:            updatedAt,
	}
	if cooldown.Valid {
		rec.CooldownUntil = cooldown.Time
	}
	if len(historyRaw) > 0 {
		var h historyJSON
		if err := json.Unmarshal(historyRaw, &h); err != nil {
			return nil, fmt.Errorf("LoadRecord: history: %w", err)
		}
		rec.History = h
	}
	return rec, nil
}

func (s *PostgresStore) SaveRecord(ctx context.Context, rec *Record) error {
	historyRaw, err := json.Marshal(historyJSON(rec.History))
	if err != nil {
		return fmt.Errorf("SaveRecord: history: %w", err)
	}

	var cooldown sql.NullTime
	if !rec.CooldownUntil.IsZero() {
		cooldown = sql.NullTime{Time: rec.CooldownUntil, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trust_records
		    (key, capability, scope, successes, failures, effective_tier,
		     default_tier, cooldown_until, history, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (key) DO UPDATE SET
		    successes      = EXCLUDED.successes,
		    failures       = EXCLUDED.failures,
		    effective_tier = EXCLUDED.effective_tier,
		    cooldown_until = EXCLUDED.cooldown_until,
		    history        = EXCLUDED.history,
		    updated_at     = EXCLUDED.updated_at
	`, Key(rec.Capability, rec.Scope), rec.Capability.String(), rec.Scope,
		rec.ConsecutiveSuccesses, rec.ConsecutiveFailures,
		rec.EffectiveTier.String(), rec.DefaultTier.String(),
		cooldown, historyRaw, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("SaveRecord: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadBreaker(ctx context.Context, key string) (*BreakerState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT day, daily_count, lifetime_count, reconfirmed, updated_at
		FROM breaker_states
		WHERE key = $1
	`, key)

	st := &BreakerState{Key: key}
	if err := row.Scan(&st.Day, &st.DailyCount, &st.LifetimeCount,
		&st.Reconfirmed, &st.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("LoadBreaker: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) SaveBreaker(ctx context.Context, st *BreakerState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO breaker_states
		    (key, day, daily_count, lifetime_count, reconfirmed, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
		    day            = EXCLUDED.day,
		    daily_count    = EXCLUDED.daily_count,
		    lifetime_count = EXCLUDED.lifetime_count,
		    reconfirmed    = EXCLUDED.reconfirmed,
		    updated_at     = EXCLUDED.updated_at
	`, st.Key, st.Day, st.DailyCount, st.LifetimeCount, st.Reconfirmed, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("SaveBreaker: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveProposal(ctx context.Context, p *GraduationProposal) error {
	var decided sql.NullTime
	if !p.DecidedAt.IsZero() {
		decided = sql.NullTime{Time: p.DecidedAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO graduation_proposals
		    (id, key, capability, scope, from_tier, to_tier, streak, status,
		     created_at, decided_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
		    status     = EXCLUDED.status,
		    decided_at = EXCLUDED.decided_at
	`, p.ID, Key(p.Capability, p.Scope), p.Capability.String(), p.Scope,
		p.FromTier.String(), p.ToTier.String(), p.Streak, p.Status.String(),
		p.CreatedAt, decided, p.ExpiresAt)
	if err != nil {
		return fmt.Errorf("SaveProposal: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadProposal(ctx context.Context, id string) (*GraduationProposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, capability, scope, from_tier, to_tier, streak, status,
		       created_at, decided_at, expires_at
		FROM graduation_proposals
		WHERE id = $1
	`, id)
	return scanProposal(row)
}

func (s *PostgresStore) PendingProposal(ctx context.Context, key string) (*GraduationProposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, capability, scope, from_tier, to_tier, streak, status,
		       created_at, decided_at, expires_at
		FROM graduation_proposals
		WHERE key = $1 AND status = 'PENDING'
		ORDER BY created_at DESC
		LIMIT 1
	`, key)
	return scanProposal(row)
}

func scanProposal(row *sql.Row) (*GraduationProposal, error) {
	var (
		p                            GraduationProposal
		capName, from, to, statusStr string
		decided                      sql.NullTime
	)
	if err := row.Scan(&p.ID, &capName, &p.Scope, &from, &to, &p.Streak,
		&statusStr, &p.CreatedAt, &decided, &p.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanProposal: %w", err)
	}
	p.Capability = capability.Parse(capName)
	p.FromTier = capability.ParseTier(from)
	p.ToTier = capability.ParseTier(to)
	switch statusStr {
	case "APPROVED":
		p.Status = ProposalApproved
	case "DECLINED":
		p.Status = ProposalDeclined
	case "EXPIRED":
		p.Status = ProposalExpired
	default:
		p.Status = ProposalPending
	}
	if decided.Valid {
		p.DecidedAt = decided.Time
	}
	return &p, nil
}
