package trust

import (
	"context"
	"sync"
)

// Store persists trust records, breaker states and graduation proposals.
// One structured record per key; implementations must make each Save an
// atomic flush so a crash between mutation and flush is detectable rather
// than silently losing a decision.
type Store interface {
	LoadRecord(ctx context.Context, key string) (*Record, error) // nil, nil when absent
	SaveRecord(ctx context.Context, rec *Record) error

	LoadBreaker(ctx context.Context, key string) (*BreakerState, error) // nil, nil when absent
	SaveBreaker(ctx context.Context, st *BreakerState) error

	SaveProposal(ctx context.Context, p *GraduationProposal) error
	LoadProposal(ctx context.Context, id string) (*GraduationProposal, error) // nil, nil when absent
	// PendingProposal returns the PENDING proposal for a key, if any.
	PendingProposal(ctx context.Context, key string) (*GraduationProposal, error)
}

// MemoryStore is the in-process Store used by tests and local mode.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]*Record
	breakers  map[string]*BreakerState
	proposals map[string]*GraduationProposal
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*Record),
		breakers:  make(map[string]*BreakerState),
		proposals: make(map[string]*GraduationProposal),
	}
}

func (s *MemoryStore) LoadRecord(_ context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return rec.clone(), nil
}

func (s *MemoryStore) SaveRecord(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[Key(rec.Capability, rec.Scope)] = rec.clone()
	return nil
}

func (s *MemoryStore) LoadBreaker(_ context.Context, key string) (*BreakerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.breakers[key]
	if !ok {
		return nil, nil
	}
	return st.clone(), nil
}

func (s *MemoryStore) SaveBreaker(_ context.Context, st *BreakerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakers[st.Key] = st.clone()
	return nil
}

func (s *MemoryStore) SaveProposal(_ context.Context, p *GraduationProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.proposals[p.ID] = &cp
	return nil
}

func (s *MemoryStore) LoadProposal(_ context.Context, id string) (*GraduationProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) PendingProposal(_ context.Context, key string) (*GraduationProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.proposals {
		if p.Status == ProposalPending && Key(p.Capability, p.Scope) == key {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}
