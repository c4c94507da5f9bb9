package policy

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists policies and their history.
type Store interface {
	// Create inserts a new (id, version) row and a matching history row.
	Create(ctx context.Context, p *Policy) error
	// Latest returns the highest version of a policy id.
	Latest(ctx context.Context, id string) (*Policy, error)
	// Version returns one exact (id, version) row.
	Version(ctx context.Context, id string, version int) (*Policy, error)
	// InStates returns all policies whose state is one of states.
	InStates(ctx context.Context, states ...State) ([]Policy, error)
	// SetState moves (id, version) from one state to another; the from
	// state guards against racing transitions.
	SetState(ctx context.Context, id string, version int, from, to State) error
	// History returns all versions of a policy id, oldest first.
	History(ctx context.Context, id string) ([]Policy, error)
}

// MemStore is the in-memory Store for tests and single-node development.
type MemStore struct {
	mu       sync.RWMutex
	policies map[string][]Policy // id -> versions ascending
}

func NewMemStore() *MemStore {
	return &MemStore{policies: make(map[string][]Policy)}
}

func (s *MemStore) Create(_ context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.policies[p.ID] {
		if existing.Version == p.Version {
			return ErrVersionConflict
		}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	versions := append(s.policies[p.ID], *p)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	s.policies[p.ID] = versions
	return nil
}

func (s *MemStore) Latest(_ context.Context, id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.policies[id]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	p := versions[len(versions)-1]
	return &p, nil
}

func (s *MemStore) Version(_ context.Context, id string, version int) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.policies[id] {
		if p.Version == version {
			cp := p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) InStates(_ context.Context, states ...State) ([]Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[State]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	var out []Policy
	for _, versions := range s.policies {
		for _, p := range versions {
			if want[p.State] {
				out = append(out, p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) SetState(_ context.Context, id string, version int, from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.policies[id]
	for i := range versions {
		if versions[i].Version == version {
			if versions[i].State != from {
				return ErrInvalidTransition
			}
			versions[i].State = to
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemStore) History(_ context.Context, id string) ([]Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.policies[id]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	out := make([]Policy, len(versions))
	copy(out, versions)
	return out, nil
}
