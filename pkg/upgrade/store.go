package upgrade

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore is the in-memory Store used in tests and single-node runs.
type MemStore struct {
	mu        sync.Mutex
	upgrades  map[string]*Upgrade
	approvals map[string][]string
}

func NewMemStore() *MemStore {
	return &MemStore{
		upgrades:  make(map[string]*Upgrade),
		approvals: make(map[string][]string),
	}
}

func (s *MemStore) Create(_ context.Context, u *Upgrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.upgrades[u.ID]; ok {
		return fmt.Errorf("upgrade: %s already exists", u.ID)
	}
	cp := *u
	s.upgrades[u.ID] = &cp
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Upgrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.upgrades[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemStore) AddApproval(_ context.Context, upgradeID, approverID string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.upgrades[upgradeID]; !ok {
		return false, ErrNotFound
	}
	for _, a := range s.approvals[upgradeID] {
		if a == approverID {
			return false, nil
		}
	}
	s.approvals[upgradeID] = append(s.approvals[upgradeID], approverID)
	return true, nil
}

func (s *MemStore) Approvals(_ context.Context, upgradeID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.approvals[upgradeID]...), nil
}

func (s *MemStore) SetStatus(_ context.Context, id, from, to string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.upgrades[id]
	if !ok {
		return ErrNotFound
	}
	if u.Status != from {
		return ErrTerminalState
	}
	u.Status = to
	if to == StatusApplied {
		u.AppliedAt = &at
	}
	return nil
}

func (s *MemStore) CompletedForSubject(_ context.Context, subject string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.upgrades {
		if u.Subject == subject && u.Status == StatusApplied {
			return true, nil
		}
	}
	return false, nil
}
