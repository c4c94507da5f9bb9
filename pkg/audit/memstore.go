package audit

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory chain for tests and single-node development.
// A process-wide mutex stands in for the head-row lock.
type MemStore struct {
	mu     sync.Mutex
	events []Event
	byHash map[string]int
}

func NewMemStore() *MemStore {
	return &MemStore{byHash: make(map[string]int)}
}

func (s *MemStore) Begin(_ context.Context) (Tx, error) {
	s.mu.Lock()
	return &memTx{store: s}, nil
}

type memTx struct {
	store   *MemStore
	pending []Event
	done    bool
}

func (t *memTx) HeadHashForUpdate(_ context.Context) (string, error) {
	if n := len(t.store.events); n > 0 {
		return t.store.events[n-1].Hash, nil
	}
	return "", nil
}

func (t *memTx) FindByHash(_ context.Context, hash string) (*Event, error) {
	if idx, ok := t.store.byHash[hash]; ok {
		ev := t.store.events[idx]
		return &ev, nil
	}
	return nil, nil
}

func (t *memTx) Insert(_ context.Context, ev *Event) error {
	t.pending = append(t.pending, *ev)
	return nil
}

func (t *memTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	for _, ev := range t.pending {
		t.store.byHash[ev.Hash] = len(t.store.events)
		t.store.events = append(t.store.events, ev)
	}
	t.store.mu.Unlock()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}

func (s *MemStore) Events(_ context.Context, since time.Time, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Ts.Before(since) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) ByType(_ context.Context, eventType string, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].EventType != eventType {
			continue
		}
		out = append(out, s.events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// All returns a copy of the committed chain in order.
func (s *MemStore) All() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Tamper overwrites an event in place. Test helper for integrity checks.
func (s *MemStore) Tamper(i int, mutate func(*Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.events[i])
}
