package failover

import (
	"context"
	"sync"
	"time"
)

// Store holds failover state. Activate and Recover must be atomic per alias.
type Store interface {
	// Init creates the alias in Active unless it already exists.
	Init(ctx context.Context, alias string) error

	Get(ctx context.Context, alias string) (State, error)

	// Activate moves alias to FailedOver unless it is failed over with a
	// deadline still ahead of now. It returns the state before and after.
	Activate(ctx context.Context, alias string, now, deadline time.Time, lossUSD float64) (prev, next State, activated bool, err error)

	// Recover moves alias back to Active. A non-zero activatedAt must match
	// the current activation. Unless force is set, now must have reached
	// the recovery deadline.
	Recover(ctx context.Context, alias string, activatedAt, now time.Time, force bool) (State, bool, error)
}

type entry struct {
	mu    sync.Mutex
	state State
}

// InMemoryStore keeps state in process with one mutex per alias.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[string]*entry),
	}
}

func (s *InMemoryStore) entry(alias string) *entry {
	s.mu.RLock()
	e, ok := s.entries[alias]
	s.mu.RUnlock()

	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[alias]; ok {
		return existing
	}

	e = &entry{state: State{Alias: alias, Status: StatusActive}}
	s.entries[alias] = e
	return e
}

func (s *InMemoryStore) Init(ctx context.Context, alias string) error {
	s.entry(alias)
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, alias string) (State, error) {
	e := s.entry(alias)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

func (s *InMemoryStore) Activate(ctx context.Context, alias string, now, deadline time.Time, lossUSD float64) (State, State, bool, error) {
	e := s.entry(alias)
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.state
	if prev.Status == StatusFailedOver && now.Before(prev.RecoveryDeadline) {
		return prev, prev, false, nil
	}

	e.state.Status = StatusFailedOver
	e.state.ActivatedAt = now
	e.state.RecoveryDeadline = deadline
	e.state.TriggerCount++
	e.state.LastLossUSD = lossUSD

	return prev, e.state, true, nil
}

func (s *InMemoryStore) Recover(ctx context.Context, alias string, activatedAt, now time.Time, force bool) (State, bool, error) {
	e := s.entry(alias)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Status != StatusFailedOver {
		return e.state, false, nil
	}
	if !activatedAt.IsZero() && !e.state.ActivatedAt.Equal(activatedAt) {
		return e.state, false, nil
	}
	if !force && now.Before(e.state.RecoveryDeadline) {
		return e.state, false, nil
	}

	e.state.Status = StatusActive
	e.state.ActivatedAt = time.Time{}
	e.state.RecoveryDeadline = time.Time{}

	return e.state, true, nil
}
