// Package repository persists failover transition events so operators can
// see why an alias moved between its bindings.
package repository

import (
	"context"
	"slices"
	"sync"

	"github.com/felipepmaragno/model-router/internal/failover"
)

const (
	DefaultRecentLimit = 50
	maxRecentLimit     = 500
)

// EventJournal records failover events. Append is called from the
// failover manager's transition hook and must not block for long.
type EventJournal interface {
	Append(ctx context.Context, ev failover.Event) error
	Recent(ctx context.Context, q EventQuery) ([]failover.Event, error)
}

// EventQuery selects events, newest first. Empty fields match everything.
type EventQuery struct {
	Alias string
	Types []failover.EventType
	Limit int
}

func (q EventQuery) limit() int {
	switch {
	case q.Limit <= 0:
		return DefaultRecentLimit
	case q.Limit > maxRecentLimit:
		return maxRecentLimit
	default:
		return q.Limit
	}
}

func (q EventQuery) matches(ev failover.Event) bool {
	if q.Alias != "" && ev.Alias != q.Alias {
		return false
	}
	return len(q.Types) == 0 || slices.Contains(q.Types, ev.Type)
}

// InMemoryEventJournal keeps the most recent events up to a fixed capacity.
type InMemoryEventJournal struct {
	mu       sync.RWMutex
	events   []failover.Event
	capacity int
}

func NewInMemoryEventJournal(capacity int) *InMemoryEventJournal {
	if capacity <= 0 {
		capacity = maxRecentLimit
	}
	return &InMemoryEventJournal{capacity: capacity}
}

func (j *InMemoryEventJournal) Append(ctx context.Context, ev failover.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.events = append(j.events, ev)
	if over := len(j.events) - j.capacity; over > 0 {
		j.events = slices.Delete(j.events, 0, over)
	}
	return nil
}

func (j *InMemoryEventJournal) Recent(ctx context.Context, q EventQuery) ([]failover.Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	limit := q.limit()
	result := make([]failover.Event, 0, min(limit, len(j.events)))
	for i := len(j.events) - 1; i >= 0 && len(result) < limit; i-- {
		if q.matches(j.events[i]) {
			result = append(result, j.events[i])
		}
	}
	return result, nil
}
