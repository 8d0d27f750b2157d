// Package inmem provides an in-memory implementation of cost.Store for
// testing and local development. Data is stored in process memory and is
// lost when the process exits. Production deployments should use a durable
// backend such as features/store/mongo.
package inmem

import (
	"context"
	"sync"

	"goa.design/relay/runtime/cost"
)

// Store implements cost.Store using in-process maps mirroring the durable
// key scheme: events live under (runID, eventID), the idempotency index
// under (runID, idempotencyKey). All operations defensively copy events so
// callers cannot mutate stored state.
type Store struct {
	mu sync.RWMutex
	// events holds per-run entries in append order.
	events map[string][]*cost.Event
	// seen indexes idempotency keys per run.
	seen map[string]map[string]struct{}
	// sessions maps sessionID to the ordered runIDs that logged under it.
	sessions map[string][]string
}

// New returns an empty in-memory cost store.
func New() *Store {
	return &Store{
		events:   make(map[string][]*cost.Event),
		seen:     make(map[string]map[string]struct{}),
		sessions: make(map[string][]string),
	}
}

// Append stores ev unless its (runID, idempotencyKey) pair exists already.
// Returns true when the event was written.
func (s *Store) Append(_ context.Context, ev *cost.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.seen[ev.RunID]
	if keys == nil {
		keys = make(map[string]struct{})
		s.seen[ev.RunID] = keys
	}
	if _, dup := keys[ev.IdempotencyKey]; dup {
		return false, nil
	}
	keys[ev.IdempotencyKey] = struct{}{}

	if len(s.events[ev.RunID]) == 0 {
		s.sessions[ev.SessionID] = append(s.sessions[ev.SessionID], ev.RunID)
	}
	s.events[ev.RunID] = append(s.events[ev.RunID], ev.Clone())
	return true, nil
}

// Events returns the run's events in append order.
func (s *Store) Events(_ context.Context, runID string) ([]*cost.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.events[runID]), nil
}

// SessionEvents returns all events logged under the session, grouped by run
// in first-append order and in append order within each run.
func (s *Store) SessionEvents(_ context.Context, sessionID string) ([]*cost.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*cost.Event
	for _, runID := range s.sessions[sessionID] {
		out = append(out, cloneAll(s.events[runID])...)
	}
	return out, nil
}

// Reset clears all stored events. Useful in tests.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(map[string][]*cost.Event)
	s.seen = make(map[string]map[string]struct{})
	s.sessions = make(map[string][]string)
}

func cloneAll(evs []*cost.Event) []*cost.Event {
	out := make([]*cost.Event, len(evs))
	for i, ev := range evs {
		out[i] = ev.Clone()
	}
	return out
}
