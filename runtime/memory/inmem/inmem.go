// Package inmem provides in-memory implementations of memory.Store and
// memory.SessionStore for testing and local development. Data lives in
// process memory and is lost on exit; production deployments should use a
// durable backend such as features/store/mongo.
package inmem

import (
	"context"
	"sync"

	"goa.design/relay/runtime/memory"
)

// Store implements memory.Store over a per-run map. Thread-safe; all
// operations defensively copy events.
type Store struct {
	mu     sync.RWMutex
	events map[string][]*memory.Event
	seen   map[string]map[string]struct{}
}

// New returns an empty run-scoped store.
func New() *Store {
	return &Store{
		events: make(map[string][]*memory.Event),
		seen:   make(map[string]map[string]struct{}),
	}
}

// Append stores ev unless its (runID, idempotencyKey) exists already.
func (s *Store) Append(_ context.Context, ev *memory.Event) (bool, error) {
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
	s.events[ev.RunID] = append(s.events[ev.RunID], ev.Clone())
	return true, nil
}

// ListByRun returns the run's events in append order.
func (s *Store) ListByRun(_ context.Context, runID string) ([]*memory.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.events[runID]), nil
}

// DeleteByRun removes all events of the run.
func (s *Store) DeleteByRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, runID)
	delete(s.seen, runID)
	return nil
}

// SessionStore implements memory.SessionStore over a per-session map.
// Thread-safe; all operations defensively copy events.
type SessionStore struct {
	mu        sync.RWMutex
	events    map[string][]*memory.Event
	seen      map[string]map[string]struct{}
	snapshots map[string]*memory.Event
}

// NewSession returns an empty session-scoped store.
func NewSession() *SessionStore {
	return &SessionStore{
		events:    make(map[string][]*memory.Event),
		seen:      make(map[string]map[string]struct{}),
		snapshots: make(map[string]*memory.Event),
	}
}

// Append stores ev unless its (sessionID, idempotencyKey) exists already.
func (s *SessionStore) Append(_ context.Context, ev *memory.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.seen[ev.SessionID]
	if keys == nil {
		keys = make(map[string]struct{})
		s.seen[ev.SessionID] = keys
	}
	if _, dup := keys[ev.IdempotencyKey]; dup {
		return false, nil
	}
	keys[ev.IdempotencyKey] = struct{}{}
	s.events[ev.SessionID] = append(s.events[ev.SessionID], ev.Clone())
	return true, nil
}

// ListBySession returns the session's events in append order, with the
// current snapshot (when any) first so retrieval always sees compacted
// history.
func (s *SessionStore) ListBySession(_ context.Context, sessionID string) ([]*memory.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*memory.Event
	if snap, ok := s.snapshots[sessionID]; ok {
		out = append(out, snap.Clone())
	}
	return append(out, cloneAll(s.events[sessionID])...), nil
}

// Remove deletes the identified events from the session.
func (s *SessionStore) Remove(_ context.Context, sessionID string, eventIDs []string) error {
	drop := make(map[string]struct{}, len(eventIDs))
	for _, id := range eventIDs {
		drop[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[sessionID][:0]
	for _, ev := range s.events[sessionID] {
		if _, gone := drop[ev.EventID]; !gone {
			kept = append(kept, ev)
		}
	}
	s.events[sessionID] = kept
	return nil
}

// PutSnapshot replaces the session's compaction snapshot.
func (s *SessionStore) PutSnapshot(_ context.Context, sessionID string, snapshot *memory.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[sessionID] = snapshot.Clone()
	return nil
}

// Snapshot returns the session's compaction snapshot, or memory.ErrNotFound.
func (s *SessionStore) Snapshot(_ context.Context, sessionID string) (*memory.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[sessionID]
	if !ok {
		return nil, memory.ErrNotFound
	}
	return snap.Clone(), nil
}

func cloneAll(evs []*memory.Event) []*memory.Event {
	out := make([]*memory.Event, len(evs))
	for i, ev := range evs {
		out[i] = ev.Clone()
	}
	return out
}
