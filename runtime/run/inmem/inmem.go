// Package inmem provides an in-memory implementation of run.Store for
// testing and local development. Data lives in process memory and is lost
// on exit; production deployments should use a durable backend such as
// features/store/mongo.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"goa.design/relay/runtime/run"
	"goa.design/relay/runtime/storage"
)

// Store implements run.Store over in-process maps mirroring the durable
// key scheme (run:{runId}, session_runs:{sessionId}). Thread-safe; all
// operations defensively copy runs.
type Store struct {
	mu       sync.RWMutex
	runs     map[string]*run.Run
	sessions map[string][]string
}

// New returns an empty in-memory run store.
func New() *Store {
	return &Store{
		runs:     make(map[string]*run.Run),
		sessions: make(map[string][]string),
	}
}

// Semantics reports strict runtime-state semantics: every operation is
// atomic under the store mutex.
func (s *Store) Semantics() storage.Semantics { return storage.SemanticsStrict }

// Create persists a new run and indexes it under its session.
func (s *Store) Create(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[r.RunID]; exists {
		return fmt.Errorf("run: %s already exists", r.RunID)
	}
	s.runs[r.RunID] = r.Clone()
	s.sessions[r.SessionID] = append(s.sessions[r.SessionID], r.RunID)
	return nil
}

// Get returns the run or run.ErrNotFound.
func (s *Store) Get(_ context.Context, runID string) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, run.ErrNotFound
	}
	return r.Clone(), nil
}

// Put replaces the stored run.
func (s *Store) Put(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.RunID]; !ok {
		return run.ErrNotFound
	}
	s.runs[r.RunID] = r.Clone()
	return nil
}

// ListBySession returns the session's run IDs in creation order.
func (s *Store) ListBySession(_ context.Context, sessionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.sessions[sessionID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

// Delete removes the run and its session index entry.
func (s *Store) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return run.ErrNotFound
	}
	delete(s.runs, runID)
	ids := s.sessions[r.SessionID]
	for i, id := range ids {
		if id == runID {
			s.sessions[r.SessionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}
