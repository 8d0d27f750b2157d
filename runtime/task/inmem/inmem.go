// Package inmem provides an in-memory implementation of task.Store for
// testing and local development. Data lives in process memory and is lost
// on exit; production deployments should use a durable backend such as
// features/store/mongo.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"goa.design/relay/runtime/storage"
	"goa.design/relay/runtime/task"
)

// Store implements task.Store over in-process maps mirroring the durable
// key scheme (task:{runId}:{taskId}, run_tasks:{runId}). Thread-safe; all
// operations defensively copy tasks.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]map[string]*task.Task
	index map[string][]string
}

// New returns an empty in-memory task store.
func New() *Store {
	return &Store{
		tasks: make(map[string]map[string]*task.Task),
		index: make(map[string][]string),
	}
}

// Semantics reports strict runtime-state semantics: every operation is
// atomic under the store mutex, and DeleteByRun reads the index inside
// the same critical section it deletes in.
func (s *Store) Semantics() storage.Semantics { return storage.SemanticsStrict }

// CreateBatch persists tasks and extends the run index atomically.
func (s *Store) CreateBatch(_ context.Context, runID string, tasks []*task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.tasks[runID]
	for _, t := range tasks {
		if _, exists := byID[t.TaskID]; exists {
			return fmt.Errorf("task: %s/%s already exists", runID, t.TaskID)
		}
	}
	if byID == nil {
		byID = make(map[string]*task.Task, len(tasks))
		s.tasks[runID] = byID
	}
	for _, t := range tasks {
		byID[t.TaskID] = t.Clone()
		s.index[runID] = append(s.index[runID], t.TaskID)
	}
	return nil
}

// Get returns the task or task.ErrNotFound.
func (s *Store) Get(_ context.Context, runID, taskID string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[runID][taskID]
	if !ok {
		return nil, task.ErrNotFound
	}
	return t.Clone(), nil
}

// Put replaces the stored task.
func (s *Store) Put(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.RunID][t.TaskID]; !ok {
		return task.ErrNotFound
	}
	s.tasks[t.RunID][t.TaskID] = t.Clone()
	return nil
}

// ListByRun returns the run's tasks in insertion order.
func (s *Store) ListByRun(_ context.Context, runID string) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.index[runID]
	out := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.tasks[runID][id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

// ListByRunAndStatus filters ListByRun in memory.
func (s *Store) ListByRunAndStatus(ctx context.Context, runID string, status task.Status) ([]*task.Task, error) {
	all, err := s.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

// DeleteByRun removes the run's tasks and index in one critical section.
func (s *Store) DeleteByRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, runID)
	delete(s.index, runID)
	return nil
}
