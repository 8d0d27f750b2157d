// Package state is the transactional façade over the run and task stores.
// Every mutating operation runs inside a per-run critical section so
// concurrent engine, scheduler, and cancellation paths observe consistent
// read-modify-write views. The manager refuses stores that do not declare
// strict semantics.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/relay/runtime/lock"
	"goa.design/relay/runtime/run"
	"goa.design/relay/runtime/storage"
	"goa.design/relay/runtime/task"
	"goa.design/relay/runtime/telemetry"
)

// Error wraps a failure inside a state manager operation with the
// operation name for diagnosis.
type Error struct {
	Op    string
	RunID string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("state: %s run %s: %v", e.Op, e.RunID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

type (
	// RunParams creates a run.
	RunParams struct {
		// SessionID groups the run. Required.
		SessionID string
		// AgentType names the driving strategy. Required; never defaulted.
		AgentType string
		// Input is the client request.
		Input run.Input
	}

	// TaskParams creates one task inside CreateTasks.
	TaskParams struct {
		// TaskID identifies the task within the run. Required.
		TaskID string
		// Type is the task kind. Required.
		Type string
		// Dependencies lists sibling task IDs that must complete first.
		Dependencies []string
		// Input is the work statement.
		Input task.Input
		// MaxRetries bounds retries; negative defers to the scheduler
		// policy.
		MaxRetries int
		// ExecutorHint, RequiresGPU and EstimatedDuration steer routing.
		ExecutorHint      string
		RequiresGPU       bool
		EstimatedDuration time.Duration
	}

	// RunUpdate mutates non-status run fields during TransitionRun.
	RunUpdate func(*run.Run)

	// TaskUpdate mutates non-status task fields during TransitionTask.
	TaskUpdate func(*task.Task)

	// Options configures a Manager.
	Options struct {
		// Runs is the run store. Required; must declare strict semantics.
		Runs run.Store
		// Tasks is the task store. Required; must declare strict
		// semantics.
		Tasks task.Store
		// Logger defaults to no-op.
		Logger telemetry.Logger
		// Clock supplies timestamps; tests override. Defaults to time.Now.
		Clock func() time.Time
	}

	// Manager coordinates run and task persistence. Safe for concurrent
	// use; operations on the same run serialize, distinct runs proceed in
	// parallel.
	Manager struct {
		runs   run.Store
		tasks  task.Store
		locks  lock.Keyed
		logger telemetry.Logger
		clock  func() time.Time
	}
)

// WithOutput records the run output during a transition.
func WithOutput(out *run.Output) RunUpdate {
	return func(r *run.Run) { r.Output = out }
}

// WithStopReason records why the run reached a terminal state.
func WithStopReason(reason string) RunUpdate {
	return func(r *run.Run) { r.StopReason = reason }
}

// WithSnapshot persists the engine's execution-state snapshot.
func WithSnapshot(snapshot []byte) RunUpdate {
	return func(r *run.Run) { r.Snapshot = snapshot }
}

// WithResult records the task output during a transition.
func WithResult(res *task.Result) TaskUpdate {
	return func(t *task.Task) { t.Output = res }
}

// WithFailure records the task error during a transition.
func WithFailure(f *task.Failure) TaskUpdate {
	return func(t *task.Task) { t.Error = f }
}

// WithRetryConsumed increments the retry counter alongside the transition.
// The policy default is resolved by the caller.
func WithRetryConsumed(policyDefault int) TaskUpdate {
	return func(t *task.Task) { _ = t.IncrementRetry(policyDefault) }
}

// NewManager constructs a Manager, refusing stores without strict
// semantics.
func NewManager(opts Options) (*Manager, error) {
	if opts.Runs == nil {
		return nil, errors.New("state: manager requires a run store")
	}
	if opts.Tasks == nil {
		return nil, errors.New("state: manager requires a task store")
	}
	if err := storage.AssertStrict("run", opts.Runs); err != nil {
		return nil, err
	}
	if err := storage.AssertStrict("task", opts.Tasks); err != nil {
		return nil, err
	}
	m := &Manager{
		runs:   opts.Runs,
		tasks:  opts.Tasks,
		logger: opts.Logger,
		clock:  opts.Clock,
	}
	if m.logger == nil {
		m.logger = telemetry.NewNoopLogger()
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	return m, nil
}

// CreateRun persists a new run in CREATED state and returns it.
func (m *Manager) CreateRun(ctx context.Context, params RunParams) (*run.Run, error) {
	now := m.clock().UTC()
	r := &run.Run{
		RunID:     uuid.NewString(),
		SessionID: params.SessionID,
		AgentType: params.AgentType,
		Input:     params.Input,
		Status:    run.StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	release := m.locks.Acquire(r.RunID)
	defer release()
	if err := m.runs.Create(ctx, r); err != nil {
		return nil, &Error{Op: "create", RunID: r.RunID, Err: err}
	}
	m.logger.Info(ctx, "run created",
		"run_id", r.RunID, "session_id", r.SessionID, "agent_type", r.AgentType)
	return r, nil
}

// Run returns the current run record.
func (m *Manager) Run(ctx context.Context, runID string) (*run.Run, error) {
	return m.runs.Get(ctx, runID)
}

// TransitionRun validates and applies a run status change, applying any
// updates in the same critical section. Returns the updated run.
func (m *Manager) TransitionRun(ctx context.Context, runID string, next run.Status, updates ...RunUpdate) (*run.Run, error) {
	release := m.locks.Acquire(runID)
	defer release()

	r, err := m.runs.Get(ctx, runID)
	if err != nil {
		return nil, &Error{Op: "transition", RunID: runID, Err: err}
	}
	if err := r.Transition(next, m.clock()); err != nil {
		return nil, err
	}
	for _, up := range updates {
		up(r)
	}
	if err := m.runs.Put(ctx, r); err != nil {
		return nil, &Error{Op: "transition", RunID: runID, Err: err}
	}
	m.logger.Debug(ctx, "run transitioned", "run_id", runID, "status", string(next))
	return r, nil
}

// UpdateRun applies updates without a status change.
func (m *Manager) UpdateRun(ctx context.Context, runID string, updates ...RunUpdate) (*run.Run, error) {
	release := m.locks.Acquire(runID)
	defer release()

	r, err := m.runs.Get(ctx, runID)
	if err != nil {
		return nil, &Error{Op: "update", RunID: runID, Err: err}
	}
	for _, up := range updates {
		up(r)
	}
	r.UpdatedAt = m.clock().UTC()
	if err := m.runs.Put(ctx, r); err != nil {
		return nil, &Error{Op: "update", RunID: runID, Err: err}
	}
	return r, nil
}

// CreateTasks validates and inserts the run's tasks atomically, in order.
// Validation aborts on the first failure: duplicate ID, self-dependency,
// or dependency on an unknown task. Dependencies may only reference tasks
// in this batch or already stored for the run.
func (m *Manager) CreateTasks(ctx context.Context, runID string, params []TaskParams) ([]*task.Task, error) {
	if len(params) == 0 {
		return nil, &Error{Op: "create-tasks", RunID: runID, Err: errors.New("empty task list")}
	}
	release := m.locks.Acquire(runID)
	defer release()

	if _, err := m.runs.Get(ctx, runID); err != nil {
		return nil, &Error{Op: "create-tasks", RunID: runID, Err: err}
	}
	existing, err := m.tasks.ListByRun(ctx, runID)
	if err != nil {
		return nil, &Error{Op: "create-tasks", RunID: runID, Err: err}
	}
	known := make(map[string]struct{}, len(existing)+len(params))
	for _, t := range existing {
		known[t.TaskID] = struct{}{}
	}

	now := m.clock().UTC()
	batch := make([]*task.Task, 0, len(params))
	for _, p := range params {
		if _, dup := known[p.TaskID]; dup {
			return nil, &Error{Op: "create-tasks", RunID: runID,
				Err: fmt.Errorf("duplicate task id %q", p.TaskID)}
		}
		t := &task.Task{
			TaskID:            p.TaskID,
			RunID:             runID,
			Type:              p.Type,
			Status:            task.StatusPending,
			Dependencies:      p.Dependencies,
			Input:             p.Input,
			MaxRetries:        p.MaxRetries,
			ExecutorHint:      p.ExecutorHint,
			RequiresGPU:       p.RequiresGPU,
			EstimatedDuration: p.EstimatedDuration,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := t.Validate(); err != nil {
			return nil, &Error{Op: "create-tasks", RunID: runID, Err: err}
		}
		known[p.TaskID] = struct{}{}
		batch = append(batch, t)
	}
	for _, t := range batch {
		for _, dep := range t.Dependencies {
			if _, ok := known[dep]; !ok {
				return nil, &Error{Op: "create-tasks", RunID: runID,
					Err: fmt.Errorf("task %q depends on unknown task %q", t.TaskID, dep)}
			}
		}
	}
	if err := m.tasks.CreateBatch(ctx, runID, batch); err != nil {
		return nil, &Error{Op: "create-tasks", RunID: runID, Err: err}
	}
	m.logger.Info(ctx, "tasks created", "run_id", runID, "count", len(batch))
	return batch, nil
}

// Task returns the current task record.
func (m *Manager) Task(ctx context.Context, runID, taskID string) (*task.Task, error) {
	return m.tasks.Get(ctx, runID, taskID)
}

// Tasks returns the run's tasks in insertion order.
func (m *Manager) Tasks(ctx context.Context, runID string) ([]*task.Task, error) {
	return m.tasks.ListByRun(ctx, runID)
}

// TransitionTask validates and applies a task status change, applying any
// updates in the same critical section. Returns the updated task.
func (m *Manager) TransitionTask(ctx context.Context, runID, taskID string, next task.Status, updates ...TaskUpdate) (*task.Task, error) {
	release := m.locks.Acquire(runID)
	defer release()
	return m.transitionTaskLocked(ctx, runID, taskID, next, updates...)
}

func (m *Manager) transitionTaskLocked(ctx context.Context, runID, taskID string, next task.Status, updates ...TaskUpdate) (*task.Task, error) {
	t, err := m.tasks.Get(ctx, runID, taskID)
	if err != nil {
		return nil, &Error{Op: "transition-task", RunID: runID, Err: err}
	}
	if err := t.Transition(next, m.clock()); err != nil {
		return nil, err
	}
	for _, up := range updates {
		up(t)
	}
	if err := m.tasks.Put(ctx, t); err != nil {
		return nil, &Error{Op: "transition-task", RunID: runID, Err: err}
	}
	m.logger.Debug(ctx, "task transitioned",
		"run_id", runID, "task_id", taskID, "status", string(next))
	return t, nil
}

// ReadyTasks returns the run's PENDING or READY tasks whose dependencies
// are all DONE, in insertion order. Dependency status is observed in the
// same critical section the list is built in.
func (m *Manager) ReadyTasks(ctx context.Context, runID string) ([]*task.Task, error) {
	release := m.locks.Acquire(runID)
	defer release()

	all, err := m.tasks.ListByRun(ctx, runID)
	if err != nil {
		return nil, &Error{Op: "ready-tasks", RunID: runID, Err: err}
	}
	byID := make(map[string]*task.Task, len(all))
	for _, t := range all {
		byID[t.TaskID] = t
	}
	var ready []*task.Task
	for _, t := range all {
		if t.Status != task.StatusPending && t.Status != task.StatusReady {
			continue
		}
		ok := true
		for _, dep := range t.Dependencies {
			d, exists := byID[dep]
			if !exists || d.Status != task.StatusDone {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	return ready, nil
}

// CancelRun cancels the run and all of its non-terminal tasks in one
// critical section. Cancelling an already-terminal run fails with the
// run's transition error.
func (m *Manager) CancelRun(ctx context.Context, runID, reason string) (*run.Run, error) {
	release := m.locks.Acquire(runID)
	defer release()

	r, err := m.runs.Get(ctx, runID)
	if err != nil {
		return nil, &Error{Op: "cancel", RunID: runID, Err: err}
	}
	if err := r.Transition(run.StatusCancelled, m.clock()); err != nil {
		return nil, err
	}
	r.StopReason = reason

	all, err := m.tasks.ListByRun(ctx, runID)
	if err != nil {
		return nil, &Error{Op: "cancel", RunID: runID, Err: err}
	}
	for _, t := range all {
		if task.Terminal(t.Status) {
			continue
		}
		if err := t.Transition(task.StatusCancelled, m.clock()); err != nil {
			return nil, err
		}
		if err := m.tasks.Put(ctx, t); err != nil {
			return nil, &Error{Op: "cancel", RunID: runID, Err: err}
		}
	}
	if err := m.runs.Put(ctx, r); err != nil {
		return nil, &Error{Op: "cancel", RunID: runID, Err: err}
	}
	m.logger.Info(ctx, "run cancelled", "run_id", runID, "reason", reason)
	return r, nil
}

// DeleteRun removes the run and all of its tasks. Deleting a run that is
// not terminal fails.
func (m *Manager) DeleteRun(ctx context.Context, runID string) error {
	release := m.locks.Acquire(runID)
	defer release()

	r, err := m.runs.Get(ctx, runID)
	if err != nil {
		return &Error{Op: "delete", RunID: runID, Err: err}
	}
	if !run.Terminal(r.Status) {
		return &Error{Op: "delete", RunID: runID,
			Err: fmt.Errorf("run in non-terminal state %s", r.Status)}
	}
	if err := m.tasks.DeleteByRun(ctx, runID); err != nil {
		return &Error{Op: "delete", RunID: runID, Err: err}
	}
	if err := m.runs.Delete(ctx, runID); err != nil {
		return &Error{Op: "delete", RunID: runID, Err: err}
	}
	return nil
}
