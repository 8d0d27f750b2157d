// Package task defines the Task entity, its state machine, and the store
// contract for durable task persistence. A task is one atomic unit of work
// inside a run, with optional dependencies on sibling tasks; it becomes
// ready only once every dependency is done.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the task lifecycle state.
type Status string

const (
	// StatusPending is the initial state of a persisted task.
	StatusPending Status = "PENDING"
	// StatusReady marks all dependencies satisfied.
	StatusReady Status = "READY"
	// StatusRunning marks execution in progress.
	StatusRunning Status = "RUNNING"
	// StatusDone is the terminal success state.
	StatusDone Status = "DONE"
	// StatusFailed is terminal once retries are exhausted.
	StatusFailed Status = "FAILED"
	// StatusBlocked marks a task whose dependency failed permanently.
	StatusBlocked Status = "BLOCKED"
	// StatusCancelled is the terminal externally-aborted state.
	StatusCancelled Status = "CANCELLED"
	// StatusRetrying marks a failed task between retry attempts.
	StatusRetrying Status = "RETRYING"
)

// DefaultMaxRetries bounds retry attempts when a task does not set its own.
const DefaultMaxRetries = 3

// transitions declares the task state machine. FAILED -> RETRYING is
// additionally gated by CanRetry at the call site.
var transitions = map[Status][]Status{
	StatusPending:  {StatusReady, StatusBlocked, StatusCancelled},
	StatusReady:    {StatusRunning, StatusCancelled},
	StatusRunning:  {StatusDone, StatusFailed, StatusCancelled},
	StatusFailed:   {StatusRetrying},
	StatusRetrying: {StatusReady, StatusCancelled},
	StatusBlocked:  {StatusReady, StatusCancelled},
}

// ErrNotFound is returned by store reads for unknown tasks.
var ErrNotFound = errors.New("task: not found")

// InvalidStateTransitionError reports a task transition outside the
// declared machine.
type InvalidStateTransitionError struct {
	RunID  string
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("task %s/%s: invalid transition %s -> %s", e.RunID, e.TaskID, e.From, e.To)
}

type (
	// Input describes what a task should accomplish.
	Input struct {
		// Description is the work statement handed to the executor or
		// agent. Required.
		Description string `json:"description"`
		// ExpectedOutput describes the success shape when known.
		ExpectedOutput string `json:"expectedOutput,omitempty"`
		// Params carries executor-specific parameters.
		Params map[string]any `json:"params,omitempty"`
	}

	// Result is the outcome recorded on a terminal task.
	Result struct {
		// Content is the produced output text.
		Content string `json:"content"`
		// Metadata carries executor details (durations, artifacts).
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Failure records the last error of a failed task.
	Failure struct {
		// Message is the error text.
		Message string `json:"message"`
		// Retryable reports whether a retry was considered worthwhile.
		Retryable bool `json:"retryable"`
	}

	// Task is one atomic unit of work owned by a run.
	Task struct {
		// TaskID identifies the task within its run.
		TaskID string `json:"taskId"`
		// RunID is the owning run.
		RunID string `json:"runId"`
		// Type is the free-form task kind (shell, analyze, edit, review,
		// llm, ...). It selects executor routing.
		Type string `json:"type"`
		// Status is the current lifecycle state.
		Status Status `json:"status"`
		// Dependencies lists sibling task IDs that must be DONE first.
		Dependencies []string `json:"dependencies,omitempty"`
		// Input is the work statement.
		Input Input `json:"input"`
		// Output is set when the task completes.
		Output *Result `json:"output,omitempty"`
		// Error records the last failure.
		Error *Failure `json:"error,omitempty"`
		// RetryCount is the number of retries consumed. Never exceeds
		// MaxRetries.
		RetryCount int `json:"retryCount"`
		// MaxRetries bounds retries for this task. Negative means use the
		// scheduler policy default.
		MaxRetries int `json:"maxRetries"`
		// ExecutorHint names a preferred executor, when any.
		ExecutorHint string `json:"executorHint,omitempty"`
		// RequiresGPU routes the task toward GPU-capable executors.
		RequiresGPU bool `json:"requiresGpu,omitempty"`
		// EstimatedDuration sizes executor routing decisions.
		EstimatedDuration time.Duration `json:"estimatedDurationMs,omitempty"`
		// CreatedAt and UpdatedAt are storage timestamps (UTC).
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// Store persists tasks under task:{runId}:{taskId} with an ordered
	// run_tasks:{runId} index. Writers must serialize externally (the
	// state manager does); stores guarantee per-operation atomicity and
	// that DeleteByRun reads the index inside its critical section.
	Store interface {
		// CreateBatch persists tasks and appends them to the run index in
		// order, atomically: either all tasks are stored or none.
		CreateBatch(ctx context.Context, runID string, tasks []*Task) error
		// Get returns the task or ErrNotFound.
		Get(ctx context.Context, runID, taskID string) (*Task, error)
		// Put replaces the stored task. Fails with ErrNotFound.
		Put(ctx context.Context, t *Task) error
		// ListByRun returns the run's tasks in index (insertion) order.
		ListByRun(ctx context.Context, runID string) ([]*Task, error)
		// ListByRunAndStatus filters ListByRun in memory.
		ListByRunAndStatus(ctx context.Context, runID string, status Status) ([]*Task, error)
		// DeleteByRun removes the run's tasks and index.
		DeleteByRun(ctx context.Context, runID string) error
	}
)

// Terminal reports whether s is a terminal status.
func Terminal(s Status) bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is declared in the machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and applies a status change, bumping UpdatedAt.
func (t *Task) Transition(to Status, at time.Time) error {
	if !CanTransition(t.Status, to) {
		return &InvalidStateTransitionError{RunID: t.RunID, TaskID: t.TaskID, From: t.Status, To: to}
	}
	t.Status = to
	t.UpdatedAt = at.UTC()
	return nil
}

// EffectiveMaxRetries resolves the retry bound, falling back to
// policyDefault when the task declares none.
func (t *Task) EffectiveMaxRetries(policyDefault int) int {
	if t.MaxRetries < 0 {
		return policyDefault
	}
	return t.MaxRetries
}

// CanRetry reports whether another retry is permitted.
func (t *Task) CanRetry(policyDefault int) bool {
	return t.RetryCount < t.EffectiveMaxRetries(policyDefault)
}

// IncrementRetry consumes one retry. It fails rather than exceed the
// retry bound.
func (t *Task) IncrementRetry(policyDefault int) error {
	if !t.CanRetry(policyDefault) {
		return fmt.Errorf("task %s/%s: retry count %d already at limit", t.RunID, t.TaskID, t.RetryCount)
	}
	t.RetryCount++
	return nil
}

// Validate reports whether the task satisfies the storage contract.
func (t *Task) Validate() error {
	if t.TaskID == "" {
		return errors.New("task: requires taskId")
	}
	if t.RunID == "" {
		return errors.New("task: requires runId")
	}
	if t.Type == "" {
		return errors.New("task: requires type")
	}
	if t.Input.Description == "" {
		return errors.New("task: requires input description")
	}
	for _, dep := range t.Dependencies {
		if dep == t.TaskID {
			return fmt.Errorf("task %s: depends on itself", t.TaskID)
		}
	}
	return nil
}

// Clone returns a deep copy so callers can hold tasks without aliasing
// storage.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Input.Params != nil {
		cp.Input.Params = make(map[string]any, len(t.Input.Params))
		for k, v := range t.Input.Params {
			cp.Input.Params[k] = v
		}
	}
	if t.Output != nil {
		out := *t.Output
		if t.Output.Metadata != nil {
			out.Metadata = make(map[string]any, len(t.Output.Metadata))
			for k, v := range t.Output.Metadata {
				out.Metadata[k] = v
			}
		}
		cp.Output = &out
	}
	if t.Error != nil {
		e := *t.Error
		cp.Error = &e
	}
	return &cp
}
