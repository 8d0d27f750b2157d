// Package schedule implements the task scheduler. It drives a run's task
// graph to terminal states: dependency-ordered dispatch, a per-task retry
// loop with exponential backoff, best-effort failure recording that never
// aborts the batch, and cooperative cancellation observed between
// dispatches.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"goa.design/relay/runtime/retry"
	"goa.design/relay/runtime/run"
	"goa.design/relay/runtime/state"
	"goa.design/relay/runtime/task"
	"goa.design/relay/runtime/telemetry"
)

type (
	// TaskExecutor performs the work of a single task. The scheduler hands
	// it a defensive copy; implementations report success through the
	// result and failure through the error.
	TaskExecutor interface {
		ExecuteTask(ctx context.Context, t *task.Task) (*task.Result, error)
	}

	// TaskExecutorFunc adapts a function to TaskExecutor.
	TaskExecutorFunc func(ctx context.Context, t *task.Task) (*task.Result, error)

	// Options configures a Scheduler.
	Options struct {
		// State is the transactional run/task façade. Required.
		State *state.Manager
		// Retry gates re-execution and computes backoff. Required.
		Retry *retry.Policy
		// Executor performs task work. Required.
		Executor TaskExecutor
		// Logger defaults to no-op.
		Logger telemetry.Logger
		// Metrics defaults to no-op.
		Metrics telemetry.Metrics
		// Sleep waits between retry attempts; tests override to avoid real
		// delays. Defaults to a context-aware timer wait.
		Sleep func(ctx context.Context, d time.Duration) error
	}

	// Scheduler executes a run's tasks. Tasks within one run run
	// sequentially in insertion order; independent runs proceed in
	// parallel. Safe for concurrent use.
	Scheduler struct {
		state    *state.Manager
		retry    *retry.Policy
		executor TaskExecutor
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		sleep    func(ctx context.Context, d time.Duration) error
	}

	// DeadlockError reports tasks that can never become ready, typically
	// dependents of a permanently failed task.
	DeadlockError struct {
		RunID   string
		TaskIDs []string
	}

	// StatusWriteError reports that a task failed and the FAILED status
	// write itself also failed, so the failure is not yet durable. The
	// batch loop retries the write once before moving on.
	StatusWriteError struct {
		RunID   string
		TaskID  string
		Failure *task.Failure
		Err     error
	}
)

// ExecuteTask calls f.
func (f TaskExecutorFunc) ExecuteTask(ctx context.Context, t *task.Task) (*task.Result, error) {
	return f(ctx, t)
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("schedule: run %s has unschedulable tasks: %s",
		e.RunID, strings.Join(e.TaskIDs, ", "))
}

func (e *StatusWriteError) Error() string {
	return fmt.Sprintf("schedule: task %s/%s failure not recorded: %v", e.RunID, e.TaskID, e.Err)
}

// Unwrap returns the underlying store error.
func (e *StatusWriteError) Unwrap() error { return e.Err }

// NewScheduler validates options and constructs a Scheduler.
func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.State == nil {
		return nil, errors.New("schedule: scheduler requires a state manager")
	}
	if opts.Retry == nil {
		return nil, errors.New("schedule: scheduler requires a retry policy")
	}
	if opts.Executor == nil {
		return nil, errors.New("schedule: scheduler requires a task executor")
	}
	s := &Scheduler{
		state:    opts.State,
		retry:    opts.Retry,
		executor: opts.Executor,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		sleep:    opts.Sleep,
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewNoopMetrics()
	}
	if s.sleep == nil {
		s.sleep = waitContext
	}
	return s, nil
}

// Execute drives the run's tasks until no schedulable work remains. Ready
// tasks dispatch sequentially in insertion order, and a dependent never
// starts before all of its dependencies are DONE. Per-task failures are
// recorded on the task and never abort the batch. Cancellation (context or
// run status) is observed between dispatches and drives remaining
// non-terminal tasks to CANCELLED. Pausing the run drains the loop at the
// next dispatch boundary, leaving tasks resumable.
//
// Execute returns nil when every task reached a terminal state, even if
// some failed; callers inspect task records for outcomes. A DeadlockError
// reports tasks that can never become ready.
func (s *Scheduler) Execute(ctx context.Context, runID string) error {
	for {
		if halt, err := s.observe(ctx, runID); halt {
			return err
		}

		if err := s.blockOrphans(ctx, runID); err != nil {
			return err
		}
		ready, err := s.state.ReadyTasks(ctx, runID)
		if err != nil {
			return err
		}
		if len(ready) == 0 {
			return s.reportRemainder(ctx, runID)
		}

		for _, t := range ready {
			if halt, err := s.observe(ctx, runID); halt {
				return err
			}
			if _, err := s.ExecuteSingle(ctx, runID, t.TaskID); err != nil {
				var swe *StatusWriteError
				switch {
				case errors.As(err, &swe):
					// One more chance for the failure to become durable.
					if _, werr := s.state.TransitionTask(ctx, runID, swe.TaskID,
						task.StatusFailed, state.WithFailure(swe.Failure)); werr != nil {
						s.logger.Error(ctx, "task failure record lost",
							"run_id", runID, "task_id", swe.TaskID, "err", werr)
					}
				case ctx.Err() != nil:
					s.cancelRemaining(context.WithoutCancel(ctx), runID)
					return ctx.Err()
				default:
					s.logger.Error(ctx, "task dispatch failed",
						"run_id", runID, "task_id", t.TaskID, "err", err)
				}
			}
		}
	}
}

// ExecuteSingle drives one task to a terminal state, retrying failed
// attempts within the call as permitted by the retry policy. Terminal
// tasks return their current record unchanged. The returned task is FAILED
// rather than an error when retries are exhausted; the error return is
// reserved for infrastructure failures (store writes, cancellation).
func (s *Scheduler) ExecuteSingle(ctx context.Context, runID, taskID string) (*task.Task, error) {
	t, err := s.state.Task(ctx, runID, taskID)
	if err != nil {
		return nil, err
	}
	if task.Terminal(t.Status) {
		return t, nil
	}
	if t.Status == task.StatusPending {
		if t, err = s.state.TransitionTask(ctx, runID, taskID, task.StatusReady); err != nil {
			return nil, err
		}
	}
	if t, err = s.state.TransitionTask(ctx, runID, taskID, task.StatusRunning); err != nil {
		return nil, err
	}

	for {
		started := time.Now()
		res, execErr := s.executor.ExecuteTask(ctx, t.Clone())
		s.metrics.RecordTimer("scheduler.task.duration", time.Since(started), "type", t.Type)

		if execErr == nil {
			if res == nil {
				res = &task.Result{}
			}
			done, err := s.state.TransitionTask(ctx, runID, taskID, task.StatusDone,
				state.WithResult(res))
			if err != nil {
				return nil, err
			}
			s.metrics.IncCounter("scheduler.task.done", 1, "type", done.Type)
			return done, nil
		}

		willRetry := s.retry.ShouldRetry(t, t.RetryCount+1)
		failure := &task.Failure{Message: execErr.Error(), Retryable: willRetry}
		failed, err := s.state.TransitionTask(ctx, runID, taskID, task.StatusFailed,
			state.WithFailure(failure))
		if err != nil {
			return nil, &StatusWriteError{RunID: runID, TaskID: taskID, Failure: failure, Err: err}
		}
		t = failed
		if !willRetry {
			s.metrics.IncCounter("scheduler.task.failed", 1, "type", t.Type)
			s.logger.Warn(ctx, "task failed permanently",
				"run_id", runID, "task_id", taskID, "retries", t.RetryCount, "err", execErr)
			return t, nil
		}

		if t, err = s.state.TransitionTask(ctx, runID, taskID, task.StatusRetrying,
			state.WithRetryConsumed(s.retry.MaxRetries())); err != nil {
			return nil, err
		}
		if t, err = s.state.TransitionTask(ctx, runID, taskID, task.StatusReady); err != nil {
			return nil, err
		}
		delay := s.retry.Delay(t.RetryCount)
		s.metrics.IncCounter("scheduler.task.retried", 1, "type", t.Type)
		s.logger.Info(ctx, "task retry scheduled",
			"run_id", runID, "task_id", taskID, "retry", t.RetryCount, "delay", delay)
		if err := s.sleep(ctx, delay); err != nil {
			return nil, err
		}
		if t, err = s.state.TransitionTask(ctx, runID, taskID, task.StatusRunning); err != nil {
			return nil, err
		}
	}
}

// observe checks for external stops between dispatches. On context
// cancellation remaining non-terminal tasks are driven to CANCELLED with a
// detached context so the sweep can still write. A CANCELLED run halts the
// loop (its tasks were cancelled alongside the run); a PAUSED run drains
// without touching task state.
func (s *Scheduler) observe(ctx context.Context, runID string) (bool, error) {
	if ctx.Err() != nil {
		s.cancelRemaining(context.WithoutCancel(ctx), runID)
		return true, ctx.Err()
	}
	r, err := s.state.Run(ctx, runID)
	if err != nil {
		return true, err
	}
	switch r.Status {
	case run.StatusCancelled:
		s.cancelRemaining(ctx, runID)
		return true, nil
	case run.StatusPaused:
		s.logger.Info(ctx, "scheduler draining for pause", "run_id", runID)
		return true, nil
	}
	return false, nil
}

// cancelRemaining best-effort drives the run's non-terminal tasks to
// CANCELLED.
func (s *Scheduler) cancelRemaining(ctx context.Context, runID string) {
	all, err := s.state.Tasks(ctx, runID)
	if err != nil {
		s.logger.Error(ctx, "cancel sweep read failed", "run_id", runID, "err", err)
		return
	}
	for _, t := range all {
		if task.Terminal(t.Status) {
			continue
		}
		if _, err := s.state.TransitionTask(ctx, runID, t.TaskID, task.StatusCancelled); err != nil {
			s.logger.Error(ctx, "cancel sweep write failed",
				"run_id", runID, "task_id", t.TaskID, "err", err)
		}
	}
}

// blockOrphans marks PENDING tasks whose dependency reached a terminal
// state other than DONE. Blocked tasks can never run in this schedule and
// surface in the deadlock report.
func (s *Scheduler) blockOrphans(ctx context.Context, runID string) error {
	all, err := s.state.Tasks(ctx, runID)
	if err != nil {
		return err
	}
	byID := make(map[string]*task.Task, len(all))
	for _, t := range all {
		byID[t.TaskID] = t
	}
	for _, t := range all {
		if t.Status != task.StatusPending {
			continue
		}
		for _, dep := range t.Dependencies {
			d, ok := byID[dep]
			if ok && task.Terminal(d.Status) && d.Status != task.StatusDone {
				if _, err := s.state.TransitionTask(ctx, runID, t.TaskID, task.StatusBlocked); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

// reportRemainder exits the batch loop: nil when every task is terminal,
// a DeadlockError naming the stuck remainder otherwise.
func (s *Scheduler) reportRemainder(ctx context.Context, runID string) error {
	all, err := s.state.Tasks(ctx, runID)
	if err != nil {
		return err
	}
	var stuck []string
	for _, t := range all {
		if !task.Terminal(t.Status) {
			stuck = append(stuck, t.TaskID)
		}
	}
	if len(stuck) > 0 {
		return &DeadlockError{RunID: runID, TaskIDs: stuck}
	}
	return nil
}

func waitContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
