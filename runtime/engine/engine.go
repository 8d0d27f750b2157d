// Package engine orchestrates complete runs: plan the task graph through
// the agent, drive it through the scheduler, enforce the stop policy, and
// synthesize the final answer. Progress streams over the event bus and the
// engine's execution state is snapshotted onto the run record at every
// phase boundary.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/relay/runtime/agent"
	"goa.design/relay/runtime/cost"
	"goa.design/relay/runtime/events"
	"goa.design/relay/runtime/memory"
	"goa.design/relay/runtime/model"
	"goa.design/relay/runtime/retry"
	"goa.design/relay/runtime/run"
	"goa.design/relay/runtime/schedule"
	"goa.design/relay/runtime/state"
	"goa.design/relay/runtime/task"
	"goa.design/relay/runtime/telemetry"
)

type (
	// MemoryRetriever supplies the context bundle consulted during
	// planning, task execution and synthesis. Satisfied by
	// *memory.Coordinator.
	MemoryRetriever interface {
		RetrieveContext(ctx context.Context, in memory.RetrieveInput) (*memory.ContextBundle, error)
	}

	// Options configures an Engine.
	Options struct {
		// State is the transactional run/task façade. Required.
		State *state.Manager
		// Agent is the strategy driving runs. Required.
		Agent agent.Agent
		// Retry gates task re-execution. Required.
		Retry *retry.Policy
		// Bus streams progress events. Defaults to a private bus.
		Bus *events.Bus
		// Journal, when set, records every emitted envelope for replay.
		Journal events.Journal
		// Sink, when set, forwards every emitted envelope to an external
		// transport. Closed by Close.
		Sink events.Sink
		// Memory supplies retrieved context. Optional.
		Memory MemoryRetriever
		// Ledger supplies cost summaries for State. Optional.
		Ledger *cost.Ledger
		// Admission filters planned tasks before persistence. Optional;
		// an error fails the run during planning.
		Admission func(ctx context.Context, specs []agent.TaskSpec) ([]agent.TaskSpec, error)
		// Limits is the engine-wide stop policy. Zero values are unlimited;
		// RunInput.MaxDuration overrides MaxDuration per run.
		Limits Limits
		// Logger defaults to no-op.
		Logger telemetry.Logger
		// Metrics defaults to no-op.
		Metrics telemetry.Metrics
		// Clock supplies timestamps; tests override. Defaults to time.Now.
		Clock func() time.Time
		// SchedulerSleep overrides the scheduler's retry wait; tests use it
		// to avoid real backoff delays.
		SchedulerSleep func(ctx context.Context, d time.Duration) error
	}

	// RunInput is a client request to execute a run.
	RunInput struct {
		// SessionID groups the run. Required.
		SessionID string
		// AgentType names the strategy. Required.
		AgentType string
		// Prompt is the natural-language request. Required.
		Prompt string
		// ProviderID and ModelID optionally pin model selection for the
		// whole run. Set together or not at all.
		ProviderID string
		ModelID    string
		// Metadata carries caller labels passed through to events.
		Metadata map[string]any
		// History is prior conversation, oldest first.
		History []*model.Message
		// MaxDuration overrides the engine's duration limit when positive.
		MaxDuration time.Duration
	}

	// RunResult is the outcome of Run or Resume.
	RunResult struct {
		RunID      string
		SessionID  string
		Status     run.Status
		Output     *run.Output
		StopReason string
		Execution  ExecutionState
	}

	// RunState is the full observable state of a run.
	RunState struct {
		Run       *run.Run
		Tasks     []*task.Task
		Cost      *cost.Summary
		Execution *ExecutionState
	}

	// Engine drives runs end to end. Safe for concurrent use; distinct
	// runs proceed in parallel.
	Engine struct {
		state     *state.Manager
		agent     agent.Agent
		scheduler *schedule.Scheduler
		bus       *events.Bus
		sink      events.Sink
		memory    MemoryRetriever
		ledger    *cost.Ledger
		admission func(ctx context.Context, specs []agent.TaskSpec) ([]agent.TaskSpec, error)
		limits    Limits
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		clock     func() time.Time

		regs []*events.Registration

		mu   sync.Mutex
		live map[string]*liveRun
	}

	// liveRun is the engine's in-flight view of one run.
	liveRun struct {
		mu     sync.Mutex
		run    *run.Run
		state  ExecutionState
		memory *memory.ContextBundle
		limits Limits
		cancel context.CancelFunc
		// stopReason records why the bridge interrupted the scheduler, if
		// it did.
		stopReason string
		stopHard   bool
	}
)

// NewEngine validates options and constructs an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.State == nil {
		return nil, errors.New("engine: requires a state manager")
	}
	if opts.Agent == nil {
		return nil, errors.New("engine: requires an agent")
	}
	if opts.Retry == nil {
		return nil, errors.New("engine: requires a retry policy")
	}
	e := &Engine{
		state:     opts.State,
		agent:     opts.Agent,
		bus:       opts.Bus,
		sink:      opts.Sink,
		memory:    opts.Memory,
		ledger:    opts.Ledger,
		admission: opts.Admission,
		limits:    opts.Limits,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		live:      make(map[string]*liveRun),
	}
	if e.logger == nil {
		e.logger = telemetry.NewNoopLogger()
	}
	if e.metrics == nil {
		e.metrics = telemetry.NewNoopMetrics()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.bus == nil {
		e.bus = events.NewBus(e.logger)
	}
	sched, err := schedule.NewScheduler(schedule.Options{
		State:    opts.State,
		Retry:    opts.Retry,
		Executor: schedule.TaskExecutorFunc(e.executeTask),
		Logger:   e.logger,
		Metrics:  e.metrics,
		Sleep:    opts.SchedulerSleep,
	})
	if err != nil {
		return nil, err
	}
	e.scheduler = sched

	if opts.Journal != nil {
		journal := opts.Journal
		e.regs = append(e.regs, e.bus.On(events.TypeAny,
			func(ctx context.Context, env events.Envelope) error {
				return journal.Append(ctx, env)
			}))
	}
	if opts.Sink != nil {
		sink := opts.Sink
		e.regs = append(e.regs, e.bus.On(events.TypeAny,
			func(ctx context.Context, env events.Envelope) error {
				return sink.Forward(ctx, env)
			}))
	}
	return e, nil
}

// Close detaches the engine's bus subscriptions and closes the sink, if
// any. In-flight runs are not interrupted.
func (e *Engine) Close(ctx context.Context) error {
	for _, reg := range e.regs {
		e.bus.Off(reg)
	}
	e.regs = nil
	if e.sink != nil {
		return e.sink.Close(ctx)
	}
	return nil
}

// Bus returns the engine's event bus for observer registration.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Run executes a complete run: create, plan, execute, synthesize. It
// blocks until the run reaches a terminal state or pauses. Task failures
// never fail the run by themselves; the returned error reports planning,
// infrastructure, or stop-policy failures.
func (e *Engine) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	r, err := e.state.CreateRun(ctx, state.RunParams{
		SessionID: in.SessionID,
		AgentType: in.AgentType,
		Input: run.Input{
			Prompt:     in.Prompt,
			ProviderID: in.ProviderID,
			ModelID:    in.ModelID,
			Metadata:   in.Metadata,
		},
	})
	if err != nil {
		return nil, err
	}

	lr := &liveRun{
		run:    r,
		limits: e.effectiveLimits(in.MaxDuration),
		state: ExecutionState{
			Status:    r.Status,
			StartTime: e.clock().UTC(),
		},
	}
	e.track(lr)
	defer e.untrack(r.RunID)

	e.metrics.IncCounter("engine.run.started", 1, "agent_type", r.AgentType)
	e.emit(ctx, lr, events.TypeRunStarted, map[string]any{
		"agentType": r.AgentType,
		"prompt":    in.Prompt,
	})

	if err := e.transition(ctx, lr, run.StatusPlanning); err != nil {
		return e.fail(ctx, lr, "", err)
	}
	lr.memory = e.retrieveMemory(ctx, r, in.Prompt)

	specs, err := e.agent.Plan(ctx, agent.PlanContext{
		Run:     r.Clone(),
		Prompt:  in.Prompt,
		History: in.History,
		Memory:  lr.memory,
	})
	if err != nil {
		return e.fail(ctx, lr, "", fmt.Errorf("engine: planning failed: %w", err))
	}
	if e.admission != nil {
		admitted, aerr := e.admission(ctx, specs)
		if aerr != nil {
			return e.fail(ctx, lr, "", fmt.Errorf("engine: plan admission failed: %w", aerr))
		}
		if len(admitted) < len(specs) {
			e.logger.Info(ctx, "plan tasks rejected", "run_id", r.RunID,
				"planned", len(specs), "admitted", len(admitted))
		}
		specs = admitted
	}
	if _, err := e.state.CreateTasks(ctx, r.RunID, taskParams(specs)); err != nil {
		return e.fail(ctx, lr, "", fmt.Errorf("engine: persisting plan failed: %w", err))
	}
	e.logger.Info(ctx, "run planned", "run_id", r.RunID, "tasks", len(specs))

	if err := e.transition(ctx, lr, run.StatusRunning); err != nil {
		return e.fail(ctx, lr, "", err)
	}
	return e.drive(ctx, lr)
}

// Resume continues a paused run from its persisted snapshot: remaining
// tasks execute and the run completes through synthesis as usual.
func (e *Engine) Resume(ctx context.Context, runID string) (*RunResult, error) {
	r, err := e.state.Run(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status != run.StatusPaused {
		return nil, fmt.Errorf("engine: run %s is %s, not %s", runID, r.Status, run.StatusPaused)
	}

	lr := &liveRun{run: r, limits: e.limits}
	if len(r.Snapshot) > 0 {
		if err := json.Unmarshal(r.Snapshot, &lr.state); err != nil {
			return nil, fmt.Errorf("engine: corrupt snapshot for run %s: %w", runID, err)
		}
	}
	if lr.state.StartTime.IsZero() {
		lr.state.StartTime = e.clock().UTC()
	}
	e.track(lr)
	defer e.untrack(runID)

	if err := e.transition(ctx, lr, run.StatusRunning); err != nil {
		return nil, err
	}
	lr.memory = e.retrieveMemory(ctx, r, r.Input.Prompt)
	return e.drive(ctx, lr)
}

// Pause suspends a running run at the next dispatch boundary. The
// in-flight task finishes; remaining tasks stay schedulable for Resume.
func (e *Engine) Pause(ctx context.Context, runID string) error {
	lr := e.lookup(runID)
	if lr != nil {
		if _, err := e.transitionTracked(ctx, lr, run.StatusPaused); err != nil {
			return err
		}
		return nil
	}
	r, err := e.state.TransitionRun(ctx, runID, run.StatusPaused)
	if err != nil {
		return err
	}
	e.emitStatus(ctx, r, run.StatusRunning, run.StatusPaused)
	return nil
}

// Cancel aborts the run: the run and its non-terminal tasks go to
// CANCELLED, the scheduler is interrupted, and run.failed is emitted.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	r, err := e.state.CancelRun(ctx, runID, StopExternalAbort)
	if err != nil {
		return err
	}
	now := e.clock().UTC()
	if lr := e.lookup(runID); lr != nil {
		lr.mu.Lock()
		lr.run = r
		lr.state.WasAborted = true
		lr.state.Status = run.StatusCancelled
		lr.state.StopReason = StopExternalAbort
		lr.state.EndTime = &now
		lr.mu.Unlock()
		lr.interrupt(StopExternalAbort, true)
		e.snapshot(ctx, lr)
	}
	e.metrics.IncCounter("engine.run.cancelled", 1, "agent_type", r.AgentType)
	e.emitEnvelope(ctx, r.RunID, r.SessionID, events.TypeRunFailed, map[string]any{
		"reason": StopExternalAbort,
		"error": map[string]any{
			"code":      "CANCELLED",
			"message":   "run cancelled by caller",
			"retryable": false,
		},
	})
	return nil
}

// State returns the run record, its tasks, the cost summary when a ledger
// is configured, and the execution state (live when the run is in flight,
// from the snapshot otherwise).
func (e *Engine) State(ctx context.Context, runID string) (*RunState, error) {
	r, err := e.state.Run(ctx, runID)
	if err != nil {
		return nil, err
	}
	tasks, err := e.state.Tasks(ctx, runID)
	if err != nil {
		return nil, err
	}
	rs := &RunState{Run: r, Tasks: tasks}
	if e.ledger != nil {
		sum, err := e.ledger.Aggregate(ctx, runID)
		if err != nil {
			return nil, err
		}
		rs.Cost = sum
	}
	if lr := e.lookup(runID); lr != nil {
		lr.mu.Lock()
		st := lr.state
		lr.mu.Unlock()
		rs.Execution = &st
	} else if len(r.Snapshot) > 0 {
		var st ExecutionState
		if err := json.Unmarshal(r.Snapshot, &st); err != nil {
			return nil, fmt.Errorf("engine: corrupt snapshot for run %s: %w", runID, err)
		}
		rs.Execution = &st
	}
	return rs, nil
}

// drive executes the scheduled tasks and finishes the run: synthesis and
// COMPLETED on success, FAILED with the winning stop reason on hard
// stops, early return on pause or cancellation.
func (e *Engine) drive(ctx context.Context, lr *liveRun) (*RunResult, error) {
	runID := lr.run.RunID
	schedErr := e.runScheduler(ctx, lr)

	cur, err := e.state.Run(ctx, runID)
	if err != nil {
		return e.result(lr), err
	}
	lr.mu.Lock()
	lr.run = cur
	reason, hard := lr.stopReason, lr.stopHard
	lr.mu.Unlock()

	switch cur.Status {
	case run.StatusCancelled:
		// Cancel already recorded the abort and emitted run.failed.
		e.finishState(lr, run.StatusCancelled, StopExternalAbort)
		e.snapshot(ctx, lr)
		return e.result(lr), nil
	case run.StatusPaused:
		e.snapshot(ctx, lr)
		e.logger.Info(ctx, "run paused", "run_id", runID)
		return e.result(lr), nil
	}

	switch {
	case schedErr == nil:
		// Fall through to synthesis.
	case reason != "" && hard:
		return e.fail(ctx, lr, reason, fmt.Errorf("engine: run stopped: %s", reason))
	case reason != "":
		// Soft stop: remaining tasks were swept, the run still completes.
	case errors.Is(schedErr, context.DeadlineExceeded) && ctx.Err() == nil:
		return e.fail(ctx, lr, StopTimeout, fmt.Errorf("engine: run exceeded %s", lr.limits.MaxDuration))
	case ctx.Err() != nil:
		// Caller cancellation: abort durably with a detached context.
		detached := context.WithoutCancel(ctx)
		if _, cerr := e.state.CancelRun(detached, runID, StopExternalAbort); cerr != nil {
			e.logger.Error(detached, "abort record failed", "run_id", runID, "err", cerr)
		}
		e.finishState(lr, run.StatusCancelled, StopExternalAbort)
		lr.mu.Lock()
		lr.state.WasAborted = true
		lr.mu.Unlock()
		e.snapshot(detached, lr)
		e.emit(detached, lr, events.TypeRunFailed, map[string]any{
			"reason": StopExternalAbort,
			"error":  errorMap(schedErr),
		})
		return e.result(lr), schedErr
	default:
		var deadlock *schedule.DeadlockError
		if errors.As(schedErr, &deadlock) {
			return e.fail(ctx, lr, "", fmt.Errorf("engine: %w", deadlock))
		}
		return e.fail(ctx, lr, "", schedErr)
	}

	return e.finish(ctx, lr)
}

// finish synthesizes the final answer and completes the run.
func (e *Engine) finish(ctx context.Context, lr *liveRun) (*RunResult, error) {
	runID := lr.run.RunID
	tasks, err := e.state.Tasks(ctx, runID)
	if err != nil {
		return e.fail(ctx, lr, "", err)
	}
	answer, err := e.agent.Synthesize(ctx, agent.SynthesisContext{
		Run:    lr.run.Clone(),
		Prompt: lr.run.Input.Prompt,
		Tasks:  tasks,
		Memory: lr.memory,
	})
	if err != nil {
		return e.fail(ctx, lr, "", fmt.Errorf("engine: synthesis failed: %w", err))
	}
	e.emit(ctx, lr, events.TypeMessageEmitted, map[string]any{"content": answer})

	done, failed := 0, 0
	for _, t := range tasks {
		switch t.Status {
		case task.StatusDone:
			done++
		case task.StatusFailed:
			failed++
		}
	}
	reason := e.completionReason(lr)
	e.finishState(lr, run.StatusCompleted, reason)
	out := &run.Output{
		Content: answer,
		Metadata: map[string]any{
			"tasksDone":   done,
			"tasksFailed": failed,
		},
	}
	updated, err := e.state.TransitionRun(ctx, runID, run.StatusCompleted,
		state.WithOutput(out), state.WithStopReason(reason), state.WithSnapshot(lr.snapshotJSON()))
	if err != nil {
		return e.result(lr), err
	}
	lr.mu.Lock()
	lr.run = updated
	lr.mu.Unlock()

	e.metrics.IncCounter("engine.run.completed", 1, "agent_type", updated.AgentType)
	e.emit(ctx, lr, events.TypeRunCompleted, map[string]any{
		"stopReason":  reason,
		"tasksDone":   done,
		"tasksFailed": failed,
	})
	e.logger.Info(ctx, "run completed",
		"run_id", runID, "stop_reason", reason, "tasks_done", done, "tasks_failed", failed)
	return e.result(lr), nil
}

// runScheduler drives the scheduler under the run's duration limit and
// an interrupt hook for the stop policy.
func (e *Engine) runScheduler(ctx context.Context, lr *liveRun) error {
	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if d := lr.limits.MaxDuration; d > 0 {
		lr.mu.Lock()
		deadline := lr.state.StartTime.Add(d)
		lr.mu.Unlock()
		runCtx, cancel = context.WithDeadline(ctx, deadline)
	}
	defer cancel()
	runCtx, stop := context.WithCancel(runCtx)
	defer stop()
	lr.mu.Lock()
	lr.cancel = stop
	lr.mu.Unlock()

	err := e.scheduler.Execute(runCtx, lr.run.RunID)
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return context.DeadlineExceeded
	}
	return err
}

// executeTask is the scheduler bridge: stop-policy gate, event emission,
// dependency resolution, agent dispatch, and execution-state accounting.
func (e *Engine) executeTask(ctx context.Context, t *task.Task) (*task.Result, error) {
	lr := e.lookup(t.RunID)
	if lr == nil {
		return nil, fmt.Errorf("engine: run %s is not being driven", t.RunID)
	}

	lr.mu.Lock()
	dec := EvaluateStop(&lr.state, lr.limits, e.clock())
	lr.mu.Unlock()
	if dec.Stop {
		lr.interrupt(dec.Reason, dec.Hard)
		return nil, fmt.Errorf("engine: run stopped: %s", dec.Reason)
	}

	e.emit(ctx, lr, events.TypeToolRequested, map[string]any{
		"taskId": t.TaskID,
		"type":   t.Type,
	})
	deps, err := e.dependencyResults(ctx, t)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, lr, events.TypeToolStarted, map[string]any{
		"taskId":  t.TaskID,
		"type":    t.Type,
		"attempt": t.RetryCount,
	})

	started := e.clock()
	res, execErr := e.agent.ExecuteTask(ctx, t, agent.TaskContext{
		Run:          lr.currentRun(),
		Dependencies: deps,
		Memory:       lr.memory,
	})
	elapsed := e.clock().Sub(started)

	lr.mu.Lock()
	lr.state.IterationCount++
	if execErr != nil {
		lr.state.ErrorCount++
	} else {
		lr.state.CurrentStepIndex++
		if res != nil {
			lr.state.TokenUsage.Input += intFrom(res.Metadata["inputTokens"])
			lr.state.TokenUsage.Output += intFrom(res.Metadata["outputTokens"])
			lr.state.TokenUsage.Total = lr.state.TokenUsage.Input + lr.state.TokenUsage.Output
			if flag, _ := res.Metadata["goalSatisfied"].(bool); flag {
				lr.state.GoalSatisfied = true
			}
			if flag, _ := res.Metadata["artifactProduced"].(bool); flag {
				lr.state.ArtifactProduced = true
			}
		}
	}
	lr.mu.Unlock()
	e.snapshot(ctx, lr)

	if execErr != nil {
		e.emit(ctx, lr, events.TypeToolFailed, map[string]any{
			"taskId":  t.TaskID,
			"attempt": t.RetryCount,
			"error":   errorMap(execErr),
		})
		return nil, execErr
	}
	e.emit(ctx, lr, events.TypeToolCompleted, map[string]any{
		"taskId":     t.TaskID,
		"durationMs": elapsed.Milliseconds(),
	})
	return res, nil
}

// dependencyResults collects the outputs of the task's dependencies. The
// scheduler dispatches only when every dependency is DONE, so a missing
// output is an invariant violation, not a race.
func (e *Engine) dependencyResults(ctx context.Context, t *task.Task) (map[string]*task.Result, error) {
	if len(t.Dependencies) == 0 {
		return nil, nil
	}
	deps := make(map[string]*task.Result, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		d, err := e.state.Task(ctx, t.RunID, dep)
		if err != nil {
			return nil, fmt.Errorf("engine: read dependency %s of %s: %w", dep, t.TaskID, err)
		}
		if d.Status != task.StatusDone || d.Output == nil {
			return nil, fmt.Errorf("engine: dependency %s of %s is %s without output",
				dep, t.TaskID, d.Status)
		}
		deps[dep] = d.Output
	}
	return deps, nil
}

// fail drives the run to FAILED, records the stop reason, and emits
// run.failed with the normalized error payload. The cause is returned so
// callers propagate it.
func (e *Engine) fail(ctx context.Context, lr *liveRun, reason string, cause error) (*RunResult, error) {
	runID := lr.run.RunID
	e.finishState(lr, run.StatusFailed, reason)
	updated, err := e.state.TransitionRun(ctx, runID, run.StatusFailed,
		state.WithStopReason(reason), state.WithSnapshot(lr.snapshotJSON()))
	if err != nil {
		e.logger.Error(ctx, "failure record failed", "run_id", runID, "err", err)
	} else {
		lr.mu.Lock()
		lr.run = updated
		lr.mu.Unlock()
	}
	payload := map[string]any{"error": errorMap(cause)}
	if reason != "" {
		payload["reason"] = reason
	}
	e.metrics.IncCounter("engine.run.failed", 1, "agent_type", lr.run.AgentType)
	e.emit(ctx, lr, events.TypeRunFailed, payload)
	e.logger.Error(ctx, "run failed", "run_id", runID, "reason", reason, "err", cause)
	return e.result(lr), cause
}

// transition applies a run status change for a tracked run and emits
// run.status.changed.
func (e *Engine) transition(ctx context.Context, lr *liveRun, next run.Status) error {
	_, err := e.transitionTracked(ctx, lr, next)
	return err
}

func (e *Engine) transitionTracked(ctx context.Context, lr *liveRun, next run.Status) (*run.Run, error) {
	lr.mu.Lock()
	from := lr.run.Status
	lr.mu.Unlock()
	updated, err := e.state.TransitionRun(ctx, lr.run.RunID, next,
		state.WithSnapshot(lr.snapshotJSON()))
	if err != nil {
		return nil, err
	}
	lr.mu.Lock()
	lr.run = updated
	lr.state.Status = next
	lr.mu.Unlock()
	e.emitStatus(ctx, updated, from, next)
	return updated, nil
}

// finishState stamps the terminal status, stop reason and end time on the
// live execution state.
func (e *Engine) finishState(lr *liveRun, status run.Status, reason string) {
	now := e.clock().UTC()
	lr.mu.Lock()
	lr.state.Status = status
	if reason != "" {
		lr.state.StopReason = reason
	}
	lr.state.EndTime = &now
	lr.mu.Unlock()
}

// completionReason picks the stop reason for a run that finished all of
// its schedulable work.
func (e *Engine) completionReason(lr *liveRun) string {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	switch {
	case lr.state.GoalSatisfied:
		return StopGoalSatisfied
	case lr.state.ArtifactProduced:
		return StopArtifactProduced
	default:
		return StopGoalSatisfied
	}
}

// snapshot best-effort persists the execution state onto the run record.
func (e *Engine) snapshot(ctx context.Context, lr *liveRun) {
	if _, err := e.state.UpdateRun(ctx, lr.run.RunID, state.WithSnapshot(lr.snapshotJSON())); err != nil {
		e.logger.Warn(ctx, "snapshot write failed", "run_id", lr.run.RunID, "err", err)
	}
}

// retrieveMemory best-effort fetches the context bundle; retrieval
// failures degrade to planning without memory.
func (e *Engine) retrieveMemory(ctx context.Context, r *run.Run, prompt string) *memory.ContextBundle {
	if e.memory == nil {
		return nil
	}
	bundle, err := e.memory.RetrieveContext(ctx, memory.RetrieveInput{
		RunID:     r.RunID,
		SessionID: r.SessionID,
		Prompt:    prompt,
	})
	if err != nil {
		e.logger.Warn(ctx, "memory retrieval failed", "run_id", r.RunID, "err", err)
		return nil
	}
	return bundle
}

func (e *Engine) emit(ctx context.Context, lr *liveRun, kind events.Type, payload map[string]any) {
	lr.mu.Lock()
	runID, sessionID := lr.run.RunID, lr.run.SessionID
	lr.mu.Unlock()
	e.emitEnvelope(ctx, runID, sessionID, kind, payload)
}

func (e *Engine) emitStatus(ctx context.Context, r *run.Run, from, to run.Status) {
	e.emitEnvelope(ctx, r.RunID, r.SessionID, events.TypeRunStatusChanged, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
}

func (e *Engine) emitEnvelope(ctx context.Context, runID, sessionID string, kind events.Type, payload map[string]any) {
	env := events.Envelope{
		RunID:     runID,
		SessionID: sessionID,
		Source:    events.SourceBrain,
		Type:      kind,
		Payload:   payload,
	}
	if err := e.bus.Emit(ctx, env); err != nil {
		e.logger.Warn(ctx, "event emission failed",
			"run_id", runID, "type", string(kind), "err", err)
	}
}

func (e *Engine) effectiveLimits(maxDuration time.Duration) Limits {
	lim := e.limits
	if maxDuration > 0 {
		lim.MaxDuration = maxDuration
	}
	return lim
}

func (e *Engine) result(lr *liveRun) *RunResult {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return &RunResult{
		RunID:      lr.run.RunID,
		SessionID:  lr.run.SessionID,
		Status:     lr.run.Status,
		Output:     lr.run.Output,
		StopReason: lr.run.StopReason,
		Execution:  lr.state,
	}
}

func (e *Engine) track(lr *liveRun) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.live[lr.run.RunID] = lr
}

func (e *Engine) untrack(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.live, runID)
}

func (e *Engine) lookup(runID string) *liveRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live[runID]
}

// interrupt cancels the scheduler context, recording the first reason.
func (lr *liveRun) interrupt(reason string, hard bool) {
	lr.mu.Lock()
	if lr.stopReason == "" {
		lr.stopReason = reason
		lr.stopHard = hard
	}
	cancel := lr.cancel
	lr.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (lr *liveRun) currentRun() *run.Run {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.run.Clone()
}

func (lr *liveRun) snapshotJSON() []byte {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	buf, err := json.Marshal(lr.state)
	if err != nil {
		return nil
	}
	return buf
}

// taskParams converts planned specs into persistence parameters. Routing
// hints travel in the spec params; MaxRetries defers to the scheduler
// policy.
func taskParams(specs []agent.TaskSpec) []state.TaskParams {
	params := make([]state.TaskParams, 0, len(specs))
	for _, s := range specs {
		p := state.TaskParams{
			TaskID:       s.ID,
			Type:         s.Type,
			Dependencies: s.DependsOn,
			Input:        task.Input{Description: s.Description, Params: s.Params},
			MaxRetries:   -1,
		}
		if hint, _ := s.Params["executor"].(string); hint != "" {
			p.ExecutorHint = hint
		}
		if gpu, _ := s.Params["requiresGpu"].(bool); gpu {
			p.RequiresGPU = true
		}
		params = append(params, p)
	}
	return params
}

// errorMap normalizes an error into the run.failed / tool.failed payload
// shape: provider errors keep their taxonomy code and retryability,
// everything else is INTERNAL_ERROR.
func errorMap(err error) map[string]any {
	if err == nil {
		return nil
	}
	if pe, ok := model.AsProviderError(err); ok {
		return map[string]any{
			"code":      string(pe.Code()),
			"message":   pe.Error(),
			"retryable": model.DefaultRetryable(pe.Code()),
		}
	}
	return map[string]any{
		"code":      string(model.CodeInternalError),
		"message":   err.Error(),
		"retryable": false,
	}
}

func intFrom(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
