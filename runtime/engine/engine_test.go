package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/agent"
	"goa.design/relay/runtime/engine"
	"goa.design/relay/runtime/events"
	eventsinmem "goa.design/relay/runtime/events/inmem"
	"goa.design/relay/runtime/retry"
	"goa.design/relay/runtime/run"
	runinmem "goa.design/relay/runtime/run/inmem"
	"goa.design/relay/runtime/schedule"
	"goa.design/relay/runtime/state"
	"goa.design/relay/runtime/task"
	taskinmem "goa.design/relay/runtime/task/inmem"
)

// fakeAgent is a scriptable strategy. Task executions fail per taskErrs
// until the scripted count runs out, then succeed with a canned result.
type fakeAgent struct {
	mu       sync.Mutex
	specs    []agent.TaskSpec
	planErr  error
	taskErrs map[string]error
	failures map[string]int
	results  map[string]*task.Result
	hook     func(ctx context.Context, t *task.Task)
	answer   string
	synthErr error

	calls    []string
	taskCtxs map[string]agent.TaskContext
	synths   int
}

func (f *fakeAgent) Plan(_ context.Context, pc agent.PlanContext) ([]agent.TaskSpec, error) {
	if f.planErr != nil {
		return nil, f.planErr
	}
	return f.specs, nil
}

func (f *fakeAgent) ExecuteTask(ctx context.Context, t *task.Task, tc agent.TaskContext) (*task.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, t.TaskID)
	if f.taskCtxs == nil {
		f.taskCtxs = make(map[string]agent.TaskContext)
	}
	f.taskCtxs[t.TaskID] = tc
	remaining := f.failures[t.TaskID]
	if remaining > 0 {
		f.failures[t.TaskID] = remaining - 1
	}
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(ctx, t)
	}
	if remaining > 0 {
		if err := f.taskErrs[t.TaskID]; err != nil {
			return nil, err
		}
		return nil, errors.New("scripted failure")
	}
	if res := f.results[t.TaskID]; res != nil {
		return res, nil
	}
	return &task.Result{
		Content: t.TaskID + " done",
		Metadata: map[string]any{
			"inputTokens":  100,
			"outputTokens": 50,
		},
	}, nil
}

func (f *fakeAgent) Synthesize(_ context.Context, sc agent.SynthesisContext) (string, error) {
	f.mu.Lock()
	f.synths++
	f.mu.Unlock()
	if f.synthErr != nil {
		return "", f.synthErr
	}
	return f.answer, nil
}

func (f *fakeAgent) callCount(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.calls {
		if id == taskID {
			n++
		}
	}
	return n
}

// recorder collects every bus emission in order.
type recorder struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func (r *recorder) record(_ context.Context, env events.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]events.Type, len(r.envs))
	for i, env := range r.envs {
		kinds[i] = env.Type
	}
	return kinds
}

func (r *recorder) find(kind events.Type) (events.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, env := range r.envs {
		if env.Type == kind {
			return env, true
		}
	}
	return events.Envelope{}, false
}

type fixture struct {
	engine  *engine.Engine
	manager *state.Manager
	agent   *fakeAgent
	rec     *recorder
	journal *eventsinmem.Journal
}

func newFixture(t *testing.T, fa *fakeAgent, mutate ...func(*engine.Options)) *fixture {
	t.Helper()
	m, err := state.NewManager(state.Options{Runs: runinmem.New(), Tasks: taskinmem.New()})
	require.NoError(t, err)
	policy, err := retry.NewPolicy(retry.Options{BaseDelay: time.Millisecond})
	require.NoError(t, err)

	if fa.failures == nil {
		fa.failures = map[string]int{}
	}
	if fa.taskErrs == nil {
		fa.taskErrs = map[string]error{}
	}
	if fa.answer == "" {
		fa.answer = "the answer"
	}

	journal := eventsinmem.New()
	opts := engine.Options{
		State:   m,
		Agent:   fa,
		Retry:   policy,
		Journal: journal,
		SchedulerSleep: func(ctx context.Context, _ time.Duration) error {
			return ctx.Err()
		},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	e, err := engine.NewEngine(opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close(context.Background())) })

	rec := &recorder{}
	e.Bus().On(events.TypeAny, rec.record)
	return &fixture{engine: e, manager: m, agent: fa, rec: rec, journal: journal}
}

func runInput() engine.RunInput {
	return engine.RunInput{
		SessionID: "sess-1",
		AgentType: "coding",
		Prompt:    "write a report",
	}
}

func TestNewEngineValidation(t *testing.T) {
	t.Parallel()

	m, err := state.NewManager(state.Options{Runs: runinmem.New(), Tasks: taskinmem.New()})
	require.NoError(t, err)
	policy, err := retry.NewPolicy(retry.Options{})
	require.NoError(t, err)

	_, err = engine.NewEngine(engine.Options{Agent: &fakeAgent{}, Retry: policy})
	require.ErrorContains(t, err, "state manager")
	_, err = engine.NewEngine(engine.Options{State: m, Retry: policy})
	require.ErrorContains(t, err, "agent")
	_, err = engine.NewEngine(engine.Options{State: m, Agent: &fakeAgent{}})
	require.ErrorContains(t, err, "retry policy")
}

func TestRunCompletesThroughSynthesis(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{
		specs: []agent.TaskSpec{
			{ID: "a", Type: "llm", Description: "gather facts"},
			{ID: "b", Type: "llm", Description: "write it up", DependsOn: []string{"a"}},
		},
		answer: "final report",
	}
	fx := newFixture(t, fa)

	res, err := fx.engine.Run(context.Background(), runInput())
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, res.Status)
	assert.Equal(t, engine.StopGoalSatisfied, res.StopReason)
	require.NotNil(t, res.Output)
	assert.Equal(t, "final report", res.Output.Content)
	assert.Equal(t, 2, res.Output.Metadata["tasksDone"])
	assert.Equal(t, 0, res.Output.Metadata["tasksFailed"])

	// Dependency outputs reach downstream tasks.
	assert.Equal(t, []string{"a", "b"}, fa.calls)
	require.Contains(t, fa.taskCtxs["b"].Dependencies, "a")
	assert.Equal(t, "a done", fa.taskCtxs["b"].Dependencies["a"].Content)

	// Execution accounting folds per-task token usage.
	assert.Equal(t, 2, res.Execution.IterationCount)
	assert.Equal(t, 200, res.Execution.TokenUsage.Input)
	assert.Equal(t, 100, res.Execution.TokenUsage.Output)
	assert.Equal(t, 300, res.Execution.TokenUsage.Total)
	require.NotNil(t, res.Execution.EndTime)

	assert.Equal(t, []events.Type{
		events.TypeRunStarted,
		events.TypeRunStatusChanged, // CREATED -> PLANNING
		events.TypeRunStatusChanged, // PLANNING -> RUNNING
		events.TypeToolRequested,
		events.TypeToolStarted,
		events.TypeToolCompleted,
		events.TypeToolRequested,
		events.TypeToolStarted,
		events.TypeToolCompleted,
		events.TypeMessageEmitted,
		events.TypeRunCompleted,
	}, fx.rec.types())

	msg, ok := fx.rec.find(events.TypeMessageEmitted)
	require.True(t, ok)
	assert.Equal(t, "final report", msg.Payload["content"])

	// Every emission is journaled for replay.
	page, err := fx.journal.List(context.Background(), res.RunID, "", 0)
	require.NoError(t, err)
	assert.Len(t, page.Envelopes, 11)
}

func TestRunPlanningFailureFailsRun(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{planErr: errors.New("model melted")}
	fx := newFixture(t, fa)

	res, err := fx.engine.Run(context.Background(), runInput())
	require.ErrorContains(t, err, "model melted")
	assert.Equal(t, run.StatusFailed, res.Status)

	env, ok := fx.rec.find(events.TypeRunFailed)
	require.True(t, ok)
	errObj, ok := env.Payload["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "INTERNAL_ERROR", errObj["code"])
	assert.Contains(t, errObj["message"], "model melted")
}

func TestRunAdmissionFiltersPlan(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{
		specs: []agent.TaskSpec{
			{ID: "keep", Type: "llm", Description: "allowed"},
			{ID: "drop", Type: "review", Description: "filtered out"},
		},
	}
	fx := newFixture(t, fa, func(o *engine.Options) {
		o.Admission = func(_ context.Context, specs []agent.TaskSpec) ([]agent.TaskSpec, error) {
			admitted := make([]agent.TaskSpec, 0, len(specs))
			for _, s := range specs {
				if s.Type != "review" {
					admitted = append(admitted, s)
				}
			}
			return admitted, nil
		}
	})

	res, err := fx.engine.Run(context.Background(), runInput())
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, res.Status)
	assert.Equal(t, []string{"keep"}, fa.calls)

	tasks, err := fx.manager.Tasks(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "keep", tasks[0].TaskID)
}

func TestRunAdmissionErrorFailsRun(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{specs: []agent.TaskSpec{{ID: "a", Type: "llm", Description: "x"}}}
	fx := newFixture(t, fa, func(o *engine.Options) {
		o.Admission = func(context.Context, []agent.TaskSpec) ([]agent.TaskSpec, error) {
			return nil, errors.New("policy store down")
		}
	})

	res, err := fx.engine.Run(context.Background(), runInput())
	require.ErrorContains(t, err, "plan admission failed")
	assert.Equal(t, run.StatusFailed, res.Status)
}

func TestRunTaskFailuresDoNotFailRun(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{
		specs: []agent.TaskSpec{
			{ID: "flaky", Type: "llm", Description: "keeps breaking"},
			{ID: "solid", Type: "llm", Description: "works"},
		},
		failures: map[string]int{"flaky": 10}, // more than the policy allows
		taskErrs: map[string]error{"flaky": errors.New("no luck")},
	}
	fx := newFixture(t, fa)

	res, err := fx.engine.Run(context.Background(), runInput())
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, res.Status)
	assert.Equal(t, 1, res.Output.Metadata["tasksDone"])
	assert.Equal(t, 1, res.Output.Metadata["tasksFailed"])
	// Policy default is 3 retries: four attempts, each counted.
	assert.Equal(t, 4, fa.callCount("flaky"))
	assert.Equal(t, 4, res.Execution.ErrorCount)

	flaky, err := fx.manager.Task(context.Background(), res.RunID, "flaky")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, flaky.Status)
	require.NotNil(t, flaky.Error)
	assert.Contains(t, flaky.Error.Message, "no luck")

	_, failed := fx.rec.find(events.TypeToolFailed)
	assert.True(t, failed)
}

func TestRunFailedDependencyDeadlocksRun(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{
		specs: []agent.TaskSpec{
			{ID: "a", Type: "llm", Description: "breaks"},
			{ID: "b", Type: "llm", Description: "never runs", DependsOn: []string{"a"}},
		},
		failures: map[string]int{"a": 10},
	}
	fx := newFixture(t, fa)

	res, err := fx.engine.Run(context.Background(), runInput())
	var deadlock *schedule.DeadlockError
	require.ErrorAs(t, err, &deadlock)
	assert.Equal(t, []string{"b"}, deadlock.TaskIDs)
	assert.Equal(t, run.StatusFailed, res.Status)

	b, err := fx.manager.Task(context.Background(), res.RunID, "b")
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, b.Status)
}

func TestRunErrorThresholdStopsRun(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{
		specs: []agent.TaskSpec{
			{ID: "a", Type: "llm", Description: "breaks"},
			{ID: "b", Type: "llm", Description: "never dispatched"},
		},
		failures: map[string]int{"a": 10},
	}
	fx := newFixture(t, fa, func(o *engine.Options) {
		o.Limits = engine.Limits{MaxErrors: 1}
	})

	res, err := fx.engine.Run(context.Background(), runInput())
	require.ErrorContains(t, err, engine.StopErrorThreshold)
	assert.Equal(t, run.StatusFailed, res.Status)
	assert.Equal(t, engine.StopErrorThreshold, res.StopReason)
	assert.Equal(t, 1, fa.callCount("a"))
	assert.Equal(t, 0, fa.callCount("b"))

	env, ok := fx.rec.find(events.TypeRunFailed)
	require.True(t, ok)
	assert.Equal(t, engine.StopErrorThreshold, env.Payload["reason"])
}

func TestRunMaxStepsStopsRun(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{
		specs: []agent.TaskSpec{
			{ID: "a", Type: "llm", Description: "first"},
			{ID: "b", Type: "llm", Description: "one too many"},
		},
	}
	fx := newFixture(t, fa, func(o *engine.Options) {
		o.Limits = engine.Limits{MaxSteps: 1}
	})

	res, err := fx.engine.Run(context.Background(), runInput())
	require.ErrorContains(t, err, engine.StopMaxSteps)
	assert.Equal(t, run.StatusFailed, res.Status)
	assert.Equal(t, engine.StopMaxSteps, res.StopReason)
	assert.Equal(t, 1, fa.callCount("a"))
	assert.Equal(t, 0, fa.callCount("b"))

	b, err := fx.manager.Task(context.Background(), res.RunID, "b")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, b.Status)
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{
		specs: []agent.TaskSpec{{ID: "slow", Type: "llm", Description: "takes forever"}},
		hook: func(ctx context.Context, _ *task.Task) {
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		},
	}
	fx := newFixture(t, fa)

	in := runInput()
	in.MaxDuration = 10 * time.Millisecond
	res, err := fx.engine.Run(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, run.StatusFailed, res.Status)
	assert.Equal(t, engine.StopTimeout, res.StopReason)
}

func TestCancelDuringRun(t *testing.T) {
	t.Parallel()

	var fx *fixture
	fa := &fakeAgent{
		specs: []agent.TaskSpec{
			{ID: "a", Type: "llm", Description: "cancelled midway"},
			{ID: "b", Type: "llm", Description: "never runs"},
		},
	}
	fa.hook = func(_ context.Context, tk *task.Task) {
		if tk.TaskID == "a" {
			require.NoError(t, fx.engine.Cancel(context.Background(), tk.RunID))
		}
	}
	fx = newFixture(t, fa)

	res, err := fx.engine.Run(context.Background(), runInput())
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, res.Status)
	assert.Equal(t, engine.StopExternalAbort, res.StopReason)
	assert.True(t, res.Execution.WasAborted)
	assert.Equal(t, 0, fa.callCount("b"))

	b, err := fx.manager.Task(context.Background(), res.RunID, "b")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, b.Status)

	env, ok := fx.rec.find(events.TypeRunFailed)
	require.True(t, ok)
	errObj := env.Payload["error"].(map[string]any)
	assert.Equal(t, "CANCELLED", errObj["code"])
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()

	var fx *fixture
	fa := &fakeAgent{
		specs: []agent.TaskSpec{
			{ID: "a", Type: "llm", Description: "first"},
			{ID: "b", Type: "llm", Description: "after the break"},
		},
		answer: "resumed answer",
	}
	fa.hook = func(_ context.Context, tk *task.Task) {
		if tk.TaskID == "a" {
			require.NoError(t, fx.engine.Pause(context.Background(), tk.RunID))
		}
	}
	fx = newFixture(t, fa)

	res, err := fx.engine.Run(context.Background(), runInput())
	require.NoError(t, err)
	assert.Equal(t, run.StatusPaused, res.Status)
	assert.Nil(t, res.Output)
	assert.Equal(t, 0, fa.callCount("b"))
	assert.Equal(t, 0, fa.synths)

	// The in-flight task finished before the drain.
	a, err := fx.manager.Task(context.Background(), res.RunID, "a")
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, a.Status)

	fa.mu.Lock()
	fa.hook = nil
	fa.mu.Unlock()

	resumed, err := fx.engine.Resume(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, resumed.Status)
	assert.Equal(t, "resumed answer", resumed.Output.Content)
	assert.Equal(t, 1, fa.callCount("b"))
	// Execution state survived the pause.
	assert.Equal(t, 2, resumed.Execution.IterationCount)
}

func TestResumeRequiresPausedRun(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{specs: []agent.TaskSpec{{ID: "a", Type: "llm", Description: "x"}}}
	fx := newFixture(t, fa)

	res, err := fx.engine.Run(context.Background(), runInput())
	require.NoError(t, err)
	_, err = fx.engine.Resume(context.Background(), res.RunID)
	require.ErrorContains(t, err, "not PAUSED")
}

func TestGoalSatisfiedStopsRemainingWork(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{
		specs: []agent.TaskSpec{
			{ID: "a", Type: "llm", Description: "finds the answer"},
			{ID: "b", Type: "llm", Description: "redundant"},
		},
		results: map[string]*task.Result{
			"a": {Content: "42", Metadata: map[string]any{"goalSatisfied": true}},
		},
		answer: "it is 42",
	}
	fx := newFixture(t, fa)

	res, err := fx.engine.Run(context.Background(), runInput())
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, res.Status)
	assert.Equal(t, engine.StopGoalSatisfied, res.StopReason)
	assert.Equal(t, "it is 42", res.Output.Content)
	assert.Equal(t, 0, fa.callCount("b"))
}

func TestStateReportsSnapshotAfterCompletion(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{specs: []agent.TaskSpec{{ID: "a", Type: "llm", Description: "x"}}}
	fx := newFixture(t, fa)

	res, err := fx.engine.Run(context.Background(), runInput())
	require.NoError(t, err)

	rs, err := fx.engine.State(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, rs.Run.Status)
	require.Len(t, rs.Tasks, 1)
	require.NotNil(t, rs.Execution)
	assert.Equal(t, run.StatusCompleted, rs.Execution.Status)
	assert.Equal(t, engine.StopGoalSatisfied, rs.Execution.StopReason)
	assert.Nil(t, rs.Cost)

	_, err = fx.engine.State(context.Background(), "nope")
	require.ErrorIs(t, err, run.ErrNotFound)
}
