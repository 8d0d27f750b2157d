package task_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/task"
	"goa.design/relay/runtime/task/inmem"
)

func newTask(id string, deps ...string) *task.Task {
	return &task.Task{
		TaskID:       id,
		RunID:        "run-1",
		Type:         "analyze",
		Status:       task.StatusPending,
		Dependencies: deps,
		Input:        task.Input{Description: "inspect " + id},
		MaxRetries:   task.DefaultMaxRetries,
	}
}

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()

	tk := newTask("a")
	now := time.Now()
	for _, next := range []task.Status{
		task.StatusReady, task.StatusRunning, task.StatusFailed,
		task.StatusRetrying, task.StatusReady, task.StatusRunning, task.StatusDone,
	} {
		require.NoError(t, tk.Transition(next, now))
	}
	require.True(t, task.Terminal(tk.Status))

	// Terminal states allow nothing further.
	require.Error(t, tk.Transition(task.StatusReady, now))
	require.Error(t, tk.Transition(task.StatusCancelled, now))
}

func TestInvalidTransitionError(t *testing.T) {
	t.Parallel()

	tk := newTask("a")
	err := tk.Transition(task.StatusRunning, time.Now())
	var ite *task.InvalidStateTransitionError
	require.ErrorAs(t, err, &ite)
	require.Equal(t, "a", ite.TaskID)
	require.Equal(t, task.StatusPending, tk.Status)
}

func TestRetryAccounting(t *testing.T) {
	t.Parallel()

	tk := newTask("a")
	tk.MaxRetries = 2
	require.True(t, tk.CanRetry(0))
	require.NoError(t, tk.IncrementRetry(0))
	require.NoError(t, tk.IncrementRetry(0))
	require.False(t, tk.CanRetry(0))
	require.Error(t, tk.IncrementRetry(0))
	require.Equal(t, 2, tk.RetryCount)

	// Negative MaxRetries defers to the policy default.
	tk = newTask("b")
	tk.MaxRetries = -1
	require.Equal(t, 3, tk.EffectiveMaxRetries(3))
	require.True(t, tk.CanRetry(3))

	// Zero means no retries at all.
	tk = newTask("c")
	tk.MaxRetries = 0
	require.False(t, tk.CanRetry(3))
}

// retryCount never exceeds maxRetries under any increment sequence.
func TestRetryBoundProperty(t *testing.T) {
	t.Parallel()

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("retryCount <= maxRetries", prop.ForAll(
		func(max uint8, attempts uint8) bool {
			tk := newTask("p")
			tk.MaxRetries = int(max % 5)
			for i := 0; i < int(attempts); i++ {
				_ = tk.IncrementRetry(0)
			}
			return tk.RetryCount <= tk.MaxRetries
		},
		gen.UInt8(),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, newTask("a").Validate())
	require.Error(t, newTask("a", "a").Validate())

	tk := newTask("a")
	tk.Input.Description = ""
	require.Error(t, tk.Validate())
}

func TestInmemStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := inmem.New()

	batch := []*task.Task{newTask("a"), newTask("b", "a"), newTask("c", "b")}
	require.NoError(t, s.CreateBatch(ctx, "run-1", batch))

	// Duplicate IDs abort the whole batch.
	err := s.CreateBatch(ctx, "run-1", []*task.Task{newTask("d"), newTask("a")})
	require.Error(t, err)
	_, err = s.Get(ctx, "run-1", "d")
	require.ErrorIs(t, err, task.ErrNotFound)

	all, err := s.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "a", all[0].TaskID)
	require.Equal(t, "c", all[2].TaskID)

	got, err := s.Get(ctx, "run-1", "b")
	require.NoError(t, err)
	require.NoError(t, got.Transition(task.StatusReady, time.Now()))
	require.NoError(t, s.Put(ctx, got))

	ready, err := s.ListByRunAndStatus(ctx, "run-1", task.StatusReady)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, "b", ready[0].TaskID)

	require.NoError(t, s.DeleteByRun(ctx, "run-1"))
	all, err = s.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Empty(t, all)
}
